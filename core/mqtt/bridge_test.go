package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/events"
	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/internal/eventbus"
)

type fakeClient struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	published map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]Handler{}, published: map[string][]byte{}}
}

func (f *fakeClient) Publish(topic string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published[topic] = b
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Subscribe(topic string, h Handler) error {
	f.mu.Lock()
	f.handlers[topic] = h
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() {}

func (f *fakeClient) get(topic string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.published[topic]
	return b, ok
}

type fakeReporter struct {
	got []conflict.FailureReport
}

func (r *fakeReporter) ReportFailure(_ context.Context, fr conflict.FailureReport) (model.Exception, error) {
	r.got = append(r.got, fr)
	return model.Exception{ID: "EXC_1", Type: fr.Type}, nil
}

func TestDecodeFailure(t *testing.T) {
	r, err := DecodeFailure([]byte(`{"type":"Vehicle_Breakdown","vehicle_id":"v1","description":"engine"}`))
	require.NoError(t, err)
	assert.Equal(t, model.ExceptionVehicleBreakdown, r.Type)
	assert.Equal(t, "v1", r.VehicleID)

	_, err = DecodeFailure([]byte(`{`))
	assert.True(t, errors.Is(err, ErrBadPayload))
	_, err = DecodeFailure([]byte(`{"type":"meteor_strike","order_id":"o1"}`))
	assert.Error(t, err)
}

func TestBridge_InboundFailure(t *testing.T) {
	c := newFakeClient()
	rep := &fakeReporter{}
	b := NewBridge(c, rep, Topics{Failures: "fleet/failures"}, logger.NopLogger{})
	require.NoError(t, b.Start(context.Background(), nil))

	h := c.handlers["fleet/failures"]
	require.NotNil(t, h)
	h("fleet/failures", []byte(`{"type":"delivery_failure","order_id":"o1","description":"nobody home"}`))
	h("fleet/failures", []byte(`not json`))
	require.Len(t, rep.got, 1)
	assert.Equal(t, "o1", rep.got[0].OrderID)
}

func TestBridge_ForwardsEvents(t *testing.T) {
	c := newFakeClient()
	bus := eventbus.New()
	defer bus.Close()
	b := NewBridge(c, nil, Topics{Events: "fleet/events"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx, bus))

	bus.Publish(events.CycleEvent{RunID: "r1", Outcome: "completed", Steps: 4})
	require.Eventually(t, func() bool {
		_, ok := c.get("fleet/events/cycle")
		return ok
	}, time.Second, 5*time.Millisecond)

	raw, _ := c.get("fleet/events/cycle")
	var env struct {
		Kind string         `json:"kind"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "cycle", env.Kind)
	assert.Equal(t, "r1", env.Data["run_id"])

	require.NoError(t, b.Forward("not an event"))
	_, ok := c.get("fleet/events/")
	assert.False(t, ok)
}
