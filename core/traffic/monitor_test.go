package traffic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
	"github.com/kilianp07/fleetdispatch/infra/logger"
)

var nyc = model.Location{Lat: 40.7128, Lon: -74.0060}

func at(hour int) time.Time { return time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC) }

func route(vehicleID string, stops int, arrival time.Time) model.Route {
	r := model.Route{ID: "route_" + vehicleID, VehicleID: vehicleID}
	for i := 0; i < stops; i++ {
		r.Stops = append(r.Stops, model.Stop{OrderID: "o", Kind: model.StopDelivery, Location: nyc, ArrivalAt: arrival})
	}
	return r
}

func TestCongestion(t *testing.T) {
	assert.InDelta(t, 1.0, Congestion(at(8)), 1e-9)
	assert.InDelta(t, 0.25, Congestion(at(12)), 1e-9)
	assert.InDelta(t, 0.0, Congestion(at(22)), 1e-9)
}

func TestAssess(t *testing.T) {
	a := Assess(route("v1", 4, at(8)), Static{}, at(7))
	assert.InDelta(t, 40, a.DelayMinutes, 1e-9)
	assert.Equal(t, model.ExceptionTrafficDelay, a.Cause)
	assert.Equal(t, model.SeverityMedium, a.Severity)
	assert.True(t, a.Alerting())

	a = Assess(route("v1", 4, at(22)), Static{Condition: Storm}, at(21))
	assert.InDelta(t, 36, a.DelayMinutes, 1e-9)
	assert.Equal(t, model.ExceptionWeatherDelay, a.Cause)

	a = Assess(route("v1", 7, at(18)), Static{}, at(17))
	assert.Equal(t, model.SeverityHigh, a.Severity)

	a = Assess(route("v1", 2, at(12)), Static{}, at(12))
	assert.False(t, a.Alerting())
	assert.Equal(t, model.SeverityLow, a.Severity)
}

func setup(t *testing.T, r model.Route) (*store.MemoryStore, *worker.Queue, *Monitor) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	v := model.NewVehicle(r.VehicleID, nyc)
	v.State = model.VehicleMoving
	require.NoError(t, st.UpsertVehicle(ctx, v))
	require.NoError(t, st.UpsertRoute(ctx, r))
	q := worker.NewQueue()
	m := New(st, q, logger.NopLogger{}, nil)
	return st, q, m
}

func TestMonitorRoute_AlertsSupervisorAndExceptions(t *testing.T) {
	_, q, m := setup(t, route("v1", 8, at(8)))
	now := at(7)
	m.SetClock(func() time.Time { return now })

	msg := model.NewMessage(model.WorkerRouting, model.WorkerTraffic, 2, model.MonitorRoute{RouteID: "route_v1", VehicleID: "v1"})
	require.NoError(t, m.HandleMessage(context.Background(), msg))

	msgs := q.Drain()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.WorkerSupervisor, msgs[0].Recipient)
	assert.Equal(t, model.WorkerExceptions, msgs[1].Recipient)
	alert := msgs[1].Payload.(model.TrafficAlert)
	assert.InDelta(t, 80, alert.DelayMinutes, 1e-9)
	assert.Equal(t, model.SeverityHigh, alert.Severity)
	assert.Equal(t, model.ExceptionTrafficDelay, alert.Cause)
	assert.Equal(t, model.MsgAlternativeRoute, msgs[2].Kind())

	// within the cooldown nothing is sent again
	now = now.Add(10 * time.Minute)
	res, err := m.Process(context.Background(), worker.Task{})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, res.Processed)
	assert.Empty(t, q.Drain())

	now = now.Add(Cooldown)
	_, err = m.Process(context.Background(), worker.Task{})
	require.NoError(t, err)
	assert.Len(t, q.Drain(), 3)
}

func TestProcess_DropsStoppedVehicles(t *testing.T) {
	st, q, m := setup(t, route("v1", 1, at(12)))
	ctx := context.Background()
	_, err := m.Watch(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, m.Routes(), 1)
	assert.Empty(t, q.Drain())

	require.NoError(t, st.UpdateVehicleFields(ctx, "v1", store.VehiclePatch{State: store.Ptr(model.VehicleIdle)}))
	res, err := m.Process(ctx, worker.Task{})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, res.Skipped)
	assert.Empty(t, m.Routes())
}

func TestWatch_UnknownRoute(t *testing.T) {
	_, _, m := setup(t, route("v1", 1, at(12)))
	_, err := m.Watch(context.Background(), "v2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
