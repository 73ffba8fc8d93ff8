package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/fleetdispatch/core/events"
	coremetrics "github.com/kilianp07/fleetdispatch/core/metrics"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/internal/eventbus"
)

type captureSink struct {
	coremetrics.NopSink
	mu         sync.Mutex
	exceptions []coremetrics.ExceptionEvent
	routes     []coremetrics.RouteEvent
}

func (c *captureSink) RecordException(ev coremetrics.ExceptionEvent) error {
	c.mu.Lock()
	c.exceptions = append(c.exceptions, ev)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) RecordRoute(ev coremetrics.RouteEvent) error {
	c.mu.Lock()
	c.routes = append(c.routes, ev)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exceptions), len(c.routes)
}

func TestStartEventCollector(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartEventCollector(ctx, bus, sink)

	// wait for the subscription to be registered
	time.Sleep(10 * time.Millisecond)
	bus.Publish(events.ExceptionEvent{Action: "created", Exception: model.Exception{ID: "e1", Type: model.ExceptionVehicleBreakdown, Severity: model.SeverityHigh}})
	bus.Publish(events.RouteEvent{Route: model.Route{ID: "r1", VehicleID: "v1"}})
	bus.Publish("ignored")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e, r := sink.counts(); e == 1 && r == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	e, r := sink.counts()
	if e != 1 || r != 1 {
		t.Fatalf("expected 1 exception and 1 route, got %d and %d", e, r)
	}
	if sink.exceptions[0].Type != "vehicle_breakdown" || sink.exceptions[0].Action != "created" {
		t.Fatalf("unexpected exception event %+v", sink.exceptions[0])
	}
}
