package metrics

import (
	"context"
	"time"

	"github.com/kilianp07/fleetdispatch/core/events"
	coremetrics "github.com/kilianp07/fleetdispatch/core/metrics"
	"github.com/kilianp07/fleetdispatch/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records metrics for events.
// It stops when the context is canceled.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				record(sink, ev)
			}
		}
	}()
}

func record(sink coremetrics.MetricsSink, ev eventbus.Event) {
	switch e := ev.(type) {
	case events.ExceptionEvent:
		_ = coremetrics.Exception(sink, coremetrics.ExceptionEvent{
			ExceptionID: e.Exception.ID,
			Type:        string(e.Exception.Type),
			Severity:    string(e.Exception.Severity),
			Action:      e.Action,
			Level:       e.Exception.EscalationLevel,
			Time:        time.Now(),
		})
	case events.RouteEvent:
		r := e.Route
		_ = coremetrics.Route(sink, coremetrics.RouteEvent{
			RouteID:     r.ID,
			VehicleID:   r.VehicleID,
			Strategy:    r.Strategy,
			DistanceKm:  r.TotalDistanceKm,
			DurationMin: r.TotalMinutes,
			Stops:       r.StopCount(),
			LateStops:   r.LateStops(),
			Time:        r.PlannedAt,
		})
	}
}
