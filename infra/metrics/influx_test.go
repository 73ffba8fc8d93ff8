package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/fleetdispatch/core/metrics"
)

type bodyRecorder struct {
	mu     sync.Mutex
	bodies []string
}

func (b *bodyRecorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.bodies = append(b.bodies, strings.TrimSpace(string(data)))
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (b *bodyRecorder) last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bodies) == 0 {
		return ""
	}
	return b.bodies[len(b.bodies)-1]
}

func TestInfluxSink_RecordCycle(t *testing.T) {
	rec := &bodyRecorder{}
	srv := rec.server(t)
	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	ev := coremetrics.CycleEvent{
		RunID:     "run1",
		Outcome:   "completed",
		Steps:     4,
		Duration:  1500 * time.Microsecond,
		Decisions: map[string]int{"route_planning": 1, "order_intake": 2},
		Time:      now,
	}
	if err := sink.RecordCycle(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("dispatch_cycle").
		AddTag("run_id", "run1").
		AddTag("outcome", "completed").
		AddTag("component", "dispatcher").
		AddField("steps", 4).
		AddField("duration_ms", 1.5).
		AddField("failed_assignments", 0).
		AddField("worker_errors", 0).
		AddField("decision_order_intake", 2).
		AddField("decision_route_planning", 1).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if rec.last() != expected {
		t.Errorf("unexpected body:\n got %s\nwant %s", rec.last(), expected)
	}
}

func TestInfluxSink_RecordAssignmentAndRoute(t *testing.T) {
	rec := &bodyRecorder{}
	srv := rec.server(t)
	sink := NewInfluxSink(srv.URL+"/api/v2/write", "token", "org", "bucket")
	now := time.Now()
	if err := sink.RecordAssignment(coremetrics.AssignmentEvent{OrderID: "o1", VehicleID: "v1", Strategy: "balanced_workload", DistanceKm: 1.23456, Time: now}); err != nil {
		t.Fatalf("assignment: %v", err)
	}
	if !strings.Contains(rec.last(), "order_assigned,") || !strings.Contains(rec.last(), "vehicle_id=v1") {
		t.Errorf("unexpected body: %s", rec.last())
	}
	if !strings.Contains(rec.last(), "distance_km=1.235") {
		t.Errorf("distance not rounded: %s", rec.last())
	}
	if err := sink.RecordRoute(coremetrics.RouteEvent{RouteID: "r1", VehicleID: "v1", Strategy: "greedy_insertion", Stops: 4, Time: now}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if !strings.Contains(rec.last(), "route_planned,") || !strings.Contains(rec.last(), "stops=4i") {
		t.Errorf("unexpected route body: %s", rec.last())
	}
}

func TestInfluxSink_RecordFleet(t *testing.T) {
	rec := &bodyRecorder{}
	srv := rec.server(t)
	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	err := sink.RecordFleet(coremetrics.FleetEvent{
		Orders:   map[string]int{"new": 3},
		Vehicles: map[string]int{"idle": 2},
		Time:     time.Now(),
	})
	if err != nil {
		t.Fatalf("fleet: %v", err)
	}
	body := rec.last()
	for _, want := range []string{"fleet_state", "orders_new=3i", "vehicles_idle=2i", "emergency=false"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in %s", want, body)
		}
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL+"/api/v2/write", "tok", "org", "bucket")
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
