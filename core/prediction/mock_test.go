package prediction

import (
	"testing"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

func TestMockRiskEngine(t *testing.T) {
	eng := MockRiskEngine{Risks: map[string]float64{"o1": 0.9}, Default: 0.1}
	if eng.DelayRisk(model.Order{ID: "o1"}, time.Now()) != 0.9 {
		t.Fatalf("expected configured value")
	}
	if eng.DelayRisk(model.Order{ID: "o2"}, time.Now()) != 0.1 {
		t.Fatalf("expected default value")
	}
}

func TestWindowRisk(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	eng := NewWindowRisk()
	mk := func(end time.Duration) model.Order {
		return model.Order{State: model.OrderAssigned, Window: &model.TimeWindow{Start: now.Add(-time.Hour), End: now.Add(end)}}
	}
	if r := eng.DelayRisk(model.Order{}, now); r != 0 {
		t.Fatalf("no window should be 0, got %v", r)
	}
	if r := eng.DelayRisk(mk(10*time.Minute), now); r != 1 {
		t.Fatalf("inside floor should be 1, got %v", r)
	}
	if r := eng.DelayRisk(mk(8*time.Hour), now); r != 0 {
		t.Fatalf("beyond horizon should be 0, got %v", r)
	}
	mid := eng.DelayRisk(mk(3*time.Hour+15*time.Minute), now)
	if mid <= 0.4 || mid >= 0.6 {
		t.Fatalf("expected about 0.5, got %v", mid)
	}
	done := mk(0)
	done.State = model.OrderDelivered
	if r := eng.DelayRisk(done, now); r != 0 {
		t.Fatalf("terminal order should be 0, got %v", r)
	}
}
