package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
)

func TestBuild(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	snap := store.NewSnapshot()
	snap.Orders["a"] = model.Order{ID: "a", State: model.OrderNew}
	snap.Orders["b"] = model.Order{ID: "b", State: model.OrderNew}
	snap.Orders["c"] = model.Order{ID: "c", State: model.OrderDelivered}
	snap.Vehicles["v1"] = model.NewVehicle("v1", model.Location{})
	snap.Workers[model.WorkerAssignment] = model.WorkerStatus{Name: model.WorkerAssignment, State: model.WorkerIdle, Runs: 3}

	rv := conflict.Review{
		Active:     2,
		BySeverity: map[model.Severity]int{model.SeverityHigh: 2},
		ByType:     map[model.ExceptionType]int{model.ExceptionVehicleBreakdown: 2},
		Overdue:    []string{"e1"},
	}
	em := worker.NewEmergency()
	em.Activate("storm", []string{"stop_new_orders"})

	r := Build(snap, rv, em, now)
	assert.Equal(t, 2, r.Orders[model.OrderNew])
	assert.Equal(t, 3, r.TotalOrders())
	assert.Equal(t, 1, r.Vehicles[model.VehicleIdle])
	assert.Equal(t, 2, r.Exceptions.Active)
	assert.Equal(t, 1, r.Exceptions.Overdue)
	assert.Equal(t, 3, r.Workers[model.WorkerAssignment].Runs)
	assert.True(t, r.Emergency.Active)
	assert.Equal(t, "storm", r.Emergency.Reason)
	assert.Equal(t, now, r.GeneratedAt)
}

func TestBuild_Empty(t *testing.T) {
	r := Build(store.NewSnapshot(), conflict.Review{}, nil, time.Time{})
	assert.Zero(t, r.TotalOrders())
	assert.NotNil(t, r.Exceptions.BySeverity)
	assert.False(t, r.Emergency.Active)
}
