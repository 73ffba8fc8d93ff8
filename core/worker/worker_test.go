package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/fleetdispatch/core/model"
)

func TestQueue_FIFOAndNextDrain(t *testing.T) {
	q := NewQueue()
	q.Send(model.NewMessage(model.WorkerIntake, model.WorkerAssignment, 1, model.OrderReady{OrderID: "a"}))
	q.Send(model.NewMessage(model.WorkerIntake, model.WorkerAssignment, 1, model.OrderReady{OrderID: "b"}))

	batch := q.Drain()
	// sent while the batch is delivered
	q.Send(model.NewMessage(model.WorkerAssignment, model.WorkerRouting, 1, model.NewAssignment{VehicleID: "v"}))

	if len(batch) != 2 {
		t.Fatalf("expected 2 got %d", len(batch))
	}
	assert.Equal(t, "a", batch[0].Payload.(model.OrderReady).OrderID)
	assert.Equal(t, "b", batch[1].Payload.(model.OrderReady).OrderID)
	assert.Equal(t, 1, q.Len())
	next := q.Drain()
	assert.Equal(t, model.MsgNewAssignment, next[0].Kind())
	assert.Empty(t, q.Drain())
}

func TestEmergency_Toggle(t *testing.T) {
	e := NewEmergency()
	assert.False(t, e.Active())
	assert.True(t, e.Activate("storm", []string{"stop_new_orders"}))
	assert.False(t, e.Activate("again", nil))
	reason, since, actions := e.State()
	assert.Equal(t, "storm", reason)
	assert.False(t, since.IsZero())
	assert.Equal(t, []string{"stop_new_orders"}, actions)
	assert.True(t, e.Deactivate())
	assert.False(t, e.Deactivate())
	assert.False(t, e.Active())
}
