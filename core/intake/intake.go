// Package intake validates raw order submissions, creates orders and hands
// newly seen orders to the assignment engine.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
)

// Outcome is the per-submission result of Submit.
type Outcome struct {
	Index   int    `json:"index"`
	OrderID string `json:"order_id,omitempty"`
	Err     error  `json:"-"`
}

// Accepted reports whether the submission created an order.
func (o Outcome) Accepted() bool { return o.Err == nil }

// Worker is the intake worker.
type Worker struct {
	store     store.Store
	outbox    worker.Outbox
	emergency *worker.Emergency
	log       logger.Logger
	now       func() time.Time
	seq       atomic.Int64
}

// New returns an intake worker. emergency may be nil.
func New(st store.Store, out worker.Outbox, emergency *worker.Emergency, log logger.Logger) *Worker {
	if out == nil {
		out = worker.Discard
	}
	if emergency == nil {
		emergency = worker.NewEmergency()
	}
	return &Worker{store: st, outbox: out, emergency: emergency, log: log, now: time.Now}
}

// SetClock overrides the wall clock, mainly for tests.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

func (w *Worker) Kind() model.WorkerKind { return model.WorkerIntake }

func (w *Worker) nextID(now time.Time) string {
	return fmt.Sprintf("ORD_%s_%04d", now.Format("20060102150405"), w.seq.Inc())
}

// Submit validates and stores each submission. Failures are reported per item
// and never abort the batch.
func (w *Worker) Submit(ctx context.Context, subs ...Submission) []Outcome {
	out := make([]Outcome, len(subs))
	for i, s := range subs {
		out[i] = Outcome{Index: i}
		now := w.now()
		o, err := Validate(s, now)
		if err == nil && w.emergency.Active() && o.Priority < model.MaxPriority {
			err = ErrIntakeSuspended
		}
		if err != nil {
			out[i].Err = err
			w.log.Warnf("order submission %d rejected: %v", i, err)
			continue
		}
		o.ID = w.nextID(now)
		o.State = model.OrderNew
		o.CreatedAt = now
		o.UpdatedAt = now
		if err := w.store.UpsertOrder(ctx, o); err != nil {
			out[i].Err = fmt.Errorf("store order: %w", err)
			w.log.Errorf("store order %s: %v", o.ID, err)
			continue
		}
		out[i].OrderID = o.ID
		w.outbox.Send(model.NewMessage(model.WorkerIntake, model.WorkerSupervisor, o.Priority,
			model.OrderCreated{OrderID: o.ID, CustomerID: o.CustomerID, Priority: o.Priority}))
		w.log.Infow("order created", map[string]any{"order_id": o.ID, "priority": o.Priority})
	}
	return out
}

// Process re-validates newly seen orders. Valid orders are forwarded to the
// assignment engine, invalid ones are marked failed.
func (w *Worker) Process(ctx context.Context, t worker.Task) (worker.Result, error) {
	res := worker.Result{Worker: model.WorkerIntake, Action: "validate_orders"}
	for _, id := range t.OrderIDs {
		o, err := w.store.Order(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("load order %s: %w", id, err)
		}
		if o.State != model.OrderNew {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if err := Recheck(o); err != nil {
			w.log.Warnf("order %s failed validation: %v", id, err)
			if err := w.store.UpdateOrderFields(ctx, id, store.OrderPatch{State: store.Ptr(model.OrderFailed)}); err != nil {
				return res, fmt.Errorf("fail order %s: %w", id, err)
			}
			res.Processed = append(res.Processed, id)
			continue
		}
		w.outbox.Send(model.NewMessage(model.WorkerIntake, model.WorkerAssignment, o.Priority, model.OrderReady{OrderID: id}))
		res.Processed = append(res.Processed, id)
	}
	return res, nil
}

func (w *Worker) HandleMessage(_ context.Context, msg model.Message) error {
	switch p := msg.Payload.(type) {
	case model.EmergencyDirective:
		if p.Active {
			w.log.Warnf("emergency directive received: %s", p.Reason)
		}
	case model.SystemAlert:
		w.log.Infof("system alert (%s): %s", p.Level, p.Text)
	}
	return nil
}
