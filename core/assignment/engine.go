// Package assignment pairs new orders with available vehicles under order
// count, weight and volume limits, and rebalances overloaded vehicles.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/metrics"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
)

// Engine is the vehicle assignment worker.
type Engine struct {
	store  store.Store
	outbox worker.Outbox
	log    logger.Logger
	now    func() time.Time

	mu       sync.RWMutex
	strategy Strategy
	sink     metrics.MetricsSink
}

// New returns an engine using strategy, or balanced workload when nil.
func New(st store.Store, out worker.Outbox, log logger.Logger, strategy Strategy) *Engine {
	if out == nil {
		out = worker.Discard
	}
	if strategy == nil {
		strategy = Balanced{}
	}
	return &Engine{store: st, outbox: out, log: log, now: time.Now, strategy: strategy, sink: metrics.NopSink{}}
}

func (e *Engine) Kind() model.WorkerKind { return model.WorkerAssignment }

// SetStrategy swaps the strategy used by later Process calls.
func (e *Engine) SetStrategy(s Strategy) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()
}

// Strategy returns the current strategy.
func (e *Engine) Strategy() Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategy
}

// SetMetrics configures the sink receiving assignment events.
func (e *Engine) SetMetrics(sink metrics.MetricsSink) {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// Plan computes pairings for the New orders of snap without touching the
// store. When ids is non-empty only those orders are considered. The second
// result is false when no vehicle is available at all.
func (e *Engine) Plan(snap store.Snapshot, ids []string) ([]Pairing, bool) {
	available := store.Available(store.SortedVehicles(snap.Vehicles))
	if len(available) == 0 {
		return nil, false
	}
	orders := candidates(snap, ids)
	return e.Strategy().Assign(orders, NewSlots(available, snap.Orders)), true
}

func candidates(snap store.Snapshot, ids []string) []model.Order {
	var out []model.Order
	if len(ids) == 0 {
		for _, o := range store.SortedOrders(snap.Orders) {
			if o.State == model.OrderNew {
				out = append(out, o)
			}
		}
		return out
	}
	for _, id := range ids {
		if o, ok := snap.Orders[id]; ok && o.State == model.OrderNew {
			out = append(out, o)
		}
	}
	return out
}

// Process assigns the task's orders, or every New order when the task names
// none. Orders without a feasible vehicle stay New.
func (e *Engine) Process(ctx context.Context, t worker.Task) (worker.Result, error) {
	res := worker.Result{Worker: model.WorkerAssignment, Action: "assign_orders"}
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	pending := candidates(snap, t.OrderIDs)
	pairings, ok := e.Plan(snap, t.OrderIDs)
	if !ok {
		res.Action = "no_vehicles"
		res.NoVehicles = true
		for _, o := range pending {
			res.Skipped = append(res.Skipped, o.ID)
		}
		e.log.Warnf("no available vehicles for %d pending orders", len(pending))
		return res, nil
	}
	done := e.apply(ctx, pairings)
	for _, o := range pending {
		if slices.Contains(done, o.ID) {
			res.Processed = append(res.Processed, o.ID)
		} else {
			res.Skipped = append(res.Skipped, o.ID)
		}
	}
	e.log.Infow("assignment pass", map[string]any{
		"strategy": e.Strategy().Name(),
		"assigned": len(res.Processed),
		"pending":  len(res.Skipped),
	})
	return res, nil
}

// apply writes pairings to the store and notifies the supervisor and the
// route planner. It returns the order ids actually assigned.
func (e *Engine) apply(ctx context.Context, pairings []Pairing) []string {
	var done []string
	perVehicle := map[string][]string{}
	var vehicles []string
	e.mu.RLock()
	sink := e.sink
	e.mu.RUnlock()
	for _, p := range pairings {
		if err := e.store.Assign(ctx, p.OrderID, p.VehicleID); err != nil {
			e.log.Errorf("assign %s to %s: %v", p.OrderID, p.VehicleID, err)
			continue
		}
		done = append(done, p.OrderID)
		if _, ok := perVehicle[p.VehicleID]; !ok {
			vehicles = append(vehicles, p.VehicleID)
		}
		perVehicle[p.VehicleID] = append(perVehicle[p.VehicleID], p.OrderID)
		e.outbox.Send(model.NewMessage(model.WorkerAssignment, model.WorkerSupervisor, 2, model.AssignmentCompleted{
			OrderID: p.OrderID, VehicleID: p.VehicleID, DistanceKm: p.DistanceKm, Strategy: p.Strategy,
		}))
		if err := metrics.Assignment(sink, metrics.AssignmentEvent{
			OrderID: p.OrderID, VehicleID: p.VehicleID, Strategy: p.Strategy,
			DistanceKm: p.DistanceKm, Score: p.Score, Time: e.now(),
		}); err != nil {
			e.log.Warnf("record assignment: %v", err)
		}
	}
	for _, v := range vehicles {
		e.outbox.Send(model.NewMessage(model.WorkerAssignment, model.WorkerRouting, 3, model.NewAssignment{
			VehicleID: v, OrderIDs: perVehicle[v],
		}))
	}
	return done
}

// RebalanceResult reports what Rebalance moved.
type RebalanceResult struct {
	VehicleID  string            `json:"vehicle_id"`
	Unassigned []string          `json:"unassigned"`
	Reassigned map[string]string `json:"reassigned"`
}

// Rebalance removes the lowest priority excess orders from an overloaded
// vehicle, resets them to New and places them on other feasible vehicles with
// the balanced workload strategy. Orders no vehicle can take stay New.
// Unknown, delivered and failed ids count toward the excess and are dropped
// from the queue without touching the order.
func (e *Engine) Rebalance(ctx context.Context, vehicleID string) (RebalanceResult, error) {
	res := RebalanceResult{VehicleID: vehicleID, Reassigned: map[string]string{}}
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	v, ok := snap.Vehicles[vehicleID]
	if !ok {
		return res, fmt.Errorf("vehicle %s: %w", vehicleID, store.ErrNotFound)
	}
	if !v.Overloaded() {
		return res, nil
	}
	excess := len(v.AssignedOrders) - v.MaxOrders

	// unknown and finished orders leave the queue first, keeping their state
	var stale []string
	var held []model.Order
	for _, id := range v.AssignedOrders {
		if o, ok := snap.Orders[id]; ok && !o.State.Terminal() {
			held = append(held, o)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		n := min(len(stale), excess)
		keep := slices.DeleteFunc(slices.Clone(v.AssignedOrders), func(id string) bool {
			return slices.Contains(stale[:n], id)
		})
		if err := e.store.UpdateVehicleFields(ctx, vehicleID, store.VehiclePatch{AssignedOrders: &keep}); err != nil {
			return res, fmt.Errorf("drop stale orders: %w", err)
		}
		res.Unassigned = append(res.Unassigned, stale[:n]...)
		excess -= n
	}

	// lowest priority, newest first
	model.SortByPriority(held)
	slices.Reverse(held)
	var moved []model.Order
	for _, o := range held[:min(excess, len(held))] {
		if err := e.store.Unassign(ctx, o.ID); err != nil {
			return res, fmt.Errorf("unassign %s: %w", o.ID, err)
		}
		o.State = model.OrderNew
		o.VehicleID = ""
		moved = append(moved, o)
		res.Unassigned = append(res.Unassigned, o.ID)
	}
	if len(moved) == 0 {
		return res, nil
	}

	vehicles, err := e.store.AvailableVehicles(ctx)
	if err != nil {
		return res, fmt.Errorf("available vehicles: %w", err)
	}
	vehicles = slices.DeleteFunc(vehicles, func(c model.Vehicle) bool { return c.ID == vehicleID })
	snap, err = e.store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	pairings := Balanced{}.Assign(moved, NewSlots(vehicles, snap.Orders))
	for _, id := range e.apply(ctx, pairings) {
		for _, p := range pairings {
			if p.OrderID == id {
				res.Reassigned[id] = p.VehicleID
			}
		}
	}
	if cur, err := e.store.Vehicle(ctx, vehicleID); err == nil && len(cur.AssignedOrders) > 0 {
		e.outbox.Send(model.NewMessage(model.WorkerAssignment, model.WorkerRouting, 3, model.NewAssignment{
			VehicleID: vehicleID, OrderIDs: cur.AssignedOrders,
		}))
	}
	e.log.Infof("rebalanced vehicle %s: %d removed, %d reassigned", vehicleID, len(res.Unassigned), len(res.Reassigned))
	return res, nil
}

func (e *Engine) HandleMessage(ctx context.Context, msg model.Message) error {
	switch p := msg.Payload.(type) {
	case model.OrderReady:
		e.log.Debugf("order %s ready for assignment", p.OrderID)
	case model.RebalanceVehicle:
		_, err := e.Rebalance(ctx, p.VehicleID)
		if errors.Is(err, store.ErrNotFound) {
			e.log.Warnf("rebalance: %v", err)
			return nil
		}
		return err
	case model.UrgentReassignment:
		_, err := e.Process(ctx, worker.Task{OrderIDs: []string{p.OrderID}})
		return err
	case model.EmergencyDirective:
		if p.Active {
			e.log.Warnf("emergency directive: prioritising critical orders")
		}
	}
	return nil
}
