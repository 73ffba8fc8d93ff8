// Package routing computes stop sequences and travel estimates for vehicles
// and hands planned routes to the route monitor.
package routing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kilianp07/fleetdispatch/core/events"
	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
	"github.com/kilianp07/fleetdispatch/internal/eventbus"
)

// Planner is the route planning worker.
type Planner struct {
	store  store.Store
	outbox worker.Outbox
	log    logger.Logger
	now    func() time.Time

	mu          sync.RWMutex
	strategy    Strategy
	alternative Strategy
	bus         eventbus.EventBus
}

// NewPlanner returns a planner using strategy, or greedy insertion when nil.
func NewPlanner(st store.Store, out worker.Outbox, log logger.Logger, strategy Strategy) *Planner {
	if out == nil {
		out = worker.Discard
	}
	if strategy == nil {
		strategy = Greedy{}
	}
	return &Planner{store: st, outbox: out, log: log, now: time.Now, strategy: strategy, alternative: Nearest{}}
}

// SetClock overrides the wall clock used as route start time.
func (p *Planner) SetClock(now func() time.Time) { p.now = now }

// SetEventBus configures the bus receiving RouteEvents.
func (p *Planner) SetEventBus(bus eventbus.EventBus) {
	p.mu.Lock()
	p.bus = bus
	p.mu.Unlock()
}

// SetStrategy swaps the default strategy.
func (p *Planner) SetStrategy(s Strategy) {
	if s == nil {
		return
	}
	p.mu.Lock()
	p.strategy = s
	if s.Name() == p.alternative.Name() {
		p.alternative = Greedy{}
	}
	p.mu.Unlock()
}

// Strategy returns the default strategy.
func (p *Planner) Strategy() Strategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strategy
}

func (p *Planner) Kind() model.WorkerKind { return model.WorkerRouting }

// Plan computes the route of v over the given orders without storing it.
func (p *Planner) Plan(v model.Vehicle, orders []model.Order, s Strategy) model.Route {
	now := p.now()
	seq := s.Sequence(v, orders, now)
	return NewRoute(v, s.Name(), Build(v, seq, now), now)
}

// Process plans routes for the vehicles carrying the task's Assigned orders,
// or for every Assigned vehicle with orders when the task names none.
// Routed orders move to EnRoute and the vehicle to Moving.
func (p *Planner) Process(ctx context.Context, t worker.Task) (worker.Result, error) {
	res := worker.Result{Worker: model.WorkerRouting, Action: "plan_routes"}
	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	targets := vehiclesToRoute(snap, t.OrderIDs)
	if len(targets) == 0 {
		res.Skipped = append(res.Skipped, t.OrderIDs...)
		return res, nil
	}
	for _, vid := range targets {
		routed, err := p.route(ctx, snap, vid, p.Strategy())
		if err != nil {
			p.log.Errorf("plan route for %s: %v", vid, err)
			continue
		}
		res.Processed = append(res.Processed, routed...)
	}
	for _, id := range t.OrderIDs {
		if !slices.Contains(res.Processed, id) {
			res.Skipped = append(res.Skipped, id)
		}
	}
	return res, nil
}

func vehiclesToRoute(snap store.Snapshot, ids []string) []string {
	var out []string
	add := func(vid string) {
		if vid != "" && !slices.Contains(out, vid) {
			out = append(out, vid)
		}
	}
	if len(ids) > 0 {
		for _, id := range ids {
			o, ok := snap.Orders[id]
			if !ok || o.State != model.OrderAssigned {
				continue
			}
			if v, ok := snap.Vehicles[o.VehicleID]; ok && routable(v) {
				add(v.ID)
			}
		}
		return out
	}
	for _, v := range store.SortedVehicles(snap.Vehicles) {
		if v.State != model.VehicleAssigned || len(v.AssignedOrders) == 0 {
			continue
		}
		add(v.ID)
	}
	return out
}

func routable(v model.Vehicle) bool {
	return v.State == model.VehicleAssigned || v.State == model.VehicleMoving
}

// route plans and stores the route of one vehicle. It returns the orders that
// moved from Assigned to EnRoute.
func (p *Planner) route(ctx context.Context, snap store.Snapshot, vehicleID string, s Strategy) ([]string, error) {
	v, ok := snap.Vehicles[vehicleID]
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w", vehicleID, store.ErrNotFound)
	}
	var orders []model.Order
	for _, id := range v.AssignedOrders {
		if o, ok := snap.Orders[id]; ok && !o.State.Terminal() {
			orders = append(orders, o)
		}
	}
	if len(orders) == 0 {
		return nil, nil
	}
	r := p.Plan(v, orders, s)
	if err := p.store.UpsertRoute(ctx, r); err != nil {
		return nil, fmt.Errorf("store route: %w", err)
	}
	var routed []string
	for _, o := range orders {
		if o.State != model.OrderAssigned {
			continue
		}
		if err := p.store.UpdateOrderFields(ctx, o.ID, store.OrderPatch{State: store.Ptr(model.OrderEnRoute)}); err != nil {
			return routed, fmt.Errorf("order %s en route: %w", o.ID, err)
		}
		routed = append(routed, o.ID)
	}
	if err := p.store.UpdateVehicleFields(ctx, v.ID, store.VehiclePatch{State: store.Ptr(model.VehicleMoving)}); err != nil {
		return routed, fmt.Errorf("vehicle %s moving: %w", v.ID, err)
	}

	p.outbox.Send(model.NewMessage(model.WorkerRouting, model.WorkerSupervisor, 2, model.RoutePlanned{
		RouteID: r.ID, VehicleID: v.ID, DistanceKm: r.TotalDistanceKm, DurationMin: r.TotalMinutes,
		Stops: r.StopCount(), Strategy: r.Strategy, LateStopCount: r.LateStops(),
	}))
	p.outbox.Send(model.NewMessage(model.WorkerRouting, model.WorkerTraffic, 2, model.MonitorRoute{RouteID: r.ID, VehicleID: v.ID}))
	p.mu.RLock()
	bus := p.bus
	p.mu.RUnlock()
	if bus != nil {
		bus.Publish(events.RouteEvent{Route: r})
	}
	p.log.Infow("route planned", map[string]any{
		"vehicle_id":  v.ID,
		"strategy":    r.Strategy,
		"distance_km": r.TotalDistanceKm,
		"stops":       r.StopCount(),
		"late_stops":  r.LateStops(),
	})
	return routed, nil
}

// Replan recomputes the route of a vehicle already carrying orders. When
// alternative is set the planner's alternative strategy is used.
func (p *Planner) Replan(ctx context.Context, vehicleID string, alternative bool) error {
	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	s := p.Strategy()
	if alternative {
		p.mu.RLock()
		s = p.alternative
		p.mu.RUnlock()
	}
	_, err = p.route(ctx, snap, vehicleID, s)
	return err
}

func (p *Planner) HandleMessage(ctx context.Context, msg model.Message) error {
	switch m := msg.Payload.(type) {
	case model.NewAssignment:
		p.log.Debugf("vehicle %s has %d new orders to route", m.VehicleID, len(m.OrderIDs))
	case model.EmergencyReroute:
		p.log.Warnf("emergency reroute for %s after %s broke down", m.VehicleID, m.FromVehicleID)
		return p.Replan(ctx, m.VehicleID, false)
	case model.RetryDelivery:
		p.log.Infof("retrying delivery of %s on %s (attempt %d)", m.OrderID, m.VehicleID, m.Attempt)
		return p.Replan(ctx, m.VehicleID, false)
	case model.ExceptionEscalated:
		if m.VehicleID == "" {
			return nil
		}
		p.log.Warnf("exception %s escalated to route planning, replanning %s", m.ExceptionID, m.VehicleID)
		return p.Replan(ctx, m.VehicleID, true)
	case model.AlternativeRoute:
		p.log.Infof("alternative route requested for %s: %s", m.VehicleID, m.Reason)
		return p.Replan(ctx, m.VehicleID, true)
	}
	return nil
}
