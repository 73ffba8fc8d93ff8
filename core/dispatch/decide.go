package dispatch

import (
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
)

// Decision is what the dispatcher does with one step.
type Decision string

const (
	DecideIntake     Decision = "intake"
	DecideAssignment Decision = "assignment"
	DecideRouting    Decision = "routing"
	DecideExceptions Decision = "exceptions"
	// DecideDrain spends a step delivering queued messages only.
	DecideDrain Decision = "drain"
	DecideEnd   Decision = "end"
)

// Worker returns the worker a decision routes to.
func (d Decision) Worker() (model.WorkerKind, bool) {
	switch d {
	case DecideIntake:
		return model.WorkerIntake, true
	case DecideAssignment:
		return model.WorkerAssignment, true
	case DecideRouting:
		return model.WorkerRouting, true
	case DecideExceptions:
		return model.WorkerExceptions, true
	}
	return "", false
}

type set map[string]struct{}

func (s set) add(ids ...string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s set) has(id string) bool {
	_, ok := s[id]
	return ok
}

// runState is the bookkeeping owned by one run. It is created fresh by every
// RunCycle call.
type runState struct {
	seen              set
	failedAssignment  set
	routed            set
	handled           set
	rebalanced        set
	noVehicleAttempts int
	// newlyFailed collects the ids moved to failedAssignment.
	newlyFailed []string
}

func newRunState() *runState {
	return &runState{
		seen:             set{},
		failedAssignment: set{},
		routed:           set{},
		handled:          set{},
		rebalanced:       set{},
	}
}

// plan is the outcome of decide.
type plan struct {
	decision Decision
	orders   []string
	vehicles []string
}

// limits carries the step thresholds decide works against.
type limits struct {
	soft           int
	noVehicleLimit int
}

// decide picks the next step. Rules are evaluated in strict priority order;
// past the soft threshold only failed orders and overloaded vehicles are
// considered. queued is the number of messages waiting for the next drain.
func (rs *runState) decide(snap store.Snapshot, step int, lim limits, queued int) plan {
	orders := store.SortedOrders(snap.Orders)
	if step <= lim.soft {
		var unseen, pending, unrouted []string
		for _, o := range orders {
			switch {
			case o.State == model.OrderNew && !rs.seen.has(o.ID):
				unseen = append(unseen, o.ID)
			case o.State == model.OrderNew && !rs.failedAssignment.has(o.ID):
				pending = append(pending, o.ID)
			case o.State == model.OrderAssigned && !rs.routed.has(o.ID):
				unrouted = append(unrouted, o.ID)
			}
		}
		if len(unseen) > 0 {
			return plan{decision: DecideIntake, orders: unseen}
		}
		if len(pending) > 0 {
			if rs.noVehicleAttempts < lim.noVehicleLimit {
				return plan{decision: DecideAssignment, orders: pending}
			}
			rs.failedAssignment.add(pending...)
			rs.newlyFailed = append(rs.newlyFailed, pending...)
		}
		if len(unrouted) > 0 {
			return plan{decision: DecideRouting, orders: unrouted}
		}
	}

	var failed, overloaded []string
	for _, o := range orders {
		if o.State == model.OrderFailed && !rs.handled.has(o.ID) {
			failed = append(failed, o.ID)
		}
	}
	for _, v := range store.SortedVehicles(snap.Vehicles) {
		if v.Overloaded() && !rs.rebalanced.has(v.ID) {
			overloaded = append(overloaded, v.ID)
		}
	}
	if len(failed) > 0 || len(overloaded) > 0 {
		return plan{decision: DecideExceptions, orders: failed, vehicles: overloaded}
	}
	if queued > 0 {
		return plan{decision: DecideDrain}
	}
	return plan{decision: DecideEnd}
}

// mark records that p was handed to its worker.
func (rs *runState) mark(p plan) {
	switch p.decision {
	case DecideIntake:
		rs.seen.add(p.orders...)
	case DecideRouting:
		rs.routed.add(p.orders...)
	case DecideExceptions:
		rs.handled.add(p.orders...)
		rs.rebalanced.add(p.vehicles...)
	}
}
