package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
)

// Recovery outcomes recorded in an exception's history.
const (
	OutcomeFailed              = "failed"
	OutcomeRetryInitiated      = "retry_initiated"
	OutcomeRescheduled         = "rescheduled"
	OutcomeReassignRequested   = "reassignment_requested"
	OutcomeCustomerContacted   = "customer_contact_initiated"
	OutcomeReplacement         = "replacement_dispatched"
	OutcomeNoReplacement       = "no_replacement_available"
	OutcomeOrdersReleased      = "orders_released"
	OutcomeMaintenanceNotified = "maintenance_contacted"
	OutcomePrioritized         = "prioritized"
	OutcomeAlternativeRoute    = "alternative_route_requested"
	OutcomePostponed           = "postponed"
	OutcomeRebalanceRequested  = "rebalance_requested"
)

// Rescheduled deliveries get a one hour window starting two hours from now.
const (
	rescheduleDelay  = 2 * time.Hour
	rescheduleWindow = time.Hour
	postponeBy       = time.Hour
)

type recovery struct {
	outcome  string
	detail   string
	resolved bool
}

func failed(format string, args ...any) recovery {
	return recovery{outcome: OutcomeFailed, detail: fmt.Sprintf(format, args...)}
}

// runAction executes one recovery action for rec. Store errors are folded
// into a failed outcome so the record stays active.
func (e *Engine) runAction(ctx context.Context, rec model.Exception, action string) recovery {
	switch action {
	case ActionRetryDelivery:
		return e.retryDelivery(ctx, rec)
	case ActionReschedule:
		return e.reschedule(ctx, rec)
	case ActionReassignVehicle:
		return e.reassignOrder(ctx, rec)
	case ActionReplacementVehicle:
		return e.dispatchReplacement(ctx, rec)
	case ActionReassignOrders:
		return e.releaseOrders(ctx, rec)
	case ActionPrioritize:
		return e.prioritize(ctx, rec)
	case ActionAlternativeRoute:
		return e.alternativeRoute(ctx, rec)
	case ActionPostpone:
		return e.postpone(ctx, rec)
	case ActionRebalance:
		return e.rebalance(ctx, rec)
	case ActionContactCustomer:
		e.log.Infof("exception %s: customer of order %s notified", rec.ID, rec.OrderID)
		return recovery{outcome: OutcomeCustomerContacted, detail: "automated_notification"}
	case ActionContactMaintenance:
		e.log.Infof("exception %s: maintenance requested for vehicle %s", rec.ID, rec.VehicleID)
		return recovery{outcome: OutcomeMaintenanceNotified}
	default:
		return failed("unknown action %q", action)
	}
}

func (e *Engine) retryDelivery(ctx context.Context, rec model.Exception) recovery {
	if rec.OrderID == "" {
		return failed("no order id")
	}
	o, err := e.store.Order(ctx, rec.OrderID)
	if err != nil {
		return failed("%v", err)
	}
	vid := o.VehicleID
	if vid == "" {
		vid = rec.VehicleID
	}
	if vid == "" {
		return failed("order %s has no vehicle", o.ID)
	}
	v, err := e.store.Vehicle(ctx, vid)
	if err != nil {
		return failed("%v", err)
	}
	if v.State == model.VehicleMaintenance {
		return failed("vehicle %s is in maintenance", vid)
	}
	if !v.HasOrder(o.ID) || o.VehicleID != vid {
		if err := e.store.Assign(ctx, o.ID, vid); err != nil {
			return failed("%v", err)
		}
	}
	if err := e.store.UpdateOrderFields(ctx, o.ID, store.OrderPatch{State: store.Ptr(model.OrderEnRoute)}); err != nil {
		return failed("%v", err)
	}
	e.send(model.WorkerRouting, 4, model.RetryDelivery{OrderID: o.ID, VehicleID: vid, Attempt: rec.RetryCount + 1})
	return recovery{outcome: OutcomeRetryInitiated, detail: vid}
}

func (e *Engine) reschedule(ctx context.Context, rec model.Exception) recovery {
	if rec.OrderID == "" {
		return failed("no order id")
	}
	o, err := e.store.Order(ctx, rec.OrderID)
	if err != nil {
		return failed("%v", err)
	}
	if err := e.store.Unassign(ctx, o.ID); err != nil {
		return failed("%v", err)
	}
	start := e.now().Add(rescheduleDelay)
	w := model.TimeWindow{Start: start, End: start.Add(rescheduleWindow)}
	if err := e.store.UpdateOrderFields(ctx, o.ID, store.OrderPatch{Window: &w}); err != nil {
		return failed("%v", err)
	}
	e.send(model.WorkerAssignment, 3, model.OrderReady{OrderID: o.ID})
	return recovery{outcome: OutcomeRescheduled, detail: start.Format(time.RFC3339), resolved: true}
}

func (e *Engine) reassignOrder(ctx context.Context, rec model.Exception) recovery {
	if rec.OrderID == "" {
		return failed("no order id")
	}
	if err := e.store.Unassign(ctx, rec.OrderID); err != nil {
		return failed("%v", err)
	}
	e.send(model.WorkerAssignment, 5, model.UrgentReassignment{OrderID: rec.OrderID, Reason: string(rec.Type)})
	return recovery{outcome: OutcomeReassignRequested, resolved: true}
}

// dispatchReplacement puts the broken vehicle in maintenance and moves its
// whole order set to the first available vehicle. Without a replacement the
// record stays active.
func (e *Engine) dispatchReplacement(ctx context.Context, rec model.Exception) recovery {
	if rec.VehicleID == "" {
		return failed("no vehicle id")
	}
	if err := e.store.UpdateVehicleFields(ctx, rec.VehicleID, store.VehiclePatch{State: store.Ptr(model.VehicleMaintenance)}); err != nil {
		return failed("%v", err)
	}
	candidates, err := e.store.AvailableVehicles(ctx)
	if err != nil {
		return failed("%v", err)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	var replacement string
	for _, c := range candidates {
		if c.ID != rec.VehicleID {
			replacement = c.ID
			break
		}
	}
	if replacement == "" {
		e.log.Warnf("exception %s: no replacement for vehicle %s", rec.ID, rec.VehicleID)
		return recovery{outcome: OutcomeNoReplacement}
	}
	moved, err := e.store.TransferOrders(ctx, rec.VehicleID, replacement)
	if err != nil {
		return failed("%v", err)
	}
	e.send(model.WorkerRouting, 5, model.EmergencyReroute{VehicleID: replacement, FromVehicleID: rec.VehicleID, OrderIDs: moved})
	e.log.Infof("exception %s: %d orders moved from %s to %s", rec.ID, len(moved), rec.VehicleID, replacement)
	return recovery{outcome: OutcomeReplacement, detail: replacement, resolved: true}
}

// releaseOrders resets every order of the vehicle to New and asks for urgent
// reassignment.
func (e *Engine) releaseOrders(ctx context.Context, rec model.Exception) recovery {
	if rec.VehicleID == "" {
		return failed("no vehicle id")
	}
	v, err := e.store.Vehicle(ctx, rec.VehicleID)
	if err != nil {
		return failed("%v", err)
	}
	if err := e.store.UpdateVehicleFields(ctx, v.ID, store.VehiclePatch{State: store.Ptr(model.VehicleMaintenance)}); err != nil {
		return failed("%v", err)
	}
	for _, id := range v.AssignedOrders {
		if err := e.store.Unassign(ctx, id); err != nil {
			e.log.Warnf("release %s from %s: %v", id, v.ID, err)
			continue
		}
		e.send(model.WorkerAssignment, 5, model.UrgentReassignment{OrderID: id, Reason: string(rec.Type)})
	}
	return recovery{outcome: OutcomeOrdersReleased, detail: fmt.Sprintf("%d orders", len(v.AssignedOrders)), resolved: true}
}

func (e *Engine) prioritize(ctx context.Context, rec model.Exception) recovery {
	if rec.OrderID == "" {
		return failed("no order id")
	}
	if err := e.store.UpdateOrderFields(ctx, rec.OrderID, store.OrderPatch{Priority: store.Ptr(model.MaxPriority)}); err != nil {
		return failed("%v", err)
	}
	o, err := e.store.Order(ctx, rec.OrderID)
	if err == nil && o.State == model.OrderNew {
		e.send(model.WorkerAssignment, 5, model.UrgentReassignment{OrderID: o.ID, Reason: string(rec.Type)})
	}
	return recovery{outcome: OutcomePrioritized}
}

func (e *Engine) alternativeRoute(ctx context.Context, rec model.Exception) recovery {
	vid := rec.VehicleID
	if vid == "" && rec.OrderID != "" {
		if o, err := e.store.Order(ctx, rec.OrderID); err == nil {
			vid = o.VehicleID
		}
	}
	if vid == "" {
		return failed("no vehicle to reroute")
	}
	e.send(model.WorkerRouting, 4, model.AlternativeRoute{VehicleID: vid, Reason: string(rec.Type)})
	return recovery{outcome: OutcomeAlternativeRoute, detail: vid, resolved: true}
}

// postpone shifts the windows of the non-urgent orders carried by the
// affected vehicle, or of the affected order alone.
func (e *Engine) postpone(ctx context.Context, rec model.Exception) recovery {
	ids := []string{rec.OrderID}
	if rec.VehicleID != "" {
		v, err := e.store.Vehicle(ctx, rec.VehicleID)
		if err != nil {
			return failed("%v", err)
		}
		ids = v.AssignedOrders
	}
	n := 0
	for _, id := range ids {
		o, err := e.store.Order(ctx, id)
		if err != nil || o.Window == nil || o.State.Terminal() || o.Priority >= 4 {
			continue
		}
		w := model.TimeWindow{Start: o.Window.Start.Add(postponeBy), End: o.Window.End.Add(postponeBy)}
		if err := e.store.UpdateOrderFields(ctx, id, store.OrderPatch{Window: &w}); err != nil {
			return failed("%v", err)
		}
		n++
	}
	return recovery{outcome: OutcomePostponed, detail: fmt.Sprintf("%d orders", n), resolved: true}
}

func (e *Engine) rebalance(ctx context.Context, rec model.Exception) recovery {
	if rec.VehicleID == "" {
		return failed("no vehicle id")
	}
	v, err := e.store.Vehicle(ctx, rec.VehicleID)
	if err != nil {
		return failed("%v", err)
	}
	e.send(model.WorkerAssignment, 4, model.RebalanceVehicle{VehicleID: v.ID, Excess: max(0, len(v.AssignedOrders)-v.MaxOrders)})
	return recovery{outcome: OutcomeRebalanceRequested, resolved: true}
}
