package store

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// The helpers below hold the mutation rules shared by every backend so that
// the memory and Redis stores keep orders and vehicles consistent the same way.

// ApplyOrderPatch merges p into o.
func ApplyOrderPatch(o *model.Order, p OrderPatch, now time.Time) {
	if p.State != nil {
		o.State = *p.State
	}
	if p.Priority != nil {
		o.Priority = *p.Priority
	}
	if p.Window != nil {
		w := *p.Window
		o.Window = &w
	}
	if p.VehicleID != nil {
		o.VehicleID = *p.VehicleID
	}
	o.UpdatedAt = now
}

// ApplyVehiclePatch merges p into v.
func ApplyVehiclePatch(v *model.Vehicle, p VehiclePatch, now time.Time) {
	if p.State != nil {
		v.State = *p.State
	}
	if p.Location != nil {
		v.Location = *p.Location
	}
	if p.DriverID != nil {
		v.DriverID = *p.DriverID
	}
	if p.AssignedOrders != nil {
		v.AssignedOrders = slices.Clone(*p.AssignedOrders)
		if v.AssignedOrders == nil {
			v.AssignedOrders = []string{}
		}
	}
	v.UpdatedAt = now
}

// Pair assigns o to v. prev is the vehicle currently holding o, if any, and
// must differ from v.
func Pair(o *model.Order, v *model.Vehicle, prev *model.Vehicle, now time.Time) error {
	if v.State == model.VehicleMaintenance {
		return fmt.Errorf("vehicle %s is in maintenance", v.ID)
	}
	if prev != nil {
		removeOrder(prev, o.ID, now)
	}
	if !v.HasOrder(o.ID) {
		v.AssignedOrders = append(v.AssignedOrders, o.ID)
	}
	if v.State == model.VehicleIdle {
		v.State = model.VehicleAssigned
	}
	v.UpdatedAt = now
	o.VehicleID = v.ID
	o.State = model.OrderAssigned
	o.UpdatedAt = now
	return nil
}

// Unpair detaches o from v (which may be nil) and resets o to New.
func Unpair(o *model.Order, v *model.Vehicle, now time.Time) {
	if v != nil {
		removeOrder(v, o.ID, now)
	}
	o.VehicleID = ""
	o.State = model.OrderNew
	o.UpdatedAt = now
}

// Transfer moves every order of from onto to. orders holds the orders
// referenced by from, keyed by id; missing entries are skipped.
func Transfer(from, to *model.Vehicle, orders map[string]*model.Order, now time.Time) []string {
	moved := make([]string, 0, len(from.AssignedOrders))
	for _, id := range from.AssignedOrders {
		if !to.HasOrder(id) {
			to.AssignedOrders = append(to.AssignedOrders, id)
		}
		if o, ok := orders[id]; ok {
			o.VehicleID = to.ID
			o.UpdatedAt = now
		}
		moved = append(moved, id)
	}
	from.AssignedOrders = []string{}
	from.UpdatedAt = now
	if len(moved) > 0 && to.State == model.VehicleIdle {
		to.State = model.VehicleAssigned
	}
	to.UpdatedAt = now
	return moved
}

// Progress moves o to the reported tracking state. Only paired orders in
// progress can move; repeating the current state is a no-op. Delivery
// detaches o from v (which may be nil) and keeps VehicleID as history.
func Progress(o *model.Order, v *model.Vehicle, to model.OrderState, now time.Time) error {
	if o.State == to && (to == model.OrderEnRoute || to.Terminal()) {
		return nil
	}
	switch to {
	case model.OrderEnRoute, model.OrderDelivered, model.OrderFailed:
	default:
		return fmt.Errorf("%w: %s cannot be reported", ErrInvalidTransition, to)
	}
	if o.State != model.OrderAssigned && o.State != model.OrderEnRoute {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.State)
	}
	o.State = to
	o.UpdatedAt = now
	if to == model.OrderDelivered && v != nil {
		removeOrder(v, o.ID, now)
		if len(v.AssignedOrders) == 0 && v.State == model.VehicleMoving {
			v.State = model.VehicleIdle
		}
	}
	return nil
}

func removeOrder(v *model.Vehicle, orderID string, now time.Time) {
	v.AssignedOrders = slices.DeleteFunc(v.AssignedOrders, func(id string) bool { return id == orderID })
	if len(v.AssignedOrders) == 0 && v.State == model.VehicleAssigned {
		v.State = model.VehicleIdle
	}
	v.UpdatedAt = now
}

// SortedVehicles returns the vehicles of m ordered by id.
func SortedVehicles(m map[string]model.Vehicle) []model.Vehicle {
	out := make([]model.Vehicle, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedOrders returns the orders of m ordered by id.
func SortedOrders(m map[string]model.Order) []model.Order {
	out := make([]model.Order, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available filters the vehicles that can accept another order.
func Available(vs []model.Vehicle) []model.Vehicle {
	out := make([]model.Vehicle, 0, len(vs))
	for _, v := range vs {
		if v.Available() {
			out = append(out, v)
		}
	}
	return out
}
