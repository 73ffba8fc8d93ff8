package conflict

import (
	"fmt"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
)

// Kind identifies a conflict.
type Kind string

const (
	KindOverload  Kind = "vehicle_overload"
	KindViolation Kind = "time_window_violation"
)

// Conflict is an invariant violation found in a snapshot. Conflicts are
// values handed to the engine, never errors.
type Conflict struct {
	Kind      Kind           `json:"type"`
	Severity  model.Severity `json:"severity"`
	VehicleID string         `json:"vehicle_id,omitempty"`
	OrderID   string         `json:"order_id,omitempty"`
	// Excess is the number of orders above the vehicle limit.
	Excess int `json:"excess,omitempty"`
	// Overdue is how long ago the window closed.
	Overdue time.Duration `json:"overdue,omitempty"`
}

func (c Conflict) String() string {
	if c.Kind == KindOverload {
		return fmt.Sprintf("%s %s (+%d)", c.Kind, c.VehicleID, c.Excess)
	}
	return fmt.Sprintf("%s %s (%s late)", c.Kind, c.OrderID, c.Overdue.Round(time.Second))
}

// Detect lists overloaded vehicles (high) and orders whose window closed
// before now while still in progress (critical), vehicles first, each group
// ordered by id.
func Detect(snap store.Snapshot, now time.Time) []Conflict {
	var out []Conflict
	for _, v := range store.SortedVehicles(snap.Vehicles) {
		if v.Overloaded() {
			out = append(out, Conflict{
				Kind: KindOverload, Severity: model.SeverityHigh,
				VehicleID: v.ID, Excess: len(v.AssignedOrders) - v.MaxOrders,
			})
		}
	}
	for _, o := range store.SortedOrders(snap.Orders) {
		if o.Overdue(now) {
			out = append(out, Conflict{
				Kind: KindViolation, Severity: model.SeverityCritical,
				OrderID: o.ID, VehicleID: o.VehicleID, Overdue: now.Sub(o.Window.End),
			})
		}
	}
	return out
}

// Critical counts the critical conflicts in cs.
func Critical(cs []Conflict) int {
	n := 0
	for _, c := range cs {
		if c.Severity == model.SeverityCritical {
			n++
		}
	}
	return n
}
