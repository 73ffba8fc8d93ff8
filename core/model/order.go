package model

import (
	"slices"
	"time"
)

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderNew       OrderState = "new"
	OrderAssigned  OrderState = "assigned"
	OrderEnRoute   OrderState = "en_route"
	OrderDelivered OrderState = "delivered"
	OrderFailed    OrderState = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s OrderState) Terminal() bool {
	return s == OrderDelivered || s == OrderFailed
}

// Priority bounds.
const (
	MinPriority = 1
	MaxPriority = 5
)

// TimeWindow is a delivery window. Both ends are inclusive.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Order is a delivery request from a customer.
type Order struct {
	ID           string      `json:"id"`
	CustomerID   string      `json:"customer_id"`
	Pickup       Location    `json:"pickup_location"`
	Delivery     Location    `json:"delivery_location"`
	Priority     int         `json:"priority"`
	Window       *TimeWindow `json:"time_window,omitempty"`
	WeightKg     float64     `json:"weight"`
	VolumeM3     float64     `json:"volume"`
	Requirements []string    `json:"special_requirements,omitempty"`
	State        OrderState  `json:"state"`
	VehicleID    string      `json:"assigned_vehicle,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	c := o
	if o.Window != nil {
		w := *o.Window
		c.Window = &w
	}
	c.Requirements = slices.Clone(o.Requirements)
	return c
}

// Overdue reports whether the delivery window closed before now while the
// order is still in progress.
func (o Order) Overdue(now time.Time) bool {
	return o.Window != nil && !o.State.Terminal() && now.After(o.Window.End)
}

// WindowEnd returns the end of the delivery window or the zero time.
func (o Order) WindowEnd() time.Time {
	if o.Window == nil {
		return time.Time{}
	}
	return o.Window.End
}

// SortByPriority orders by descending priority, then creation time, then id.
func SortByPriority(orders []Order) {
	slices.SortStableFunc(orders, func(a, b Order) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
