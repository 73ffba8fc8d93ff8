package model

import (
	"fmt"
	"slices"
	"time"
)

// VehicleState is the lifecycle state of a vehicle.
type VehicleState string

const (
	VehicleIdle        VehicleState = "idle"
	VehicleAssigned    VehicleState = "assigned"
	VehicleMoving      VehicleState = "moving"
	VehicleMaintenance VehicleState = "maintenance"
)

// Default vehicle characteristics applied when a field is left empty.
const (
	DefaultVehicleType = "van"
	DefaultCapacityKg  = 1000.0
	DefaultCapacityM3  = 5.0
	DefaultMaxOrders   = 10
)

// Vehicle is a delivery vehicle and the orders it currently carries.
type Vehicle struct {
	ID             string       `json:"id"`
	DriverID       string       `json:"driver_id,omitempty"`
	Type           string       `json:"vehicle_type"`
	CapacityKg     float64      `json:"capacity_weight"`
	CapacityM3     float64      `json:"capacity_volume"`
	MaxOrders      int          `json:"max_orders"`
	Location       Location     `json:"current_location"`
	State          VehicleState `json:"state"`
	AssignedOrders []string     `json:"assigned_orders"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewVehicle returns an idle vehicle with default capacities.
func NewVehicle(id string, loc Location) Vehicle {
	v := Vehicle{ID: id, Location: loc}
	v.ApplyDefaults()
	return v
}

// ApplyDefaults fills zero fields with default values.
func (v *Vehicle) ApplyDefaults() {
	if v.Type == "" {
		v.Type = DefaultVehicleType
	}
	if v.CapacityKg == 0 {
		v.CapacityKg = DefaultCapacityKg
	}
	if v.CapacityM3 == 0 {
		v.CapacityM3 = DefaultCapacityM3
	}
	if v.MaxOrders == 0 {
		v.MaxOrders = DefaultMaxOrders
	}
	if v.State == "" {
		v.State = VehicleIdle
	}
	if v.AssignedOrders == nil {
		v.AssignedOrders = []string{}
	}
}

// Validate checks that the vehicle configuration is sound.
func (v Vehicle) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("vehicle id is required")
	}
	if v.CapacityKg <= 0 || v.CapacityM3 <= 0 {
		return fmt.Errorf("vehicle %s: capacity must be positive", v.ID)
	}
	if v.MaxOrders <= 0 {
		return fmt.Errorf("vehicle %s: max_orders must be positive", v.ID)
	}
	return v.Location.Validate()
}

// Clone returns a deep copy of the vehicle.
func (v Vehicle) Clone() Vehicle {
	c := v
	c.AssignedOrders = slices.Clone(v.AssignedOrders)
	if c.AssignedOrders == nil {
		c.AssignedOrders = []string{}
	}
	return c
}

// HasOrder reports whether the order id is in the assigned set.
func (v Vehicle) HasOrder(id string) bool {
	return slices.Contains(v.AssignedOrders, id)
}

// Overloaded reports whether more orders are assigned than allowed.
func (v Vehicle) Overloaded() bool {
	return len(v.AssignedOrders) > v.MaxOrders
}

// Available reports whether the vehicle can accept another order.
func (v Vehicle) Available() bool {
	switch v.State {
	case VehicleIdle:
		return true
	case VehicleAssigned:
		return len(v.AssignedOrders) < v.MaxOrders
	default:
		return false
	}
}

// Workload returns the fraction of order slots in use.
func (v Vehicle) Workload() float64 {
	if v.MaxOrders <= 0 {
		return 1
	}
	return float64(len(v.AssignedOrders)) / float64(v.MaxOrders)
}
