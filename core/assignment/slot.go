package assignment

import "github.com/kilianp07/fleetdispatch/core/model"

// Slot is a vehicle with the load it already carries. Strategies take orders
// into slots while planning so several pairings in one pass respect capacity.
type Slot struct {
	Vehicle  model.Vehicle
	Orders   int
	WeightKg float64
	VolumeM3 float64
}

// NewSlots builds slots for vehicles, summing the load of the orders each one
// already holds.
func NewSlots(vehicles []model.Vehicle, orders map[string]model.Order) []*Slot {
	out := make([]*Slot, 0, len(vehicles))
	for _, v := range vehicles {
		s := &Slot{Vehicle: v, Orders: len(v.AssignedOrders)}
		for _, id := range v.AssignedOrders {
			if o, ok := orders[id]; ok {
				s.WeightKg += o.WeightKg
				s.VolumeM3 += o.VolumeM3
			}
		}
		out = append(out, s)
	}
	return out
}

// Fits reports whether o can be added without breaking the order count,
// weight or volume limits.
func (s *Slot) Fits(o model.Order) bool {
	if s.Vehicle.State == model.VehicleMaintenance {
		return false
	}
	if s.Orders+1 > s.Vehicle.MaxOrders {
		return false
	}
	if s.WeightKg+o.WeightKg > s.Vehicle.CapacityKg {
		return false
	}
	return s.VolumeM3+o.VolumeM3 <= s.Vehicle.CapacityM3
}

// Take records o as carried by the slot.
func (s *Slot) Take(o model.Order) {
	s.Orders++
	s.WeightKg += o.WeightKg
	s.VolumeM3 += o.VolumeM3
}

// Workload is the share of the order limit in use.
func (s *Slot) Workload() float64 {
	if s.Vehicle.MaxOrders <= 0 {
		return 1
	}
	return float64(s.Orders) / float64(s.Vehicle.MaxOrders)
}

// Utilisation is 1 - min(remaining weight share, remaining volume share) after
// taking o.
func (s *Slot) Utilisation(o model.Order) float64 {
	remW := (s.Vehicle.CapacityKg - s.WeightKg - o.WeightKg) / s.Vehicle.CapacityKg
	remV := (s.Vehicle.CapacityM3 - s.VolumeM3 - o.VolumeM3) / s.Vehicle.CapacityM3
	return 1 - min(remW, remV)
}
