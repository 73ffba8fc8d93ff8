package assignment

import (
	"math"

	"github.com/kilianp07/fleetdispatch/core/factory"
	"github.com/kilianp07/fleetdispatch/core/model"
)

// Strategy names.
const (
	BalancedWorkload  = "balanced_workload"
	NearestVehicle    = "nearest_vehicle"
	CapacityOptimized = "capacity_optimized"
)

// distanceNorm is the distance, in km, that weighs as much as a full vehicle
// in the balanced score.
const distanceNorm = 50.0

// Pairing is one planned order to vehicle assignment.
type Pairing struct {
	OrderID    string  `json:"order_id"`
	VehicleID  string  `json:"vehicle_id"`
	DistanceKm float64 `json:"distance_km"`
	Score      float64 `json:"score"`
	Strategy   string  `json:"strategy"`
}

// Strategy pairs orders with vehicle slots. Orders it cannot place are left
// out of the result. Implementations call Slot.Take for every pairing.
type Strategy interface {
	Name() string
	Assign(orders []model.Order, slots []*Slot) []Pairing
}

var strategies = factory.NewRegistry[Strategy]()

func init() {
	strategies.MustRegister(BalancedWorkload, func(map[string]any) (Strategy, error) { return Balanced{}, nil })
	strategies.MustRegister(NearestVehicle, func(map[string]any) (Strategy, error) { return Nearest{}, nil })
	strategies.MustRegister(CapacityOptimized, func(map[string]any) (Strategy, error) { return Capacity{}, nil })
}

// NewStrategy returns the strategy registered under name. An empty name
// selects balanced workload.
func NewStrategy(name string) (Strategy, error) {
	if name == "" {
		name = BalancedWorkload
	}
	return strategies.Create(factory.ModuleConfig{Type: name})
}

// StrategyNames lists the registered strategies.
func StrategyNames() []string { return strategies.Names() }

func byPriority(orders []model.Order) []model.Order {
	out := make([]model.Order, len(orders))
	copy(out, orders)
	model.SortByPriority(out)
	return out
}

// pick returns the feasible slot with the lowest score.
func pick(o model.Order, slots []*Slot, score scoreFunc) (*Slot, float64, float64) {
	var best *Slot
	bestScore, bestDist := math.Inf(1), 0.0
	for _, s := range slots {
		if !s.Fits(o) {
			continue
		}
		d := model.HaversineKm(s.Vehicle.Location, o.Pickup)
		if sc := score(s, o, d); sc < bestScore {
			best, bestScore, bestDist = s, sc, d
		}
	}
	return best, bestScore, bestDist
}

// scoreFunc rates a feasible slot for o; lower is better.
type scoreFunc func(s *Slot, o model.Order, km float64) float64

func assignEach(name string, orders []model.Order, slots []*Slot, score scoreFunc) []Pairing {
	var out []Pairing
	for _, o := range orders {
		s, sc, d := pick(o, slots, score)
		if s == nil {
			continue
		}
		s.Take(o)
		out = append(out, Pairing{OrderID: o.ID, VehicleID: s.Vehicle.ID, DistanceKm: d, Score: sc, Strategy: name})
	}
	return out
}

// Balanced scores each feasible vehicle as
// 0.6*distance/50km + 0.4*assigned/maxOrders and picks the lowest.
type Balanced struct{}

func (Balanced) Name() string { return BalancedWorkload }

func (Balanced) Assign(orders []model.Order, slots []*Slot) []Pairing {
	return assignEach(BalancedWorkload, byPriority(orders), slots, balancedScore)
}

func balancedScore(s *Slot, _ model.Order, km float64) float64 {
	return 0.6*(km/distanceNorm) + 0.4*s.Workload()
}

// Nearest picks the closest feasible vehicle to the pickup.
type Nearest struct{}

func (Nearest) Name() string { return NearestVehicle }

func (Nearest) Assign(orders []model.Order, slots []*Slot) []Pairing {
	return assignEach(NearestVehicle, byPriority(orders), slots, func(_ *Slot, _ model.Order, km float64) float64 { return km })
}

// SizeClass buckets orders for capacity optimised packing.
type SizeClass int

const (
	SizeSmall SizeClass = iota
	SizeMedium
	SizeLarge
)

// ClassOf returns the size class of o.
func ClassOf(o model.Order) SizeClass {
	switch {
	case o.WeightKg > 50 || o.VolumeM3 > 2:
		return SizeLarge
	case o.WeightKg <= 10 && o.VolumeM3 <= 0.5:
		return SizeSmall
	default:
		return SizeMedium
	}
}

// Capacity packs large orders first, then medium, then small, choosing the
// vehicle left most utilised by each order.
type Capacity struct{}

func (Capacity) Name() string { return CapacityOptimized }

func (Capacity) Assign(orders []model.Order, slots []*Slot) []Pairing {
	groups := make([][]model.Order, 3)
	for _, o := range orders {
		c := ClassOf(o)
		groups[c] = append(groups[c], o)
	}
	var out []Pairing
	for _, c := range []SizeClass{SizeLarge, SizeMedium, SizeSmall} {
		out = append(out, assignEach(CapacityOptimized, byPriority(groups[c]), slots,
			func(s *Slot, o model.Order, _ float64) float64 { return -s.Utilisation(o) })...)
	}
	return out
}
