package supervisor

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
)

// Analysis thresholds.
const (
	MinEfficiency     = 0.8
	MinUtilisation    = 0.6
	MaxUtilisation    = 0.95
	MaxFailureShare   = 0.1
	ClusterRadiusKm   = 5.0
	clusterSavingRate = 0.5
)

// Bottlenecks.
const (
	BottleneckFailureRate = "high_failure_rate"
	BottleneckSaturated   = "fleet_saturated"
)

// Recommendation is a strategic decision proposed by the analysis.
type Recommendation struct {
	Type   string  `json:"type"`
	Action string  `json:"action"`
	Value  float64 `json:"current_value"`
}

// Cluster is a pair of active vehicles operating close to each other.
type Cluster struct {
	Vehicles   [2]string `json:"vehicles"`
	DistanceKm float64   `json:"distance_km"`
	SavingKm   float64   `json:"potential_savings"`
}

// Analysis is a point in time evaluation of the fleet.
type Analysis struct {
	Orders            int                      `json:"total_orders"`
	Vehicles          int                      `json:"total_vehicles"`
	OrdersByState     map[model.OrderState]int `json:"orders_by_state"`
	Efficiency        float64                  `json:"delivery_efficiency"`
	Utilisation       float64                  `json:"resource_utilization"`
	WorkloadStdDev    float64                  `json:"workload_stddev"`
	Bottlenecks       []string                 `json:"bottlenecks"`
	CriticalConflicts int                      `json:"critical_conflicts"`
	Clusters          []Cluster                `json:"geographic_clustering"`
	Recommendations   []Recommendation         `json:"decisions"`
	At                time.Time                `json:"timestamp"`
}

// Analyze evaluates snap. Efficiency is delivered over delivered plus
// failed (1 when nothing finished); utilisation is the mean workload of the
// vehicles not in maintenance.
func Analyze(snap store.Snapshot, now time.Time) Analysis {
	a := Analysis{
		Orders:        len(snap.Orders),
		Vehicles:      len(snap.Vehicles),
		OrdersByState: map[model.OrderState]int{},
		Efficiency:    1,
		At:            now,
	}
	for _, o := range snap.Orders {
		a.OrdersByState[o.State]++
	}
	delivered, failed := a.OrdersByState[model.OrderDelivered], a.OrdersByState[model.OrderFailed]
	if delivered+failed > 0 {
		a.Efficiency = float64(delivered) / float64(delivered+failed)
	}
	if a.Orders > 0 && float64(failed) > float64(a.Orders)*MaxFailureShare {
		a.Bottlenecks = append(a.Bottlenecks, BottleneckFailureRate)
	}

	vehicles := store.SortedVehicles(snap.Vehicles)
	var loads []float64
	var active []model.Vehicle
	for _, v := range vehicles {
		if v.State == model.VehicleMaintenance {
			continue
		}
		loads = append(loads, v.Workload())
		if v.State == model.VehicleAssigned || v.State == model.VehicleMoving {
			active = append(active, v)
		}
	}
	if len(loads) > 0 {
		a.Utilisation = stat.Mean(loads, nil)
	}
	if len(loads) > 1 {
		a.WorkloadStdDev = stat.PopStdDev(loads, nil)
	}
	if a.OrdersByState[model.OrderNew] > 0 && len(store.Available(vehicles)) == 0 {
		a.Bottlenecks = append(a.Bottlenecks, BottleneckSaturated)
	}

	for i := range active {
		for j := i + 1; j < len(active); j++ {
			d := model.HaversineKm(active[i].Location, active[j].Location)
			if d < ClusterRadiusKm {
				a.Clusters = append(a.Clusters, Cluster{
					Vehicles:   [2]string{active[i].ID, active[j].ID},
					DistanceKm: d,
					SavingKm:   d * clusterSavingRate,
				})
			}
		}
	}

	a.CriticalConflicts = conflict.Critical(conflict.Detect(snap, now))
	a.Recommendations = recommend(a)
	return a
}

func recommend(a Analysis) []Recommendation {
	var out []Recommendation
	if a.Efficiency < MinEfficiency {
		out = append(out, Recommendation{Type: "efficiency_improvement", Action: "request_route_optimization", Value: a.Efficiency})
	}
	if a.Vehicles > 0 {
		switch {
		case a.Utilisation < MinUtilisation:
			out = append(out, Recommendation{Type: "resource_optimization", Action: "consolidate_routes", Value: a.Utilisation})
		case a.Utilisation > MaxUtilisation:
			out = append(out, Recommendation{Type: "capacity_expansion", Action: "request_additional_vehicles", Value: a.Utilisation})
		}
	}
	if a.CriticalConflicts > 0 {
		out = append(out, Recommendation{Type: "emergency_response", Action: "review_critical_conflicts", Value: float64(a.CriticalConflicts)})
	}
	return out
}
