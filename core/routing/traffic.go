package routing

import (
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// Travel model constants.
const (
	BaseSpeedKmh           = 40.0
	PickupServiceMinutes   = 5.0
	DeliveryServiceMinutes = 3.0
	costPerKm              = 0.5
	costPerMinute          = 0.1
	waitCostPerMinute      = 0.1
	latePenalty            = 1000.0
)

// TrafficFactor returns the congestion multiplier for a departure at t:
// 1.8 from 07:00 to 09:59 and 17:00 to 19:59, 1.2 from 10:00 to 16:59 and
// 1.0 otherwise.
func TrafficFactor(t time.Time) float64 {
	h := t.Hour()
	switch {
	case (h >= 7 && h <= 9) || (h >= 17 && h <= 19):
		return 1.8
	case h >= 10 && h <= 16:
		return 1.2
	default:
		return 1.0
	}
}

// Leg is the cost of driving between two points.
type Leg struct {
	DistanceKm float64
	Minutes    float64
	Factor     float64
	Cost       float64
}

// TravelLeg estimates the leg from a to b when leaving at depart.
func TravelLeg(a, b model.Location, depart time.Time) Leg {
	km := model.HaversineKm(a, b)
	f := TrafficFactor(depart)
	minutes := km / (BaseSpeedKmh / f) * 60
	return Leg{DistanceKm: km, Minutes: minutes, Factor: f, Cost: costPerKm*km + costPerMinute*minutes}
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
