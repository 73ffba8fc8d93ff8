package model

import "time"

// StopKind distinguishes pickup and delivery stops.
type StopKind string

const (
	StopPickup   StopKind = "pickup"
	StopDelivery StopKind = "delivery"
)

// Stop is a single visit on a route.
type Stop struct {
	OrderID        string    `json:"order_id"`
	Kind           StopKind  `json:"type"`
	Location       Location  `json:"location"`
	ArrivalAt      time.Time `json:"estimated_arrival"`
	DistanceKm     float64   `json:"distance_km"`
	TravelMinutes  float64   `json:"travel_minutes"`
	WaitMinutes    float64   `json:"wait_minutes,omitempty"`
	ServiceMinutes float64   `json:"service_minutes"`
	Late           bool      `json:"late,omitempty"`
}

// Route is the latest computed stop sequence for a vehicle.
type Route struct {
	ID              string    `json:"id"`
	VehicleID       string    `json:"vehicle_id"`
	Strategy        string    `json:"strategy"`
	Stops           []Stop    `json:"stops"`
	OrderIDs        []string  `json:"order_ids"`
	TotalDistanceKm float64   `json:"total_distance_km"`
	TravelMinutes   float64   `json:"total_duration_minutes"`
	ServiceMinutes  float64   `json:"service_time_minutes"`
	TotalMinutes    float64   `json:"total_time_minutes"`
	Cost            float64   `json:"cost"`
	PlannedAt       time.Time `json:"planned_at"`
}

// StopCount returns the number of stops on the route.
func (r Route) StopCount() int { return len(r.Stops) }

// LateStops returns the number of stops arriving after their window.
func (r Route) LateStops() int {
	n := 0
	for _, s := range r.Stops {
		if s.Late {
			n++
		}
	}
	return n
}
