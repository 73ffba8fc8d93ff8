package routing

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// Build turns an order sequence into pickup/delivery stops, starting from the
// vehicle's location at start. The clock advances by travel time plus 5
// minutes after a pickup and 3 minutes after a delivery.
func Build(v model.Vehicle, seq []model.Order, start time.Time) []model.Stop {
	stops := make([]model.Stop, 0, 2*len(seq))
	loc, clock := v.Location, start
	for _, o := range seq {
		leg := TravelLeg(loc, o.Pickup, clock)
		arrive := clock.Add(minutes(leg.Minutes))
		stops = append(stops, model.Stop{
			OrderID: o.ID, Kind: model.StopPickup, Location: o.Pickup, ArrivalAt: arrive,
			DistanceKm: leg.DistanceKm, TravelMinutes: leg.Minutes, ServiceMinutes: PickupServiceMinutes,
		})
		loc, clock = o.Pickup, arrive.Add(minutes(PickupServiceMinutes))

		leg = TravelLeg(loc, o.Delivery, clock)
		arrive = clock.Add(minutes(leg.Minutes))
		s := model.Stop{
			OrderID: o.ID, Kind: model.StopDelivery, Location: o.Delivery, ArrivalAt: arrive,
			DistanceKm: leg.DistanceKm, TravelMinutes: leg.Minutes, ServiceMinutes: DeliveryServiceMinutes,
		}
		if o.Window != nil {
			if arrive.Before(o.Window.Start) {
				s.WaitMinutes = o.Window.Start.Sub(arrive).Minutes()
			}
			s.Late = arrive.After(o.Window.End)
		}
		stops = append(stops, s)
		loc, clock = o.Delivery, arrive.Add(minutes(DeliveryServiceMinutes))
	}
	return stops
}

// NewRoute assembles the route record and its aggregate metrics.
func NewRoute(v model.Vehicle, strategy string, stops []model.Stop, at time.Time) model.Route {
	dist := make([]float64, len(stops))
	travel := make([]float64, len(stops))
	service := make([]float64, len(stops))
	var ids []string
	for i, s := range stops {
		dist[i], travel[i], service[i] = s.DistanceKm, s.TravelMinutes, s.ServiceMinutes
		if s.Kind == model.StopPickup {
			ids = append(ids, s.OrderID)
		}
	}
	r := model.Route{
		ID:              fmt.Sprintf("route_%s_%d", v.ID, at.Unix()),
		VehicleID:       v.ID,
		Strategy:        strategy,
		Stops:           stops,
		OrderIDs:        ids,
		TotalDistanceKm: floats.Sum(dist),
		TravelMinutes:   floats.Sum(travel),
		ServiceMinutes:  floats.Sum(service),
		PlannedAt:       at,
	}
	r.TotalMinutes = r.TravelMinutes + r.ServiceMinutes
	r.Cost = costPerKm*r.TotalDistanceKm + costPerMinute*r.TravelMinutes
	return r
}

// Cost is the value the genetic strategy minimises: km + 0.1 * travel minutes.
func Cost(stops []model.Stop) float64 {
	var km, mins float64
	for _, s := range stops {
		km += s.DistanceKm
		mins += s.TravelMinutes
	}
	return km + 0.1*mins
}
