package events

import "github.com/kilianp07/fleetdispatch/core/model"

// RouteEvent is published when the planner stores a new route.
type RouteEvent struct {
	Route model.Route
}
