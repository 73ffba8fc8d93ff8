// Package events defines the dispatch related events emitted on the event bus.
//
// Available event types:
//   - CycleEvent: a dispatcher run finished
//   - ExceptionEvent: an exception record was created, recovered, escalated, resolved or archived
//   - EmergencyEvent: emergency protocols were activated or lifted
//   - RouteEvent: a route was planned for a vehicle
package events
