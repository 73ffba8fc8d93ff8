package metrics

import "time"

// CycleEvent summarises one dispatcher run.
type CycleEvent struct {
	RunID             string
	Outcome           string
	Steps             int
	Duration          time.Duration
	Decisions         map[string]int
	FailedAssignments int
	WorkerErrors      int
	Time              time.Time
}

// MetricsSink records dispatch cycles for observability purposes.
type MetricsSink interface {
	RecordCycle(ev CycleEvent) error
}

// AssignmentEvent is emitted for every order paired with a vehicle.
type AssignmentEvent struct {
	OrderID    string
	VehicleID  string
	Strategy   string
	DistanceKm float64
	Score      float64
	Time       time.Time
}

// AssignmentRecorder records order to vehicle pairings.
type AssignmentRecorder interface {
	RecordAssignment(ev AssignmentEvent) error
}

// RouteEvent is emitted when a route is planned for a vehicle.
type RouteEvent struct {
	RouteID     string
	VehicleID   string
	Strategy    string
	DistanceKm  float64
	DurationMin float64
	Stops       int
	LateStops   int
	Time        time.Time
}

// RouteRecorder records planned routes.
type RouteRecorder interface {
	RecordRoute(ev RouteEvent) error
}

// ExceptionEvent describes a change on an exception record.
type ExceptionEvent struct {
	ExceptionID string
	Type        string
	Severity    string
	// Action is created, recovered, escalated, resolved or archived.
	Action string
	Level  int
	Time   time.Time
}

// ExceptionRecorder records exception lifecycle changes.
type ExceptionRecorder interface {
	RecordException(ev ExceptionEvent) error
}

// FleetEvent is a point in time count of orders and vehicles per state.
type FleetEvent struct {
	Orders           map[string]int
	Vehicles         map[string]int
	ActiveExceptions int
	Emergency        bool
	Time             time.Time
}

// FleetRecorder records fleet state counts.
type FleetRecorder interface {
	RecordFleet(ev FleetEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordCycle(CycleEvent) error           { return nil }
func (NopSink) RecordAssignment(AssignmentEvent) error { return nil }
func (NopSink) RecordRoute(RouteEvent) error           { return nil }
func (NopSink) RecordException(ExceptionEvent) error   { return nil }
func (NopSink) RecordFleet(FleetEvent) error           { return nil }
