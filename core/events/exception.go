package events

import "github.com/kilianp07/fleetdispatch/core/model"

// ExceptionEvent is emitted on every exception record transition. Target is
// set for escalations.
type ExceptionEvent struct {
	Exception model.Exception
	Action    string
	Target    string
}

// EmergencyEvent is emitted when emergency protocols change.
type EmergencyEvent struct {
	Active            bool
	Reason            string
	CriticalConflicts int
	Actions           []string
}
