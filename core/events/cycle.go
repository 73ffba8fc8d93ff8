package events

import "time"

// CycleEvent is published when a dispatcher run returns.
type CycleEvent struct {
	RunID             string
	Outcome           string
	Steps             int
	FailedAssignments []string
	WorkerErrors      int
	Duration          time.Duration
}
