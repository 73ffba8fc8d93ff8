// Package worker defines the capability shared by every dispatch worker and
// the plumbing they use to talk to each other.
package worker

import (
	"context"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// Task is the input handed to a worker for one dispatch step.
type Task struct {
	RunID    string
	Step     int
	OrderIDs []string
	// VehicleIDs names vehicles the step is about, e.g. overloaded ones.
	VehicleIDs []string
	Now        time.Time
}

// Result describes what a worker did during one step.
type Result struct {
	Worker model.WorkerKind `json:"worker"`
	Action string           `json:"action"`
	// Processed holds the ids the worker made progress on.
	Processed []string `json:"processed,omitempty"`
	// Skipped holds the ids the worker looked at without progress.
	Skipped []string `json:"skipped,omitempty"`
	// NoVehicles is set when the worker found no available vehicle at all.
	NoVehicles bool `json:"no_vehicles,omitempty"`
}

// Worker is one participant in the dispatch cycle.
type Worker interface {
	Kind() model.WorkerKind
	Process(ctx context.Context, t Task) (Result, error)
	HandleMessage(ctx context.Context, msg model.Message) error
}

// Outbox accepts messages for delivery on a later drain.
type Outbox interface {
	Send(msg model.Message)
}

// OutboxFunc adapts a function to Outbox.
type OutboxFunc func(model.Message)

func (f OutboxFunc) Send(m model.Message) { f(m) }

// Discard drops every message.
var Discard Outbox = OutboxFunc(func(model.Message) {})
