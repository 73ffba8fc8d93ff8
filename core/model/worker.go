package model

import "time"

// WorkerKind names a worker taking part in the dispatch cycle.
type WorkerKind string

const (
	WorkerIntake     WorkerKind = "order_intake"
	WorkerAssignment WorkerKind = "vehicle_assignment"
	WorkerRouting    WorkerKind = "route_planning"
	WorkerExceptions WorkerKind = "exception_handling"
	WorkerSupervisor WorkerKind = "supervisor"
	WorkerTraffic    WorkerKind = "traffic_monitor"
	WorkerDispatcher WorkerKind = "dispatcher"
)

// WorkerState is the coarse activity of a worker.
type WorkerState string

const (
	WorkerIdle        WorkerState = "idle"
	WorkerPlanning    WorkerState = "planning"
	WorkerExecuting   WorkerState = "executing"
	WorkerReassigning WorkerState = "reassigning"
	WorkerMonitoring  WorkerState = "monitoring"
	WorkerErrored     WorkerState = "error"
)

// WorkerStatus is the per-worker record kept by the entity store.
type WorkerStatus struct {
	Name       WorkerKind  `json:"name"`
	State      WorkerState `json:"state"`
	LastRun    time.Time   `json:"last_run"`
	LastAction string      `json:"last_action,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	Runs       int         `json:"runs"`
	Errors     int         `json:"errors"`
}
