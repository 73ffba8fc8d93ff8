// Package status builds the read-only projection consumed by dashboards and
// audit tooling.
package status

import (
	"time"

	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
)

// Exceptions summarises the active exception records.
type Exceptions struct {
	Active     int                         `json:"active"`
	BySeverity map[model.Severity]int      `json:"by_severity"`
	ByType     map[model.ExceptionType]int `json:"by_type"`
	Overdue    int                         `json:"overdue_escalations"`
}

// Emergency describes the emergency flag.
type Emergency struct {
	Active  bool      `json:"active"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	Actions []string  `json:"actions,omitempty"`
}

// Report is the status projection.
type Report struct {
	Orders      map[model.OrderState]int                `json:"orders"`
	Vehicles    map[model.VehicleState]int              `json:"vehicles"`
	Routes      int                                     `json:"routes"`
	Exceptions  Exceptions                              `json:"exceptions"`
	Workers     map[model.WorkerKind]model.WorkerStatus `json:"workers"`
	Emergency   Emergency                               `json:"emergency"`
	GeneratedAt time.Time                               `json:"generated_at"`
}

// TotalOrders returns the number of orders across states.
func (r Report) TotalOrders() int {
	n := 0
	for _, c := range r.Orders {
		n += c
	}
	return n
}

// Build projects a snapshot, an exception review and the emergency flag.
func Build(snap store.Snapshot, rv conflict.Review, em *worker.Emergency, now time.Time) Report {
	r := Report{
		Orders:   map[model.OrderState]int{},
		Vehicles: map[model.VehicleState]int{},
		Routes:   len(snap.Routes),
		Exceptions: Exceptions{
			Active:     rv.Active,
			BySeverity: rv.BySeverity,
			ByType:     rv.ByType,
			Overdue:    len(rv.Overdue),
		},
		Workers:     map[model.WorkerKind]model.WorkerStatus{},
		GeneratedAt: now,
	}
	for _, o := range snap.Orders {
		r.Orders[o.State]++
	}
	for _, v := range snap.Vehicles {
		r.Vehicles[v.State]++
	}
	for k, w := range snap.Workers {
		r.Workers[k] = w
	}
	if r.Exceptions.BySeverity == nil {
		r.Exceptions.BySeverity = map[model.Severity]int{}
	}
	if r.Exceptions.ByType == nil {
		r.Exceptions.ByType = map[model.ExceptionType]int{}
	}
	if em != nil && em.Active() {
		reason, since, actions := em.State()
		r.Emergency = Emergency{Active: true, Reason: reason, Since: since, Actions: actions}
	}
	return r
}
