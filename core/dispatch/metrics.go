package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cycleDuration     *prometheus.HistogramVec
	cyclesTotal       *prometheus.CounterVec
	cycleSteps        prometheus.Histogram
	decisionsTotal    *prometheus.CounterVec
	workerErrors      *prometheus.CounterVec
	failedAssignments prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec, prometheus.Histogram, *prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter) {
	dur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_cycle_duration_seconds",
			Help:    "Wall clock duration of dispatcher runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	cycles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_cycles_total",
			Help: "Number of dispatcher runs by outcome",
		},
		[]string{"outcome"},
	)
	steps := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_cycle_steps",
			Help:    "Steps taken by dispatcher runs",
			Buckets: prometheus.LinearBuckets(1, 2, 11),
		},
	)
	dec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_decisions_total",
			Help: "Routing decisions taken by the dispatcher",
		},
		[]string{"decision"},
	)
	werr := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_worker_errors_total",
			Help: "Worker errors and panics recovered by the dispatcher",
		},
		[]string{"worker"},
	)
	failed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_failed_assignments_total",
			Help: "Orders given up on by the assignment step of a run",
		},
	)
	return dur, cycles, steps, dec, werr, failed
}

func init() {
	cycleDuration, cyclesTotal, cycleSteps, decisionsTotal, workerErrors, failedAssignments = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(cycleDuration, cyclesTotal, cycleSteps, decisionsTotal, workerErrors, failedAssignments)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	cycleDuration, cyclesTotal, cycleSteps, decisionsTotal, workerErrors, failedAssignments = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
