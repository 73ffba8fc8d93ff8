package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/fleetdispatch/core/metrics"
)

// PromSink records dispatch events in Prometheus metrics.
type PromSink struct {
	cycles      *prometheus.CounterVec
	steps       prometheus.Histogram
	assignments *prometheus.CounterVec
	routeKm     *prometheus.HistogramVec
	exceptions  *prometheus.CounterVec
	orders      *prometheus.GaugeVec
	vehicles    *prometheus.GaugeVec
	emergency   prometheus.Gauge
}

// NewPromSink registers the collectors on the default Prometheus registerer.
// The HTTP endpoint is served separately.
func NewPromSink() (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered by a previous sink are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{}
	var err error
	if s.cycles, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_cycles_total",
		Help: "Dispatch cycles by outcome",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if s.steps, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_cycle_steps",
		Help:    "Steps taken per dispatch cycle",
		Buckets: prometheus.LinearBuckets(1, 2, 12),
	})); err != nil {
		return nil, err
	}
	if s.assignments, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_assignments_total",
		Help: "Orders paired with a vehicle",
	}, []string{"strategy"})); err != nil {
		return nil, err
	}
	if s.routeKm, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_route_distance_km",
		Help:    "Planned route distance",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"strategy"})); err != nil {
		return nil, err
	}
	if s.exceptions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_exceptions_total",
		Help: "Exception record lifecycle changes",
	}, []string{"type", "severity", "action"})); err != nil {
		return nil, err
	}
	if s.orders, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_orders",
		Help: "Orders per state",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if s.vehicles, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_vehicles",
		Help: "Vehicles per state",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if s.emergency, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_emergency_active",
		Help: "1 while emergency protocols are active",
	})); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordCycle counts the cycle outcome and observes its step count.
func (s *PromSink) RecordCycle(ev coremetrics.CycleEvent) error {
	s.cycles.WithLabelValues(ev.Outcome).Inc()
	s.steps.Observe(float64(ev.Steps))
	return nil
}

func (s *PromSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	s.assignments.WithLabelValues(ev.Strategy).Inc()
	return nil
}

func (s *PromSink) RecordRoute(ev coremetrics.RouteEvent) error {
	s.routeKm.WithLabelValues(ev.Strategy).Observe(ev.DistanceKm)
	return nil
}

func (s *PromSink) RecordException(ev coremetrics.ExceptionEvent) error {
	s.exceptions.WithLabelValues(ev.Type, ev.Severity, ev.Action).Inc()
	return nil
}

// RecordFleet replaces the per-state gauges.
func (s *PromSink) RecordFleet(ev coremetrics.FleetEvent) error {
	s.orders.Reset()
	for st, n := range ev.Orders {
		s.orders.WithLabelValues(st).Set(float64(n))
	}
	s.vehicles.Reset()
	for st, n := range ev.Vehicles {
		s.vehicles.WithLabelValues(st).Set(float64(n))
	}
	if ev.Emergency {
		s.emergency.Set(1)
	} else {
		s.emergency.Set(0)
	}
	return nil
}
