package metrics

import "errors"

// MultiSink fans events out to several sinks. Optional recorders are only
// forwarded to sinks implementing them.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordCycle forwards to all sinks and joins their errors.
func (m *MultiSink) RecordCycle(ev CycleEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		errs = append(errs, s.RecordCycle(ev))
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordAssignment(ev AssignmentEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(AssignmentRecorder); ok {
			errs = append(errs, r.RecordAssignment(ev))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordRoute(ev RouteEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(RouteRecorder); ok {
			errs = append(errs, r.RecordRoute(ev))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordException(ev ExceptionEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(ExceptionRecorder); ok {
			errs = append(errs, r.RecordException(ev))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordFleet(ev FleetEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(FleetRecorder); ok {
			errs = append(errs, r.RecordFleet(ev))
		}
	}
	return errors.Join(errs...)
}

// Assignment forwards ev when sink implements AssignmentRecorder.
func Assignment(sink MetricsSink, ev AssignmentEvent) error {
	if r, ok := sink.(AssignmentRecorder); ok {
		return r.RecordAssignment(ev)
	}
	return nil
}

// Route forwards ev when sink implements RouteRecorder.
func Route(sink MetricsSink, ev RouteEvent) error {
	if r, ok := sink.(RouteRecorder); ok {
		return r.RecordRoute(ev)
	}
	return nil
}

// Exception forwards ev when sink implements ExceptionRecorder.
func Exception(sink MetricsSink, ev ExceptionEvent) error {
	if r, ok := sink.(ExceptionRecorder); ok {
		return r.RecordException(ev)
	}
	return nil
}

// Fleet forwards ev when sink implements FleetRecorder.
func Fleet(sink MetricsSink, ev FleetEvent) error {
	if r, ok := sink.(FleetRecorder); ok {
		return r.RecordFleet(ev)
	}
	return nil
}
