// Package metrics defines the sinks the dispatcher and its workers report to.
// MetricsSink records whole cycles; optional recorder interfaces
// (AssignmentRecorder, RouteRecorder, ExceptionRecorder, FleetRecorder) are
// detected with a type assertion. Implementations live in infra/metrics and
// register themselves with RegisterMetricsSink. NewMetricsSink returns a
// MultiSink when several sinks are configured.
package metrics
