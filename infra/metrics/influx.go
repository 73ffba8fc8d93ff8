package metrics

import (
	"context"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/fleetdispatch/core/metrics"
	"github.com/kilianp07/fleetdispatch/infra/logger"
)

// InfluxSink writes dispatch events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordCycle writes one dispatch_cycle point.
func (s *InfluxSink) RecordCycle(ev coremetrics.CycleEvent) error {
	p := write.NewPointWithMeasurement("dispatch_cycle").
		AddTag("run_id", ev.RunID).
		AddTag("outcome", ev.Outcome).
		AddTag("component", "dispatcher").
		AddField("steps", ev.Steps).
		AddField("duration_ms", round3(float64(ev.Duration)/float64(time.Millisecond))).
		AddField("failed_assignments", ev.FailedAssignments).
		AddField("worker_errors", ev.WorkerErrors).
		SetTime(ev.Time)
	names := make([]string, 0, len(ev.Decisions))
	for k := range ev.Decisions {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		p = p.AddField("decision_"+k, ev.Decisions[k])
	}
	return s.write(p)
}

// RecordAssignment writes an order_assigned point.
func (s *InfluxSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	return s.write(write.NewPointWithMeasurement("order_assigned").
		AddTag("order_id", ev.OrderID).
		AddTag("vehicle_id", ev.VehicleID).
		AddTag("strategy", ev.Strategy).
		AddField("distance_km", round3(ev.DistanceKm)).
		AddField("score", round3(ev.Score)).
		SetTime(ev.Time))
}

// RecordRoute writes a route_planned point.
func (s *InfluxSink) RecordRoute(ev coremetrics.RouteEvent) error {
	return s.write(write.NewPointWithMeasurement("route_planned").
		AddTag("route_id", ev.RouteID).
		AddTag("vehicle_id", ev.VehicleID).
		AddTag("strategy", ev.Strategy).
		AddField("distance_km", round3(ev.DistanceKm)).
		AddField("duration_min", round3(ev.DurationMin)).
		AddField("stops", ev.Stops).
		AddField("late_stops", ev.LateStops).
		SetTime(ev.Time))
}

// RecordException writes an exception_event point.
func (s *InfluxSink) RecordException(ev coremetrics.ExceptionEvent) error {
	return s.write(write.NewPointWithMeasurement("exception_event").
		AddTag("exception_id", ev.ExceptionID).
		AddTag("type", ev.Type).
		AddTag("severity", ev.Severity).
		AddTag("action", ev.Action).
		AddField("level", ev.Level).
		SetTime(ev.Time))
}

// RecordFleet writes one fleet_state point with a field per state.
func (s *InfluxSink) RecordFleet(ev coremetrics.FleetEvent) error {
	p := write.NewPointWithMeasurement("fleet_state").
		AddTag("component", "dispatcher").
		AddField("active_exceptions", ev.ActiveExceptions).
		AddField("emergency", ev.Emergency).
		SetTime(ev.Time)
	for st, n := range ev.Orders {
		p = p.AddField("orders_"+st, n)
	}
	for st, n := range ev.Vehicles {
		p = p.AddField("vehicles_"+st, n)
	}
	return s.write(p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
