// Package traffic watches planned routes for congestion and weather delays
// and raises alerts when a route is expected to run late.
package traffic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/routing"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
)

// Alert thresholds in minutes of expected delay.
const (
	AlertDelayMinutes   = 30.0
	RerouteDelayMinutes = 60.0
)

// Cooldown is the minimum interval between two alerts for one vehicle.
const Cooldown = 30 * time.Minute

// Congestion maps the time of day traffic factor onto [0,1].
func Congestion(at time.Time) float64 {
	return (routing.TrafficFactor(at) - 1) / 0.8
}

// Assessment is the expected delay of a monitored route.
type Assessment struct {
	RouteID       string              `json:"route_id"`
	VehicleID     string              `json:"vehicle_id"`
	DelayMinutes  float64             `json:"estimated_delay"`
	TrafficDelay  float64             `json:"traffic_delay"`
	WeatherDelay  float64             `json:"weather_delay"`
	MaxCongestion float64             `json:"max_congestion"`
	MaxImpact     float64             `json:"max_weather_impact"`
	Cause         model.ExceptionType `json:"cause"`
	Severity      model.Severity      `json:"severity"`
	CheckedAt     time.Time           `json:"checked_at"`
}

// Alerting reports whether the delay warrants an alert.
func (a Assessment) Alerting() bool { return a.DelayMinutes > AlertDelayMinutes }

// Assess estimates the delay of r: each stop adds ten minutes per unit of
// congestion at its arrival time plus five per unit of weather impact.
func Assess(r model.Route, weather WeatherProvider, now time.Time) Assessment {
	a := Assessment{RouteID: r.ID, VehicleID: r.VehicleID, CheckedAt: now, Severity: model.SeverityLow}
	for _, s := range r.Stops {
		at := s.ArrivalAt
		if at.IsZero() {
			at = now
		}
		c := Congestion(at)
		w := weather.Weather(s.Location, at)
		a.TrafficDelay += c * 10
		a.WeatherDelay += w.Impact * 5
		a.MaxCongestion = max(a.MaxCongestion, c)
		a.MaxImpact = max(a.MaxImpact, w.Impact)
	}
	a.DelayMinutes = a.TrafficDelay + a.WeatherDelay
	a.Cause = model.ExceptionTrafficDelay
	if a.WeatherDelay > a.TrafficDelay {
		a.Cause = model.ExceptionWeatherDelay
	}
	switch {
	case a.DelayMinutes > RerouteDelayMinutes:
		a.Severity = model.SeverityHigh
	case a.DelayMinutes > AlertDelayMinutes:
		a.Severity = model.SeverityMedium
	}
	return a
}

type watched struct {
	route  model.Route
	since  time.Time
	latest Assessment
}

// Monitor is the route monitoring worker.
type Monitor struct {
	store   store.Store
	outbox  worker.Outbox
	log     logger.Logger
	weather WeatherProvider
	now     func() time.Time

	mu        sync.Mutex
	routes    map[string]*watched
	lastAlert map[string]time.Time
}

// New returns a monitor. A nil provider means clear skies.
func New(st store.Store, out worker.Outbox, log logger.Logger, weather WeatherProvider) *Monitor {
	if out == nil {
		out = worker.Discard
	}
	if weather == nil {
		weather = Static{}
	}
	return &Monitor{
		store: st, outbox: out, log: log, weather: weather, now: time.Now,
		routes: map[string]*watched{}, lastAlert: map[string]time.Time{},
	}
}

func (m *Monitor) Kind() model.WorkerKind { return model.WorkerTraffic }

// SetClock overrides the wall clock.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Watch starts monitoring the current route of the vehicle and assesses it.
func (m *Monitor) Watch(ctx context.Context, vehicleID string) (Assessment, error) {
	snap, err := m.store.Snapshot(ctx)
	if err != nil {
		return Assessment{}, fmt.Errorf("snapshot: %w", err)
	}
	r, ok := snap.Routes[vehicleID]
	if !ok {
		return Assessment{}, fmt.Errorf("route of %s: %w", vehicleID, store.ErrNotFound)
	}
	now := m.now()
	m.mu.Lock()
	m.routes[vehicleID] = &watched{route: r, since: now}
	m.mu.Unlock()
	m.log.Debugf("monitoring route %s of %s", r.ID, vehicleID)
	return m.check(vehicleID, now), nil
}

// Routes returns the latest assessment of every monitored route by vehicle.
func (m *Monitor) Routes() []Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Assessment, 0, len(m.routes))
	for _, w := range m.routes {
		out = append(out, w.latest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

// check assesses one monitored route and raises alerts.
func (m *Monitor) check(vehicleID string, now time.Time) Assessment {
	m.mu.Lock()
	w, ok := m.routes[vehicleID]
	if !ok {
		m.mu.Unlock()
		return Assessment{}
	}
	a := Assess(w.route, m.weather, now)
	w.latest = a
	alert := a.Alerting() && now.Sub(m.lastAlert[vehicleID]) >= Cooldown
	if alert {
		m.lastAlert[vehicleID] = now
	}
	m.mu.Unlock()

	if !alert {
		return a
	}
	msg := model.TrafficAlert{
		RouteID: a.RouteID, VehicleID: a.VehicleID, DelayMinutes: a.DelayMinutes,
		Severity: a.Severity, Cause: a.Cause,
	}
	m.outbox.Send(model.NewMessage(model.WorkerTraffic, model.WorkerSupervisor, 3, msg))
	m.outbox.Send(model.NewMessage(model.WorkerTraffic, model.WorkerExceptions, 3, msg))
	if a.DelayMinutes > RerouteDelayMinutes {
		m.outbox.Send(model.NewMessage(model.WorkerTraffic, model.WorkerRouting, 4, model.AlternativeRoute{
			VehicleID: a.VehicleID, Reason: string(a.Cause),
		}))
	}
	m.log.Warnf("route %s of %s expected %.0f minutes late (%s)", a.RouteID, a.VehicleID, a.DelayMinutes, a.Cause)
	return a
}

// Process re-assesses every monitored route, dropping routes that were
// replaced or whose vehicle stopped moving.
func (m *Monitor) Process(ctx context.Context, _ worker.Task) (worker.Result, error) {
	res := worker.Result{Worker: model.WorkerTraffic, Action: "monitor_routes"}
	snap, err := m.store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	now := m.now()
	m.mu.Lock()
	var ids []string
	for vid, w := range m.routes {
		v, ok := snap.Vehicles[vid]
		cur, hasRoute := snap.Routes[vid]
		if !ok || v.State != model.VehicleMoving || !hasRoute {
			delete(m.routes, vid)
			res.Skipped = append(res.Skipped, vid)
			continue
		}
		if cur.ID != w.route.ID {
			w.route = cur
		}
		ids = append(ids, vid)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	sort.Strings(res.Skipped)
	for _, vid := range ids {
		if m.check(vid, now).Alerting() {
			res.Processed = append(res.Processed, vid)
		}
	}
	return res, nil
}

// Reset forgets every monitored route.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.routes = map[string]*watched{}
	m.lastAlert = map[string]time.Time{}
	m.mu.Unlock()
}

func (m *Monitor) HandleMessage(ctx context.Context, msg model.Message) error {
	switch p := msg.Payload.(type) {
	case model.MonitorRoute:
		if _, err := m.Watch(ctx, p.VehicleID); err != nil {
			m.log.Warnf("monitor route %s: %v", p.RouteID, err)
		}
	case model.EmergencyDirective:
		m.log.Infof("emergency directive received (active=%t)", p.Active)
	}
	return nil
}
