// Package conflict detects capacity overloads and missed delivery windows,
// and runs the exception records through recovery and escalation.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/fleetdispatch/core/events"
	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/monitoring"
	"github.com/kilianp07/fleetdispatch/core/prediction"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
	"github.com/kilianp07/fleetdispatch/internal/eventbus"
)

var (
	// ErrInvalidReport is returned for failure reports the engine cannot file.
	ErrInvalidReport = errors.New("invalid failure report")
	// ErrUnknownException is returned for ids not in the active set.
	ErrUnknownException = errors.New("unknown exception")
)

// Emergency directive actions.
var EmergencyActions = []string{"stop_new_orders", "prioritize_critical_orders", "activate_backup_fleet"}

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	// EmergencyThreshold is the critical conflict count that must be
	// exceeded to activate emergency protocols.
	EmergencyThreshold int
	// Retention is how long resolved records stay in the active set.
	Retention time.Duration
	// RiskThreshold is the delay risk at which an order is time sensitive.
	RiskThreshold float64
}

func (o Options) withDefaults() Options {
	if o.EmergencyThreshold <= 0 {
		o.EmergencyThreshold = 3
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.RiskThreshold <= 0 {
		o.RiskThreshold = 0.7
	}
	return o
}

// FailureReport is a failure coming from outside the dispatch loop, or from
// the engine's own detection.
type FailureReport struct {
	Type        model.ExceptionType `json:"type"`
	OrderID     string              `json:"order_id,omitempty"`
	VehicleID   string              `json:"vehicle_id,omitempty"`
	Description string              `json:"description"`
	// CustomerPriority "high" raises the derived severity.
	CustomerPriority string `json:"customer_priority,omitempty"`
	// Severity overrides the derived severity when set.
	Severity model.Severity `json:"severity,omitempty"`
}

// Validate checks the report names a known type and an entity.
func (r FailureReport) Validate() error {
	if !r.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidReport, r.Type)
	}
	if r.OrderID == "" && r.VehicleID == "" {
		return fmt.Errorf("%w: order_id or vehicle_id is required", ErrInvalidReport)
	}
	if r.Severity != "" && r.Severity.Rank() < 0 {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidReport, r.Severity)
	}
	return nil
}

// Engine is the exception handling worker.
type Engine struct {
	store     store.Store
	outbox    worker.Outbox
	emergency *worker.Emergency
	log       logger.Logger
	now       func() time.Time
	opts      Options
	records   *Records

	mu      sync.RWMutex
	risk    prediction.RiskEngine
	monitor monitoring.Monitor
	bus     eventbus.EventBus
}

// New returns an engine. emergency may be shared with intake.
func New(st store.Store, out worker.Outbox, emergency *worker.Emergency, log logger.Logger, opts Options) *Engine {
	if out == nil {
		out = worker.Discard
	}
	if emergency == nil {
		emergency = worker.NewEmergency()
	}
	return &Engine{
		store:     st,
		outbox:    out,
		emergency: emergency,
		log:       log,
		now:       time.Now,
		opts:      opts.withDefaults(),
		records:   NewRecords(),
		risk:      prediction.NewWindowRisk(),
		monitor:   monitoring.NopMonitor{},
	}
}

func (e *Engine) Kind() model.WorkerKind { return model.WorkerExceptions }

// SetClock overrides the wall clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetRiskEngine configures the source of delay risk scores.
func (e *Engine) SetRiskEngine(r prediction.RiskEngine) {
	if r == nil {
		return
	}
	e.mu.Lock()
	e.risk = r
	e.mu.Unlock()
}

// SetMonitor configures where escalations leaving the system are reported.
func (e *Engine) SetMonitor(m monitoring.Monitor) {
	if m == nil {
		m = monitoring.NopMonitor{}
	}
	e.mu.Lock()
	e.monitor = m
	e.mu.Unlock()
}

// SetEventBus configures the bus receiving exception and emergency events.
func (e *Engine) SetEventBus(bus eventbus.EventBus) {
	e.mu.Lock()
	e.bus = bus
	e.mu.Unlock()
}

func (e *Engine) publish(ev eventbus.Event) {
	e.mu.RLock()
	bus := e.bus
	e.mu.RUnlock()
	if bus != nil {
		bus.Publish(ev)
	}
}

func (e *Engine) send(to model.WorkerKind, priority int, p model.Payload) {
	e.outbox.Send(model.NewMessage(model.WorkerExceptions, to, priority, p))
}

// Emergency returns the shared emergency flag.
func (e *Engine) Emergency() *worker.Emergency { return e.emergency }

// Exceptions returns the records in the active set, oldest first.
func (e *Engine) Exceptions() []model.Exception { return e.records.List() }

// History returns the archived records.
func (e *Engine) History() []model.Exception { return e.records.History() }

// Exception returns one record of the active set.
func (e *Engine) Exception(id string) (model.Exception, bool) { return e.records.Get(id) }

// Reset drops every record and lifts emergency protocols without broadcast.
func (e *Engine) Reset() {
	e.records.Reset()
	e.emergency.Deactivate()
}

// Report files a failure. A report matching an active record of the same
// type and entity counts as a further attempt on that record.
func (e *Engine) Report(ctx context.Context, r FailureReport) (model.Exception, error) {
	return e.file(ctx, r, true)
}

func (e *Engine) file(ctx context.Context, r FailureReport, retry bool) (model.Exception, error) {
	if err := r.Validate(); err != nil {
		return model.Exception{}, err
	}
	if existing, ok := e.records.FindActive(r.Type, r.OrderID, r.VehicleID); ok {
		if !retry {
			return existing, nil
		}
		rec, _ := e.records.Update(existing.ID, func(x *model.Exception) { x.RetryCount++ })
		return e.attempt(ctx, rec), nil
	}

	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return model.Exception{}, fmt.Errorf("snapshot: %w", err)
	}
	var order *model.Order
	if r.OrderID != "" {
		o, ok := snap.Orders[r.OrderID]
		if !ok {
			return model.Exception{}, fmt.Errorf("order %s: %w", r.OrderID, store.ErrNotFound)
		}
		order = &o
		if r.VehicleID == "" {
			r.VehicleID = o.VehicleID
		}
	}
	if r.VehicleID != "" && r.OrderID == "" {
		if _, ok := snap.Vehicles[r.VehicleID]; !ok {
			return model.Exception{}, fmt.Errorf("vehicle %s: %w", r.VehicleID, store.ErrNotFound)
		}
	}

	now := e.now()
	sev := r.Severity
	if sev == "" {
		sev = Severity(r.Type, r.CustomerPriority == "high", e.timeSensitive(snap, order, r.VehicleID, now))
	}
	rec := model.Exception{
		ID:          newExceptionID(now),
		Type:        r.Type,
		Severity:    sev,
		OrderID:     r.OrderID,
		VehicleID:   r.VehicleID,
		Description: r.Description,
		Status:      model.ExceptionActive,
		CreatedAt:   now,
		History:     []model.RecoveryAttempt{},
	}
	if r.CustomerPriority != "" {
		rec.Context = map[string]string{"customer_priority": r.CustomerPriority}
	}
	e.records.Add(rec)
	e.publish(events.ExceptionEvent{Exception: rec, Action: "created"})
	e.log.Warnf("exception %s: %s (%s) order=%q vehicle=%q", rec.ID, rec.Type, rec.Severity, rec.OrderID, rec.VehicleID)
	return e.attempt(ctx, rec), nil
}

func newExceptionID(now time.Time) string {
	return fmt.Sprintf("EXC_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
}

// timeSensitive reports whether the order, or any order on the vehicle when
// no order is given, has priority 4 or more, a window closing within two
// hours, or a delay risk at or above the threshold.
func (e *Engine) timeSensitive(snap store.Snapshot, order *model.Order, vehicleID string, now time.Time) bool {
	e.mu.RLock()
	risk := e.risk
	e.mu.RUnlock()
	check := func(o model.Order) bool {
		if o.Priority >= 4 {
			return true
		}
		if end := o.WindowEnd(); !end.IsZero() && end.Sub(now) <= 2*time.Hour {
			return true
		}
		return risk.DelayRisk(o, now) >= e.opts.RiskThreshold
	}
	if order != nil {
		return check(*order)
	}
	if v, ok := snap.Vehicles[vehicleID]; ok {
		for _, id := range v.AssignedOrders {
			if o, ok := snap.Orders[id]; ok && !o.State.Terminal() && check(o) {
				return true
			}
		}
	}
	return false
}

// attempt runs the recovery action matching the record's retry count, then
// escalates when the record is still active and due.
func (e *Engine) attempt(ctx context.Context, rec model.Exception) model.Exception {
	action := NextAction(rec.Type, rec.RetryCount)
	rv := e.runAction(ctx, rec, action)
	now := e.now()
	rec, _ = e.records.Update(rec.ID, func(x *model.Exception) {
		x.History = append(x.History, model.RecoveryAttempt{Action: action, At: now, Outcome: rv.outcome, Detail: rv.detail})
		if rv.resolved {
			x.Status = model.ExceptionResolved
			x.ResolvedAt = now
			x.Resolution = action
		}
	})
	e.publish(events.ExceptionEvent{Exception: rec, Action: action})
	e.log.Infow("recovery attempt", map[string]any{
		"exception_id": rec.ID,
		"action":       action,
		"outcome":      rv.outcome,
		"detail":       rv.detail,
		"retry_count":  rec.RetryCount,
	})
	if rv.resolved {
		e.publish(events.ExceptionEvent{Exception: rec, Action: "resolved"})
		return rec
	}
	if e.due(rec, now) {
		if _, err := e.Escalate(ctx, rec.ID); err != nil {
			e.log.Errorf("escalate %s: %v", rec.ID, err)
		}
		rec, _ = e.records.Get(rec.ID)
	}
	return rec
}

// ShouldEscalate reports whether an active record meets its escalation
// trigger: critical severity, immediate escalation for its type, age past the
// type's limit, or retries exhausted.
func ShouldEscalate(rec model.Exception, now time.Time) bool {
	if rec.Status != model.ExceptionActive {
		return false
	}
	if rec.Severity == model.SeverityCritical {
		return true
	}
	rule := RuleFor(rec.Type)
	if rule.AutoEscalateAfter == 0 {
		return true
	}
	if now.Sub(rec.CreatedAt) > rule.AutoEscalateAfter {
		return true
	}
	return rec.RetryCount >= rule.MaxRetries
}

// due is ShouldEscalate limited to once per guard interval.
func (e *Engine) due(rec model.Exception, now time.Time) bool {
	if !ShouldEscalate(rec, now) {
		return false
	}
	return rec.EscalationLevel == 0 || now.Sub(rec.LastEscalatedAt) >= RuleFor(rec.Type).Guard()
}

// Escalation describes one forwarded record.
type Escalation struct {
	ExceptionID string `json:"exception_id"`
	Target      string `json:"escalated_to"`
	Level       int    `json:"escalation_level"`
}

func targetWorker(target string) (model.WorkerKind, bool) {
	switch target {
	case TargetSupervisor:
		return model.WorkerSupervisor, true
	case TargetRoutePlanning:
		return model.WorkerRouting, true
	}
	return model.WorkerSupervisor, false
}

// Escalate raises the record's escalation level and forwards it to the next
// target of its path. Targets outside the dispatch loop are reported through
// the supervisor and the monitor.
func (e *Engine) Escalate(_ context.Context, id string) (Escalation, error) {
	now := e.now()
	var target string
	rec, ok := e.records.Update(id, func(x *model.Exception) {
		x.EscalationLevel++
		target = RuleFor(x.Type).Target(x.EscalationLevel)
		x.EscalatedTo = target
		x.LastEscalatedAt = now
		x.History = append(x.History, model.RecoveryAttempt{Action: "escalate", At: now, Outcome: "escalated", Detail: target})
	})
	if !ok {
		return Escalation{}, fmt.Errorf("%s: %w", id, ErrUnknownException)
	}
	esc := Escalation{ExceptionID: id, Target: target, Level: rec.EscalationLevel}
	to, internal := targetWorker(target)
	priority := 4
	if rec.Severity == model.SeverityCritical {
		priority = 5
	}
	e.send(to, priority, model.ExceptionEscalated{
		ExceptionID: rec.ID, Type: rec.Type, Severity: rec.Severity, Level: rec.EscalationLevel,
		Target: target, OrderID: rec.OrderID, VehicleID: rec.VehicleID,
	})
	e.publish(events.ExceptionEvent{Exception: rec, Action: "escalated", Target: target})
	if !internal {
		level := monitoring.LevelWarning
		if rec.Severity == model.SeverityCritical {
			level = monitoring.LevelError
		}
		e.mu.RLock()
		mon := e.monitor
		e.mu.RUnlock()
		mon.CaptureMessage(fmt.Sprintf("exception %s escalated to %s", rec.ID, target), level, map[string]string{
			"exception_type": string(rec.Type),
			"severity":       string(rec.Severity),
			"target":         target,
		})
	}
	e.log.Warnf("exception %s escalated to %s (level %d)", rec.ID, target, rec.EscalationLevel)
	return esc, nil
}

// Resolve closes an active record.
func (e *Engine) Resolve(id, resolution string) error {
	now := e.now()
	already := false
	rec, ok := e.records.Update(id, func(x *model.Exception) {
		if x.Status == model.ExceptionResolved {
			already = true
			return
		}
		x.Status = model.ExceptionResolved
		x.ResolvedAt = now
		x.Resolution = resolution
	})
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownException)
	}
	if !already {
		e.publish(events.ExceptionEvent{Exception: rec, Action: "resolved"})
	}
	return nil
}

// ScanResult is the outcome of one conflict scan.
type ScanResult struct {
	Conflicts          []Conflict `json:"conflicts"`
	Critical           int        `json:"critical"`
	Exceptions         []string   `json:"exceptions,omitempty"`
	EmergencyActivated bool       `json:"emergency_activated"`
}

// Overloaded returns the ids of the overloaded vehicles found.
func (s ScanResult) Overloaded() []string {
	var out []string
	for _, c := range s.Conflicts {
		if c.Kind == KindOverload {
			out = append(out, c.VehicleID)
		}
	}
	return out
}

// Scan detects conflicts in the current state. Overloads become rebalance
// requests; missed windows become critical time window exceptions that
// escalate immediately. More critical conflicts than the threshold activate
// emergency protocols.
func (e *Engine) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	res.Conflicts = Detect(snap, e.now())
	for _, c := range res.Conflicts {
		switch c.Kind {
		case KindOverload:
			e.send(model.WorkerAssignment, 4, model.RebalanceVehicle{VehicleID: c.VehicleID, Excess: c.Excess})
		case KindViolation:
			rec, err := e.file(ctx, FailureReport{
				Type:        model.ExceptionTimeWindowViolation,
				OrderID:     c.OrderID,
				Severity:    model.SeverityCritical,
				Description: fmt.Sprintf("delivery window closed %s ago", c.Overdue.Round(time.Minute)),
			}, false)
			if err != nil {
				e.log.Errorf("file violation for %s: %v", c.OrderID, err)
				continue
			}
			res.Exceptions = append(res.Exceptions, rec.ID)
		}
	}
	res.Critical = Critical(res.Conflicts)
	if res.Critical > e.opts.EmergencyThreshold {
		res.EmergencyActivated = e.ActivateEmergency(fmt.Sprintf("%d critical conflicts", res.Critical), res.Critical)
	}
	if len(res.Conflicts) > 0 {
		e.log.Infof("conflict scan: %d conflicts, %d critical", len(res.Conflicts), res.Critical)
	}
	return res, nil
}

// ActivateEmergency sets the emergency flag and broadcasts the directive. It
// returns false when protocols were already active.
func (e *Engine) ActivateEmergency(reason string, critical int) bool {
	actions := append([]string(nil), EmergencyActions...)
	if !e.emergency.Activate(reason, actions) {
		return false
	}
	e.outbox.Send(model.NewMessage(model.WorkerExceptions, "", 5, model.EmergencyDirective{Active: true, Reason: reason, Actions: actions}))
	e.publish(events.EmergencyEvent{Active: true, Reason: reason, CriticalConflicts: critical, Actions: actions})
	e.mu.RLock()
	mon := e.monitor
	e.mu.RUnlock()
	mon.CaptureMessage("emergency protocols activated: "+reason, monitoring.LevelError, map[string]string{
		"critical_conflicts": fmt.Sprint(critical),
	})
	e.log.Errorf("emergency protocols activated: %s", reason)
	return true
}

// DeactivateEmergency lifts emergency protocols. It returns false when they
// were not active.
func (e *Engine) DeactivateEmergency(reason string) bool {
	if !e.emergency.Deactivate() {
		return false
	}
	e.outbox.Send(model.NewMessage(model.WorkerExceptions, "", 5, model.EmergencyDirective{Active: false, Reason: reason}))
	e.publish(events.EmergencyEvent{Active: false, Reason: reason})
	e.log.Infof("emergency protocols lifted: %s", reason)
	return true
}

// SweepResult reports what a monitor sweep changed.
type SweepResult struct {
	Escalated []Escalation `json:"escalated"`
	Resolved  []string     `json:"resolved"`
	Archived  int          `json:"archived"`
}

// Sweep resolves records whose order completed, escalates records whose
// trigger fired, and archives resolved records past the retention window.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	now := e.now()
	for _, rec := range e.records.List() {
		if rec.Status != model.ExceptionActive {
			continue
		}
		if o, ok := snap.Orders[rec.OrderID]; ok && settled(rec, o) {
			if err := e.Resolve(rec.ID, "order "+string(o.State)); err == nil {
				res.Resolved = append(res.Resolved, rec.ID)
			}
			continue
		}
		if e.due(rec, now) {
			esc, err := e.Escalate(ctx, rec.ID)
			if err != nil {
				e.log.Errorf("escalate %s: %v", rec.ID, err)
				continue
			}
			res.Escalated = append(res.Escalated, esc)
		}
	}
	for _, rec := range e.records.Archive(now.Add(-e.opts.Retention)) {
		e.publish(events.ExceptionEvent{Exception: rec, Action: "archived"})
		res.Archived++
	}
	return res, nil
}

// settled reports whether the order state makes the record moot: a missed
// window is settled once the order is terminal, anything else once delivered.
func settled(rec model.Exception, o model.Order) bool {
	if rec.Type == model.ExceptionTimeWindowViolation {
		return o.State.Terminal()
	}
	return o.State == model.OrderDelivered
}

// Review summarises the active records.
type Review struct {
	Active     int                         `json:"total_active"`
	Resolved   int                         `json:"resolved_pending_archive"`
	Archived   int                         `json:"archived"`
	BySeverity map[model.Severity]int      `json:"by_severity"`
	ByType     map[model.ExceptionType]int `json:"by_type"`
	// Overdue lists records whose trigger fired but were never escalated.
	Overdue   []string `json:"overdue_escalations"`
	Emergency bool     `json:"emergency_protocols_active"`
}

// Review returns counts of active records by severity and type.
func (e *Engine) Review() Review {
	now := e.now()
	rv := Review{
		BySeverity: map[model.Severity]int{},
		ByType:     map[model.ExceptionType]int{},
		Archived:   len(e.records.History()),
		Emergency:  e.emergency.Active(),
	}
	for _, rec := range e.records.List() {
		if rec.Status != model.ExceptionActive {
			rv.Resolved++
			continue
		}
		rv.Active++
		rv.BySeverity[rec.Severity]++
		rv.ByType[rec.Type]++
		if rec.EscalationLevel == 0 && ShouldEscalate(rec, now) {
			rv.Overdue = append(rv.Overdue, rec.ID)
		}
	}
	return rv
}

// Process handles the task's Failed orders as delivery failures and requests
// rebalancing for the task's overloaded vehicles. A task naming nothing runs
// a monitor sweep.
func (e *Engine) Process(ctx context.Context, t worker.Task) (worker.Result, error) {
	res := worker.Result{Worker: model.WorkerExceptions, Action: "handle_exceptions"}
	if len(t.OrderIDs) == 0 && len(t.VehicleIDs) == 0 {
		res.Action = "sweep"
		sw, err := e.Sweep(ctx)
		if err != nil {
			return res, err
		}
		for _, esc := range sw.Escalated {
			res.Processed = append(res.Processed, esc.ExceptionID)
		}
		return res, nil
	}
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	for _, vid := range t.VehicleIDs {
		v, ok := snap.Vehicles[vid]
		if !ok || !v.Overloaded() {
			res.Skipped = append(res.Skipped, vid)
			continue
		}
		e.send(model.WorkerAssignment, 4, model.RebalanceVehicle{VehicleID: vid, Excess: len(v.AssignedOrders) - v.MaxOrders})
		res.Processed = append(res.Processed, vid)
	}
	for _, id := range t.OrderIDs {
		o, ok := snap.Orders[id]
		if !ok || o.State != model.OrderFailed {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if _, err := e.Report(ctx, FailureReport{
			Type: model.ExceptionDeliveryFailure, OrderID: id, Description: "order failed",
		}); err != nil {
			e.log.Errorf("report failed order %s: %v", id, err)
			res.Skipped = append(res.Skipped, id)
			continue
		}
		res.Processed = append(res.Processed, id)
	}
	return res, nil
}

func (e *Engine) HandleMessage(ctx context.Context, msg model.Message) error {
	var r FailureReport
	retry := true
	switch p := msg.Payload.(type) {
	case model.DeliveryFailed:
		r = FailureReport{Type: model.ExceptionDeliveryFailure, OrderID: p.OrderID, VehicleID: p.VehicleID, Description: p.Reason}
	case model.VehicleBreakdown:
		r = FailureReport{Type: model.ExceptionVehicleBreakdown, VehicleID: p.VehicleID, Description: p.Description}
	case model.TrafficAlert:
		cause := p.Cause
		if cause == "" {
			cause = model.ExceptionTrafficDelay
		}
		r = FailureReport{
			Type: cause, VehicleID: p.VehicleID,
			Description: fmt.Sprintf("route %s delayed by %.0f minutes", p.RouteID, p.DelayMinutes),
		}
	case model.CriticalDeadline:
		r = FailureReport{
			Type: model.ExceptionTimeWindowViolation, OrderID: p.OrderID, Severity: model.SeverityCritical,
			Description: "critical deadline " + p.Deadline.Format(time.RFC3339),
		}
		retry = false
	case model.EmergencyActivation:
		e.ActivateEmergency(p.Reason, p.CriticalConflicts)
		return nil
	default:
		return nil
	}
	_, err := e.file(ctx, r, retry)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrInvalidReport) {
		e.log.Warnf("%s from %s ignored: %v", msg.Kind(), msg.Sender, err)
		return nil
	}
	return err
}
