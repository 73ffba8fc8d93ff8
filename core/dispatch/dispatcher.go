// Package dispatch drives the dispatch cycle: it drains the inter-worker
// message queue, decides which worker runs next from a store snapshot and
// stops on an empty decision, the step ceiling or the run timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/dispatch/logging"
	"github.com/kilianp07/fleetdispatch/core/events"
	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/metrics"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/monitoring"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
	"github.com/kilianp07/fleetdispatch/internal/eventbus"
)

// Run outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeStepCeiling = "step_ceiling"
	OutcomeTimeout     = "timeout"
	OutcomeCancelled   = "cancelled"
)

// ErrWorkerPanic wraps a panic recovered from a worker call.
var ErrWorkerPanic = errors.New("worker panic")

// Scanner runs conflict detection over the whole fleet.
type Scanner interface {
	Scan(ctx context.Context) (conflict.ScanResult, error)
}

// reviewer is implemented by scanners able to count active exceptions.
type reviewer interface {
	Review() conflict.Review
}

// CycleResult describes one run. It is a value: a run that hits the step
// ceiling or the timeout is reported here rather than as an error.
type CycleResult struct {
	RunID             string        `json:"run_id"`
	Outcome           string        `json:"outcome"`
	Steps             int           `json:"steps"`
	Decisions         []Decision    `json:"decisions"`
	FailedAssignments []string      `json:"failed_assignments,omitempty"`
	WorkerErrors      []string      `json:"worker_errors,omitempty"`
	NoVehicleAttempts int           `json:"no_vehicle_attempts"`
	Conflicts         int           `json:"conflicts"`
	Started           time.Time     `json:"started"`
	Duration          time.Duration `json:"duration"`
}

// Completed reports whether the run ended on the "no further work" branch.
func (r CycleResult) Completed() bool { return r.Outcome == OutcomeCompleted }

// Counts returns how many steps each decision took.
func (r CycleResult) Counts() map[string]int {
	out := map[string]int{}
	for _, d := range r.Decisions {
		out[string(d)]++
	}
	return out
}

// Record converts the result for the cycle log.
func (r CycleResult) Record() logging.CycleRecord {
	rec := logging.CycleRecord{
		RunID:             r.RunID,
		Timestamp:         r.Started,
		Outcome:           r.Outcome,
		Steps:             r.Steps,
		DurationMs:        r.Duration.Milliseconds(),
		DecisionCounts:    r.Counts(),
		FailedAssignments: r.FailedAssignments,
		WorkerErrors:      r.WorkerErrors,
	}
	for _, d := range r.Decisions {
		rec.Decisions = append(rec.Decisions, string(d))
	}
	return rec
}

// Dispatcher is the orchestrator. RunCycle calls are serialised; the store
// may be used concurrently by other callers while a run is in flight.
type Dispatcher struct {
	store   store.Store
	queue   *worker.Queue
	workers map[model.WorkerKind]worker.Worker
	kinds   []model.WorkerKind
	cfg     Config
	log     logger.Logger
	now     func() time.Time

	runMu sync.Mutex

	mu        sync.RWMutex
	scanner   Scanner
	sink      metrics.MetricsSink
	bus       eventbus.EventBus
	logs      logging.LogStore
	monitor   monitoring.Monitor
	emergency *worker.Emergency
	status    map[model.WorkerKind]model.WorkerStatus
	last      *CycleResult
}

// New creates a dispatcher over the given workers. queue must be the outbox
// the workers were built with.
func New(st store.Store, q *worker.Queue, cfg Config, log logger.Logger, workers ...worker.Worker) (*Dispatcher, error) {
	if st == nil || q == nil {
		return nil, fmt.Errorf("dispatch: nil store or queue")
	}
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	d := &Dispatcher{
		store:   st,
		queue:   q,
		workers: map[model.WorkerKind]worker.Worker{},
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		sink:    metrics.NopSink{},
		logs:    logging.NopStore{},
		monitor: monitoring.NopMonitor{},
		status:  map[model.WorkerKind]model.WorkerStatus{},
	}
	for _, w := range workers {
		if w == nil {
			return nil, fmt.Errorf("dispatch: nil worker")
		}
		k := w.Kind()
		if _, dup := d.workers[k]; dup {
			return nil, fmt.Errorf("dispatch: duplicate worker %s", k)
		}
		d.workers[k] = w
		d.kinds = append(d.kinds, k)
	}
	slices.Sort(d.kinds)
	return d, nil
}

// SetClock overrides the wall clock.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// SetScanner configures the conflict scan run at the start of every cycle.
func (d *Dispatcher) SetScanner(s Scanner) {
	d.mu.Lock()
	d.scanner = s
	d.mu.Unlock()
}

// SetMetrics configures the metrics sink.
func (d *Dispatcher) SetMetrics(sink metrics.MetricsSink) {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

// SetEventBus configures the bus CycleEvents are published on.
func (d *Dispatcher) SetEventBus(bus eventbus.EventBus) {
	d.mu.Lock()
	d.bus = bus
	d.mu.Unlock()
}

// SetLogStore configures the store used to persist cycle records.
func (d *Dispatcher) SetLogStore(s logging.LogStore) {
	if s == nil {
		s = logging.NopStore{}
	}
	d.mu.Lock()
	d.logs = s
	d.mu.Unlock()
}

// SetMonitor configures where worker errors are reported.
func (d *Dispatcher) SetMonitor(m monitoring.Monitor) {
	if m == nil {
		m = monitoring.NopMonitor{}
	}
	d.mu.Lock()
	d.monitor = m
	d.mu.Unlock()
}

// SetEmergency configures the flag reported in fleet metrics.
func (d *Dispatcher) SetEmergency(e *worker.Emergency) {
	d.mu.Lock()
	d.emergency = e
	d.mu.Unlock()
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// Worker returns the registered worker of kind k.
func (d *Dispatcher) Worker(k model.WorkerKind) (worker.Worker, bool) {
	w, ok := d.workers[k]
	return w, ok
}

// Last returns the result of the previous run.
func (d *Dispatcher) Last() (CycleResult, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return CycleResult{}, false
	}
	return *d.last, true
}

// WorkerStatus returns the last-run status of every worker invoked so far.
func (d *Dispatcher) WorkerStatus() map[model.WorkerKind]model.WorkerStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[model.WorkerKind]model.WorkerStatus, len(d.status))
	for k, v := range d.status {
		out[k] = v
	}
	return out
}

// Cycles queries the cycle log.
func (d *Dispatcher) Cycles(ctx context.Context, q logging.LogQuery) ([]logging.CycleRecord, error) {
	d.mu.RLock()
	logs := d.logs
	d.mu.RUnlock()
	return logs.Query(ctx, q)
}

// Reset forgets per-worker status and the last result.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.status = map[model.WorkerKind]model.WorkerStatus{}
	d.last = nil
	d.mu.Unlock()
}

// Close releases the cycle log.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	logs := d.logs
	d.logs = logging.NopStore{}
	d.mu.Unlock()
	return logs.Close()
}

// RunCycle runs the dispatch loop until no work is left, the step ceiling is
// passed or the run times out. Tracking sets are scoped to the call.
//
//gocyclo:ignore
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout())
	defer cancel()

	res := CycleResult{RunID: uuid.NewString(), Started: d.now()}
	start := time.Now()
	rs := newRunState()
	lim := limits{soft: d.cfg.SoftStepThreshold, noVehicleLimit: d.cfg.NoVehicleLimit}

	d.scan(ctx, rs, &res)

	for {
		if err := ctx.Err(); err != nil {
			res.Outcome = outcomeFor(err)
			break
		}
		res.Steps++
		if res.Steps > d.cfg.StepCeiling {
			res.Steps = d.cfg.StepCeiling
			res.Outcome = OutcomeStepCeiling
			d.log.Warnf("run %s reached the step ceiling (%d)", res.RunID, d.cfg.StepCeiling)
			d.flushRebalances(ctx, &res)
			break
		}
		for _, msg := range d.queue.Drain() {
			d.deliver(ctx, msg, &res)
		}
		snap, err := d.store.Snapshot(ctx)
		if err != nil {
			// a store read failure is treated like a worker error: no progress
			res.WorkerErrors = append(res.WorkerErrors, fmt.Sprintf("store: %v", err))
			d.log.Errorf("run %s step %d: snapshot: %v", res.RunID, res.Steps, err)
			continue
		}
		p := rs.decide(snap, res.Steps, lim, d.queue.Len())
		res.Decisions = append(res.Decisions, p.decision)
		decisionsTotal.WithLabelValues(string(p.decision)).Inc()
		d.log.Debugw("dispatch decision", map[string]any{
			"run_id": res.RunID, "step": res.Steps, "decision": string(p.decision),
			"orders": len(p.orders), "vehicles": len(p.vehicles),
		})
		if p.decision == DecideEnd {
			res.Outcome = OutcomeCompleted
			break
		}
		kind, ok := p.decision.Worker()
		if !ok {
			continue
		}
		rs.mark(p)
		w, ok := d.workers[kind]
		if !ok {
			d.log.Warnf("run %s: no %s worker registered", res.RunID, kind)
			if p.decision == DecideAssignment {
				rs.failedAssignment.add(p.orders...)
				rs.newlyFailed = append(rs.newlyFailed, p.orders...)
			}
			continue
		}
		task := worker.Task{RunID: res.RunID, Step: res.Steps, OrderIDs: p.orders, VehicleIDs: p.vehicles, Now: d.now()}
		out, err := d.invoke(ctx, w, task)
		d.recordStatus(ctx, kind, out, err)
		if err != nil {
			d.workerError(kind, p.decision, res.RunID, err, &res)
		}
		if p.decision == DecideAssignment {
			switch {
			case err != nil:
				rs.failedAssignment.add(p.orders...)
				rs.newlyFailed = append(rs.newlyFailed, p.orders...)
			case out.NoVehicles:
				rs.noVehicleAttempts++
			default:
				rs.failedAssignment.add(out.Skipped...)
				rs.newlyFailed = append(rs.newlyFailed, out.Skipped...)
			}
		}
	}

	res.FailedAssignments = rs.newlyFailed
	res.NoVehicleAttempts = rs.noVehicleAttempts
	res.Duration = time.Since(start)
	d.finish(context.WithoutCancel(ctx), res)
	return res, nil
}

func outcomeFor(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeCancelled
}

func (d *Dispatcher) scan(ctx context.Context, rs *runState, res *CycleResult) {
	d.mu.RLock()
	sc := d.scanner
	d.mu.RUnlock()
	if sc == nil {
		return
	}
	sr, err := sc.Scan(ctx)
	if err != nil {
		res.WorkerErrors = append(res.WorkerErrors, fmt.Sprintf("scan: %v", err))
		d.log.Errorf("run %s: conflict scan: %v", res.RunID, err)
		return
	}
	res.Conflicts = len(sr.Conflicts)
	// the scan already requested a rebalance for these
	rs.rebalanced.add(sr.Overloaded()...)
	if sr.EmergencyActivated {
		d.log.Warnf("run %s: emergency protocols activated (%d critical conflicts)", res.RunID, sr.Critical)
	}
}

// invoke runs one worker step, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, w worker.Worker, t worker.Task) (res worker.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return w.Process(ctx, t)
}

func (d *Dispatcher) handle(ctx context.Context, w worker.Worker, msg model.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return w.HandleMessage(ctx, msg)
}

// flushRebalances delivers queued rebalance requests once so an overloaded
// vehicle is not left waiting for the next run. Other messages stay queued.
func (d *Dispatcher) flushRebalances(ctx context.Context, res *CycleResult) {
	var rebalances []model.Message
	for _, msg := range d.queue.Drain() {
		if _, ok := msg.Payload.(model.RebalanceVehicle); ok {
			rebalances = append(rebalances, msg)
			continue
		}
		d.queue.Send(msg)
	}
	for _, msg := range rebalances {
		d.deliver(ctx, msg, res)
	}
}

// deliver hands msg to its recipient, or to every worker but the sender when
// it is a broadcast.
func (d *Dispatcher) deliver(ctx context.Context, msg model.Message, res *CycleResult) {
	var targets []model.WorkerKind
	if msg.Broadcast() {
		for _, k := range d.kinds {
			if k != msg.Sender {
				targets = append(targets, k)
			}
		}
	} else {
		if _, ok := d.workers[msg.Recipient]; !ok {
			d.log.Debugf("dropping %s for unregistered worker %s", msg.Kind(), msg.Recipient)
			return
		}
		targets = []model.WorkerKind{msg.Recipient}
	}
	for _, k := range targets {
		if err := d.handle(ctx, d.workers[k], msg); err != nil {
			d.workerError(k, Decision("message:"+string(msg.Kind())), res.RunID, err, res)
		}
	}
}

func (d *Dispatcher) workerError(kind model.WorkerKind, dec Decision, runID string, err error, res *CycleResult) {
	res.WorkerErrors = append(res.WorkerErrors, fmt.Sprintf("%s: %v", kind, err))
	workerErrors.WithLabelValues(string(kind)).Inc()
	d.log.Errorf("run %s: worker %s failed on %s: %v", runID, kind, dec, err)
	d.mu.RLock()
	mon := d.monitor
	d.mu.RUnlock()
	mon.CaptureException(err, map[string]string{
		"worker":   string(kind),
		"decision": string(dec),
		"run_id":   runID,
	})
}

func (d *Dispatcher) recordStatus(ctx context.Context, kind model.WorkerKind, out worker.Result, err error) {
	d.mu.Lock()
	st := d.status[kind]
	st.Name = kind
	st.LastRun = d.now()
	st.LastAction = out.Action
	st.Runs++
	st.State = model.WorkerIdle
	st.LastError = ""
	if err != nil {
		st.State = model.WorkerErrored
		st.LastError = err.Error()
		st.Errors++
	}
	d.status[kind] = st
	d.mu.Unlock()
	if err := d.store.SetWorkerStatus(ctx, st); err != nil {
		d.log.Warnf("store status of %s: %v", kind, err)
	}
}

// finish persists, logs and reports a finished run.
func (d *Dispatcher) finish(ctx context.Context, res CycleResult) {
	d.mu.Lock()
	d.last = &res
	sink, bus, logs, sc, em := d.sink, d.bus, d.logs, d.scanner, d.emergency
	d.mu.Unlock()

	cyclesTotal.WithLabelValues(res.Outcome).Inc()
	cycleDuration.WithLabelValues(res.Outcome).Observe(res.Duration.Seconds())
	cycleSteps.Observe(float64(res.Steps))
	failedAssignments.Add(float64(len(res.FailedAssignments)))

	if err := d.store.SaveSnapshot(ctx); err != nil {
		d.log.Warnf("save snapshot: %v", err)
	}
	if err := logs.Append(ctx, res.Record()); err != nil {
		d.log.Warnf("append cycle record: %v", err)
	}
	if err := sink.RecordCycle(metrics.CycleEvent{
		RunID: res.RunID, Outcome: res.Outcome, Steps: res.Steps, Duration: res.Duration,
		Decisions: res.Counts(), FailedAssignments: len(res.FailedAssignments),
		WorkerErrors: len(res.WorkerErrors), Time: res.Started,
	}); err != nil {
		d.log.Warnf("record cycle: %v", err)
	}
	if snap, err := d.store.Snapshot(ctx); err == nil {
		ev := metrics.FleetEvent{Orders: map[string]int{}, Vehicles: map[string]int{}, Time: d.now()}
		for _, o := range snap.Orders {
			ev.Orders[string(o.State)]++
		}
		for _, v := range snap.Vehicles {
			ev.Vehicles[string(v.State)]++
		}
		if rv, ok := sc.(reviewer); ok {
			ev.ActiveExceptions = rv.Review().Active
		}
		ev.Emergency = em != nil && em.Active()
		if err := metrics.Fleet(sink, ev); err != nil {
			d.log.Warnf("record fleet: %v", err)
		}
	}
	if bus != nil {
		bus.Publish(events.CycleEvent{
			RunID: res.RunID, Outcome: res.Outcome, Steps: res.Steps,
			FailedAssignments: res.FailedAssignments, WorkerErrors: len(res.WorkerErrors),
			Duration: res.Duration,
		})
	}
	d.log.Infow("dispatch cycle finished", map[string]any{
		"run_id":             res.RunID,
		"outcome":            res.Outcome,
		"steps":              res.Steps,
		"failed_assignments": len(res.FailedAssignments),
		"worker_errors":      len(res.WorkerErrors),
		"duration_ms":        res.Duration.Milliseconds(),
	})
}
