package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/kilianp07/fleetdispatch/config"
	"github.com/kilianp07/fleetdispatch/core/assignment"
	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/dispatch"
	"github.com/kilianp07/fleetdispatch/core/dispatch/logging"
	"github.com/kilianp07/fleetdispatch/core/intake"
	coremetrics "github.com/kilianp07/fleetdispatch/core/metrics"
	"github.com/kilianp07/fleetdispatch/core/model"
	coremon "github.com/kilianp07/fleetdispatch/core/monitoring"
	"github.com/kilianp07/fleetdispatch/core/prediction"
	"github.com/kilianp07/fleetdispatch/core/routing"
	"github.com/kilianp07/fleetdispatch/core/status"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/supervisor"
	"github.com/kilianp07/fleetdispatch/core/traffic"
	"github.com/kilianp07/fleetdispatch/core/worker"
	"github.com/kilianp07/fleetdispatch/infra/logger"
	"github.com/kilianp07/fleetdispatch/infra/metrics"
	"github.com/kilianp07/fleetdispatch/infra/monitoring"
	_ "github.com/kilianp07/fleetdispatch/infra/redisstore" // registers the redis store backend
	"github.com/kilianp07/fleetdispatch/internal/eventbus"
)

// ErrConfirmRequired is returned by ClearAllData without confirmation.
var ErrConfirmRequired = errors.New("confirm must be set to clear all data")

// sampleFleet is the demo fleet placed around New York.
var sampleFleet = []model.Vehicle{
	{ID: "VEH_001", DriverID: "DRV_001", Type: "van", CapacityKg: 500, CapacityM3: 3, MaxOrders: 8,
		Location: model.Location{Lat: 40.7580, Lon: -73.9855}},
	{ID: "VEH_002", DriverID: "DRV_002", Type: "truck", CapacityKg: 1000, CapacityM3: 8, MaxOrders: 12,
		Location: model.Location{Lat: 40.7829, Lon: -73.9654}},
	{ID: "VEH_003", DriverID: "DRV_003", Type: "van", CapacityKg: 500, CapacityM3: 3, MaxOrders: 8,
		Location: model.Location{Lat: 40.7061, Lon: -73.9969}},
}

// Options overrides parts of the wiring, mainly for tests.
type Options struct {
	Store   store.Store
	Logger  logger.Logger
	Monitor coremon.Monitor
	Weather traffic.WeatherProvider
	Risk    prediction.RiskEngine
	Clock   func() time.Time
}

// System is the in-process API of the dispatch service. Every boundary
// operation of the service goes through it.
type System struct {
	cfg        *config.Config
	log        logger.Logger
	store      store.Store
	queue      *worker.Queue
	emergency  *worker.Emergency
	intake     *intake.Worker
	assign     *assignment.Engine
	planner    *routing.Planner
	exceptions *conflict.Engine
	traffic    *traffic.Monitor
	supervisor *supervisor.Supervisor
	dispatcher *dispatch.Dispatcher
	bus        *eventbus.TypedBus[eventbus.Event]
	sink       coremetrics.MetricsSink
	monitor    coremon.Monitor
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	running atomic.Bool
	started time.Time
}

// NewSystem wires the store, the workers and the dispatcher from cfg.
func NewSystem(cfg *config.Config, opts Options) (*System, error) {
	if cfg == nil {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	log := opts.Logger
	if log == nil {
		log = logger.New("system")
	}
	st := opts.Store
	if st == nil {
		var err error
		if st, err = store.New(cfg.Store); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	mon := opts.Monitor
	if mon == nil {
		var err error
		if mon, err = monitoring.NewSentryMonitor(cfg.Sentry); err != nil {
			return nil, fmt.Errorf("sentry: %w", err)
		}
	}
	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	logs, err := logging.Open(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("cycle log: %w", err)
	}
	aStrategy, err := assignment.NewStrategy(cfg.Dispatch.AssignmentStrategy)
	if err != nil {
		return nil, err
	}
	rStrategy, err := routing.NewStrategy(cfg.Dispatch.RoutingStrategy, cfg.Dispatch.GeneticConf())
	if err != nil {
		return nil, err
	}
	weather := opts.Weather
	if weather == nil {
		weather = traffic.Static{Condition: traffic.Clear}
	}
	risk := opts.Risk
	if risk == nil {
		risk = prediction.NewWindowRisk()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	s := &System{
		cfg:       cfg,
		log:       log,
		store:     st,
		queue:     worker.NewQueue(),
		emergency: worker.NewEmergency(),
		bus:       eventbus.New(),
		sink:      sink,
		monitor:   mon,
		now:       now,
	}
	s.intake = intake.New(st, s.queue, s.emergency, logger.New("intake"))
	s.intake.SetClock(now)
	s.assign = assignment.New(st, s.queue, logger.New("assignment"), aStrategy)
	s.assign.SetMetrics(sink)
	s.planner = routing.NewPlanner(st, s.queue, logger.New("route-planner"), rStrategy)
	s.planner.SetClock(now)
	s.planner.SetEventBus(s.bus)
	s.exceptions = conflict.New(st, s.queue, s.emergency, logger.New("exceptions"), cfg.Exceptions.Options(cfg.Dispatch.EmergencyThreshold))
	s.exceptions.SetClock(now)
	s.exceptions.SetRiskEngine(risk)
	s.exceptions.SetMonitor(mon)
	s.exceptions.SetEventBus(s.bus)
	s.traffic = traffic.New(st, s.queue, logger.New("traffic"), weather)
	s.traffic.SetClock(now)
	s.supervisor = supervisor.New(st, logger.New("supervisor"), supervisor.DefaultKeep)
	s.supervisor.SetClock(now)

	d, err := dispatch.New(st, s.queue, cfg.Dispatch, logger.New("dispatcher"),
		s.intake, s.assign, s.planner, s.exceptions, s.traffic, s.supervisor)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	d.SetClock(now)
	d.SetScanner(s.exceptions)
	d.SetMetrics(sink)
	d.SetEventBus(s.bus)
	d.SetLogStore(logs)
	d.SetMonitor(mon)
	d.SetEmergency(s.emergency)
	s.dispatcher = d
	return s, nil
}

// Start seeds the sample fleet when configured and starts the metrics
// event collector. Calling Start twice is a no-op.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		s.log.Warnf("system already running")
		return nil
	}
	if s.cfg.Fleet.SeedSample {
		if _, err := s.SeedFleet(ctx); err != nil {
			return fmt.Errorf("seed fleet: %w", err)
		}
	}
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	metrics.StartEventCollector(cctx, s.bus, s.sink)
	s.started = s.now()
	s.running.Store(true)
	s.log.Infof("logistics system started")
	return nil
}

// Stop releases every resource held by the system.
func (s *System) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running.Store(false)
	var errs []error
	if err := s.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cycle log: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	s.bus.Close()
	s.monitor.Flush(2 * time.Second)
	return errors.Join(errs...)
}

// Running reports whether Start was called without a later Stop.
func (s *System) Running() bool { return s.running.Load() }

// Bus exposes the event bus for outbound bridges.
func (s *System) Bus() eventbus.EventBus { return s.bus }

// Dispatcher returns the orchestrator.
func (s *System) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// SeedFleet adds the sample vehicles that are not registered yet and
// returns the ones it created.
func (s *System) SeedFleet(ctx context.Context) ([]model.Vehicle, error) {
	var created []model.Vehicle
	for _, v := range sampleFleet {
		if _, err := s.store.Vehicle(ctx, v.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return created, err
		}
		v := v.Clone()
		v.ApplyDefaults()
		v.UpdatedAt = s.now()
		if err := s.store.UpsertVehicle(ctx, v); err != nil {
			return created, err
		}
		created = append(created, v)
	}
	if len(created) > 0 {
		s.log.Infof("seeded %d sample vehicles", len(created))
	}
	return created, nil
}

// RegisterVehicle validates and stores a vehicle, applying defaults.
func (s *System) RegisterVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	v.ApplyDefaults()
	if err := v.Validate(); err != nil {
		return v, err
	}
	v.UpdatedAt = s.now()
	return v, s.store.UpsertVehicle(ctx, v)
}

// UpdateVehicle applies a field patch to a registered vehicle.
func (s *System) UpdateVehicle(ctx context.Context, id string, p store.VehiclePatch) (model.Vehicle, error) {
	if p.Location != nil {
		if err := p.Location.Validate(); err != nil {
			return model.Vehicle{}, err
		}
	}
	if err := s.store.UpdateVehicleFields(ctx, id, p); err != nil {
		return model.Vehicle{}, err
	}
	return s.store.Vehicle(ctx, id)
}

// UpdateOrderStatus records delivery progress. A delivered order leaves its
// vehicle's queue; a failed one stays paired so the next cycle can recover it.
func (s *System) UpdateOrderStatus(ctx context.Context, id string, to model.OrderState) (model.Order, error) {
	o, err := s.store.SetOrderStatus(ctx, id, to)
	if err != nil {
		return model.Order{}, err
	}
	s.log.Infow("order status updated", map[string]any{"order": id, "state": string(to), "vehicle": o.VehicleID})
	return o, nil
}

// SubmitOrders validates each submission and reports per-item outcomes.
func (s *System) SubmitOrders(ctx context.Context, subs ...intake.Submission) []intake.Outcome {
	return s.intake.Submit(ctx, subs...)
}

// RunCycle runs one dispatcher cycle.
func (s *System) RunCycle(ctx context.Context) (dispatch.CycleResult, error) {
	return s.dispatcher.RunCycle(ctx)
}

// Status builds the status projection.
func (s *System) Status(ctx context.Context) (status.Report, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return status.Report{}, err
	}
	return status.Build(snap, s.exceptions.Review(), s.emergency, s.now()), nil
}

// TriggerEmergency activates emergency protocols by hand. It reports false
// when they were already active.
func (s *System) TriggerEmergency(reason string) bool {
	if reason == "" {
		reason = "manual_trigger"
	}
	return s.exceptions.ActivateEmergency(reason, 0)
}

// DeactivateEmergency lifts emergency protocols. It reports false when they
// were not active.
func (s *System) DeactivateEmergency(reason string) bool {
	if reason == "" {
		reason = "manual_reset"
	}
	return s.exceptions.DeactivateEmergency(reason)
}

// ReportFailure files an external failure report.
func (s *System) ReportFailure(ctx context.Context, r conflict.FailureReport) (model.Exception, error) {
	return s.exceptions.Report(ctx, r)
}

// SimulateDeliveryFailure files a delivery failure for orderID.
func (s *System) SimulateDeliveryFailure(ctx context.Context, orderID, reason string) (model.Exception, error) {
	if reason == "" {
		reason = string(model.ExceptionCustomerUnavailable)
	}
	return s.ReportFailure(ctx, conflict.FailureReport{
		Type:        model.ExceptionDeliveryFailure,
		OrderID:     orderID,
		Description: "simulated delivery failure: " + reason,
	})
}

// Exceptions lists active and recently resolved exception records.
func (s *System) Exceptions() []model.Exception { return s.exceptions.Exceptions() }

// ClearAllData wipes the store and every in-memory tracker. With the sample
// fleet enabled, the fleet is seeded again.
func (s *System) ClearAllData(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrConfirmRequired
	}
	if err := s.store.ClearAll(ctx); err != nil {
		return err
	}
	s.queue.Reset()
	s.exceptions.Reset()
	s.traffic.Reset()
	s.supervisor.Reset()
	s.dispatcher.Reset()
	s.emergency.Deactivate()
	s.log.Warnf("all system data cleared")
	if s.cfg.Fleet.SeedSample {
		if _, err := s.SeedFleet(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Orders returns all orders sorted by id, optionally filtered by state.
func (s *System) Orders(ctx context.Context, state model.OrderState) ([]model.Order, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	all := store.SortedOrders(snap.Orders)
	if state == "" {
		return all, nil
	}
	out := all[:0]
	for _, o := range all {
		if o.State == state {
			out = append(out, o)
		}
	}
	return out, nil
}

// Vehicles returns all vehicles sorted by id.
func (s *System) Vehicles(ctx context.Context) ([]model.Vehicle, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return store.SortedVehicles(snap.Vehicles), nil
}

// Routes returns the latest route of every vehicle, sorted by vehicle id.
func (s *System) Routes(ctx context.Context) ([]model.Route, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Route, 0, len(snap.Routes))
	for _, r := range snap.Routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out, nil
}

// CycleLog queries the cycle log.
func (s *System) CycleLog(ctx context.Context, q logging.LogQuery) ([]logging.CycleRecord, error) {
	return s.dispatcher.Cycles(ctx, q)
}

// SaveSnapshot persists the whole store snapshot.
func (s *System) SaveSnapshot(ctx context.Context) error {
	return s.store.SaveSnapshot(ctx)
}

// Restore reloads the last saved snapshot. It reports false when none was
// saved.
func (s *System) Restore(ctx context.Context) (bool, error) {
	snap, ok, err := s.store.LoadSnapshot(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := s.store.Restore(ctx, snap); err != nil {
		return false, err
	}
	s.log.Infof("restored snapshot taken at %s", snap.TakenAt.Format(time.RFC3339))
	return true, nil
}

// Monitor runs the periodic pass: exception sweep, route checks and the
// supervisor analysis.
func (s *System) Monitor(ctx context.Context) error {
	var errs []error
	sw, err := s.exceptions.Sweep(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("exception sweep: %w", err))
	} else if len(sw.Escalated) > 0 {
		s.log.Infof("monitor escalated %d exceptions", len(sw.Escalated))
	}
	if _, err := s.traffic.Process(ctx, worker.Task{Now: s.now()}); err != nil {
		errs = append(errs, fmt.Errorf("route monitor: %w", err))
	}
	if _, err := s.supervisor.Analyze(ctx); err != nil {
		errs = append(errs, fmt.Errorf("analysis: %w", err))
	}
	return errors.Join(errs...)
}

// Analysis returns the latest supervisor analysis.
func (s *System) Analysis() (supervisor.Analysis, bool) { return s.supervisor.Latest() }

// Uptime returns the time since Start.
func (s *System) Uptime() time.Duration {
	if !s.running.Load() {
		return 0
	}
	return s.now().Sub(s.started)
}
