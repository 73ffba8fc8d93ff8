package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetdispatch/core/events"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/monitoring"
	"github.com/kilianp07/fleetdispatch/core/prediction"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
	"github.com/kilianp07/fleetdispatch/infra/logger"
	"github.com/kilianp07/fleetdispatch/internal/eventbus"
)

var (
	nyc   = model.Location{Lat: 40.7128, Lon: -74.0060}
	clock = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
)

func order(id string, prio int) model.Order {
	return model.Order{
		ID: id, CustomerID: "c", Priority: prio, State: model.OrderNew,
		Pickup: nyc, Delivery: model.Location{Lat: 40.75, Lon: -73.98},
		CreatedAt: clock.Add(-time.Hour),
	}
}

type fixture struct {
	st  *store.MemoryStore
	q   *worker.Queue
	eng *Engine
	mon *monitoring.Recorder
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{st: store.NewMemoryStore(), q: worker.NewQueue(), mon: &monitoring.Recorder{}, now: clock}
	f.eng = New(f.st, f.q, worker.NewEmergency(), logger.NopLogger{}, Options{})
	f.eng.SetClock(func() time.Time { return f.now })
	f.eng.SetRiskEngine(prediction.MockRiskEngine{})
	f.eng.SetMonitor(f.mon)
	return f
}

func (f *fixture) vehicle(t *testing.T, id string, maxOrders int) {
	t.Helper()
	v := model.NewVehicle(id, nyc)
	v.MaxOrders = maxOrders
	require.NoError(t, f.st.UpsertVehicle(context.Background(), v))
}

func (f *fixture) assigned(t *testing.T, o model.Order, vehicleID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.UpsertOrder(ctx, o))
	if vehicleID != "" {
		require.NoError(t, f.st.Assign(ctx, o.ID, vehicleID))
	}
}

func kinds(msgs []model.Message) []model.MessageKind {
	out := make([]model.MessageKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind()
	}
	return out
}

func TestBreakdown_ReplacementTakesWholeOrderSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vehicle(t, "broken", 5)
	f.vehicle(t, "spare", 5)
	f.assigned(t, order("o1", 2), "broken")
	f.assigned(t, order("o2", 1), "broken")
	before, err := f.st.Vehicle(ctx, "broken")
	require.NoError(t, err)

	rec, err := f.eng.Report(ctx, FailureReport{Type: model.ExceptionVehicleBreakdown, VehicleID: "broken", Description: "engine"})
	require.NoError(t, err)

	broken, _ := f.st.Vehicle(ctx, "broken")
	spare, _ := f.st.Vehicle(ctx, "spare")
	assert.Equal(t, before.AssignedOrders, spare.AssignedOrders)
	assert.Empty(t, broken.AssignedOrders)
	assert.Equal(t, model.VehicleMaintenance, broken.State)
	for _, id := range before.AssignedOrders {
		o, _ := f.st.Order(ctx, id)
		assert.Equal(t, "spare", o.VehicleID)
	}

	assert.Equal(t, model.SeverityHigh, rec.Severity)
	assert.Equal(t, model.ExceptionResolved, rec.Status)
	require.Len(t, rec.History, 1)
	assert.Equal(t, ActionReplacementVehicle, rec.History[0].Action)
	assert.Equal(t, OutcomeReplacement, rec.History[0].Outcome)

	msgs := f.q.Drain()
	require.Len(t, msgs, 1)
	reroute, ok := msgs[0].Payload.(model.EmergencyReroute)
	require.True(t, ok)
	assert.Equal(t, model.WorkerRouting, msgs[0].Recipient)
	assert.Equal(t, "spare", reroute.VehicleID)
	assert.Equal(t, "broken", reroute.FromVehicleID)
	assert.ElementsMatch(t, []string{"o1", "o2"}, reroute.OrderIDs)
}

func TestBreakdown_NoReplacementStaysActiveAndEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vehicle(t, "broken", 5)
	f.assigned(t, order("o1", 1), "broken")

	rec, err := f.eng.Report(ctx, FailureReport{Type: model.ExceptionVehicleBreakdown, VehicleID: "broken"})
	require.NoError(t, err)
	assert.Equal(t, model.ExceptionActive, rec.Status)
	assert.Equal(t, OutcomeNoReplacement, rec.History[0].Outcome)
	assert.Equal(t, 0, rec.EscalationLevel)

	// breakdowns escalate after five minutes
	f.now = f.now.Add(6 * time.Minute)
	sw, err := f.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, sw.Escalated, 1)
	assert.Equal(t, TargetSupervisor, sw.Escalated[0].Target)

	// the guard keeps it from escalating again right away
	f.now = f.now.Add(time.Minute)
	sw, err = f.eng.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, sw.Escalated)

	f.now = f.now.Add(5 * time.Minute)
	sw, err = f.eng.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, sw.Escalated, 1)
	assert.Equal(t, TargetFleetManagement, sw.Escalated[0].Target)
	assert.Equal(t, 2, sw.Escalated[0].Level)

	errs, msgs := f.mon.Count()
	assert.Equal(t, 0, errs)
	assert.Equal(t, 1, msgs, "only the hand-off outside the loop reaches the monitor")

	got, ok := f.eng.Exception(rec.ID)
	require.True(t, ok)
	assert.Equal(t, model.ExceptionActive, got.Status)
}

func TestDeliveryFailure_RetriesWalkStrategyList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vehicle(t, "v1", 5)
	f.assigned(t, order("o1", 2), "v1")
	require.NoError(t, f.st.UpdateOrderFields(ctx, "o1", store.OrderPatch{State: store.Ptr(model.OrderFailed)}))

	r := FailureReport{Type: model.ExceptionDeliveryFailure, OrderID: "o1", Description: "nobody home"}
	rec, err := f.eng.Report(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityMedium, rec.Severity)
	assert.Equal(t, "v1", rec.VehicleID)
	assert.Equal(t, ActionRetryDelivery, rec.History[0].Action)
	assert.Equal(t, OutcomeRetryInitiated, rec.History[0].Outcome)
	o, _ := f.st.Order(ctx, "o1")
	assert.Equal(t, model.OrderEnRoute, o.State)
	assert.Equal(t, []model.MessageKind{model.MsgRetryDelivery}, kinds(f.q.Drain()))

	// same order again: second strategy
	again, err := f.eng.Report(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, again.RetryCount)
	assert.Equal(t, ActionReschedule, again.History[1].Action)
	assert.Equal(t, model.ExceptionResolved, again.Status)

	o, _ = f.st.Order(ctx, "o1")
	assert.Equal(t, model.OrderNew, o.State)
	assert.Empty(t, o.VehicleID)
	require.NotNil(t, o.Window)
	assert.Equal(t, clock.Add(2*time.Hour), o.Window.Start)
	assert.Equal(t, clock.Add(3*time.Hour), o.Window.End)
	v, _ := f.st.Vehicle(ctx, "v1")
	assert.NotContains(t, v.AssignedOrders, "o1")
	assert.Equal(t, []model.MessageKind{model.MsgOrderReady}, kinds(f.q.Drain()))
}

func TestRetryLimitEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertOrder(ctx, order("o1", 1)))

	r := FailureReport{Type: model.ExceptionAddressInvalid, OrderID: "o1"}
	var rec model.Exception
	var err error
	// the default rule allows three attempts
	for i := 0; i < 4; i++ {
		rec, err = f.eng.Report(ctx, r)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, 1, rec.EscalationLevel)
	assert.Equal(t, TargetSupervisor, rec.EscalatedTo)
}

func TestSeverityUpgrades(t *testing.T) {
	assert.Equal(t, model.SeverityMedium, Severity(model.ExceptionDeliveryFailure, false, false))
	assert.Equal(t, model.SeverityHigh, Severity(model.ExceptionDeliveryFailure, true, false))
	assert.Equal(t, model.SeverityHigh, Severity(model.ExceptionDeliveryFailure, false, true))
	assert.Equal(t, model.SeverityCritical, Severity(model.ExceptionDeliveryFailure, true, true))
	assert.Equal(t, model.SeverityCritical, Severity(model.ExceptionVehicleBreakdown, false, true))
	assert.Equal(t, model.SeverityHigh, Severity(model.ExceptionVehicleBreakdown, true, false))
	assert.Equal(t, model.SeverityMedium, Severity(model.ExceptionTrafficDelay, true, false))
}

func TestTimeSensitiveOrderRaisesSeverity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	urgent := order("urgent", 4)
	risky := order("risky", 1)
	require.NoError(t, f.st.UpsertOrder(ctx, urgent))
	require.NoError(t, f.st.UpsertOrder(ctx, risky))
	f.eng.SetRiskEngine(prediction.MockRiskEngine{Risks: map[string]float64{"risky": 0.9}})

	rec, err := f.eng.Report(ctx, FailureReport{Type: model.ExceptionCustomerUnavailable, OrderID: "urgent"})
	require.NoError(t, err)
	assert.Equal(t, model.SeverityMedium, rec.Severity)

	rec, err = f.eng.Report(ctx, FailureReport{Type: model.ExceptionDeliveryFailure, OrderID: "risky"})
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, rec.Severity)
}

func TestScan_OverloadRequestsRebalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vehicle(t, "v1", 3)
	for _, id := range []string{"a", "b", "c"} {
		f.assigned(t, order(id, 1), "v1")
	}
	v, err := f.st.Vehicle(ctx, "v1")
	require.NoError(t, err)
	v.MaxOrders = 1
	require.NoError(t, f.st.UpsertVehicle(ctx, v))

	res, err := f.eng.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, KindOverload, res.Conflicts[0].Kind)
	assert.Equal(t, model.SeverityHigh, res.Conflicts[0].Severity)
	assert.Equal(t, []string{"v1"}, res.Overloaded())
	assert.Equal(t, 0, res.Critical)

	msgs := f.q.Drain()
	require.Len(t, msgs, 1)
	rb := msgs[0].Payload.(model.RebalanceVehicle)
	assert.Equal(t, "v1", rb.VehicleID)
	assert.Equal(t, 2, rb.Excess)
	assert.Equal(t, model.WorkerAssignment, msgs[0].Recipient)
}

func TestScan_ViolationEscalatesImmediatelyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := order("late", 2)
	o.Window = &model.TimeWindow{Start: clock.Add(-3 * time.Hour), End: clock.Add(-time.Hour)}
	require.NoError(t, f.st.UpsertOrder(ctx, o))

	res, err := f.eng.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, res.Exceptions, 1)
	assert.Equal(t, 1, res.Critical)
	assert.False(t, res.EmergencyActivated)

	rec, ok := f.eng.Exception(res.Exceptions[0])
	require.True(t, ok)
	assert.Equal(t, model.ExceptionTimeWindowViolation, rec.Type)
	assert.Equal(t, model.SeverityCritical, rec.Severity)
	assert.Equal(t, 1, rec.EscalationLevel)
	assert.Equal(t, ActionPrioritize, rec.History[0].Action)
	stored, _ := f.st.Order(ctx, "late")
	assert.Equal(t, model.MaxPriority, stored.Priority)

	msgs := f.q.Drain()
	assert.Contains(t, kinds(msgs), model.MsgExceptionEscalation)

	// a second scan finds the same record and does not add attempts
	res, err = f.eng.Scan(ctx)
	require.NoError(t, err)
	again, _ := f.eng.Exception(res.Exceptions[0])
	assert.Equal(t, rec.ID, again.ID)
	assert.Len(t, again.History, len(rec.History))
}

func TestScan_EmergencyAboveThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bus := eventbus.New()
	defer bus.Close()
	sub := bus.Subscribe()
	f.eng.SetEventBus(bus)
	for _, id := range []string{"a", "b", "c", "d"} {
		o := order(id, 1)
		o.Window = &model.TimeWindow{Start: clock.Add(-2 * time.Hour), End: clock.Add(-time.Minute)}
		require.NoError(t, f.st.UpsertOrder(ctx, o))
	}

	res, err := f.eng.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Critical)
	assert.True(t, res.EmergencyActivated)
	assert.True(t, f.eng.Emergency().Active())

	var directive *model.Message
	for _, m := range f.q.Drain() {
		if m.Kind() == model.MsgEmergencyDirective {
			directive = &m
		}
	}
	require.NotNil(t, directive)
	assert.True(t, directive.Broadcast())
	assert.Equal(t, EmergencyActions, directive.Payload.(model.EmergencyDirective).Actions)

	var sawEmergency bool
	for len(sub) > 0 {
		if ev, ok := (<-sub).(events.EmergencyEvent); ok && ev.Active {
			sawEmergency = true
			assert.Equal(t, 4, ev.CriticalConflicts)
		}
	}
	assert.True(t, sawEmergency)

	// already active: no second broadcast
	res, err = f.eng.Scan(ctx)
	require.NoError(t, err)
	assert.False(t, res.EmergencyActivated)

	assert.True(t, f.eng.DeactivateEmergency("cleared"))
	assert.False(t, f.eng.Emergency().Active())
}

func TestSweep_ResolvesDeliveredAndArchives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vehicle(t, "v1", 5)
	f.assigned(t, order("o1", 1), "v1")

	rec, err := f.eng.Report(ctx, FailureReport{Type: model.ExceptionCustomerUnavailable, OrderID: "o1"})
	require.NoError(t, err)
	// rescheduling resolves it right away
	assert.Equal(t, model.ExceptionResolved, rec.Status)

	f.assigned(t, order("o2", 1), "v1")
	rec2, err := f.eng.Report(ctx, FailureReport{Type: model.ExceptionAddressInvalid, OrderID: "o2"})
	require.NoError(t, err)
	assert.Equal(t, model.ExceptionActive, rec2.Status)
	require.NoError(t, f.st.UpdateOrderFields(ctx, "o2", store.OrderPatch{State: store.Ptr(model.OrderDelivered)}))

	sw, err := f.eng.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{rec2.ID}, sw.Resolved)
	assert.Equal(t, 0, sw.Archived)

	f.now = f.now.Add(25 * time.Hour)
	sw, err = f.eng.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sw.Archived)
	assert.Empty(t, f.eng.Exceptions())
	assert.Len(t, f.eng.History(), 2)
}

func TestReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vehicle(t, "v1", 5)
	require.NoError(t, f.st.UpsertOrder(ctx, order("o1", 1)))
	_, err := f.eng.Report(ctx, FailureReport{Type: model.ExceptionVehicleBreakdown, VehicleID: "v1"})
	require.NoError(t, err)
	_, err = f.eng.Report(ctx, FailureReport{Type: model.ExceptionAddressInvalid, OrderID: "o1"})
	require.NoError(t, err)

	f.now = f.now.Add(40 * time.Minute)
	rv := f.eng.Review()
	assert.Equal(t, 2, rv.Active)
	assert.Equal(t, 1, rv.BySeverity[model.SeverityHigh])
	assert.Equal(t, 1, rv.BySeverity[model.SeverityMedium])
	assert.Equal(t, 1, rv.ByType[model.ExceptionVehicleBreakdown])
	assert.Len(t, rv.Overdue, 2)
	assert.False(t, rv.Emergency)
}

func TestReport_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.Report(ctx, FailureReport{Type: "meteor", OrderID: "x"})
	assert.ErrorIs(t, err, ErrInvalidReport)
	_, err = f.eng.Report(ctx, FailureReport{Type: model.ExceptionDeliveryFailure})
	assert.ErrorIs(t, err, ErrInvalidReport)
	_, err = f.eng.Report(ctx, FailureReport{Type: model.ExceptionDeliveryFailure, OrderID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.eng.Exceptions())
}

func TestProcess_FailedOrdersAndOverloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vehicle(t, "v1", 5)
	o := order("bad", 1)
	o.State = model.OrderFailed
	require.NoError(t, f.st.UpsertOrder(ctx, o))
	require.NoError(t, f.st.UpsertOrder(ctx, order("fine", 1)))

	res, err := f.eng.Process(ctx, worker.Task{OrderIDs: []string{"bad", "fine"}, VehicleIDs: []string{"v1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, res.Processed)
	assert.ElementsMatch(t, []string{"fine", "v1"}, res.Skipped)
	require.Len(t, f.eng.Exceptions(), 1)
	assert.Equal(t, model.ExceptionDeliveryFailure, f.eng.Exceptions()[0].Type)
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vehicle(t, "v1", 5)
	f.vehicle(t, "v2", 5)

	msg := model.NewMessage(model.WorkerTraffic, model.WorkerExceptions, 3, model.TrafficAlert{
		RouteID: "r1", VehicleID: "v1", DelayMinutes: 45, Cause: model.ExceptionWeatherDelay,
	})
	require.NoError(t, f.eng.HandleMessage(ctx, msg))
	recs := f.eng.Exceptions()
	require.Len(t, recs, 1)
	assert.Equal(t, model.ExceptionWeatherDelay, recs[0].Type)
	assert.Equal(t, ActionPostpone, recs[0].History[0].Action)

	// unknown vehicle is logged and ignored
	msg = model.NewMessage(model.WorkerSupervisor, model.WorkerExceptions, 5, model.VehicleBreakdown{VehicleID: "ghost"})
	require.NoError(t, f.eng.HandleMessage(ctx, msg))
	assert.Len(t, f.eng.Exceptions(), 1)

	msg = model.NewMessage(model.WorkerSupervisor, model.WorkerExceptions, 5, model.EmergencyActivation{Reason: "storm", CriticalConflicts: 5})
	require.NoError(t, f.eng.HandleMessage(ctx, msg))
	assert.True(t, f.eng.Emergency().Active())
}

func TestRuleTarget(t *testing.T) {
	r := RuleFor(model.ExceptionTrafficDelay)
	assert.Equal(t, TargetRoutePlanning, r.Target(1))
	assert.Equal(t, TargetSupervisor, r.Target(2))
	assert.Equal(t, TargetSupervisor, r.Target(7))
	assert.Equal(t, 30*time.Minute, RuleFor(model.ExceptionTimeWindowViolation).Guard())
	assert.Equal(t, defaultRule, RuleFor(model.ExceptionCapacityExceeded))
	assert.Equal(t, ActionContactCustomer, NextAction(model.ExceptionDeliveryFailure, 9))
}
