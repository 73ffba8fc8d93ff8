package conflict

import (
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// Escalation targets. Supervisor and route planning are workers, the others
// are hand-offs outside the dispatch loop.
const (
	TargetSupervisor      = "supervisor"
	TargetCustomerService = "customer_service"
	TargetFleetManagement = "fleet_management"
	TargetRoutePlanning   = "route_planning"
)

// Rule is the escalation policy of one exception type.
type Rule struct {
	// AutoEscalateAfter is the age past which an active record escalates.
	// Zero escalates immediately.
	AutoEscalateAfter time.Duration
	MaxRetries        int
	Path              []string
}

// Guard is the minimum interval between two escalations of one record.
func (r Rule) Guard() time.Duration {
	if r.AutoEscalateAfter == 0 {
		return 30 * time.Minute
	}
	return r.AutoEscalateAfter
}

// Target returns the escalation target for level (1-based), falling back to
// the supervisor past the end of the path.
func (r Rule) Target(level int) string {
	if level >= 1 && level <= len(r.Path) {
		return r.Path[level-1]
	}
	return TargetSupervisor
}

var defaultRule = Rule{AutoEscalateAfter: 30 * time.Minute, MaxRetries: 3, Path: []string{TargetSupervisor}}

var rules = map[model.ExceptionType]Rule{
	model.ExceptionDeliveryFailure: {
		AutoEscalateAfter: 15 * time.Minute, MaxRetries: 3,
		Path: []string{TargetSupervisor, TargetCustomerService},
	},
	model.ExceptionVehicleBreakdown: {
		AutoEscalateAfter: 5 * time.Minute, MaxRetries: 1,
		Path: []string{TargetSupervisor, TargetFleetManagement},
	},
	model.ExceptionTimeWindowViolation: {
		AutoEscalateAfter: 0, MaxRetries: 2,
		Path: []string{TargetSupervisor, TargetCustomerService},
	},
	model.ExceptionTrafficDelay: {
		AutoEscalateAfter: 30 * time.Minute, MaxRetries: 2,
		Path: []string{TargetRoutePlanning, TargetSupervisor},
	},
	model.ExceptionWeatherDelay: {
		AutoEscalateAfter: 20 * time.Minute, MaxRetries: 1,
		Path: []string{TargetRoutePlanning, TargetSupervisor},
	},
}

// RuleFor returns the escalation rule of t.
func RuleFor(t model.ExceptionType) Rule {
	if r, ok := rules[t]; ok {
		return r
	}
	return defaultRule
}

var baseSeverity = map[model.ExceptionType]model.Severity{
	model.ExceptionDeliveryFailure:     model.SeverityMedium,
	model.ExceptionVehicleBreakdown:    model.SeverityHigh,
	model.ExceptionTimeWindowViolation: model.SeverityHigh,
	model.ExceptionCustomerUnavailable: model.SeverityLow,
	model.ExceptionAddressInvalid:      model.SeverityMedium,
	model.ExceptionTrafficDelay:        model.SeverityLow,
	model.ExceptionWeatherDelay:        model.SeverityMedium,
	model.ExceptionCapacityExceeded:    model.SeverityMedium,
}

// Severity derives the severity of a new record. A high priority customer
// raises it one level up to high; a time sensitive order raises it one level
// up to critical.
func Severity(t model.ExceptionType, highPriorityCustomer, timeSensitive bool) model.Severity {
	s, ok := baseSeverity[t]
	if !ok {
		s = model.SeverityMedium
	}
	if highPriorityCustomer {
		s = s.Raise(model.SeverityHigh)
	}
	if timeSensitive {
		s = s.Raise(model.SeverityCritical)
	}
	return s
}

// Recovery actions.
const (
	ActionRetryDelivery      = "retry_delivery"
	ActionReschedule         = "reschedule_delivery"
	ActionReassignVehicle    = "reassign_vehicle"
	ActionContactCustomer    = "contact_customer"
	ActionReplacementVehicle = "dispatch_replacement_vehicle"
	ActionReassignOrders     = "reassign_orders_to_other_vehicles"
	ActionContactMaintenance = "contact_maintenance"
	ActionPrioritize         = "prioritize_order"
	ActionAlternativeRoute   = "calculate_alternative_route"
	ActionPostpone           = "postpone_non_urgent_deliveries"
	ActionRebalance          = "rebalance_vehicle"
)

var strategies = map[model.ExceptionType][]string{
	model.ExceptionDeliveryFailure:     {ActionRetryDelivery, ActionReschedule, ActionReassignVehicle, ActionContactCustomer},
	model.ExceptionVehicleBreakdown:    {ActionReplacementVehicle, ActionReassignOrders, ActionContactMaintenance},
	model.ExceptionTimeWindowViolation: {ActionPrioritize, ActionContactCustomer},
	model.ExceptionCustomerUnavailable: {ActionReschedule, ActionContactCustomer},
	model.ExceptionAddressInvalid:      {ActionContactCustomer},
	model.ExceptionTrafficDelay:        {ActionAlternativeRoute, ActionContactCustomer},
	model.ExceptionWeatherDelay:        {ActionPostpone, ActionContactCustomer},
	model.ExceptionCapacityExceeded:    {ActionRebalance, ActionReassignVehicle},
}

// NextAction returns the recovery action for the given attempt (0-based).
// Attempts past the end of the list repeat the last action.
func NextAction(t model.ExceptionType, attempt int) string {
	list, ok := strategies[t]
	if !ok || len(list) == 0 {
		return ActionRetryDelivery
	}
	if attempt < 0 {
		attempt = 0
	}
	return list[min(attempt, len(list)-1)]
}
