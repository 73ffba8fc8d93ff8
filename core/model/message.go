package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind identifies the payload variant carried by a Message.
type MessageKind string

const (
	MsgOrderCreated        MessageKind = "new_order_created"
	MsgOrderReady          MessageKind = "order_ready_for_assignment"
	MsgAssignmentCompleted MessageKind = "assignment_completed"
	MsgNewAssignment       MessageKind = "new_assignment_for_routing"
	MsgRebalanceVehicle    MessageKind = "rebalance_vehicle"
	MsgRoutePlanned        MessageKind = "route_planned"
	MsgMonitorRoute        MessageKind = "monitor_route"
	MsgTrafficAlert        MessageKind = "traffic_alert"
	MsgCriticalDeadline    MessageKind = "critical_deadline"
	MsgDeliveryFailed      MessageKind = "delivery_failed"
	MsgVehicleBreakdown    MessageKind = "vehicle_breakdown"
	MsgEmergencyActivation MessageKind = "emergency_activation"
	MsgEmergencyDirective  MessageKind = "emergency_protocols_activated"
	MsgExceptionEscalation MessageKind = "exception_escalation"
	MsgRetryDelivery       MessageKind = "retry_delivery"
	MsgUrgentReassignment  MessageKind = "urgent_reassignment"
	MsgEmergencyReroute    MessageKind = "emergency_reroute"
	MsgAlternativeRoute    MessageKind = "calculate_alternative_route"
	MsgSystemAlert         MessageKind = "system_alert"
)

// Payload is implemented by every message variant in this package.
type Payload interface {
	Kind() MessageKind
	payload()
}

// Message is an inter-worker message. An empty Recipient means broadcast.
type Message struct {
	ID        string     `json:"id"`
	Sender    WorkerKind `json:"sender"`
	Recipient WorkerKind `json:"recipient,omitempty"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	Payload   Payload    `json:"payload"`
}

// NewMessage builds a message with a fresh id and priority clamped to [1,5].
func NewMessage(from, to WorkerKind, priority int, p Payload) Message {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return Message{
		ID:        uuid.NewString(),
		Sender:    from,
		Recipient: to,
		Priority:  priority,
		CreatedAt: time.Now(),
		Payload:   p,
	}
}

// Kind returns the kind of the carried payload.
func (m Message) Kind() MessageKind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// Broadcast reports whether the message targets every worker.
func (m Message) Broadcast() bool { return m.Recipient == "" }

type OrderCreated struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Priority   int    `json:"priority"`
}

type OrderReady struct {
	OrderID string `json:"order_id"`
}

type AssignmentCompleted struct {
	OrderID    string  `json:"order_id"`
	VehicleID  string  `json:"vehicle_id"`
	DistanceKm float64 `json:"distance_km"`
	Strategy   string  `json:"algorithm"`
}

type NewAssignment struct {
	VehicleID string   `json:"vehicle_id"`
	OrderIDs  []string `json:"order_ids"`
}

// RebalanceVehicle asks the assignment engine to shed excess orders.
type RebalanceVehicle struct {
	VehicleID string `json:"vehicle_id"`
	Excess    int    `json:"excess_orders"`
}

type RoutePlanned struct {
	RouteID       string  `json:"route_id"`
	VehicleID     string  `json:"vehicle_id"`
	DistanceKm    float64 `json:"total_distance"`
	DurationMin   float64 `json:"total_duration"`
	Stops         int     `json:"stops"`
	Strategy      string  `json:"algorithm"`
	LateStopCount int     `json:"late_stops"`
}

type MonitorRoute struct {
	RouteID   string `json:"route_id"`
	VehicleID string `json:"vehicle_id"`
}

// TrafficAlert reports an expected delay on a monitored route.
type TrafficAlert struct {
	RouteID      string   `json:"route_id"`
	VehicleID    string   `json:"vehicle_id"`
	DelayMinutes float64  `json:"estimated_delay"`
	Severity     Severity `json:"severity"`
	// Cause is traffic_delay or weather_delay.
	Cause ExceptionType `json:"cause"`
}

type CriticalDeadline struct {
	OrderID  string    `json:"order_id"`
	Deadline time.Time `json:"deadline"`
}

type DeliveryFailed struct {
	OrderID   string `json:"order_id"`
	VehicleID string `json:"vehicle_id,omitempty"`
	Reason    string `json:"reason"`
}

type VehicleBreakdown struct {
	VehicleID   string `json:"vehicle_id"`
	Description string `json:"description"`
}

type EmergencyActivation struct {
	Reason            string `json:"reason"`
	CriticalConflicts int    `json:"critical_conflicts"`
}

// EmergencyDirective is broadcast when emergency protocols change.
type EmergencyDirective struct {
	Active  bool     `json:"active"`
	Reason  string   `json:"reason"`
	Actions []string `json:"actions"`
}

type ExceptionEscalated struct {
	ExceptionID string        `json:"exception_id"`
	Type        ExceptionType `json:"exception_type"`
	Severity    Severity      `json:"severity"`
	Level       int           `json:"escalation_level"`
	Target      string        `json:"target"`
	OrderID     string        `json:"order_id,omitempty"`
	VehicleID   string        `json:"vehicle_id,omitempty"`
}

type RetryDelivery struct {
	OrderID   string `json:"order_id"`
	VehicleID string `json:"vehicle_id"`
	Attempt   int    `json:"retry_attempt"`
}

type UrgentReassignment struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// EmergencyReroute asks the planner to route orders moved to a replacement.
type EmergencyReroute struct {
	VehicleID     string   `json:"replacement_vehicle"`
	FromVehicleID string   `json:"broken_vehicle"`
	OrderIDs      []string `json:"orders"`
}

type AlternativeRoute struct {
	VehicleID string `json:"vehicle_id"`
	Reason    string `json:"reason"`
}

type SystemAlert struct {
	Level string `json:"level"`
	Text  string `json:"message"`
}

func (OrderCreated) Kind() MessageKind        { return MsgOrderCreated }
func (OrderReady) Kind() MessageKind          { return MsgOrderReady }
func (AssignmentCompleted) Kind() MessageKind { return MsgAssignmentCompleted }
func (NewAssignment) Kind() MessageKind       { return MsgNewAssignment }
func (RebalanceVehicle) Kind() MessageKind    { return MsgRebalanceVehicle }
func (RoutePlanned) Kind() MessageKind        { return MsgRoutePlanned }
func (MonitorRoute) Kind() MessageKind        { return MsgMonitorRoute }
func (TrafficAlert) Kind() MessageKind        { return MsgTrafficAlert }
func (CriticalDeadline) Kind() MessageKind    { return MsgCriticalDeadline }
func (DeliveryFailed) Kind() MessageKind      { return MsgDeliveryFailed }
func (VehicleBreakdown) Kind() MessageKind    { return MsgVehicleBreakdown }
func (EmergencyActivation) Kind() MessageKind { return MsgEmergencyActivation }
func (EmergencyDirective) Kind() MessageKind  { return MsgEmergencyDirective }
func (ExceptionEscalated) Kind() MessageKind  { return MsgExceptionEscalation }
func (RetryDelivery) Kind() MessageKind       { return MsgRetryDelivery }
func (UrgentReassignment) Kind() MessageKind  { return MsgUrgentReassignment }
func (EmergencyReroute) Kind() MessageKind    { return MsgEmergencyReroute }
func (AlternativeRoute) Kind() MessageKind    { return MsgAlternativeRoute }
func (SystemAlert) Kind() MessageKind         { return MsgSystemAlert }

func (OrderCreated) payload()        {}
func (OrderReady) payload()          {}
func (AssignmentCompleted) payload() {}
func (NewAssignment) payload()       {}
func (RebalanceVehicle) payload()    {}
func (RoutePlanned) payload()        {}
func (MonitorRoute) payload()        {}
func (TrafficAlert) payload()        {}
func (CriticalDeadline) payload()    {}
func (DeliveryFailed) payload()      {}
func (VehicleBreakdown) payload()    {}
func (EmergencyActivation) payload() {}
func (EmergencyDirective) payload()  {}
func (ExceptionEscalated) payload()  {}
func (RetryDelivery) payload()       {}
func (UrgentReassignment) payload()  {}
func (EmergencyReroute) payload()    {}
func (AlternativeRoute) payload()    {}
func (SystemAlert) payload()         {}
