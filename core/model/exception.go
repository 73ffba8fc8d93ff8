package model

import (
	"slices"
	"time"
)

// ExceptionType classifies an exceptional condition.
type ExceptionType string

const (
	ExceptionDeliveryFailure     ExceptionType = "delivery_failure"
	ExceptionVehicleBreakdown    ExceptionType = "vehicle_breakdown"
	ExceptionTimeWindowViolation ExceptionType = "time_window_violation"
	ExceptionCustomerUnavailable ExceptionType = "customer_unavailable"
	ExceptionAddressInvalid      ExceptionType = "address_invalid"
	ExceptionTrafficDelay        ExceptionType = "traffic_delay"
	ExceptionWeatherDelay        ExceptionType = "weather_delay"
	ExceptionCapacityExceeded    ExceptionType = "capacity_exceeded"
)

// ExceptionTypes lists every known exception type.
var ExceptionTypes = []ExceptionType{
	ExceptionDeliveryFailure,
	ExceptionVehicleBreakdown,
	ExceptionTimeWindowViolation,
	ExceptionCustomerUnavailable,
	ExceptionAddressInvalid,
	ExceptionTrafficDelay,
	ExceptionWeatherDelay,
	ExceptionCapacityExceeded,
}

// Known reports whether t is a recognised exception type.
func (t ExceptionType) Known() bool { return slices.Contains(ExceptionTypes, t) }

// Severity ranks how urgent an exception is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns 0 for low up to 3 for critical, -1 when unknown.
func (s Severity) Rank() int { return slices.Index(severityOrder, s) }

// Raise returns the next severity level, capped at max.
func (s Severity) Raise(max Severity) Severity {
	r := s.Rank()
	if r < 0 || r >= max.Rank() {
		return s
	}
	return severityOrder[r+1]
}

// ExceptionStatus is the lifecycle state of an exception record.
type ExceptionStatus string

const (
	ExceptionActive   ExceptionStatus = "active"
	ExceptionResolved ExceptionStatus = "resolved"
)

// RecoveryAttempt is one entry in an exception's history.
type RecoveryAttempt struct {
	Action  string    `json:"action"`
	At      time.Time `json:"at"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// Exception tracks an in-progress failure and its recovery attempts.
type Exception struct {
	ID              string            `json:"id"`
	Type            ExceptionType     `json:"type"`
	Severity        Severity          `json:"severity"`
	OrderID         string            `json:"order_id,omitempty"`
	VehicleID       string            `json:"vehicle_id,omitempty"`
	Description     string            `json:"description"`
	Status          ExceptionStatus   `json:"status"`
	RetryCount      int               `json:"retry_count"`
	EscalationLevel int               `json:"escalation_level"`
	EscalatedTo     string            `json:"escalated_to,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastEscalatedAt time.Time         `json:"last_escalated_at,omitempty"`
	ResolvedAt      time.Time         `json:"resolved_at,omitempty"`
	Resolution      string            `json:"resolution,omitempty"`
	History         []RecoveryAttempt `json:"history"`
}

// Clone returns a deep copy of the record.
func (e Exception) Clone() Exception {
	c := e
	c.History = slices.Clone(e.History)
	if e.Context != nil {
		c.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return c
}
