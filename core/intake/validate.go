package intake

import (
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// Limits accepted by intake.
const (
	MaxWeightKg = 1000.0
	MaxVolumeM3 = 10.0
)

// ValidationError reports why a single submission was rejected.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ErrIntakeSuspended is returned while emergency protocols reject non-critical orders.
var ErrIntakeSuspended = errors.New("intake suspended by emergency protocols: only critical orders are accepted")

// WindowInput is a delivery window as submitted, in RFC3339.
type WindowInput struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Submission is a raw order as received from the outside.
type Submission struct {
	CustomerID   string          `json:"customer_id"`
	Pickup       *model.Location `json:"pickup_location"`
	Delivery     *model.Location `json:"delivery_location"`
	Priority     *float64        `json:"priority"`
	WeightKg     *float64        `json:"weight"`
	VolumeM3     *float64        `json:"volume"`
	Window       *WindowInput    `json:"time_window"`
	Requirements []string        `json:"special_requirements"`
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks s and returns the normalised order fields. The returned
// order has no id, state or timestamps.
func Validate(s Submission, now time.Time) (model.Order, error) {
	var o model.Order
	if s.CustomerID == "" {
		return o, invalid("customer_id", "Missing required field: customer_id")
	}
	if s.Pickup == nil {
		return o, invalid("pickup_location", "Missing required field: pickup_location")
	}
	if s.Delivery == nil {
		return o, invalid("delivery_location", "Missing required field: delivery_location")
	}
	if err := s.Pickup.Validate(); err != nil {
		return o, invalid("pickup_location", "Invalid coordinates: %v", err)
	}
	if err := s.Delivery.Validate(); err != nil {
		return o, invalid("delivery_location", "Invalid coordinates: %v", err)
	}
	o.CustomerID = s.CustomerID
	o.Pickup = *s.Pickup
	o.Delivery = *s.Delivery

	o.Priority = model.MinPriority
	if s.Priority != nil {
		p := *s.Priority
		if p != float64(int(p)) || p < model.MinPriority || p > model.MaxPriority {
			return o, invalid("priority", "Priority must be an integer between %d and %d", model.MinPriority, model.MaxPriority)
		}
		o.Priority = int(p)
	}
	if s.WeightKg != nil {
		w := *s.WeightKg
		if w < 0 {
			return o, invalid("weight", "Weight must be a positive number")
		}
		if w > MaxWeightKg {
			return o, invalid("weight", "Weight exceeds maximum: %gkg", MaxWeightKg)
		}
		o.WeightKg = w
	}
	if s.VolumeM3 != nil {
		v := *s.VolumeM3
		if v < 0 {
			return o, invalid("volume", "Volume must be a positive number")
		}
		if v > MaxVolumeM3 {
			return o, invalid("volume", "Volume exceeds maximum: %gm³", MaxVolumeM3)
		}
		o.VolumeM3 = v
	}
	if s.Window != nil {
		w, err := parseWindow(*s.Window, now)
		if err != nil {
			return o, err
		}
		o.Window = &w
	}
	o.Requirements = append([]string(nil), s.Requirements...)
	return o, nil
}

func parseWindow(in WindowInput, now time.Time) (model.TimeWindow, error) {
	start, err := time.Parse(time.RFC3339, in.Start)
	if err != nil {
		return model.TimeWindow{}, invalid("time_window", "Invalid time window format: %v", err)
	}
	end, err := time.Parse(time.RFC3339, in.End)
	if err != nil {
		return model.TimeWindow{}, invalid("time_window", "Invalid time window format: %v", err)
	}
	if !start.Before(end) {
		return model.TimeWindow{}, invalid("time_window", "Time window start must be before end")
	}
	if start.Before(now) {
		return model.TimeWindow{}, invalid("time_window", "Time window start cannot be in the past")
	}
	return model.TimeWindow{Start: start, End: end}, nil
}

// Recheck validates an order already present in the store.
func Recheck(o model.Order) error {
	if o.CustomerID == "" {
		return invalid("customer_id", "Missing required field: customer_id")
	}
	if err := o.Pickup.Validate(); err != nil {
		return invalid("pickup_location", "Invalid coordinates: %v", err)
	}
	if err := o.Delivery.Validate(); err != nil {
		return invalid("delivery_location", "Invalid coordinates: %v", err)
	}
	if o.Priority < model.MinPriority || o.Priority > model.MaxPriority {
		return invalid("priority", "Priority must be an integer between %d and %d", model.MinPriority, model.MaxPriority)
	}
	if o.WeightKg < 0 || o.WeightKg > MaxWeightKg {
		return invalid("weight", "Weight out of range")
	}
	if o.VolumeM3 < 0 || o.VolumeM3 > MaxVolumeM3 {
		return invalid("volume", "Volume out of range")
	}
	if o.Window != nil && !o.Window.Start.Before(o.Window.End) {
		return invalid("time_window", "Time window start must be before end")
	}
	return nil
}
