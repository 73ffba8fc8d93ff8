package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/events"
	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/internal/eventbus"
)

// Reporter files failure reports received from telematics.
type Reporter interface {
	ReportFailure(ctx context.Context, r conflict.FailureReport) (model.Exception, error)
}

// Topics names the topics the bridge uses. Events are published on
// Events/<kind>, e.g. fleet/events/cycle. Telemetry is read from
// Telemetry/<vehicle_id> and order status reports from
// Telemetry/orders/<order_id>.
type Topics struct {
	Failures  string
	Events    string
	Telemetry string
}

// Envelope is the outbound document.
type Envelope struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Bridge forwards inbound failure reports to a Reporter and outbound bus
// events to the broker.
type Bridge struct {
	client   Client
	reporter Reporter
	vehicles VehicleUpdater
	orders   OrderUpdater
	topics   Topics
	log      logger.Logger
	timeout  time.Duration
}

// NewBridge returns a bridge; call Start to subscribe.
func NewBridge(c Client, r Reporter, topics Topics, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Bridge{client: c, reporter: r, topics: topics, log: log, timeout: 5 * time.Second}
}

// Start subscribes to the failure topic and, when bus is not nil, forwards
// events until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context, bus eventbus.EventBus) error {
	if b.topics.Failures != "" && b.reporter != nil {
		if err := b.client.Subscribe(b.topics.Failures, b.onFailure); err != nil {
			return fmt.Errorf("subscribe %s: %w", b.topics.Failures, err)
		}
	}
	if b.topics.Telemetry != "" && b.vehicles != nil {
		topic := strings.TrimSuffix(b.topics.Telemetry, "/") + "/+"
		if err := b.client.Subscribe(topic, b.onTelemetry); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	if b.topics.Telemetry != "" && b.orders != nil {
		topic := b.orderTopic() + "/+"
		if err := b.client.Subscribe(topic, b.onOrderStatus); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	if bus == nil || b.topics.Events == "" {
		return nil
	}
	ch := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := b.Forward(ev); err != nil {
					b.log.Warnf("forward event: %v", err)
				}
			}
		}
	}()
	return nil
}

// FailureMessage is the inbound failure report document.
type FailureMessage struct {
	Type             string `json:"type"`
	OrderID          string `json:"order_id"`
	VehicleID        string `json:"vehicle_id"`
	Description      string `json:"description"`
	CustomerPriority string `json:"customer_priority"`
}

// DecodeFailure parses an inbound failure report.
func DecodeFailure(payload []byte) (conflict.FailureReport, error) {
	var m FailureMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return conflict.FailureReport{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	r := conflict.FailureReport{
		Type:             model.ExceptionType(strings.ToLower(strings.TrimSpace(m.Type))),
		OrderID:          m.OrderID,
		VehicleID:        m.VehicleID,
		Description:      m.Description,
		CustomerPriority: m.CustomerPriority,
	}
	if err := r.Validate(); err != nil {
		return conflict.FailureReport{}, err
	}
	return r, nil
}

func (b *Bridge) onFailure(topic string, payload []byte) {
	r, err := DecodeFailure(payload)
	if err != nil {
		b.log.Warnf("drop failure report on %s: %v", topic, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	rec, err := b.reporter.ReportFailure(ctx, r)
	if err != nil {
		b.log.Errorf("report %s failure: %v", r.Type, err)
		return
	}
	b.log.Infow("failure report filed", map[string]any{
		"exception_id": rec.ID,
		"type":         string(rec.Type),
		"severity":     string(rec.Severity),
	})
}

// Forward publishes one bus event. Unknown events are ignored.
func (b *Bridge) Forward(ev eventbus.Event) error {
	kind, data := encode(ev)
	if kind == "" {
		return nil
	}
	return b.client.Publish(b.topics.Events+"/"+kind, Envelope{Kind: kind, Timestamp: time.Now().UTC(), Data: data})
}

func encode(ev eventbus.Event) (string, any) {
	switch e := ev.(type) {
	case events.CycleEvent:
		return "cycle", map[string]any{
			"run_id":             e.RunID,
			"outcome":            e.Outcome,
			"steps":              e.Steps,
			"failed_assignments": e.FailedAssignments,
			"worker_errors":      e.WorkerErrors,
			"duration_ms":        e.Duration.Milliseconds(),
		}
	case events.ExceptionEvent:
		return "exception", map[string]any{
			"action":    e.Action,
			"target":    e.Target,
			"exception": e.Exception,
		}
	case events.EmergencyEvent:
		return "emergency", map[string]any{
			"active":             e.Active,
			"reason":             e.Reason,
			"critical_conflicts": e.CriticalConflicts,
			"actions":            e.Actions,
		}
	case events.RouteEvent:
		return "route", e.Route
	}
	return "", nil
}
