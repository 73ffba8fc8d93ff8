package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// OrderUpdater applies delivery progress reported by drivers.
type OrderUpdater interface {
	UpdateOrderStatus(ctx context.Context, id string, to model.OrderState) (model.Order, error)
}

// SetOrderUpdater enables the order status subscription. It must be called
// before Start.
func (b *Bridge) SetOrderUpdater(u OrderUpdater) { b.orders = u }

func (b *Bridge) orderTopic() string {
	return strings.TrimSuffix(b.topics.Telemetry, "/") + "/orders"
}

// OrderStatusMessage reports progress on one order. OrderID defaults to the
// last topic segment.
type OrderStatusMessage struct {
	OrderID string           `json:"order_id"`
	State   model.OrderState `json:"state"`
}

// DecodeOrderStatus parses a status payload received on topic. Only
// en_route, delivered and failed can be reported from the field.
func DecodeOrderStatus(topic string, payload []byte) (string, model.OrderState, error) {
	var m OrderStatusMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	id := m.OrderID
	if id == "" {
		id = lastSegment(topic)
	}
	if id == "" || id == "+" {
		return "", "", fmt.Errorf("%w: order id missing", ErrBadPayload)
	}
	switch m.State {
	case model.OrderEnRoute, model.OrderDelivered, model.OrderFailed:
	default:
		return "", "", fmt.Errorf("%w: state %q cannot be reported", ErrBadPayload, m.State)
	}
	return id, m.State, nil
}

func (b *Bridge) onOrderStatus(topic string, payload []byte) {
	id, st, err := DecodeOrderStatus(topic, payload)
	if err != nil {
		b.log.Warnf("drop order status on %s: %v", topic, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if _, err := b.orders.UpdateOrderStatus(ctx, id, st); err != nil {
		b.log.Warnf("order status for %s: %v", id, err)
		return
	}
	b.log.Infof("order %s reported %s", id, st)
}
