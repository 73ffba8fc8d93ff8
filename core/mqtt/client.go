// Package mqtt connects the dispatcher to the telematics broker: failure
// reports arrive on one topic and dispatch events leave on another.
package mqtt

// Handler receives the raw payload published on topic.
type Handler func(topic string, payload []byte)

// Client represents an MQTT connection able to publish JSON documents and
// deliver inbound messages to handlers.
type Client interface {
	// Publish encodes payload as JSON and sends it on topic.
	Publish(topic string, payload any) error

	// Subscribe registers handler for topic. Subscriptions survive
	// reconnects.
	Subscribe(topic string, handler Handler) error

	// Close disconnects from the broker.
	Close()
}
