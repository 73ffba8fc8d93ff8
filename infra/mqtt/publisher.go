package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"

	coremqtt "github.com/kilianp07/fleetdispatch/core/mqtt"
)

// Client mirrors the core mqtt.Client interface.
type Client = coremqtt.Client

// MockClient records published documents and lets tests inject inbound
// messages with Deliver.
type MockClient struct {
	Published  map[string][][]byte
	FailTopics map[string]bool
	handlers   map[string]coremqtt.Handler
	mu         sync.Mutex
}

// NewMockClient creates a new MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		Published:  make(map[string][][]byte),
		FailTopics: make(map[string]bool),
		handlers:   make(map[string]coremqtt.Handler),
	}
}

// Publish records the JSON document or returns an error if configured to fail.
func (m *MockClient) Publish(topic string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailTopics[topic] {
		return fmt.Errorf("publish failed")
	}
	m.Published[topic] = append(m.Published[topic], b)
	return nil
}

// Subscribe records the handler.
func (m *MockClient) Subscribe(topic string, h coremqtt.Handler) error {
	m.mu.Lock()
	m.handlers[topic] = h
	m.mu.Unlock()
	return nil
}

// Deliver hands payload to the handler subscribed to topic. It reports
// whether a handler was found.
func (m *MockClient) Deliver(topic string, payload []byte) bool {
	m.mu.Lock()
	h, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		h(topic, payload)
	}
	return ok
}

// Messages returns the documents published on topic.
func (m *MockClient) Messages(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.Published[topic]...)
}

func (m *MockClient) Close() {}
