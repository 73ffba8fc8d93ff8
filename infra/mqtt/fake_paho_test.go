package mqtt

import (
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type call struct {
	topic string
	qos   byte
}

// fakePaho records broker traffic. It satisfies paho.Client so that
// OnConnect can be replayed against it.
type fakePaho struct {
	opts        *paho.ClientOptions
	subscribed  []call
	published   []call
	publishErrs []error
	handler     paho.MessageHandler
}

// stubPaho makes NewPahoClient build on f for the duration of the test.
func stubPaho(t *testing.T, f *fakePaho) {
	t.Helper()
	prev := newMQTTClient
	newMQTTClient = func(o *paho.ClientOptions) pahoClient {
		f.opts = o
		return f
	}
	t.Cleanup(func() { newMQTTClient = prev })
}

func (f *fakePaho) IsConnected() bool { return true }
func (f *fakePaho) Connect() paho.Token {
	if f.opts != nil && f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
	return token{}
}
func (f *fakePaho) Disconnect(uint) {}
func (f *fakePaho) Publish(topic string, qos byte, _ bool, _ interface{}) paho.Token {
	f.published = append(f.published, call{topic, qos})
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		return token{err: err}
	}
	return token{}
}
func (f *fakePaho) Subscribe(topic string, qos byte, h paho.MessageHandler) paho.Token {
	f.handler = h
	f.subscribed = append(f.subscribed, call{topic, qos})
	return token{}
}
func (f *fakePaho) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return token{}
}
func (f *fakePaho) Unsubscribe(...string) paho.Token        { return token{} }
func (f *fakePaho) AddRoute(string, paho.MessageHandler)    {}
func (f *fakePaho) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (f *fakePaho) IsConnectionOpen() bool                  { return true }

type token struct{ err error }

func (t token) Wait() bool                     { return true }
func (t token) WaitTimeout(time.Duration) bool { return true }
func (t token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t token) Error() error { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}
