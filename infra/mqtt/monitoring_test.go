package mqtt

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremon "github.com/kilianp07/fleetdispatch/core/monitoring"
)

func TestPublishErrorCaptured(t *testing.T) {
	stubPaho(t, &fakePaho{publishErrs: []error{fmt.Errorf("net fail"), fmt.Errorf("net fail")}})
	mon := &coremon.Recorder{}
	cfg := Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1}
	cli, err := NewPahoClient(cfg)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	cli.SetMonitor(mon)
	before := testutil.ToFloat64(publishFailure)
	if err := cli.Publish("fleet/events/cycle", map[string]string{}); err == nil {
		t.Fatalf("expected error")
	}
	if errs, _ := mon.Count(); errs != 1 {
		t.Fatalf("error not captured")
	}
	if mon.Tags[0]["topic"] != "fleet/events/cycle" || mon.Tags[0]["module"] != "mqtt" {
		t.Fatalf("tags not set: %v", mon.Tags[0])
	}
	if got := testutil.ToFloat64(publishFailure) - before; got != 1 {
		t.Fatalf("expected failure counter +1, got %v", got)
	}
}

func TestRegisterMetricsTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	var got string
	_ = m.Subscribe("in", func(_ string, p []byte) { got = string(p) })
	if !m.Deliver("in", []byte("x")) || got != "x" {
		t.Fatalf("deliver failed")
	}
	if m.Deliver("other", nil) {
		t.Fatalf("unexpected handler")
	}
	if err := m.Publish("out", 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	m.FailTopics["bad"] = true
	if err := m.Publish("bad", 1); err == nil {
		t.Fatalf("expected failure")
	}
	if len(m.Messages("out")) != 1 {
		t.Fatalf("expected one message")
	}
}
