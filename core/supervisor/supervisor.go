// Package supervisor receives the notifications the other workers send about
// their progress and evaluates overall fleet performance.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/worker"
)

// DefaultKeep is the number of notifications retained.
const DefaultKeep = 200

// Notification is one message received by the supervisor.
type Notification struct {
	At      time.Time         `json:"at"`
	From    model.WorkerKind  `json:"from"`
	Kind    model.MessageKind `json:"kind"`
	Summary string            `json:"summary"`
}

// Supervisor is the notification sink and analysis worker.
type Supervisor struct {
	store store.Store
	log   logger.Logger
	now   func() time.Time
	keep  int

	mu       sync.RWMutex
	inbox    []Notification
	counts   map[model.MessageKind]int
	analysis *Analysis
}

// New returns a supervisor keeping the last keep notifications, or
// DefaultKeep when keep is not positive.
func New(st store.Store, log logger.Logger, keep int) *Supervisor {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Supervisor{store: st, log: log, now: time.Now, keep: keep, counts: map[model.MessageKind]int{}}
}

func (s *Supervisor) Kind() model.WorkerKind { return model.WorkerSupervisor }

// SetClock overrides the wall clock.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// Process analyses the current state and keeps the result.
func (s *Supervisor) Process(ctx context.Context, _ worker.Task) (worker.Result, error) {
	res := worker.Result{Worker: model.WorkerSupervisor, Action: "analyze"}
	a, err := s.Analyze(ctx)
	if err != nil {
		return res, err
	}
	for _, r := range a.Recommendations {
		res.Processed = append(res.Processed, r.Action)
	}
	return res, nil
}

// Analyze evaluates the store and keeps the result as the latest analysis.
func (s *Supervisor) Analyze(ctx context.Context) (Analysis, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return Analysis{}, fmt.Errorf("snapshot: %w", err)
	}
	a := Analyze(snap, s.now())
	s.mu.Lock()
	s.analysis = &a
	s.mu.Unlock()
	for _, r := range a.Recommendations {
		s.log.Infof("supervisor recommends %s (%s=%.2f)", r.Action, r.Type, r.Value)
	}
	return a, nil
}

// Latest returns the last analysis, if any.
func (s *Supervisor) Latest() (Analysis, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.analysis == nil {
		return Analysis{}, false
	}
	return *s.analysis, true
}

// Notifications returns the retained notifications, oldest first.
func (s *Supervisor) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.inbox...)
}

// Counts returns how many notifications of each kind were received.
func (s *Supervisor) Counts() map[model.MessageKind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.MessageKind]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Reset forgets notifications and the latest analysis.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.inbox = nil
	s.counts = map[model.MessageKind]int{}
	s.analysis = nil
	s.mu.Unlock()
}

func (s *Supervisor) HandleMessage(_ context.Context, msg model.Message) error {
	n := Notification{At: s.now(), From: msg.Sender, Kind: msg.Kind(), Summary: summarize(msg.Payload)}
	s.mu.Lock()
	s.inbox = append(s.inbox, n)
	if len(s.inbox) > s.keep {
		s.inbox = s.inbox[len(s.inbox)-s.keep:]
	}
	s.counts[n.Kind]++
	s.mu.Unlock()

	switch p := msg.Payload.(type) {
	case model.ExceptionEscalated:
		s.log.Warnf("escalation received: %s %s (%s) level %d for %s", p.ExceptionID, p.Type, p.Severity, p.Level, p.Target)
	case model.TrafficAlert:
		s.log.Warnf("traffic alert: %s", n.Summary)
	case model.EmergencyDirective:
		s.log.Warnf("emergency directive: %s", n.Summary)
	default:
		s.log.Debugf("notification from %s: %s", msg.Sender, n.Summary)
	}
	return nil
}

func summarize(p model.Payload) string {
	switch m := p.(type) {
	case model.OrderCreated:
		return fmt.Sprintf("order %s created (priority %d)", m.OrderID, m.Priority)
	case model.AssignmentCompleted:
		return fmt.Sprintf("order %s assigned to %s (%.1f km, %s)", m.OrderID, m.VehicleID, m.DistanceKm, m.Strategy)
	case model.RoutePlanned:
		return fmt.Sprintf("route %s for %s: %d stops, %.1f km, %.0f min", m.RouteID, m.VehicleID, m.Stops, m.DistanceKm, m.DurationMin)
	case model.TrafficAlert:
		return fmt.Sprintf("%s on %s: %.0f minutes (%s)", m.Cause, m.VehicleID, m.DelayMinutes, m.Severity)
	case model.ExceptionEscalated:
		return fmt.Sprintf("exception %s escalated to %s", m.ExceptionID, m.Target)
	case model.EmergencyDirective:
		if m.Active {
			return "emergency protocols activated: " + m.Reason
		}
		return "emergency protocols lifted: " + m.Reason
	case nil:
		return ""
	default:
		return string(p.Kind())
	}
}
