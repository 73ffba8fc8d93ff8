package worker

import (
	"time"

	"go.uber.org/atomic"
)

// Emergency is the process-wide emergency flag. While active, intake only
// accepts critical orders.
type Emergency struct {
	active  atomic.Bool
	reason  atomic.String
	since   atomic.Time
	actions atomic.Value
}

// NewEmergency returns an inactive flag.
func NewEmergency() *Emergency { return &Emergency{} }

// Activate sets the flag. It returns false when it was already active.
func (e *Emergency) Activate(reason string, actions []string) bool {
	if !e.active.CompareAndSwap(false, true) {
		return false
	}
	e.reason.Store(reason)
	e.since.Store(time.Now())
	e.actions.Store(append([]string(nil), actions...))
	return true
}

// Deactivate clears the flag. It returns false when it was not active.
func (e *Emergency) Deactivate() bool {
	if !e.active.CompareAndSwap(true, false) {
		return false
	}
	e.reason.Store("")
	e.actions.Store([]string(nil))
	return true
}

// Active reports whether emergency protocols are in force.
func (e *Emergency) Active() bool { return e.active.Load() }

// State returns the reason, activation time and directive actions.
func (e *Emergency) State() (reason string, since time.Time, actions []string) {
	if !e.Active() {
		return "", time.Time{}, nil
	}
	a, _ := e.actions.Load().([]string)
	return e.reason.Load(), e.since.Load(), append([]string(nil), a...)
}
