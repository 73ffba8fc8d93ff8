// Package monitoring reports unexpected faults (worker errors and panics) and
// escalations that leave the system to an error tracker.
package monitoring

import (
	"sync"
	"time"
)

// Level is the severity attached to a captured message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// Monitor defines methods used for error reporting.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	CaptureMessage(msg string, level Level, tags map[string]string)
	Flush(timeout time.Duration) bool
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string)       {}
func (NopMonitor) CaptureMessage(string, Level, map[string]string) {}
func (NopMonitor) Flush(time.Duration) bool                        { return true }

// Recorder keeps captured events in memory. Tests use it as a fake.
type Recorder struct {
	mu       sync.Mutex
	Errors   []error
	Messages []string
	Tags     []map[string]string
}

func (r *Recorder) CaptureException(err error, tags map[string]string) {
	r.mu.Lock()
	r.Errors = append(r.Errors, err)
	r.Tags = append(r.Tags, tags)
	r.mu.Unlock()
}

func (r *Recorder) CaptureMessage(msg string, _ Level, tags map[string]string) {
	r.mu.Lock()
	r.Messages = append(r.Messages, msg)
	r.Tags = append(r.Tags, tags)
	r.mu.Unlock()
}

func (r *Recorder) Flush(time.Duration) bool { return true }

// Count returns the number of captured errors and messages.
func (r *Recorder) Count() (errs, msgs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Errors), len(r.Messages)
}
