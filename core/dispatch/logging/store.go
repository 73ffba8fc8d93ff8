package logging

import (
	"context"
	"slices"
	"time"
)

// CycleRecord captures one dispatcher run.
type CycleRecord struct {
	RunID             string         `json:"run_id"`
	Timestamp         time.Time      `json:"timestamp"`
	Outcome           string         `json:"outcome"`
	Steps             int            `json:"steps"`
	DurationMs        int64          `json:"duration_ms"`
	Decisions         []string       `json:"decisions"`
	DecisionCounts    map[string]int `json:"decision_counts,omitempty"`
	FailedAssignments []string       `json:"failed_assignments,omitempty"`
	WorkerErrors      []string       `json:"worker_errors,omitempty"`
}

// LogQuery defines filters for retrieving records.
type LogQuery struct {
	Start   time.Time
	End     time.Time
	Outcome string
	// OrderID keeps runs that failed to assign the order.
	OrderID string
	Limit   int
}

// Match reports whether r passes the filters other than Limit.
func (q LogQuery) Match(r CycleRecord) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	if q.OrderID != "" && !slices.Contains(r.FailedAssignments, q.OrderID) {
		return false
	}
	return true
}

// tail keeps the last Limit records.
func (q LogQuery) tail(res []CycleRecord) []CycleRecord {
	if q.Limit > 0 && len(res) > q.Limit {
		return res[len(res)-q.Limit:]
	}
	return res
}

// LogStore persists CycleRecords and supports querying.
type LogStore interface {
	Append(ctx context.Context, rec CycleRecord) error
	Query(ctx context.Context, q LogQuery) ([]CycleRecord, error)
	Close() error
}

// NopStore discards records.
type NopStore struct{}

func (NopStore) Append(context.Context, CycleRecord) error { return nil }
func (NopStore) Query(context.Context, LogQuery) ([]CycleRecord, error) {
	return nil, nil
}
func (NopStore) Close() error { return nil }
