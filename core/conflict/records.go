package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// Records holds the active exception records and the archive of resolved
// ones. All methods return copies.
type Records struct {
	mu      sync.RWMutex
	active  map[string]*model.Exception
	history []model.Exception
}

// NewRecords returns an empty record book.
func NewRecords() *Records {
	return &Records{active: map[string]*model.Exception{}}
}

// Add stores a new record.
func (r *Records) Add(e model.Exception) {
	c := e.Clone()
	r.mu.Lock()
	r.active[e.ID] = &c
	r.mu.Unlock()
}

// Get returns the record with the given id, archived ones excluded.
func (r *Records) Get(id string) (model.Exception, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.active[id]
	if !ok {
		return model.Exception{}, false
	}
	return e.Clone(), true
}

// Update applies fn to the record under the lock and returns the result.
func (r *Records) Update(id string, fn func(*model.Exception)) (model.Exception, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[id]
	if !ok {
		return model.Exception{}, false
	}
	fn(e)
	return e.Clone(), true
}

// FindActive returns the unresolved record of type t for the order, or the
// vehicle when orderID is empty.
func (r *Records) FindActive(t model.ExceptionType, orderID, vehicleID string) (model.Exception, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.active {
		if e.Type != t || e.Status != model.ExceptionActive {
			continue
		}
		if orderID != "" && e.OrderID == orderID {
			return e.Clone(), true
		}
		if orderID == "" && e.OrderID == "" && e.VehicleID == vehicleID {
			return e.Clone(), true
		}
	}
	return model.Exception{}, false
}

// List returns the records in the active set (resolved but not yet archived
// included), oldest first.
func (r *Records) List() []model.Exception {
	r.mu.RLock()
	out := make([]model.Exception, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Archive moves resolved records older than cutoff to the history and
// returns them.
func (r *Records) Archive(cutoff time.Time) []model.Exception {
	r.mu.Lock()
	defer r.mu.Unlock()
	var moved []model.Exception
	for id, e := range r.active {
		if e.Status == model.ExceptionResolved && e.ResolvedAt.Before(cutoff) {
			moved = append(moved, e.Clone())
			delete(r.active, id)
		}
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i].ID < moved[j].ID })
	r.history = append(r.history, moved...)
	return moved
}

// History returns the archived records.
func (r *Records) History() []model.Exception {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Exception, len(r.history))
	for i, e := range r.history {
		out[i] = e.Clone()
	}
	return out
}

// Reset drops every record.
func (r *Records) Reset() {
	r.mu.Lock()
	r.active = map[string]*model.Exception{}
	r.history = nil
	r.mu.Unlock()
}
