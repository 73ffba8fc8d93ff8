package worker

import (
	"sync"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// Queue is a FIFO message queue. Drain hands out everything queued so far;
// messages sent while the drained batch is being delivered wait for the next
// Drain.
type Queue struct {
	mu    sync.Mutex
	items []model.Message
}

// NewQueue returns an empty queue.
func NewQueue() *Queue { return &Queue{} }

// Send appends msg to the queue.
func (q *Queue) Send(msg model.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
}

// Drain removes and returns all queued messages in arrival order.
func (q *Queue) Drain() []model.Message {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Reset drops all queued messages.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
