package mediator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is one message parked for pickup.
type QueuedMessage struct {
	ID      string
	Payload json.RawMessage
}

// PickupQueue is the ordered in-memory queue an endpoint switches to in
// pickup mode: producers park messages here and the owner drains them
// explicitly with batch requests. FIFO order is preserved.
type PickupQueue struct {
	mu        sync.Mutex
	items     []QueuedMessage
	lastAdded time.Time
	filled    chan struct{}
}

func NewPickupQueue() *PickupQueue {
	return &PickupQueue{filled: make(chan struct{})}
}

// Put appends a message and wakes blocked batch readers.
func (q *PickupQueue) Put(payload json.RawMessage) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	q.items = append(q.items, QueuedMessage{ID: id, Payload: payload})
	q.lastAdded = time.Now()
	close(q.filled)
	q.filled = make(chan struct{})
	return id
}

// LastAdded reports when the most recent message arrived; zero when
// nothing was ever queued.
func (q *PickupQueue) LastAdded() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAdded
}

// Len reports the queue depth.
func (q *PickupQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns a snapshot without removing anything.
func (q *PickupQueue) List() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Batch removes and returns up to batchSize messages, waiting up to
// delayTimeout for the first one to arrive. An empty result means the
// wait expired.
func (q *PickupQueue) Batch(ctx context.Context, batchSize int, delayTimeout time.Duration) []QueuedMessage {
	if batchSize <= 0 {
		batchSize = 1
	}
	deadline := time.Now().Add(delayTimeout)

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := batchSize
			if n > len(q.items) {
				n = len(q.items)
			}
			batch := make([]QueuedMessage, n)
			copy(batch, q.items[:n])
			q.items = q.items[n:]
			q.mu.Unlock()
			return batch
		}
		filled := q.filled
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-filled:
			timer.Stop()
		case <-timer.C:
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}
