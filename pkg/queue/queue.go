package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/herrors"
)

// Config bounds queue capacity and retry behavior.
type Config struct {
	MaxSize    int
	MaxRetries int
}

// DefaultConfig matches the config package's environment defaults.
func DefaultConfig() Config {
	return Config{MaxSize: 10000, MaxRetries: 8}
}

// Queue is a bounded, strictly priority-ordered, FIFO-within-priority
// replication queue. A single mutex guards the backing slice; no I/O
// happens while it is held -- callers read items out under the lock and
// perform transport outside it.
type Queue struct {
	mu    sync.Mutex
	items []*Item
	cfg   Config
}

// New creates an empty Queue bounded by cfg.
func New(cfg Config) *Queue {
	return &Queue{cfg: cfg}
}

// Len returns the current number of items (all statuses).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue inserts item, honoring dedup-by-id: if an item with the same
// ID already exists, Enqueue is a no-op (idempotent enqueue). Otherwise
// the item is inserted at the first position whose priority is lower
// than item's, preserving strict priority ordering with FIFO among
// items of equal priority (items already queued at item's priority
// level keep their earlier dequeue position).
func (q *Queue) Enqueue(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.items {
		if existing.ID == item.ID {
			return nil // dedup: enqueueing the same id twice is a no-op
		}
	}

	if len(q.items) >= q.cfg.MaxSize {
		return herrors.New(herrors.KindQueueFull, "queue.Enqueue", fmt.Errorf("queue size limit reached (%d)", q.cfg.MaxSize))
	}

	if item.Status == "" {
		item.Status = StatusPending
	}

	pos := len(q.items)
	for i, existing := range q.items {
		if existing.Priority < item.Priority {
			pos = i
			break
		}
	}

	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item

	return nil
}

// Dequeue returns the head of the queue (the highest-priority, earliest
// item currently Pending) and marks it InProgress; the item stays in the
// queue until Remove or a Sweep after Complete takes it out. Returns
// nil, false if no item is Pending.
func (q *Queue) Dequeue() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		item.Status = StatusInProgress
		_ = i
		return item, true
	}
	return nil, false
}

// Remove drops the item with the given id regardless of its status.
func (q *Queue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Fail records a failed delivery attempt for id. If attempts exceeds
// MaxRetries the item becomes Failed and is retained (not dequeued
// again automatically); otherwise it is returned to Pending so a later
// flush can retry it.
func (q *Queue) Fail(id uuid.UUID, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID != id {
			continue
		}
		item.Attempts++
		item.LastAttempt = now
		if item.Attempts > q.cfg.MaxRetries {
			item.Status = StatusFailed
		} else {
			item.Status = StatusPending
		}
		return nil
	}
	return herrors.New(herrors.KindNotFound, "queue.Fail", fmt.Errorf("item %s not found", id))
}

// Complete marks id Completed. A periodic Sweep later removes it.
func (q *Queue) Complete(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID == id {
			item.Status = StatusCompleted
			return nil
		}
	}
	return herrors.New(herrors.KindNotFound, "queue.Complete", fmt.Errorf("item %s not found", id))
}

// Sweep removes every Completed item, returning the count removed. It
// is safe to call periodically from a background loop.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.Status == StatusCompleted {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return removed
}

// Snapshot returns a read-only, ordered copy of the current items,
// usable for status inspection without holding the queue lock.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}

// PendingForFlush selects the items a flush tick should hand to
// transport, per the network-tier policy:
//   - HighThroughput: all Pending items, in queue order.
//   - Metered: at most the 5 highest-priority Pending items.
//   - Offline: none (items are signed and held, never transmitted).
// It does not mutate item status; FlushLoop.tick sends the returned
// items while they stay Pending and then calls Complete or Fail on each.
func (q *Queue) PendingForFlush(tier NetworkTier) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if tier == TierOffline {
		return nil
	}

	var pending []*Item
	for _, item := range q.items {
		if item.Status == StatusPending {
			pending = append(pending, item)
		}
	}

	if tier == TierMetered && len(pending) > meteredFlushLimit {
		pending = pending[:meteredFlushLimit]
	}
	return pending
}
