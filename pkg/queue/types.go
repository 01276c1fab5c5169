// Package queue implements HandReceipt's offline queue (C4): a bounded,
// priority-ordered replication queue that holds signed chain events
// while a field device is offline, flushing them to peers/the authority
// node as connectivity and network tier allow. It generalizes
// original_source's SyncQueue (backend/src/services/network/mesh/
// offline/queue.rs) into Go, replacing its tokio RwLock and VecDeque
// with a single sync.Mutex over a plain slice kept in priority order by
// insert-by-copy, per this module's
// "single mutex over the queue, no I/O under the lock" concurrency rule.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders items for dequeue; higher values dequeue first.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Status is the lifecycle state of a queued item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// NetworkTier controls how aggressively Flush transmits pending items.
type NetworkTier string

const (
	TierHighThroughput NetworkTier = "high_throughput"
	TierMetered        NetworkTier = "metered"
	TierOffline        NetworkTier = "offline"
)

// meteredFlushLimit caps a single flush tick to the 5 highest-priority
// items when the network tier is Metered.
const meteredFlushLimit = 5

// MerkleProofRef optionally anchors a queue item to the chain position
// its payload came from, letting a receiver verify provenance without
// re-deriving it.
type MerkleProofRef struct {
	BlockIndex uint64
	EventIndex int
	RootHash   []byte
}

// Item is one unit of replication work: an opaque, already-signed
// payload (typically an encoded chain Event) waiting to be transmitted.
type Item struct {
	ID          uuid.UUID
	Payload     []byte
	Priority    Priority
	InsertedAt  time.Time
	Attempts    int
	LastAttempt time.Time
	Status      Status
	Proof       *MerkleProofRef
}
