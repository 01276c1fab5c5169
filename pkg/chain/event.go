package chain

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies an audit event for downstream triage; the
// orchestrator marks transfer-initiation events High per spec.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Status is the outcome of the action the event records.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
)

// Kind numbers the event taxonomy; the numeric tag is what the wire
// format hashes (kind_u16_be), not the free-form Action string.
type Kind uint16

const (
	KindUnspecified Kind = iota
	KindTransferInitiated
	KindApprovalRecorded
	KindTransferRejected
	KindTransferCancelled
	KindVerificationStarted
	KindTransferCompleted
	KindTransferConfirmed
	KindConflictResolved
	KindKeyGenerated
	KindKeyRotated
	KindKeyRevoked
	KindPeerAuthenticated
	KindPeerAuthFailed
	KindSyncApplied
	KindSyncRejected
)

// Classification mirrors pkg/transfer's ordered sensitivity tiers,
// repeated here so audit events can be filtered/gated without an
// import cycle back into pkg/transfer.
type Classification int

const (
	ClassificationUnclassified Classification = iota
	ClassificationSensitive
	ClassificationClassified
)

// LessOrEqual reports whether c is no more sensitive than other, under
// the total order Unclassified < Sensitive < Classified.
func (c Classification) LessOrEqual(other Classification) bool { return c <= other }

// Event is one tamper-evident audit record. Events are buffered by a
// Chain and sealed into Blocks in the order they were appended, and are
// immutable once appended. ResourceID is the nil UUID when an event has
// no associated resource.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	Kind           Kind           `json:"kind"`
	Action         string         `json:"action"`
	ActorID        uuid.UUID      `json:"actor_id"`
	ResourceID     uuid.UUID      `json:"resource_id"`
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity"`
	Status         Status         `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

// LeafHash returns the SHA-512 hash of the event's canonical wire
// encoding -- the Merkle leaf this event contributes to its sealing
// block, per the event-serialization-for-hashing wire format.
func (e *Event) LeafHash() ([]byte, error) {
	return hashEvent(e)
}
