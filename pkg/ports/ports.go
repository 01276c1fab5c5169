// Package ports defines the narrow interfaces HandReceipt's core
// subsystems depend on instead of concrete infrastructure: a property
// directory, the tamper-evident chain store, a human-facing audit sink,
// and injectable time/randomness for deterministic tests.
package ports

import (
	"context"
	crand "crypto/rand"
	"time"

	"github.com/google/uuid"
)

// PropertyRecord is the minimal projection of an external property/asset
// directory that HandReceipt's transfer pipeline needs to read and
// optimistically update. The full directory schema (classification rules,
// ownership history UI, etc.) lives outside this module.
type PropertyRecord struct {
	ID         uuid.UUID
	CustodianID uuid.UUID
	Version    int64
}

// PropertyStore is the narrow port onto an external property directory.
// UpdateCustodian must perform a compare-and-swap on Version: it fails
// with herrors.KindConflict if the stored version does not match expected.
type PropertyStore interface {
	Get(ctx context.Context, id uuid.UUID) (*PropertyRecord, error)
	UpdateCustodian(ctx context.Context, id uuid.UUID, newCustodian uuid.UUID, expectedVersion int64) error
	ListByCustodian(ctx context.Context, custodianID uuid.UUID) ([]*PropertyRecord, error)
}

// ChainStore is the persistence port for the tamper-evident audit chain:
// append sealed blocks, read them back for verification, and fetch the
// current chain head for continuity checks across restarts.
type ChainStore interface {
	AppendBlock(ctx context.Context, index uint64, data []byte) error
	ReadBlock(ctx context.Context, index uint64) ([]byte, error)
	Head(ctx context.Context) (index uint64, hash []byte, err error)
	BlockCount(ctx context.Context) (uint64, error)
}

// AuditSink is a best-effort, human-facing mirror of audit events --
// explicitly distinct from the tamper-evident ChainStore. Failures here
// must never block or fail a transfer operation.
type AuditSink interface {
	Record(ctx context.Context, eventType string, subjectID uuid.UUID, details map[string]any) error
}

// Clock is injected wherever wall-clock time affects a decision, so tests
// can control it deterministically.
type Clock interface {
	Now() time.Time
}

// RandomSource is injected wherever randomness affects a decision (nonce
// generation, challenge bytes, id assignment).
type RandomSource interface {
	Read(p []byte) (int, error)
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SystemRandom is the production RandomSource backed by crypto/rand.
type SystemRandom struct{}

func (SystemRandom) Read(p []byte) (int, error) { return crand.Read(p) }
