package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/herrors"
)

var errOutOfOrder = errors.New("chain_test: block index out of order")

// memChainStore is an in-memory ports.ChainStore for tests.
type memChainStore struct {
	mu     sync.Mutex
	blocks [][]byte
}

func (s *memChainStore) AppendBlock(_ context.Context, index uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index != uint64(len(s.blocks)) {
		return herrors.New(herrors.KindConflict, "memChainStore.AppendBlock", errOutOfOrder)
	}
	s.blocks = append(s.blocks, data)
	return nil
}

func (s *memChainStore) ReadBlock(_ context.Context, index uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= uint64(len(s.blocks)) {
		return nil, herrors.New(herrors.KindNotFound, "memChainStore.ReadBlock", errOutOfOrder)
	}
	return s.blocks[index], nil
}

func (s *memChainStore) Head(_ context.Context) (uint64, []byte, error) { return 0, nil, nil }

func (s *memChainStore) BlockCount(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.blocks)), nil
}

type staticClock struct{ t time.Time }

func (c staticClock) Now() time.Time { return c.t }

func testEvent(action string) *Event {
	return &Event{
		ID:         uuid.New(),
		Kind:       KindTransferInitiated,
		Action:     action,
		ActorID:    uuid.New(),
		ResourceID: uuid.New(),
		Severity:   SeverityHigh,
		Status:     StatusSuccess,
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BlockSize = 3
	return cfg
}

func TestAppendSealsAtBlockSize(t *testing.T) {
	store := &memChainStore{}
	c, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 2; i++ {
		if sealed, err := c.Append(context.Background(), testEvent("step")); err != nil || sealed != nil {
			t.Fatalf("unexpected seal before block size reached: %v %v", sealed, err)
		}
	}
	sealed, err := c.Append(context.Background(), testEvent("step"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if sealed == nil {
		t.Fatal("expected a sealed block on the third append")
	}
	if sealed.Index != 0 || len(sealed.Events) != 3 {
		t.Fatalf("unexpected sealed block: index=%d events=%d", sealed.Index, len(sealed.Events))
	}
	if c.BlockCount() != 1 {
		t.Fatalf("expected 1 block, got %d", c.BlockCount())
	}
}

func TestSealPendingIsNoopWhenEmpty(t *testing.T) {
	store := &memChainStore{}
	c, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	block, err := c.SealPending(context.Background())
	if err != nil || block != nil {
		t.Fatalf("expected no-op seal on empty buffer, got %v %v", block, err)
	}
}

func TestVerifyChainDetectsTamperedHash(t *testing.T) {
	store := &memChainStore{}
	c, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Append(context.Background(), testEvent("step")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if ok, _ := c.VerifyChain(); !ok {
		t.Fatal("freshly sealed chain should verify")
	}

	c.blocks[0].Hash[0] ^= 0xFF
	ok, badIndex := c.VerifyChain()
	if ok {
		t.Fatal("expected tamper detection to fail verification")
	}
	if badIndex != 0 {
		t.Fatalf("expected tamper to surface at the corrupted block (index 0), got %d", badIndex)
	}
}

func TestProofVerifiesAgainstSealedBlock(t *testing.T) {
	store := &memChainStore{}
	c, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := make([]*Event, 3)
	for i := range events {
		events[i] = testEvent("step")
		if _, err := c.Append(context.Background(), events[i]); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	proof, err := c.Proof(0, 1)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	leaf, err := events[1].LeafHash()
	if err != nil {
		t.Fatalf("LeafHash: %v", err)
	}
	ok, err := VerifyMerkleProof(leaf, proof, c.Block(0).MerkleRoot)
	if err != nil {
		t.Fatalf("VerifyMerkleProof: %v", err)
	}
	if !ok {
		t.Fatal("expected proof to verify against the sealed block's Merkle root")
	}
}

func TestProofByEventIDMatchesPositionalProof(t *testing.T) {
	store := &memChainStore{}
	c, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := make([]*Event, 3)
	for i := range events {
		events[i] = testEvent("step")
		if _, err := c.Append(context.Background(), events[i]); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	byPosition, err := c.Proof(0, 1)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	byEventID, err := c.ProofByEventID(events[1].ID)
	if err != nil {
		t.Fatalf("ProofByEventID: %v", err)
	}
	if len(byPosition.Path) != len(byEventID.Path) || byPosition.LeafIndex != byEventID.LeafIndex {
		t.Fatalf("expected ProofByEventID to match the positional proof, got %+v vs %+v", byPosition, byEventID)
	}

	leaf, err := events[1].LeafHash()
	if err != nil {
		t.Fatalf("LeafHash: %v", err)
	}
	ok, err := VerifyMerkleProof(leaf, byEventID, c.Block(0).MerkleRoot)
	if err != nil {
		t.Fatalf("VerifyMerkleProof: %v", err)
	}
	if !ok {
		t.Fatal("expected ProofByEventID's proof to verify against the sealed block's Merkle root")
	}

	if _, err := c.ProofByEventID(uuid.New()); err == nil {
		t.Fatal("expected ProofByEventID to fail for an unknown event id")
	}
}

func TestProofByEventIDSurvivesRecovery(t *testing.T) {
	store := &memChainStore{}
	c, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := make([]*Event, 3)
	for i := range events {
		events[i] = testEvent("step")
		if _, err := c.Append(context.Background(), events[i]); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recovered, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New on recovery: %v", err)
	}
	if _, err := recovered.ProofByEventID(events[1].ID); err != nil {
		t.Fatalf("expected a recovered chain to rebuild its event index, got: %v", err)
	}
}

func TestNewRecoversAndVerifiesPersistedBlocks(t *testing.T) {
	store := &memChainStore{}
	c, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Append(context.Background(), testEvent("step")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recovered, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New on recovery: %v", err)
	}
	if recovered.BlockCount() != 1 {
		t.Fatalf("expected 1 recovered block, got %d", recovered.BlockCount())
	}
	if ok, _ := recovered.VerifyChain(); !ok {
		t.Fatal("recovered chain should verify")
	}
}

func TestNewRejectsCorruptedPersistedChain(t *testing.T) {
	store := &memChainStore{}
	c, err := New(context.Background(), store, staticClock{time.Now()}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Append(context.Background(), testEvent("step")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	raw, err := store.ReadBlock(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	store.blocks[0] = raw

	if _, err := New(context.Background(), store, staticClock{time.Now()}, testConfig()); err == nil {
		t.Fatal("expected New to reject a corrupted persisted chain")
	}
}
