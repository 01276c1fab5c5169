// Package chain implements HandReceipt's tamper-evident audit chain
// (C2): an append-only, hash-chained sequence of sealed blocks, each
// carrying a Merkle tree over a batch of events. It generalizes the
// pending-buffer/block-size-trigger design of the original Rust
// AuditChain into Go, and replaces its SHA-256 hashing with SHA-512 and
// its ad hoc leaf hashing with the canonical event encoding this
// module's wire format specifies.
package chain

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/herrors"
	"github.com/handreceipt/handreceipt/pkg/ports"
)

// Config controls block-sealing behavior.
type Config struct {
	BlockSize    int           // events per block before a size-triggered seal
	SealInterval time.Duration // max wait before a time-triggered seal of a non-empty pending buffer
	Logger       *log.Logger
}

// DefaultConfig returns sane defaults for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		BlockSize:    100,
		SealInterval: 30 * time.Second,
		Logger:       log.New(os.Stderr, "[Chain] ", log.LstdFlags),
	}
}

// Chain is the in-memory, single-writer view of the audit chain. Sealed
// blocks are additionally persisted through the ChainStore port;
// pending events live only in memory until their block seals.
type Chain struct {
	pendingMu sync.Mutex
	pending   []*Event

	blocksMu  sync.RWMutex
	blocks    []*Block
	eventPos  map[uuid.UUID]eventPosition

	cfg   *Config
	store ports.ChainStore
	clock ports.Clock

	sealerStopCh chan struct{}
	sealerDoneCh chan struct{}
}

// eventPosition locates an event within a sealed block, for the
// event_id-keyed proof lookup ProofByEventID maintains alongside
// c.blocks.
type eventPosition struct {
	blockIndex uint64
	eventIndex int
}

// New creates a Chain backed by store. If store already holds blocks
// (from a prior run), they are loaded and verified before New returns.
func New(ctx context.Context, store ports.ChainStore, clock ports.Clock, cfg *Config) (*Chain, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[Chain] ", log.LstdFlags)
	}

	c := &Chain{
		cfg:      cfg,
		store:    store,
		clock:    clock,
		eventPos: make(map[uuid.UUID]eventPosition),
	}

	count, err := store.BlockCount(ctx)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindStorage, "chain.New", "read block count: %w", err)
	}

	blocks := make([]*Block, 0, count)
	for i := uint64(0); i < count; i++ {
		raw, err := store.ReadBlock(ctx, i)
		if err != nil {
			return nil, herrors.Wrap(herrors.KindStorage, "chain.New", "read block %d: %w", i, err)
		}
		b, err := decodeBlock(raw)
		if err != nil {
			return nil, herrors.Wrap(herrors.KindChain, "chain.New", "decode block %d: %w", i, err)
		}
		blocks = append(blocks, b)
		c.indexBlockEvents(i, b)
	}
	c.blocks = blocks

	if ok, idx := c.verifyLocked(); !ok {
		return nil, herrors.New(herrors.KindChain, "chain.New", fmt.Errorf("chain integrity check failed at block %d", idx))
	}

	return c, nil
}

// Append adds an event to the pending buffer. If the buffer reaches the
// configured block size, it is sealed immediately and the new block is
// persisted before Append returns.
func (c *Chain) Append(ctx context.Context, e *Event) (sealed *Block, err error) {
	c.pendingMu.Lock()
	c.pending = append(c.pending, e)
	shouldSeal := len(c.pending) >= c.cfg.BlockSize
	c.pendingMu.Unlock()

	if shouldSeal {
		return c.SealPending(ctx)
	}
	return nil, nil
}

// SealPending forces the current pending buffer into a new block, even
// if it is below the configured block size. It is a no-op (returns nil,
// nil) if there is nothing pending.
func (c *Chain) SealPending(ctx context.Context) (*Block, error) {
	c.pendingMu.Lock()
	events := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if len(events) == 0 {
		return nil, nil
	}

	c.blocksMu.Lock()
	defer c.blocksMu.Unlock()

	index := uint64(len(c.blocks))
	var prevHash []byte
	if len(c.blocks) > 0 {
		prevHash = c.blocks[len(c.blocks)-1].Hash
	} else {
		prevHash = GenesisPrevHash()
	}

	block, err := sealBlock(index, prevHash, events, c.clock.Now())
	if err != nil {
		return nil, herrors.New(herrors.KindChain, "chain.SealPending", err)
	}

	raw, err := encodeBlock(block)
	if err != nil {
		return nil, herrors.New(herrors.KindChain, "chain.SealPending", err)
	}

	if err := c.store.AppendBlock(ctx, index, raw); err != nil {
		// Roll the sealed events back into pending so a retry (or a later
		// catch-up sync) does not silently lose them.
		c.pendingMu.Lock()
		c.pending = append(events, c.pending...)
		c.pendingMu.Unlock()
		return nil, herrors.Wrap(herrors.KindStorage, "chain.SealPending", "persist block %d: %w", index, err)
	}

	c.blocks = append(c.blocks, block)
	c.indexBlockEvents(index, block)
	c.cfg.Logger.Printf("sealed block %d (%d events)", index, len(events))
	return block, nil
}

// indexBlockEvents records blockIndex's events in c.eventPos. Callers
// must hold blocksMu.
func (c *Chain) indexBlockEvents(blockIndex uint64, block *Block) {
	for i, e := range block.Events {
		c.eventPos[e.ID] = eventPosition{blockIndex: blockIndex, eventIndex: i}
	}
}

// VerifyChain walks every sealed block, recomputing its hash and
// checking it links to the previous block's hash.
func (c *Chain) VerifyChain() (bool, uint64) {
	c.blocksMu.RLock()
	defer c.blocksMu.RUnlock()
	return c.verifyLocked()
}

func (c *Chain) verifyLocked() (bool, uint64) {
	var prev *Block
	for i, b := range c.blocks {
		if !verifyBlockLink(b, prev) {
			return false, uint64(i)
		}
		prev = b
	}
	return true, uint64(len(c.blocks))
}

// Proof returns a Merkle inclusion proof for the event at eventIndex
// within the block at blockIndex.
func (c *Chain) Proof(blockIndex uint64, eventIndex int) (*MerkleProof, error) {
	c.blocksMu.RLock()
	defer c.blocksMu.RUnlock()
	return c.proofLocked(blockIndex, eventIndex)
}

// ProofByEventID returns a Merkle inclusion proof for the event with
// the given id, looking up its sealed position via the index
// SealPending and New maintain. This is the canonical, always-available
// event_id-keyed proof accessor; PostgresProofIndex (pgindex.go) is an
// optional, rebuildable secondary index over the same data, not a
// replacement for this lookup.
func (c *Chain) ProofByEventID(eventID uuid.UUID) (*MerkleProof, error) {
	c.blocksMu.RLock()
	defer c.blocksMu.RUnlock()

	pos, ok := c.eventPos[eventID]
	if !ok {
		return nil, herrors.New(herrors.KindNotFound, "chain.ProofByEventID", fmt.Errorf("event %s not found", eventID))
	}
	return c.proofLocked(pos.blockIndex, pos.eventIndex)
}

// proofLocked builds a Merkle proof for eventIndex within blockIndex.
// Callers must hold at least blocksMu.RLock().
func (c *Chain) proofLocked(blockIndex uint64, eventIndex int) (*MerkleProof, error) {
	if blockIndex >= uint64(len(c.blocks)) {
		return nil, herrors.New(herrors.KindNotFound, "chain.Proof", fmt.Errorf("block %d not found", blockIndex))
	}
	block := c.blocks[blockIndex]

	leaves := make([][]byte, len(block.Events))
	for i, e := range block.Events {
		h, err := hashEvent(e)
		if err != nil {
			return nil, herrors.New(herrors.KindChain, "chain.Proof", err)
		}
		leaves[i] = h
	}

	tree, err := BuildMerkleTree(leaves)
	if err != nil {
		return nil, herrors.New(herrors.KindChain, "chain.Proof", err)
	}

	return tree.GenerateProof(eventIndex)
}

// BlockCount returns the number of sealed blocks.
func (c *Chain) BlockCount() uint64 {
	c.blocksMu.RLock()
	defer c.blocksMu.RUnlock()
	return uint64(len(c.blocks))
}

// Block returns the sealed block at index, or nil if out of range.
func (c *Chain) Block(index uint64) *Block {
	c.blocksMu.RLock()
	defer c.blocksMu.RUnlock()
	if index >= uint64(len(c.blocks)) {
		return nil
	}
	return c.blocks[index]
}

// StartSealer runs a background loop that force-seals the pending
// buffer whenever it has sat non-empty for longer than SealInterval,
// using this module's usual timer/stopCh/doneCh scheduler idiom.
func (c *Chain) StartSealer(ctx context.Context) {
	c.sealerStopCh = make(chan struct{})
	c.sealerDoneCh = make(chan struct{})

	go func() {
		defer close(c.sealerDoneCh)
		ticker := time.NewTicker(c.cfg.SealInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.sealerStopCh:
				return
			case <-ticker.C:
				c.pendingMu.Lock()
				hasPending := len(c.pending) > 0
				c.pendingMu.Unlock()
				if !hasPending {
					continue
				}
				if _, err := c.SealPending(ctx); err != nil {
					c.cfg.Logger.Printf("sealer: %v", err)
				}
			}
		}
	}()
}

// StopSealer stops the background sealer loop started by StartSealer.
func (c *Chain) StopSealer() {
	if c.sealerStopCh == nil {
		return
	}
	close(c.sealerStopCh)
	<-c.sealerDoneCh
}
