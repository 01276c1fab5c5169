package chain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/handreceipt/handreceipt/pkg/herrors"
)

// FileChainStore is the canonical, durability-bearing ChainStore
// implementation: one file per sealed block under dataDir, named
// NNNNNN.block, plus a small "heads" file recording the current block
// count for fast restart. Writes follow the write-temp-then-rename
// idiom used throughout this module's file-backed adapters so a crash
// mid-write never leaves a half-written block visible.
type FileChainStore struct {
	mu      sync.Mutex
	dataDir string
}

// NewFileChainStore creates (if needed) dataDir and returns a store
// rooted there.
func NewFileChainStore(dataDir string) (*FileChainStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, herrors.Wrap(herrors.KindStorage, "chain.NewFileChainStore", "mkdir %s: %w", dataDir, err)
	}
	return &FileChainStore{dataDir: dataDir}, nil
}

func (s *FileChainStore) blockPath(index uint64) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%06d.block", index))
}

func (s *FileChainStore) headsPath() string {
	return filepath.Join(s.dataDir, "heads")
}

// AppendBlock writes data to the block file for index, then updates the
// heads file to record index+1 as the block count. Both writes are atomic
// (write-temp/os.Rename); AppendBlock fails if a block already exists
// at index, since the chain is append-only.
func (s *FileChainStore) AppendBlock(ctx context.Context, index uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blockPath(index)
	if _, err := os.Stat(path); err == nil {
		return herrors.New(herrors.KindConflict, "chain.AppendBlock", fmt.Errorf("block %d already exists", index))
	}

	if err := writeFileAtomic(path, data); err != nil {
		return herrors.Wrap(herrors.KindStorage, "chain.AppendBlock", "write block %d: %w", index, err)
	}

	if err := writeFileAtomic(s.headsPath(), []byte(fmt.Sprintf("%d", index+1))); err != nil {
		return herrors.Wrap(herrors.KindStorage, "chain.AppendBlock", "update heads: %w", err)
	}

	return nil
}

// ReadBlock returns the raw encoded bytes of the block at index.
func (s *FileChainStore) ReadBlock(ctx context.Context, index uint64) ([]byte, error) {
	data, err := os.ReadFile(s.blockPath(index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, herrors.New(herrors.KindNotFound, "chain.ReadBlock", fmt.Errorf("block %d not found", index))
		}
		return nil, herrors.Wrap(herrors.KindStorage, "chain.ReadBlock", "read block %d: %w", index, err)
	}
	return data, nil
}

// Head returns the current block count and, if any blocks exist, the
// hash of the most recently sealed one.
func (s *FileChainStore) Head(ctx context.Context) (uint64, []byte, error) {
	count, err := s.BlockCount(ctx)
	if err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	raw, err := s.ReadBlock(ctx, count-1)
	if err != nil {
		return 0, nil, err
	}
	b, err := decodeBlock(raw)
	if err != nil {
		return 0, nil, herrors.Wrap(herrors.KindChain, "chain.Head", "decode block %d: %w", count-1, err)
	}
	return count, b.Hash, nil
}

// BlockCount reads the heads file, defaulting to 0 if it does not yet
// exist (a fresh data directory).
func (s *FileChainStore) BlockCount(ctx context.Context) (uint64, error) {
	data, err := os.ReadFile(s.headsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, herrors.Wrap(herrors.KindStorage, "chain.BlockCount", "read heads: %w", err)
	}

	var count uint64
	if _, err := fmt.Sscanf(string(data), "%d", &count); err != nil {
		return 0, herrors.Wrap(herrors.KindStorage, "chain.BlockCount", "parse heads: %w", err)
	}
	return count, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
