// PostgresProofIndex is a secondary, non-canonical index over sealed
// blocks and their event proofs, letting a caller look up an inclusion
// proof by event id without holding the in-memory Chain that backs
// Chain.ProofByEventID (the canonical lookup) -- a query service
// running out-of-process from the writer node, for instance. It is
// always rebuildable from the canonical FileChainStore; losing it is a
// performance regression, never a correctness one. Wiring and
// connection-pool tuning follow this module's usual database-client
// pattern (see pkg/propertystore).
package chain

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
	"github.com/handreceipt/handreceipt/pkg/herrors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresProofIndex wraps a *sql.DB tuned the same way this module's
// other Postgres-backed stores tune their connection pools.
type PostgresProofIndex struct {
	db     *sql.DB
	logger *log.Logger
}

// PostgresIndexConfig configures the secondary index's connection pool.
type PostgresIndexConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          *log.Logger
}

// NewPostgresProofIndex opens a connection pool and applies the
// embedded migration via the same embed.FS migration idiom used
// elsewhere in this module.
func NewPostgresProofIndex(ctx context.Context, cfg PostgresIndexConfig) (*PostgresProofIndex, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[ChainIndex] ", log.LstdFlags)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindStorage, "chain.NewPostgresProofIndex", "open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, herrors.Wrap(herrors.KindStorage, "chain.NewPostgresProofIndex", "ping: %w", err)
	}

	idx := &PostgresProofIndex{db: db, logger: cfg.Logger}
	if err := idx.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	cfg.Logger.Println("proof index connected and migrated")
	return idx, nil
}

func (idx *PostgresProofIndex) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return herrors.Wrap(herrors.KindStorage, "chain.migrate", "read migrations: %w", err)
	}
	for _, entry := range entries {
		sqlBytes, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return herrors.Wrap(herrors.KindStorage, "chain.migrate", "read %s: %w", entry.Name(), err)
		}
		if _, err := idx.db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return herrors.Wrap(herrors.KindStorage, "chain.migrate", "apply %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// IndexBlock records a sealed block's metadata and per-event proofs.
// Chain has no append callback and nothing in this module calls
// IndexBlock; a block is indexed only when a caller passes it here after
// Chain.SealPending has sealed it.
func (idx *PostgresProofIndex) IndexBlock(ctx context.Context, block *Block) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return herrors.Wrap(herrors.KindStorage, "chain.IndexBlock", "begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chain_blocks (block_index, block_hash, prev_hash, merkle_root, event_count, sealed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (block_index) DO NOTHING`,
		block.Index, hex.EncodeToString(block.Hash), hex.EncodeToString(block.PrevHash),
		hex.EncodeToString(block.MerkleRoot), len(block.Events), block.Timestamp)
	if err != nil {
		return herrors.Wrap(herrors.KindStorage, "chain.IndexBlock", "insert block: %w", err)
	}

	leaves := make([][]byte, len(block.Events))
	for i, e := range block.Events {
		h, err := hashEvent(e)
		if err != nil {
			return herrors.New(herrors.KindChain, "chain.IndexBlock", err)
		}
		leaves[i] = h
	}
	tree, err := BuildMerkleTree(leaves)
	if err != nil {
		return herrors.New(herrors.KindChain, "chain.IndexBlock", err)
	}

	for i, e := range block.Events {
		proof, err := tree.GenerateProof(i)
		if err != nil {
			return herrors.New(herrors.KindChain, "chain.IndexBlock", err)
		}
		proofJSON, err := proof.ToJSON()
		if err != nil {
			return herrors.New(herrors.KindInternal, "chain.IndexBlock", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO chain_event_proofs (event_id, block_index, event_index, leaf_hash, proof_json)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO NOTHING`,
			e.ID, block.Index, i, hex.EncodeToString(leaves[i]), proofJSON)
		if err != nil {
			return herrors.Wrap(herrors.KindStorage, "chain.IndexBlock", "insert proof: %w", err)
		}
	}

	return tx.Commit()
}

// ProofForEvent looks up the stored inclusion proof for eventID.
func (idx *PostgresProofIndex) ProofForEvent(ctx context.Context, eventID uuid.UUID) (*MerkleProof, uint64, error) {
	var blockIndex uint64
	var proofJSON []byte

	row := idx.db.QueryRowContext(ctx,
		`SELECT block_index, proof_json FROM chain_event_proofs WHERE event_id = $1`, eventID)
	if err := row.Scan(&blockIndex, &proofJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, herrors.New(herrors.KindNotFound, "chain.ProofForEvent", fmt.Errorf("no proof indexed for event %s", eventID))
		}
		return nil, 0, herrors.Wrap(herrors.KindStorage, "chain.ProofForEvent", "query: %w", err)
	}

	proof, err := MerkleProofFromJSON(proofJSON)
	if err != nil {
		return nil, 0, herrors.Wrap(herrors.KindInternal, "chain.ProofForEvent", "decode proof: %w", err)
	}
	return proof, blockIndex, nil
}

// Close closes the underlying connection pool.
func (idx *PostgresProofIndex) Close() error { return idx.db.Close() }
