// Package propertystore is the lib/pq-backed reference implementation of
// ports.PropertyStore: the external property/asset directory HandReceipt
// reads custodianship from and optimistically updates. It follows the
// teacher's pkg/database.Client connection-pooling/functional-options
// idiom, adapted to the single custody table this module needs.
package propertystore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/config"
	"github.com/handreceipt/handreceipt/pkg/herrors"
	"github.com/handreceipt/handreceipt/pkg/ports"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a Postgres-backed ports.PropertyStore.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithLogger overrides the default stderr logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens a connection pool against cfg.DatabaseURL and verifies it
// with a ping before returning.
func New(cfg *config.Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("propertystore: config cannot be nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("propertystore: database URL cannot be empty")
	}

	store := &Store{
		logger: log.New(os.Stderr, "[PropertyStore] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(store)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("propertystore: open database: %w", err)
	}

	maxOpen := cfg.DBMaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.DBMaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("propertystore: ping database: %w", err)
	}

	store.db = db
	store.logger.Printf("connected to property directory (max_open=%d, max_idle=%d)", maxOpen, maxIdle)
	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies every embedded migration in lexical order. Migrations
// are plain idempotent DDL (CREATE TABLE IF NOT EXISTS); there is no
// migration-version bookkeeping table because the schema here is small
// enough that reapplying is always safe.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("propertystore: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("propertystore: read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("propertystore: apply migration %s: %w", name, err)
		}
		s.logger.Printf("applied migration %s", name)
	}
	return nil
}

var _ ports.PropertyStore = (*Store)(nil)

// Get fetches a property by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*ports.PropertyRecord, error) {
	const query = `SELECT id, custodian_id, version FROM properties WHERE id = $1`

	var rec ports.PropertyRecord
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.CustodianID, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, herrors.New(herrors.KindNotFound, "propertystore.Get", fmt.Errorf("property %s not found", id))
	}
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, "propertystore.Get", err)
	}
	return &rec, nil
}

// UpdateCustodian performs a compare-and-swap on version: the update
// only applies if the row's current version still matches expected,
// otherwise it fails with herrors.KindConflict so the caller can reread
// and retry with the latest version.
func (s *Store) UpdateCustodian(ctx context.Context, id uuid.UUID, newCustodian uuid.UUID, expectedVersion int64) error {
	const query = `
		UPDATE properties
		SET custodian_id = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3`

	result, err := s.db.ExecContext(ctx, query, newCustodian, id, expectedVersion)
	if err != nil {
		return herrors.New(herrors.KindStorage, "propertystore.UpdateCustodian", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return herrors.New(herrors.KindStorage, "propertystore.UpdateCustodian", err)
	}
	if rows == 0 {
		if _, getErr := s.Get(ctx, id); herrors.KindOf(getErr) == herrors.KindNotFound {
			return getErr
		}
		return herrors.New(herrors.KindConflict, "propertystore.UpdateCustodian",
			fmt.Errorf("property %s version mismatch: expected %d", id, expectedVersion))
	}
	return nil
}

// ListByCustodian returns every property currently held by custodianID.
func (s *Store) ListByCustodian(ctx context.Context, custodianID uuid.UUID) ([]*ports.PropertyRecord, error) {
	const query = `SELECT id, custodian_id, version FROM properties WHERE custodian_id = $1 ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, custodianID)
	if err != nil {
		return nil, herrors.New(herrors.KindStorage, "propertystore.ListByCustodian", err)
	}
	defer rows.Close()

	var out []*ports.PropertyRecord
	for rows.Next() {
		var rec ports.PropertyRecord
		if err := rows.Scan(&rec.ID, &rec.CustodianID, &rec.Version); err != nil {
			return nil, herrors.New(herrors.KindStorage, "propertystore.ListByCustodian", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.New(herrors.KindStorage, "propertystore.ListByCustodian", err)
	}
	return out, nil
}

// Seed inserts a property record directly, for bootstrapping a directory
// from an external system of record. It is not part of ports.PropertyStore.
func (s *Store) Seed(ctx context.Context, id, custodianID uuid.UUID) error {
	const query = `
		INSERT INTO properties (id, custodian_id, version)
		VALUES ($1, $2, 1)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, id, custodianID)
	if err != nil {
		return herrors.New(herrors.KindStorage, "propertystore.Seed", err)
	}
	return nil
}
