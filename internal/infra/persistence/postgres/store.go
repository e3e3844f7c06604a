// Package postgres persists the record store to PostgreSQL. Transactions run
// against the in-memory store; buckets whose encoding changed are upserted
// into a JSONB table after each successful commit, bumping their revision.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"organictrace/internal/infra/persistence/memory"
	"organictrace/pkg/domain"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/organictrace?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB

	mu        sync.Mutex
	persisted map[string][]byte
	// dirty is set while committed state has not reached the table.
	dirty bool
}

// NewStore opens a Postgres-backed store using dsn (falls back to the local
// default), ensures the snapshot table exists and hydrates the in-memory
// store from it.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, raw, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine)
	if len(raw) > 0 {
		mem.ImportState(snapshot)
	}
	return &Store{Store: mem, db: db, persisted: raw}, nil
}

// Flush retries a snapshot write that failed after its in-memory commit.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	return s.persist(context.WithoutCancel(ctx))
}

// RunInTransaction applies fn in memory, then snapshots the state to Postgres.
// A pending snapshot from a failed write is flushed before fn runs.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	if err := s.Flush(ctx); err != nil {
		return domain.Result{}, err
	}
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(context.WithoutCancel(ctx)); err != nil {
		return res, err
	}
	return res, nil
}

// DB exposes the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close flushes unwritten state and releases the connection pool.
func (s *Store) Close() error {
	flushErr := s.Flush(context.Background())
	return errors.Join(flushErr, s.db.Close())
}

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		revision BIGINT NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

// loadSnapshot returns the decoded state and the raw payload of every bucket
// row found.
func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, map[string][]byte, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, nil, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	raw := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, nil, fmt.Errorf("scan state: %w", err)
		}
		if err := snapshot.DecodeBucket(bucket, payload); err != nil {
			return memory.Snapshot{}, nil, err
		}
		raw[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, nil, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, raw, nil
}

const upsertBucket = `INSERT INTO state (bucket, payload) VALUES ($1, $2)
ON CONFLICT (bucket) DO UPDATE SET payload = EXCLUDED.payload, revision = state.revision + 1, updated_at = now()`

// persist upserts the buckets that changed since the last successful write.
// The cache only advances on commit, so a failed write is retried in full by
// the next one.
func (s *Store) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.dirty = retErr != nil }()
	buckets, err := s.ExportState().EncodeBuckets()
	if err != nil {
		return err
	}
	changed := memory.ChangedBuckets(s.persisted, buckets)
	if len(changed) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range changed {
		if _, err := tx.ExecContext(ctx, upsertBucket, bucket, buckets[bucket]); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	s.persisted = buckets
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
