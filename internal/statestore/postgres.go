package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createStateTableSQL = `CREATE TABLE IF NOT EXISTS monitor_state (
        id          smallint PRIMARY KEY,
        doc         jsonb NOT NULL,
        updated_at  timestamptz NOT NULL DEFAULT now()
    );`

	loadStateSQL = `SELECT doc FROM monitor_state WHERE id = $1;`

	saveStateSQL = `INSERT INTO monitor_state (id, doc, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (id) DO UPDATE
    SET doc = EXCLUDED.doc,
        updated_at = EXCLUDED.updated_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	stateRowID = 1
)

// PostgresStore keeps the snapshot in a single jsonb row. The row is replaced
// in one statement per cycle, which preserves the all-or-nothing write
// contract; readers never observe a partially written document.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a store and ensures the state table
// exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	if _, err := pool.Exec(ctx, createStateTableSQL); err != nil {
		return nil, fmt.Errorf("ensure state table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Load reads the snapshot row. A missing row yields an empty snapshot.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var doc []byte
	if err := pool.QueryRow(ctx, loadStateSQL, stateRowID).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("load state row: %w", err)
	}
	return Decode(doc)
}

// Save upserts the snapshot row.
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	data, err := Encode(snap)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, saveStateSQL, stateRowID, data); err != nil {
		return fmt.Errorf("save state row: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. A second watcher pointed at the same database skips its
// cycles instead of double-alerting.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; the session drop releases it anyway
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

var _ Store = (*PostgresStore)(nil)
var _ AdvisoryLocker = (*PostgresStore)(nil)
