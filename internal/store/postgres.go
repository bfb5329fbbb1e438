package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const createStateTable = `
CREATE TABLE IF NOT EXISTS hostguard_state (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps state in a single table for hosts whose state must live
// off-box. Each write is one upsert.
type PostgresStore struct {
	db    *sql.DB
	locks *keyLocks
}

// NewPostgresStore connects and ensures the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createStateTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}

	return &PostgresStore{db: db, locks: newKeyLocks()}, nil
}

// Get reads the value stored at key
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM hostguard_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	return value, nil
}

// Put upserts the value at key
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()
	_, err := s.db.ExecContext(ctx, upsertState, key, value)
	return storageErr("put", key, err)
}

const upsertState = `
INSERT INTO hostguard_state (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

// Update locks the row for the duration of fn so concurrent agents sharing
// the table cannot lose updates either
func (s *PostgresStore) Update(ctx context.Context, key string, fn func(prev []byte) ([]byte, error)) error {
	if err := validKey(key); err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("update", key, err)
	}
	defer tx.Rollback()

	var prev []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM hostguard_state WHERE key = $1 FOR UPDATE`, key).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storageErr("update", key, err)
	}

	next, err := fn(prev)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsertState, key, next); err != nil {
		return storageErr("update", key, err)
	}
	return storageErr("update", key, tx.Commit())
}

// List returns keys under prefix in lexical order
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM hostguard_state WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, storageErr("list", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storageErr("list", prefix, err)
		}
		keys = append(keys, key)
	}
	return keys, storageErr("list", prefix, rows.Err())
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
