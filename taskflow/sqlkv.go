package taskflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CreateKVTableSQL is the schema SQLKV expects. Migrate applies it.
const CreateKVTableSQL = `
CREATE TABLE IF NOT EXISTS taskflow_kv (
    kv_key     VARCHAR(128) PRIMARY KEY,
    kv_value   BLOB         NOT NULL,
    updated_at TIMESTAMP    NOT NULL
);
`

// SQLKV is a KV backed by a relational DB (sqlite by default, Postgres works
// through the $n placeholder fallback).
type SQLKV struct {
	db *sql.DB
}

func NewSQLKV(db *sql.DB) *SQLKV {
	return &SQLKV{db: db}
}

// OpenSQLite opens (creating if needed) a sqlite database file suitable for
// the cache and the sync journal.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return db, nil
}

func (s *SQLKV) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if _, err := s.db.ExecContext(ctx, CreateKVTableSQL); err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	var value []byte
	q := `SELECT kv_value FROM taskflow_kv WHERE kv_key = ?`
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		qpg := `SELECT kv_value FROM taskflow_kv WHERE kv_key = $1`
		err = s.db.QueryRowContext(ctx, qpg, key).Scan(&value)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	now := time.Now().UTC()
	q := `INSERT INTO taskflow_kv (kv_key, kv_value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (kv_key) DO UPDATE SET kv_value = excluded.kv_value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, value, now); err != nil {
		qpg := `INSERT INTO taskflow_kv (kv_key, kv_value, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (kv_key) DO UPDATE SET kv_value = excluded.kv_value, updated_at = excluded.updated_at`
		_, err2 := s.db.ExecContext(ctx, qpg, key, value, now)
		return err2
	}
	return nil
}

func (s *SQLKV) Delete(ctx context.Context, keys ...string) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	for _, key := range keys {
		q := `DELETE FROM taskflow_kv WHERE kv_key = ?`
		if _, err := s.db.ExecContext(ctx, q, key); err != nil {
			qpg := `DELETE FROM taskflow_kv WHERE kv_key = $1`
			if _, err2 := s.db.ExecContext(ctx, qpg, key); err2 != nil {
				return err2
			}
		}
	}
	return nil
}
