// SPDX-License-Identifier: Apache-2.0
package pathmemory

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/synod/pkg/errors"
)

// SQLiteStore persists paths and scope values in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if err := ensurePathMemorySchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendPath(ctx context.Context, target string, kind Kind, sig Signature) error {
	raw, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_paths (target, kind, hash, signature_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, target, string(kind), sig.Hash, string(raw), time.Now().UTC())
	return err
}

func (s *SQLiteStore) ListPaths(ctx context.Context, filter PathFilter) ([]Signature, error) {
	query := `SELECT signature_json FROM memory_paths WHERE target = ? AND kind = ?`
	args := []any{filter.Target, string(filter.Kind)}
	if filter.Hashes != nil {
		if len(filter.Hashes) == 0 {
			return nil, nil
		}
		query += " AND hash IN (?" + strings.Repeat(",?", len(filter.Hashes)-1) + ")"
		for _, h := range filter.Hashes {
			args = append(args, h)
		}
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Signature
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sig Signature
		if err := json.Unmarshal([]byte(raw), &sig); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutValue(ctx context.Context, principal, scope, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_values (principal, scope, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(principal, scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, principal, scope, key, value, time.Now().UTC())
	return err
}

func (s *SQLiteStore) GetValue(ctx context.Context, principal, scope, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM memory_values WHERE principal = ? AND scope = ? AND key = ?
	`, principal, scope, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", errors.NotFound("key " + key)
	}
	return value, err
}

func (s *SQLiteStore) ListValues(ctx context.Context, principal, scope string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM memory_values WHERE principal = ? AND scope = ?
	`, principal, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func ensurePathMemorySchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_paths (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			target TEXT NOT NULL,
			kind TEXT NOT NULL,
			hash TEXT NOT NULL,
			signature_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_paths_scope ON memory_paths(target, kind);
		CREATE INDEX IF NOT EXISTS idx_memory_paths_hash ON memory_paths(hash);
		CREATE TABLE IF NOT EXISTS memory_values (
			principal TEXT NOT NULL,
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (principal, scope, key)
		);
	`)
	return err
}
