// SPDX-License-Identifier: Apache-2.0
package audit

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists audit entries in SQLite.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink creates a SQLite-backed audit sink and ensures schema.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureAuditSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

// Append stores a single entry.
func (s *SQLiteSink) Append(ctx context.Context, entry Entry) error {
	entry = normalize(entry)
	payload, err := encodePayload(entry.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, ts, kind, actor, action, run_id, reason, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.Timestamp,
		string(entry.Kind),
		entry.Actor,
		entry.Action,
		entry.RunID,
		entry.Reason,
		string(payload),
	)
	return err
}

// List returns entries matching the filter in append order.
func (s *SQLiteSink) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT id, ts, kind, actor, action, run_id, reason, payload_json FROM audit_entries`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.Kind != "" {
		addFilter("kind = ?", string(filter.Kind))
	}
	if filter.Actor != "" {
		addFilter("actor = ?", filter.Actor)
	}
	if filter.RunID != "" {
		addFilter("run_id = ?", filter.RunID)
	}
	if !filter.Since.IsZero() {
		addFilter("ts >= ?", filter.Since.UTC())
	}
	query += where + " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			payload string
			ts      sql.NullTime
		)
		if err := rows.Scan(&e.ID, &ts, &kind, &e.Actor, &e.Action, &e.RunID, &e.Reason, &payload); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if ts.Valid {
			e.Timestamp = ts.Time
		}
		if p, err := decodePayload([]byte(payload)); err == nil {
			e.Payload = p
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			ts TIMESTAMP NOT NULL,
			kind TEXT NOT NULL,
			actor TEXT,
			action TEXT,
			run_id TEXT,
			reason TEXT,
			payload_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_entries(kind);
		CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_entries(run_id);
	`)
	return err
}
