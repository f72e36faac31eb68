package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jllopis/synod/pkg/config"
)

// Open builds the sink selected in configuration. The returned close function
// releases any database handle and is always non-nil.
func Open(cfg config.AuditConfig) (Sink, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Sink {
	case "", "memory":
		return NewMemorySink(), noop, nil
	case "jsonl":
		var opts []JSONLOption
		if cfg.EncryptionKey != "" {
			opts = append(opts, WithHexKey(cfg.EncryptionKey))
		}
		sink, err := NewJSONLSink(cfg.Path, opts...)
		if err != nil {
			return nil, noop, err
		}
		return sink, noop, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, noop, err
			}
		}
		db, err := sql.Open("sqlite", cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		sink, err := NewSQLiteSink(db)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		return sink, db.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}
