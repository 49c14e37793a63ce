package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bifrost/internal/sqlstore"
)

const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE checkpoints (
    step         TEXT NOT NULL,
    item         TEXT NOT NULL,
    variant      TEXT NOT NULL,
    outputs      TEXT NOT NULL,
    completed_at TEXT NOT NULL,
    PRIMARY KEY (step, item, variant)
);
`

// SQLiteStore keeps checkpoints in a single embedded database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the checkpoint database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure checkpoint dir: %w", err)
	}
	db, err := sqlstore.Open(ctx, sqlstore.Options{
		Path:    path,
		Schema:  sqliteSchema,
		Version: sqliteSchemaVersion,
		Pragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
		},
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Exists(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT outputs FROM checkpoints WHERE step = ? AND item = ? AND variant = ?`,
		key.Step, key.Item, string(key.Variant),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	var outputs []string
	if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
		return false, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return outputsPresent(outputs)
}

func (s *SQLiteStore) MarkComplete(ctx context.Context, key Key, outputs []string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if outputs == nil {
		outputs = []string{}
	}
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", key, err)
	}
	return sqlstore.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (step, item, variant, outputs, completed_at) VALUES (?, ?, ?, ?, ?)
             ON CONFLICT(step, item, variant) DO UPDATE SET outputs = excluded.outputs, completed_at = excluded.completed_at`,
			key.Step, key.Item, string(key.Variant), string(encoded), time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("write checkpoint %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Clear(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return sqlstore.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE step = ? AND item = ? AND variant = ?`,
			key.Step, key.Item, string(key.Variant),
		)
		if err != nil {
			return fmt.Errorf("clear checkpoint %s: %w", key, err)
		}
		return nil
	})
}
