// Package archive persists one registration's transform chain and provenance
// in a single SQLite file. Entries are addressed by hierarchical names such as
// "/affine/parameters" or "/syn/forward_warp"; groups and datasets may carry
// JSON-encoded attributes, and the root group "/" holds run-level metadata.
//
// Dataset payloads are split into fixed-size chunks, byte-shuffled and gzip
// compressed. Every chunk stores an xxhash64 of its stored bytes that is
// verified on read, so corruption is reported instead of silently decoded.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"bifrost/internal/services"
	"bifrost/internal/sqlstore"
)

// FileName is the archive's name inside a registration results directory.
const FileName = "transform.sqlite"

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE groups (
    path TEXT PRIMARY KEY
);
CREATE TABLE attributes (
    path  TEXT NOT NULL,
    key   TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (path, key)
);
CREATE TABLE datasets (
    path        TEXT PRIMARY KEY,
    dtype       TEXT NOT NULL,
    shape       TEXT NOT NULL,
    chunk_elems INTEGER NOT NULL,
    filters     TEXT NOT NULL
);
CREATE TABLE chunks (
    path     TEXT NOT NULL REFERENCES datasets(path) ON DELETE CASCADE,
    idx      INTEGER NOT NULL,
    raw_size INTEGER NOT NULL,
    checksum INTEGER NOT NULL,
    data     BLOB NOT NULL,
    PRIMARY KEY (path, idx)
);
INSERT INTO groups (path) VALUES ('/');
`

var (
	// ErrExists reports an attempt to create a dataset that is already present.
	ErrExists = errors.New("archive entry already exists")
	// ErrChecksum reports a chunk whose stored bytes no longer hash to the
	// recorded checksum.
	ErrChecksum = errors.New("archive chunk checksum mismatch")
)

// Archive is an open transform archive.
type Archive struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Create starts a new archive at filePath, replacing any existing file.
func Create(ctx context.Context, filePath string) (*Archive, error) {
	for _, suffix := range []string{"", "-journal"} {
		if err := os.Remove(filePath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove existing archive: %w", err)
		}
	}
	return open(ctx, filePath, false)
}

// Open opens an existing archive for reading.
func Open(ctx context.Context, filePath string) (*Archive, error) {
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "archive", "open", filePath, err)
		}
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	return open(ctx, filePath, true)
}

func open(ctx context.Context, filePath string, readOnly bool) (*Archive, error) {
	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if !readOnly {
		pragmas = append(pragmas, "PRAGMA journal_mode = DELETE")
	}
	db, err := sqlstore.Open(ctx, sqlstore.Options{
		Path:     filePath,
		Schema:   schemaSQL,
		Version:  schemaVersion,
		Pragmas:  pragmas,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", filePath, err)
	}
	return &Archive{db: db, path: filePath, readOnly: readOnly}, nil
}

// Path returns the archive's file path.
func (a *Archive) Path() string {
	return a.path
}

// Close releases the underlying database.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// cleanName normalizes an entry name to an absolute slash path.
func cleanName(name string) string {
	return path.Clean("/" + strings.TrimSpace(name))
}

// Has reports whether a group or dataset exists at name.
func (a *Archive) Has(ctx context.Context, name string) (bool, error) {
	name = cleanName(name)
	var count int
	err := a.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(1) FROM groups WHERE path = ?) + (SELECT COUNT(1) FROM datasets WHERE path = ?)`,
		name, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", name, err)
	}
	return count > 0, nil
}

// List returns the names of the direct children of group, sorted.
func (a *Archive) List(ctx context.Context, group string) ([]string, error) {
	group = cleanName(group)
	prefix := strings.TrimSuffix(group, "/") + "/"
	rows, err := a.db.QueryContext(ctx,
		`SELECT path FROM groups WHERE path LIKE ? ESCAPE '\'
         UNION SELECT path FROM datasets WHERE path LIKE ? ESCAPE '\'`,
		likePrefix(prefix), likePrefix(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", group, err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("list %s: %w", group, err)
		}
		rest := strings.TrimPrefix(p, prefix)
		if rest == "" || rest == p {
			continue
		}
		if head, _, found := strings.Cut(rest, "/"); found {
			rest = head
		}
		seen[rest] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", group, err)
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// CreateGroup records name and all of its ancestors as groups.
func (a *Archive) CreateGroup(ctx context.Context, name string) error {
	if err := a.writable(); err != nil {
		return err
	}
	return sqlstore.RetryOnBusy(ctx, func() error {
		return ensureGroups(ctx, a.db, cleanName(name))
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureGroups(ctx context.Context, db execer, name string) error {
	for p := name; p != "/"; p = path.Dir(p) {
		if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO groups (path) VALUES (?)`, p); err != nil {
			return fmt.Errorf("create group %s: %w", p, err)
		}
	}
	return nil
}

func (a *Archive) writable() error {
	if a.readOnly {
		return fmt.Errorf("archive %s is open read-only", a.path)
	}
	return nil
}

// SetAttr stores value, JSON encoded, under key on the entry name. The entry
// is created as a group if it does not exist yet.
func (a *Archive) SetAttr(ctx context.Context, name, key string, value any) error {
	if err := a.writable(); err != nil {
		return err
	}
	name = cleanName(name)
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode attribute %s@%s: %w", name, key, err)
	}
	return sqlstore.RetryOnBusy(ctx, func() error {
		exists, err := a.Has(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			if err := ensureGroups(ctx, a.db, name); err != nil {
				return err
			}
		}
		_, err = a.db.ExecContext(ctx,
			`INSERT INTO attributes (path, key, value) VALUES (?, ?, ?)
             ON CONFLICT(path, key) DO UPDATE SET value = excluded.value`,
			name, key, string(encoded),
		)
		if err != nil {
			return fmt.Errorf("write attribute %s@%s: %w", name, key, err)
		}
		return nil
	})
}

// Attr decodes the attribute key of entry name into dst.
func (a *Archive) Attr(ctx context.Context, name, key string, dst any) error {
	name = cleanName(name)
	var raw string
	err := a.db.QueryRowContext(ctx,
		`SELECT value FROM attributes WHERE path = ? AND key = ?`, name, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return services.Wrap(services.ErrNotFound, "archive", "read attribute", name+"@"+key, nil)
	}
	if err != nil {
		return fmt.Errorf("read attribute %s@%s: %w", name, key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode attribute %s@%s: %w", name, key, err)
	}
	return nil
}

// Attrs returns every attribute of entry name as raw JSON.
func (a *Archive) Attrs(ctx context.Context, name string) (map[string]json.RawMessage, error) {
	name = cleanName(name)
	rows, err := a.db.QueryContext(ctx, `SELECT key, value FROM attributes WHERE path = ? ORDER BY key`, name)
	if err != nil {
		return nil, fmt.Errorf("read attributes of %s: %w", name, err)
	}
	defer rows.Close()

	attrs := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("read attributes of %s: %w", name, err)
		}
		attrs[key] = json.RawMessage(value)
	}
	return attrs, rows.Err()
}
