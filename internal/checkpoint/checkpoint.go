// Package checkpoint records which (step, item, variant) units of work have
// completely written their outputs, so interrupted pipelines can resume
// without redoing finished work.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Variant distinguishes a mirrored input from the primary one.
type Variant string

const (
	Primary  Variant = "primary"
	Mirrored Variant = "mirrored"
)

// Suffix is the file-name suffix outputs of this variant carry.
func (v Variant) Suffix() string {
	if v == Mirrored {
		return "_m"
	}
	return ""
}

// Key identifies one unit of checkpointed work.
type Key struct {
	Step    string
	Item    string
	Variant Variant
}

func (k Key) String() string {
	return k.Step + "/" + k.Item + k.Variant.Suffix()
}

// Validate rejects keys with empty fields or path separators.
func (k Key) Validate() error {
	for field, value := range map[string]string{"step": k.Step, "item": k.Item} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("checkpoint key: empty %s", field)
		}
		if strings.ContainsAny(value, `/\`) {
			return fmt.Errorf("checkpoint key: %s %q contains a path separator", field, value)
		}
	}
	if k.Variant != Primary && k.Variant != Mirrored {
		return fmt.Errorf("checkpoint key: unknown variant %q", k.Variant)
	}
	return nil
}

// Store is the key-value contract the stage runner checkpoints against.
// Implementations must be safe for concurrent use across distinct keys.
type Store interface {
	// Exists reports whether key was marked complete and all of its recorded
	// outputs are still present.
	Exists(ctx context.Context, key Key) (bool, error)
	// MarkComplete records key as done, remembering the output paths.
	MarkComplete(ctx context.Context, key Key, outputs []string) error
	// Clear forgets key. Clearing an unknown key is not an error.
	Clear(ctx context.Context, key Key) error
}

// outputsPresent reports whether every path exists as a non-empty file.
func outputsPresent(paths []string) (bool, error) {
	for _, p := range paths {
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stat checkpoint output %s: %w", p, err)
		}
		if info.IsDir() || info.Size() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Backends accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the store of the named backend rooted at dir together with a
// function releasing it.
func Open(ctx context.Context, backend, dir string) (Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(dir), func() error { return nil }, nil
	case BackendSQLite:
		store, err := OpenSQLite(ctx, filepath.Join(dir, "checkpoints.db"))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("checkpoint: unknown backend %q", backend)
	}
}
