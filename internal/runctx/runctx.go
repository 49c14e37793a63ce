// Package runctx carries the per-invocation state every command shares: the
// logger, verbosity, output root and run identifier, plus the advisory lock
// that keeps two processes from writing the same output.
package runctx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"bifrost/internal/logging"
	"bifrost/internal/services"
)

// ErrLocked reports an output root already held by another process.
var ErrLocked = errors.New("output is in use by another bifrost process")

// Options configures New.
type Options struct {
	Root    string
	Verbose bool
	Level   string
	Format  string
	Console io.Writer
	// LogPath, when set, receives the full log from the start of the run.
	LogPath string
}

// Run is the context of one command invocation.
type Run struct {
	ID      string
	Root    string
	Verbose bool
	Logger  *slog.Logger

	lock *flock.Flock
}

// New builds a run with a fresh identifier.
func New(opts Options) (*Run, error) {
	logger, err := logging.New(logging.Options{
		Level:     opts.Level,
		Format:    opts.Format,
		Verbose:   opts.Verbose,
		Console:   opts.Console,
		FilePath:  opts.LogPath,
		FileLevel: "debug",
	})
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Run{
		ID:      id,
		Root:    filepath.Clean(opts.Root),
		Verbose: opts.Verbose,
		Logger:  logger.With(logging.String(logging.FieldRunID, id)),
	}, nil
}

// Context annotates ctx with the run identifier.
func (r *Run) Context(ctx context.Context) context.Context {
	return services.WithRunID(ctx, r.ID)
}

// AttachLog returns the run logger extended with a debug-level file at path.
func (r *Run) AttachLog(path string) (*slog.Logger, error) {
	logger, err := logging.WithFile(r.Logger, path, "debug")
	if err != nil {
		return nil, err
	}
	r.Logger = logger
	return logger, nil
}

// LockPath is the advisory lock guarding root. It sits beside the root so
// that clearing or creating the root never disturbs a held lock.
func LockPath(root string) string {
	root = filepath.Clean(root)
	return filepath.Join(filepath.Dir(root), "."+filepath.Base(root)+".bifrost.lock")
}

// Lock takes the advisory lock on the run root without blocking.
func (r *Run) Lock() error {
	path := LockPath(r.Root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, r.Root)
	}
	r.lock = lock
	return nil
}

// Unlock releases the lock taken by Lock and removes the lock file.
func (r *Run) Unlock() {
	if r.lock == nil {
		return
	}
	if err := r.lock.Unlock(); err != nil {
		r.Logger.Warn("failed to release output lock", logging.Error(err))
	}
	_ = os.Remove(r.lock.Path())
	r.lock = nil
}
