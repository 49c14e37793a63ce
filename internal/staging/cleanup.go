package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bifrost/internal/logging"
)

// CleanResult contains the outcome of a scratch cleanup operation.
type CleanResult struct {
	Removed []string
	Bytes   int64
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// RemoveScratch deletes dir and everything below it. A missing directory is
// not an error.
func RemoveScratch(ctx context.Context, dir string, logger *slog.Logger) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	logger = logging.WithContext(ctx, logging.NewComponentLogger(logger, "staging"))

	size, _ := dirSize(dir)
	if err := os.RemoveAll(dir); err != nil {
		logging.WarnWithContext(logger, "failed to remove scratch directory", "scratch_cleanup_failed",
			logging.String("path", dir),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check output directory permissions"),
			logging.String(logging.FieldImpact, "disk space not reclaimed"),
		)
		return err
	}
	logger.Info("removed scratch directory",
		logging.String("path", dir),
		logging.Int("bytes", int(size)),
		logging.String(logging.FieldEventType, "scratch_cleanup"),
	)
	return nil
}

// CleanOrphaned removes step directories under scratchDir whose names are not
// in active. Resumed builds use it to drop work left by a run that was
// configured with more steps.
func CleanOrphaned(ctx context.Context, scratchDir string, active map[string]struct{}, logger *slog.Logger) CleanResult {
	result := CleanResult{}

	scratchDir = strings.TrimSpace(scratchDir)
	if scratchDir == "" {
		return result
	}
	logger = logging.WithContext(ctx, logging.NewComponentLogger(logger, "staging"))

	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: scratchDir, Error: err})
		}
		return result
	}

	for _, entry := range entries {
		// Hidden entries hold bookkeeping such as checkpoints.
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, ok := active[entry.Name()]; ok {
			continue
		}

		dirPath := filepath.Join(scratchDir, entry.Name())
		size, _ := dirSize(dirPath)
		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			logging.WarnWithContext(logger, "failed to remove orphaned scratch directory", "scratch_cleanup_failed",
				logging.String("path", dirPath),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check output directory permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		result.Bytes += size
		logger.Info("removed orphaned scratch directory",
			logging.String("path", dirPath),
			logging.String(logging.FieldEventType, "scratch_cleanup"),
		)
	}

	return result
}

// ListDirectories returns all directories in dir with their metadata.
func ListDirectories(dir string) ([]DirInfo, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		dirPath := filepath.Join(dir, entry.Name())
		size, _ := dirSize(dirPath)

		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    dirPath,
			ModTime: info.ModTime(),
			Size:    size,
		})
	}

	return dirs, nil
}

// DirInfo contains metadata about a directory of build output.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// dirSize calculates the total size of a directory recursively.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best effort
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
