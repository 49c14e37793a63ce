package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps one JSON marker per key under Root, laid out as
// <root>/<step>/<item>[_m].done.json.
type FileStore struct {
	Root string
}

type marker struct {
	Step      string    `json:"step"`
	Item      string    `json:"item"`
	Variant   Variant   `json:"variant"`
	Outputs   []string  `json:"outputs"`
	Completed time.Time `json:"completed_at"`
}

// NewFileStore returns a store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (s *FileStore) markerPath(key Key) string {
	return filepath.Join(s.Root, key.Step, key.Item+key.Variant.Suffix()+".done.json")
}

func (s *FileStore) Exists(_ context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	data, err := os.ReadFile(s.markerPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		// A torn marker from an interrupted write counts as incomplete.
		return false, nil
	}
	return outputsPresent(m.Outputs)
}

func (s *FileStore) MarkComplete(_ context.Context, key Key, outputs []string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	path := s.markerPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(marker{
		Step:      key.Step,
		Item:      key.Item,
		Variant:   key.Variant,
		Outputs:   outputs,
		Completed: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := os.Remove(s.markerPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear checkpoint %s: %w", key, err)
	}
	return nil
}
