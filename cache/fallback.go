// ABOUTME: Last-resort cache tier of plain JSON files
// ABOUTME: Used when the durable store is unreadable or empty
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// Files stores one JSON file per scope in a directory.
type Files struct {
	dir string
}

// DefaultFallbackDir returns the XDG cache location for fallback files.
func DefaultFallbackDir() string {
	return filepath.Join(xdg.CacheHome, "dealsync")
}

// NewFiles creates a fallback tier rooted at dir.
func NewFiles(dir string) *Files {
	if dir == "" {
		dir = DefaultFallbackDir()
	}
	return &Files{dir: dir}
}

func (f *Files) path(scope string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, scope)
	return filepath.Join(f.dir, "deals-"+safe+".json")
}

func (f *Files) Load(ctx context.Context, scope string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(scope))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback file: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode fallback file: %w", err)
	}
	return &entry, nil
}

func (f *Files) Save(ctx context.Context, scope string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("failed to create fallback dir: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode fallback entry: %w", err)
	}
	return writeFileAtomic(f.path(scope), data, 0600)
}

func (f *Files) Delete(ctx context.Context, scope string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.path(scope))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove fallback file: %w", err)
	}
	return nil
}

func (f *Files) Close() error { return nil }

// writeFileAtomic writes through a temp file so readers never see a partial entry.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
