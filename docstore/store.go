// Package docstore provides named JSON documents on a shared filesystem
// with per-document advisory locking, atomic rename on write, and
// corruption-safe load.
//
// Concurrent modifications of the same document serialize on an exclusive
// lock held on a sibling .lock file, so independent processes on different
// hosts mutating the same share cannot interleave read-modify-write
// cycles. Writes go to a temporary sibling which is fsynced and then
// renamed over the document, so readers never observe a half-written file.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store reads and writes JSON documents addressed by absolute file path.
type Store struct {
	logger  *slog.Logger
	salvage bool
}

// Option configures a Store.
type Option func(*Store)

// WithSalvage makes Modify treat an unparseable document as empty instead
// of failing with ErrCorrupt. Intended for operator tooling, not for the
// engine's normal path.
func WithSalvage() Option {
	return func(s *Store) { s.salvage = true }
}

// New creates a document store.
func New(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read loads a document into v without taking the document lock. The
// snapshot may be slightly stale relative to an in-flight Modify; readers
// that need write consistency must go through Modify.
func (s *Store) Read(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// Modify runs a locked read-modify-write cycle on a raw JSON document.
// fn receives the current contents (nil when the document does not exist)
// and returns the bytes to persist. The exclusive lock is held across the
// full sequence and released on all exit paths.
func (s *Store) Modify(ctx context.Context, path string, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: create dir for %s: %v", ErrUnavailable, path, err)
	}

	unlock, err := lockFile(path)
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrUnavailable, path, err)
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	current, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
		}
		current = nil
	}
	if len(current) > 0 && !json.Valid(current) {
		if !s.salvage {
			return fmt.Errorf("%w: %s", ErrCorrupt, path)
		}
		s.logger.Warn("Salvaging corrupt document as empty", slog.String("path", path))
		current = nil
	}

	updated, err := fn(current)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(path, updated)
}

// writeAtomic writes data to a temporary sibling, fsyncs it, and renames
// it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrUnavailable, path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsync %s: %v", ErrUnavailable, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrUnavailable, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

// List returns the JSON document paths directly under dir whose base name
// starts with prefix, sorted by name. A missing directory yields an empty
// list.
func (s *Store) List(ctx context.Context, dir, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ModifyJSON runs a locked read-modify-write cycle on a typed document.
// fn receives the parsed value (the zero value when the document does not
// exist) and mutates it in place; the result is persisted with two-space
// indentation.
func ModifyJSON[T any](ctx context.Context, s *Store, path string, fn func(doc *T) error) error {
	return s.Modify(ctx, path, func(current []byte) ([]byte, error) {
		var doc T
		if len(current) > 0 {
			if err := json.Unmarshal(current, &doc); err != nil {
				if !s.salvage {
					return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
				}
				s.logger.Warn("Salvaging mistyped document as empty", slog.String("path", path))
				doc = *new(T)
			}
		}
		if err := fn(&doc); err != nil {
			return nil, err
		}
		return json.MarshalIndent(doc, "", "  ")
	})
}

// ReadJSON loads a typed document, returning the zero value and false when
// it does not exist.
func ReadJSON[T any](ctx context.Context, s *Store, path string) (T, bool, error) {
	var doc T
	err := s.Read(ctx, path, &doc)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return doc, false, nil
		}
		return doc, false, err
	}
	return doc, true, nil
}
