// Package metadata stores per-file sidecar records for delivered
// artifacts, in a tree separate from the project files so the project
// tree contains only artifacts.
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/docstore"
)

// Suffix is appended to the artifact filename to form the sidecar name.
const Suffix = ".meta.json"

// Record is the sidecar content for one delivered artifact.
type Record struct {
	Filename         string    `json:"filename"`
	Team             string    `json:"team"`
	Year             string    `json:"year"`
	Submitter        string    `json:"submitter"`
	ApproverChain    []string  `json:"approver_chain"`
	ApprovedAt       time.Time `json:"approved_at"`
	Description      string    `json:"description,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	SourceUploadPath string    `json:"source_upload_path"`
	FinalPath        string    `json:"final_path,omitempty"`
}

// Key addresses one sidecar.
type Key struct {
	Team     string
	Year     string
	Filename string
}

// Store reads and writes metadata sidecars under the metadata root. A
// legacy sidecar co-located with the project file is read transparently
// when the canonical one is absent, but never created.
type Store struct {
	store       *docstore.Store
	root        func() string
	projectRoot func() string
	logger      *slog.Logger
}

// New creates a metadata store. projectRoot is consulted only for legacy
// co-located sidecars and may resolve to empty to disable that path.
func New(store *docstore.Store, root, projectRoot func() string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, root: root, projectRoot: projectRoot, logger: logger}
}

func (m *Store) sidecarPath(key Key) (string, error) {
	if err := approval.ValidateFilename(key.Filename); err != nil {
		return "", err
	}
	if key.Team == "" || key.Year == "" {
		return "", fmt.Errorf("metadata key requires team and year")
	}
	return filepath.Join(m.root(), key.Team, key.Year, key.Filename+Suffix), nil
}

// Put writes the sidecar for key, creating parent directories as needed.
func (m *Store) Put(ctx context.Context, key Key, rec Record) error {
	path, err := m.sidecarPath(key)
	if err != nil {
		return err
	}
	return docstore.ModifyJSON(ctx, m.store, path, func(doc *Record) error {
		*doc = rec
		return nil
	})
}

// Get loads the sidecar for key, falling back to a legacy sidecar beside
// the project file.
func (m *Store) Get(ctx context.Context, key Key) (Record, error) {
	path, err := m.sidecarPath(key)
	if err != nil {
		return Record{}, err
	}
	rec, ok, err := docstore.ReadJSON[Record](ctx, m.store, path)
	if err != nil {
		return Record{}, err
	}
	if ok {
		return rec, nil
	}

	if projectBase := m.projectRoot(); projectBase != "" {
		legacy := filepath.Join(projectBase, key.Team, key.Year, key.Filename+Suffix)
		rec, ok, err = docstore.ReadJSON[Record](ctx, m.store, legacy)
		if err == nil && ok {
			m.logger.Debug("Read legacy co-located sidecar", slog.String("path", legacy))
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("%w: metadata for %s/%s/%s", docstore.ErrNotFound, key.Team, key.Year, key.Filename)
}

// List returns all records for a team and year.
func (m *Store) List(ctx context.Context, team, year string) ([]Record, error) {
	dir := filepath.Join(m.root(), team, year)
	paths, err := m.store.List(ctx, dir, "")
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, path := range paths {
		if !strings.HasSuffix(path, Suffix) {
			continue
		}
		rec, ok, err := docstore.ReadJSON[Record](ctx, m.store, path)
		if err != nil {
			m.logger.Warn("Skipping unreadable sidecar",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Search walks the whole metadata tree and returns records whose filename
// matches the doublestar pattern and which satisfy the predicate. Either
// may be empty/nil to match everything.
func (m *Store) Search(ctx context.Context, pattern string, predicate func(Record) bool) ([]Record, error) {
	if pattern != "" {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid search pattern: %s", pattern)
		}
	}

	var out []Record
	root := m.root()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(path, Suffix) {
			return nil
		}
		rec, ok, readErr := docstore.ReadJSON[Record](ctx, m.store, path)
		if readErr != nil || !ok {
			return nil
		}
		if pattern != "" {
			matched, _ := doublestar.Match(pattern, rec.Filename)
			if !matched {
				return nil
			}
		}
		if predicate != nil && !predicate(rec) {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}
