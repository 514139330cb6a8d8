// Package archive keeps capped, ordered records of terminal submissions,
// one ring per outcome kind. Every terminal state has exactly one ring.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/docstore"
)

// Kind selects one of the terminal archives.
type Kind string

// Archive kinds and their document names.
const (
	KindApproved      Kind = "approved"
	KindRejectedAdmin Kind = "rejected_admin"
	KindRejectedTL    Kind = "rejected_tl"
	KindWithdrawn     Kind = "withdrawn"
)

var kindFiles = map[Kind]string{
	KindApproved:      "approved.json",
	KindRejectedAdmin: "rejected_admin.json",
	KindRejectedTL:    "rejected_tl.json",
	KindWithdrawn:     "withdrawn.json",
}

// ErrUnknownKind is returned for a Kind outside the known rings.
var ErrUnknownKind = errors.New("unknown archive kind")

// KindFor maps a terminal state to its archive.
func KindFor(state approval.State) (Kind, bool) {
	switch state {
	case approval.StateApproved:
		return KindApproved, true
	case approval.StateRejectedByAdmin:
		return KindRejectedAdmin, true
	case approval.StateRejectedByTeamLeader:
		return KindRejectedTL, true
	case approval.StateWithdrawn:
		return KindWithdrawn, true
	}
	return "", false
}

// Store is the ring archive over the document store.
type Store struct {
	store  *docstore.Store
	root   func() string
	cap    int
	logger *slog.Logger
}

// New creates an archive store. cap bounds each ring; entries beyond it
// are evicted oldest-first.
func New(store *docstore.Store, root func() string, cap int, logger *slog.Logger) *Store {
	if cap <= 0 {
		cap = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, root: root, cap: cap, logger: logger}
}

func (a *Store) path(kind Kind) (string, error) {
	file, ok := kindFiles[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return filepath.Join(a.root(), file), nil
}

// Append records a terminal submission in its ring. Newest entries sit at
// the head. Re-appending the same submission id replaces the existing
// record instead of duplicating it, which makes post-commit retries
// idempotent.
func (a *Store) Append(ctx context.Context, kind Kind, sub *approval.Submission) error {
	path, err := a.path(kind)
	if err != nil {
		return err
	}
	entry := sub.Clone()
	now := time.Now()
	entry.ArchivedAt = &now

	return docstore.ModifyJSON(ctx, a.store, path, func(ring *[]*approval.Submission) error {
		kept := make([]*approval.Submission, 0, len(*ring)+1)
		kept = append(kept, entry)
		for _, existing := range *ring {
			if existing.ID == entry.ID {
				continue
			}
			kept = append(kept, existing)
		}
		if len(kept) > a.cap {
			kept = kept[:a.cap]
		}
		*ring = kept
		return nil
	})
}

// List returns the ring's records, newest first.
func (a *Store) List(ctx context.Context, kind Kind) ([]*approval.Submission, error) {
	path, err := a.path(kind)
	if err != nil {
		return nil, err
	}
	ring, _, err := docstore.ReadJSON[[]*approval.Submission](ctx, a.store, path)
	if err != nil {
		return nil, err
	}
	return ring, nil
}

// Get looks a submission up across all rings.
func (a *Store) Get(ctx context.Context, id string) (*approval.Submission, Kind, error) {
	for kind := range kindFiles {
		ring, err := a.List(ctx, kind)
		if err != nil {
			return nil, "", err
		}
		for _, sub := range ring {
			if sub.ID == id {
				return sub.Clone(), kind, nil
			}
		}
	}
	return nil, "", fmt.Errorf("%w: %s", approval.ErrNotFound, id)
}

// UpdatePlacement rewrites the placement fields of an archived approved
// submission. The archive is append-only for workflow state; placement
// promotion is the one sanctioned amendment, driven by the retrier.
func (a *Store) UpdatePlacement(ctx context.Context, id string, outcome approval.PlacementOutcome, targetPath, stagingPath string) error {
	path, err := a.path(KindApproved)
	if err != nil {
		return err
	}
	return docstore.ModifyJSON(ctx, a.store, path, func(ring *[]*approval.Submission) error {
		for _, sub := range *ring {
			if sub.ID != id {
				continue
			}
			sub.PlacementOutcome = outcome
			sub.PlacementTargetPath = targetPath
			sub.StagingPath = stagingPath
			return nil
		}
		return fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	})
}
