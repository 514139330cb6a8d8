package approval

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/crestline/approvald/docstore"
)

// QueueFile is the live queue document name under the queue root.
const QueueFile = "queue.json"

// queueDoc is the on-disk shape of the live queue: a map of submission id
// to submission. Terminal entries leave the queue immediately, so the
// document stays bounded by in-flight work.
type queueDoc map[string]*Submission

// Repository owns the global submission queue. All mutation goes through
// the document store's locked read-modify-write cycle, so concurrent
// writers from any process serialize per document.
type Repository struct {
	store     *docstore.Store
	queueRoot func() string
	logger    *slog.Logger
}

// NewRepository creates a repository. queueRoot resolves the directory
// containing the queue document on each call, so degraded-mode fallback
// takes effect without restarting.
func NewRepository(store *docstore.Store, queueRoot func() string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{store: store, queueRoot: queueRoot, logger: logger}
}

func (r *Repository) queuePath() string {
	return filepath.Join(r.queueRoot(), QueueFile)
}

// Get returns a copy of a live submission.
func (r *Repository) Get(ctx context.Context, id string) (*Submission, error) {
	queue, _, err := docstore.ReadJSON[queueDoc](ctx, r.store, r.queuePath())
	if err != nil {
		return nil, err
	}
	sub, ok := queue[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sub.Clone(), nil
}

// List returns copies of all live submissions.
func (r *Repository) List(ctx context.Context) ([]*Submission, error) {
	queue, _, err := docstore.ReadJSON[queueDoc](ctx, r.store, r.queuePath())
	if err != nil {
		return nil, err
	}
	out := make([]*Submission, 0, len(queue))
	for _, sub := range queue {
		out = append(out, sub.Clone())
	}
	return out, nil
}

// Insert adds a new submission to the queue. The id must be unused.
func (r *Repository) Insert(ctx context.Context, sub *Submission) error {
	return docstore.ModifyJSON(ctx, r.store, r.queuePath(), func(queue *queueDoc) error {
		if *queue == nil {
			*queue = queueDoc{}
		}
		if _, exists := (*queue)[sub.ID]; exists {
			return fmt.Errorf("%w: duplicate id %s", ErrIllegalTransition, sub.ID)
		}
		(*queue)[sub.ID] = sub.Clone()
		return nil
	})
}

// Transition re-reads the submission under the document lock, validates
// the move against its current state, applies the supplied mutation, and
// rewrites the queue. A transition requested against a stale state fails
// with ErrIllegalTransition instead of overwriting. Terminal transitions
// remove the entry from the live queue; the returned copy carries the
// final state for archiving.
func (r *Repository) Transition(ctx context.Context, id string, to State, apply func(*Submission) error) (*Submission, error) {
	var result *Submission
	err := docstore.ModifyJSON(ctx, r.store, r.queuePath(), func(queue *queueDoc) error {
		sub, ok := (*queue)[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if !sub.State.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sub.State, to)
		}
		if apply != nil {
			if err := apply(sub); err != nil {
				return err
			}
		}
		if sub.State != to {
			// apply is expected to call Advance; enforce it here so a
			// buggy caller cannot commit a half-made transition.
			return fmt.Errorf("%w: transition to %s not applied", ErrIllegalTransition, to)
		}
		if to.Terminal() {
			delete(*queue, id)
		}
		result = sub.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Submission transitioned",
		slog.String("id", id), slog.String("to", string(to)))
	return result, nil
}

// RecordSideEffectFailure notes a failed post-commit effect on a live
// submission. Terminal submissions have already left the queue; their
// failures are carried on the archived record by the caller.
func (r *Repository) RecordSideEffectFailure(ctx context.Context, id, failure string) error {
	return docstore.ModifyJSON(ctx, r.store, r.queuePath(), func(queue *queueDoc) error {
		sub, ok := (*queue)[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		sub.SideEffectFailures = append(sub.SideEffectFailures, failure)
		return nil
	})
}
