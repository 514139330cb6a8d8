// Package comments stores per-submission comment threads.
package comments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/docstore"
	"github.com/crestline/approvald/identity"
)

// Dir is the comment document directory under the queue root.
const Dir = "comments"

// Comment is one entry of a submission's thread.
type Comment struct {
	ID           string        `json:"id"`
	SubmissionID string        `json:"submission_id"`
	Author       string        `json:"author_username"`
	AuthorRole   identity.Role `json:"author_role"`
	Body         string        `json:"body"`
	At           time.Time     `json:"at"`
}

// ErrEmptyBody is returned for a blank comment.
var ErrEmptyBody = fmt.Errorf("comment body is empty")

// DerivedID produces a stable comment id from its content and position.
func DerivedID(submissionID string, at time.Time, author, body string) string {
	h := sha256.Sum256([]byte(submissionID + "|" + at.UTC().Format(time.RFC3339Nano) + "|" + author + "|" + body))
	return hex.EncodeToString(h[:16])
}

// Store reads and writes comment threads under the queue root.
type Store struct {
	store  *docstore.Store
	root   func() string
	logger *slog.Logger
}

// New creates a comment store.
func New(store *docstore.Store, root func() string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, root: root, logger: logger}
}

func (c *Store) threadPath(submissionID string) string {
	return filepath.Join(c.root(), Dir, submissionID+".json")
}

// Append records a comment, stamping time and derived id.
func (c *Store) Append(ctx context.Context, submissionID, author string, role identity.Role, body string) (*Comment, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, ErrEmptyBody
	}

	at := time.Now()
	comment := Comment{
		ID:           DerivedID(submissionID, at, author, trimmed),
		SubmissionID: submissionID,
		Author:       author,
		AuthorRole:   role,
		Body:         trimmed,
		At:           at,
	}

	err := docstore.ModifyJSON(ctx, c.store, c.threadPath(submissionID), func(thread *[]Comment) error {
		*thread = append(*thread, comment)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

// List returns a submission's thread in append order.
func (c *Store) List(ctx context.Context, submissionID string) ([]Comment, error) {
	thread, _, err := docstore.ReadJSON[[]Comment](ctx, c.store, c.threadPath(submissionID))
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// Authors returns the distinct comment authors of a thread, in first-
// comment order.
func (c *Store) Authors(ctx context.Context, submissionID string) ([]string, error) {
	thread, err := c.List(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var authors []string
	for _, comment := range thread {
		if !seen[comment.Author] {
			seen[comment.Author] = true
			authors = append(authors, comment.Author)
		}
	}
	return authors, nil
}

// CanView reports whether actor may read the thread on sub: the
// submitter, any prior commenter, or a reviewer whose role currently has
// standing to act on the submission. Reviewer standing lapses with the
// pending state; past reviewers stay on the thread only as prior
// commenters.
func CanView(sub *approval.Submission, actor identity.Identity, priorCommenters []string) bool {
	if actor.Username == sub.Submitter {
		return true
	}
	for _, prior := range priorCommenters {
		if prior == actor.Username {
			return true
		}
	}
	switch actor.Role {
	case identity.RoleAdmin:
		return sub.State == approval.StatePendingAdmin
	case identity.RoleTeamLeader:
		return sub.State == approval.StatePendingTeamLeader && actor.HasTeam(sub.SubmitterTeam)
	}
	return false
}
