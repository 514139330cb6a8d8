// Package notify maintains per-user durable notification inboxes.
//
// Inboxes are pull-based: panels poll (or watch, see Watcher) their own
// inbox document. Appends are idempotent on the notification id, which is
// derived from the triggering event, so post-commit retries cannot
// duplicate entries.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/crestline/approvald/docstore"
)

// Kind classifies a notification.
type Kind string

// Notification kinds.
const (
	KindSubmittedToTL Kind = "SUBMITTED_TO_TL"
	KindTLApproved    Kind = "TL_APPROVED"
	KindTLRejected    Kind = "TL_REJECTED"
	KindAdminApproved Kind = "ADMIN_APPROVED"
	KindAdminRejected Kind = "ADMIN_REJECTED"
	KindCommentAdded  Kind = "COMMENT_ADDED"
	KindWithdrawn     Kind = "WITHDRAWN"
)

// InboxFile is the per-user inbox document name.
const InboxFile = "inbox.json"

// InboxCap bounds each inbox; older notifications fall off the tail.
const InboxCap = 100

// Notification is one inbox entry.
type Notification struct {
	ID           string    `json:"id"`
	Recipient    string    `json:"recipient_username"`
	Kind         Kind      `json:"kind"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Payload      string    `json:"payload,omitempty"`
	At           time.Time `json:"at"`
	Read         bool      `json:"read"`
}

// DerivedID produces a stable notification id from the triggering event,
// so at-least-once delivery deduplicates naturally.
func DerivedID(submissionID string, kind Kind, at time.Time) string {
	h := sha256.Sum256([]byte(submissionID + "|" + string(kind) + "|" + at.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h[:16])
}

// Service reads and writes inbox documents under the notify root.
type Service struct {
	store  *docstore.Store
	root   func() string
	logger *slog.Logger
}

// NewService creates a notification service.
func NewService(store *docstore.Store, root func() string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, root: root, logger: logger}
}

// InboxPath returns the inbox document path for a user.
func (n *Service) InboxPath(username string) string {
	return filepath.Join(n.root(), username, InboxFile)
}

// Append adds a notification to its recipient's inbox, newest first. An
// entry with the same id is already delivered and is left untouched. A
// missing id gets a random one (payload-only notifications).
func (n *Service) Append(ctx context.Context, notif Notification) error {
	if notif.Recipient == "" {
		return fmt.Errorf("notification requires a recipient")
	}
	if notif.ID == "" {
		notif.ID = uuid.New().String()
	}
	if notif.At.IsZero() {
		notif.At = time.Now()
	}

	return docstore.ModifyJSON(ctx, n.store, n.InboxPath(notif.Recipient), func(inbox *[]Notification) error {
		for _, existing := range *inbox {
			if existing.ID == notif.ID {
				return nil
			}
		}
		updated := make([]Notification, 0, len(*inbox)+1)
		updated = append(updated, notif)
		updated = append(updated, *inbox...)
		if len(updated) > InboxCap {
			updated = updated[:InboxCap]
		}
		*inbox = updated
		return nil
	})
}

// List returns a user's notifications, newest first.
func (n *Service) List(ctx context.Context, username string, unreadOnly bool) ([]Notification, error) {
	inbox, _, err := docstore.ReadJSON[[]Notification](ctx, n.store, n.InboxPath(username))
	if err != nil {
		return nil, err
	}
	if !unreadOnly {
		return inbox, nil
	}
	var unread []Notification
	for _, notif := range inbox {
		if !notif.Read {
			unread = append(unread, notif)
		}
	}
	return unread, nil
}

// MarkRead flips the read flag on one notification.
func (n *Service) MarkRead(ctx context.Context, username, id string) error {
	return docstore.ModifyJSON(ctx, n.store, n.InboxPath(username), func(inbox *[]Notification) error {
		for i := range *inbox {
			if (*inbox)[i].ID == id {
				(*inbox)[i].Read = true
				return nil
			}
		}
		return fmt.Errorf("%w: notification %s", docstore.ErrNotFound, id)
	})
}

// FanOutComment delivers a COMMENT_ADDED notification for commentID to
// the submitter and to each distinct prior commenter, skipping the author
// of the new comment. The comment id doubles as the deduplication key, so
// redelivery is harmless.
func (n *Service) FanOutComment(ctx context.Context, submissionID, commentID, author, submitter string, priorCommenters []string, body string) error {
	recipients := map[string]bool{}
	if submitter != author {
		recipients[submitter] = true
	}
	if author != submitter {
		for _, prior := range priorCommenters {
			if prior != author && prior != submitter {
				recipients[prior] = true
			}
		}
	}

	now := time.Now()
	var firstErr error
	for recipient := range recipients {
		err := n.Append(ctx, Notification{
			ID:           commentID + ":" + recipient,
			Recipient:    recipient,
			Kind:         KindCommentAdded,
			SubmissionID: submissionID,
			Payload:      body,
			At:           now,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
