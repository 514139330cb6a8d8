package comments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/crestline/approvald/docstore"
)

// legacyComment is the shape of entries in the combined legacy comment
// document, which was keyed by submission id.
type legacyComment struct {
	AdminID   string `json:"admin_id"`
	Comment   string `json:"comment"`
	Timestamp string `json:"timestamp"`
}

// MigrateLegacy converts a combined legacy comment document into
// per-submission documents, then renames the source with a .migrated
// suffix so the conversion runs exactly once. Missing source is a no-op.
//
// The legacy document carried no role; migrated comments get an empty
// AuthorRole and keep their original timestamps where parseable.
func (c *Store) MigrateLegacy(ctx context.Context, legacyPath string) error {
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read legacy comments: %w", err)
	}

	var legacy map[string][]legacyComment
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("failed to parse legacy comments: %w", err)
	}

	migrated := 0
	for submissionID, entries := range legacy {
		if err := ctx.Err(); err != nil {
			return err
		}
		converted := make([]Comment, 0, len(entries))
		for _, entry := range entries {
			at, parseErr := time.Parse(time.RFC3339, entry.Timestamp)
			if parseErr != nil {
				at = time.Now()
			}
			converted = append(converted, Comment{
				ID:           DerivedID(submissionID, at, entry.AdminID, entry.Comment),
				SubmissionID: submissionID,
				Author:       entry.AdminID,
				Body:         entry.Comment,
				At:           at,
			})
		}

		// Prepend under the thread lock, skipping ids already present so
		// reruns after a partial failure stay idempotent.
		err := docstore.ModifyJSON(ctx, c.store, c.threadPath(submissionID), func(thread *[]Comment) error {
			existing := map[string]bool{}
			for _, comment := range *thread {
				existing[comment.ID] = true
			}
			var fresh []Comment
			for _, comment := range converted {
				if !existing[comment.ID] {
					fresh = append(fresh, comment)
				}
			}
			*thread = append(fresh, *thread...)
			return nil
		})
		if err != nil {
			return err
		}
		migrated += len(converted)
	}

	if err := os.Rename(legacyPath, legacyPath+".migrated"); err != nil {
		return fmt.Errorf("failed to retire legacy comments: %w", err)
	}
	c.logger.Info("Migrated legacy comments",
		slog.Int("comments", migrated), slog.Int("threads", len(legacy)))
	return nil
}
