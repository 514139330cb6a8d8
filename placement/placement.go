// Package placement delivers approved artifacts into the project tree,
// degrading to a staged copy or a manual request when delivery fails.
package placement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/docstore"
)

// RequestsFile is the pending-delivery work queue under the queue root.
// Staged and manual entries stay here until the retrier promotes them.
const RequestsFile = "placement_requests.json"

// Request is one pending delivery. SourcePath points at wherever the
// artifact currently sits: the upload for manual entries, the staged
// copy for staged ones.
type Request struct {
	SubmissionID string    `json:"submission_id"`
	Team         string    `json:"team"`
	Year         string    `json:"year"`
	Filename     string    `json:"filename"`
	SourcePath   string    `json:"source_path"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason"`
	RequestedAt  time.Time `json:"requested_at"`
}

// Result describes how far an artifact got toward the project tree.
type Result struct {
	Outcome     approval.PlacementOutcome
	TargetPath  string
	StagingPath string
}

// Placer moves approved artifacts to PROJECT_ROOT/{team}/{year}/. A
// failed move falls back to a staged copy, and a failed staging to a
// manual request; the transition that triggered delivery is never
// reversed for either.
type Placer struct {
	store       *docstore.Store
	projectRoot func() string
	stagingRoot func() string
	queueRoot   func() string
	logger      *slog.Logger
}

// NewPlacer creates a placer over the given roots.
func NewPlacer(store *docstore.Store, projectRoot, stagingRoot, queueRoot func() string, logger *slog.Logger) *Placer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Placer{
		store:       store,
		projectRoot: projectRoot,
		stagingRoot: stagingRoot,
		queueRoot:   queueRoot,
		logger:      logger,
	}
}

func (p *Placer) requestsPath() string {
	return filepath.Join(p.queueRoot(), RequestsFile)
}

// Place delivers sub's artifact. Only a malformed filename and context
// expiry surface as errors; operational failures, including a team or
// year that cannot form a path component, degrade through the staged
// and manual outcomes instead, so an approved artifact always leaves
// with an open delivery path.
func (p *Placer) Place(ctx context.Context, sub *approval.Submission) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	team, year, filename := sub.SubmitterTeam, deliveryYear(sub), sub.OriginalFilename
	if err := approval.ValidateFilename(filename); err != nil {
		return Result{}, err
	}

	target, err := p.deliver(sub.UploadPath, team, year, filename)
	if err == nil {
		p.logger.Info("Delivered artifact",
			slog.String("submission_id", sub.ID), slog.String("target", target))
		return Result{Outcome: approval.PlacementDelivered, TargetPath: target}, nil
	}
	deliverErr := err
	p.logger.Warn("Direct delivery failed, staging",
		slog.String("submission_id", sub.ID), slog.String("error", err.Error()))

	staged, err := p.stage(team, year, sub.UploadPath, filename)
	if err == nil {
		if reqErr := p.appendRequest(ctx, Request{
			SubmissionID: sub.ID,
			Team:         team,
			Year:         year,
			Filename:     filename,
			SourcePath:   staged,
			Outcome:      string(approval.PlacementStaged),
			Reason:       deliverErr.Error(),
			RequestedAt:  time.Now(),
		}); reqErr != nil {
			return Result{}, reqErr
		}
		return Result{Outcome: approval.PlacementStaged, StagingPath: staged}, nil
	}
	p.logger.Warn("Staging failed, requesting manual placement",
		slog.String("submission_id", sub.ID), slog.String("error", err.Error()))

	if reqErr := p.appendRequest(ctx, Request{
		SubmissionID: sub.ID,
		Team:         team,
		Year:         year,
		Filename:     filename,
		SourcePath:   sub.UploadPath,
		Outcome:      string(approval.PlacementManualRequested),
		Reason:       fmt.Sprintf("deliver: %v; stage: %v", deliverErr, err),
		RequestedAt:  time.Now(),
	}); reqErr != nil {
		return Result{}, reqErr
	}
	return Result{Outcome: approval.PlacementManualRequested}, nil
}

// deliver moves the artifact into the project tree and returns the
// final path. The target name takes a " (n)" suffix when the bare name
// is already occupied.
func (p *Placer) deliver(src, team, year, filename string) (string, error) {
	dir, err := targetDir(p.projectRoot(), team, year)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create delivery directory: %w", err)
	}
	name, err := uniqueName(dir, filename)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)
	if err := moveFile(src, target); err != nil {
		return "", err
	}
	return target, nil
}

// stage copies the artifact into the staging tree, mirroring the
// project layout. The copy is a copy, not a move, so the upload
// survives a crashed staging write.
func (p *Placer) stage(team, year, src, filename string) (string, error) {
	dir, err := targetDir(p.stagingRoot(), team, year)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	name, err := uniqueName(dir, filename)
	if err != nil {
		return "", err
	}
	staged := filepath.Join(dir, name)
	if err := copyFile(src, staged); err != nil {
		return "", err
	}
	return staged, nil
}

func (p *Placer) appendRequest(ctx context.Context, req Request) error {
	return docstore.ModifyJSON(ctx, p.store, p.requestsPath(), func(queue *[]Request) error {
		for _, existing := range *queue {
			if existing.SubmissionID == req.SubmissionID {
				return nil
			}
		}
		*queue = append(*queue, req)
		return nil
	})
}

// RequestManual queues a manual delivery request for sub's artifact
// without moving anything. Callers use it when Place itself could not
// run to completion, so the artifact still ends up on the pending
// queue instead of falling off the delivery path.
func (p *Placer) RequestManual(ctx context.Context, sub *approval.Submission, reason string) (Result, error) {
	if err := p.appendRequest(ctx, Request{
		SubmissionID: sub.ID,
		Team:         sub.SubmitterTeam,
		Year:         deliveryYear(sub),
		Filename:     sub.OriginalFilename,
		SourcePath:   sub.UploadPath,
		Outcome:      string(approval.PlacementManualRequested),
		Reason:       reason,
		RequestedAt:  time.Now(),
	}); err != nil {
		return Result{}, err
	}
	return Result{Outcome: approval.PlacementManualRequested}, nil
}

// Requests returns the pending delivery queue in request order.
func (p *Placer) Requests(ctx context.Context) ([]Request, error) {
	queue, _, err := docstore.ReadJSON[[]Request](ctx, p.store, p.requestsPath())
	if err != nil {
		return nil, err
	}
	return queue, nil
}

func (p *Placer) removeRequest(ctx context.Context, submissionID string) error {
	return docstore.ModifyJSON(ctx, p.store, p.requestsPath(), func(queue *[]Request) error {
		kept := (*queue)[:0]
		for _, req := range *queue {
			if req.SubmissionID != submissionID {
				kept = append(kept, req)
			}
		}
		*queue = kept
		return nil
	})
}

// deliveryYear is the project-tree year directory, taken from the admin
// decision when present.
func deliveryYear(sub *approval.Submission) string {
	if sub.AdminDecidedAt != nil {
		return sub.AdminDecidedAt.Format("2006")
	}
	return time.Now().Format("2006")
}

// targetDir joins root/team/year, rejecting components that would land
// the join outside root.
func targetDir(root, team, year string) (string, error) {
	if err := validateComponent(team); err != nil {
		return "", fmt.Errorf("invalid team %q: %w", team, err)
	}
	if err := validateComponent(year); err != nil {
		return "", fmt.Errorf("invalid year %q: %w", year, err)
	}
	return filepath.Join(root, team, year), nil
}

// validateComponent rejects team and year values that would escape the
// delivery directory.
func validateComponent(value string) error {
	if value == "" {
		return fmt.Errorf("empty path component")
	}
	if strings.ContainsAny(value, "/\\\x00") || value == "." || strings.Contains(value, "..") {
		return fmt.Errorf("path component contains separator or parent reference")
	}
	return nil
}

// uniqueName returns filename, or the first "stem (n).ext" variant that
// does not exist in dir. Lstat keeps symlinked occupants from being
// followed.
func uniqueName(dir, filename string) (string, error) {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	candidate := filename
	for n := 1; ; n++ {
		if _, err := os.Lstat(filepath.Join(dir, candidate)); err != nil {
			if os.IsNotExist(err) {
				return candidate, nil
			}
			return "", err
		}
		if n > 10000 {
			return "", fmt.Errorf("no free name for %s in %s", filename, dir)
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
}

// moveFile renames src to dst, copying and removing when the rename
// crosses filesystems. Symlink sources are rejected.
func moveFile(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source is not a regular file: %s", src)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies src to dst exclusively, syncing before close so the
// artifact is durable once the call returns.
func copyFile(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source is not a regular file: %s", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to sync target: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to close target: %w", err)
	}
	return nil
}
