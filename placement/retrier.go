package placement

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/archive"
	"github.com/crestline/approvald/docstore"
	"github.com/crestline/approvald/metadata"
)

// Retrier sweeps the pending-delivery queue and promotes staged and
// manual entries to DELIVERED once the project tree accepts them.
type Retrier struct {
	placer   *Placer
	archive  *archive.Store
	metadata *metadata.Store
	interval time.Duration
	logger   *slog.Logger
}

// NewRetrier creates a retrier over the placer's queue.
func NewRetrier(placer *Placer, arch *archive.Store, meta *metadata.Store, interval time.Duration, logger *slog.Logger) *Retrier {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{placer: placer, archive: arch, metadata: meta, interval: interval, logger: logger}
}

// Run sweeps until the context expires. The first sweep happens
// immediately so a restart drains a backlog without waiting an interval.
func (r *Retrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.SweepOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.logger.Error("Delivery sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce attempts every pending delivery once. Entries that still
// cannot be delivered stay queued for the next sweep.
func (r *Retrier) SweepOnce(ctx context.Context) error {
	queue, err := r.placer.Requests(ctx)
	if err != nil {
		return err
	}
	for _, req := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.attempt(ctx, req); err != nil {
			r.logger.Debug("Delivery still pending",
				slog.String("submission_id", req.SubmissionID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// attempt delivers one queued request and, on success, promotes the
// archived record and the metadata sidecar before dropping the entry.
func (r *Retrier) attempt(ctx context.Context, req Request) error {
	if _, err := os.Lstat(req.SourcePath); os.IsNotExist(err) {
		// No sweep can ever move a source that is gone. The usual cause
		// is a prior sweep that delivered and then failed only the queue
		// cleanup, so drop the entry rather than loop on it.
		r.logger.Warn("Pending delivery source missing, dropping entry",
			slog.String("submission_id", req.SubmissionID),
			slog.String("source", req.SourcePath))
		return r.placer.removeRequest(ctx, req.SubmissionID)
	}

	target, err := r.placer.deliver(req.SourcePath, req.Team, req.Year, req.Filename)
	if err != nil {
		return err
	}

	r.logger.Info("Promoted pending delivery",
		slog.String("submission_id", req.SubmissionID),
		slog.String("target", target))

	// The move consumed the staged copy. Its directory goes too once
	// nothing else is staged there; Remove refuses non-empty dirs.
	if req.Outcome == string(approval.PlacementStaged) {
		if rmErr := os.Remove(filepath.Dir(req.SourcePath)); rmErr != nil {
			r.logger.Debug("Staging directory kept",
				slog.String("path", filepath.Dir(req.SourcePath)),
				slog.String("error", rmErr.Error()))
		}
	}

	if err := r.archive.UpdatePlacement(ctx, req.SubmissionID, approval.PlacementDelivered, target, ""); err != nil {
		// The artifact landed; the record catches up on the next sweep
		// only if the entry stays queued, so surface this loudly instead.
		r.logger.Error("Delivered but could not update archive record",
			slog.String("submission_id", req.SubmissionID),
			slog.String("error", err.Error()))
	}

	key := metadata.Key{Team: req.Team, Year: req.Year, Filename: req.Filename}
	rec, err := r.metadata.Get(ctx, key)
	if err == nil {
		rec.FinalPath = target
		if putErr := r.metadata.Put(ctx, key, rec); putErr != nil {
			r.logger.Warn("Could not update metadata sidecar",
				slog.String("submission_id", req.SubmissionID),
				slog.String("error", putErr.Error()))
		}
	} else if !errors.Is(err, docstore.ErrNotFound) {
		r.logger.Warn("Could not read metadata sidecar",
			slog.String("submission_id", req.SubmissionID),
			slog.String("error", err.Error()))
	}

	return r.placer.removeRequest(ctx, req.SubmissionID)
}
