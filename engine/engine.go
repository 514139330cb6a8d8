// Package engine ties the stores together behind the public workflow
// operations, enforcing role scoping and running post-commit effects.
//
// Every operation resolves the actor's identity fresh, takes an
// in-process per-submission lock, commits the transition through the
// repository's locked document cycle, and only then runs side effects.
// A failed side effect is recorded for retry, never rolled back into
// the committed transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/archive"
	"github.com/crestline/approvald/comments"
	"github.com/crestline/approvald/events"
	"github.com/crestline/approvald/identity"
	"github.com/crestline/approvald/metadata"
	"github.com/crestline/approvald/metrics"
	"github.com/crestline/approvald/notify"
	"github.com/crestline/approvald/paths"
	"github.com/crestline/approvald/placement"
)

// Deps are the engine's collaborators. Sink, Metrics, and Resolver are
// optional; the rest are required.
type Deps struct {
	Repo     *approval.Repository
	Identity identity.Provider
	Archive  *archive.Store
	Metadata *metadata.Store
	Notify   *notify.Service
	Comments *comments.Store
	Placer   *placement.Placer
	Resolver *paths.Resolver
	Sink     events.Sink
	Metrics  *metrics.Metrics

	// AllowDegradedWrites permits mutations while the shared store is
	// unreachable and writes land on the local fallback.
	AllowDegradedWrites bool

	Logger *slog.Logger
}

// Engine is the workflow facade.
type Engine struct {
	repo     *approval.Repository
	identity identity.Provider
	archive  *archive.Store
	metadata *metadata.Store
	notify   *notify.Service
	comments *comments.Store
	placer   *placement.Placer
	resolver *paths.Resolver
	sink     events.Sink
	metrics  *metrics.Metrics

	allowDegradedWrites bool
	logger              *slog.Logger

	mu       sync.Mutex
	inFlight map[string]*submissionLock
}

// submissionLock is a refcounted per-submission mutex so the inFlight
// map can drop entries once nobody holds or waits on them.
type submissionLock struct {
	sync.Mutex
	refs int
}

// New creates an engine.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Sink
	if sink == nil {
		sink = events.NoopSink{}
	}
	return &Engine{
		repo:                deps.Repo,
		identity:            deps.Identity,
		archive:             deps.Archive,
		metadata:            deps.Metadata,
		notify:              deps.Notify,
		comments:            deps.Comments,
		placer:              deps.Placer,
		resolver:            deps.Resolver,
		sink:                sink,
		metrics:             deps.Metrics,
		allowDegradedWrites: deps.AllowDegradedWrites,
		logger:              logger,
		inFlight:            map[string]*submissionLock{},
	}
}

// lock serializes in-process work on one submission. The document lock
// still guards against other processes; this one keeps a single
// process's post-commit effects ordered.
func (e *Engine) lock(id string) func() {
	e.mu.Lock()
	m, ok := e.inFlight[id]
	if !ok {
		m = &submissionLock{}
		e.inFlight[id] = m
	}
	m.refs++
	e.mu.Unlock()
	m.Lock()
	return func() {
		m.Unlock()
		e.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(e.inFlight, id)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) observe(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveOperation(op, start)
	}
}

func (e *Engine) countTransition(to approval.State) {
	if e.metrics != nil {
		e.metrics.Transitions.WithLabelValues(string(to)).Inc()
	}
}

func (e *Engine) countStoreError(op string) {
	if e.metrics != nil {
		e.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
}

// checkWritable rejects mutations while degraded unless configured
// otherwise. Reads always proceed against whichever base resolves.
func (e *Engine) checkWritable(op string) error {
	if e.resolver == nil || e.allowDegradedWrites || !e.resolver.Degraded() {
		return nil
	}
	return &Error{
		Kind: KindStoreUnavailable,
		Op:   op,
		Err:  errors.New("shared store unreachable and degraded writes are disabled"),
	}
}

func (e *Engine) actor(ctx context.Context, op, username string) (identity.Identity, error) {
	id, err := e.identity.GetIdentity(ctx, username)
	if err != nil {
		return identity.Identity{}, wrap(op, err)
	}
	return id, nil
}

// SubmitRequest describes a new submission.
type SubmitRequest struct {
	Filename        string
	UploadPath      string
	SizeBytes       int64
	ContentTypeHint string
	Description     string
	Tags            []string
}

// Submit creates a submission for the actor's primary team and places
// it in front of that team's leaders.
func (e *Engine) Submit(ctx context.Context, actorName string, req SubmitRequest) (*approval.Submission, error) {
	const op = "submit"
	defer e.observe(op, time.Now())

	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return nil, err
	}
	if actor.Role != identity.RoleUser {
		return nil, wrap(op, fmt.Errorf("%w: only users submit", ErrForbidden))
	}
	if err := e.checkWritable(op); err != nil {
		return nil, err
	}

	sub, err := approval.New(actor.Username, actor.PrimaryTeam(), req.Filename, req.UploadPath, req.SizeBytes, req.Description, req.Tags)
	if err != nil {
		return nil, wrap(op, err)
	}
	sub.ContentTypeHint = req.ContentTypeHint
	if err := sub.Advance(approval.StatePendingTeamLeader, actor.Username, ""); err != nil {
		return nil, wrap(op, err)
	}

	err = withRetry(ctx, e.logger, op, func() error {
		return e.repo.Insert(ctx, sub)
	})
	if err != nil {
		e.countStoreError(op)
		return nil, wrap(op, err)
	}
	e.countTransition(approval.StatePendingTeamLeader)
	e.logger.Info("Submission created",
		slog.String("id", sub.ID),
		slog.String("submitter", sub.Submitter),
		slog.String("team", sub.SubmitterTeam),
		slog.String("filename", sub.OriginalFilename))

	e.notifyTeamLeaders(ctx, sub, notify.KindSubmittedToTL, sub.SubmittedAt, sub.OriginalFilename)
	e.publish(ctx, events.Event{
		Kind:         events.KindTransition,
		SubmissionID: sub.ID,
		State:        sub.State,
		Actor:        actor.Username,
		Team:         sub.SubmitterTeam,
		Filename:     sub.OriginalFilename,
	})
	return sub, nil
}

// Withdraw pulls a pending submission back. Only its submitter may.
func (e *Engine) Withdraw(ctx context.Context, actorName, id string) (*approval.Submission, error) {
	const op = "withdraw"
	defer e.observe(op, time.Now())
	defer e.lock(id)()

	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return nil, err
	}
	if err := e.checkWritable(op); err != nil {
		return nil, err
	}

	current, err := e.getLive(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if current.Submitter != actor.Username {
		return nil, wrap(op, fmt.Errorf("%w: only the submitter may withdraw", ErrForbidden))
	}

	sub, err := e.transition(ctx, op, id, approval.StateWithdrawn, func(s *approval.Submission) error {
		return s.Advance(approval.StateWithdrawn, actor.Username, "")
	})
	if err != nil {
		return nil, err
	}

	e.archiveTerminal(ctx, sub)
	e.notifyTeamLeaders(ctx, sub, notify.KindWithdrawn, lastChangeTime(sub), sub.OriginalFilename)
	e.publish(ctx, events.Event{
		Kind:         events.KindTransition,
		SubmissionID: sub.ID,
		State:        sub.State,
		Actor:        actor.Username,
		Team:         sub.SubmitterTeam,
		Filename:     sub.OriginalFilename,
	})
	return sub, nil
}

// TLApprove forwards a submission to the admin queue. The actor must be
// a team leader of the submitter's team.
func (e *Engine) TLApprove(ctx context.Context, actorName, id, note string) (*approval.Submission, error) {
	const op = "tl_approve"
	defer e.observe(op, time.Now())
	defer e.lock(id)()

	actor, err := e.teamLeaderFor(ctx, op, actorName, id)
	if err != nil {
		return nil, err
	}

	sub, err := e.transition(ctx, op, id, approval.StatePendingAdmin, func(s *approval.Submission) error {
		return s.Advance(approval.StatePendingAdmin, actor.Username, note)
	})
	if err != nil {
		return nil, err
	}

	e.notifySubmitter(ctx, sub, notify.KindTLApproved, decisionTime(sub.TLDecidedAt), note)
	e.publish(ctx, events.Event{
		Kind:         events.KindTransition,
		SubmissionID: sub.ID,
		State:        sub.State,
		Actor:        actor.Username,
		Team:         sub.SubmitterTeam,
		Filename:     sub.OriginalFilename,
	})
	return sub, nil
}

// TLReject rejects a submission at the team leader stage. A non-empty
// reason is required and delivered to the submitter.
func (e *Engine) TLReject(ctx context.Context, actorName, id, reason string) (*approval.Submission, error) {
	const op = "tl_reject"
	defer e.observe(op, time.Now())
	defer e.lock(id)()

	trimmed, err := approval.ValidateReason(reason)
	if err != nil {
		return nil, wrap(op, err)
	}
	actor, err := e.teamLeaderFor(ctx, op, actorName, id)
	if err != nil {
		return nil, err
	}

	sub, err := e.transition(ctx, op, id, approval.StateRejectedByTeamLeader, func(s *approval.Submission) error {
		s.TLRejectionReason = trimmed
		return s.Advance(approval.StateRejectedByTeamLeader, actor.Username, trimmed)
	})
	if err != nil {
		return nil, err
	}

	e.archiveTerminal(ctx, sub)
	e.notifySubmitter(ctx, sub, notify.KindTLRejected, decisionTime(sub.TLDecidedAt), trimmed)
	e.publish(ctx, events.Event{
		Kind:         events.KindTransition,
		SubmissionID: sub.ID,
		State:        sub.State,
		Actor:        actor.Username,
		Team:         sub.SubmitterTeam,
		Filename:     sub.OriginalFilename,
	})
	return sub, nil
}

// AdminApprove finalizes a submission and delivers its artifact.
func (e *Engine) AdminApprove(ctx context.Context, actorName, id string) (*approval.Submission, error) {
	const op = "admin_approve"
	defer e.observe(op, time.Now())
	defer e.lock(id)()

	actor, err := e.admin(ctx, op, actorName)
	if err != nil {
		return nil, err
	}

	sub, err := e.transition(ctx, op, id, approval.StateApproved, func(s *approval.Submission) error {
		return s.Advance(approval.StateApproved, actor.Username, "")
	})
	if err != nil {
		return nil, err
	}

	// Delivery runs before archiving so the archived record carries the
	// placement outcome from the start. The transition above is already
	// committed; a placement failure degrades to a queued manual request,
	// it never reverts.
	result, placeErr := e.placer.Place(ctx, sub)
	if placeErr != nil {
		e.logger.Error("Placement failed",
			slog.String("id", sub.ID), slog.String("error", placeErr.Error()))
		sub.SideEffectFailures = append(sub.SideEffectFailures, "placement: "+placeErr.Error())
		result, placeErr = e.placer.RequestManual(context.WithoutCancel(ctx), sub, placeErr.Error())
		if placeErr != nil {
			e.logger.Error("Could not queue manual placement request",
				slog.String("id", sub.ID), slog.String("error", placeErr.Error()))
			sub.SideEffectFailures = append(sub.SideEffectFailures, "manual placement request: "+placeErr.Error())
			result = placement.Result{Outcome: approval.PlacementManualRequested}
		}
	}
	sub.PlacementOutcome = result.Outcome
	sub.PlacementTargetPath = result.TargetPath
	sub.StagingPath = result.StagingPath
	if e.metrics != nil {
		e.metrics.Placements.WithLabelValues(string(result.Outcome)).Inc()
	}

	e.archiveTerminal(ctx, sub)
	e.writeSidecar(ctx, sub, result)
	e.notifySubmitter(ctx, sub, notify.KindAdminApproved, decisionTime(sub.AdminDecidedAt), sub.OriginalFilename)
	e.publish(ctx, events.Event{
		Kind:         events.KindTransition,
		SubmissionID: sub.ID,
		State:        sub.State,
		Actor:        actor.Username,
		Team:         sub.SubmitterTeam,
		Filename:     sub.OriginalFilename,
	})
	e.publish(ctx, events.Event{
		Kind:         events.KindPlacement,
		SubmissionID: sub.ID,
		Actor:        actor.Username,
		Team:         sub.SubmitterTeam,
		Filename:     sub.OriginalFilename,
	})
	return sub, nil
}

// AdminReject rejects a submission at the admin stage. The uploaded
// artifact is kept for the submitter to revise and resubmit.
func (e *Engine) AdminReject(ctx context.Context, actorName, id, reason string) (*approval.Submission, error) {
	const op = "admin_reject"
	defer e.observe(op, time.Now())
	defer e.lock(id)()

	trimmed, err := approval.ValidateReason(reason)
	if err != nil {
		return nil, wrap(op, err)
	}
	actor, err := e.admin(ctx, op, actorName)
	if err != nil {
		return nil, err
	}

	sub, err := e.transition(ctx, op, id, approval.StateRejectedByAdmin, func(s *approval.Submission) error {
		s.AdminRejectionReason = trimmed
		return s.Advance(approval.StateRejectedByAdmin, actor.Username, trimmed)
	})
	if err != nil {
		return nil, err
	}

	e.archiveTerminal(ctx, sub)
	e.notifySubmitter(ctx, sub, notify.KindAdminRejected, decisionTime(sub.AdminDecidedAt), trimmed)
	e.publish(ctx, events.Event{
		Kind:         events.KindTransition,
		SubmissionID: sub.ID,
		State:        sub.State,
		Actor:        actor.Username,
		Team:         sub.SubmitterTeam,
		Filename:     sub.OriginalFilename,
	})
	return sub, nil
}

// AddComment appends to a submission's thread and notifies the other
// participants. Live and archived submissions both accept comments.
func (e *Engine) AddComment(ctx context.Context, actorName, id, body string) (*comments.Comment, error) {
	const op = "comment"
	defer e.observe(op, time.Now())
	defer e.lock(id)()

	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return nil, err
	}
	if err := e.checkWritable(op); err != nil {
		return nil, err
	}

	sub, err := e.find(ctx, op, id)
	if err != nil {
		return nil, err
	}
	priors, err := e.comments.Authors(ctx, id)
	if err != nil {
		return nil, wrap(op, err)
	}
	if !comments.CanView(sub, actor, priors) {
		return nil, wrap(op, fmt.Errorf("%w: no standing on submission %s", ErrForbidden, id))
	}

	comment, err := e.comments.Append(ctx, id, actor.Username, actor.Role, body)
	if err != nil {
		return nil, wrap(op, err)
	}

	if err := e.notify.FanOutComment(ctx, id, comment.ID, actor.Username, sub.Submitter, priors, comment.Body); err != nil {
		e.recordSideEffectFailure(ctx, sub, "comment notify: "+err.Error())
	}
	e.publish(ctx, events.Event{
		Kind:         events.KindComment,
		SubmissionID: id,
		Actor:        actor.Username,
		Team:         sub.SubmitterTeam,
	})
	return comment, nil
}

// Get returns one submission, live or archived, if the actor may see it.
func (e *Engine) Get(ctx context.Context, actorName, id string) (*approval.Submission, error) {
	const op = "get"
	defer e.observe(op, time.Now())

	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return nil, err
	}
	sub, err := e.find(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !e.visible(sub, actor) {
		return nil, wrap(op, fmt.Errorf("%w: no standing on submission %s", ErrForbidden, id))
	}
	return sub, nil
}

// Comments returns a submission's thread if the actor may see it.
func (e *Engine) Comments(ctx context.Context, actorName, id string) ([]comments.Comment, error) {
	const op = "comments"
	defer e.observe(op, time.Now())

	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return nil, err
	}
	sub, err := e.find(ctx, op, id)
	if err != nil {
		return nil, err
	}
	priors, err := e.comments.Authors(ctx, id)
	if err != nil {
		return nil, wrap(op, err)
	}
	if !comments.CanView(sub, actor, priors) {
		return nil, wrap(op, fmt.Errorf("%w: no standing on submission %s", ErrForbidden, id))
	}
	return e.comments.List(ctx, id)
}

// Inbox returns the actor's own notifications, newest first.
func (e *Engine) Inbox(ctx context.Context, actorName string, unreadOnly bool) ([]notify.Notification, error) {
	const op = "inbox"
	defer e.observe(op, time.Now())

	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return nil, err
	}
	inbox, err := e.notify.List(ctx, actor.Username, unreadOnly)
	if err != nil {
		return nil, wrap(op, err)
	}
	return inbox, nil
}

// MarkRead flips one of the actor's notifications to read.
func (e *Engine) MarkRead(ctx context.Context, actorName, notificationID string) error {
	const op = "mark_read"
	defer e.observe(op, time.Now())

	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return err
	}
	if err := e.notify.MarkRead(ctx, actor.Username, notificationID); err != nil {
		return wrap(op, err)
	}
	return nil
}

// teamLeaderFor resolves the actor and checks team leader standing over
// the submission's team.
func (e *Engine) teamLeaderFor(ctx context.Context, op, actorName, id string) (identity.Identity, error) {
	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return identity.Identity{}, err
	}
	if err := e.checkWritable(op); err != nil {
		return identity.Identity{}, err
	}
	if actor.Role != identity.RoleTeamLeader {
		return identity.Identity{}, wrap(op, fmt.Errorf("%w: requires team leader role", ErrForbidden))
	}
	sub, err := e.getLive(ctx, op, id)
	if err != nil {
		return identity.Identity{}, err
	}
	if !actor.HasTeam(sub.SubmitterTeam) {
		return identity.Identity{}, wrap(op, fmt.Errorf("%w: not a leader of team %s", ErrForbidden, sub.SubmitterTeam))
	}
	return actor, nil
}

func (e *Engine) admin(ctx context.Context, op, actorName string) (identity.Identity, error) {
	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return identity.Identity{}, err
	}
	if err := e.checkWritable(op); err != nil {
		return identity.Identity{}, err
	}
	if actor.Role != identity.RoleAdmin {
		return identity.Identity{}, wrap(op, fmt.Errorf("%w: requires admin role", ErrForbidden))
	}
	return actor, nil
}

func (e *Engine) getLive(ctx context.Context, op, id string) (*approval.Submission, error) {
	var sub *approval.Submission
	err := withRetry(ctx, e.logger, op, func() error {
		var getErr error
		sub, getErr = e.repo.Get(ctx, id)
		return getErr
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return sub, nil
}

// find looks a submission up in the live queue, then in the archive.
func (e *Engine) find(ctx context.Context, op, id string) (*approval.Submission, error) {
	sub, err := e.getLive(ctx, op, id)
	if err == nil {
		return sub, nil
	}
	if KindOf(err) != KindNotFound {
		return nil, err
	}
	archived, _, archErr := e.archive.Get(ctx, id)
	if archErr != nil {
		return nil, wrap(op, archErr)
	}
	return archived, nil
}

func (e *Engine) transition(ctx context.Context, op, id string, to approval.State, apply func(*approval.Submission) error) (*approval.Submission, error) {
	var sub *approval.Submission
	err := withRetry(ctx, e.logger, op, func() error {
		var trErr error
		sub, trErr = e.repo.Transition(ctx, id, to, apply)
		return trErr
	})
	if err != nil {
		if KindOf(wrap(op, err)) == KindStoreUnavailable {
			e.countStoreError(op)
		}
		return nil, wrap(op, err)
	}
	e.countTransition(to)
	e.logger.Info("Transition committed",
		slog.String("id", id), slog.String("to", string(to)))
	return sub, nil
}

// visible reports whether actor may see sub in reads and listings.
func (e *Engine) visible(sub *approval.Submission, actor identity.Identity) bool {
	switch actor.Role {
	case identity.RoleAdmin:
		return true
	case identity.RoleTeamLeader:
		return sub.Submitter == actor.Username || actor.HasTeam(sub.SubmitterTeam)
	default:
		return sub.Submitter == actor.Username
	}
}

// archiveTerminal records a terminal submission in its ring.
func (e *Engine) archiveTerminal(ctx context.Context, sub *approval.Submission) {
	kind, ok := archive.KindFor(sub.State)
	if !ok {
		return
	}
	err := withRetry(ctx, e.logger, "archive", func() error {
		return e.archive.Append(ctx, kind, sub)
	})
	if err != nil {
		e.countStoreError("archive")
		e.logger.Error("Could not archive terminal submission",
			slog.String("id", sub.ID), slog.String("error", err.Error()))
	}
}

// writeSidecar records the metadata sidecar for an approved artifact.
func (e *Engine) writeSidecar(ctx context.Context, sub *approval.Submission, result placement.Result) {
	year := time.Now().Format("2006")
	approvedAt := time.Now()
	if sub.AdminDecidedAt != nil {
		year = sub.AdminDecidedAt.Format("2006")
		approvedAt = *sub.AdminDecidedAt
	}
	rec := metadata.Record{
		Filename:         sub.OriginalFilename,
		Team:             sub.SubmitterTeam,
		Year:             year,
		Submitter:        sub.Submitter,
		ApproverChain:    []string{sub.TLReviewer, sub.AdminReviewer},
		ApprovedAt:       approvedAt,
		Description:      sub.Description,
		Tags:             sub.Tags,
		SourceUploadPath: sub.UploadPath,
	}
	if result.Outcome == approval.PlacementDelivered {
		rec.FinalPath = result.TargetPath
	}
	key := metadata.Key{Team: sub.SubmitterTeam, Year: year, Filename: sub.OriginalFilename}
	if err := e.metadata.Put(ctx, key, rec); err != nil {
		e.logger.Error("Could not write metadata sidecar",
			slog.String("id", sub.ID), slog.String("error", err.Error()))
	}
}

func (e *Engine) notifySubmitter(ctx context.Context, sub *approval.Submission, kind notify.Kind, at time.Time, payload string) {
	err := e.notify.Append(ctx, notify.Notification{
		ID:           notify.DerivedID(sub.ID, kind, at),
		Recipient:    sub.Submitter,
		Kind:         kind,
		SubmissionID: sub.ID,
		Payload:      payload,
		At:           at,
	})
	if err != nil {
		e.recordSideEffectFailure(ctx, sub, fmt.Sprintf("notify %s: %v", kind, err))
	}
}

// notifyTeamLeaders fans kind out to every leader of the submission's
// team. The notification id derives from the transition time, not the
// wall clock, so a redelivery lands on the same id and deduplicates.
func (e *Engine) notifyTeamLeaders(ctx context.Context, sub *approval.Submission, kind notify.Kind, at time.Time, payload string) {
	leaders, err := e.identity.TeamLeaders(ctx, sub.SubmitterTeam)
	if err != nil {
		e.recordSideEffectFailure(ctx, sub, "resolve team leaders: "+err.Error())
		return
	}
	for _, leader := range leaders {
		err := e.notify.Append(ctx, notify.Notification{
			ID:           notify.DerivedID(sub.ID, kind, at) + ":" + leader,
			Recipient:    leader,
			Kind:         kind,
			SubmissionID: sub.ID,
			Payload:      payload,
			At:           at,
		})
		if err != nil {
			e.recordSideEffectFailure(ctx, sub, fmt.Sprintf("notify %s %s: %v", kind, leader, err))
		}
	}
}

// recordSideEffectFailure notes a failed effect on the live record, or
// just logs it when the submission has already left the queue.
func (e *Engine) recordSideEffectFailure(ctx context.Context, sub *approval.Submission, failure string) {
	e.logger.Warn("Side effect failed",
		slog.String("id", sub.ID), slog.String("failure", failure))
	if sub.State.Terminal() {
		return
	}
	if err := e.repo.RecordSideEffectFailure(ctx, sub.ID, failure); err != nil {
		e.logger.Error("Could not record side effect failure",
			slog.String("id", sub.ID), slog.String("error", err.Error()))
	}
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Warn("Event publish failed",
			slog.String("submission_id", event.SubmissionID),
			slog.String("kind", event.Kind),
			slog.String("error", err.Error()))
	}
}

func decisionTime(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}

func lastChangeTime(sub *approval.Submission) time.Time {
	if n := len(sub.StateHistory); n > 0 {
		return sub.StateHistory[n-1].At
	}
	return time.Now()
}
