package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/archive"
	"github.com/crestline/approvald/comments"
	"github.com/crestline/approvald/docstore"
	"github.com/crestline/approvald/identity"
	"github.com/crestline/approvald/metadata"
	"github.com/crestline/approvald/notify"
	"github.com/crestline/approvald/placement"
)

type fixture struct {
	engine      *Engine
	repo        *approval.Repository
	archive     *archive.Store
	metadata    *metadata.Store
	notify      *notify.Service
	placer      *placement.Placer
	dirs        map[string]string
	projectRoot string
	uploadDir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	store := docstore.New(nil)

	dirs := map[string]string{}
	for _, name := range []string{"queue", "archive", "notify", "metadata", "project", "staging", "uploads"} {
		dir := filepath.Join(base, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		dirs[name] = dir
	}
	rootFn := func(name string) func() string {
		return func() string { return dirs[name] }
	}

	provider := &identity.StaticProvider{Users: map[string]identity.Identity{
		"alice":    {Username: "alice", Role: identity.RoleUser, Teams: []string{"AGCC"}},
		"bob":      {Username: "bob", Role: identity.RoleUser, Teams: []string{"AGCC"}},
		"carol":    {Username: "carol", Role: identity.RoleUser, Teams: []string{"KUSAKABE"}},
		"frank":    {Username: "frank", Role: identity.RoleUser, Teams: []string{"AG/CC"}},
		"tleader":  {Username: "tleader", Role: identity.RoleTeamLeader, Teams: []string{"AGCC"}},
		"tl_other": {Username: "tl_other", Role: identity.RoleTeamLeader, Teams: []string{"KUSAKABE"}},
		"admin":    {Username: "admin", Role: identity.RoleAdmin},
	}}

	arch := archive.New(store, rootFn("archive"), 100, nil)
	meta := metadata.New(store, rootFn("metadata"), rootFn("project"), nil)
	inbox := notify.NewService(store, rootFn("notify"), nil)
	f := &fixture{
		repo:        approval.NewRepository(store, rootFn("queue"), nil),
		archive:     arch,
		metadata:    meta,
		notify:      inbox,
		placer:      placement.NewPlacer(store, rootFn("project"), rootFn("staging"), rootFn("queue"), nil),
		dirs:        dirs,
		projectRoot: dirs["project"],
		uploadDir:   dirs["uploads"],
	}
	f.engine = New(Deps{
		Repo:     f.repo,
		Identity: provider,
		Archive:  arch,
		Metadata: meta,
		Notify:   inbox,
		Comments: comments.New(store, rootFn("queue"), nil),
		Placer:   f.placer,
	})
	return f
}

// breakDir replaces a directory with a regular file so writes under it
// fail regardless of permissions.
func breakDir(t *testing.T, dir string) {
	t.Helper()
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, []byte("blocked"), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) submit(t *testing.T, actor, filename string) *approval.Submission {
	t.Helper()
	upload := filepath.Join(f.uploadDir, actor+"-"+filename)
	if err := os.WriteFile(upload, []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}
	sub, err := f.engine.Submit(context.Background(), actor, SubmitRequest{
		Filename:   filename,
		UploadPath: upload,
		SizeBytes:  8,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func wantKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("error kind = %s (%v), want %s", got, err, want)
	}
}

func hasNotification(t *testing.T, inbox []notify.Notification, kind notify.Kind, submissionID string) bool {
	t.Helper()
	for _, notif := range inbox {
		if notif.Kind == kind && notif.SubmissionID == submissionID {
			return true
		}
	}
	return false
}

func TestFullApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.submit(t, "alice", "plan.dwg")
	if sub.State != approval.StatePendingTeamLeader {
		t.Fatalf("state after submit = %s", sub.State)
	}
	if sub.SubmitterTeam != "AGCC" {
		t.Fatalf("team = %s", sub.SubmitterTeam)
	}

	tlInbox, err := f.engine.Inbox(ctx, "tleader", false)
	if err != nil {
		t.Fatal(err)
	}
	if !hasNotification(t, tlInbox, notify.KindSubmittedToTL, sub.ID) {
		t.Error("team leader not notified of submission")
	}

	sub, err = f.engine.TLApprove(ctx, "tleader", sub.ID, "drawing checks out")
	if err != nil {
		t.Fatal(err)
	}
	if sub.State != approval.StatePendingAdmin || sub.TLReviewer != "tleader" {
		t.Fatalf("after TL approve: %s reviewer=%s", sub.State, sub.TLReviewer)
	}

	sub, err = f.engine.AdminApprove(ctx, "admin", sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.State != approval.StateApproved {
		t.Fatalf("state = %s", sub.State)
	}
	if sub.PlacementOutcome != approval.PlacementDelivered {
		t.Fatalf("placement = %s (%v)", sub.PlacementOutcome, sub.SideEffectFailures)
	}

	year := sub.AdminDecidedAt.Format("2006")
	delivered := filepath.Join(f.projectRoot, "AGCC", year, "plan.dwg")
	if _, err := os.Stat(delivered); err != nil {
		t.Errorf("artifact not delivered: %v", err)
	}

	archived, kind, err := f.archive.Get(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kind != archive.KindApproved || archived.PlacementTargetPath != delivered {
		t.Errorf("archived = %s %s", kind, archived.PlacementTargetPath)
	}

	rec, err := f.metadata.Get(ctx, metadata.Key{Team: "AGCC", Year: year, Filename: "plan.dwg"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.FinalPath != delivered || len(rec.ApproverChain) != 2 {
		t.Errorf("sidecar = %+v", rec)
	}

	aliceInbox, err := f.engine.Inbox(ctx, "alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if !hasNotification(t, aliceInbox, notify.KindTLApproved, sub.ID) ||
		!hasNotification(t, aliceInbox, notify.KindAdminApproved, sub.ID) {
		t.Errorf("submitter inbox = %+v", aliceInbox)
	}

	// The approved submission left the live queue but stays readable.
	got, err := f.engine.Get(ctx, "alice", sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != approval.StateApproved {
		t.Errorf("archived lookup state = %s", got.State)
	}
}

func TestTLRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")

	_, err := f.engine.TLReject(ctx, "tleader", sub.ID, "   ")
	wantKind(t, err, KindBadInput)

	rejected, err := f.engine.TLReject(ctx, "tleader", sub.ID, "wrong template")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.State != approval.StateRejectedByTeamLeader || rejected.TLRejectionReason != "wrong template" {
		t.Fatalf("rejected = %s %q", rejected.State, rejected.TLRejectionReason)
	}

	if _, kind, err := f.archive.Get(ctx, sub.ID); err != nil || kind != archive.KindRejectedTL {
		t.Errorf("archive ring = %s, err = %v", kind, err)
	}

	inbox, _ := f.engine.Inbox(ctx, "alice", false)
	if !hasNotification(t, inbox, notify.KindTLRejected, sub.ID) {
		t.Error("submitter not notified of rejection")
	}

	// The rejected artifact stays where it was uploaded.
	if _, err := os.Stat(sub.UploadPath); err != nil {
		t.Errorf("upload removed on rejection: %v", err)
	}
}

func TestAdminRejectKeepsArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")
	if _, err := f.engine.TLApprove(ctx, "tleader", sub.ID, ""); err != nil {
		t.Fatal(err)
	}

	rejected, err := f.engine.AdminReject(ctx, "admin", sub.ID, "supersedes rev B")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.State != approval.StateRejectedByAdmin {
		t.Fatalf("state = %s", rejected.State)
	}
	if _, err := os.Stat(sub.UploadPath); err != nil {
		t.Errorf("upload removed on admin rejection: %v", err)
	}
	if _, kind, err := f.archive.Get(ctx, sub.ID); err != nil || kind != archive.KindRejectedAdmin {
		t.Errorf("archive ring = %s, err = %v", kind, err)
	}
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")

	_, err := f.engine.Withdraw(ctx, "bob", sub.ID)
	wantKind(t, err, KindForbidden)

	withdrawn, err := f.engine.Withdraw(ctx, "alice", sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if withdrawn.State != approval.StateWithdrawn {
		t.Fatalf("state = %s", withdrawn.State)
	}
	if _, kind, err := f.archive.Get(ctx, sub.ID); err != nil || kind != archive.KindWithdrawn {
		t.Errorf("archive ring = %s, err = %v", kind, err)
	}

	tlInbox, _ := f.engine.Inbox(ctx, "tleader", false)
	if !hasNotification(t, tlInbox, notify.KindWithdrawn, sub.ID) {
		t.Error("team leader not notified of withdrawal")
	}

	// Gone from the live queue; a TL decision now has nothing to act on.
	_, err = f.engine.TLApprove(ctx, "tleader", sub.ID, "")
	wantKind(t, err, KindNotFound)
}

func TestWithdrawAfterTLApproveIllegal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")
	if _, err := f.engine.TLApprove(ctx, "tleader", sub.ID, ""); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.Withdraw(ctx, "alice", sub.ID)
	wantKind(t, err, KindIllegalTransition)
}

func TestRoleScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")

	if _, err := f.engine.TLApprove(ctx, "bob", sub.ID, ""); err == nil {
		t.Error("plain user performed TL approval")
	} else {
		wantKind(t, err, KindForbidden)
	}

	_, err := f.engine.TLApprove(ctx, "tl_other", sub.ID, "")
	wantKind(t, err, KindForbidden)

	_, err = f.engine.AdminApprove(ctx, "tleader", sub.ID)
	wantKind(t, err, KindForbidden)

	_, err = f.engine.Submit(ctx, "mallory", SubmitRequest{Filename: "x.txt", UploadPath: "/tmp/x"})
	wantKind(t, err, KindUnknownUser)

	_, err = f.engine.Submit(ctx, "admin", SubmitRequest{Filename: "x.txt", UploadPath: "/tmp/x"})
	wantKind(t, err, KindForbidden)
}

func TestStaleDecisionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")
	if _, err := f.engine.TLApprove(ctx, "tleader", sub.ID, ""); err != nil {
		t.Fatal(err)
	}

	// A second TL decision arrives against a state that already moved on.
	_, err := f.engine.TLReject(ctx, "tleader", sub.ID, "changed my mind")
	wantKind(t, err, KindIllegalTransition)
}

func TestSubmitRejectsBadFilename(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Submit(context.Background(), "alice", SubmitRequest{
		Filename:   "../escape.dwg",
		UploadPath: "/tmp/x",
	})
	wantKind(t, err, KindBadInput)
}

func TestSubmitRejectsBadTeam(t *testing.T) {
	f := newFixture(t)
	// frank's provisioned team carries a path separator; the submission
	// is refused at the front door rather than approved into a dead end.
	_, err := f.engine.Submit(context.Background(), "frank", SubmitRequest{
		Filename:   "plan.dwg",
		UploadPath: "/tmp/x",
	})
	wantKind(t, err, KindBadInput)
}

// A record provisioned before team validation existed must still leave
// admin approval with an open delivery path.
func TestAdminApprovePlacementFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upload := filepath.Join(f.uploadDir, "plan.dwg")
	if err := os.WriteFile(upload, []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	legacy := &approval.Submission{
		ID:               "legacy-1",
		Submitter:        "alice",
		SubmitterTeam:    "AG/CC",
		OriginalFilename: "plan.dwg",
		UploadPath:       upload,
		State:            approval.StatePendingAdmin,
		CreatedAt:        now,
		SubmittedAt:      now,
		StateHistory:     []approval.StateChange{{State: approval.StatePendingAdmin, At: now}},
	}
	if err := f.repo.Insert(ctx, legacy); err != nil {
		t.Fatal(err)
	}

	sub, err := f.engine.AdminApprove(ctx, "admin", "legacy-1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.PlacementOutcome != approval.PlacementManualRequested {
		t.Fatalf("outcome = %s", sub.PlacementOutcome)
	}
	if _, statErr := os.Stat(filepath.Join(f.projectRoot, "AG")); !os.IsNotExist(statErr) {
		t.Error("separator team reached the project tree")
	}

	archived, _, err := f.archive.Get(ctx, "legacy-1")
	if err != nil {
		t.Fatal(err)
	}
	if archived.PlacementOutcome != approval.PlacementManualRequested {
		t.Errorf("archived outcome = %s", archived.PlacementOutcome)
	}

	reqs, err := f.placer.Requests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].SubmissionID != "legacy-1" {
		t.Fatalf("request queue = %+v", reqs)
	}

	// The entry stays queued for an operator; sweeps cannot deliver it.
	retrier := placement.NewRetrier(f.placer, f.archive, f.metadata, time.Minute, nil)
	if err := retrier.SweepOnce(ctx); err != nil {
		t.Fatal(err)
	}
	reqs, _ = f.placer.Requests(ctx)
	if len(reqs) != 1 {
		t.Errorf("queue after sweep = %+v", reqs)
	}
}

func TestAdminApproveRecordsManualOnTotalFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")
	if _, err := f.engine.TLApprove(ctx, "tleader", sub.ID, ""); err != nil {
		t.Fatal(err)
	}

	// Delivery, staging, and even the request queue are all unwritable.
	breakDir(t, f.dirs["project"])
	breakDir(t, f.dirs["staging"])
	if err := os.MkdirAll(filepath.Join(f.dirs["queue"], placement.RequestsFile), 0755); err != nil {
		t.Fatal(err)
	}

	sub, err := f.engine.AdminApprove(ctx, "admin", sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.PlacementOutcome != approval.PlacementManualRequested {
		t.Fatalf("outcome = %s", sub.PlacementOutcome)
	}
	if len(sub.SideEffectFailures) < 2 {
		t.Errorf("side effect failures = %v", sub.SideEffectFailures)
	}

	archived, _, err := f.archive.Get(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if archived.PlacementOutcome != approval.PlacementManualRequested {
		t.Errorf("archived outcome = %s", archived.PlacementOutcome)
	}
}

func TestCommentFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")

	comment, err := f.engine.AddComment(ctx, "tleader", sub.ID, "please add a title block")
	if err != nil {
		t.Fatal(err)
	}
	if comment.Author != "tleader" {
		t.Fatalf("comment = %+v", comment)
	}

	inbox, _ := f.engine.Inbox(ctx, "alice", false)
	if !hasNotification(t, inbox, notify.KindCommentAdded, sub.ID) {
		t.Error("submitter not notified of comment")
	}

	// A user with no standing can neither read nor write the thread.
	_, err = f.engine.AddComment(ctx, "carol", sub.ID, "drive-by")
	wantKind(t, err, KindForbidden)
	_, err = f.engine.Comments(ctx, "carol", sub.ID)
	wantKind(t, err, KindForbidden)

	thread, err := f.engine.Comments(ctx, "alice", sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) != 1 {
		t.Errorf("thread = %+v", thread)
	}

	// Replying makes the TL a prior commenter; alice's reply notifies
	// nobody but stays visible to both.
	if _, err := f.engine.AddComment(ctx, "alice", sub.ID, "done"); err != nil {
		t.Fatal(err)
	}
	thread, err = f.engine.Comments(ctx, "tleader", sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) != 2 {
		t.Errorf("thread = %+v", thread)
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")
	if _, err := f.engine.TLApprove(ctx, "tleader", sub.ID, ""); err != nil {
		t.Fatal(err)
	}

	unread, err := f.engine.Inbox(ctx, "alice", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 {
		t.Fatalf("unread = %+v", unread)
	}

	if err := f.engine.MarkRead(ctx, "alice", unread[0].ID); err != nil {
		t.Fatal(err)
	}
	unread, _ = f.engine.Inbox(ctx, "alice", true)
	if len(unread) != 0 {
		t.Errorf("unread after mark = %+v", unread)
	}
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")

	for actor, allowed := range map[string]bool{
		"alice": true, "tleader": true, "admin": true,
		"bob": false, "carol": false, "tl_other": false,
	} {
		_, err := f.engine.Get(ctx, actor, sub.ID)
		if allowed && err != nil {
			t.Errorf("%s denied: %v", actor, err)
		}
		if !allowed {
			wantKind(t, err, KindForbidden)
		}
	}
}

func TestConcurrentDecisionsOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")

	type outcome struct{ err error }
	results := make(chan outcome, 2)
	go func() {
		_, err := f.engine.TLApprove(ctx, "tleader", sub.ID, "")
		results <- outcome{err}
	}()
	go func() {
		_, err := f.engine.Withdraw(ctx, "alice", sub.ID)
		results <- outcome{err}
	}()

	var wins, losses int
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			wins++
			continue
		}
		switch KindOf(res.err) {
		case KindIllegalTransition, KindNotFound:
			losses++
		default:
			t.Errorf("unexpected loss error: %v", res.err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Errorf("wins = %d, losses = %d", wins, losses)
	}
}

func TestOperationDeadline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Submit(ctx, "alice", SubmitRequest{Filename: "a.txt", UploadPath: "/tmp/a"})
	wantKind(t, err, KindDeadline)
}

func TestSubmittedAtStamped(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, "alice", "plan.dwg")
	if sub.SubmittedAt.IsZero() || time.Since(sub.SubmittedAt) > time.Minute {
		t.Errorf("submitted_at = %v", sub.SubmittedAt)
	}
	if len(sub.StateHistory) != 2 {
		t.Errorf("history = %+v", sub.StateHistory)
	}
}

// Fan-out notification ids derive from the transition time, so a
// redelivered fan-out lands on the same ids and deduplicates.
func TestTeamLeaderFanOutDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")

	inbox, err := f.engine.Inbox(ctx, "tleader", false)
	if err != nil {
		t.Fatal(err)
	}
	want := notify.DerivedID(sub.ID, notify.KindSubmittedToTL, sub.SubmittedAt) + ":tleader"
	if len(inbox) != 1 || inbox[0].ID != want {
		t.Fatalf("inbox = %+v, want id %s", inbox, want)
	}

	f.engine.notifyTeamLeaders(ctx, sub, notify.KindSubmittedToTL, sub.SubmittedAt, sub.OriginalFilename)

	inbox, err = f.engine.Inbox(ctx, "tleader", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 {
		t.Errorf("inbox after redelivery = %+v", inbox)
	}
}

func TestLockMapPruned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "alice", "plan.dwg")
	if _, err := f.engine.Withdraw(ctx, "alice", sub.ID); err != nil {
		t.Fatal(err)
	}

	f.engine.mu.Lock()
	held := len(f.engine.inFlight)
	f.engine.mu.Unlock()
	if held != 0 {
		t.Errorf("inFlight holds %d entries after quiescence", held)
	}
}
