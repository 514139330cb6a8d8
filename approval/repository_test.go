package approval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/crestline/approvald/docstore"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	return NewRepository(docstore.New(nil), func() string { return dir }, nil)
}

func submitTestFile(t *testing.T, repo *Repository, submitter, team string) *Submission {
	t.Helper()
	sub, err := New(submitter, team, "spec.pdf", "/uploads/"+submitter+"/spec.pdf", 100, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Advance(StatePendingTeamLeader, submitter, "submitted"); err != nil {
		t.Fatal(err)
	}
	if err := repo.Insert(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestInsertAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	sub := submitTestFile(t, repo, "alice", "AGCC")

	got, err := repo.Get(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Submitter != "alice" || got.State != StatePendingTeamLeader {
		t.Errorf("Get() = %+v", got)
	}

	if _, err := repo.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(nope) error = %v, want ErrNotFound", err)
	}

	if err := repo.Insert(ctx, sub); err == nil {
		t.Error("duplicate Insert() succeeded")
	}
}

func TestTransition(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := submitTestFile(t, repo, "alice", "AGCC")

	got, err := repo.Transition(ctx, sub.ID, StatePendingAdmin, func(s *Submission) error {
		return s.Advance(StatePendingAdmin, "tl_bob", "")
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StatePendingAdmin || got.TLReviewer != "tl_bob" {
		t.Errorf("Transition() = %+v", got)
	}

	// Still live: non-terminal transitions keep the entry in the queue.
	if _, err := repo.Get(ctx, sub.ID); err != nil {
		t.Errorf("submission left queue on non-terminal transition: %v", err)
	}
}

func TestTransitionStaleFails(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := submitTestFile(t, repo, "alice", "AGCC")

	if _, err := repo.Transition(ctx, sub.ID, StatePendingAdmin, func(s *Submission) error {
		return s.Advance(StatePendingAdmin, "tl_bob", "")
	}); err != nil {
		t.Fatal(err)
	}

	// Second TL approval races against the committed one and loses.
	_, err := repo.Transition(ctx, sub.ID, StatePendingAdmin, func(s *Submission) error {
		return s.Advance(StatePendingAdmin, "tl_dan", "")
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("stale transition error = %v, want ErrIllegalTransition", err)
	}
}

func TestTerminalTransitionLeavesQueue(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := submitTestFile(t, repo, "alice", "AGCC")

	got, err := repo.Transition(ctx, sub.ID, StateWithdrawn, func(s *Submission) error {
		return s.Advance(StateWithdrawn, "alice", "withdrawn by user")
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateWithdrawn {
		t.Errorf("state = %s", got.State)
	}

	if _, err := repo.Get(ctx, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal submission still in queue: %v", err)
	}
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := submitTestFile(t, repo, "alice", "AGCC")

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.Transition(ctx, sub.ID, StatePendingAdmin, func(s *Submission) error {
				return s.Advance(StatePendingAdmin, "tl", "")
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrIllegalTransition):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winning transitions = %d, want exactly 1", wins)
	}
}

func TestTransitionNotAppliedRejected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := submitTestFile(t, repo, "alice", "AGCC")

	// apply forgets to Advance; the repository must refuse to commit.
	_, err := repo.Transition(ctx, sub.ID, StatePendingAdmin, func(s *Submission) error {
		return nil
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("error = %v, want ErrIllegalTransition", err)
	}

	got, err := repo.Get(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StatePendingTeamLeader {
		t.Errorf("state mutated to %s despite rejected commit", got.State)
	}
}

func TestRecordSideEffectFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sub := submitTestFile(t, repo, "alice", "AGCC")

	if err := repo.RecordSideEffectFailure(ctx, sub.ID, "notify: inbox unavailable"); err != nil {
		t.Fatal(err)
	}
	got, err := repo.Get(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.SideEffectFailures) != 1 {
		t.Errorf("failures = %v", got.SideEffectFailures)
	}
}
