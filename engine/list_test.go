package engine

import (
	"context"
	"testing"

	"github.com/crestline/approvald/approval"
)

func TestListRoleScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceSub := f.submit(t, "alice", "plan.dwg")
	bobSub := f.submit(t, "bob", "notes.txt")
	carolSub := f.submit(t, "carol", "site.dwg")

	// A user sees only their own submissions.
	listing, err := f.engine.List(ctx, "alice", ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 1 || listing.Submissions[0].ID != aliceSub.ID {
		t.Errorf("alice listing = %+v", listing.Submissions)
	}

	// A team leader sees the whole team.
	listing, err = f.engine.List(ctx, "tleader", ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, sub := range listing.Submissions {
		ids[sub.ID] = true
	}
	if len(ids) != 2 || !ids[aliceSub.ID] || !ids[bobSub.ID] || ids[carolSub.ID] {
		t.Errorf("tleader listing = %v", ids)
	}

	// An admin sees everything, with counts over the filtered view.
	listing, err = f.engine.List(ctx, "admin", ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 3 {
		t.Errorf("admin listing = %d entries", len(listing.Submissions))
	}
	if listing.Counts[approval.StatePendingTeamLeader] != 3 {
		t.Errorf("counts = %v", listing.Counts)
	}
}

func TestListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, "alice", "plan.dwg")
	f.submit(t, "bob", "notes.txt")
	carolSub := f.submit(t, "carol", "site.dwg")

	// Glob over filenames.
	listing, err := f.engine.List(ctx, "admin", ListFilter{Glob: "*.dwg"})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 2 {
		t.Errorf("glob listing = %d entries", len(listing.Submissions))
	}

	_, err = f.engine.List(ctx, "admin", ListFilter{Glob: "[bad"})
	wantKind(t, err, KindBadInput)

	// Team filter narrows within visibility; it cannot widen it.
	listing, err = f.engine.List(ctx, "admin", ListFilter{Team: "KUSAKABE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 1 || listing.Submissions[0].ID != carolSub.ID {
		t.Errorf("team listing = %+v", listing.Submissions)
	}
	listing, err = f.engine.List(ctx, "tleader", ListFilter{Team: "KUSAKABE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 0 {
		t.Errorf("tleader sees foreign team: %+v", listing.Submissions)
	}

	// Free text matches filename substrings case-insensitively.
	listing, err = f.engine.List(ctx, "admin", ListFilter{Text: "NOTES"})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 1 || listing.Submissions[0].OriginalFilename != "notes.txt" {
		t.Errorf("text listing = %+v", listing.Submissions)
	}

	// Submitter filter.
	listing, err = f.engine.List(ctx, "admin", ListFilter{Submitter: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 1 || listing.Submissions[0].Submitter != "bob" {
		t.Errorf("submitter listing = %+v", listing.Submissions)
	}
}

func TestListStateFilterAndArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := f.submit(t, "alice", "live.dwg")
	done := f.submit(t, "alice", "done.dwg")
	if _, err := f.engine.TLApprove(ctx, "tleader", done.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.AdminApprove(ctx, "admin", done.ID); err != nil {
		t.Fatal(err)
	}

	// The approved submission left the live queue.
	listing, err := f.engine.List(ctx, "admin", ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 1 || listing.Submissions[0].ID != live.ID {
		t.Errorf("live listing = %+v", listing.Submissions)
	}

	// IncludeArchived folds the rings back in.
	listing, err = f.engine.List(ctx, "admin", ListFilter{IncludeArchived: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 2 {
		t.Errorf("archived listing = %d entries", len(listing.Submissions))
	}
	if listing.Counts[approval.StateApproved] != 1 || listing.Counts[approval.StatePendingTeamLeader] != 1 {
		t.Errorf("counts = %v", listing.Counts)
	}

	listing, err = f.engine.List(ctx, "admin", ListFilter{
		IncludeArchived: true,
		States:          []approval.State{approval.StateApproved},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.Submissions) != 1 || listing.Submissions[0].ID != done.ID {
		t.Errorf("state listing = %+v", listing.Submissions)
	}
}

func TestListSorting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, "alice", "bravo.dwg")
	f.submit(t, "alice", "alpha.dwg")
	f.submit(t, "alice", "charlie.dwg")

	listing, err := f.engine.List(ctx, "alice", ListFilter{SortBy: SortByFilename, Ascending: true})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, sub := range listing.Submissions {
		names = append(names, sub.OriginalFilename)
	}
	want := []string{"alpha.dwg", "bravo.dwg", "charlie.dwg"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("sorted = %v, want %v", names, want)
		}
	}

	// Default order is newest submission first.
	listing, err = f.engine.List(ctx, "alice", ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if listing.Submissions[0].OriginalFilename != "charlie.dwg" {
		t.Errorf("newest first = %s", listing.Submissions[0].OriginalFilename)
	}
}
