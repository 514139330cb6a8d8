package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/archive"
)

// SortKey orders listing results.
type SortKey string

// Listing sort keys.
const (
	SortBySubmitted SortKey = "submitted_at"
	SortByFilename  SortKey = "filename"
	SortByState     SortKey = "state"
)

// ListFilter narrows a listing. All criteria are conjunctive; zero
// values match everything. Team narrows within the actor's visibility,
// it never widens it.
type ListFilter struct {
	States    []approval.State
	Team      string
	Submitter string

	// Text matches case-insensitively against filename, description,
	// submitter, and tags.
	Text string

	// Glob matches the filename with doublestar syntax.
	Glob string

	IncludeArchived bool

	SortBy    SortKey
	Ascending bool
}

// Listing is a filtered view plus per-state counts over the same view.
type Listing struct {
	Submissions []*approval.Submission
	Counts      map[approval.State]int
}

// List returns the submissions the actor may see, filtered and sorted.
// Users see their own, team leaders their teams' plus their own, admins
// everything.
func (e *Engine) List(ctx context.Context, actorName string, filter ListFilter) (*Listing, error) {
	const op = "list"
	defer e.observe(op, time.Now())

	actor, err := e.actor(ctx, op, actorName)
	if err != nil {
		return nil, err
	}
	if filter.Glob != "" && !doublestar.ValidatePattern(filter.Glob) {
		return nil, &Error{Kind: KindBadInput, Op: op, Err: fmt.Errorf("invalid glob pattern %q", filter.Glob)}
	}

	var all []*approval.Submission
	err = withRetry(ctx, e.logger, op, func() error {
		var listErr error
		all, listErr = e.repo.List(ctx)
		return listErr
	})
	if err != nil {
		e.countStoreError(op)
		return nil, wrap(op, err)
	}

	if filter.IncludeArchived {
		for _, kind := range []archive.Kind{
			archive.KindApproved, archive.KindRejectedTL, archive.KindRejectedAdmin, archive.KindWithdrawn,
		} {
			ring, listErr := e.archive.List(ctx, kind)
			if listErr != nil {
				return nil, wrap(op, listErr)
			}
			all = append(all, ring...)
		}
	}

	listing := &Listing{Counts: map[approval.State]int{}}
	for _, sub := range all {
		if !e.visible(sub, actor) {
			continue
		}
		if !matches(sub, filter) {
			continue
		}
		listing.Submissions = append(listing.Submissions, sub)
		listing.Counts[sub.State]++
	}

	sortSubmissions(listing.Submissions, filter.SortBy, filter.Ascending)
	return listing, nil
}

func matches(sub *approval.Submission, filter ListFilter) bool {
	if len(filter.States) > 0 {
		found := false
		for _, state := range filter.States {
			if sub.State == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Team != "" && sub.SubmitterTeam != filter.Team {
		return false
	}
	if filter.Submitter != "" && sub.Submitter != filter.Submitter {
		return false
	}
	if filter.Text != "" && !matchesText(sub, filter.Text) {
		return false
	}
	if filter.Glob != "" {
		matched, _ := doublestar.Match(filter.Glob, sub.OriginalFilename)
		if !matched {
			return false
		}
	}
	return true
}

func matchesText(sub *approval.Submission, text string) bool {
	needle := strings.ToLower(text)
	if strings.Contains(strings.ToLower(sub.OriginalFilename), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(sub.Description), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(sub.Submitter), needle) {
		return true
	}
	for _, tag := range sub.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// sortSubmissions orders by the key, id as tiebreaker so equal keys
// stay deterministic. The default is submission time, newest first.
func sortSubmissions(subs []*approval.Submission, key SortKey, ascending bool) {
	less := func(a, b *approval.Submission) bool {
		switch key {
		case SortByFilename:
			if a.OriginalFilename != b.OriginalFilename {
				return a.OriginalFilename < b.OriginalFilename
			}
		case SortByState:
			if a.State != b.State {
				return a.State < b.State
			}
		default:
			if !a.SubmittedAt.Equal(b.SubmittedAt) {
				return a.SubmittedAt.Before(b.SubmittedAt)
			}
		}
		return a.ID < b.ID
	}
	sort.Slice(subs, func(i, j int) bool {
		if ascending {
			return less(subs[i], subs[j])
		}
		return less(subs[j], subs[i])
	})
}
