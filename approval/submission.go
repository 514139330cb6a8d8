// Package approval defines the submission model, its state machine, and
// the repository over the shared live queue.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is a submission workflow state.
type State string

// Submission states. Terminal states never transition again.
const (
	StateDraft                State = "DRAFT"
	StatePendingTeamLeader    State = "PENDING_TEAM_LEADER"
	StatePendingAdmin         State = "PENDING_ADMIN"
	StateApproved             State = "APPROVED"
	StateRejectedByTeamLeader State = "REJECTED_BY_TEAM_LEADER"
	StateRejectedByAdmin      State = "REJECTED_BY_ADMIN"
	StateWithdrawn            State = "WITHDRAWN"
)

// transitions is the legal state graph. Any transition not listed fails
// with ErrIllegalTransition.
var transitions = map[State][]State{
	StateDraft:             {StatePendingTeamLeader},
	StatePendingTeamLeader: {StatePendingAdmin, StateRejectedByTeamLeader, StateWithdrawn},
	StatePendingAdmin:      {StateApproved, StateRejectedByAdmin},
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateDraft, StatePendingTeamLeader, StatePendingAdmin, StateApproved,
		StateRejectedByTeamLeader, StateRejectedByAdmin, StateWithdrawn:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StateRejectedByTeamLeader, StateRejectedByAdmin, StateWithdrawn:
		return true
	}
	return false
}

// CanTransitionTo reports whether s → to is a legal transition.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PlacementOutcome records how an approved artifact reached (or failed to
// reach) the project tree.
type PlacementOutcome string

// Placement outcomes.
const (
	PlacementDelivered       PlacementOutcome = "DELIVERED"
	PlacementStaged          PlacementOutcome = "STAGED"
	PlacementManualRequested PlacementOutcome = "MANUAL_REQUESTED"
)

// StateChange is one entry of a submission's state history.
type StateChange struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
	Actor string    `json:"actor,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// Submission is the central entity flowing through approval.
type Submission struct {
	ID string `json:"id"`

	// Submitter identity captured at submission time; never rewritten,
	// even if the submitter's team later changes.
	Submitter     string `json:"submitter_username"`
	SubmitterTeam string `json:"submitter_team"`

	OriginalFilename string `json:"original_filename"`
	UploadPath       string `json:"upload_path"`
	SizeBytes        int64  `json:"size_bytes"`
	ContentTypeHint  string `json:"content_type_hint,omitempty"`

	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	State State `json:"state"`

	CreatedAt      time.Time  `json:"created_at"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	TLDecidedAt    *time.Time `json:"tl_decided_at,omitempty"`
	AdminDecidedAt *time.Time `json:"admin_decided_at,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`

	TLReviewer        string `json:"tl_reviewer,omitempty"`
	TLRejectionReason string `json:"tl_rejection_reason,omitempty"`

	AdminReviewer        string `json:"admin_reviewer,omitempty"`
	AdminRejectionReason string `json:"admin_rejection_reason,omitempty"`

	PlacementOutcome    PlacementOutcome `json:"placement_outcome,omitempty"`
	PlacementTargetPath string           `json:"placement_target_path,omitempty"`
	StagingPath         string           `json:"staging_path,omitempty"`

	StateHistory []StateChange `json:"state_history"`

	// SideEffectFailures records post-commit effects that failed and are
	// awaiting retry; transitions are never reversed for them.
	SideEffectFailures []string `json:"side_effect_failures,omitempty"`
}

// Sentinel errors for submission operations.
var (
	ErrNotFound          = errors.New("submission not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrInvalidTeam       = errors.New("invalid team")
	ErrReasonRequired    = errors.New("rejection reason is required")
)

const (
	maxFilenameLen = 255
	maxReasonLen   = 2000
)

// ValidateFilename rejects names that could escape the target directory:
// path separators, parent references, NUL, and overlong names.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilename)
	}
	if len(name) > maxFilenameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilename, maxFilenameLen)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: contains path separator or NUL", ErrInvalidFilename)
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("%w: contains parent reference", ErrInvalidFilename)
	}
	return nil
}

// ValidateTeam rejects team names that cannot serve as a single path
// component of the delivery tree.
func ValidateTeam(team string) error {
	if team == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTeam)
	}
	if strings.ContainsAny(team, "/\\\x00") {
		return fmt.Errorf("%w: contains path separator or NUL", ErrInvalidTeam)
	}
	if team == "." || strings.Contains(team, "..") {
		return fmt.Errorf("%w: contains parent reference", ErrInvalidTeam)
	}
	return nil
}

// ValidateReason trims and bounds a rejection reason.
func ValidateReason(reason string) (string, error) {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return "", ErrReasonRequired
	}
	if len(trimmed) > maxReasonLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrReasonRequired, maxReasonLen)
	}
	return trimmed, nil
}

// New creates a submission in DRAFT for the given submitter and artifact.
func New(submitter, team, filename, uploadPath string, sizeBytes int64, description string, tags []string) (*Submission, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}
	if err := ValidateTeam(team); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Submission{
		ID:               uuid.New().String(),
		Submitter:        submitter,
		SubmitterTeam:    team,
		OriginalFilename: filename,
		UploadPath:       uploadPath,
		SizeBytes:        sizeBytes,
		Description:      description,
		Tags:             tags,
		State:            StateDraft,
		CreatedAt:        now,
		StateHistory: []StateChange{
			{State: StateDraft, At: now, Actor: submitter},
		},
	}, nil
}

// Advance moves the submission to a new state, recording history. It
// fails with ErrIllegalTransition when the move is not in the graph.
func (s *Submission) Advance(to State, actor, note string) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, to)
	}
	if !s.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.State, to)
	}
	now := time.Now()
	s.State = to
	s.StateHistory = append(s.StateHistory, StateChange{State: to, At: now, Actor: actor, Note: note})
	switch to {
	case StatePendingTeamLeader:
		s.SubmittedAt = now
	case StatePendingAdmin, StateRejectedByTeamLeader:
		t := now
		s.TLDecidedAt = &t
		s.TLReviewer = actor
	case StateApproved, StateRejectedByAdmin:
		t := now
		s.AdminDecidedAt = &t
		s.AdminReviewer = actor
	}
	return nil
}

// Clone returns a deep copy; repository callers receive copies so shared
// snapshots cannot be mutated in place.
func (s *Submission) Clone() *Submission {
	dup := *s
	dup.Tags = append([]string(nil), s.Tags...)
	dup.StateHistory = append([]StateChange(nil), s.StateHistory...)
	dup.SideEffectFailures = append([]string(nil), s.SideEffectFailures...)
	if s.TLDecidedAt != nil {
		t := *s.TLDecidedAt
		dup.TLDecidedAt = &t
	}
	if s.AdminDecidedAt != nil {
		t := *s.AdminDecidedAt
		dup.AdminDecidedAt = &t
	}
	if s.ArchivedAt != nil {
		t := *s.ArchivedAt
		dup.ArchivedAt = &t
	}
	return &dup
}
