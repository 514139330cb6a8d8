// Package identity resolves usernames to roles and team assignments.
//
// The approval core consumes only the Provider interface; the
// authentication datastore behind it is an external concern. Identity is
// never cached beyond a single operation.
package identity

import (
	"context"
	"errors"
	"strings"
)

// Role is a canonical role string.
type Role string

// Roles understood by the approval core.
const (
	RoleUser       Role = "USER"
	RoleTeamLeader Role = "TEAM_LEADER"
	RoleAdmin      Role = "ADMIN"
)

// ErrUnknownUser is returned when a username cannot be resolved.
var ErrUnknownUser = errors.New("unknown user")

// Identity is a resolved user.
type Identity struct {
	Username string   `json:"username"`
	Role     Role     `json:"role"`
	Teams    []string `json:"teams"`
}

// HasTeam reports whether the identity is assigned to team.
func (id Identity) HasTeam(team string) bool {
	for _, t := range id.Teams {
		if t == team {
			return true
		}
	}
	return false
}

// PrimaryTeam returns the first assigned team, or empty.
func (id Identity) PrimaryTeam() string {
	if len(id.Teams) == 0 {
		return ""
	}
	return id.Teams[0]
}

// Provider resolves usernames.
type Provider interface {
	// GetIdentity resolves a username or fails with ErrUnknownUser.
	GetIdentity(ctx context.Context, username string) (Identity, error)
	// TeamLeaders returns the usernames of all team leaders assigned to
	// the given team.
	TeamLeaders(ctx context.Context, team string) ([]string, error)
}

// NormalizeRole canonicalizes a stored role string. Legacy records use a
// whitespace variant for team leaders ("TEAM LEADER"); it is rewritten to
// the underscore form and never propagated inward.
func NormalizeRole(raw string) (Role, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.Join(strings.Fields(normalized), "_")
	switch Role(normalized) {
	case RoleUser, RoleTeamLeader, RoleAdmin:
		return Role(normalized), true
	default:
		return "", false
	}
}
