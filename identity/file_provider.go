package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// userRecord is the on-disk shape of one users.json entry. The document is
// a map keyed by email; usernames are unique within it.
type userRecord struct {
	Username string   `json:"username"`
	Fullname string   `json:"fullname"`
	Role     string   `json:"role"`
	Teams    []string `json:"team_tags"`
}

// FileProvider resolves identities from a users.json document maintained
// by the authentication subsystem. The document is re-read on every
// lookup; role/team changes take effect on the next operation.
type FileProvider struct {
	path   string
	logger *slog.Logger
}

// NewFileProvider creates a provider over the given users.json path.
func NewFileProvider(path string, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileProvider{path: path, logger: logger}
}

// GetIdentity implements Provider.
func (p *FileProvider) GetIdentity(ctx context.Context, username string) (Identity, error) {
	users, err := p.load(ctx)
	if err != nil {
		return Identity{}, err
	}
	for _, rec := range users {
		if rec.Username != username {
			continue
		}
		role, ok := NormalizeRole(rec.Role)
		if !ok {
			p.logger.Warn("User has unrecognized role",
				slog.String("username", username), slog.String("role", rec.Role))
			return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
		}
		return Identity{Username: username, Role: role, Teams: rec.Teams}, nil
	}
	return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
}

// TeamLeaders implements Provider.
func (p *FileProvider) TeamLeaders(ctx context.Context, team string) ([]string, error) {
	users, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	var leaders []string
	for _, rec := range users {
		role, ok := NormalizeRole(rec.Role)
		if !ok || role != RoleTeamLeader {
			continue
		}
		for _, t := range rec.Teams {
			if t == team {
				leaders = append(leaders, rec.Username)
				break
			}
		}
	}
	return leaders, nil
}

func (p *FileProvider) load(ctx context.Context) (map[string]userRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]userRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var users map[string]userRecord
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	return users, nil
}

// StaticProvider is an in-memory Provider for tests and tooling.
type StaticProvider struct {
	Users map[string]Identity
}

// GetIdentity implements Provider.
func (p *StaticProvider) GetIdentity(_ context.Context, username string) (Identity, error) {
	id, ok := p.Users[username]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return id, nil
}

// TeamLeaders implements Provider.
func (p *StaticProvider) TeamLeaders(_ context.Context, team string) ([]string, error) {
	var leaders []string
	for name, id := range p.Users {
		if id.Role == RoleTeamLeader && id.HasTeam(team) {
			leaders = append(leaders, name)
		}
	}
	return leaders, nil
}
