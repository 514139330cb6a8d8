// Package paths resolves the logical store roots to physical locations on
// the shared filesystem, falling back to a local root when the share is
// unreachable.
package paths

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Root identifies a logical store root.
type Root string

// Logical roots resolved by the Resolver.
const (
	QueueRoot    Root = "queue"
	ArchiveRoot  Root = "archive"
	NotifyRoot   Root = "notify"
	UploadRoot   Root = "upload"
	ProjectRoot  Root = "project"
	MetadataRoot Root = "metadata"
)

// relative paths under the shared (or fallback) base.
var rootDirs = map[Root]string{
	QueueRoot:    "approvals",
	ArchiveRoot:  filepath.Join("approvals", "archive"),
	NotifyRoot:   "notifications",
	UploadRoot:   "uploads",
	MetadataRoot: "metadata",
}

const sentinelName = ".approvald-probe"

// Resolver maps logical roots to physical directories. It probes the
// network base for reachability, caches the result, and degrades to the
// local fallback base when the share is unavailable.
type Resolver struct {
	networkBase  string
	fallbackBase string
	projectBase  string
	probeTTL     time.Duration
	logger       *slog.Logger

	mu          sync.Mutex
	lastProbe   time.Time
	lastHealthy bool
}

// NewResolver creates a resolver over the given bases. projectBase is
// resolved independently of the shared base since final delivery may live
// on a different share.
func NewResolver(networkBase, fallbackBase, projectBase string, probeTTL time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if probeTTL <= 0 {
		probeTTL = 30 * time.Second
	}
	return &Resolver{
		networkBase:  networkBase,
		fallbackBase: fallbackBase,
		projectBase:  projectBase,
		probeTTL:     probeTTL,
		logger:       logger,
	}
}

// Resolve returns the physical directory for a logical root. The result
// depends on the current reachability of the network base; callers must
// not cache it beyond a single operation.
func (r *Resolver) Resolve(root Root) string {
	if root == ProjectRoot {
		return r.projectBase
	}
	dir, ok := rootDirs[root]
	if !ok {
		// Unknown roots resolve under the base directly.
		dir = string(root)
	}
	return filepath.Join(r.base(), dir)
}

// Degraded reports whether the resolver is currently serving the local
// fallback base.
func (r *Resolver) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.healthyLocked()
}

func (r *Resolver) base() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.healthyLocked() {
		return r.networkBase
	}
	return r.fallbackBase
}

// healthyLocked probes the network base, reusing a cached result for at
// most probeTTL. Caller holds r.mu.
func (r *Resolver) healthyLocked() bool {
	if time.Since(r.lastProbe) < r.probeTTL {
		return r.lastHealthy
	}

	healthy := probe(r.networkBase)
	if healthy != r.lastHealthy && !r.lastProbe.IsZero() {
		if healthy {
			r.logger.Info("Shared store reachable again", slog.String("base", r.networkBase))
		} else {
			r.logger.Warn("Shared store unreachable, using local fallback",
				slog.String("base", r.networkBase),
				slog.String("fallback", r.fallbackBase))
		}
	}
	r.lastProbe = time.Now()
	r.lastHealthy = healthy
	return healthy
}

// probe checks existence plus writability via an idempotent sentinel
// write. The sentinel is rewritten in place, never appended.
func probe(base string) bool {
	info, err := os.Stat(base)
	if err != nil || !info.IsDir() {
		return false
	}
	sentinel := filepath.Join(base, sentinelName)
	if err := os.WriteFile(sentinel, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return false
	}
	return true
}

// EnsureRoots creates the resolved directory for every logical root that
// lives under the shared base, plus the project base.
func (r *Resolver) EnsureRoots() error {
	for root := range rootDirs {
		dir := r.Resolve(root)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create root %s at %s: %w", root, dir, err)
		}
	}
	if r.projectBase != "" {
		if err := os.MkdirAll(r.projectBase, 0755); err != nil {
			// Project delivery may be privileged; placement handles the
			// denial with its staged fallback.
			r.logger.Warn("Could not create project root",
				slog.String("path", r.projectBase), slog.String("error", err.Error()))
		}
	}
	return nil
}
