package paths

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveHealthy(t *testing.T) {
	network := t.TempDir()
	fallback := t.TempDir()
	project := t.TempDir()

	r := NewResolver(network, fallback, project, time.Second, nil)

	if r.Degraded() {
		t.Fatal("Degraded() = true for reachable network base")
	}
	if got, want := r.Resolve(QueueRoot), filepath.Join(network, "approvals"); got != want {
		t.Errorf("Resolve(QueueRoot) = %q, want %q", got, want)
	}
	if got, want := r.Resolve(ArchiveRoot), filepath.Join(network, "approvals", "archive"); got != want {
		t.Errorf("Resolve(ArchiveRoot) = %q, want %q", got, want)
	}
	if got, want := r.Resolve(NotifyRoot), filepath.Join(network, "notifications"); got != want {
		t.Errorf("Resolve(NotifyRoot) = %q, want %q", got, want)
	}
	if got := r.Resolve(ProjectRoot); got != project {
		t.Errorf("Resolve(ProjectRoot) = %q, want %q", got, project)
	}
}

func TestResolveDegraded(t *testing.T) {
	network := filepath.Join(t.TempDir(), "does-not-exist")
	fallback := t.TempDir()

	r := NewResolver(network, fallback, "", time.Second, nil)

	if !r.Degraded() {
		t.Fatal("Degraded() = false for unreachable network base")
	}
	if got, want := r.Resolve(UploadRoot), filepath.Join(fallback, "uploads"); got != want {
		t.Errorf("Resolve(UploadRoot) = %q, want %q", got, want)
	}
}

func TestProbeCache(t *testing.T) {
	network := t.TempDir()
	fallback := t.TempDir()

	r := NewResolver(network, fallback, "", time.Hour, nil)

	if r.Degraded() {
		t.Fatal("expected healthy resolver")
	}

	// Break the network base. The cached probe result must survive until
	// the TTL lapses.
	if err := os.RemoveAll(network); err != nil {
		t.Fatal(err)
	}
	if r.Degraded() {
		t.Error("probe result not cached: degraded before TTL expiry")
	}

	// Force the cache to expire.
	r.mu.Lock()
	r.lastProbe = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	if !r.Degraded() {
		t.Error("stale probe result served after TTL expiry")
	}
}

func TestProbeSentinelIdempotent(t *testing.T) {
	base := t.TempDir()

	if !probe(base) {
		t.Fatal("probe failed on writable dir")
	}
	if !probe(base) {
		t.Fatal("second probe failed")
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != sentinelName {
		t.Errorf("unexpected probe residue: %v", entries)
	}
}

func TestEnsureRoots(t *testing.T) {
	network := t.TempDir()
	fallback := t.TempDir()
	project := filepath.Join(t.TempDir(), "PROJECTS")

	r := NewResolver(network, fallback, project, time.Second, nil)
	if err := r.EnsureRoots(); err != nil {
		t.Fatal(err)
	}

	for _, root := range []Root{QueueRoot, ArchiveRoot, NotifyRoot, UploadRoot, MetadataRoot} {
		if _, err := os.Stat(r.Resolve(root)); err != nil {
			t.Errorf("root %s not created: %v", root, err)
		}
	}
	if _, err := os.Stat(project); err != nil {
		t.Errorf("project root not created: %v", err)
	}
}
