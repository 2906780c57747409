// Package runtime maintains the daemon's view of running compose
// projects.
//
// The cache is driven two ways: Docker container events schedule a
// debounced refresh, and readers with no snapshot yet trigger a
// blocking one. Refreshes are serialized; a burst of events collapses
// into at most two enumerations.
package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/rs/zerolog"

	"github.com/hack-sh/hack/internal/metrics"
	"github.com/hack-sh/hack/internal/registry"
)

// eventDebounce is how long after the last Docker event a refresh runs.
const eventDebounce = 250 * time.Millisecond

// ContainerLister is the slice of the Docker client the cache needs.
type ContainerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// ProjectRegistry is the slice of the registry store the cache needs
// for joining and auto-registration.
type ProjectRegistry interface {
	List() ([]registry.Project, error)
	Upsert(registry.Project) (registry.UpsertResult, error)
}

// Cache holds the current snapshot and refresh machinery.
type Cache struct {
	docker    ContainerLister
	reg       ProjectRegistry
	metrics   *metrics.Metrics
	log       zerolog.Logger
	stateRoot string

	snapshot atomic.Pointer[Snapshot]

	mu       sync.Mutex
	inflight chan struct{}
	pending  bool
	debounce *time.Timer
}

// NewCache wires a cache; call Refresh(ctx, "startup") to prime it.
func NewCache(docker ContainerLister, reg ProjectRegistry, m *metrics.Metrics, stateRoot string, log zerolog.Logger) *Cache {
	return &Cache{
		docker:    docker,
		reg:       reg,
		metrics:   m,
		log:       log,
		stateRoot: stateRoot,
	}
}

// Snapshot returns the current snapshot, or nil before the first
// refresh completes.
func (c *Cache) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Refresh re-enumerates compose projects and atomically publishes a new
// snapshot. If a refresh is already in flight the caller waits for it
// and at most one waiter re-runs afterwards, coalescing event bursts
// into two enumerations.
func (c *Cache) Refresh(ctx context.Context, reason string) error {
	c.mu.Lock()
	for c.inflight != nil {
		c.pending = true
		ch := c.inflight
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}

		c.mu.Lock()
		if !c.pending {
			// Another waiter claimed the rerun.
			c.mu.Unlock()
			return nil
		}
		c.pending = false
		reason = "pending:" + reason
	}
	ch := make(chan struct{})
	c.inflight = ch
	c.mu.Unlock()

	err := c.doRefresh(ctx, reason)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(ch)
	return err
}

func (c *Cache) doRefresh(ctx context.Context, reason string) error {
	start := time.Now()
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		c.metrics.RefreshFailed(time.Now().UTC())
		c.log.Warn().Err(err).Str("reason", reason).Msg("runtime refresh failed")
		return err
	}

	snap := buildSnapshot(time.Now().UTC(), containers, c.stateRoot)
	c.autoRegister(snap)
	c.snapshot.Store(snap)
	c.metrics.RefreshSucceeded(snap.UpdatedAt)

	c.log.Debug().
		Str("reason", reason).
		Int("projects", len(snap.Projects)).
		Dur("took", time.Since(start)).
		Msg("runtime snapshot refreshed")
	return nil
}

// autoRegister upserts compose projects whose working dir carries a
// hack.config.json. Conflicts (same name, different dir) are left to
// the user to resolve and only logged.
func (c *Cache) autoRegister(snap *Snapshot) {
	for _, proj := range snap.Projects {
		if proj.WorkingDir == "" || proj.IsGlobal {
			continue
		}
		if _, err := os.Stat(filepath.Join(proj.WorkingDir, "hack.config.json")); err != nil {
			continue
		}
		result, err := c.reg.Upsert(registry.Project{
			Name:       proj.ComposeProjectName,
			RepoRoot:   proj.WorkingDir,
			ProjectDir: proj.WorkingDir,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("project", proj.ComposeProjectName).Msg("auto-register failed")
			continue
		}
		if result.Status == registry.UpsertConflict {
			c.log.Debug().
				Str("project", proj.ComposeProjectName).
				Str("existing_dir", result.Project.ProjectDir).
				Str("observed_dir", proj.WorkingDir).
				Msg("auto-register name conflict, keeping existing registration")
		}
	}
}

// HandleEvent is the Docker watcher callback. Each event arms (or
// re-arms) a single shared debounce timer.
func (c *Cache) HandleEvent(msg events.Message) {
	c.metrics.EventSeen(time.Now().UTC())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounce != nil {
		c.debounce.Reset(eventDebounce)
		return
	}
	c.debounce = time.AfterFunc(eventDebounce, func() {
		c.mu.Lock()
		c.debounce = nil
		c.mu.Unlock()
		if err := c.Refresh(context.Background(), "docker-event"); err != nil {
			// Already counted; the next event or reader retries.
			return
		}
	})
}

// StopDebounce cancels a pending debounced refresh at shutdown.
func (c *Cache) StopDebounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

// ensure returns a snapshot, performing a blocking first refresh when
// none has been published yet. Readers never otherwise wait on Docker.
func (c *Cache) ensure(ctx context.Context) (*Snapshot, error) {
	if snap := c.snapshot.Load(); snap != nil {
		return snap, nil
	}
	if err := c.Refresh(ctx, "first-read"); err != nil {
		return nil, err
	}
	if snap := c.snapshot.Load(); snap != nil {
		return snap, nil
	}
	// Refresh coalesced into one that failed before publishing.
	return &Snapshot{UpdatedAt: time.Now().UTC()}, nil
}
