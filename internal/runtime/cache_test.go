package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hack-sh/hack/internal/logger"
	"github.com/hack-sh/hack/internal/metrics"
	"github.com/hack-sh/hack/internal/registry"
)

type fakeLister struct {
	mu         sync.Mutex
	calls      int
	containers []container.Summary
	err        error

	// gate, when set, blocks ContainerList until released.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeLister) ContainerList(ctx context.Context, _ container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	entered := f.entered
	containers := f.containers
	err := f.err
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	return containers, err
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLister) setContainers(containers []container.Summary) {
	f.mu.Lock()
	f.containers = containers
	f.mu.Unlock()
}

func newTestCache(t *testing.T, lister *fakeLister) (*Cache, *registry.Store, string) {
	t.Helper()
	stateRoot := t.TempDir()
	reg := registry.New(filepath.Join(stateRoot, "projects.json"), logger.Nop().Component("registry"))
	c := NewCache(lister, reg, metrics.New(time.Now()), stateRoot, logger.Nop().Component("runtime"))
	return c, reg, stateRoot
}

func TestRefreshPublishesSnapshot(t *testing.T) {
	lister := &fakeLister{containers: []container.Summary{
		composeContainer("c1", "demo", "web", "/work/demo", "running"),
	}}
	c, _, _ := newTestCache(t, lister)

	require.Nil(t, c.Snapshot())
	require.NoError(t, c.Refresh(context.Background(), "startup"))

	snap := c.Snapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Projects, 1)
	assert.Equal(t, "demo", snap.Projects[0].ComposeProjectName)
}

func TestRefreshBurstCoalesces(t *testing.T) {
	lister := &fakeLister{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c, _, _ := newTestCache(t, lister)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Refresh(context.Background(), "first")
	}()
	<-lister.entered // first refresh is inside ContainerList

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Refresh(context.Background(), "burst")
		}()
	}
	// Give the waiters time to queue behind the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(lister.gate)
	wg.Wait()

	assert.Equal(t, 2, lister.callCount(),
		"a burst behind one in-flight refresh collapses into a single rerun")
}

func TestRefreshUpdatedAtMonotonic(t *testing.T) {
	lister := &fakeLister{}
	c, _, _ := newTestCache(t, lister)

	require.NoError(t, c.Refresh(context.Background(), "one"))
	first := c.Snapshot().UpdatedAt
	require.NoError(t, c.Refresh(context.Background(), "two"))
	second := c.Snapshot().UpdatedAt

	assert.False(t, second.Before(first))
}

func TestRefreshFailureKeepsOldSnapshot(t *testing.T) {
	lister := &fakeLister{containers: []container.Summary{
		composeContainer("c1", "demo", "web", "/work/demo", "running"),
	}}
	c, _, _ := newTestCache(t, lister)
	require.NoError(t, c.Refresh(context.Background(), "ok"))

	lister.mu.Lock()
	lister.err = os.ErrDeadlineExceeded
	lister.mu.Unlock()

	assert.Error(t, c.Refresh(context.Background(), "bad"))
	require.NotNil(t, c.Snapshot())
	assert.Len(t, c.Snapshot().Projects, 1, "failed refresh never clobbers the snapshot")
}

func TestHandleEventDebounces(t *testing.T) {
	lister := &fakeLister{}
	c, _, _ := newTestCache(t, lister)
	defer c.StopDebounce()

	for i := 0; i < 5; i++ {
		c.HandleEvent(events.Message{Type: events.ContainerEventType, Action: "start"})
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return lister.callCount() >= 1
	}, 2*time.Second, 20*time.Millisecond)
	// Settled: the burst produced one refresh, not five.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, lister.callCount())
}

func TestFirstReadTriggersRefresh(t *testing.T) {
	lister := &fakeLister{containers: []container.Summary{
		composeContainer("c1", "demo", "web", "/work/demo", "running"),
	}}
	c, _, _ := newTestCache(t, lister)

	payload, err := c.Projects(context.Background(), ProjectsOptions{IncludeUnregistered: true})
	require.NoError(t, err)
	require.Len(t, payload.Projects, 1)
	assert.Equal(t, 1, lister.callCount())
}

func TestAutoRegister(t *testing.T) {
	workdir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "hack.config.json"), []byte("{}"), 0o644))
	bare := t.TempDir() // no hack.config.json

	lister := &fakeLister{containers: []container.Summary{
		composeContainer("c1", "demo", "web", workdir, "running"),
		composeContainer("c2", "plain", "web", bare, "running"),
	}}
	c, reg, _ := newTestCache(t, lister)

	require.NoError(t, c.Refresh(context.Background(), "startup"))

	projects, err := reg.List()
	require.NoError(t, err)
	require.Len(t, projects, 1, "only directories carrying a hack config are auto-registered")
	assert.Equal(t, "demo", projects[0].Name)
	assert.Equal(t, workdir, projects[0].ProjectDir)
}
