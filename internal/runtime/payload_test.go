package runtime

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hack-sh/hack/internal/registry"
)

func seedProjects(t *testing.T, reg *registry.Store, entries ...registry.Project) map[string]string {
	t.Helper()
	ids := map[string]string{}
	for _, e := range entries {
		res, err := reg.Upsert(e)
		require.NoError(t, err)
		ids[e.Name] = res.Project.ID
	}
	return ids
}

func TestProjectsJoinsRegistry(t *testing.T) {
	lister := &fakeLister{containers: []container.Summary{
		composeContainer("c1", "demo", "web", "/work/demo", "running"),
		composeContainer("c2", "stray", "web", "/work/stray", "running"),
	}}
	c, reg, _ := newTestCache(t, lister)
	ids := seedProjects(t, reg,
		registry.Project{Name: "demo", ProjectDir: "/work/demo"},
		registry.Project{Name: "idle", ProjectDir: "/work/idle"},
	)

	payload, err := c.Projects(context.Background(), ProjectsOptions{IncludeUnregistered: true})
	require.NoError(t, err)
	require.Len(t, payload.Projects, 3)

	byName := map[string]ProjectView{}
	for _, v := range payload.Projects {
		byName[v.Name] = v
	}

	demo := byName["demo"]
	assert.True(t, demo.Registered)
	assert.True(t, demo.Running)
	assert.Equal(t, ids["demo"], demo.ProjectID)
	require.Len(t, demo.Services, 1)
	assert.Equal(t, "web", demo.Services[0].Name)

	idle := byName["idle"]
	assert.True(t, idle.Registered)
	assert.False(t, idle.Running, "registered projects with nothing running still appear")
	assert.Empty(t, idle.Services)

	stray := byName["stray"]
	assert.False(t, stray.Registered)
	assert.True(t, stray.Running)
}

func TestProjectsDropsUnregisteredByDefault(t *testing.T) {
	lister := &fakeLister{containers: []container.Summary{
		composeContainer("c1", "stray", "web", "/work/stray", "running"),
	}}
	c, _, _ := newTestCache(t, lister)

	payload, err := c.Projects(context.Background(), ProjectsOptions{})
	require.NoError(t, err)
	assert.Empty(t, payload.Projects)
}

func TestProjectsFilter(t *testing.T) {
	lister := &fakeLister{containers: []container.Summary{
		composeContainer("c1", "alpha", "web", "/work/alpha", "running"),
		composeContainer("c2", "beta", "web", "/work/beta", "running"),
	}}
	c, reg, _ := newTestCache(t, lister)
	seedProjects(t, reg,
		registry.Project{Name: "alpha", ProjectDir: "/work/alpha"},
		registry.Project{Name: "beta", ProjectDir: "/work/beta"},
	)

	payload, err := c.Projects(context.Background(), ProjectsOptions{Filter: "ALP"})
	require.NoError(t, err)
	require.Len(t, payload.Projects, 1)
	assert.Equal(t, "alpha", payload.Projects[0].Name)
}

func TestProjectsExcludesGlobalByDefault(t *testing.T) {
	lister := &fakeLister{}
	c, _, stateRoot := newTestCache(t, lister)
	lister.setContainers([]container.Summary{
		composeContainer("c1", "infra", "proxy", stateRoot+"/infra", "running"),
	})

	payload, err := c.Projects(context.Background(), ProjectsOptions{IncludeUnregistered: true})
	require.NoError(t, err)
	assert.Empty(t, payload.Projects)

	payload, err = c.Projects(context.Background(), ProjectsOptions{
		IncludeUnregistered: true,
		IncludeGlobal:       true,
	})
	require.NoError(t, err)
	require.Len(t, payload.Projects, 1)
	assert.True(t, payload.Projects[0].IsGlobal)
}

func TestProjectsAllowedIDs(t *testing.T) {
	lister := &fakeLister{containers: []container.Summary{
		composeContainer("c1", "alpha", "web", "/work/alpha", "running"),
		composeContainer("c2", "beta", "web", "/work/beta", "running"),
	}}
	c, reg, _ := newTestCache(t, lister)
	ids := seedProjects(t, reg,
		registry.Project{Name: "alpha", ProjectDir: "/work/alpha"},
		registry.Project{Name: "beta", ProjectDir: "/work/beta"},
	)

	payload, err := c.Projects(context.Background(), ProjectsOptions{
		AllowedProjectIDs: map[string]bool{ids["alpha"]: true},
	})
	require.NoError(t, err)
	require.Len(t, payload.Projects, 1)
	assert.Equal(t, "alpha", payload.Projects[0].Name)
}

func TestPs(t *testing.T) {
	lister := &fakeLister{containers: []container.Summary{
		composeContainer("c2", "demo", "web", "/work/demo", "running"),
		composeContainer("c1", "demo", "db", "/work/demo", "running"),
	}}
	c, _, _ := newTestCache(t, lister)

	payload, err := c.Ps(context.Background(), PsOptions{ComposeProject: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "demo", payload.ComposeProject)
	require.Len(t, payload.Items, 2)
	assert.Equal(t, "db", payload.Items[0].Service, "items sorted by service then name")
	assert.Equal(t, "web", payload.Items[1].Service)
	assert.Equal(t, "running", payload.Items[0].State)
}

func TestPsUnknownProject(t *testing.T) {
	lister := &fakeLister{}
	c, _, _ := newTestCache(t, lister)

	_, err := c.Ps(context.Background(), PsOptions{ComposeProject: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownComposeProject)
}
