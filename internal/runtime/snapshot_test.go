package runtime

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func composeContainer(id, project, service, workdir, state string) container.Summary {
	return container.Summary{
		ID:     id,
		Names:  []string{"/" + project + "-" + service + "-1"},
		State:  state,
		Status: "Up 5 minutes",
		Labels: map[string]string{
			labelComposeProject: project,
			labelComposeService: service,
			labelComposeWorkdir: workdir,
		},
	}
}

func TestBuildSnapshotGroupsByProjectAndService(t *testing.T) {
	now := time.Now().UTC()
	containers := []container.Summary{
		composeContainer("c1", "demo", "web", "/work/demo", "running"),
		composeContainer("c2", "demo", "web", "/work/demo", "running"),
		composeContainer("c3", "demo", "db", "/work/demo", "running"),
		composeContainer("c4", "other", "api", "/work/other", "exited"),
		// Not compose-managed; must be skipped.
		{ID: "c5", Names: []string{"/loner"}, State: "running"},
	}

	snap := buildSnapshot(now, containers, "/home/u/.hack")
	assert.Equal(t, now, snap.UpdatedAt)
	require.Len(t, snap.Projects, 2)

	demo := snap.Projects[0]
	assert.Equal(t, "demo", demo.ComposeProjectName)
	assert.Equal(t, "/work/demo", demo.WorkingDir)
	assert.False(t, demo.IsGlobal)
	require.Len(t, demo.Services, 2)
	assert.Len(t, demo.Services["web"].Containers, 2)
	assert.Len(t, demo.Services["db"].Containers, 1)
	assert.Equal(t, "demo-db-1", demo.Services["db"].Containers[0].Name)

	other := snap.Projects[1]
	assert.Equal(t, "other", other.ComposeProjectName)
	assert.Equal(t, "exited", other.Services["api"].Containers[0].State)
}

func TestBuildSnapshotGlobalProjects(t *testing.T) {
	stateRoot := "/home/u/.hack"
	containers := []container.Summary{
		composeContainer("c1", "hack-infra", "proxy", stateRoot+"/infra", "running"),
		composeContainer("c2", "hack-root", "svc", stateRoot, "running"),
		composeContainer("c3", "demo", "web", "/work/demo", "running"),
		composeContainer("c4", "hackish", "web", "/home/u/.hackathon", "running"),
	}

	snap := buildSnapshot(time.Now(), containers, stateRoot)
	global := map[string]bool{}
	for _, p := range snap.Projects {
		global[p.ComposeProjectName] = p.IsGlobal
	}
	assert.True(t, global["hack-infra"])
	assert.True(t, global["hack-root"])
	assert.False(t, global["demo"])
	assert.False(t, global["hackish"], "prefix match is path-segment aware")
}

func TestFormatPorts(t *testing.T) {
	ports := []container.Port{
		{IP: "0.0.0.0", PrivatePort: 5432, PublicPort: 15432, Type: "tcp"},
		{PrivatePort: 6379, Type: "tcp"},
		{IP: "0.0.0.0", PrivatePort: 5432, PublicPort: 15432, Type: "tcp"}, // dup
		{IP: "", PrivatePort: 80, PublicPort: 8080, Type: "tcp"},
	}

	got := formatPorts(ports)
	assert.Equal(t, []string{
		"0.0.0.0:15432->5432/tcp",
		"0.0.0.0:8080->80/tcp",
		"6379/tcp",
	}, got)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "web-1", containerName(container.Summary{ID: "abc", Names: []string{"/web-1"}}))
	assert.Equal(t, "abc", containerName(container.Summary{ID: "abc"}))
}
