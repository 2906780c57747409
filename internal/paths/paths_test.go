package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	l := At("/tmp/hackroot")

	assert.Equal(t, "/tmp/hackroot/hack.config.json", l.GlobalConfig())
	assert.Equal(t, "/tmp/hackroot/projects.json", l.RegistryFile())
	assert.Equal(t, "/tmp/hackroot/daemon/hackd.sock", l.SocketPath())
	assert.Equal(t, "/tmp/hackroot/daemon/hackd.pid", l.PidFile())
	assert.Equal(t, "/tmp/hackroot/daemon/hackd.log", l.LogFile())
	assert.Equal(t, "/tmp/hackroot/daemon/gateway/tokens.json", l.TokensFile())
	assert.Equal(t, "/tmp/hackroot/daemon/gateway/audit.jsonl", l.AuditFile())
	assert.Equal(t, "/tmp/hackroot/cloudflare/cloudflared.pid", l.CloudflaredPid())
}

func TestResolveHonorsEnv(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvStateRoot, root)

	l, err := Resolve()
	require.NoError(t, err)
	assert.Equal(t, root, l.StateRoot)
}

func TestProjectPaths(t *testing.T) {
	assert.Equal(t, "/work/app/hack.config.json", ProjectConfig("/work/app"))
	assert.Equal(t, "/work/app/supervisor/jobs", JobsRoot("/work/app"))
}

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hackd.pid")

	require.NoError(t, WritePidFile(path, 4242))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(raw))

	pid, err := ReadPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, RemovePidFile(path))
	_, err = ReadPidFile(path)
	assert.Error(t, err)

	// Removing twice is fine.
	require.NoError(t, RemovePidFile(path))
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	// Pid beyond any plausible live process.
	assert.False(t, Alive(1<<22+12345))
}
