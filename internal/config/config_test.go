package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "hack.config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "hack.config.json"))
	require.NoError(t, err)
	assert.False(t, doc.Exists)
	assert.False(t, doc.GatewayEnabled())
	assert.False(t, doc.IsSet("gateway.port"))
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "{not json")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"gateway": {"enabled": true, "port": 9000},
		"supervisor": {"maxConcurrentJobs": 2}
	}`)

	doc, err := Load(path)
	require.NoError(t, err)
	assert.True(t, doc.Exists)
	assert.True(t, doc.GatewayEnabled())
	assert.Equal(t, 9000, doc.Gateway.Port)
	assert.Equal(t, 2, doc.Supervisor.MaxConcurrentJobs)
	assert.True(t, doc.IsSet("gateway.port"))
	assert.False(t, doc.IsSet("gateway.bind"))
}

func TestMergeDefaults(t *testing.T) {
	eff := Merge(nil, nil, nil)

	assert.Equal(t, DefaultGatewayBind, eff.GatewayBind)
	assert.Equal(t, DefaultGatewayPort, eff.GatewayPort)
	assert.False(t, eff.GatewayAllowWrites)
	assert.Equal(t, DefaultMaxConcurrentJobs, eff.MaxConcurrentJobs)
	assert.Equal(t, int64(DefaultLogsMaxBytes), eff.LogsMaxBytes)
}

func TestMergeGlobalOnlyKeysIgnoredInProject(t *testing.T) {
	globalPath := writeConfig(t, t.TempDir(), `{
		"gateway": {"bind": "0.0.0.0", "port": 7000, "allowWrites": true}
	}`)
	projectPath := writeConfig(t, t.TempDir(), `{
		"gateway": {"enabled": true, "bind": "1.2.3.4", "port": 9999, "allowWrites": false},
		"supervisor": {"maxConcurrentJobs": 8}
	}`)

	global, err := Load(globalPath)
	require.NoError(t, err)
	project, err := Load(projectPath)
	require.NoError(t, err)

	var warned []string
	eff := Merge(global, project, func(key string) { warned = append(warned, key) })

	assert.Equal(t, "0.0.0.0", eff.GatewayBind)
	assert.Equal(t, 7000, eff.GatewayPort)
	assert.True(t, eff.GatewayAllowWrites)
	assert.Equal(t, 8, eff.MaxConcurrentJobs, "supervisor keys stay project-overridable")
	assert.ElementsMatch(t, []string{"gateway.bind", "gateway.port", "gateway.allowwrites"}, warned)
}

func TestMergeGlobalOnlyExtensions(t *testing.T) {
	globalPath := writeConfig(t, t.TempDir(), `{
		"extensions": {"tunnel": {"enabled": true, "cliNamespace": "tunnel"}}
	}`)
	projectPath := writeConfig(t, t.TempDir(), `{
		"extensions": {
			"tunnel": {"enabled": false},
			"lint": {"enabled": true}
		}
	}`)

	global, err := Load(globalPath)
	require.NoError(t, err)
	project, err := Load(projectPath)
	require.NoError(t, err)

	var warned []string
	eff := Merge(global, project, func(key string) { warned = append(warned, key) })

	require.Contains(t, eff.Extensions, "tunnel")
	require.NotNil(t, eff.Extensions["tunnel"].Enabled)
	assert.True(t, *eff.Extensions["tunnel"].Enabled, "global extension wins")
	assert.Contains(t, eff.Extensions, "lint", "project-local extension ids pass through")
	assert.Equal(t, []string{"extensions.tunnel"}, warned)
}
