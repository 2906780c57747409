package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "daemon", "hackd.log")

	l, err := New(Options{LogFile: logFile, ConsoleOut: &console})
	require.NoError(t, err)
	defer l.Close()

	l.Info().Str("component", "test").Msg("hello from the daemon")

	assert.Contains(t, console.String(), "hello from the daemon")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello from the daemon"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestDebugLevel(t *testing.T) {
	var console bytes.Buffer

	l, err := New(Options{ConsoleOut: &console})
	require.NoError(t, err)
	l.Debug().Msg("hidden")
	assert.NotContains(t, console.String(), "hidden")

	var debugOut bytes.Buffer
	l, err = New(Options{Debug: true, ConsoleOut: &debugOut})
	require.NoError(t, err)
	l.Debug().Msg("visible")
	assert.Contains(t, debugOut.String(), "visible")
}

func TestComponent(t *testing.T) {
	var console bytes.Buffer
	l, err := New(Options{ConsoleOut: &console})
	require.NoError(t, err)

	cl := l.Component("gateway")
	cl.Info().Msg("tagged")
	assert.Contains(t, console.String(), "gateway")
}

func TestNopAndClose(t *testing.T) {
	l := Nop()
	l.Info().Msg("discarded")
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close(), "closing twice is fine")
}
