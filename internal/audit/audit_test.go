package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hack-sh/hack/internal/logger"
)

func TestSanitizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/v1/status", "/v1/status"},
		{"/v1/projects?filter=demo", "/v1/projects?filter=demo"},
		{"/stream?token=secret123", "/stream"},
		{"/stream?access_token=secret&x=1", "/stream?x=1"},
		{"/stream?token=a&access_token=b", "/stream"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizePath(tc.in), tc.in)
	}
}

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := New(path, logger.Nop().Component("audit"))

	l.Append(Entry{Method: "GET", Path: "/v1/status?token=leak", Status: 200, TokenID: "tok1"})
	l.Append(Entry{Method: "POST", Path: "/control-plane/projects/p/jobs", Status: 201, TokenID: "tok2"})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, entries, 2)

	assert.Equal(t, "/v1/status", entries[0].Path, "secrets never reach disk")
	assert.False(t, entries[0].TS.IsZero())
	assert.Equal(t, 201, entries[1].Status)
}

func TestAppendFailureIsSwallowed(t *testing.T) {
	// A directory as the sink makes every append fail.
	dir := t.TempDir()
	l := New(dir, logger.Nop().Component("audit"))

	assert.NotPanics(t, func() {
		l.Append(Entry{Method: "GET", Path: "/v1/status", Status: 200})
	})
}
