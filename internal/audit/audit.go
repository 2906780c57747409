// Package audit appends gateway request records to a JSONL sink.
package audit

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hack-sh/hack/internal/fsio"
)

// Entry is one gateway request, recorded after the handler resolves.
type Entry struct {
	TS            time.Time `json:"ts"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Status        int       `json:"status"`
	TokenID       string    `json:"tokenId,omitempty"`
	RemoteAddress string    `json:"remoteAddress,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
}

// Log appends entries to gateway/audit.jsonl. Append failures are
// logged and swallowed: audit must never block request handling.
type Log struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

// New returns an audit log writing to path.
func New(path string, log zerolog.Logger) *Log {
	return &Log{path: path, log: log}
}

// Append records one entry. The path is sanitized before writing so
// bearer secrets passed as query parameters never reach disk.
func (l *Log) Append(e Entry) {
	e.Path = SanitizePath(e.Path)
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		l.log.Warn().Err(err).Msg("audit entry not serializable")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := fsio.AppendLine(l.path, data); err != nil {
		l.log.Warn().Err(err).Str("path", l.path).Msg("audit append failed")
	}
}

// SanitizePath strips token and access_token query parameters from a
// request path, leaving everything else intact.
func SanitizePath(rawPath string) string {
	u, err := url.Parse(rawPath)
	if err != nil {
		return rawPath
	}
	q := u.Query()
	if len(q) == 0 {
		return rawPath
	}
	q.Del("token")
	q.Del("access_token")
	u.RawQuery = q.Encode()
	return u.String()
}
