package hackhttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hack-sh/hack/internal/jobstore"
)

const (
	streamPollInterval = 500 * time.Millisecond
	heartbeatInterval  = 5 * time.Second

	// logChunkMax bounds a single log frame.
	logChunkMax = 256 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Both transports sit behind their own trust model, the socket via
	// filesystem permissions and the gateway via bearer tokens.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type jobHello struct {
	Type       string `json:"type"`
	LogsFrom   int64  `json:"logsFrom"`
	EventsFrom int64  `json:"eventsFrom"`
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	project, ok := s.resolveProject(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	store := s.Supervisor.Store(project.ProjectDir)
	if _, err := store.ReadMeta(jobID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job_not_found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	if !requireUpgrade(w, r) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.Metrics.StreamOpened()
	defer s.Metrics.StreamClosed()

	// The first client frame must be hello; it may carry resume
	// offsets from a previous connection.
	_, first, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var hello jobHello
	if err := json.Unmarshal(first, &hello); err != nil {
		writeStreamError(conn, "invalid_message")
		return
	}
	if hello.Type != "hello" {
		writeStreamError(conn, "expected_hello")
		return
	}

	logsOffset := hello.LogsFrom
	eventsSeq := hello.EventsFrom
	if err := writeStreamJSON(conn, map[string]any{
		"type":       "ready",
		"logsOffset": logsOffset,
		"eventsSeq":  eventsSeq,
	}); err != nil {
		return
	}

	// Reader goroutine only watches for the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	paths := store.Paths(jobID)
	poll := time.NewTicker(streamPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
		case <-poll.C:
			var err error
			logsOffset, err = s.pushLogDelta(conn, paths.Combined, logsOffset)
			if err != nil {
				return
			}
			eventsSeq, err = s.pushEvents(conn, store, jobID, eventsSeq)
			if err != nil {
				return
			}
		case <-heartbeat.C:
			err := writeStreamJSON(conn, map[string]any{
				"type":       "heartbeat",
				"ts":         time.Now().UTC().Format(time.RFC3339Nano),
				"logsOffset": logsOffset,
				"eventsSeq":  eventsSeq,
			})
			if err != nil {
				return
			}
		}
	}
}

// pushLogDelta sends whatever combined.log grew by since offset.
func (s *Server) pushLogDelta(conn *websocket.Conn, path string, offset int64) (int64, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= offset {
		return offset, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return offset, nil
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, nil
	}

	for offset < info.Size() {
		want := info.Size() - offset
		if want > logChunkMax {
			want = logChunkMax
		}
		buf := make([]byte, want)
		n, err := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		sendErr := writeStreamJSON(conn, map[string]any{
			"type":   "log",
			"stream": "combined",
			"offset": offset,
			"data":   string(buf[:n]),
		})
		if sendErr != nil {
			return offset, sendErr
		}
		offset += int64(n)
		if err != nil {
			break
		}
	}
	return offset, nil
}

// pushEvents sends every event past fromSeq and returns the new high
// water mark.
func (s *Server) pushEvents(conn *websocket.Conn, store *jobstore.Store, jobID string, fromSeq int64) (int64, error) {
	events, err := store.ReadEvents(jobID, fromSeq)
	if err != nil {
		return fromSeq, nil
	}
	for _, ev := range events {
		sendErr := writeStreamJSON(conn, map[string]any{
			"type":  "event",
			"seq":   ev.Seq,
			"event": ev,
		})
		if sendErr != nil {
			return fromSeq, sendErr
		}
		fromSeq = ev.Seq
	}
	return fromSeq, nil
}

func writeStreamJSON(conn *websocket.Conn, v any) error {
	return conn.WriteJSON(v)
}

func writeStreamError(conn *websocket.Conn, message string) {
	_ = writeStreamJSON(conn, map[string]any{"type": "error", "message": message})
}
