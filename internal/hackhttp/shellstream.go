package hackhttp

import (
	"encoding/json"
	"net/http"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hack-sh/hack/internal/shell"
)

// allowedSignals is the set a remote client may forward to a shell.
var allowedSignals = map[string]syscall.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGTSTP": syscall.SIGTSTP,
}

type shellControl struct {
	Type   string `json:"type"`
	Cols   uint16 `json:"cols"`
	Rows   uint16 `json:"rows"`
	Data   string `json:"data"`
	Signal string `json:"signal"`
}

// shellOutboxCapacity bounds how many output frames may queue for one
// stream client.
const shellOutboxCapacity = 64

// shellOutbox queues output frames for the stream writer. A full queue
// means the client has stopped reading, so the connection is closed and
// the client observes a disconnect rather than silent gaps in the
// output.
type shellOutbox struct {
	conn      *websocket.Conn
	frames    chan []byte
	closeOnce sync.Once
}

func newShellOutbox(conn *websocket.Conn, capacity int) *shellOutbox {
	return &shellOutbox{conn: conn, frames: make(chan []byte, capacity)}
}

func (b *shellOutbox) push(msg []byte) {
	select {
	case b.frames <- msg:
	default:
		b.closeOnce.Do(func() { _ = b.conn.Close() })
	}
}

func (s *Server) handleShellStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.resolveProject(w, r); !ok {
		return
	}
	shellID := chi.URLParam(r, "shellID")
	meta, ok := s.Shells.Get(shellID)
	if !ok {
		WriteError(w, http.StatusNotFound, "shell_not_found")
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

	out := newShellOutbox(conn, shellOutboxCapacity)
	exitCh := make(chan struct{})
	var exitMsg []byte
	var exitOnce sync.Once

	attachment := s.Shells.Attach(shellID, shell.Listener{
		OnData: func(data []byte) {
			msg, err := json.Marshal(map[string]any{
				"type": "output",
				"data": string(data),
			})
			if err != nil {
				return
			}
			out.push(msg)
		},
		OnExit: func(exitCode int, signal *string) {
			exitOnce.Do(func() {
				exitMsg, _ = json.Marshal(map[string]any{
					"type":     "exit",
					"exitCode": exitCode,
					"signal":   signal,
				})
				close(exitCh)
			})
		},
	})
	if attachment == nil {
		writeStreamError(conn, "shell_not_found")
		return
	}
	defer attachment.Detach()

	// Re-read after attaching: the session may have exited between the
	// lookup and the attach, and ready must report what the exit frame
	// will confirm.
	meta = attachment.Meta()

	ready, _ := json.Marshal(map[string]any{
		"type":    "ready",
		"shellId": meta.ShellID,
		"cols":    meta.Cols,
		"rows":    meta.Rows,
		"cwd":     meta.Cwd,
		"shell":   meta.Shell,
		"status":  meta.Status,
	})
	if err := conn.WriteMessage(websocket.TextMessage, ready); err != nil {
		return
	}

	// Reader goroutine handles client input and control messages.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleShellControl(attachment, msgType, data)
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-out.frames:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-exitCh:
			// Flush buffered output so nothing precedes exit out of
			// order, then send exit as the final frame.
			for {
				select {
				case msg := <-out.frames:
					if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = conn.WriteMessage(websocket.TextMessage, exitMsg)
			return
		}
	}
}

// handleShellControl interprets one client frame. JSON objects with a
// known type are control messages; everything else is raw PTY input.
func (s *Server) handleShellControl(a *shell.Attachment, msgType int, data []byte) {
	if msgType == websocket.TextMessage {
		var ctrl shellControl
		if err := json.Unmarshal(data, &ctrl); err == nil && ctrl.Type != "" {
			switch ctrl.Type {
			case "hello", "resize":
				if ctrl.Cols > 0 && ctrl.Rows > 0 {
					_ = a.Resize(ctrl.Cols, ctrl.Rows)
				}
			case "input":
				_ = a.Write([]byte(ctrl.Data))
			case "signal":
				if sig, ok := allowedSignals[ctrl.Signal]; ok {
					_ = a.Signal(sig)
				}
			case "close":
				_ = a.Close()
			}
			return
		}
	}
	_ = a.Write(data)
}
