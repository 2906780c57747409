// Package shell manages PTY-backed interactive sessions.
//
// Sessions are purely in-memory. PTY output fans out to attached
// listeners through bounded buffers; a listener that cannot keep up is
// dropped rather than allowed to stall the PTY. After the process
// exits the session lingers for a TTL so a late attach still observes
// the exit.
package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidCwd means the requested cwd escapes the project root.
	ErrInvalidCwd = errors.New("cwd escapes project root")

	// ErrNotFound means the shell id is unknown (or expired).
	ErrNotFound = errors.New("shell not found")

	// ErrExited rejects writes and resizes after process exit.
	ErrExited = errors.New("shell has exited")
)

const (
	// exitedTTL keeps finished sessions visible to late attachers.
	exitedTTL = 10 * time.Minute

	defaultCols = 80
	defaultRows = 24

	// listenerBuffer bounds per-listener output queues.
	listenerBuffer = 128
)

// Status of a session.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// Meta is the caller-visible session state.
type Meta struct {
	ShellID     string    `json:"shellId"`
	Status      Status    `json:"status"`
	ProjectID   string    `json:"projectId,omitempty"`
	ProjectName string    `json:"projectName,omitempty"`
	Cwd         string    `json:"cwd"`
	Shell       string    `json:"shell"`
	Cols        uint16    `json:"cols"`
	Rows        uint16    `json:"rows"`
	PID         int       `json:"pid,omitempty"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	Signal      *string   `json:"signal,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreateRequest describes a new session.
type CreateRequest struct {
	ProjectRoot string
	Cwd         string
	Env         map[string]string
	Shell       string
	Cols        uint16
	Rows        uint16
	ProjectID   string
	ProjectName string
}

// Listener receives session output and the exit notification.
type Listener struct {
	OnData func(data []byte)
	OnExit func(exitCode int, signal *string)
}

// frame is one unit of fan-out: output data or the final exit.
type frame struct {
	data []byte
	exit *exitInfo
}

type exitInfo struct {
	code   int
	signal *string
}

// Service owns every live (and recently exited) session.
type Service struct {
	log zerolog.Logger
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService builds an empty shell service.
func NewService(log zerolog.Logger) *Service {
	return &Service{
		log:      log,
		ttl:      exitedTTL,
		now:      time.Now,
		sessions: map[string]*session{},
	}
}

type session struct {
	svc *Service

	mu        sync.Mutex
	meta      Meta
	ptmx      *os.File
	cmd       *exec.Cmd
	listeners map[*Attachment]struct{}
	exited    bool
	exit      exitInfo
}

// Create launches a shell in a fresh PTY. The cwd, resolved against
// ProjectRoot, must stay inside it.
func (s *Service) Create(req CreateRequest) (Meta, error) {
	cwd, err := ResolveCwd(req.ProjectRoot, req.Cwd)
	if err != nil {
		return Meta{}, err
	}

	shellPath := req.Shell
	if shellPath == "" {
		shellPath = os.Getenv("SHELL")
	}
	if shellPath == "" {
		shellPath = "/bin/bash"
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	cmd := exec.Command(shellPath)
	cmd.Dir = cwd
	cmd.Env = shellEnv(req.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return Meta{}, fmt.Errorf("starting shell: %w", err)
	}

	now := s.now().UTC()
	sess := &session{
		svc: s,
		meta: Meta{
			ShellID:     uuid.NewString(),
			Status:      StatusRunning,
			ProjectID:   req.ProjectID,
			ProjectName: req.ProjectName,
			Cwd:         cwd,
			Shell:       shellPath,
			Cols:        cols,
			Rows:        rows,
			PID:         cmd.Process.Pid,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		ptmx:      ptmx,
		cmd:       cmd,
		listeners: map[*Attachment]struct{}{},
	}

	s.mu.Lock()
	s.sessions[sess.meta.ShellID] = sess
	s.mu.Unlock()

	go sess.pump()

	s.log.Info().
		Str("shell_id", sess.meta.ShellID).
		Str("shell", shellPath).
		Str("cwd", cwd).
		Int("pid", sess.meta.PID).
		Msg("shell session started")
	return sess.metaCopy(), nil
}

// Get returns a session's meta.
func (s *Service) Get(shellID string) (Meta, bool) {
	sess := s.lookup(shellID)
	if sess == nil {
		return Meta{}, false
	}
	return sess.metaCopy(), true
}

// Attach registers a listener. For an exited session OnExit fires
// immediately. Returns nil for unknown ids.
func (s *Service) Attach(shellID string, l Listener) *Attachment {
	sess := s.lookup(shellID)
	if sess == nil {
		return nil
	}

	a := &Attachment{
		session:  sess,
		listener: l,
		frames:   make(chan frame, listenerBuffer),
	}

	sess.mu.Lock()
	if sess.exited {
		exit := sess.exit
		sess.mu.Unlock()
		if l.OnExit != nil {
			l.OnExit(exit.code, exit.signal)
		}
		return a
	}
	sess.listeners[a] = struct{}{}
	sess.mu.Unlock()

	go a.deliver()
	return a
}

// CloseShell signals the session's process (SIGTERM when sig is zero)
// and reports whether the session existed.
func (s *Service) CloseShell(shellID string, sig syscall.Signal) bool {
	sess := s.lookup(shellID)
	if sess == nil {
		return false
	}
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	_ = sess.signal(sig)
	return true
}

// Shutdown terminates every live session. Called on daemon stop.
func (s *Service) Shutdown() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.signal(syscall.SIGTERM)
	}
}

func (s *Service) lookup(shellID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[shellID]
}

func (s *Service) remove(shellID string) {
	s.mu.Lock()
	delete(s.sessions, shellID)
	s.mu.Unlock()
}

// ResolveCwd joins cwd onto projectRoot and rejects escapes.
func ResolveCwd(projectRoot, cwd string) (string, error) {
	if projectRoot == "" {
		return "", fmt.Errorf("project root is required")
	}
	root := filepath.Clean(projectRoot)
	if cwd == "" {
		return root, nil
	}

	resolved := cwd
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidCwd
	}
	return resolved, nil
}

func shellEnv(overrides map[string]string) []string {
	env := os.Environ()
	hasTerm := false
	for k, v := range overrides {
		if k == "TERM" {
			hasTerm = true
		}
		env = append(env, k+"="+v)
	}
	if !hasTerm && os.Getenv("TERM") == "" {
		env = append(env, "TERM=xterm-256color")
	}
	return env
}

// pump reads PTY output and broadcasts until the process exits.
func (sess *session) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sess.broadcast(frame{data: chunk})
		}
		if err != nil {
			// EIO is the normal Linux PTY close signal.
			if err != io.EOF && !errors.Is(err, syscall.EIO) {
				sess.svc.log.Debug().Err(err).Str("shell_id", sess.meta.ShellID).Msg("pty read ended")
			}
			break
		}
	}

	waitErr := sess.cmd.Wait()
	code, sig := exitStateOf(sess.cmd, waitErr)
	sess.finish(code, sig)
}

func (sess *session) broadcast(fr frame) {
	sess.mu.Lock()
	var dropped []*Attachment
	for a := range sess.listeners {
		select {
		case a.frames <- fr:
		default:
			dropped = append(dropped, a)
		}
	}
	for _, a := range dropped {
		delete(sess.listeners, a)
	}
	sess.mu.Unlock()

	// Closing outside the lock lets the delivery goroutine finish.
	for _, a := range dropped {
		close(a.frames)
		sess.svc.log.Warn().Str("shell_id", sess.meta.ShellID).Msg("slow shell listener dropped")
	}
}

func (sess *session) finish(code int, sig *string) {
	sess.mu.Lock()
	if sess.exited {
		sess.mu.Unlock()
		return
	}
	sess.exited = true
	sess.exit = exitInfo{code: code, signal: sig}
	sess.meta.Status = StatusExited
	sess.meta.ExitCode = &code
	sess.meta.Signal = sig
	sess.meta.UpdatedAt = sess.svc.now().UTC()
	listeners := sess.listeners
	sess.listeners = map[*Attachment]struct{}{}
	ptmx := sess.ptmx
	sess.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	for a := range listeners {
		a.frames <- frame{exit: &sess.exit}
		close(a.frames)
	}

	shellID := sess.meta.ShellID
	time.AfterFunc(sess.svc.ttl, func() {
		sess.svc.remove(shellID)
	})

	sess.svc.log.Info().
		Str("shell_id", shellID).
		Int("exit_code", code).
		Msg("shell session exited")
}

func (sess *session) signal(sig syscall.Signal) error {
	sess.mu.Lock()
	exited := sess.exited
	proc := sess.cmd.Process
	sess.mu.Unlock()
	if exited || proc == nil {
		return ErrExited
	}
	return proc.Signal(sig)
}

func (sess *session) metaCopy() Meta {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.meta
}

func exitStateOf(cmd *exec.Cmd, waitErr error) (int, *string) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			name := status.Signal().String()
			code := 128 + int(status.Signal())
			return code, &name
		}
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
	}
	return 1, nil
}

// Attachment is one listener's handle on a session.
type Attachment struct {
	session  *session
	listener Listener
	frames   chan frame

	detachOnce sync.Once
}

func (a *Attachment) deliver() {
	for fr := range a.frames {
		if fr.exit != nil {
			if a.listener.OnExit != nil {
				a.listener.OnExit(fr.exit.code, fr.exit.signal)
			}
			return
		}
		if a.listener.OnData != nil {
			a.listener.OnData(fr.data)
		}
	}
}

// Write sends input to the PTY.
func (a *Attachment) Write(p []byte) error {
	a.session.mu.Lock()
	exited := a.session.exited
	ptmx := a.session.ptmx
	a.session.mu.Unlock()
	if exited || ptmx == nil {
		return ErrExited
	}
	_, err := ptmx.Write(p)
	return err
}

// Resize changes the PTY window and records the new size.
func (a *Attachment) Resize(cols, rows uint16) error {
	a.session.mu.Lock()
	defer a.session.mu.Unlock()
	if a.session.exited || a.session.ptmx == nil {
		return ErrExited
	}
	if err := pty.Setsize(a.session.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return err
	}
	a.session.meta.Cols = cols
	a.session.meta.Rows = rows
	a.session.meta.UpdatedAt = a.session.svc.now().UTC()
	return nil
}

// Signal forwards a POSIX signal to the shell process.
func (a *Attachment) Signal(sig syscall.Signal) error {
	return a.session.signal(sig)
}

// Close terminates the shell process. The session itself survives
// (TTL-bounded) so other listeners observe the exit.
func (a *Attachment) Close() error {
	return a.session.signal(syscall.SIGTERM)
}

// Meta returns the current session state.
func (a *Attachment) Meta() Meta {
	return a.session.metaCopy()
}

// Detach unregisters the listener without touching the session.
func (a *Attachment) Detach() {
	a.detachOnce.Do(func() {
		sess := a.session
		sess.mu.Lock()
		_, present := sess.listeners[a]
		if present {
			delete(sess.listeners, a)
		}
		sess.mu.Unlock()
		if present {
			close(a.frames)
		}
	})
}
