// Package gateway is the authenticated TCP face of the daemon.
//
// It wraps the exact handler set the Unix socket serves: every request
// passes token verification, the per-project enablement gate and the
// write gate before reaching a handler, and leaves exactly one audit
// record behind.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hack-sh/hack/internal/audit"
	"github.com/hack-sh/hack/internal/config"
	"github.com/hack-sh/hack/internal/hackhttp"
	"github.com/hack-sh/hack/internal/registry"
	"github.com/hack-sh/hack/internal/token"
)

// Options configure the listener and its policy.
type Options struct {
	Bind        string
	Port        int
	AllowWrites bool
}

// Gateway owns the TCP listener and the authorization middleware.
type Gateway struct {
	opts    Options
	tokens  *token.Store
	audit   *audit.Log
	reg     *registry.Store
	log     zerolog.Logger
	handler http.Handler

	httpServer *http.Server
	watcher    *fsnotify.Watcher

	mu      sync.RWMutex
	enabled map[string]bool
}

// New builds a gateway around the shared router.
func New(opts Options, handler http.Handler, tokens *token.Store, auditLog *audit.Log, reg *registry.Store, log zerolog.Logger) *Gateway {
	g := &Gateway{
		opts:    opts,
		tokens:  tokens,
		audit:   auditLog,
		reg:     reg,
		log:     log,
		handler: handler,
		enabled: map[string]bool{},
	}
	g.httpServer = &http.Server{Handler: http.HandlerFunc(g.serveHTTP)}
	return g
}

// Start resolves enabled projects, begins watching for registry and
// config changes, and binds the TCP listener.
func (g *Gateway) Start() error {
	g.refreshEnabled()
	g.startWatcher()

	addr := net.JoinHostPort(g.opts.Bind, fmt.Sprintf("%d", g.opts.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding gateway %s: %w", addr, err)
	}

	go func() {
		if err := g.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error().Err(err).Msg("gateway server stopped")
		}
	}()

	g.log.Info().Str("addr", addr).Bool("allow_writes", g.opts.AllowWrites).Msg("gateway listening")
	return nil
}

// Shutdown stops the listener and the config watcher.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.watcher != nil {
		_ = g.watcher.Close()
	}
	return g.httpServer.Shutdown(ctx)
}

// ResolveEnabled crosses the registry with each project's
// gateway.enabled flag. Failures downgrade to warnings; a project with
// an unreadable config stays disabled.
func ResolveEnabled(reg *registry.Store, log zerolog.Logger) map[string]bool {
	projects, err := reg.List()
	if err != nil {
		log.Warn().Err(err).Msg("registry unreadable, no projects enabled")
		return map[string]bool{}
	}

	enabled := make(map[string]bool, len(projects))
	for _, p := range projects {
		doc, err := config.Load(filepath.Join(p.ProjectDir, "hack.config.json"))
		if err != nil {
			log.Warn().Err(err).Str("project", p.Name).Msg("project config unreadable")
			continue
		}
		if doc.GatewayEnabled() {
			enabled[p.ID] = true
		}
	}
	return enabled
}

func (g *Gateway) refreshEnabled() {
	enabled := ResolveEnabled(g.reg, g.log)
	g.mu.Lock()
	g.enabled = enabled
	g.mu.Unlock()
	g.log.Debug().Int("enabled", len(enabled)).Msg("gateway project set refreshed")
}

// startWatcher re-resolves the enabled set when the registry or a
// project config changes. Best-effort: a missing watcher just means a
// restart is needed to pick up changes.
func (g *Gateway) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		g.log.Warn().Err(err).Msg("config watcher unavailable")
		return
	}
	g.watcher = watcher

	g.watchDirs()
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if strings.HasSuffix(ev.Name, "projects.json") ||
					strings.HasSuffix(ev.Name, "hack.config.json") {
					g.refreshEnabled()
					g.watchDirs()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				g.log.Debug().Err(err).Msg("config watcher error")
			}
		}
	}()
}

// watchDirs keeps the watch set aligned with the current registry:
// the state root (projects.json) plus every project directory.
func (g *Gateway) watchDirs() {
	if g.watcher == nil {
		return
	}
	if dir := filepath.Dir(g.reg.Path()); dir != "" {
		_ = g.watcher.Add(dir)
	}
	projects, err := g.reg.List()
	if err != nil {
		return
	}
	for _, p := range projects {
		_ = g.watcher.Add(p.ProjectDir)
	}
}

func (g *Gateway) projectEnabled(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled[id]
}

func (g *Gateway) allowedProjectIDs() map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]bool, len(g.enabled))
	for id := range g.enabled {
		out[id] = true
	}
	return out
}

// serveHTTP is the whole gateway policy: authenticate, authorize,
// delegate, audit.
func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
	isUpgrade := websocket.IsWebSocketUpgrade(r)
	var tokenID string
	defer func() {
		status := ww.Status()
		if status == 0 && isUpgrade {
			// A successful upgrade hijacks the connection and never
			// writes a status through ww.
			status = http.StatusSwitchingProtocols
		}
		g.audit.Append(audit.Entry{
			Method:        r.Method,
			Path:          r.URL.RequestURI(),
			Status:        status,
			TokenID:       tokenID,
			RemoteAddress: r.RemoteAddr,
			UserAgent:     r.UserAgent(),
		})
	}()

	cleartext := extractToken(r, isUpgrade)
	if cleartext == "" {
		hackhttp.WriteError(ww, http.StatusUnauthorized, "missing_token")
		return
	}
	record, ok := g.tokens.Verify(cleartext)
	if !ok {
		hackhttp.WriteError(ww, http.StatusUnauthorized, "invalid_token")
		return
	}
	tokenID = record.ID

	if projectID, ok := projectIDFromPath(r.URL.Path); ok && !g.projectEnabled(projectID) {
		hackhttp.WriteError(ww, http.StatusForbidden, "project_disabled")
		return
	}

	// Interactive shell input mutates state no matter the method.
	isWrite := (r.Method != http.MethodGet && r.Method != http.MethodHead) ||
		(isUpgrade && isShellStreamPath(r.URL.Path))
	if isWrite {
		if !g.opts.AllowWrites {
			hackhttp.WriteError(ww, http.StatusForbidden, "writes_disabled")
			return
		}
		if record.Scope != token.ScopeWrite {
			hackhttp.WriteError(ww, http.StatusForbidden, "write_scope_required")
			return
		}
	}

	ctx := hackhttp.WithProjectScope(r.Context(), hackhttp.ProjectScope{
		AllowedProjectIDs: g.allowedProjectIDs(),
		DropUnregistered:  true,
	})
	g.handler.ServeHTTP(ww, r.WithContext(ctx))
}

// extractToken pulls the bearer secret from the request. Query
// parameters are honored only on WebSocket upgrades, where headers are
// out of reach for browser clients.
func extractToken(r *http.Request, isUpgrade bool) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	if tok := r.Header.Get("X-Hack-Token"); tok != "" {
		return tok
	}
	if isUpgrade {
		q := r.URL.Query()
		if tok := q.Get("token"); tok != "" {
			return tok
		}
		if tok := q.Get("access_token"); tok != "" {
			return tok
		}
	}
	return ""
}

// projectIDFromPath extracts the id from /control-plane/projects/<id>/…
func projectIDFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/control-plane/projects/")
	if !ok || rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, rest != ""
}

func isShellStreamPath(path string) bool {
	return strings.HasPrefix(path, "/control-plane/projects/") &&
		strings.Contains(path, "/shells/") &&
		strings.HasSuffix(path, "/stream")
}

// WaitListening polls /v1/status until the gateway answers or the
// deadline passes. Test helper more than production code.
func (g *Gateway) WaitListening(timeout time.Duration) bool {
	addr := net.JoinHostPort(g.opts.Bind, fmt.Sprintf("%d", g.opts.Port))
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
