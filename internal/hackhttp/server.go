// Package hackhttp implements the daemon's HTTP surface.
//
// One chi router serves both transports: the trusted Unix socket mounts
// it directly, the gateway wraps it in auth middleware. Routes that
// must never leave the machine (prometheus scrape, token admin) check
// the local-peer context flag instead of living on a second router.
package hackhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hack-sh/hack/internal/config"
	"github.com/hack-sh/hack/internal/jobstore"
	"github.com/hack-sh/hack/internal/metrics"
	"github.com/hack-sh/hack/internal/paths"
	"github.com/hack-sh/hack/internal/registry"
	"github.com/hack-sh/hack/internal/runtime"
	"github.com/hack-sh/hack/internal/shell"
	"github.com/hack-sh/hack/internal/supervisor"
	"github.com/hack-sh/hack/internal/token"
)

// Server bundles everything the handlers touch.
type Server struct {
	Version    string
	PID        int
	Log        zerolog.Logger
	Metrics    *metrics.Metrics
	Cache      *runtime.Cache
	Supervisor *supervisor.Supervisor
	Shells     *shell.Service
	Registry   *registry.Store
	Tokens     *token.Store

	// Config is the global config document, merged with each project's
	// hack.config.json when resolving per-project settings.
	Config *config.Document
}

// effectiveConfig merges the global document with the project's own
// config file. An unreadable project file falls back to global.
func (s *Server) effectiveConfig(project registry.Project) config.Effective {
	projDoc, err := config.Load(paths.ProjectConfig(project.ProjectDir))
	if err != nil {
		s.Log.Warn().Err(err).Str("project_id", project.ID).Msg("project config unreadable")
		projDoc = nil
	}
	return config.Merge(s.Config, projDoc, func(key string) {
		s.Log.Warn().
			Str("key", key).
			Str("project_id", project.ID).
			Msg("global-only config key in project file ignored")
	})
}

// Router builds the shared route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/metrics", s.handleMetrics)
	r.Get("/v1/projects", s.handleProjects)
	r.Get("/v1/ps", s.handlePs)

	r.Get("/metrics", s.localOnly(promhttp.HandlerFor(
		s.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP))

	r.Route("/control-plane", func(r chi.Router) {
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs", s.handleCreateJob)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
			r.Get("/jobs/{jobID}/stream", s.handleJobStream)

			r.Post("/shells", s.handleCreateShell)
			r.Get("/shells/{shellID}", s.handleGetShell)
			r.Delete("/shells/{shellID}", s.handleCloseShell)
			r.Get("/shells/{shellID}/stream", s.handleShellStream)
		})

		r.Route("/gateway/tokens", func(r chi.Router) {
			r.Get("/", s.localOnly(s.handleListTokens))
			r.Post("/", s.localOnly(s.handleCreateToken))
			r.Post("/{tokenID}/revoke", s.localOnly(s.handleRevokeToken))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})
	return r
}

// localOnly hides a handler from the gateway transport.
func (s *Server) localOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLocalPeer(r.Context()) {
			WriteError(w, http.StatusNotFound, "not_found")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	started := s.Metrics.StartedAt()
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.Version,
		"pid":        s.PID,
		"started_at": started.UTC().Format(time.RFC3339Nano),
		"uptime_ms":  time.Since(started).Milliseconds(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.Metrics.Snapshot(time.Now()))
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := runtime.ProjectsOptions{
		Filter:              q.Get("filter"),
		IncludeGlobal:       queryBool(q.Get("include_global")),
		IncludeUnregistered: queryBool(q.Get("include_unregistered")),
	}
	if scope, ok := ProjectScopeFrom(r.Context()); ok {
		opts.AllowedProjectIDs = scope.AllowedProjectIDs
		if scope.DropUnregistered {
			opts.IncludeUnregistered = false
		}
	}

	payload, err := s.Cache.Projects(r.Context(), opts)
	if err != nil {
		s.Log.Warn().Err(err).Msg("projects payload failed")
		WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	WriteJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	composeProject := q.Get("compose_project")
	if composeProject == "" {
		WriteError(w, http.StatusBadRequest, "missing_compose_project")
		return
	}

	payload, err := s.Cache.Ps(r.Context(), runtime.PsOptions{
		ComposeProject: composeProject,
		Project:        q.Get("project"),
		Branch:         q.Get("branch"),
	})
	if err != nil {
		if errors.Is(err, runtime.ErrUnknownComposeProject) {
			WriteError(w, http.StatusBadRequest, "unknown_compose_project")
			return
		}
		s.Log.Warn().Err(err).Msg("ps payload failed")
		WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	WriteJSON(w, http.StatusOK, payload)
}

// resolveProject maps the path projectID onto a registry entry, writing
// the 404 itself when unknown.
func (s *Server) resolveProject(w http.ResponseWriter, r *http.Request) (registry.Project, bool) {
	projectID := chi.URLParam(r, "projectID")
	project, err := s.Registry.ResolveByID(projectID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "unknown_project")
		} else {
			s.Log.Warn().Err(err).Str("project_id", projectID).Msg("registry lookup failed")
			WriteError(w, http.StatusInternalServerError, "internal")
		}
		return registry.Project{}, false
	}
	return project, true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	project, ok := s.resolveProject(w, r)
	if !ok {
		return
	}
	jobs, err := s.Supervisor.ListJobs(project.ProjectDir)
	if err != nil {
		s.Log.Warn().Err(err).Str("project_id", project.ID).Msg("listing jobs failed")
		WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type createJobBody struct {
	Command []string          `json:"command"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	project, ok := s.resolveProject(w, r)
	if !ok {
		return
	}
	var body createJobBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(body.Command) == 0 {
		WriteError(w, http.StatusBadRequest, "command_required")
		return
	}

	eff := s.effectiveConfig(project)
	job, err := s.Supervisor.CreateJob(supervisor.CreateJobRequest{
		ProjectDir:        project.ProjectDir,
		ProjectID:         project.ID,
		ProjectName:       project.Name,
		Command:           body.Command,
		Cwd:               body.Cwd,
		Env:               body.Env,
		MaxConcurrentJobs: eff.MaxConcurrentJobs,
		LogsMaxBytes:      eff.LogsMaxBytes,
	})
	if err != nil {
		s.Log.Warn().Err(err).Str("project_id", project.ID).Msg("job create failed")
		WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	WriteJSON(w, http.StatusCreated, job.Meta)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	project, ok := s.resolveProject(w, r)
	if !ok {
		return
	}
	meta, err := s.Supervisor.GetJob(project.ProjectDir, chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job_not_found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	WriteJSON(w, http.StatusOK, meta)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	project, ok := s.resolveProject(w, r)
	if !ok {
		return
	}
	meta, err := s.Supervisor.CancelJob(project.ProjectDir, chi.URLParam(r, "jobID"))
	if err != nil {
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			WriteError(w, http.StatusNotFound, "job_not_found")
		case errors.Is(err, supervisor.ErrNotRunning):
			WriteError(w, http.StatusConflict, "job_not_running")
		default:
			WriteError(w, http.StatusInternalServerError, "internal")
		}
		return
	}
	WriteJSON(w, http.StatusOK, meta)
}

type createShellBody struct {
	Cwd   string            `json:"cwd"`
	Env   map[string]string `json:"env"`
	Shell string            `json:"shell"`
	Cols  uint16            `json:"cols"`
	Rows  uint16            `json:"rows"`
}

func (s *Server) handleCreateShell(w http.ResponseWriter, r *http.Request) {
	project, ok := s.resolveProject(w, r)
	if !ok {
		return
	}
	var body createShellBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	root := project.RepoRoot
	if root == "" {
		root = project.ProjectDir
	}
	meta, err := s.Shells.Create(shell.CreateRequest{
		ProjectRoot: root,
		Cwd:         body.Cwd,
		Env:         body.Env,
		Shell:       body.Shell,
		Cols:        body.Cols,
		Rows:        body.Rows,
		ProjectID:   project.ID,
		ProjectName: project.Name,
	})
	if err != nil {
		if errors.Is(err, shell.ErrInvalidCwd) {
			WriteError(w, http.StatusBadRequest, "invalid_cwd")
			return
		}
		s.Log.Warn().Err(err).Str("project_id", project.ID).Msg("shell create failed")
		WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetShell(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.resolveProject(w, r); !ok {
		return
	}
	meta, ok := s.Shells.Get(chi.URLParam(r, "shellID"))
	if !ok {
		WriteError(w, http.StatusNotFound, "shell_not_found")
		return
	}
	WriteJSON(w, http.StatusOK, meta)
}

func (s *Server) handleCloseShell(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.resolveProject(w, r); !ok {
		return
	}
	shellID := chi.URLParam(r, "shellID")
	if !s.Shells.CloseShell(shellID, 0) {
		WriteError(w, http.StatusNotFound, "shell_not_found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"shellId": shellID, "closed": true})
}

type createTokenBody struct {
	Label string `json:"label"`
	Scope string `json:"scope"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var body createTokenBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	scope := token.Scope(body.Scope)
	if scope == "" {
		scope = token.ScopeRead
	}
	if !scope.Valid() {
		WriteError(w, http.StatusBadRequest, "invalid_scope")
		return
	}

	cleartext, record, err := s.Tokens.Create(scope, body.Label)
	if err != nil {
		s.Log.Warn().Err(err).Msg("token create failed")
		WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"token":  cleartext,
		"record": record,
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	records, err := s.Tokens.List()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tokens": records})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	if err := s.Tokens.Revoke(tokenID); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "token_not_found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tokenId": tokenID, "revoked": true})
}

// requireUpgrade rejects plain HTTP on stream routes.
func requireUpgrade(w http.ResponseWriter, r *http.Request) bool {
	if !websocket.IsWebSocketUpgrade(r) {
		WriteError(w, http.StatusUpgradeRequired, "upgrade_required")
		return false
	}
	return true
}

func queryBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
