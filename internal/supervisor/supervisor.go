// Package supervisor runs generic commands as persisted jobs.
//
// Each job streams stdout/stderr into its job-store directory while the
// daemon tracks the live process for cancellation. Job state survives a
// daemon restart on disk; the running map does not, by design.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hack-sh/hack/internal/jobstore"
)

// ErrNotRunning is returned when cancelling a job that has no live
// process. Surfaces as a 409.
var ErrNotRunning = errors.New("job is not running")

// killGrace is how long a cancelled process gets between SIGTERM and
// SIGKILL.
const killGrace = 2 * time.Second

// Result is the terminal outcome delivered on a job's Done channel.
type Result struct {
	Status   jobstore.Status `json:"status"`
	ExitCode int             `json:"exitCode"`
}

// CreateJobRequest describes a job to run.
type CreateJobRequest struct {
	ProjectDir  string
	ProjectID   string
	ProjectName string
	Command     []string
	Cwd         string
	Env         map[string]string

	// MaxConcurrentJobs and LogsMaxBytes carry the project's effective
	// supervisor settings. Zero values fall back to the supervisor
	// defaults.
	MaxConcurrentJobs int
	LogsMaxBytes      int64
}

// Job is the caller's handle on a created job. Done receives exactly
// one Result when the run finishes.
type Job struct {
	JobID string
	Meta  jobstore.Meta
	Done  <-chan Result
}

// Supervisor owns the running-process map and concurrency limits.
type Supervisor struct {
	log           zerolog.Logger
	maxConcurrent int
	logsMaxBytes  int64

	mu      sync.Mutex
	running map[string]*exec.Cmd
	stores  map[string]*jobstore.Store
	sems    map[string]chan struct{}
}

// New builds a supervisor with default concurrency and log-cap limits.
// Per-project config overrides arrive on each CreateJobRequest.
func New(maxConcurrent int, logsMaxBytes int64, log zerolog.Logger) *Supervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Supervisor{
		log:           log,
		maxConcurrent: maxConcurrent,
		logsMaxBytes:  logsMaxBytes,
		running:       map[string]*exec.Cmd{},
		stores:        map[string]*jobstore.Store{},
		sems:          map[string]chan struct{}{},
	}
}

// semFor returns the project's concurrency semaphore, created on first
// use. The capacity is fixed once created; a changed maxConcurrentJobs
// applies after a daemon restart.
func (s *Supervisor) semFor(projectDir string, max int) chan struct{} {
	if max <= 0 {
		max = s.maxConcurrent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[projectDir]
	if !ok {
		sem = make(chan struct{}, max)
		s.sems[projectDir] = sem
	}
	return sem
}

// Store returns the per-project job store, cached so that each project
// keeps a single append serializer.
func (s *Supervisor) Store(projectDir string) *jobstore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[projectDir]
	if !ok {
		store = jobstore.NewStore(projectDir)
		s.stores[projectDir] = store
	}
	return store
}

// CreateJob persists queued metadata and immediately starts the run in
// the background.
func (s *Supervisor) CreateJob(req CreateJobRequest) (Job, error) {
	if len(req.Command) == 0 {
		return Job{}, fmt.Errorf("command is required")
	}

	store := s.Store(req.ProjectDir)
	meta, err := store.CreateJob(jobstore.Meta{
		JobID:       uuid.NewString(),
		Runner:      "process",
		Command:     req.Command,
		ProjectID:   req.ProjectID,
		ProjectName: req.ProjectName,
	})
	if err != nil {
		return Job{}, err
	}

	done := make(chan Result, 1)
	go s.run(store, req, meta.JobID, done)

	return Job{JobID: meta.JobID, Meta: meta, Done: done}, nil
}

// GetJob reads a job's metadata.
func (s *Supervisor) GetJob(projectDir, jobID string) (jobstore.Meta, error) {
	return s.Store(projectDir).ReadMeta(jobID)
}

// ListJobs returns all jobs of a project, newest first.
func (s *Supervisor) ListJobs(projectDir string) ([]jobstore.Meta, error) {
	return s.Store(projectDir).List()
}

// CancelJob terminates a running job: SIGTERM now, SIGKILL after a
// short grace. Unknown job ids yield jobstore.ErrNotFound, known but
// not-running jobs ErrNotRunning.
func (s *Supervisor) CancelJob(projectDir, jobID string) (jobstore.Meta, error) {
	store := s.Store(projectDir)
	if _, err := store.ReadMeta(jobID); err != nil {
		return jobstore.Meta{}, err
	}

	s.mu.Lock()
	cmd, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok || cmd.Process == nil {
		return jobstore.Meta{}, ErrNotRunning
	}

	// Mark cancelled before signalling so the exit path reports the
	// right terminal status regardless of ordering.
	meta, err := store.UpdateStatus(jobID, jobstore.StatusCancelled)
	if err != nil {
		return jobstore.Meta{}, err
	}
	if _, err := store.AppendEvent(jobID, "job.cancelled", nil); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("job.cancelled event not recorded")
	}

	proc := cmd.Process
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.log.Debug().Err(err).Str("job_id", jobID).Msg("SIGTERM delivery failed")
	}
	go func() {
		time.Sleep(killGrace)
		s.mu.Lock()
		_, stillRunning := s.running[jobID]
		s.mu.Unlock()
		if stillRunning {
			_ = proc.Kill()
		}
	}()

	return meta, nil
}

func (s *Supervisor) run(store *jobstore.Store, req CreateJobRequest, jobID string, done chan<- Result) {
	sem := s.semFor(req.ProjectDir, req.MaxConcurrentJobs)
	sem <- struct{}{}
	defer func() { <-sem }()

	logsMax := req.LogsMaxBytes
	if logsMax <= 0 {
		logsMax = s.logsMaxBytes
	}

	fail := func(stage string, cause error) {
		s.log.Warn().Err(cause).Str("job_id", jobID).Str("stage", stage).Msg("job failed before start")
		if _, err := store.UpdateStatus(jobID, jobstore.StatusFailed); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("failed status not recorded")
		}
		_, _ = store.AppendEvent(jobID, "job.failed", map[string]any{"error": cause.Error()})
		done <- Result{Status: jobstore.StatusFailed, ExitCode: 1}
	}

	if _, err := store.AppendEvent(jobID, "job.starting", nil); err != nil {
		fail("starting", err)
		return
	}
	if _, err := store.UpdateStatus(jobID, jobstore.StatusStarting); err != nil {
		fail("starting", err)
		return
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Cwd
	if cmd.Dir == "" {
		cmd.Dir = req.ProjectDir
	}
	cmd.Env = mergedEnv(req.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fail("pipe", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		fail("pipe", err)
		return
	}

	if err := cmd.Start(); err != nil {
		fail("spawn", err)
		return
	}

	s.mu.Lock()
	s.running[jobID] = cmd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
	}()

	if _, err := store.UpdateStatus(jobID, jobstore.StatusRunning); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("running status not recorded")
	}
	_, _ = store.AppendEvent(jobID, "job.started", map[string]any{"pid": cmd.Process.Pid})

	paths := store.Paths(jobID)
	combined := newCappedFile(paths.Combined, logsMax)
	defer combined.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.drain(&wg, jobID, stdout, paths.Stdout, logsMax, combined)
	go s.drain(&wg, jobID, stderr, paths.Stderr, logsMax, combined)
	wg.Wait()

	waitErr := cmd.Wait()
	exitCode := exitCodeOf(cmd, waitErr)

	meta, err := store.ReadMeta(jobID)
	if err == nil && meta.Status == jobstore.StatusCancelled {
		done <- Result{Status: jobstore.StatusCancelled, ExitCode: exitCode}
		return
	}

	status := jobstore.StatusCompleted
	eventType := "job.completed"
	if exitCode != 0 {
		status = jobstore.StatusFailed
		eventType = "job.failed"
	}
	if _, err := store.UpdateStatus(jobID, status); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("terminal status not recorded")
	}
	_, _ = store.AppendEvent(jobID, eventType, map[string]any{"exitCode": exitCode})

	done <- Result{Status: status, ExitCode: exitCode}
}

// drain copies one process stream into its per-stream log and the
// shared combined log, chunk by chunk.
func (s *Supervisor) drain(wg *sync.WaitGroup, jobID string, src io.Reader, streamPath string, maxBytes int64, combined *cappedFile) {
	defer wg.Done()

	stream := newCappedFile(streamPath, maxBytes)
	defer stream.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			stream.Write(chunk)
			combined.Write(chunk)
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Str("job_id", jobID).Msg("job stream read ended")
			}
			return
		}
	}
}

func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by signal.
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
	}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

// cappedFile appends chunks to a log file until a byte cap is reached,
// then drops the rest. Each Write is one write(2) call so concurrent
// stdout/stderr appends to combined.log interleave at chunk boundaries.
type cappedFile struct {
	mu      sync.Mutex
	f       *os.File
	max     int64
	written int64
	err     error
}

func newCappedFile(path string, max int64) *cappedFile {
	c := &cappedFile{max: max}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.err = err
		return c
	}
	c.f = f
	return c
}

func (c *cappedFile) Write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil || c.f == nil {
		return
	}
	if c.max > 0 && c.written >= c.max {
		return
	}
	if c.max > 0 && c.written+int64(len(p)) > c.max {
		p = p[:c.max-c.written]
	}
	n, err := c.f.Write(p)
	c.written += int64(n)
	if err != nil {
		c.err = err
	}
}

func (c *cappedFile) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f != nil {
		_ = c.f.Close()
		c.f = nil
	}
}
