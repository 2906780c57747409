// Package jobstore persists supervisor jobs on disk.
//
// Each job owns a directory under <projectDir>/supervisor/jobs/<jobId>/
// holding meta.json, events.jsonl and the three log files. Metadata and
// the event log stay consistent because every append goes through one
// store-level mutex: read meta, next seq, append event, write meta.
package jobstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hack-sh/hack/internal/fsio"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	// StatusAwaitingInput is reserved for interactive runners. No
	// current runner emits it but it round-trips through the store.
	StatusAwaitingInput Status = "awaiting_input"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusStarting, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusAwaitingInput:
		return true
	}
	return false
}

// Meta is the persisted job metadata.
type Meta struct {
	JobID        string    `json:"jobId"`
	Status       Status    `json:"status"`
	Runner       string    `json:"runner"`
	Command      []string  `json:"command"`
	ProjectID    string    `json:"projectId,omitempty"`
	ProjectName  string    `json:"projectName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastEventSeq int64     `json:"lastEventSeq"`
}

// Event is one line of events.jsonl. Seq starts at 1 and increases
// strictly monotonically per job.
type Event struct {
	Seq     int64          `json:"seq"`
	TS      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Paths are the on-disk locations of one job's files.
type Paths struct {
	Dir      string
	Meta     string
	Events   string
	Stdout   string
	Stderr   string
	Combined string
}

// Store manages the jobs of one project.
type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore returns the job store rooted at
// <projectDir>/supervisor/jobs.
func NewStore(projectDir string) *Store {
	return &Store{
		root: filepath.Join(projectDir, "supervisor", "jobs"),
		now:  time.Now,
	}
}

// Paths yields the file locations for a job id.
func (s *Store) Paths(jobID string) Paths {
	dir := filepath.Join(s.root, jobID)
	return Paths{
		Dir:      dir,
		Meta:     filepath.Join(dir, "meta.json"),
		Events:   filepath.Join(dir, "events.jsonl"),
		Stdout:   filepath.Join(dir, "stdout.log"),
		Stderr:   filepath.Join(dir, "stderr.log"),
		Combined: filepath.Join(dir, "combined.log"),
	}
}

// CreateJob writes queued metadata (seq 0) and appends the job.created
// event (seq 1), returning the populated meta.
func (s *Store) CreateJob(meta Meta) (Meta, error) {
	if meta.JobID == "" {
		return Meta{}, fmt.Errorf("job id is required")
	}

	now := s.now().UTC()
	meta.Status = StatusQueued
	meta.CreatedAt = now
	meta.UpdatedAt = now
	meta.LastEventSeq = 0

	p := s.Paths(meta.JobID)
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return Meta{}, fmt.Errorf("creating job directory: %w", err)
	}

	s.mu.Lock()
	err := s.writeMeta(meta)
	s.mu.Unlock()
	if err != nil {
		return Meta{}, err
	}

	if _, err := s.AppendEvent(meta.JobID, "job.created", nil); err != nil {
		return Meta{}, err
	}
	return s.ReadMeta(meta.JobID)
}

// ReadMeta loads a job's metadata.
func (s *Store) ReadMeta(jobID string) (Meta, error) {
	data, err := os.ReadFile(s.Paths(jobID).Meta)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parsing job meta for %s: %w", jobID, err)
	}
	return meta, nil
}

// UpdateStatus sets a job's status and bumps updatedAt.
func (s *Store) UpdateStatus(jobID string, status Status) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.ReadMeta(jobID)
	if err != nil {
		return Meta{}, err
	}
	meta.Status = status
	meta.UpdatedAt = s.now().UTC()
	if err := s.writeMeta(meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// AppendEvent appends one event with the next monotonic seq and records
// it in the meta.
func (s *Store) AppendEvent(jobID, eventType string, payload map[string]any) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.ReadMeta(jobID)
	if err != nil {
		return Event{}, err
	}

	event := Event{
		Seq:     meta.LastEventSeq + 1,
		TS:      s.now().UTC(),
		Type:    eventType,
		Payload: payload,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("encoding job event: %w", err)
	}
	if err := fsio.AppendLine(s.Paths(jobID).Events, line); err != nil {
		return Event{}, err
	}

	meta.LastEventSeq = event.Seq
	meta.UpdatedAt = event.TS
	if err := s.writeMeta(meta); err != nil {
		return Event{}, err
	}
	return event, nil
}

// ReadEvents returns events with seq > fromSeq, in file order. Corrupt
// lines are dropped silently.
func (s *Store) ReadEvents(jobID string, fromSeq int64) ([]Event, error) {
	f, err := os.Open(s.Paths(jobID).Events)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Seq > fromSeq {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}

// List returns the metadata of every job in the store, newest first.
// Unreadable entries are skipped.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Meta{}, nil
		}
		return nil, err
	}

	metas := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.ReadMeta(entry.Name())
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

func (s *Store) writeMeta(meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job meta: %w", err)
	}
	return fsio.AtomicWriteFile(s.Paths(meta.JobID).Meta, append(data, '\n'), 0o644)
}
