// Package registry persists the on-disk table of hack projects.
//
// The registry is a single JSON document (~/.hack/projects.json) shared
// with CLI invocations on the same host. Every write is a locked
// read-modify-write with atomic replacement; occasional lost updates
// between processes are acceptable, the freshest lastSeenAt wins.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hack-sh/hack/internal/fsio"
)

// ErrNotFound is returned when a project id or name resolves to nothing.
var ErrNotFound = errors.New("project not found")

// Project is one registered hack project.
type Project struct {
	ID         string    `json:"projectId"`
	Name       string    `json:"name"`
	RepoRoot   string    `json:"repoRoot"`
	ProjectDir string    `json:"projectDir"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type document struct {
	Version  int       `json:"version"`
	Projects []Project `json:"projects"`
}

// UpsertStatus describes the outcome of an Upsert.
type UpsertStatus string

const (
	UpsertInserted UpsertStatus = "inserted"
	UpsertUpdated  UpsertStatus = "updated"
	UpsertConflict UpsertStatus = "conflict"
)

// UpsertResult carries the outcome plus the surviving entry. On
// conflict the existing entry is returned untouched.
type UpsertResult struct {
	Status  UpsertStatus
	Project Project
}

// Store reads and writes the registry document.
type Store struct {
	path string
	log  zerolog.Logger
	now  func() time.Time
}

// New returns a store over the given registry file.
func New(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log, now: time.Now}
}

// Path is the registry file location.
func (s *Store) Path() string {
	return s.path
}

// FoldName normalizes a project name for uniqueness comparison:
// lower-cased ASCII with runs of non-alphanumerics collapsed to single
// hyphens.
func FoldName(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if r > unicode.MaxASCII {
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// List returns all registered projects. A missing or corrupt file reads
// as empty.
func (s *Store) List() ([]Project, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Projects, nil
}

// ResolveByID finds a project by its opaque id.
func (s *Store) ResolveByID(id string) (Project, error) {
	doc, err := s.load()
	if err != nil {
		return Project{}, err
	}
	for _, p := range doc.Projects {
		if p.ID == id {
			return p, nil
		}
	}
	return Project{}, ErrNotFound
}

// ResolveByName finds a project by case-folded name.
func (s *Store) ResolveByName(name string) (Project, error) {
	doc, err := s.load()
	if err != nil {
		return Project{}, err
	}
	folded := FoldName(name)
	for _, p := range doc.Projects {
		if FoldName(p.Name) == folded {
			return p, nil
		}
	}
	return Project{}, ErrNotFound
}

// Upsert inserts or refreshes a registration. The name is the conflict
// key: an incoming name that already maps to a different projectDir
// yields UpsertConflict and preserves the existing entry.
func (s *Store) Upsert(in Project) (UpsertResult, error) {
	var result UpsertResult
	err := fsio.WithFileLock(s.path, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}

		folded := FoldName(in.Name)
		for i, existing := range doc.Projects {
			if FoldName(existing.Name) != folded {
				continue
			}
			if existing.ProjectDir != in.ProjectDir {
				result = UpsertResult{Status: UpsertConflict, Project: existing}
				return nil
			}
			existing.RepoRoot = in.RepoRoot
			existing.LastSeenAt = s.now().UTC()
			doc.Projects[i] = existing
			result = UpsertResult{Status: UpsertUpdated, Project: existing}
			return s.save(doc)
		}

		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		now := s.now().UTC()
		in.CreatedAt = now
		in.LastSeenAt = now
		doc.Projects = append(doc.Projects, in)
		result = UpsertResult{Status: UpsertInserted, Project: in}
		return s.save(doc)
	})
	return result, err
}

// Touch bumps lastSeenAt for a project id.
func (s *Store) Touch(id string) error {
	return fsio.WithFileLock(s.path, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		for i, p := range doc.Projects {
			if p.ID == id {
				doc.Projects[i].LastSeenAt = s.now().UTC()
				return s.save(doc)
			}
		}
		return ErrNotFound
	})
}

// Remove prunes the given project ids. Unknown ids are ignored; the
// count of removed entries is returned.
func (s *Store) Remove(ids []string) (int, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	removed := 0
	err := fsio.WithFileLock(s.path, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		kept := doc.Projects[:0]
		for _, p := range doc.Projects {
			if drop[p.ID] {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		if removed == 0 {
			return nil
		}
		doc.Projects = kept
		return s.save(doc)
	})
	return removed, err
}

func (s *Store) load() (document, error) {
	doc := document{Version: 1}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("reading registry %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt registry is recovered as empty rather than wedging
		// every caller; the CLI rebuilds entries on next use.
		s.log.Warn().Err(err).Str("path", s.path).Msg("registry unreadable, treating as empty")
		return document{Version: 1}, nil
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	return doc, nil
}

// save marshals deterministically so writing identical content twice
// leaves the file byte-identical (and skips the rewrite entirely).
func (s *Store) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	_, err = fsio.WriteTextFileIfChanged(s.path, string(data)+"\n")
	return err
}
