// Package token persists gateway bearer tokens.
//
// Only a sha256 of each secret is stored; the cleartext is handed to
// the caller exactly once at creation. Revocation makes a record inert
// without deleting its audit trail.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hack-sh/hack/internal/fsio"
)

// Scope is a token's authorization level.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeRead || s == ScopeWrite
}

// ErrNotFound is returned when a token id does not exist.
var ErrNotFound = errors.New("token not found")

// Record is one stored token. Hash is the hex sha256 of the cleartext
// secret; the secret itself is never persisted.
type Record struct {
	ID         string     `json:"id"`
	Hash       string     `json:"hash"`
	Scope      Scope      `json:"scope"`
	Label      string     `json:"label,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// Revoked reports whether the record is inert.
func (r Record) Revoked() bool {
	return r.RevokedAt != nil
}

type document struct {
	Version int      `json:"version"`
	Tokens  []Record `json:"tokens"`
}

// Store reads and writes gateway/tokens.json.
type Store struct {
	path string
	log  zerolog.Logger
	now  func() time.Time
}

// New returns a store over the given tokens file.
func New(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log, now: time.Now}
}

// Create mints a token: 32 random bytes, base64url-encoded. The
// returned cleartext is shown once and never recoverable afterwards.
func (s *Store) Create(scope Scope, label string) (cleartext string, rec Record, err error) {
	if !scope.Valid() {
		return "", Record{}, fmt.Errorf("invalid token scope %q", scope)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", Record{}, fmt.Errorf("generating token secret: %w", err)
	}
	cleartext = base64.RawURLEncoding.EncodeToString(secret)

	rec = Record{
		ID:        uuid.NewString(),
		Hash:      HashSecret(cleartext),
		Scope:     scope,
		Label:     label,
		CreatedAt: s.now().UTC(),
	}

	err = fsio.WithFileLock(s.path, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		doc.Tokens = append(doc.Tokens, rec)
		return s.save(doc)
	})
	if err != nil {
		return "", Record{}, err
	}
	return cleartext, rec, nil
}

// Verify matches a cleartext secret against the un-revoked records and
// bumps lastUsedAt on success. The miss path returns (Record{}, false)
// with no distinction between unknown and revoked.
func (s *Store) Verify(cleartext string) (Record, bool) {
	hash := HashSecret(cleartext)

	var matched Record
	found := false
	err := fsio.WithFileLock(s.path, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		for i, rec := range doc.Tokens {
			if rec.Revoked() {
				continue
			}
			if subtle.ConstantTimeCompare([]byte(rec.Hash), []byte(hash)) == 1 {
				now := s.now().UTC()
				doc.Tokens[i].LastUsedAt = &now
				matched = doc.Tokens[i]
				found = true
				return s.save(doc)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("token verification failed to read store")
		return Record{}, false
	}
	return matched, found
}

// Revoke marks a token inert. Revoking twice is a no-op.
func (s *Store) Revoke(id string) error {
	return fsio.WithFileLock(s.path, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		for i, rec := range doc.Tokens {
			if rec.ID != id {
				continue
			}
			if rec.Revoked() {
				return nil
			}
			now := s.now().UTC()
			doc.Tokens[i].RevokedAt = &now
			return s.save(doc)
		}
		return ErrNotFound
	})
}

// List returns every record, revoked ones included.
func (s *Store) List() ([]Record, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Tokens, nil
}

// HashSecret returns the hex sha256 of a cleartext secret.
func HashSecret(cleartext string) string {
	sum := sha256.Sum256([]byte(cleartext))
	return hex.EncodeToString(sum[:])
}

func (s *Store) load() (document, error) {
	doc := document{Version: 1}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("reading token store %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parsing token store %s: %w", s.path, err)
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	return doc, nil
}

func (s *Store) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token store: %w", err)
	}
	return fsio.AtomicWriteFile(s.path, append(data, '\n'), 0o600)
}
