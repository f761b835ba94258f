// Package credstore persists OAuth credential sets on disk.
//
// The file holds one record per client id. Writes go to a temp file that is
// renamed over the original, so a crash mid-write never leaves a torn file.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// StoreError is an I/O failure reading or writing persisted credentials.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("credential store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// document is the on-disk layout.
type document struct {
	Tokens map[string]*CredentialSet `json:"tokens"` // key = client_id
}

// FileStore stores the credential set of a single client in a JSON file
// that may be shared with other clients.
type FileStore struct {
	path     string
	clientID string
	log      zerolog.Logger

	mu sync.Mutex
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger used for non-fatal load problems.
func WithLogger(l zerolog.Logger) Option {
	return func(s *FileStore) {
		s.log = l
	}
}

// NewFileStore returns a store for clientID backed by path.
func NewFileStore(path, clientID string, opts ...Option) *FileStore {
	s := &FileStore{
		path:     path,
		clientID: clientID,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the stored credential set for this client. A missing file, a
// missing record or malformed content all yield (nil, nil).
func (s *FileStore) Load() (*CredentialSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		if errors.Is(err, errMalformed) {
			s.log.Warn().Str("path", s.path).Err(err).Msg("ignoring malformed credential file")
			return nil, nil
		}
		return nil, &StoreError{Op: "load", Path: s.path, Err: err}
	}

	creds, ok := doc.Tokens[s.clientID]
	if !ok || creds == nil {
		return nil, nil
	}
	if creds.AccessToken == "" || creds.ExpiresAt.IsZero() {
		s.log.Warn().Str("path", s.path).Msg("ignoring incomplete credential record")
		return nil, nil
	}
	if creds.ClientID == "" {
		creds.ClientID = s.clientID
	}
	return creds, nil
}

// Save replaces this client's record, preserving records of other clients.
func (s *FileStore) Save(creds *CredentialSet) error {
	if creds == nil {
		return &StoreError{Op: "save", Path: s.path, Err: errors.New("nil credential set")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update("save", func(doc *document) {
		rec := creds.Clone()
		if rec.ClientID == "" {
			rec.ClientID = s.clientID
		}
		doc.Tokens[s.clientID] = rec
	})
}

// Clear removes this client's record. The file is removed once it holds no
// records.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update("clear", func(doc *document) {
		delete(doc.Tokens, s.clientID)
	})
}

// errMalformed marks content that exists but does not decode as a document.
var errMalformed = errors.New("malformed credential file")

// read parses the whole document. A missing file is an empty document.
func (s *FileStore) read() (*document, error) {
	doc := &document{Tokens: make(map[string]*CredentialSet)}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if doc.Tokens == nil {
		doc.Tokens = make(map[string]*CredentialSet)
	}
	return doc, nil
}

// update applies mutate to the current document under the file lock and
// writes the result atomically.
func (s *FileStore) update(op string, mutate func(*document)) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return &StoreError{Op: op, Path: s.path, Err: err}
		}
	}

	lock, err := lockFile(s.path)
	if err != nil {
		return &StoreError{Op: op, Path: s.path, Err: err}
	}
	defer func() {
		if err := lock.unlock(); err != nil {
			s.log.Warn().Err(err).Str("path", s.path).Msg("failed to release credential file lock")
		}
	}()

	doc, err := s.read()
	if err != nil {
		// An unreadable document is replaced rather than merged
		s.log.Warn().Err(err).Str("path", s.path).Msg("rewriting unreadable credential file")
		doc = &document{Tokens: make(map[string]*CredentialSet)}
	}

	mutate(doc)

	if len(doc.Tokens) == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &StoreError{Op: op, Path: s.path, Err: err}
		}
		return nil
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &StoreError{Op: op, Path: s.path, Err: err}
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return &StoreError{Op: op, Path: s.path, Err: err}
	}
	return nil
}

// writeFileAtomic writes data to path+".tmp", syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
