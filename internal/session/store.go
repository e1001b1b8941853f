package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/italolelis/booth_downloader/internal/transfer"
)

// Store persists a Session as a JSON document readable only by the owner.
type Store struct {
	path string
}

// NewStore creates a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the session file location.
func (s *Store) Path() string {
	return s.path
}

// Save replaces the stored session atomically.
func (s *Store) Save(sess *Session) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &transfer.DiskError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return &transfer.DiskError{Op: "create", Path: dir, Err: err}
	}

	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()

		return &transfer.DiskError{Op: "chmod", Path: tmp.Name(), Err: err}
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")

	if err := enc.Encode(sess); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return &transfer.DiskError{Op: "sync", Path: tmp.Name(), Err: err}
	}

	if err := tmp.Close(); err != nil {
		return &transfer.DiskError{Op: "close", Path: tmp.Name(), Err: err}
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return &transfer.DiskError{Op: "rename", Path: s.path, Err: err}
	}

	return nil
}

// Load reads the stored session. A missing file is reported as ok == false with no error.
func (s *Store) Load() (*Session, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, &transfer.DiskError{Op: "read", Path: s.path, Err: err}
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, false, fmt.Errorf("failed to decode session file %s: %w", s.path, err)
	}

	return &sess, true, nil
}

// Clear removes the stored session. Clearing an absent session is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &transfer.DiskError{Op: "remove", Path: s.path, Err: err}
	}

	return nil
}
