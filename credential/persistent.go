package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PersistentStorage remembers permanent credentials across sessions.
// Load may block; callers run it off the control loop.
type PersistentStorage interface {
	Load(ctx context.Context, ps ProtectionSpace) (Credential, error)
	Save(ps ProtectionSpace, c Credential) error
}

// FileStorage is a PersistentStorage backed by a single JSON file
// readable only by its owner.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

// NewFileStorage returns a FileStorage persisting to path. The file is
// created on the first Save.
func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, errors.New("path must not be empty")
	}

	return &FileStorage{path: path}, nil
}

type fileEntry struct {
	Space      ProtectionSpace `json:"space"`
	Credential Credential      `json:"credential"`
}

// Load returns the credential saved for ps, or an empty one.
func (s *FileStorage) Load(ctx context.Context, ps ProtectionSpace) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return Credential{}, err
	}

	entry, ok := entries[ps.Key()]
	if !ok {
		return Credential{}, nil
	}
	entry.Credential.Persistence = PersistencePermanent

	return entry.Credential, nil
}

// Save writes c for ps. An empty credential removes the entry.
func (s *FileStorage) Save(ps ProtectionSpace, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}

	if c.IsEmpty() {
		delete(entries, ps.Key())
	} else {
		entries[ps.Key()] = fileEntry{Space: ps, Credential: c}
	}

	return s.write(entries)
}

func (s *FileStorage) read() (map[string]fileEntry, error) {
	entries := make(map[string]fileEntry)

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("reading credential file: %w", err)
	}

	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decoding credential file: %w", err)
	}

	return entries, nil
}

// write replaces the file atomically through a temp file in the same directory.
func (s *FileStorage) write(entries map[string]fileEntry) error {
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	file, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	var successful bool
	defer func() {
		if !successful {
			_ = file.Close()
			_ = os.Remove(file.Name())
		}
	}()

	if err := file.Chmod(0o600); err != nil {
		return fmt.Errorf("restricting temp file: %w", err)
	}
	if _, err := file.Write(b); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(file.Name(), s.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	successful = true

	return nil
}
