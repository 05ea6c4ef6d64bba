package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps checkpoints in a JSON file. Every Set rewrites the file
// through a temporary file and a rename, so a crash leaves either the old or
// the new state on disk.
type FileStore struct {
	path string

	mu    sync.Mutex
	state State
}

// NewFileStore opens path. A missing file is an empty state.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}

	s := &FileStore{path: path, state: State{Bookmarks: map[string]Bookmark{}}}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	if s.state.Bookmarks == nil {
		s.state.Bookmarks = map[string]Bookmark{}
	}
	return s, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) (Bookmark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.Bookmarks[key]
	return b, ok, nil
}

// Set implements Store.
func (s *FileStore) Set(_ context.Context, key string, b Bookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.state.Bookmarks[key]
	s.state.Bookmarks[key] = b
	if err := s.flush(); err != nil {
		if had {
			s.state.Bookmarks[key] = prev
		} else {
			delete(s.state.Bookmarks, key)
		}
		return err
	}
	return nil
}

// Snapshot implements Store.
func (s *FileStore) Snapshot(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone(), nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (st State) clone() State {
	out := State{Bookmarks: make(map[string]Bookmark, len(st.Bookmarks))}
	for k, v := range st.Bookmarks {
		out.Bookmarks[k] = v
	}
	return out
}
