package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atmx/incentive-engine/internal/model"
)

// FileStore keeps state and elimination records as JSON files in a
// directory. Writes go through a temp file and rename.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

const (
	stateFile       = "state.json"
	eliminationFile = "eliminate.json"
)

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStore) LoadState(_ context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read state: %w", err)
	}
	return decodeState(data)
}

func (s *FileStore) SaveState(_ context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.storedTimestamp()
	if err != nil {
		return err
	}
	if current != nil && st.Timestamp <= *current {
		return ErrStale
	}

	data, err := encodeState(st)
	if err != nil {
		return err
	}
	return s.writeFile(stateFile, data)
}

// storedTimestamp reads only the timestamp of the saved state.
func (s *FileStore) storedTimestamp() (*float64, error) {
	data, err := os.ReadFile(s.path(stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read state: %w", err)
	}
	var head struct {
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		// A corrupt file never blocks a fresh write.
		return nil, nil
	}
	return &head.Timestamp, nil
}

func (s *FileStore) LoadEliminations(_ context.Context, now time.Time) (map[string]model.EliminationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]model.EliminationRecord)
	info, err := os.Stat(s.path(eliminationFile))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: stat eliminations: %w", err)
	}
	if now.Sub(info.ModTime()) > EliminationTTL {
		return out, nil
	}

	data, err := os.ReadFile(s.path(eliminationFile))
	if err != nil {
		return nil, fmt.Errorf("store: read eliminations: %w", err)
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("store: decode eliminations: %w", err)
	}
	return out, nil
}

func (s *FileStore) SaveEliminations(_ context.Context, records map[string]model.EliminationRecord, _ time.Time) error {
	data, err := json.Marshal(activeOnly(records))
	if err != nil {
		return fmt.Errorf("store: encode eliminations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile(eliminationFile, data)
}

func (s *FileStore) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	return nil
}
