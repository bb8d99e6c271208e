package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/mathduel/go/internal/models"
)

// Handle is the durable pointer a client keeps to its session across
// restarts.
type Handle struct {
	Code string      `yaml:"code"`
	Side models.Side `yaml:"side"`
}

// HandleStore persists at most one Handle.
type HandleStore interface {
	// Load returns the saved handle, or nil when none is saved.
	Load() (*Handle, error)
	Save(h Handle) error
	Clear() error
}

// FileHandleStore keeps the handle in a YAML file.
type FileHandleStore struct {
	path string
}

func NewFileHandleStore(path string) *FileHandleStore {
	return &FileHandleStore{path: path}
}

func (s *FileHandleStore) Load() (*Handle, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read handle file: %w", err)
	}

	var h Handle
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse handle file: %w", err)
	}
	if h.Code == "" || !h.Side.Valid() {
		return nil, nil
	}
	return &h, nil
}

func (s *FileHandleStore) Save(h Handle) error {
	data, err := yaml.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handle: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create handle directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write handle file: %w", err)
	}
	return nil
}

func (s *FileHandleStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove handle file: %w", err)
	}
	return nil
}

// MemoryHandleStore keeps the handle in process.
type MemoryHandleStore struct {
	mu sync.Mutex
	h  *Handle
}

func (s *MemoryHandleStore) Load() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return nil, nil
	}
	h := *s.h
	return &h, nil
}

func (s *MemoryHandleStore) Save(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = &h
	return nil
}

func (s *MemoryHandleStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = nil
	return nil
}
