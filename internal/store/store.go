// Package store keeps the small amount of state that must survive a
// restart: the baud rate the module last answered at and the HDOP threshold.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type State struct {
	PreferredBaud int     `yaml:"preferred_baud"`
	HDOPThreshold float64 `yaml:"hdop_threshold,omitempty"`
}

// Store is a YAML file rewritten atomically on every change.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// Open loads path. A missing file yields an empty state.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path is required")
	}
	s := &Store{path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return s, nil
	}
	if err := yaml.Unmarshal(b, &s.state); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if s.state.PreferredBaud < 0 {
		s.state.PreferredBaud = 0
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PreferredBaud returns 0 when nothing has been saved.
func (s *Store) PreferredBaud() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.PreferredBaud
}

func (s *Store) SavePreferredBaud(baud int) error {
	if baud <= 0 {
		return fmt.Errorf("store: invalid baud %d", baud)
	}
	return s.update(func(st *State) { st.PreferredBaud = baud })
}

// HDOPThreshold returns 0 when nothing has been saved.
func (s *Store) HDOPThreshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.HDOPThreshold
}

func (s *Store) SaveHDOPThreshold(v float64) error {
	if v <= 0 {
		return fmt.Errorf("store: invalid hdop threshold %v", v)
	}
	return s.update(func(st *State) { st.HDOPThreshold = v })
}

func (s *Store) update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state
	fn(&next)
	if next == s.state {
		return nil
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Store) write(st State) error {
	b, err := yaml.Marshal(&st)
	if err != nil {
		return err
	}

	// Temp file in the same directory so the rename is atomic.
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
