package visibility

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the overlay-visible flag across orchestrator restarts.
// A missing or unreadable file defaults to hidden; write failures are
// logged and the in-memory flag still updates, so a broken disk never
// wedges the workflow.
type Store struct {
	mu      sync.Mutex
	path    string
	visible bool
}

type stateFile struct {
	Visible bool `json:"visible"`
}

// NewStore creates a store backed by a JSON file under dir
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	s := &Store{path: filepath.Join(dir, "ui-visibility.json")}

	data, err := os.ReadFile(s.path)
	if err == nil {
		var state stateFile
		if json.Unmarshal(data, &state) == nil {
			s.visible = state.Visible
		}
	}

	return s, nil
}

// Load returns the last known visibility
func (s *Store) Load() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Set updates the visibility and writes it through to disk
func (s *Store) Set(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.visible = visible

	data, err := json.Marshal(stateFile{Visible: visible})
	if err == nil {
		err = os.WriteFile(s.path, data, 0644)
	}
	if err != nil {
		log.Printf("Warning: failed to persist UI visibility: %v", err)
	}
}
