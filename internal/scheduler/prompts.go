// internal/scheduler/prompts.go
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Prompt is a named message fired at a reply target on a schedule.
type Prompt struct {
	Name        string `json:"name"`
	Text        string `json:"text"`
	Schedule    string `json:"schedule"`
	ReplyTarget string `json:"reply_target"`
	Enabled     bool   `json:"enabled"`
}

// PromptStore is a JSON-file-backed store for scheduled prompts.
type PromptStore struct {
	path string
	mu   sync.RWMutex
}

// NewPromptStore creates a file-backed PromptStore at the given path.
func NewPromptStore(path string) *PromptStore {
	return &PromptStore{path: path}
}

// Path returns the file path used by this store.
func (s *PromptStore) Path() string {
	return s.path
}

// List returns all prompts. Returns an empty slice if the file doesn't exist.
func (s *PromptStore) List() ([]*Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prompts, err := s.load()
	if err != nil {
		return nil, err
	}
	if prompts == nil {
		return []*Prompt{}, nil
	}
	return prompts, nil
}

// Get finds a prompt by name. Returns an error if not found.
func (s *PromptStore) Get(name string) (*Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prompts, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, p := range prompts {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("prompt not found: %s", name)
}

// Add appends a prompt. Returns an error if the name is already taken.
func (s *PromptStore) Add(p *Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompts, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range prompts {
		if existing.Name == p.Name {
			return fmt.Errorf("prompt already exists: %s", p.Name)
		}
	}
	prompts = append(prompts, p)
	return s.save(prompts)
}

// Remove deletes a prompt by name. Returns an error if not found.
func (s *PromptStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompts, err := s.load()
	if err != nil {
		return err
	}
	for i, p := range prompts {
		if p.Name == name {
			prompts = append(prompts[:i], prompts[i+1:]...)
			return s.save(prompts)
		}
	}
	return fmt.Errorf("prompt not found: %s", name)
}

// SetEnabled toggles a prompt. Returns an error if not found.
func (s *PromptStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompts, err := s.load()
	if err != nil {
		return err
	}
	for _, p := range prompts {
		if p.Name == name {
			p.Enabled = enabled
			return s.save(prompts)
		}
	}
	return fmt.Errorf("prompt not found: %s", name)
}

// load reads the JSON file. Returns nil if the file doesn't exist.
func (s *PromptStore) load() ([]*Prompt, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var prompts []*Prompt
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("unmarshal prompts: %w", err)
	}
	return prompts, nil
}

// save writes the prompt list to disk using atomic write (temp file + rename).
func (s *PromptStore) save(prompts []*Prompt) error {
	data, err := json.MarshalIndent(prompts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prompts: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp prompts file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp prompts file: %w", err)
	}
	return nil
}
