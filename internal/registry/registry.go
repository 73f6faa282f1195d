// Package registry persists the CLI's view of open browser sessions in
// ~/.smooth/sessions.yaml so separate invocations can list and close them.
// The SDK core never reads this file.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Session is one registry entry.
type Session struct {
	ID        string    `yaml:"id"`
	Device    string    `yaml:"device,omitempty"`
	LiveURL   string    `yaml:"live_url,omitempty"`
	Task      string    `yaml:"task,omitempty"`
	StartedAt time.Time `yaml:"started_at"`
}

// Registry is a file-backed session table.
type Registry struct {
	mu   sync.Mutex
	path string
}

// Open returns a registry backed by the given file.
func Open(path string) *Registry {
	return &Registry{path: path}
}

// Default returns the registry at ~/.smooth/sessions.yaml.
func Default() (*Registry, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("registry: resolve home directory: %w", err)
	}
	return Open(filepath.Join(home, ".smooth", "sessions.yaml")), nil
}

// Add inserts or replaces a session entry.
func (r *Registry) Add(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, err := r.load()
	if err != nil {
		return err
	}
	sessions[s.ID] = s
	return r.save(sessions)
}

// Remove deletes a session entry; removing an unknown id is not an error.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, err := r.load()
	if err != nil {
		return err
	}
	delete(sessions, id)
	return r.save(sessions)
}

// Get looks up one session.
func (r *Registry) Get(id string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, err := r.load()
	if err != nil {
		return Session{}, false, err
	}
	s, ok := sessions[id]
	return s, ok, nil
}

// List returns all sessions ordered by start time.
func (r *Registry) List() ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *Registry) load() (map[string]Session, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return map[string]Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", r.path, err)
	}
	var sessions map[string]Session
	if err := yaml.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", r.path, err)
	}
	if sessions == nil {
		sessions = map[string]Session{}
	}
	return sessions, nil
}

// save writes to a temp file and renames it into place so readers never see
// a partial file.
func (r *Registry) save(sessions map[string]Session) error {
	data, err := yaml.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "sessions-*.yaml")
	if err != nil {
		return fmt.Errorf("registry: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), r.path)
}
