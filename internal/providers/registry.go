// Package providers maintains the registry of agent providers Tether can
// launch. Providers are declared in a YAML file and identify the command
// line used to spawn each agent process.
package providers

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tetherhq/tether/internal/logging"
)

var ErrProviderNotFound = errors.New("provider not found")

// Provider describes one launchable agent.
type Provider struct {
	// ID is the stable identifier used in conversation metadata.
	ID string `yaml:"id"`
	// Name is the human-readable display name.
	Name string `yaml:"name,omitempty"`
	// Command is the full command line that starts the agent in ACP mode.
	// It is parsed with shell-style quoting before launch.
	Command string `yaml:"command"`
	// Env lists extra KEY=VALUE pairs added to the agent's environment.
	Env []string `yaml:"env,omitempty"`
}

// providersFile is the on-disk YAML layout.
type providersFile struct {
	Providers []Provider `yaml:"providers"`
}

// DefaultProviders returns the built-in providers used when no
// configuration file exists.
func DefaultProviders() []Provider {
	return []Provider{
		{
			ID:      "claude",
			Name:    "Claude Code",
			Command: "claude-code-acp",
		},
		{
			ID:      "gemini",
			Name:    "Gemini CLI",
			Command: "gemini --experimental-acp",
		},
	}
}

// Registry holds the current provider set.
// It is safe for concurrent use; Reload swaps the set atomically.
type Registry struct {
	path string

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry backed by the YAML file at path. The file
// is loaded immediately; a missing file is not an error and yields the
// built-in defaults.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the configuration file and replaces the provider set.
func (r *Registry) Reload() error {
	providers, err := loadFile(r.path)
	if err != nil {
		return err
	}

	byID := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id in %s", r.path)
		}
		if p.Command == "" {
			return fmt.Errorf("provider %q has no command", p.ID)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		byID[p.ID] = p
	}

	r.mu.Lock()
	r.providers = byID
	r.mu.Unlock()

	logging.Providers().Debug("provider registry loaded",
		"path", r.path, "count", len(byID))
	return nil
}

func loadFile(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultProviders(), nil
		}
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	if len(file.Providers) == 0 {
		return DefaultProviders(), nil
	}
	return file.Providers, nil
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p, nil
}

// List returns all providers sorted by id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
