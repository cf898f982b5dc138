package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/perlica/perlica/internal/llm"
)

// Factory builds a provider on first use.
type Factory func() (llm.Provider, error)

// Registry owns every configured provider and hands out lazily constructed
// instances. Construction is deferred so listing providers never spawns a
// subprocess.
type Registry struct {
	log *slog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	live      map[string]llm.Provider
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		log:       logger.With("component", "provider.registry"),
		factories: make(map[string]Factory),
		live:      make(map[string]llm.Provider),
	}
}

// Register installs a factory for a provider id, replacing any previous one.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// Get returns the live provider for id, constructing it on first use.
func (r *Registry) Get(id string) (llm.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.live[id]; ok {
		return p, nil
	}
	factory, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("constructing provider %q: %w", id, err)
	}
	r.live[id] = p
	r.log.Debug("provider constructed", "provider_id", id)
	return p, nil
}

// IDs lists the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll shuts down every live provider and forgets it.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, p := range r.live {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing provider %q: %w", id, err))
		}
		delete(r.live, id)
	}
	return errors.Join(errs...)
}
