package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/types"
)

// Registry owns provider instances and maps model names to ready backends.
// Unknown names are lazily constructed from the preset catalog. Safe for
// concurrent use.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	factories map[string]Factory
	specs     SpecSource
}

// NewRegistry creates a provider registry backed by the given spec source.
// specs may be nil, in which case only explicitly registered providers
// resolve.
func NewRegistry(specs SpecSource) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		factories: make(map[string]Factory),
		specs:     specs,
	}
}

// RegisterFactory registers a constructor for a provider kind.
func (r *Registry) RegisterFactory(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Register adds a provider under the given name. Duplicates are rejected.
func (r *Registry) Register(name string, provider Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	r.providers[name] = provider
	return nil
}

// Unregister removes a provider and triggers its cleanup.
func (r *Registry) Unregister(name string, cleanup bool) error {
	r.mu.Lock()
	provider, exists := r.providers[name]
	if exists {
		delete(r.providers, name)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if cleanup {
		if err := provider.Cleanup(); err != nil {
			logger.Warn("provider cleanup failed", "model", name, "error", err)
		}
	}
	return nil
}

// Get returns an already-registered provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return provider, nil
}

// GetOrCreate returns the registered instance or lazily constructs one from
// the preset catalog. Absence in both registry and catalog is
// ErrModelNotFound. The mutex is held across construction so racing creators
// see a consistent outcome.
func (r *Registry) GetOrCreate(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if provider, exists := r.providers[name]; exists {
		return provider, nil
	}

	provider, err := r.createLocked(name)
	if err != nil {
		return nil, err
	}
	r.providers[name] = provider
	logger.Info("provider created from preset", "model", name)
	return provider, nil
}

// Resolvable reports whether name maps to a registered provider or a preset.
func (r *Registry) Resolvable(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return true
	}
	if r.specs == nil {
		return false
	}
	_, ok := r.specs.Resolve(name)
	return ok
}

// Spec returns the construction spec for a preset-backed model, if any.
func (r *Registry) Spec(name string) (Spec, bool) {
	if r.specs == nil {
		return Spec{}, false
	}
	return r.specs.Resolve(name)
}

func (r *Registry) createLocked(name string) (Provider, error) {
	if r.specs == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	spec, ok := r.specs.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return r.buildLocked(spec)
}

// Create constructs and registers a provider directly from a spec, as the
// explicit registration endpoints do.
func (r *Registry) Create(spec Spec) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[spec.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, spec.Name)
	}
	provider, err := r.buildLocked(spec)
	if err != nil {
		return nil, err
	}
	r.providers[spec.Name] = provider
	return provider, nil
}

func (r *Registry) buildLocked(spec Spec) (Provider, error) {
	factory, exists := r.factories[spec.Kind]
	if !exists {
		return nil, fmt.Errorf("%w: unsupported provider kind %q", ErrModelNotFound, spec.Kind)
	}
	return factory(spec)
}

// List returns all registered model names.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// HealthCheckAll probes every registered provider.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	r.mu.Lock()
	snapshot := make(map[string]Provider, len(r.providers))
	for name, provider := range r.providers {
		snapshot[name] = provider
	}
	r.mu.Unlock()

	results := make(map[string]bool, len(snapshot))
	for name, provider := range snapshot {
		results[name] = provider.HealthCheck(ctx) == nil
	}
	return results
}

// AllModelsInfo returns metadata for every registered provider.
func (r *Registry) AllModelsInfo() map[string]types.ModelInfo {
	r.mu.Lock()
	snapshot := make(map[string]Provider, len(r.providers))
	for name, provider := range r.providers {
		snapshot[name] = provider
	}
	r.mu.Unlock()

	infos := make(map[string]types.ModelInfo, len(snapshot))
	for name, provider := range snapshot {
		infos[name] = provider.ModelInfo()
	}
	return infos
}

// CleanupAll releases every provider's resources. Errors are logged, not
// returned; cleanup must not abort teardown.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	snapshot := make(map[string]Provider, len(r.providers))
	for name, provider := range r.providers {
		snapshot[name] = provider
	}
	r.providers = make(map[string]Provider)
	r.mu.Unlock()

	for name, provider := range snapshot {
		if err := provider.Cleanup(); err != nil {
			logger.Warn("provider cleanup failed", "model", name, "error", err)
		}
	}
}
