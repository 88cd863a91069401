package adapter

import (
	"errors"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// Factory builds an adapter for a domain from its options map.
type Factory func(id ir.DomainID, options map[string]any) (Adapter, error)

// Spec declares a domain to bootstrap.
type Spec struct {
	ID      ir.DomainID    `json:"id" yaml:"id"`
	Type    string         `json:"type" yaml:"type"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Registry maps domain types to factories and domain ids to adapters.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[ir.DomainID]Adapter
}

// NewRegistry returns a registry with the built-in factories.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[ir.DomainID]Adapter),
	}
	r.RegisterFactory(TypeEthereumLike, NewEthereumLike)
	r.RegisterFactory(TypeCosmWasmLike, NewCosmWasmLike)
	return r
}

// RegisterFactory installs f for domainType, replacing any previous one.
func (r *Registry) RegisterFactory(domainType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[domainType] = f
}

// SupportedTypes returns the registered domain types, sorted.
func (r *Registry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Create builds an adapter from spec and registers it.
func (r *Registry) Create(spec Spec) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Configuration("domains."+string(spec.ID)+".type", "",
			"unknown domain type %q", spec.Type).WithCode(CodeUnknownDomainType)
	}
	a, err := f(spec.ID, spec.Options)
	if err != nil {
		return nil, err
	}
	if err := r.Add(a); err != nil {
		if c, ok := a.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return a, nil
}

// Add registers a ready-made adapter under its domain id.
func (r *Registry) Add(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.DomainID()
	if _, ok := r.adapters[id]; ok {
		return fault.Validation("domain", "unregistered domain", string(id), "domain %s already registered", id).
			WithCode(CodeDomainExists)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id ir.DomainID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fault.Validation("domain", "registered domain", string(id), "no adapter for domain %s", id).
			WithCode(CodeUnknownDomain)
	}
	return a, nil
}

// IDs returns the registered domain ids, sorted.
func (r *Registry) IDs() []ir.DomainID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.adapters))
}

// Remove unregisters id and returns its adapter.
func (r *Registry) Remove(id ir.DomainID) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[id]
	delete(r.adapters, id)
	return a, ok
}

// Close closes every registered adapter that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, a := range r.adapters {
		if c, ok := a.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
