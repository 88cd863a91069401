package bridge

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/store"
)

// Entry is a resource as held by one domain.
type Entry struct {
	Data     []byte
	Metadata map[string]string
}

func (e Entry) clone() Entry {
	return Entry{Data: slices.Clone(e.Data), Metadata: maps.Clone(e.Metadata)}
}

// DomainStorage holds resource bytes per domain.
type DomainStorage interface {
	Put(ctx context.Context, domain ir.DomainID, id ir.ContentID, e Entry) error
	// Get returns a NOT_FOUND error when the domain does not hold id.
	Get(ctx context.Context, domain ir.DomainID, id ir.ContentID) (Entry, error)
	Delete(ctx context.Context, domain ir.DomainID, id ir.ContentID) error
	Has(ctx context.Context, domain ir.DomainID, id ir.ContentID) (bool, error)
	// List returns the ids held by domain in ascending order.
	List(ctx context.Context, domain ir.DomainID) ([]ir.ContentID, error)
}

func entryNotFound(domain ir.DomainID, id ir.ContentID) error {
	return fault.Storage(false, "resource %s not found in domain %s", id.Short(), domain).
		WithCode(store.CodeNotFound).
		WithContext("domain", string(domain)).
		Wrap(store.ErrNotFound)
}

// MemoryStorage is an in-process DomainStorage.
type MemoryStorage struct {
	mu      sync.RWMutex
	domains map[ir.DomainID]map[ir.ContentID]Entry
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{domains: make(map[ir.DomainID]map[ir.ContentID]Entry)}
}

func (s *MemoryStorage) Put(_ context.Context, domain ir.DomainID, id ir.ContentID, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[domain]
	if !ok {
		d = make(map[ir.ContentID]Entry)
		s.domains[domain] = d
	}
	d[id] = e.clone()
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, domain ir.DomainID, id ir.ContentID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.domains[domain][id]
	if !ok {
		return Entry{}, entryNotFound(domain, id)
	}
	return e.clone(), nil
}

func (s *MemoryStorage) Delete(_ context.Context, domain ir.DomainID, id ir.ContentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.domains[domain], id)
	return nil
}

func (s *MemoryStorage) Has(_ context.Context, domain ir.DomainID, id ir.ContentID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.domains[domain][id]
	return ok, nil
}

func (s *MemoryStorage) List(_ context.Context, domain ir.DomainID) ([]ir.ContentID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Collect(maps.Keys(s.domains[domain]))
	if ids == nil {
		ids = []ir.ContentID{}
	}
	return ir.SortIDs(ids), nil
}

var _ DomainStorage = (*MemoryStorage)(nil)
