package engine

import (
	"sync"

	"github.com/roach88/causality/internal/ir"
)

// Entry is a catalogued resource with its value.
type Entry struct {
	Resource ir.Resource `json:"resource"`
	Value    ir.Value    `json:"-"`
}

// Catalog tracks every resource known to the scheduler: those registered
// by callers and those produced by intents. It answers the solver's lookups.
//
// Thread-safety: safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[ir.ContentID]*Entry
	order   []ir.ContentID
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[ir.ContentID]*Entry)}
}

// Resource implements solver.Catalog.
func (c *Catalog) Resource(id ir.ContentID) (ir.Resource, bool) {
	e, ok := c.Entry(id)
	return e.Resource, ok
}

// Entry returns a copy of the entry for id.
func (c *Catalog) Entry(id ir.ContentID) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns every entry in registration order.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.entries[id])
	}
	return out
}

// add inserts e unless its id is already present, and reports whether it
// was inserted.
func (c *Catalog) add(e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[e.Resource.ID]; ok {
		return false
	}
	c.entries[e.Resource.ID] = &e
	c.order = append(c.order, e.Resource.ID)
	return true
}

func (c *Catalog) setLocation(id ir.ContentID, d ir.DomainID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.Resource.CurrentLocation = d
	}
}

func (c *Catalog) setState(id ir.ContentID, s ir.ResourceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.Resource.State = s
	}
}
