package mailbox

import (
	"slices"
	"sync"

	"github.com/roach88/causality/internal/fault"
)

// Registry holds mailboxes by id.
type Registry struct {
	mu    sync.RWMutex
	boxes map[string]*Mailbox
	opts  []Option
}

// NewRegistry returns an empty registry. opts are applied to every mailbox
// it opens before the per-mailbox options.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{boxes: make(map[string]*Mailbox), opts: opts}
}

// Open creates and registers a mailbox.
func (r *Registry) Open(id string, opts ...Option) (*Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boxes[id]; ok {
		return nil, fault.Validation("mailbox", "unused id", id, "mailbox %s already exists", id).
			WithCode(CodeMailboxExists)
	}
	m := New(id, append(slices.Clone(r.opts), opts...)...)
	r.boxes[id] = m
	return m, nil
}

// Get returns the mailbox registered under id.
func (r *Registry) Get(id string) (*Mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.boxes[id]
	if !ok {
		return nil, fault.Validation("mailbox", "known id", id, "unknown mailbox %s", id).
			WithCode(CodeUnknownMailbox)
	}
	return m, nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.boxes))
	for id := range r.boxes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// States returns a snapshot of every mailbox, ordered by id.
func (r *Registry) States() []State {
	ids := r.IDs()
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		if m, err := r.Get(id); err == nil {
			out = append(out, m.State())
		}
	}
	return out
}
