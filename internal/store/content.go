package store

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// Error codes carried by *fault.Error values from this package.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeContentConflict = "CONTENT_CONFLICT"
	CodeIDMismatch      = "ID_MISMATCH"
	CodeCorrupt         = "CORRUPT_CONTENT"
)

// ErrNotFound is the cause of every not-found error from a content store.
var ErrNotFound = errors.New("content not found")

// ContentStore is the append-only object map shared by the register machine,
// the effect graph and the persistence layer.
type ContentStore interface {
	// Put stores data under id. The id must equal ir.ObjectID(data).
	Put(ctx context.Context, id ir.ContentID, data []byte) error

	// Get returns the bytes stored under id after verifying their hash.
	Get(ctx context.Context, id ir.ContentID) ([]byte, error)

	// Has reports whether id is stored.
	Has(ctx context.Context, id ir.ContentID) (bool, error)
}

// Store computes the id of data, stores it and returns the id.
func Store(ctx context.Context, cs ContentStore, data []byte) (ir.ContentID, error) {
	id := ir.ObjectID(data)
	if err := cs.Put(ctx, id, data); err != nil {
		return ir.ZeroID, err
	}
	return id, nil
}

// StoreValue canonicalizes v, stores the bytes and returns their id.
func StoreValue(ctx context.Context, cs ContentStore, v any) (ir.ContentID, error) {
	data, id, err := ir.Canonicalize(v)
	if err != nil {
		return ir.ZeroID, fault.Serialization("canonical-json", err)
	}
	if err := cs.Put(ctx, id, data); err != nil {
		return ir.ZeroID, err
	}
	return id, nil
}

// LoadValue fetches id and parses it as a canonical value.
func LoadValue(ctx context.Context, cs ContentStore, id ir.ContentID) (ir.Value, error) {
	data, err := cs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v, err := ir.ParseJSON(data)
	if err != nil {
		return nil, fault.Serialization("canonical-json", err)
	}
	return v, nil
}

// IsNotFound reports whether err is a not-found error from a content store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(id ir.ContentID) error {
	return fault.Storage(false, "object %s not found", id.Short()).
		WithCode(CodeNotFound).
		WithContext("id", id.String()).
		Wrap(ErrNotFound)
}

func checkID(id ir.ContentID, data []byte) error {
	if got := ir.ObjectID(data); got != id {
		return fault.Validation("id", id.String(), got.String(),
			"object id does not match content").WithCode(CodeIDMismatch)
	}
	return nil
}

func conflict(id ir.ContentID) error {
	return fault.Storage(false, "object %s already stored with different bytes", id.Short()).
		WithCode(CodeContentConflict)
}

func verifyContent(id ir.ContentID, data []byte) error {
	if got := ir.ObjectID(data); got != id {
		return fault.Storage(false, "object %s failed integrity check (hash %s)", id.Short(), got.Short()).
			WithCode(CodeCorrupt)
	}
	return nil
}

// Memory is an in-process ContentStore.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	objects map[ir.ContentID][]byte
	records
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[ir.ContentID][]byte)}
}

// Put implements ContentStore.
func (m *Memory) Put(_ context.Context, id ir.ContentID, data []byte) error {
	if err := checkID(id, data); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.objects[id]; ok {
		if !bytes.Equal(existing, data) {
			return conflict(id)
		}
		return nil
	}
	m.objects[id] = bytes.Clone(data)
	return nil
}

// Get implements ContentStore.
func (m *Memory) Get(_ context.Context, id ir.ContentID) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.objects[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	if err := verifyContent(id, data); err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}

// Has implements ContentStore.
func (m *Memory) Has(_ context.Context, id ir.ContentID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[id]
	return ok, nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
