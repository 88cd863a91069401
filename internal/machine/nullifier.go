package machine

import (
	"sync"

	"github.com/roach88/causality/internal/ir"
)

// NullifierOf returns the nullifier published when id is consumed. It is a
// pure function of the id, so a second consumption always collides.
func NullifierOf(id ir.ContentID) ir.ContentID {
	return ir.Digest(ir.DomainNullifier, id[:])
}

// NullifierSet records consumed resources across runs.
//
// Thread-safety: all methods are safe for concurrent use. Machines running
// in parallel share one set so a linear resource is spent once overall.
type NullifierSet struct {
	mu  sync.Mutex
	set map[ir.ContentID]ir.ContentID // nullifier -> resource
}

// NewNullifierSet returns an empty set.
func NewNullifierSet() *NullifierSet {
	return &NullifierSet{set: make(map[ir.ContentID]ir.ContentID)}
}

// Spend records the nullifier of id. It fails with AlreadyConsumed if the
// nullifier is already present.
func (s *NullifierSet) Spend(id ir.ContentID) (ir.ContentID, error) {
	nf := NullifierOf(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[nf]; ok {
		return nf, AlreadyConsumed(id)
	}
	s.set[nf] = id
	return nf, nil
}

// SpendAll records the nullifiers of ids together. If any is already
// present, or ids repeats a resource, nothing is recorded and the error
// names the first offending id.
func (s *NullifierSet) SpendAll(ids []ir.ContentID) ([]ir.ContentID, error) {
	nfs := make([]ir.ContentID, len(ids))
	seen := make(map[ir.ContentID]bool, len(ids))
	for i, id := range ids {
		nfs[i] = NullifierOf(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, nf := range nfs {
		if _, ok := s.set[nf]; ok || seen[nf] {
			return nil, AlreadyConsumed(ids[i])
		}
		seen[nf] = true
	}
	for i, nf := range nfs {
		s.set[nf] = ids[i]
	}
	return nfs, nil
}

// Spent reports whether id has been consumed.
func (s *NullifierSet) Spent(id ir.ContentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[NullifierOf(id)]
	return ok
}

// Contains reports whether nf is a published nullifier.
func (s *NullifierSet) Contains(nf ir.ContentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[nf]
	return ok
}

// Len returns the number of nullifiers.
func (s *NullifierSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

// List returns every nullifier in id order.
func (s *NullifierSet) List() []ir.ContentID {
	s.mu.Lock()
	out := make([]ir.ContentID, 0, len(s.set))
	for nf := range s.set {
		out = append(out, nf)
	}
	s.mu.Unlock()
	return ir.SortIDs(out)
}
