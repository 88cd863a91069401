package persist

import (
	"bytes"
	"encoding/json"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// Leaf and interior nodes hash under distinct tags so a leaf can never be
// mistaken for a pair of children.
const (
	leafTag     byte = 0x00
	interiorTag byte = 0x01
)

// encode writes v as compact JSON without HTML escaping. Map keys are
// sorted by encoding/json, so equal states encode to equal bytes.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fault.Serialization("json", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// LeafHash commits to the domain id and the encoded state of one domain.
func LeafHash(d ir.DomainID, ds *DomainState) (ir.ContentID, error) {
	data, err := encode(ds)
	if err != nil {
		return ir.ZeroID, err
	}
	buf := make([]byte, 0, 1+len(d)+1+len(data))
	buf = append(buf, leafTag)
	buf = append(buf, d...)
	buf = append(buf, 0x00)
	buf = append(buf, data...)
	return ir.Digest(ir.DomainMerkle, buf), nil
}

// LeafHashes returns the leaf hash of every domain, keyed by domain hex.
func (s *State) LeafHashes() (map[string]ir.ContentID, error) {
	out := make(map[string]ir.ContentID, len(s.domains))
	for _, d := range s.Domains() {
		h, err := LeafHash(d, s.domains[d])
		if err != nil {
			return nil, err
		}
		out[d.Hex()] = h
	}
	return out, nil
}

// Root is the binary Merkle root over the leaf hashes in domain order. An
// odd node at the end of a level is promoted unchanged. The empty state has
// the zero root.
func (s *State) Root() (ir.ContentID, error) {
	domains := s.Domains()
	level := make([]ir.ContentID, 0, len(domains))
	for _, d := range domains {
		h, err := LeafHash(d, s.domains[d])
		if err != nil {
			return ir.ZeroID, err
		}
		level = append(level, h)
	}
	return merkleRoot(level), nil
}

func merkleRoot(level []ir.ContentID) ir.ContentID {
	if len(level) == 0 {
		return ir.ZeroID
	}
	for len(level) > 1 {
		next := make([]ir.ContentID, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			buf := make([]byte, 0, 1+64)
			buf = append(buf, interiorTag)
			buf = append(buf, level[i][:]...)
			buf = append(buf, level[i+1][:]...)
			next = append(next, ir.Digest(ir.DomainMerkle, buf))
		}
		level = next
	}
	return level[0]
}

// Checksum is H(root || concat(domain ids)) over the given domains in order.
func Checksum(root ir.ContentID, domains []ir.DomainID) ir.ContentID {
	buf := append([]byte(nil), root[:]...)
	for _, d := range domains {
		buf = append(buf, d...)
	}
	return ir.Digest(ir.DomainChecksum, buf)
}
