package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Domain prefixes for hashing. The version suffix leaves room for algorithm
// migration without colliding with existing identifiers.
const (
	DomainObject    = "causality/object/v1"
	DomainNullifier = "causality/nullifier/v1"
	DomainChecksum  = "causality/checksum/v1"
	DomainMerkle    = "causality/merkle/v1"
)

// ContentID is the 256-bit digest of an object's canonical serialization.
// Equal identifiers imply structurally equal objects.
type ContentID [32]byte

// ZeroID is the identifier of nothing; it never addresses a stored object.
var ZeroID ContentID

// hashWithDomain computes SHA256(domain || 0x00 || data). The separator
// prevents a domain/data boundary from being ambiguous.
func hashWithDomain(domain string, data []byte) ContentID {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var id ContentID
	copy(id[:], h.Sum(nil))
	return id
}

// ObjectID addresses raw canonical bytes. It is the function the content
// store uses to check H(load(id)) = id.
func ObjectID(data []byte) ContentID {
	return hashWithDomain(DomainObject, data)
}

// Digest hashes data under an arbitrary domain prefix.
func Digest(domain string, data []byte) ContentID {
	return hashWithDomain(domain, data)
}

// Canonicalize encodes v canonically and returns both the bytes and their
// ObjectID.
func Canonicalize(v any) ([]byte, ContentID, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return nil, ZeroID, fmt.Errorf("canonicalize: %w", err)
	}
	return data, ObjectID(data), nil
}

// MustCanonicalize is like Canonicalize but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustCanonicalize(v any) ([]byte, ContentID) {
	data, id, err := Canonicalize(v)
	if err != nil {
		panic(err)
	}
	return data, id
}

// String renders the identifier as lowercase hex.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Short renders the first eight hex characters, for logs and diagrams.
func (id ContentID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether id is the zero identifier.
func (id ContentID) IsZero() bool {
	return id == ZeroID
}

// Compare orders identifiers bytewise.
func (id ContentID) Compare(other ContentID) int {
	return bytes.Compare(id[:], other[:])
}

// MarshalText encodes the identifier as hex so it is readable in JSON and YAML.
func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a hex identifier.
func (id *ContentID) UnmarshalText(text []byte) error {
	parsed, err := ParseContentID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseContentID parses a 64-character hex string.
func ParseContentID(s string) (ContentID, error) {
	var id ContentID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("parse content id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return ZeroID, fmt.Errorf("parse content id %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// MustParseContentID is like ParseContentID but panics on error.
func MustParseContentID(s string) ContentID {
	id, err := ParseContentID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// SortIDs orders identifiers in place and returns the slice.
func SortIDs(ids []ContentID) []ContentID {
	slices.SortFunc(ids, ContentID.Compare)
	return ids
}

// IDStrings renders identifiers as hex strings, preserving order.
func IDStrings(ids []ContentID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
