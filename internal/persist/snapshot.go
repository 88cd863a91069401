package persist

import (
	"bytes"
	"cmp"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// File names inside a snapshot directory.
const (
	MetadataFile       = "snapshot.json"
	PayloadFile        = "payload.json"
	PayloadFileGzipped = "payload.json.gz"
)

// Compression values recorded in Metadata.Compression.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// SnapshotType is "full", "incremental" or "domain_specific_<hex>".
type SnapshotType string

const (
	TypeFull        SnapshotType = "full"
	TypeIncremental SnapshotType = "incremental"

	domainSpecificPrefix = "domain_specific_"
)

// DomainSpecific is the type of a snapshot holding only d.
func DomainSpecific(d ir.DomainID) SnapshotType {
	return SnapshotType(domainSpecificPrefix + d.Hex())
}

// Domain returns the domain of a domain-specific type.
func (t SnapshotType) Domain() (ir.DomainID, bool) {
	hex, ok := strings.CutPrefix(string(t), domainSpecificPrefix)
	if !ok {
		return "", false
	}
	d, err := ir.ParseDomainHex(hex)
	if err != nil {
		return "", false
	}
	return d, true
}

// Metadata describes a snapshot's payload.
//
// DomainRoots holds the leaf hash of every domain in the state the snapshot
// was taken from, not only the included ones; incremental snapshots compare
// against it to find changed domains.
type Metadata struct {
	SizeBytes         int                     `json:"size_bytes"`
	DomainCount       int                     `json:"domain_count"`
	NodeCount         int                     `json:"node_count"`
	IntegrityChecksum ir.ContentID            `json:"integrity_checksum"`
	Compression       string                  `json:"compression"`
	PayloadDigest     ir.ContentID            `json:"payload_digest"`
	DomainRoots       map[string]ir.ContentID `json:"domain_roots"`
}

// Snapshot is the content of snapshot.json.
type Snapshot struct {
	ID              string       `json:"snapshot_id"`
	CreatedAt       uint64       `json:"created_at"`
	Root            ir.ContentID `json:"smt_root"`
	ParentID        string       `json:"parent_snapshot_id,omitempty"`
	Type            SnapshotType `json:"snapshot_type"`
	IncludedDomains []string     `json:"included_domains"`
	Metadata        Metadata     `json:"metadata"`
}

// Domains decodes IncludedDomains.
func (s Snapshot) Domains() ([]ir.DomainID, error) {
	out := make([]ir.DomainID, 0, len(s.IncludedDomains))
	for _, h := range s.IncludedDomains {
		d, err := ir.ParseDomainHex(h)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Manager writes and reads snapshots under a directory, one subdirectory
// per snapshot id.
//
// Thread-safety: safe for concurrent use when snapshot ids are unique.
type Manager struct {
	dir      string
	compress bool
	now      func() time.Time
	ids      engine.IDGenerator
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCompression stores payloads gzipped.
func WithCompression(on bool) Option {
	return func(m *Manager) { m.compress = on }
}

// WithNow sets the clock used for created_at.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator sets the snapshot id generator. The default generates
// UUIDv7 ids.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates dir if needed and returns a manager for it.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		now:    time.Now,
		ids:    engine.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Storage(false, "create snapshot directory %s", dir).Wrap(err)
	}
	return m, nil
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Full snapshots every domain of st.
func (m *Manager) Full(st *State) (Snapshot, error) {
	return m.write(st, TypeFull, "", st.Domains())
}

// Incremental snapshots the domains of st whose state differs from the
// parent's. The parent must exist and its chain must end at a full
// snapshot.
func (m *Manager) Incremental(st *State, parentID string) (Snapshot, error) {
	chain, err := m.Chain(parentID)
	if err != nil {
		return Snapshot{}, err
	}
	if last := chain[len(chain)-1]; last.Type != TypeFull {
		return Snapshot{}, brokenChain("snapshot %s descends from %s snapshot %s", parentID, last.Type, last.ID)
	}
	parent := chain[0]

	leaves, err := st.LeafHashes()
	if err != nil {
		return Snapshot{}, err
	}
	var changed []ir.DomainID
	for _, d := range st.Domains() {
		if prev, ok := parent.Metadata.DomainRoots[d.Hex()]; !ok || prev != leaves[d.Hex()] {
			changed = append(changed, d)
		}
	}
	return m.write(st, TypeIncremental, parentID, changed)
}

// DomainSpecific snapshots d alone. Its root covers only d.
func (m *Manager) DomainSpecific(st *State, d ir.DomainID) (Snapshot, error) {
	ds, ok := st.Domain(d)
	if !ok {
		return Snapshot{}, fault.Validation("domain", "domain with state", string(d), "domain %s has no state", d).
			WithCode(CodeUnknownDomain)
	}
	only := NewState()
	only.domains[d] = ds
	return m.write(only, DomainSpecific(d), "", []ir.DomainID{d})
}

func (m *Manager) write(st *State, typ SnapshotType, parentID string, included []ir.DomainID) (Snapshot, error) {
	root, err := st.Root()
	if err != nil {
		return Snapshot{}, err
	}
	leaves, err := st.LeafHashes()
	if err != nil {
		return Snapshot{}, err
	}
	payload, err := exportDomains(st, included)
	if err != nil {
		return Snapshot{}, err
	}

	nodes := 0
	hexes := make([]string, 0, len(included))
	for _, d := range included {
		ds, _ := st.Domain(d)
		nodes += len(ds.Effects) + len(ds.Resources)
		hexes = append(hexes, d.Hex())
	}

	stored, compression := payload, CompressionNone
	name := PayloadFile
	if m.compress {
		if stored, err = gzipBytes(payload); err != nil {
			return Snapshot{}, err
		}
		compression, name = CompressionGzip, PayloadFileGzipped
	}

	snap := Snapshot{
		ID:              m.ids.Generate(),
		CreatedAt:       uint64(m.now().Unix()),
		Root:            root,
		ParentID:        parentID,
		Type:            typ,
		IncludedDomains: hexes,
		Metadata: Metadata{
			SizeBytes:         len(stored),
			DomainCount:       len(included),
			NodeCount:         nodes,
			IntegrityChecksum: Checksum(root, included),
			Compression:       compression,
			PayloadDigest:     ir.ObjectID(payload),
			DomainRoots:       leaves,
		},
	}
	meta, err := encode(snap)
	if err != nil {
		return Snapshot{}, err
	}

	dir := filepath.Join(m.dir, snap.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Snapshot{}, fault.Storage(false, "create snapshot %s", snap.ID).Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), stored, 0o644); err != nil {
		return Snapshot{}, fault.Storage(true, "write snapshot %s payload", snap.ID).Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), meta, 0o644); err != nil {
		return Snapshot{}, fault.Storage(true, "write snapshot %s metadata", snap.ID).Wrap(err)
	}

	m.logger.Info("snapshot written",
		"snapshot_id", snap.ID,
		"type", string(typ),
		"parent", parentID,
		"domains", len(included),
		"nodes", nodes,
		"root", root.Short(),
	)
	return snap, nil
}

// Load reads the metadata of snapshot id.
func (m *Manager) Load(id string) (Snapshot, error) {
	if id == "" || id != filepath.Base(id) {
		return Snapshot{}, fault.Validation("snapshot_id", "snapshot directory name", id, "invalid snapshot id %q", id).
			WithCode(CodeBadSnapshot)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, id, MetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, fault.Storage(false, "snapshot %s not found", id).
			WithCode(CodeSnapshotNotFound).
			WithContext("snapshot_id", id)
	}
	if err != nil {
		return Snapshot{}, fault.Storage(true, "read snapshot %s", id).Wrap(err)
	}
	var snap Snapshot
	if err := decodeStrict(data, &snap); err != nil {
		return Snapshot{}, err
	}
	if snap.ID != id {
		return Snapshot{}, fault.Validation("snapshot_id", id, snap.ID, "snapshot directory %s holds snapshot %s", id, snap.ID).
			WithCode(CodeBadSnapshot)
	}
	return snap, nil
}

// List returns every snapshot in the directory ordered by creation time,
// then id.
func (m *Manager) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fault.Storage(true, "list snapshots in %s", m.dir).Wrap(err)
	}
	var out []Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snap, err := m.Load(entry.Name())
		if fault.HasCode(err, CodeSnapshotNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return cmp.Or(cmp.Compare(a.CreatedAt, b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Chain walks parents from id. The result starts at id and ends at the
// first snapshot without a parent. Every incremental snapshot must have a
// parent that resolves, and the walk must end at a full or domain-specific
// snapshot.
func (m *Manager) Chain(id string) ([]Snapshot, error) {
	seen := make(map[string]bool)
	var chain []Snapshot
	for cur := id; ; {
		if seen[cur] {
			return nil, brokenChain("snapshot chain from %s loops at %s", id, cur)
		}
		seen[cur] = true

		snap, err := m.Load(cur)
		if err != nil {
			if len(chain) > 0 && fault.HasCode(err, CodeSnapshotNotFound) {
				return nil, brokenChain("snapshot %s: parent %s not found", chain[len(chain)-1].ID, cur).Wrap(err)
			}
			return nil, err
		}
		chain = append(chain, snap)

		switch {
		case snap.Type == TypeIncremental:
			if snap.ParentID == "" {
				return nil, brokenChain("incremental snapshot %s has no parent", snap.ID)
			}
			cur = snap.ParentID
		case snap.ParentID != "":
			return nil, brokenChain("%s snapshot %s has parent %s", snap.Type, snap.ID, snap.ParentID)
		default:
			return chain, nil
		}
	}
}

// Payload reads and decodes the domains stored by one snapshot, checking
// the payload digest.
func (m *Manager) Payload(snap Snapshot) (*State, error) {
	name := PayloadFile
	if snap.Metadata.Compression == CompressionGzip {
		name = PayloadFileGzipped
	}
	stored, err := os.ReadFile(filepath.Join(m.dir, snap.ID, name))
	if err != nil {
		return nil, fault.Storage(false, "read snapshot %s payload", snap.ID).Wrap(err)
	}
	payload := stored
	if snap.Metadata.Compression == CompressionGzip {
		if payload, err = gunzipBytes(stored); err != nil {
			return nil, err
		}
	}
	if got := ir.ObjectID(payload); got != snap.Metadata.PayloadDigest {
		return nil, fault.Storage(false, "snapshot %s payload digest %s does not match %s",
			snap.ID, got.Short(), snap.Metadata.PayloadDigest.Short()).WithCode(CodeBadSnapshot)
	}
	decoded, err := decodeExport(payload)
	if err != nil {
		return nil, err
	}
	st := NewState()
	for d, ds := range decoded {
		st.Put(d, ds)
	}
	return st, nil
}

// LoadState rebuilds the state recorded by snapshot id by applying its
// chain from the root snapshot forward.
func (m *Manager) LoadState(id string) (*State, error) {
	chain, err := m.Chain(id)
	if err != nil {
		return nil, err
	}
	st := NewState()
	for _, snap := range slices.Backward(chain) {
		part, err := m.Payload(snap)
		if err != nil {
			return nil, err
		}
		for _, d := range part.Domains() {
			ds, _ := part.Domain(d)
			st.Put(d, ds)
		}
	}
	return st, nil
}

func exportDomains(st *State, domains []ir.DomainID) ([]byte, error) {
	out := make(map[string]*DomainState, len(domains))
	for _, d := range domains {
		ds, ok := st.Domain(d)
		if !ok {
			return nil, fault.Validation("domain", "exported domain", string(d), "domain %s has no state", d).
				WithCode(CodeUnknownDomain)
		}
		out[d.Hex()] = ds
	}
	return encode(out)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Serialization("json", err)
	}
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fault.Serialization("gzip", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fault.Serialization("gzip", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Serialization("gzip", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fault.Serialization("gzip", err)
	}
	return out, nil
}

func brokenChain(format string, args ...any) *fault.Error {
	return fault.Validation("parent_snapshot_id", "resolvable parent", "", format, args...).
		WithCode(CodeBrokenChain)
}
