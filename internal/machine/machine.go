// Package machine is the linear register machine.
//
// A Machine holds typed registers addressed by content id. Linear registers
// can be consumed exactly once; consumption is tracked in a bitmap indexed by
// allocation order and published to a NullifierSet that may be shared across
// machines. Destructuring a tensor or sum consumes the parent and allocates
// fresh registers for the parts. Session channels live in a session.Registry
// and carry machine values.
//
// A Machine is entered by one goroutine per run and is not safe for
// concurrent use.
package machine

import (
	"context"
	"log/slog"

	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/session"
	"github.com/roach88/causality/internal/store"
)

// Register is one slot of the machine.
type Register struct {
	ID       ir.ContentID
	TypeName string
	Value    Value
	Linear   bool
}

// Stats is a point-in-time summary of a machine.
type Stats struct {
	Registers    int
	Consumed     int
	Available    int
	OpenChannels int
	Nullifiers   int
}

// Machine is a per-run register machine.
type Machine struct {
	domain     ir.DomainID
	scope      string
	cs         store.ContentStore
	nullifiers *NullifierSet
	channels   *session.Registry
	logger     *slog.Logger

	registers map[ir.ContentID]*Register
	index     map[ir.ContentID]int
	consumed  bitmap
	order     []ir.ContentID // consumption order
	seq       int64
}

// Option configures a Machine.
type Option func(*Machine)

// WithContentStore persists every allocated register's canonical bytes.
func WithContentStore(cs store.ContentStore) Option {
	return func(m *Machine) { m.cs = cs }
}

// WithNullifiers shares a nullifier set with other machines.
func WithNullifiers(ns *NullifierSet) Option {
	return func(m *Machine) { m.nullifiers = ns }
}

// WithChannels uses an existing channel registry.
func WithChannels(r *session.Registry) Option {
	return func(m *Machine) { m.channels = r }
}

// WithDomain sets the domain the machine runs in.
func WithDomain(d ir.DomainID) Option {
	return func(m *Machine) { m.domain = d }
}

// WithScope names the run that owns the machine. The scope is part of every
// allocation record, so machines with different scopes never mint the same id.
func WithScope(scope string) Option {
	return func(m *Machine) { m.scope = scope }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New creates an empty machine.
func New(opts ...Option) *Machine {
	m := &Machine{
		registers: make(map[ir.ContentID]*Register),
		index:     make(map[ir.ContentID]int),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.nullifiers == nil {
		m.nullifiers = NewNullifierSet()
	}
	if m.channels == nil {
		m.channels = session.NewRegistry("chan")
	}
	return m
}

// Allocate stores v in a fresh linear register. A non-empty typ must match
// v's type.
func (m *Machine) Allocate(ctx context.Context, typ string, v Value) (ir.ContentID, error) {
	return m.allocate(ctx, typ, v, true)
}

// AllocateShared stores v in a fresh register that may be read any number of
// times but never consumed.
func (m *Machine) AllocateShared(ctx context.Context, typ string, v Value) (ir.ContentID, error) {
	return m.allocate(ctx, typ, v, false)
}

func (m *Machine) allocate(ctx context.Context, typ string, v Value, linear bool) (ir.ContentID, error) {
	if v == nil {
		return ir.ZeroID, TypeMismatch(typ, "nil")
	}
	if typ == "" {
		typ = v.TypeName()
	}
	if typ != v.TypeName() {
		return ir.ZeroID, TypeMismatch(typ, v.TypeName())
	}

	m.seq++
	record := ir.Object{
		"type":   ir.String(typ),
		"value":  ToIR(v),
		"seq":    ir.Int(m.seq),
		"domain": ir.String(m.domain),
		"linear": ir.Bool(linear),
	}
	if m.scope != "" {
		record["scope"] = ir.String(m.scope)
	}
	var (
		id  ir.ContentID
		err error
	)
	if m.cs != nil {
		id, err = store.StoreValue(ctx, m.cs, record)
	} else {
		_, id, err = ir.Canonicalize(record)
	}
	if err != nil {
		return ir.ZeroID, err
	}

	m.insert(&Register{ID: id, TypeName: typ, Value: v, Linear: linear})
	return id, nil
}

// Load places an existing resource in a register under its own id. Loading
// an id that is already present is a no-op.
func (m *Machine) Load(id ir.ContentID, typ string, v Value, linear bool) error {
	if _, ok := m.registers[id]; ok {
		return nil
	}
	if typ == "" {
		typ = v.TypeName()
	}
	m.insert(&Register{ID: id, TypeName: typ, Value: v, Linear: linear})
	return nil
}

func (m *Machine) insert(r *Register) {
	m.index[r.ID] = len(m.registers)
	m.registers[r.ID] = r
	m.consumed.grow(len(m.registers))
}

// Peek returns the value of id without consuming it.
func (m *Machine) Peek(id ir.ContentID) (Value, error) {
	r, err := m.live(id)
	if err != nil {
		return nil, err
	}
	return r.Value, nil
}

// Register returns the register for id, consumed or not.
func (m *Machine) Register(id ir.ContentID) (Register, bool) {
	r, ok := m.registers[id]
	if !ok {
		return Register{}, false
	}
	return *r, true
}

// Consume moves the value out of a linear register. The register's
// nullifier is published before the value is returned.
func (m *Machine) Consume(id ir.ContentID) (Value, error) {
	r, err := m.live(id)
	if err != nil {
		return nil, err
	}
	if !r.Linear {
		return nil, TypeMismatch("linear", "shared")
	}
	if _, err := m.nullifiers.Spend(id); err != nil {
		m.consumed.set(m.index[id])
		return nil, err
	}
	m.consumed.set(m.index[id])
	m.order = append(m.order, id)
	m.logger.Debug("register consumed", "id", id.Short(), "type", r.TypeName)
	return r.Value, nil
}

// CanConsume returns the error ConsumeAll would fail with for ids, or nil.
// It changes nothing.
func (m *Machine) CanConsume(ids []ir.ContentID) error {
	seen := make(map[ir.ContentID]bool, len(ids))
	for _, id := range ids {
		r, err := m.live(id)
		if err != nil {
			return err
		}
		if !r.Linear {
			return TypeMismatch("linear", "shared")
		}
		if seen[id] || m.nullifiers.Spent(id) {
			return AlreadyConsumed(id)
		}
		seen[id] = true
	}
	return nil
}

// ConsumeAll consumes every id or none of them. A register whose nullifier
// was already published elsewhere is marked consumed; the others stay
// available.
func (m *Machine) ConsumeAll(ids []ir.ContentID) ([]Value, error) {
	if err := m.CanConsume(ids); err != nil {
		return nil, err
	}
	if _, err := m.nullifiers.SpendAll(ids); err != nil {
		for _, id := range ids {
			if m.nullifiers.Spent(id) {
				m.consumed.set(m.index[id])
			}
		}
		return nil, err
	}
	out := make([]Value, len(ids))
	for i, id := range ids {
		r := m.registers[id]
		m.consumed.set(m.index[id])
		m.order = append(m.order, id)
		m.logger.Debug("register consumed", "id", id.Short(), "type", r.TypeName)
		out[i] = r.Value
	}
	return out, nil
}

// IsAvailable reports whether id exists and has not been consumed.
func (m *Machine) IsAvailable(id ir.ContentID) bool {
	_, err := m.live(id)
	return err == nil
}

// DestructureTensor consumes a tensor and allocates its two halves.
func (m *Machine) DestructureTensor(ctx context.Context, id ir.ContentID) (ir.ContentID, ir.ContentID, error) {
	v, err := m.Peek(id)
	if err != nil {
		return ir.ZeroID, ir.ZeroID, err
	}
	t, ok := v.(Tensor)
	if !ok {
		return ir.ZeroID, ir.ZeroID, TypeMismatch("tensor", v.TypeName())
	}
	if _, err := m.Consume(id); err != nil {
		return ir.ZeroID, ir.ZeroID, err
	}
	left, err := m.Allocate(ctx, "", t.Left)
	if err != nil {
		return ir.ZeroID, ir.ZeroID, err
	}
	right, err := m.Allocate(ctx, "", t.Right)
	if err != nil {
		return ir.ZeroID, ir.ZeroID, err
	}
	return left, right, nil
}

// DestructureSum consumes a sum and allocates its payload. The tag is
// returned so the caller can branch on it.
func (m *Machine) DestructureSum(ctx context.Context, id ir.ContentID) (string, ir.ContentID, error) {
	v, err := m.Peek(id)
	if err != nil {
		return "", ir.ZeroID, err
	}
	s, ok := v.(Sum)
	if !ok {
		return "", ir.ZeroID, TypeMismatch("sum", v.TypeName())
	}
	if _, err := m.Consume(id); err != nil {
		return "", ir.ZeroID, err
	}
	inner, err := m.Allocate(ctx, "", s.Value)
	if err != nil {
		return "", ir.ZeroID, err
	}
	return s.Tag, inner, nil
}

// ConsumedIDs returns the registers consumed by this machine in order.
func (m *Machine) ConsumedIDs() []ir.ContentID {
	return append([]ir.ContentID(nil), m.order...)
}

// Nullifiers returns the set the machine publishes to.
func (m *Machine) Nullifiers() *NullifierSet {
	return m.nullifiers
}

// Stats returns a summary of the machine.
func (m *Machine) Stats() Stats {
	consumed := m.consumed.count()
	return Stats{
		Registers:    len(m.registers),
		Consumed:     consumed,
		Available:    len(m.registers) - consumed,
		OpenChannels: m.channels.Open(),
		Nullifiers:   m.nullifiers.Len(),
	}
}

// live returns the register for id if it exists and is not consumed.
func (m *Machine) live(id ir.ContentID) (*Register, error) {
	r, ok := m.registers[id]
	if !ok {
		return nil, unknownRegister(id)
	}
	if m.consumed.get(m.index[id]) {
		return nil, AlreadyConsumed(id)
	}
	return r, nil
}

// bitmap is a growable bit set.
type bitmap []uint64

func (b *bitmap) grow(n int) {
	for len(*b)*64 < n {
		*b = append(*b, 0)
	}
}

func (b bitmap) set(i int) {
	b[i/64] |= 1 << (uint(i) % 64)
}

func (b bitmap) get(i int) bool {
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

func (b bitmap) count() int {
	n := 0
	for _, w := range b {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}
