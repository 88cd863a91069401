package machine

import (
	"context"

	"github.com/roach88/causality/internal/session"
)

// NewChannel creates a dual channel pair following t and its dual.
func (m *Machine) NewChannel(t *session.Type) (ChannelRef, ChannelRef) {
	a, b := m.channels.NewPair(t, m.domain)
	return ChannelRef{ID: a}, ChannelRef{ID: b}
}

// Send transmits v on ch.
func (m *Machine) Send(ch ChannelRef, v Value) error {
	return m.channels.Send(ch.ID, v.TypeName(), v)
}

// Recv receives the next value sent by the peer of ch.
func (m *Machine) Recv(ch ChannelRef) (Value, error) {
	raw, err := m.channels.Recv(ch.ID)
	if err != nil {
		return nil, err
	}
	v, ok := raw.(Value)
	if !ok {
		return nil, TypeMismatch("machine value", "foreign payload")
	}
	return v, nil
}

// RecvWait is Recv that suspends until the peer sends, ch closes or ctx ends.
func (m *Machine) RecvWait(ctx context.Context, ch ChannelRef) (Value, error) {
	raw, err := m.channels.RecvWait(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	v, ok := raw.(Value)
	if !ok {
		return nil, TypeMismatch("machine value", "foreign payload")
	}
	return v, nil
}

// Select picks branch k of an internal choice on ch.
func (m *Machine) Select(ch ChannelRef, k int) error {
	return m.channels.Select(ch.ID, k)
}

// Offer returns the branch the peer of ch selected.
func (m *Machine) Offer(ch ChannelRef) (int, error) {
	return m.channels.Offer(ch.ID)
}

// OfferWait is Offer that suspends until the peer selects.
func (m *Machine) OfferWait(ctx context.Context, ch ChannelRef) (int, error) {
	return m.channels.OfferWait(ctx, ch.ID)
}

// Close consumes both endpoints of ch once its protocol is at End.
func (m *Machine) Close(ch ChannelRef) error {
	return m.channels.Close(ch.ID)
}

// ChannelState returns the endpoint state of ch.
func (m *Machine) ChannelState(ch ChannelRef) (session.State, bool) {
	ep, ok := m.channels.Get(ch.ID)
	if !ok {
		return "", false
	}
	return ep.State, true
}
