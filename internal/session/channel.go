package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// Error codes for channel failures.
const (
	CodeChannelClosed     = "CHANNEL_CLOSED"
	CodeProtocolViolation = "SESSION_PROTOCOL_VIOLATION"
	CodeUnknownChannel    = "UNKNOWN_CHANNEL"
	CodeWouldBlock        = "WOULD_BLOCK"
)

// State is the lifecycle position of a channel endpoint.
type State string

const (
	StateOpen           State = "open"
	StateChoiceSelected State = "choice_selected"
	StateConsumed       State = "consumed"
)

// Message is an entry in an endpoint's queue: either a payload or the
// branch index chosen by the peer.
type Message struct {
	Choice  bool
	Branch  int
	Payload any
}

// Endpoint is one side of a channel pair. The peer is reached through the
// registry by id, never by pointer.
type Endpoint struct {
	ID       string
	PeerID   string
	Type     *Type
	State    State
	Selected int
	Queue    []Message
	Location ir.DomainID
}

// Registry owns channel pairs keyed by channel id.
//
// Recv and Offer never block: with the peer's message not yet queued they
// fail with CodeWouldBlock. RecvWait and OfferWait suspend until the peer
// acts or the context ends.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	next      int
	prefix    string
	changed   chan struct{} // closed and replaced whenever a queue grows
}

// NewRegistry returns an empty registry whose channel ids start with prefix.
func NewRegistry(prefix string) *Registry {
	if prefix == "" {
		prefix = "chan"
	}
	return &Registry{endpoints: make(map[string]*Endpoint), prefix: prefix, changed: make(chan struct{})}
}

// NewPair creates two dual endpoints. The first follows t, the second
// follows Dual(t).
func (r *Registry) NewPair(t *Type, location ir.DomainID) (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	a := fmt.Sprintf("%s-%d-a", r.prefix, r.next)
	b := fmt.Sprintf("%s-%d-b", r.prefix, r.next)
	r.endpoints[a] = &Endpoint{ID: a, PeerID: b, Type: t, State: StateOpen, Location: location}
	r.endpoints[b] = &Endpoint{ID: b, PeerID: a, Type: Dual(t), State: StateOpen, Location: location}
	return a, b
}

// Get returns a copy of the endpoint.
func (r *Registry) Get(id string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	cp := *ep
	cp.Queue = slices.Clone(ep.Queue)
	return cp, true
}

// Send enqueues v on the peer. payloadType must match the declared payload
// unless the protocol accepts any payload.
func (r *Registry) Send(id, payloadType string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	self, peer, err := r.pair(id)
	if err != nil {
		return err
	}
	cur := Unfold(self.Type)
	if cur.Kind != KindSend {
		return violation(id, cur.Kind.String(), "send")
	}
	if cur.Payload != AnyPayload && payloadType != AnyPayload && cur.Payload != payloadType {
		return violation(id, "send "+cur.Payload, "send "+payloadType)
	}

	peer.Queue = append(peer.Queue, Message{Payload: v})
	self.Type = cur.Next
	peer.Type = Unfold(peer.Type).Next
	r.consumeIfDone(self, peer)
	r.notifyLocked()
	return nil
}

// Recv dequeues the next payload sent by the peer.
func (r *Registry) Recv(id string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	self, peer, err := r.pair(id)
	if err != nil {
		return nil, err
	}
	if len(self.Queue) == 0 {
		if Unfold(self.Type).Kind == KindRecv {
			return nil, wouldBlock(id, "recv")
		}
		return nil, violation(id, "message from peer", "empty queue")
	}
	msg := self.Queue[0]
	if msg.Choice {
		return nil, violation(id, "offer", "recv")
	}
	self.Queue = self.Queue[1:]
	r.consumeIfDone(self, peer)
	return msg.Payload, nil
}

// Select picks branch k and notifies the peer.
func (r *Registry) Select(id string, k int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	self, peer, err := r.pair(id)
	if err != nil {
		return err
	}
	if len(self.Queue) > 0 {
		return violation(id, "recv", "select")
	}
	cur := Unfold(self.Type)
	if cur.Kind != KindSelect {
		return violation(id, cur.Kind.String(), "select")
	}
	if k < 0 || k >= len(cur.Branches) {
		return violation(id, fmt.Sprintf("branch in [0,%d)", len(cur.Branches)), fmt.Sprintf("branch %d", k))
	}

	peer.Queue = append(peer.Queue, Message{Choice: true, Branch: k})
	peer.State = StateChoiceSelected
	peer.Selected = k
	self.Type = cur.Branches[k].Type
	peer.Type = Unfold(peer.Type).Branches[k].Type
	r.consumeIfDone(self, peer)
	r.notifyLocked()
	return nil
}

// Offer returns the branch chosen by the peer.
func (r *Registry) Offer(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	self, peer, err := r.pair(id)
	if err != nil {
		return 0, err
	}
	if self.State != StateChoiceSelected && len(self.Queue) == 0 && Unfold(self.Type).Kind == KindOffer {
		return 0, wouldBlock(id, "offer")
	}
	if self.State != StateChoiceSelected || len(self.Queue) == 0 || !self.Queue[0].Choice {
		return 0, violation(id, "choice_selected", string(self.State))
	}
	k := self.Queue[0].Branch
	self.Queue = self.Queue[1:]
	self.State = StateOpen
	r.consumeIfDone(self, peer)
	return k, nil
}

// Close consumes both endpoints. The protocol must be at End with no
// undelivered messages on either side.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	self, peer, err := r.pair(id)
	if err != nil {
		return err
	}
	if !IsEnd(self.Type) {
		return violation(id, "end", Unfold(self.Type).Kind.String())
	}
	if len(self.Queue) > 0 || len(peer.Queue) > 0 {
		return violation(id, "empty queues", "pending messages")
	}
	self.State = StateConsumed
	peer.State = StateConsumed
	r.notifyLocked()
	return nil
}

// RecvWait is Recv that suspends while the peer has sent nothing.
func (r *Registry) RecvWait(ctx context.Context, id string) (any, error) {
	for {
		ch := r.waitCh()
		v, err := r.Recv(id)
		if !IsWouldBlock(err) {
			return v, err
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ch:
		}
	}
}

// OfferWait is Offer that suspends until the peer selects a branch.
func (r *Registry) OfferWait(ctx context.Context, id string) (int, error) {
	for {
		ch := r.waitCh()
		k, err := r.Offer(id)
		if !IsWouldBlock(err) {
			return k, err
		}
		select {
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		case <-ch:
		}
	}
}

// IsWouldBlock reports whether err means the peer has not acted yet.
func IsWouldBlock(err error) bool {
	return fault.HasCode(err, CodeWouldBlock)
}

func (r *Registry) waitCh() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// notifyLocked wakes every waiter. Caller holds the lock.
func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Consumed reports whether the endpoint exists and has been consumed.
func (r *Registry) Consumed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	return ok && ep.State == StateConsumed
}

// Open returns the number of endpoints not yet consumed.
func (r *Registry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ep := range r.endpoints {
		if ep.State != StateConsumed {
			n++
		}
	}
	return n
}

func (r *Registry) pair(id string) (*Endpoint, *Endpoint, error) {
	self, ok := r.endpoints[id]
	if !ok {
		return nil, nil, fault.Validation("channel", "known channel", id, "unknown channel %s", id).
			WithCode(CodeUnknownChannel)
	}
	if self.State == StateConsumed {
		return nil, nil, Closed(id)
	}
	return self, r.endpoints[self.PeerID], nil
}

// consumeIfDone consumes both endpoints once the protocol has reached End on
// both sides and every message has been delivered.
func (r *Registry) consumeIfDone(self, peer *Endpoint) {
	if IsEnd(self.Type) && IsEnd(peer.Type) && len(self.Queue) == 0 && len(peer.Queue) == 0 {
		self.State = StateConsumed
		peer.State = StateConsumed
	}
}

// Closed is the error for any operation on a consumed channel.
func Closed(id string) error {
	return fault.Validation("channel", string(StateOpen), string(StateConsumed),
		"channel %s is closed", id).WithCode(CodeChannelClosed)
}

func wouldBlock(id, op string) error {
	return fault.Validation("session", "message from peer", "empty queue",
		"channel %s: %s would block", id, op).WithCode(CodeWouldBlock)
}

func violation(id, expected, actual string) error {
	return fault.Validation("session", expected, actual,
		"channel %s: protocol expected %s, got %s", id, expected, actual).WithCode(CodeProtocolViolation)
}
