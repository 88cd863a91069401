// Package session implements binary session types and dual channel pairs.
//
// A Type describes one side of a protocol. Dual flips every action so the
// peer's view of the same protocol is obtained; a Registry holds channel
// pairs created as duals and enforces the protocol on every operation.
package session

import (
	"fmt"
	"strings"
)

// Kind is the head constructor of a session type.
type Kind int

const (
	KindEnd Kind = iota
	KindSend
	KindRecv
	KindSelect // internal choice: this side picks a branch
	KindOffer  // external choice: the peer picks a branch
	KindRec
	KindVar
)

func (k Kind) String() string {
	switch k {
	case KindEnd:
		return "end"
	case KindSend:
		return "send"
	case KindRecv:
		return "recv"
	case KindSelect:
		return "select"
	case KindOffer:
		return "offer"
	case KindRec:
		return "rec"
	case KindVar:
		return "var"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// AnyPayload accepts a message of any type.
const AnyPayload = "any"

// Type is an immutable session type.
type Type struct {
	Kind     Kind
	Payload  string   // Send, Recv
	Next     *Type    // Send, Recv
	Branches []Branch // Select, Offer
	Name     string   // Rec, Var
	Body     *Type    // Rec
}

// Branch is one labelled alternative of a choice.
type Branch struct {
	Label string
	Type  *Type
}

var endType = &Type{Kind: KindEnd}

// End terminates a protocol.
func End() *Type { return endType }

// Send sends a value of type payload and continues with next.
func Send(payload string, next *Type) *Type {
	return &Type{Kind: KindSend, Payload: payload, Next: next}
}

// Recv receives a value of type payload and continues with next.
func Recv(payload string, next *Type) *Type {
	return &Type{Kind: KindRecv, Payload: payload, Next: next}
}

// Select chooses one of branches.
func Select(branches ...Branch) *Type {
	return &Type{Kind: KindSelect, Branches: branches}
}

// Offer lets the peer choose one of branches.
func Offer(branches ...Branch) *Type {
	return &Type{Kind: KindOffer, Branches: branches}
}

// On builds a branch.
func On(label string, t *Type) Branch {
	return Branch{Label: label, Type: t}
}

// Rec binds name inside body for recursive protocols.
func Rec(name string, body *Type) *Type {
	return &Type{Kind: KindRec, Name: name, Body: body}
}

// Var refers to the nearest enclosing Rec with the same name.
func Var(name string) *Type {
	return &Type{Kind: KindVar, Name: name}
}

// Dual returns the peer's view of t.
func Dual(t *Type) *Type {
	if t == nil {
		return nil
	}
	switch t.Kind {
	case KindSend:
		return Recv(t.Payload, Dual(t.Next))
	case KindRecv:
		return Send(t.Payload, Dual(t.Next))
	case KindSelect:
		return Offer(dualBranches(t.Branches)...)
	case KindOffer:
		return Select(dualBranches(t.Branches)...)
	case KindRec:
		return Rec(t.Name, Dual(t.Body))
	}
	return t
}

func dualBranches(bs []Branch) []Branch {
	out := make([]Branch, len(bs))
	for i, b := range bs {
		out[i] = Branch{Label: b.Label, Type: Dual(b.Type)}
	}
	return out
}

// Unfold replaces leading Rec binders by one copy of their body so the
// result's head is an action or End.
func Unfold(t *Type) *Type {
	for t != nil && t.Kind == KindRec {
		t = subst(t.Body, t.Name, t)
	}
	return t
}

func subst(t *Type, name string, rec *Type) *Type {
	if t == nil {
		return nil
	}
	switch t.Kind {
	case KindVar:
		if t.Name == name {
			return rec
		}
		return t
	case KindSend, KindRecv:
		return &Type{Kind: t.Kind, Payload: t.Payload, Next: subst(t.Next, name, rec)}
	case KindSelect, KindOffer:
		bs := make([]Branch, len(t.Branches))
		for i, b := range t.Branches {
			bs[i] = Branch{Label: b.Label, Type: subst(b.Type, name, rec)}
		}
		return &Type{Kind: t.Kind, Branches: bs}
	case KindRec:
		if t.Name == name {
			return t
		}
		return Rec(t.Name, subst(t.Body, name, rec))
	}
	return t
}

// Equal reports structural equality.
func Equal(a, b *Type) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindSend, KindRecv:
		return a.Payload == b.Payload && Equal(a.Next, b.Next)
	case KindSelect, KindOffer:
		if len(a.Branches) != len(b.Branches) {
			return false
		}
		for i := range a.Branches {
			if a.Branches[i].Label != b.Branches[i].Label || !Equal(a.Branches[i].Type, b.Branches[i].Type) {
				return false
			}
		}
		return true
	case KindRec:
		return a.Name == b.Name && Equal(a.Body, b.Body)
	case KindVar:
		return a.Name == b.Name
	}
	return true
}

// IsEnd reports whether t is End after unfolding.
func IsEnd(t *Type) bool {
	u := Unfold(t)
	return u == nil || u.Kind == KindEnd
}

// String renders t as "!int.?bool.end", "+{a: end, b: end}" and so on.
func (t *Type) String() string {
	if t == nil {
		return "end"
	}
	switch t.Kind {
	case KindSend:
		return "!" + t.Payload + "." + t.Next.String()
	case KindRecv:
		return "?" + t.Payload + "." + t.Next.String()
	case KindSelect, KindOffer:
		sym := "+"
		if t.Kind == KindOffer {
			sym = "&"
		}
		parts := make([]string, len(t.Branches))
		for i, b := range t.Branches {
			parts[i] = b.Label + ": " + b.Type.String()
		}
		return sym + "{" + strings.Join(parts, ", ") + "}"
	case KindRec:
		return "rec " + t.Name + "." + t.Body.String()
	case KindVar:
		return t.Name
	}
	return "end"
}
