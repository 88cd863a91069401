package bridge

import (
	"context"
	"sync"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// CodeAccessDenied marks operations refused by a Validator.
const CodeAccessDenied = "ACCESS_DENIED"

// Operation names a bridge operation for validation.
type Operation string

const (
	OpStore    Operation = "store"
	OpRetrieve Operation = "retrieve"
	OpTransfer Operation = "transfer"
	OpVerify   Operation = "verify"
)

// Validator decides whether an operation may touch resource in domain.
// Transfers are validated once per endpoint.
type Validator interface {
	ValidateOperation(ctx context.Context, op Operation, resource ir.ContentID, domain ir.DomainID) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, op Operation, resource ir.ContentID, domain ir.DomainID) error

func (f ValidatorFunc) ValidateOperation(ctx context.Context, op Operation, resource ir.ContentID, domain ir.DomainID) error {
	return f(ctx, op, resource, domain)
}

// AllowAll permits every operation.
func AllowAll() Validator {
	return ValidatorFunc(func(context.Context, Operation, ir.ContentID, ir.DomainID) error { return nil })
}

// Denied builds the Permission error returned for a refused operation.
func Denied(op Operation, domain ir.DomainID, reason string) error {
	return fault.Permission(string(op)+"@"+string(domain), "denied",
		"%s in domain %s denied: %s", op, domain, reason).
		WithCode(CodeAccessDenied)
}

// Policy is a Validator driven by per-domain allow lists. Domains without
// an entry permit every operation unless the policy is strict.
type Policy struct {
	mu     sync.RWMutex
	strict bool
	allow  map[ir.DomainID]map[Operation]bool
}

// NewPolicy creates a Policy. A strict policy denies domains it has no
// entry for.
func NewPolicy(strict bool) *Policy {
	return &Policy{strict: strict, allow: make(map[ir.DomainID]map[Operation]bool)}
}

// Allow permits ops in domain, replacing any earlier entry.
func (p *Policy) Allow(domain ir.DomainID, ops ...Operation) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	p.allow[domain] = set
	return p
}

// Deny forbids every operation in domain.
func (p *Policy) Deny(domain ir.DomainID) *Policy {
	return p.Allow(domain)
}

func (p *Policy) ValidateOperation(_ context.Context, op Operation, _ ir.ContentID, domain ir.DomainID) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.allow[domain]
	if !ok {
		if p.strict {
			return Denied(op, domain, "domain not configured")
		}
		return nil
	}
	if !set[op] {
		return Denied(op, domain, "operation not allowed")
	}
	return nil
}
