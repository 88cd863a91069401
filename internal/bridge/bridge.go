// Package bridge moves resource bytes between domains.
//
// A Bridge stores, retrieves, verifies and transfers resources held in a
// DomainStorage. Every operation is checked by a Validator for each domain
// it touches. Transfers lock the source (shared for copies, exclusive for
// moves), retrieve, store into the target and release the lock; a failed
// store releases the lock and reports MIGRATION_FAILED with no partial
// state left behind.
package bridge

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/metrics"
	"github.com/roach88/causality/internal/store"
)

// CodeMigrationFailed marks a transfer whose target side failed.
const CodeMigrationFailed = "MIGRATION_FAILED"

// Metadata keys written by the bridge.
const (
	MetaContentHash    = "content_hash"
	MetaSourceDomain   = "source_domain"
	MetaStrategy       = "strategy"
	MetaPartitionIndex = "partition_index"
	MetaPartitionCount = "partition_count"
)

// Bridge coordinates cross-domain resource operations.
type Bridge struct {
	storage   DomainStorage
	locks     *LockManager
	validator Validator

	breakerMu        sync.Mutex
	breakers         map[ir.DomainID]*fault.Breaker
	breakerThreshold int
	breakerCooldown  time.Duration

	lockWait    time.Duration
	lockTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLockManager shares a lock table between bridges or with a scheduler.
func WithLockManager(m *LockManager) Option {
	return func(b *Bridge) {
		b.locks = m
	}
}

// WithValidator sets the access validator. The default allows everything.
func WithValidator(v Validator) Option {
	return func(b *Bridge) {
		b.validator = v
	}
}

// WithBreaker sets the per-domain circuit breaker parameters.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(b *Bridge) {
		b.breakerThreshold = threshold
		b.breakerCooldown = cooldown
	}
}

// WithLockWait bounds how long Transfer waits for the source lock.
func WithLockWait(d time.Duration) Option {
	return func(b *Bridge) {
		b.lockWait = d
	}
}

// WithLockTimeout sets the timeout of locks taken by the bridge. Zero means
// locks never expire.
func WithLockTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.lockTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithMetrics records bridge operations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// New creates a Bridge over storage.
func New(storage DomainStorage, opts ...Option) *Bridge {
	b := &Bridge{
		storage:          storage,
		validator:        AllowAll(),
		breakers:         make(map[ir.DomainID]*fault.Breaker),
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
		lockWait:         5 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.locks == nil {
		b.locks = NewLockManager(WithLockLogger(b.logger), WithLockMetrics(b.metrics))
	}
	return b
}

// Locks returns the bridge's lock table.
func (b *Bridge) Locks() *LockManager {
	return b.locks
}

// Storage returns the backing storage.
func (b *Bridge) Storage() DomainStorage {
	return b.storage
}

func (b *Bridge) breaker(domain ir.DomainID) *fault.Breaker {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()
	br, ok := b.breakers[domain]
	if !ok {
		br = fault.NewBreaker(string(domain), b.breakerThreshold, b.breakerCooldown)
		b.breakers[domain] = br
	}
	return br
}

// BreakerState reports the circuit state for domain.
func (b *Bridge) BreakerState(domain ir.DomainID) fault.BreakerState {
	return b.breaker(domain).State()
}

// guard runs fn against domain's storage through its circuit breaker. A
// missing resource is an answer, not a storage failure.
func (b *Bridge) guard(domain ir.DomainID, fn func() error) error {
	br := b.breaker(domain)
	if err := br.Allow(); err != nil {
		return err
	}
	err := fn()
	if store.IsNotFound(err) {
		br.Record(nil)
	} else {
		br.Record(err)
	}
	return err
}

// Store writes data for resource into domain. The content hash of data is
// recorded in the metadata for Verify.
func (b *Bridge) Store(ctx context.Context, resource ir.ContentID, domain ir.DomainID, data []byte, md map[string]string) (err error) {
	defer func() { b.metrics.BridgeOp(string(OpStore), err) }()

	if err := b.validator.ValidateOperation(ctx, OpStore, resource, domain); err != nil {
		return err
	}
	return b.put(ctx, resource, domain, data, md)
}

func (b *Bridge) put(ctx context.Context, resource ir.ContentID, domain ir.DomainID, data []byte, md map[string]string) error {
	meta := maps.Clone(md)
	if meta == nil {
		meta = make(map[string]string)
	}
	meta[MetaContentHash] = ir.ObjectID(data).String()

	err := b.guard(domain, func() error {
		return b.storage.Put(ctx, domain, resource, Entry{Data: data, Metadata: meta})
	})
	if err != nil {
		return err
	}
	b.logger.Debug("resource stored", "resource", resource.Short(), "domain", domain, "bytes", len(data))
	return nil
}

// Retrieve reads resource from domain. A domain that does not hold the
// resource yields a NOT_FOUND error.
func (b *Bridge) Retrieve(ctx context.Context, resource ir.ContentID, domain ir.DomainID) (e Entry, err error) {
	defer func() { b.metrics.BridgeOp(string(OpRetrieve), err) }()

	if err := b.validator.ValidateOperation(ctx, OpRetrieve, resource, domain); err != nil {
		return Entry{}, err
	}
	err = b.guard(domain, func() error {
		var gerr error
		e, gerr = b.storage.Get(ctx, domain, resource)
		return gerr
	})
	return e, err
}

// Verify reports whether the bytes held by domain match their recorded
// content hash.
func (b *Bridge) Verify(ctx context.Context, resource ir.ContentID, domain ir.DomainID) (ok bool, err error) {
	defer func() { b.metrics.BridgeOp(string(OpVerify), err) }()

	if err := b.validator.ValidateOperation(ctx, OpVerify, resource, domain); err != nil {
		return false, err
	}
	var e Entry
	err = b.guard(domain, func() error {
		var gerr error
		e, gerr = b.storage.Get(ctx, domain, resource)
		return gerr
	})
	if err != nil {
		return false, err
	}
	want, recorded := e.Metadata[MetaContentHash]
	return recorded && want == ir.ObjectID(e.Data).String(), nil
}

// Lock takes a lock on resource in domain on behalf of holder.
func (b *Bridge) Lock(ctx context.Context, resource ir.ContentID, domain ir.DomainID, typ LockType, holder, tx string) error {
	_, err := b.locks.Acquire(ctx, LockRequest{
		Resource:    resource,
		Type:        typ,
		Domain:      domain,
		Holder:      holder,
		Transaction: tx,
		Timeout:     b.lockTimeout,
	}, b.lockWait)
	return err
}

// Unlock releases holder's lock on resource.
func (b *Bridge) Unlock(resource ir.ContentID, holder string) error {
	return b.locks.Release(resource, holder)
}

// Consume removes resource from domain once it has moved elsewhere.
func (b *Bridge) Consume(ctx context.Context, resource ir.ContentID, domain ir.DomainID) error {
	return b.guard(domain, func() error {
		return b.storage.Delete(ctx, domain, resource)
	})
}
