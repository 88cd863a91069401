package bridge

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/metrics"
)

// Lock error codes.
const (
	CodeLockTimeout = "LOCK_TIMEOUT"
	CodeLockNotHeld = "LOCK_NOT_HELD"
	CodeInvalidLock = "INVALID_LOCK"
)

// LockType is the mode of a cross-domain lock.
type LockType string

const (
	LockExclusive LockType = "exclusive"
	LockShared    LockType = "shared"
	LockIntent    LockType = "intent"
)

// Compatible reports whether a lock of type a may coexist with one of type b
// held by another holder. Exclusive conflicts with everything; shared and
// intent locks coexist.
func Compatible(a, b LockType) bool {
	return a != LockExclusive && b != LockExclusive
}

// LockStatus is the result of a non-blocking acquisition attempt.
type LockStatus string

const (
	LockAcquired    LockStatus = "acquired"
	LockUpgraded    LockStatus = "upgraded"
	LockAlreadyHeld LockStatus = "already_held"
	LockUnavailable LockStatus = "unavailable"
)

// strength orders lock types for upgrades: intent < shared < exclusive.
func strength(t LockType) int {
	switch t {
	case LockIntent:
		return 1
	case LockShared:
		return 2
	case LockExclusive:
		return 3
	}
	return 0
}

// Lock is a held cross-domain lock.
type Lock struct {
	ID          string        `json:"id"`
	Resource    ir.ContentID  `json:"resource"`
	Type        LockType      `json:"type"`
	Domain      ir.DomainID   `json:"domain,omitempty"`
	Holder      string        `json:"holder"`
	Transaction string        `json:"transaction,omitempty"`
	AcquiredAt  time.Time     `json:"acquired_at"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Expired reports whether the lock's timeout has elapsed at now. Locks
// without a timeout never expire.
func (l Lock) Expired(now time.Time) bool {
	return l.Timeout > 0 && now.Sub(l.AcquiredAt) > l.Timeout
}

// LockRequest describes a lock to acquire. Timeout bounds how long the lock
// may be held once acquired.
type LockRequest struct {
	Resource    ir.ContentID
	Type        LockType
	Domain      ir.DomainID
	Holder      string
	Transaction string
	Timeout     time.Duration
}

// TimeoutHandler is invoked with a lock released because it expired.
type TimeoutHandler func(Lock)

// LockStats summarizes the lock table.
type LockStats struct {
	Held         int `json:"held"`
	Resources    int `json:"resources"`
	Domains      int `json:"domains"`
	Holders      int `json:"holders"`
	Transactions int `json:"transactions"`
	Expired      int `json:"expired_total"`
}

// LockManager tracks cross-domain locks with indices by resource, domain,
// holder and transaction.
//
// Thread-safety: all methods are safe for concurrent use. Timeout handlers
// run without the manager's lock held.
type LockManager struct {
	mu sync.Mutex

	locks         map[ir.ContentID][]*Lock
	byDomain      map[ir.DomainID]map[ir.ContentID]struct{}
	byHolder      map[string]map[ir.ContentID]struct{}
	byTransaction map[string]map[ir.ContentID]struct{}

	handlers map[ir.ContentID][]TimeoutHandler
	timers   map[string]*time.Timer
	expired  int

	now          func() time.Time
	pollInterval time.Duration
	autoExpire   bool
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// LockOption configures a LockManager.
type LockOption func(*LockManager)

// WithLockClock sets the time source used for acquisition times and expiry.
func WithLockClock(now func() time.Time) LockOption {
	return func(m *LockManager) {
		m.now = now
	}
}

// WithPollInterval sets how often Acquire retries an unavailable lock.
func WithPollInterval(d time.Duration) LockOption {
	return func(m *LockManager) {
		m.pollInterval = d
	}
}

// WithAutoExpire controls whether locks with a timeout are released by a
// timer. When disabled, callers sweep with HandleExpired.
func WithAutoExpire(enabled bool) LockOption {
	return func(m *LockManager) {
		m.autoExpire = enabled
	}
}

// WithLockLogger sets the logger.
func WithLockLogger(l *slog.Logger) LockOption {
	return func(m *LockManager) {
		m.logger = l
	}
}

// WithLockMetrics records held-lock and timeout metrics.
func WithLockMetrics(mt *metrics.Metrics) LockOption {
	return func(m *LockManager) {
		m.metrics = mt
	}
}

// NewLockManager creates an empty lock table.
func NewLockManager(opts ...LockOption) *LockManager {
	m := &LockManager{
		locks:         make(map[ir.ContentID][]*Lock),
		byDomain:      make(map[ir.DomainID]map[ir.ContentID]struct{}),
		byHolder:      make(map[string]map[ir.ContentID]struct{}),
		byTransaction: make(map[string]map[ir.ContentID]struct{}),
		handlers:      make(map[ir.ContentID][]TimeoutHandler),
		timers:        make(map[string]*time.Timer),
		now:           time.Now,
		pollInterval:  50 * time.Millisecond,
		autoExpire:    true,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire attempts to take the lock without waiting.
func (m *LockManager) TryAcquire(req LockRequest) (LockStatus, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held := m.heldLocked(req.Resource, req.Holder, now); held != nil {
		if strength(req.Type) <= strength(held.Type) {
			return LockAlreadyHeld, nil
		}
		if !m.canAcquireLocked(req.Resource, req.Type, req.Holder, now) {
			return LockUnavailable, nil
		}
		m.logger.Debug("lock upgraded",
			"resource", held.Resource.Short(),
			"from", held.Type,
			"to", req.Type,
			"holder", held.Holder,
		)
		held.Type = req.Type
		return LockUpgraded, nil
	}
	if !m.canAcquireLocked(req.Resource, req.Type, req.Holder, now) {
		return LockUnavailable, nil
	}

	l := &Lock{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Resource:    req.Resource,
		Type:        req.Type,
		Domain:      req.Domain,
		Holder:      req.Holder,
		Transaction: req.Transaction,
		AcquiredAt:  now,
		Timeout:     req.Timeout,
	}
	m.addLocked(l)
	if l.Timeout > 0 && m.autoExpire {
		m.timers[l.ID] = time.AfterFunc(l.Timeout+time.Millisecond, func() {
			m.HandleExpired(m.now())
		})
	}
	m.logger.Debug("lock acquired",
		"resource", l.Resource.Short(),
		"type", l.Type,
		"domain", l.Domain,
		"holder", l.Holder,
	)
	return LockAcquired, nil
}

// Acquire takes the lock, polling until it becomes available, wait elapses
// or ctx is done. A zero wait tries once. On timeout it returns a Timeout
// error with code LOCK_TIMEOUT.
func (m *LockManager) Acquire(ctx context.Context, req LockRequest, wait time.Duration) (LockStatus, error) {
	start := time.Now()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		status, err := m.TryAcquire(req)
		if err != nil || status != LockUnavailable {
			return status, err
		}
		elapsed := time.Since(start)
		if elapsed >= wait {
			return LockUnavailable, fault.Timeout("acquire lock", elapsed, wait).
				WithCode(CodeLockTimeout).
				WithContext("resource", req.Resource.String())
		}
		select {
		case <-ctx.Done():
			return LockUnavailable, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// Release drops the lock holder holds on resource.
func (m *LockManager) Release(resource ir.ContentID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.locks[resource] {
		if l.Holder == holder {
			m.removeLocked(l)
			return nil
		}
	}
	return fault.Validation("lock", "held lock", "none",
		"no lock on %s held by %s", resource.Short(), holder).WithCode(CodeLockNotHeld)
}

// ReleaseHolder drops every lock held by holder and returns how many.
func (m *LockManager) ReleaseHolder(holder string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseWhereLocked(func(l *Lock) bool { return l.Holder == holder })
}

// ReleaseTransaction drops every lock taken under tx and returns how many.
func (m *LockManager) ReleaseTransaction(tx string) int {
	if tx == "" {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseWhereLocked(func(l *Lock) bool { return l.Transaction == tx })
}

func (m *LockManager) releaseWhereLocked(match func(*Lock) bool) int {
	var doomed []*Lock
	for _, ls := range m.locks {
		for _, l := range ls {
			if match(l) {
				doomed = append(doomed, l)
			}
		}
	}
	for _, l := range doomed {
		m.removeLocked(l)
	}
	return len(doomed)
}

// IsHeld reports whether holder holds an unexpired lock on resource.
func (m *LockManager) IsHeld(resource ir.ContentID, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heldLocked(resource, holder, m.now()) != nil
}

// CanAcquire reports whether holder could take a lock of type typ now.
func (m *LockManager) CanAcquire(resource ir.ContentID, typ LockType, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canAcquireLocked(resource, typ, holder, m.now())
}

// OnTimeout registers h for locks on resource that expire.
func (m *LockManager) OnTimeout(resource ir.ContentID, h TimeoutHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[resource] = append(m.handlers[resource], h)
}

// HandleExpired releases every lock expired at now, invokes the registered
// timeout handlers and returns the number released.
func (m *LockManager) HandleExpired(now time.Time) int {
	type firing struct {
		lock     Lock
		handlers []TimeoutHandler
	}

	m.mu.Lock()
	var fired []firing
	for _, ls := range m.locks {
		for _, l := range ls {
			if l.Expired(now) {
				fired = append(fired, firing{lock: *l, handlers: slices.Clone(m.handlers[l.Resource])})
			}
		}
	}
	for _, f := range fired {
		for _, l := range m.locks[f.lock.Resource] {
			if l.ID == f.lock.ID {
				m.removeLocked(l)
				break
			}
		}
	}
	m.expired += len(fired)
	m.mu.Unlock()

	for _, f := range fired {
		m.logger.Warn("lock expired",
			"resource", f.lock.Resource.Short(),
			"holder", f.lock.Holder,
			"timeout", f.lock.Timeout,
		)
		m.metrics.LockTimedOut()
		for _, h := range f.handlers {
			h(f.lock)
		}
	}
	return len(fired)
}

// Locks returns the locks on resource.
func (m *LockManager) Locks(resource ir.ContentID) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked(m.locks[resource], func(*Lock) bool { return true })
}

// LocksByDomain returns the locks taken in domain.
func (m *LockManager) LocksByDomain(domain ir.DomainID) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(m.byDomain[domain], func(l *Lock) bool { return l.Domain == domain })
}

// LocksByHolder returns the locks held by holder.
func (m *LockManager) LocksByHolder(holder string) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(m.byHolder[holder], func(l *Lock) bool { return l.Holder == holder })
}

// LocksByTransaction returns the locks taken under tx.
func (m *LockManager) LocksByTransaction(tx string) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(m.byTransaction[tx], func(l *Lock) bool { return l.Transaction == tx })
}

// Stats summarizes the lock table.
func (m *LockManager) Stats() LockStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := LockStats{
		Resources:    len(m.locks),
		Domains:      len(m.byDomain),
		Holders:      len(m.byHolder),
		Transactions: len(m.byTransaction),
		Expired:      m.expired,
	}
	for _, ls := range m.locks {
		s.Held += len(ls)
	}
	return s
}

func (m *LockManager) heldLocked(resource ir.ContentID, holder string, now time.Time) *Lock {
	for _, l := range m.locks[resource] {
		if l.Holder == holder && !l.Expired(now) {
			return l
		}
	}
	return nil
}

func (m *LockManager) canAcquireLocked(resource ir.ContentID, typ LockType, holder string, now time.Time) bool {
	for _, l := range m.locks[resource] {
		if l.Expired(now) || l.Holder == holder {
			continue
		}
		if !Compatible(typ, l.Type) {
			return false
		}
	}
	return true
}

func (m *LockManager) addLocked(l *Lock) {
	m.locks[l.Resource] = append(m.locks[l.Resource], l)
	if l.Domain != "" {
		index(m.byDomain, l.Domain, l.Resource)
	}
	index(m.byHolder, l.Holder, l.Resource)
	if l.Transaction != "" {
		index(m.byTransaction, l.Transaction, l.Resource)
	}
	m.metrics.SetLocksHeld(m.countLocked())
}

func (m *LockManager) removeLocked(target *Lock) {
	ls := slices.DeleteFunc(m.locks[target.Resource], func(l *Lock) bool { return l == target })
	if len(ls) == 0 {
		delete(m.locks, target.Resource)
	} else {
		m.locks[target.Resource] = ls
	}

	stillIn := func(match func(*Lock) bool) bool { return slices.ContainsFunc(ls, match) }
	if target.Domain != "" && !stillIn(func(l *Lock) bool { return l.Domain == target.Domain }) {
		unindex(m.byDomain, target.Domain, target.Resource)
	}
	if !stillIn(func(l *Lock) bool { return l.Holder == target.Holder }) {
		unindex(m.byHolder, target.Holder, target.Resource)
	}
	if target.Transaction != "" && !stillIn(func(l *Lock) bool { return l.Transaction == target.Transaction }) {
		unindex(m.byTransaction, target.Transaction, target.Resource)
	}

	if t, ok := m.timers[target.ID]; ok {
		t.Stop()
		delete(m.timers, target.ID)
	}
	m.metrics.SetLocksHeld(m.countLocked())
}

func (m *LockManager) countLocked() int {
	n := 0
	for _, ls := range m.locks {
		n += len(ls)
	}
	return n
}

// collectLocked returns matching locks on the indexed resources, ordered by
// resource id then acquisition.
func (m *LockManager) collectLocked(resources map[ir.ContentID]struct{}, match func(*Lock) bool) []Lock {
	ids := make([]ir.ContentID, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	out := []Lock{}
	for _, id := range ir.SortIDs(ids) {
		out = append(out, m.copyLocked(m.locks[id], match)...)
	}
	return out
}

func (m *LockManager) copyLocked(ls []*Lock, match func(*Lock) bool) []Lock {
	out := []Lock{}
	for _, l := range ls {
		if match(l) {
			out = append(out, *l)
		}
	}
	return out
}

func index[K comparable](idx map[K]map[ir.ContentID]struct{}, key K, id ir.ContentID) {
	set, ok := idx[key]
	if !ok {
		set = make(map[ir.ContentID]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func unindex[K comparable](idx map[K]map[ir.ContentID]struct{}, key K, id ir.ContentID) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func validateRequest(req LockRequest) error {
	switch req.Type {
	case LockExclusive, LockShared, LockIntent:
	default:
		return fault.Validation("type", "exclusive|shared|intent", string(req.Type),
			"unknown lock type %q", req.Type).WithCode(CodeInvalidLock)
	}
	if req.Holder == "" {
		return fault.Validation("holder", "non-empty", "", "lock holder is required").WithCode(CodeInvalidLock)
	}
	return nil
}
