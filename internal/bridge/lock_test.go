package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

type fakeClock struct {
	now atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.now.Load()).UTC() }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func newTestLocks(clock *fakeClock) *LockManager {
	return NewLockManager(WithLockClock(clock.Now), WithAutoExpire(false), WithPollInterval(time.Millisecond))
}

func TestLockCompatibilityMatrix(t *testing.T) {
	tests := []struct {
		held, want LockType
		compatible bool
	}{
		{LockShared, LockShared, true},
		{LockShared, LockIntent, true},
		{LockIntent, LockShared, true},
		{LockIntent, LockIntent, true},
		{LockShared, LockExclusive, false},
		{LockExclusive, LockShared, false},
		{LockIntent, LockExclusive, false},
		{LockExclusive, LockIntent, false},
		{LockExclusive, LockExclusive, false},
	}
	res := ir.ObjectID([]byte("r"))

	for _, tt := range tests {
		t.Run(string(tt.held)+"/"+string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.compatible, Compatible(tt.want, tt.held))

			m := newTestLocks(newFakeClock())
			status, err := m.TryAcquire(LockRequest{Resource: res, Type: tt.held, Holder: "one"})
			require.NoError(t, err)
			require.Equal(t, LockAcquired, status)

			status, err = m.TryAcquire(LockRequest{Resource: res, Type: tt.want, Holder: "two"})
			require.NoError(t, err)
			if tt.compatible {
				assert.Equal(t, LockAcquired, status)
			} else {
				assert.Equal(t, LockUnavailable, status)
			}
		})
	}
}

func TestLockSameHolder(t *testing.T) {
	m := newTestLocks(newFakeClock())
	res := ir.ObjectID([]byte("r"))

	status, err := m.TryAcquire(LockRequest{Resource: res, Type: LockExclusive, Holder: "h"})
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, status)

	status, err = m.TryAcquire(LockRequest{Resource: res, Type: LockShared, Holder: "h"})
	require.NoError(t, err)
	assert.Equal(t, LockAlreadyHeld, status)
	assert.True(t, m.IsHeld(res, "h"))
}

func TestLockUpgrade(t *testing.T) {
	m := newTestLocks(newFakeClock())
	res := ir.ObjectID([]byte("r"))

	status, err := m.TryAcquire(LockRequest{Resource: res, Type: LockShared, Holder: "a"})
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, status)

	status, err = m.TryAcquire(LockRequest{Resource: res, Type: LockExclusive, Holder: "a"})
	require.NoError(t, err)
	assert.Equal(t, LockUpgraded, status)

	status, err = m.TryAcquire(LockRequest{Resource: res, Type: LockShared, Holder: "b"})
	require.NoError(t, err)
	assert.Equal(t, LockUnavailable, status)

	locks := m.Locks(res)
	require.Len(t, locks, 1)
	assert.Equal(t, "a", locks[0].Holder)
	assert.Equal(t, LockExclusive, locks[0].Type)
}

func TestLockUpgradeBlockedByOtherHolders(t *testing.T) {
	m := newTestLocks(newFakeClock())
	res := ir.ObjectID([]byte("r"))

	for _, h := range []string{"a", "b"} {
		status, err := m.TryAcquire(LockRequest{Resource: res, Type: LockShared, Holder: h})
		require.NoError(t, err)
		require.Equal(t, LockAcquired, status)
	}

	status, err := m.TryAcquire(LockRequest{Resource: res, Type: LockExclusive, Holder: "a"})
	require.NoError(t, err)
	assert.Equal(t, LockUnavailable, status)

	// Intent to shared is an upgrade too; it coexists with b.
	status, err = m.TryAcquire(LockRequest{Resource: res, Type: LockIntent, Holder: "c"})
	require.NoError(t, err)
	require.Equal(t, LockAcquired, status)
	status, err = m.TryAcquire(LockRequest{Resource: res, Type: LockShared, Holder: "c"})
	require.NoError(t, err)
	assert.Equal(t, LockUpgraded, status)

	for _, l := range m.Locks(res) {
		assert.Equal(t, LockShared, l.Type)
	}
}

func TestLockRejectsBadRequests(t *testing.T) {
	m := newTestLocks(newFakeClock())
	res := ir.ObjectID([]byte("r"))

	_, err := m.TryAcquire(LockRequest{Resource: res, Type: "bogus", Holder: "h"})
	assert.True(t, fault.HasCode(err, CodeInvalidLock))
	_, err = m.TryAcquire(LockRequest{Resource: res, Type: LockShared})
	assert.True(t, fault.HasCode(err, CodeInvalidLock))
}

func TestAcquireTimesOut(t *testing.T) {
	m := newTestLocks(newFakeClock())
	res := ir.ObjectID([]byte("r"))
	_, err := m.TryAcquire(LockRequest{Resource: res, Type: LockExclusive, Holder: "a"})
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), LockRequest{Resource: res, Type: LockShared, Holder: "b"}, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
	assert.True(t, fault.HasCode(err, CodeLockTimeout))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m := newTestLocks(newFakeClock())
	res := ir.ObjectID([]byte("r"))
	_, err := m.TryAcquire(LockRequest{Resource: res, Type: LockExclusive, Holder: "a"})
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = m.Release(res, "a")
	}()

	status, err := m.Acquire(context.Background(), LockRequest{Resource: res, Type: LockExclusive, Holder: "b"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, status)
}

func TestAcquireObservesCancellation(t *testing.T) {
	m := newTestLocks(newFakeClock())
	res := ir.ObjectID([]byte("r"))
	_, err := m.TryAcquire(LockRequest{Resource: res, Type: LockExclusive, Holder: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(ctx, LockRequest{Resource: res, Type: LockExclusive, Holder: "b"}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseUnknownLock(t *testing.T) {
	m := newTestLocks(newFakeClock())
	err := m.Release(ir.ObjectID([]byte("r")), "nobody")
	assert.True(t, fault.HasCode(err, CodeLockNotHeld))
}

func TestLockIndices(t *testing.T) {
	m := newTestLocks(newFakeClock())
	r1 := ir.ObjectID([]byte("r1"))
	r2 := ir.ObjectID([]byte("r2"))

	for _, req := range []LockRequest{
		{Resource: r1, Type: LockShared, Domain: "S", Holder: "e1", Transaction: "tx1"},
		{Resource: r2, Type: LockShared, Domain: "S", Holder: "e1", Transaction: "tx1"},
		{Resource: r1, Type: LockShared, Domain: "T", Holder: "e2", Transaction: "tx2"},
	} {
		status, err := m.TryAcquire(req)
		require.NoError(t, err)
		require.Equal(t, LockAcquired, status)
	}

	assert.Len(t, m.Locks(r1), 2)
	assert.Len(t, m.LocksByDomain("S"), 2)
	assert.Len(t, m.LocksByDomain("T"), 1)
	assert.Len(t, m.LocksByHolder("e1"), 2)
	assert.Len(t, m.LocksByTransaction("tx2"), 1)
	assert.Equal(t, LockStats{Held: 3, Resources: 2, Domains: 2, Holders: 2, Transactions: 2}, m.Stats())

	assert.Equal(t, 2, m.ReleaseTransaction("tx1"))
	assert.Empty(t, m.LocksByHolder("e1"))
	assert.Empty(t, m.LocksByDomain("S"))
	assert.Equal(t, LockStats{Held: 1, Resources: 1, Domains: 1, Holders: 1, Transactions: 1}, m.Stats())

	assert.Equal(t, 1, m.ReleaseHolder("e2"))
	assert.Equal(t, LockStats{}, m.Stats())
	assert.Equal(t, 0, m.ReleaseTransaction(""))
}

func TestHandleExpiredReleasesAndNotifies(t *testing.T) {
	clock := newFakeClock()
	m := newTestLocks(clock)
	res := ir.ObjectID([]byte("r"))

	var fired []Lock
	m.OnTimeout(res, func(l Lock) { fired = append(fired, l) })

	_, err := m.TryAcquire(LockRequest{Resource: res, Type: LockExclusive, Holder: "a", Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 0, m.HandleExpired(clock.Now()))
	assert.False(t, m.CanAcquire(res, LockShared, "b"))

	clock.Advance(2 * time.Second)
	assert.True(t, m.CanAcquire(res, LockShared, "b"), "expired locks do not block")
	assert.False(t, m.IsHeld(res, "a"))

	assert.Equal(t, 1, m.HandleExpired(clock.Now()))
	require.Len(t, fired, 1)
	assert.Equal(t, "a", fired[0].Holder)
	assert.Empty(t, m.Locks(res))
	assert.Equal(t, 1, m.Stats().Expired)
}

func TestAutoExpireUsesTimer(t *testing.T) {
	m := NewLockManager()
	res := ir.ObjectID([]byte("r"))
	done := make(chan Lock, 1)
	m.OnTimeout(res, func(l Lock) { done <- l })

	_, err := m.TryAcquire(LockRequest{Resource: res, Type: LockExclusive, Holder: "a", Timeout: 5 * time.Millisecond})
	require.NoError(t, err)

	select {
	case l := <-done:
		assert.Equal(t, "a", l.Holder)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout handler was not invoked")
	}
	assert.Empty(t, m.Locks(res))
}
