package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/metrics"
	"github.com/roach88/causality/internal/store"
)

// flakyStorage fails Put (or Delete) in one domain.
type flakyStorage struct {
	*MemoryStorage
	failPut    ir.DomainID
	failDelete ir.DomainID
	err        error
}

func (f *flakyStorage) Put(ctx context.Context, d ir.DomainID, id ir.ContentID, e Entry) error {
	if d == f.failPut {
		return f.err
	}
	return f.MemoryStorage.Put(ctx, d, id, e)
}

func (f *flakyStorage) Delete(ctx context.Context, d ir.DomainID, id ir.ContentID) error {
	if d == f.failDelete {
		return f.err
	}
	return f.MemoryStorage.Delete(ctx, d, id)
}

func newTestBridge(t *testing.T, s DomainStorage, opts ...Option) *Bridge {
	t.Helper()
	base := []Option{WithLockWait(10 * time.Millisecond)}
	return New(s, append(base, opts...)...)
}

func TestStoreRetrieveVerify(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, NewMemoryStorage())
	res := ir.ObjectID([]byte("r"))

	require.NoError(t, b.Store(ctx, res, "S", []byte("payload"), map[string]string{"owner": "alice"}))

	e, err := b.Retrieve(ctx, res, "S")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), e.Data)
	assert.Equal(t, "alice", e.Metadata["owner"])
	assert.Equal(t, ir.ObjectID([]byte("payload")).String(), e.Metadata[MetaContentHash])

	ok, err := b.Verify(ctx, res, "S")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.Retrieve(ctx, res, "T")
	assert.True(t, store.IsNotFound(err))
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	b := newTestBridge(t, s)
	res := ir.ObjectID([]byte("r"))
	require.NoError(t, b.Store(ctx, res, "S", []byte("payload"), nil))

	e, err := s.Get(ctx, "S", res)
	require.NoError(t, err)
	e.Data = []byte("tampered")
	require.NoError(t, s.Put(ctx, "S", res, e))

	ok, err := b.Verify(ctx, res, "S")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransferMove(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, NewMemoryStorage())
	res := ir.ObjectID([]byte("r"))
	require.NoError(t, b.Store(ctx, res, "S", []byte("token"), nil))

	out, err := b.Transfer(ctx, TransferRequest{Resource: res, Source: "S", Target: "T", Strategy: ir.Move()})
	require.NoError(t, err)
	assert.Equal(t, []ir.DomainID{"T"}, out.Locations)
	assert.False(t, out.SourceRetained)

	e, err := b.Retrieve(ctx, res, "T")
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), e.Data)
	assert.Equal(t, "S", e.Metadata[MetaSourceDomain])
	assert.Equal(t, "move", e.Metadata[MetaStrategy])

	_, err = b.Retrieve(ctx, res, "S")
	assert.True(t, store.IsNotFound(err))
	assert.Empty(t, b.Locks().Locks(res), "lock released after transfer")
}

func TestTransferCopyKeepsSource(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, NewMemoryStorage())
	res := ir.ObjectID([]byte("r"))
	require.NoError(t, b.Store(ctx, res, "S", []byte("token"), nil))

	out, err := b.Transfer(ctx, TransferRequest{Resource: res, Source: "S", Target: "T"})
	require.NoError(t, err)
	assert.True(t, out.SourceRetained)

	for _, d := range []ir.DomainID{"S", "T"} {
		ok, err := b.Verify(ctx, res, d)
		require.NoError(t, err)
		assert.True(t, ok, d)
	}
}

func TestTransferLockModes(t *testing.T) {
	ctx := context.Background()
	res := ir.ObjectID([]byte("r"))

	t.Run("copy coexists with shared reader", func(t *testing.T) {
		b := newTestBridge(t, NewMemoryStorage())
		require.NoError(t, b.Store(ctx, res, "S", []byte("x"), nil))
		require.NoError(t, b.Lock(ctx, res, "S", LockShared, "reader", ""))

		_, err := b.Transfer(ctx, TransferRequest{Resource: res, Source: "S", Target: "T", Strategy: ir.Copy()})
		require.NoError(t, err)
	})

	t.Run("move waits for exclusive", func(t *testing.T) {
		b := newTestBridge(t, NewMemoryStorage())
		require.NoError(t, b.Store(ctx, res, "S", []byte("x"), nil))
		require.NoError(t, b.Lock(ctx, res, "S", LockShared, "reader", ""))

		_, err := b.Transfer(ctx, TransferRequest{Resource: res, Source: "S", Target: "T", Strategy: ir.Move()})
		require.Error(t, err)
		assert.True(t, fault.HasCode(err, CodeLockTimeout))

		ok, err := b.Storage().Has(ctx, "T", res)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestTransferStoreFailureUnlocks(t *testing.T) {
	ctx := context.Background()
	cause := fault.Network("t-node", 503, 0, "unavailable")
	s := &flakyStorage{MemoryStorage: NewMemoryStorage(), failPut: "T", err: cause}
	b := newTestBridge(t, s)
	res := ir.ObjectID([]byte("r"))
	require.NoError(t, s.MemoryStorage.Put(ctx, "S", res, Entry{Data: []byte("x")}))

	_, err := b.Transfer(ctx, TransferRequest{Resource: res, Source: "S", Target: "T", Strategy: ir.Move()})
	require.Error(t, err)
	assert.True(t, fault.HasCode(err, CodeMigrationFailed))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, fault.IsRetryable(err), "migration failure inherits retryability of its cause")

	assert.Empty(t, b.Locks().Locks(res))
	ok, err := s.Has(ctx, "S", res)
	require.NoError(t, err)
	assert.True(t, ok, "source untouched")
}

func TestTransferConsumeFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := &flakyStorage{MemoryStorage: NewMemoryStorage(), failDelete: "S", err: fault.Storage(false, "read-only")}
	b := newTestBridge(t, s)
	res := ir.ObjectID([]byte("r"))
	require.NoError(t, s.Put(ctx, "S", res, Entry{Data: []byte("x")}))

	_, err := b.Transfer(ctx, TransferRequest{Resource: res, Source: "S", Target: "T", Strategy: ir.Move()})
	assert.True(t, fault.HasCode(err, CodeMigrationFailed))

	ok, err := s.Has(ctx, "T", res)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransferReplicateRollsBack(t *testing.T) {
	ctx := context.Background()
	s := &flakyStorage{MemoryStorage: NewMemoryStorage(), failPut: "V", err: fault.Storage(false, "disk full")}
	b := newTestBridge(t, s)
	res := ir.ObjectID([]byte("r"))
	require.NoError(t, s.Put(ctx, "S", res, Entry{Data: []byte("x")}))

	_, err := b.Transfer(ctx, TransferRequest{
		Resource: res, Source: "S", Target: "T",
		Strategy: ir.Replicate(ir.ConsistencyStrong, "T", "U", "V"),
	})
	require.Error(t, err)
	assert.False(t, fault.IsRetryable(err))

	for _, d := range []ir.DomainID{"T", "U"} {
		ok, err := s.Has(ctx, d, res)
		require.NoError(t, err)
		assert.False(t, ok, d)
	}
}

func TestTransferPartition(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, NewMemoryStorage())
	res := ir.ObjectID([]byte("r"))
	require.NoError(t, b.Store(ctx, res, "S", []byte("abcdefg"), nil))

	out, err := b.Transfer(ctx, TransferRequest{
		Resource: res, Source: "S", Target: "T",
		Strategy: ir.Partition("range", "U", "V"),
	})
	require.NoError(t, err)
	assert.Equal(t, []ir.DomainID{"T", "U", "V"}, out.Locations)

	var joined []byte
	for i, d := range out.Locations {
		e, err := b.Retrieve(ctx, res, d)
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1", "2"}[i], e.Metadata[MetaPartitionIndex])
		assert.Equal(t, "3", e.Metadata[MetaPartitionCount])
		joined = append(joined, e.Data...)
	}
	assert.Equal(t, []byte("abcdefg"), joined)
}

func TestPartitionSizes(t *testing.T) {
	parts := partition([]byte("abcdefg"), 3)
	assert.Equal(t, [][]byte{[]byte("abc"), []byte("de"), []byte("fg")}, parts)
}

func TestTransferInvalidStrategy(t *testing.T) {
	b := newTestBridge(t, NewMemoryStorage())
	_, err := b.Transfer(context.Background(), TransferRequest{
		Resource: ir.ObjectID([]byte("r")), Source: "S", Target: "T",
		Strategy: ir.MigrationStrategy{Kind: ir.StrategyReplicate},
	})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestValidatorChecksBothEndpoints(t *testing.T) {
	ctx := context.Background()
	res := ir.ObjectID([]byte("r"))

	for _, denied := range []ir.DomainID{"S", "T"} {
		t.Run(string(denied), func(t *testing.T) {
			s := NewMemoryStorage()
			require.NoError(t, s.Put(ctx, "S", res, Entry{Data: []byte("x")}))
			policy := NewPolicy(false).Deny(denied)
			b := newTestBridge(t, s, WithValidator(policy))

			_, err := b.Transfer(ctx, TransferRequest{Resource: res, Source: "S", Target: "T"})
			require.Error(t, err)
			assert.Equal(t, fault.KindPermission, fault.KindOf(err))
			assert.True(t, fault.HasCode(err, CodeAccessDenied))
			assert.False(t, fault.IsRetryable(err))
			assert.Empty(t, b.Locks().Locks(res), "denied before locking")
		})
	}
}

func TestStrictPolicy(t *testing.T) {
	ctx := context.Background()
	res := ir.ObjectID([]byte("r"))
	policy := NewPolicy(true).Allow("S", OpStore, OpRetrieve)

	assert.NoError(t, policy.ValidateOperation(ctx, OpStore, res, "S"))
	assert.True(t, fault.HasCode(policy.ValidateOperation(ctx, OpVerify, res, "S"), CodeAccessDenied))
	assert.True(t, fault.HasCode(policy.ValidateOperation(ctx, OpStore, res, "T"), CodeAccessDenied))
}

func TestBreakerOpensPerDomain(t *testing.T) {
	ctx := context.Background()
	s := &flakyStorage{MemoryStorage: NewMemoryStorage(), failPut: "T", err: fault.Storage(true, "io")}
	b := newTestBridge(t, s, WithBreaker(2, time.Hour))
	res := ir.ObjectID([]byte("r"))

	for range 2 {
		err := b.Store(ctx, res, "T", []byte("x"), nil)
		require.Error(t, err)
		assert.False(t, fault.HasCode(err, fault.CodeCircuitOpen))
	}
	assert.Equal(t, fault.BreakerOpen, b.BreakerState("T"))

	err := b.Store(ctx, res, "T", []byte("x"), nil)
	assert.True(t, fault.HasCode(err, fault.CodeCircuitOpen))

	require.NoError(t, b.Store(ctx, res, "S", []byte("x"), nil))
	assert.Equal(t, fault.BreakerClosed, b.BreakerState("S"))
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	b := newTestBridge(t, NewMemoryStorage(), WithBreaker(1, time.Hour))
	for range 3 {
		_, err := b.Retrieve(context.Background(), ir.ObjectID([]byte("missing")), "S")
		assert.True(t, store.IsNotFound(err))
	}
	assert.Equal(t, fault.BreakerClosed, b.BreakerState("S"))
}

func TestBridgeMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	b := newTestBridge(t, NewMemoryStorage(), WithMetrics(m))
	res := ir.ObjectID([]byte("r"))

	require.NoError(t, b.Store(ctx, res, "S", []byte("x"), nil))
	_, _ = b.Retrieve(ctx, res, "T")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeOps.WithLabelValues("store", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeOps.WithLabelValues("retrieve", "error")))
}

func TestStagedTransferPhases(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, NewMemoryStorage())
	res := ir.ObjectID([]byte("r"))
	require.NoError(t, b.Store(ctx, res, "S", []byte("payload"), nil))

	tr, err := b.BeginTransfer(ctx, TransferRequest{Resource: res, Source: "S", Target: "T", Strategy: ir.Move(), Holder: "e1", Transaction: "tx"})
	require.NoError(t, err)
	assert.True(t, b.Locks().IsHeld(res, "e1"))
	assert.Equal(t, []ir.DomainID{"T"}, tr.Targets())

	err = tr.Store(ctx)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err), "store before retrieve")
	_, err = tr.Commit(ctx)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err), "commit before store")

	require.NoError(t, tr.Retrieve(ctx))
	require.NoError(t, tr.Store(ctx))
	ok, err := b.Storage().Has(ctx, "T", res)
	require.NoError(t, err)
	assert.True(t, ok)

	result, err := tr.Commit(ctx)
	require.NoError(t, err)
	assert.False(t, result.SourceRetained)
	assert.False(t, b.Locks().IsHeld(res, "e1"))
	_, err = b.Retrieve(ctx, res, "S")
	assert.True(t, store.IsNotFound(err))

	tr.Abort(ctx)
	ok, err = b.Storage().Has(ctx, "T", res)
	require.NoError(t, err)
	assert.True(t, ok, "abort after commit is a no-op")
}

func TestStagedTransferAbortRollsBack(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, NewMemoryStorage())
	res := ir.ObjectID([]byte("r"))
	require.NoError(t, b.Store(ctx, res, "S", []byte("payload"), nil))

	tr, err := b.BeginTransfer(ctx, TransferRequest{Resource: res, Source: "S", Target: "T", Holder: "e1"})
	require.NoError(t, err)
	require.NoError(t, tr.Retrieve(ctx))
	require.NoError(t, tr.Store(ctx))

	tr.Abort(ctx)
	ok, err := b.Storage().Has(ctx, "T", res)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, b.Locks().IsHeld(res, "e1"))
	ok, err = b.Storage().Has(ctx, "S", res)
	require.NoError(t, err)
	assert.True(t, ok)
}
