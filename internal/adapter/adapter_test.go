package adapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

func newChainT(t *testing.T, typ string, opts map[string]any) *Chain {
	t.Helper()
	reg := NewRegistry()
	t.Cleanup(func() { _ = reg.Close() })
	a, err := reg.Create(Spec{ID: "D", Type: typ, Options: opts})
	require.NoError(t, err)
	return a.(*Chain)
}

func TestBuiltinTypes(t *testing.T) {
	assert.Equal(t, []string{TypeCosmWasmLike, TypeEthereumLike}, NewRegistry().SupportedTypes())

	eth := newChainT(t, TypeEthereumLike, nil)
	info, err := eth.DomainInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), info.ConfirmationDepth)
	assert.Equal(t, "D", info.Name)
	assert.True(t, eth.HasCapability(CapDeployContract))
	assert.False(t, eth.HasCapability(CapZKVerify))

	cw := newChainT(t, TypeCosmWasmLike, nil)
	info, err = cw.DomainInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.ConfirmationDepth)
	assert.True(t, cw.HasCapability(CapZKVerify))
}

func TestTransactionIDFormats(t *testing.T) {
	ctx := context.Background()
	tx := Transaction{Kind: "call", Data: []byte("x")}

	id, err := newChainT(t, TypeEthereumLike, nil).SubmitTransaction(ctx, tx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "0x"))
	assert.Len(t, id, 66)
	assert.Equal(t, strings.ToLower(id), id)

	cw := newChainT(t, TypeCosmWasmLike, nil)
	id1, err := cw.SubmitTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Len(t, id1, 64)
	assert.Equal(t, strings.ToUpper(id1), id1)

	id2, err := cw.SubmitTransaction(ctx, tx)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2, "resubmitting the same transaction yields a fresh id")
}

func TestOptionsDecoding(t *testing.T) {
	c := newChainT(t, TypeEthereumLike, map[string]any{
		"name":          "mainnet",
		"confirmations": "3",
		"capabilities":  []any{CapReadState},
		"accounts":      map[string]any{"alice": 100},
	})
	info, err := c.DomainInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mainnet", info.Name)
	assert.Equal(t, uint64(3), info.ConfirmationDepth)
	assert.Equal(t, []string{CapReadState}, c.Capabilities())
	assert.Equal(t, uint64(100), c.Ledger().Balance("alice"))

	_, err = NewRegistry().Create(Spec{ID: "X", Type: TypeEthereumLike, Options: map[string]any{"bogus": 1}})
	require.Error(t, err)
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))

	_, err = NewRegistry().Create(Spec{ID: "X", Type: "solana-like"})
	assert.True(t, fault.HasCode(err, CodeUnknownDomainType))
}

func TestWaitForConfirmation(t *testing.T) {
	ctx := context.Background()
	c := newChainT(t, TypeEthereumLike, map[string]any{"accounts": map[string]any{"alice": 10}})

	id, err := c.SubmitTransaction(ctx, Transaction{Kind: "transfer", From: "alice", To: "bob", Value: 4})
	require.NoError(t, err)

	done := make(chan Receipt, 1)
	go func() {
		r, err := c.WaitForConfirmation(ctx, id, 5*time.Second)
		if err == nil {
			done <- r
		}
		close(done)
	}()

	c.Ledger().Mine(1)
	c.Ledger().Mine(11)

	r, ok := <-done
	require.True(t, ok, "wait returned an error")
	assert.Equal(t, TxConfirmed, r.Status)
	assert.Equal(t, uint64(1), r.Height)
	assert.Equal(t, uint64(12), r.Confirmations)
	assert.Equal(t, uint64(6), c.Ledger().Balance("alice"))
	assert.Equal(t, uint64(4), c.Ledger().Balance("bob"))
}

func TestWaitForConfirmationTimesOut(t *testing.T) {
	ctx := context.Background()
	c := newChainT(t, TypeEthereumLike, nil)
	id, err := c.SubmitTransaction(ctx, Transaction{Kind: "call"})
	require.NoError(t, err)
	c.Ledger().Mine(1)

	r, err := c.WaitForConfirmation(ctx, id, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
	assert.True(t, fault.IsRetryable(err))
	assert.Equal(t, TxIncluded, r.Status)
	assert.Equal(t, uint64(1), r.Confirmations)

	_, err = c.WaitForConfirmation(ctx, "0xnope", time.Second)
	assert.True(t, fault.HasCode(err, CodeUnknownTransaction))
}

func TestFailedTransfer(t *testing.T) {
	ctx := context.Background()
	c := newChainT(t, TypeCosmWasmLike, nil)
	id, err := c.SubmitTransaction(ctx, Transaction{Kind: "transfer", From: "nobody", To: "bob", Value: 1})
	require.NoError(t, err)
	c.Ledger().Mine(1)

	r, err := c.WaitForConfirmation(ctx, id, time.Second)
	assert.True(t, fault.HasCode(err, CodeInsufficientFunds))
	assert.Equal(t, TxFailed, r.Status)
}

func TestAutoMine(t *testing.T) {
	c := newChainT(t, TypeCosmWasmLike, map[string]any{"block_time": "1ms"})
	id, err := c.SubmitTransaction(context.Background(), Transaction{Kind: "call"})
	require.NoError(t, err)

	r, err := c.WaitForConfirmation(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, r.Status)
	require.NoError(t, c.Close())
}

func TestObserveFact(t *testing.T) {
	ctx := context.Background()
	c := newChainT(t, TypeCosmWasmLike, map[string]any{"accounts": map[string]any{"alice": 7}})
	c.Ledger().Mine(3)

	facts, err := c.ObserveFact(ctx, FactQuery{Type: "balance", Params: map[string]string{"account": "alice"}})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, uint64(3), facts[0].Height)
	assert.Equal(t, ir.Object{"account": ir.String("alice"), "balance": ir.Int(7)}, facts[0].Value)

	facts, err = c.ObserveFact(ctx, FactQuery{Type: "block", Params: map[string]string{"height": "2"}})
	require.NoError(t, err)
	assert.Equal(t, ir.Object{"height": ir.Int(2)}, facts[0].Value)

	_, err = c.ObserveFact(ctx, FactQuery{Type: "block", Params: map[string]string{"height": "9"}})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	facts, err = c.ObserveFact(ctx, FactQuery{Type: "transaction", Params: map[string]string{"tx_id": "missing"}})
	require.NoError(t, err)
	assert.Empty(t, facts)

	_, err = c.ObserveFact(ctx, FactQuery{Type: "weather"})
	assert.True(t, fault.HasCode(err, CodeUnsupportedFact))
}

func TestRegistryIndex(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	_, err := reg.Create(Spec{ID: "B", Type: TypeEthereumLike})
	require.NoError(t, err)
	_, err = reg.Create(Spec{ID: "A", Type: TypeCosmWasmLike})
	require.NoError(t, err)
	_, err = reg.Create(Spec{ID: "A", Type: TypeCosmWasmLike})
	assert.True(t, fault.HasCode(err, CodeDomainExists))

	assert.Equal(t, []ir.DomainID{"A", "B"}, reg.IDs())

	a, err := reg.Get("A")
	require.NoError(t, err)
	assert.Equal(t, ir.DomainID("A"), a.DomainID())

	_, ok := reg.Remove("A")
	assert.True(t, ok)
	_, err = reg.Get("A")
	assert.True(t, fault.HasCode(err, CodeUnknownDomain))
}
