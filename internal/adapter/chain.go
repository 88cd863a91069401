package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// Built-in domain types.
const (
	TypeEthereumLike = "ethereum-like"
	TypeCosmWasmLike = "cosmwasm-like"
)

// Options configure a ledger-backed adapter. They are decoded from the
// free-form options map of a domain spec.
type Options struct {
	Name          string            `mapstructure:"name"`
	ChainID       string            `mapstructure:"chain_id"`
	Confirmations uint64            `mapstructure:"confirmations"`
	BlockTime     time.Duration     `mapstructure:"block_time"`
	Capabilities  []string          `mapstructure:"capabilities"`
	Accounts      map[string]uint64 `mapstructure:"accounts"`
}

func decodeOptions(raw map[string]any, into *Options) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           into,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// Chain is a ledger-backed Adapter.
type Chain struct {
	id     ir.DomainID
	typ    string
	opts   Options
	ledger *Ledger
	format func(ir.ContentID) string
	seq    atomic.Uint64
}

var _ Adapter = (*Chain)(nil)

func newChain(id ir.DomainID, typ string, defaults Options, raw map[string]any, format func(ir.ContentID) string) (*Chain, error) {
	opts := defaults
	opts.Capabilities = nil
	if err := decodeOptions(raw, &opts); err != nil {
		return nil, fault.Configuration("domains."+string(id)+".options", "",
			"decode %s options: %v", typ, err).Wrap(err)
	}
	if opts.Name == "" {
		opts.Name = string(id)
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.Capabilities == nil {
		opts.Capabilities = defaults.Capabilities
	}
	c := &Chain{id: id, typ: typ, opts: opts, ledger: NewLedger(), format: format}
	for acct, amt := range opts.Accounts {
		c.ledger.Mint(acct, amt)
	}
	c.ledger.AutoMine(opts.BlockTime)
	return c, nil
}

// NewEthereumLike builds an adapter with 12-block confirmation depth and
// 0x-prefixed lowercase transaction ids.
func NewEthereumLike(id ir.DomainID, raw map[string]any) (Adapter, error) {
	return newChain(id, TypeEthereumLike, Options{
		ChainID:       "1",
		Confirmations: 12,
		Capabilities: []string{
			CapSendTransaction, CapSignTransaction, CapDeployContract,
			CapExecuteContract, CapQueryContract, CapReadState,
		},
	}, raw, func(d ir.ContentID) string { return "0x" + d.String() })
}

// NewCosmWasmLike builds an adapter with single-block finality and
// uppercase hex transaction ids.
func NewCosmWasmLike(id ir.DomainID, raw map[string]any) (Adapter, error) {
	return newChain(id, TypeCosmWasmLike, Options{
		ChainID:       "cosmoshub-4",
		Confirmations: 1,
		Capabilities: []string{
			CapSendTransaction, CapExecuteContract, CapQueryContract,
			CapReadState, CapZKVerify,
		},
	}, raw, func(d ir.ContentID) string { return strings.ToUpper(d.String()) })
}

// Ledger exposes the backing ledger.
func (c *Chain) Ledger() *Ledger { return c.ledger }

// Close stops block production.
func (c *Chain) Close() error { return c.ledger.Close() }

func (c *Chain) DomainID() ir.DomainID { return c.id }

func (c *Chain) DomainInfo(context.Context) (DomainInfo, error) {
	return DomainInfo{
		ID:                c.id,
		Type:              c.typ,
		Name:              c.opts.Name,
		ChainID:           c.opts.ChainID,
		Height:            c.ledger.Height(),
		ConfirmationDepth: c.opts.Confirmations,
		BlockTime:         c.opts.BlockTime,
	}, nil
}

// SubmitTransaction derives the transaction id from the transaction's
// contents and a per-adapter sequence number.
func (c *Chain) SubmitTransaction(ctx context.Context, tx Transaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if tx.Kind == "" {
		return "", fault.Validation("kind", "transaction kind", "", "transaction kind is required")
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return "", fault.Serialization("json", err)
	}
	seq := c.seq.Add(1)
	id := c.format(ir.Digest("causality/tx/v1", append(data, []byte(string(c.id)+"/"+strconv.FormatUint(seq, 10))...)))
	c.ledger.Submit(id, tx)
	return id, nil
}

func (c *Chain) WaitForConfirmation(ctx context.Context, txID string, timeout time.Duration) (Receipt, error) {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	r, err := c.ledger.Wait(ctx, txID, c.opts.Confirmations)
	if err != nil && timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return r, fault.Timeout("wait_for_confirmation", time.Since(start), timeout).
			WithContext("tx_id", txID).
			WithContext("domain", string(c.id))
	}
	return r, err
}

func (c *Chain) ObserveFact(_ context.Context, q FactQuery) ([]Fact, error) {
	height := c.ledger.Height()
	fact := Fact{Domain: c.id, Type: q.Type, Height: height}
	switch q.Type {
	case "balance":
		acct := q.Params["account"]
		if acct == "" {
			return nil, fault.Validation("params.account", "account", "", "balance query needs an account")
		}
		fact.Value = ir.Object{"account": ir.String(acct), "balance": ir.Int(c.ledger.Balance(acct))}
	case "block":
		h := height
		if s, ok := q.Params["height"]; ok {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil || n > height {
				return nil, fault.Validation("params.height", fmt.Sprintf("height <= %d", height), s, "block %s not produced", s)
			}
			h = n
		}
		fact.Value = ir.Object{"height": ir.Int(h)}
	case "transaction":
		r, ok := c.ledger.Receipt(q.Params["tx_id"], c.opts.Confirmations)
		if !ok {
			return []Fact{}, nil
		}
		fact.Value = ir.Object{
			"tx_id":         ir.String(r.TxID),
			"status":        ir.String(r.Status),
			"height":        ir.Int(r.Height),
			"confirmations": ir.Int(r.Confirmations),
		}
	default:
		return nil, fault.Validation("type", "balance, block or transaction", q.Type, "unsupported fact type %q", q.Type).
			WithCode(CodeUnsupportedFact)
	}
	return []Fact{fact}, nil
}

func (c *Chain) HasCapability(name string) bool {
	return slices.Contains(c.opts.Capabilities, name)
}

func (c *Chain) Capabilities() []string {
	return slices.Clone(c.opts.Capabilities)
}
