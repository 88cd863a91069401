// Package adapter defines the capability surface the core consumes from an
// execution domain, and a registry that builds adapters from configuration
// by domain type.
//
// Two domain types are built in: "ethereum-like" and "cosmwasm-like". Both
// run against an in-process Ledger; they differ in confirmation depth,
// transaction id format and capability set.
package adapter

import (
	"context"
	"time"

	"github.com/roach88/causality/internal/ir"
)

// Standard capability names.
const (
	CapSendTransaction = "send_transaction"
	CapSignTransaction = "sign_transaction"
	CapDeployContract  = "deploy_contract"
	CapExecuteContract = "execute_contract"
	CapQueryContract   = "query_contract"
	CapReadState       = "read_state"
	CapWriteState      = "write_state"
	CapZKProve         = "zk_prove"
	CapZKVerify        = "zk_verify"
)

// Error codes.
const (
	CodeUnknownTransaction = "UNKNOWN_TRANSACTION"
	CodeUnknownDomainType  = "UNKNOWN_DOMAIN_TYPE"
	CodeDomainExists       = "DOMAIN_EXISTS"
	CodeUnknownDomain      = "UNKNOWN_DOMAIN"
	CodeUnsupportedFact    = "UNSUPPORTED_FACT"
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
)

// DomainInfo describes a domain.
type DomainInfo struct {
	ID                ir.DomainID   `json:"id"`
	Type              string        `json:"type"`
	Name              string        `json:"name"`
	ChainID           string        `json:"chain_id,omitempty"`
	Height            uint64        `json:"height"`
	ConfirmationDepth uint64        `json:"confirmation_depth"`
	BlockTime         time.Duration `json:"block_time"`
}

// Transaction is submitted to a domain. Kind "transfer" moves Value from
// From to To; other kinds are recorded without state changes.
type Transaction struct {
	Kind  string            `json:"kind"`
	From  string            `json:"from,omitempty"`
	To    string            `json:"to,omitempty"`
	Value uint64            `json:"value,omitempty"`
	Data  []byte            `json:"data,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// TxStatus is the position of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxIncluded  TxStatus = "included"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Receipt reports a transaction's inclusion.
type Receipt struct {
	TxID          string   `json:"tx_id"`
	Status        TxStatus `json:"status"`
	Height        uint64   `json:"height"`
	Confirmations uint64   `json:"confirmations"`
	Error         string   `json:"error,omitempty"`
}

// FactQuery asks a domain for an observed fact. Type is one of "balance"
// (param "account"), "block" (param "height", default latest) or
// "transaction" (param "tx_id").
type FactQuery struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// Fact is an observation made at Height.
type Fact struct {
	Domain ir.DomainID `json:"domain"`
	Type   string      `json:"type"`
	Height uint64      `json:"height"`
	Value  ir.Value    `json:"value"`
}

// Adapter is the capability set of an execution domain.
type Adapter interface {
	DomainID() ir.DomainID
	DomainInfo(ctx context.Context) (DomainInfo, error)
	SubmitTransaction(ctx context.Context, tx Transaction) (string, error)
	// WaitForConfirmation blocks until the transaction reaches the domain's
	// confirmation depth, ctx ends, or timeout elapses. A zero timeout
	// waits on ctx alone.
	WaitForConfirmation(ctx context.Context, txID string, timeout time.Duration) (Receipt, error)
	ObserveFact(ctx context.Context, q FactQuery) ([]Fact, error)
	HasCapability(name string) bool
	Capabilities() []string
}
