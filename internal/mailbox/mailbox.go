// Package mailbox implements session-typed accounts that admit external
// deposits into linear accounting.
//
// A deposit is recorded as pending when received and only enters the
// mailbox balance when ConsumeDeposits merges it, advancing the deposit
// counter by one per merged deposit. In safe-deposit mode each incoming
// deposit is checked against the configured conditions in order; the first
// match rejects it, and rejected deposits are surfaced as refunds once
// auto-refund is set or the refund timeout has elapsed. Rejected deposits
// never touch the counter or the balance.
package mailbox

import (
	"log/slog"
	"maps"
	"math"
	"math/bits"
	"slices"
	"sync"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/metrics"
)

// Error codes.
const (
	CodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	CodeWithdrawalNotAllowed = "WITHDRAWAL_NOT_ALLOWED"
	CodeMailboxExists        = "MAILBOX_EXISTS"
	CodeUnknownMailbox       = "UNKNOWN_MAILBOX"
)

// PendingDeposit is a deposit received but not yet merged.
type PendingDeposit struct {
	Token       string `json:"token"`
	Amount      uint64 `json:"amount"`
	Depositor   string `json:"depositor"`
	BlockHeight uint64 `json:"block_height"`
	Nonce       uint64 `json:"nonce"`

	receipt int
}

// RejectedDeposit is a deposit refused in safe mode.
type RejectedDeposit struct {
	Deposit         PendingDeposit  `json:"deposit"`
	Reason          RejectionReason `json:"reason"`
	RejectedAtBlock uint64          `json:"rejected_at_block"`
}

// ConsumedDeposit is a deposit merged into the balance; Index is the
// deposit counter value it was merged at.
type ConsumedDeposit struct {
	Deposit PendingDeposit `json:"deposit"`
	Index   uint64         `json:"index"`
}

// Refund is a rejected deposit due back to its depositor.
type Refund struct {
	Recipient string          `json:"recipient"`
	Token     string          `json:"token"`
	Amount    uint64          `json:"amount"`
	Nonce     uint64          `json:"nonce"`
	Reason    RejectionReason `json:"reason"`
}

// StatusKind is the position of a deposit receipt.
type StatusKind string

const (
	StatusPending  StatusKind = "pending"
	StatusConsumed StatusKind = "consumed"
	StatusRejected StatusKind = "rejected"
	StatusRefunded StatusKind = "refunded"
)

// DepositStatus is a receipt's status. AtCounter is set for consumed
// deposits, Reason for rejected ones and AtBlock for refunded ones.
type DepositStatus struct {
	Kind      StatusKind       `json:"kind"`
	AtCounter uint64           `json:"at_counter,omitempty"`
	Reason    *RejectionReason `json:"reason,omitempty"`
	AtBlock   uint64           `json:"at_block,omitempty"`
}

// Receipt acknowledges a received deposit.
type Receipt struct {
	MailboxID string        `json:"mailbox_id"`
	Depositor string        `json:"depositor"`
	Token     string        `json:"token"`
	Amount    uint64        `json:"amount"`
	Nonce     uint64        `json:"nonce"`
	Status    DepositStatus `json:"status"`
}

// Rejected reports whether the deposit was refused.
func (r Receipt) Rejected() bool {
	return r.Status.Kind == StatusRejected
}

// SafeDepositConfig enables safe-deposit mode.
type SafeDepositConfig struct {
	Conditions          []DepositCondition `json:"conditions" yaml:"conditions"`
	AutoRefund          bool               `json:"auto_refund" yaml:"auto_refund"`
	RefundTimeoutBlocks uint64             `json:"refund_timeout_blocks" yaml:"refund_timeout_blocks"`
}

// WithdrawRequest asks to send tokens out of the mailbox. Block and
// Confirmations are checked by time-window and confirmation constraints.
type WithdrawRequest struct {
	Token         string `json:"token"`
	Amount        uint64 `json:"amount"`
	Recipient     string `json:"recipient"`
	Block         uint64 `json:"block"`
	Confirmations uint32 `json:"confirmations"`
}

// State is a point-in-time view of a mailbox.
type State struct {
	ID        string            `json:"id"`
	Counter   uint64            `json:"deposit_counter"`
	Balances  map[string]uint64 `json:"balances"`
	Pending   []PendingDeposit  `json:"pending"`
	Rejected  []RejectedDeposit `json:"rejected"`
	Withdrawn map[string]uint64 `json:"withdrawn"`
}

// Mailbox is a session-typed account.
//
// Thread-safety: all methods are safe for concurrent use.
type Mailbox struct {
	mu sync.Mutex

	id          string
	safe        *SafeDepositConfig
	constraints []Constraint
	predicates  map[string]Predicate

	counter   uint64
	pending   []PendingDeposit
	rejected  []RejectedDeposit
	balances  map[string]uint64
	withdrawn map[string]uint64
	receipts  []Receipt

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithSafeDeposit enables safe-deposit mode.
func WithSafeDeposit(cfg SafeDepositConfig) Option {
	return func(m *Mailbox) {
		c := cfg
		c.Conditions = slices.Clone(cfg.Conditions)
		m.safe = &c
	}
}

// WithConstraints adds withdrawal constraints.
func WithConstraints(cs ...Constraint) Option {
	return func(m *Mailbox) {
		m.constraints = append(m.constraints, cs...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mailbox) {
		m.logger = l
	}
}

// WithMetrics records deposits and refunds.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mailbox) {
		m.metrics = mt
	}
}

// New creates an empty mailbox.
func New(id string, opts ...Option) *Mailbox {
	m := &Mailbox{
		id:         id,
		predicates: make(map[string]Predicate),
		balances:   make(map[string]uint64),
		withdrawn:  make(map[string]uint64),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the mailbox id.
func (m *Mailbox) ID() string { return m.id }

// SafeMode reports whether safe-deposit mode is enabled.
func (m *Mailbox) SafeMode() bool { return m.safe != nil }

// AddConstraint adds a withdrawal constraint.
func (m *Mailbox) AddConstraint(c Constraint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints = append(m.constraints, c)
}

// RegisterCondition sets the predicate evaluated for CustomCondition(id).
func (m *Mailbox) RegisterCondition(id string, p Predicate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predicates[id] = p
}

// nonce is deterministic: the deposit counter plus the number of pending
// deposits plus one. Caller holds the lock.
func (m *Mailbox) nonce() uint64 {
	return m.counter + uint64(len(m.pending)) + 1
}

// Receive records a deposit received at block. In safe mode the deposit is
// checked against the conditions in order and the first match rejects it;
// the returned receipt then has status rejected.
func (m *Mailbox) Receive(depositor, token string, amount, block uint64) Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := PendingDeposit{
		Token:       token,
		Amount:      amount,
		Depositor:   depositor,
		BlockHeight: block,
		Nonce:       m.nonce(),
		receipt:     len(m.receipts),
	}
	r := Receipt{
		MailboxID: m.id,
		Depositor: depositor,
		Token:     token,
		Amount:    amount,
		Nonce:     d.Nonce,
		Status:    DepositStatus{Kind: StatusPending},
	}

	if reason := m.shouldReject(d, block); reason != nil {
		r.Status = DepositStatus{Kind: StatusRejected, Reason: reason}
		m.receipts = append(m.receipts, r)
		m.rejected = append(m.rejected, RejectedDeposit{Deposit: d, Reason: *reason, RejectedAtBlock: block})
		m.metrics.Deposit(false)
		m.logger.Info("deposit rejected",
			"mailbox", m.id,
			"depositor", depositor,
			"token", token,
			"amount", amount,
			"reason", reason.Kind,
		)
		return r
	}

	m.receipts = append(m.receipts, r)
	m.pending = append(m.pending, d)
	m.metrics.Deposit(true)
	m.logger.Debug("deposit pending", "mailbox", m.id, "depositor", depositor, "token", token, "amount", amount, "nonce", d.Nonce)
	return r
}

func (m *Mailbox) shouldReject(d PendingDeposit, block uint64) *RejectionReason {
	// The balance plus everything pending must stay representable in every
	// mode, so ConsumeDeposits can never wrap.
	if _, ok := m.admittedTotal(d.Token, d.Amount); !ok {
		return &RejectionReason{Kind: ReasonDepositCapReached, Token: d.Token, Cap: math.MaxUint64}
	}
	if m.safe == nil {
		return nil
	}
	for _, c := range m.safe.Conditions {
		if reason := m.evaluate(c, d, block); reason != nil {
			return reason
		}
	}
	return nil
}

// ConsumeDeposits merges every pending deposit into the balance in arrival
// order, advancing the counter once per deposit.
func (m *Mailbox) ConsumeDeposits() []ConsumedDeposit {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConsumedDeposit, 0, len(m.pending))
	merged := 0
	for _, d := range m.pending {
		sum, carry := bits.Add64(m.balances[d.Token], d.Amount, 0)
		if carry != 0 {
			m.logger.Error("deposit would overflow balance", "mailbox", m.id, "token", d.Token, "nonce", d.Nonce)
			break
		}
		m.counter++
		m.balances[d.Token] = sum
		m.receipts[d.receipt].Status = DepositStatus{Kind: StatusConsumed, AtCounter: m.counter}
		out = append(out, ConsumedDeposit{Deposit: d, Index: m.counter})
		merged++
	}
	m.pending = slices.Clone(m.pending[merged:])
	if len(m.pending) == 0 {
		m.pending = nil
	}
	if len(out) > 0 {
		m.logger.Info("deposits consumed", "mailbox", m.id, "count", len(out), "counter", m.counter)
	}
	return out
}

// PendingRefunds returns refunds due at currentBlock: all rejected deposits
// when auto-refund is set, otherwise those rejected at least the refund
// timeout ago. A mailbox not in safe mode only rejects deposits that would
// overflow its balance, and refunds those at once.
func (m *Mailbox) PendingRefunds(currentBlock uint64) []Refund {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Refund{}
	for _, r := range m.rejected {
		var elapsed uint64
		if currentBlock > r.RejectedAtBlock {
			elapsed = currentBlock - r.RejectedAtBlock
		}
		if m.safe == nil || m.safe.AutoRefund || elapsed >= m.safe.RefundTimeoutBlocks {
			out = append(out, Refund{
				Recipient: r.Deposit.Depositor,
				Token:     r.Deposit.Token,
				Amount:    r.Deposit.Amount,
				Nonce:     r.Deposit.Nonce,
				Reason:    r.Reason,
			})
		}
	}
	return out
}

// ProcessRefunds removes the given refunds from the rejected list and marks
// their receipts refunded at block. Refunds are matched by nonce and
// recipient, since rejected deposits do not advance the nonce. It returns
// how many entries were removed.
func (m *Mailbox) ProcessRefunds(block uint64, refunds ...Refund) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	m.rejected = slices.DeleteFunc(m.rejected, func(r RejectedDeposit) bool {
		for _, f := range refunds {
			if f.Nonce == r.Deposit.Nonce && f.Recipient == r.Deposit.Depositor {
				m.receipts[r.Deposit.receipt].Status = DepositStatus{Kind: StatusRefunded, AtBlock: block}
				n++
				return true
			}
		}
		return false
	})
	m.metrics.Refunded(n)
	return n
}

// CanWithdraw returns nil when req is covered by the balance and passes
// every constraint.
func (m *Mailbox) CanWithdraw(req WithdrawRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkWithdraw(req)
}

func (m *Mailbox) checkWithdraw(req WithdrawRequest) error {
	if have := m.balances[req.Token]; have < req.Amount {
		return fault.ResourceExhaustion(req.Token, int64(req.Amount), int64(have),
			"mailbox %s holds %d %s, %d requested", m.id, have, req.Token, req.Amount).
			WithCode(CodeInsufficientBalance)
	}
	for _, c := range m.constraints {
		if why := c.violated(req); why != "" {
			return fault.Permission(string(c.Kind), req.Recipient,
				"withdrawal from %s not allowed: %s", m.id, why).
				WithCode(CodeWithdrawalNotAllowed)
		}
	}
	return nil
}

// Withdraw deducts req.Amount from the balance if allowed.
func (m *Mailbox) Withdraw(req WithdrawRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWithdraw(req); err != nil {
		return err
	}
	m.balances[req.Token] -= req.Amount
	m.withdrawn[req.Token] += req.Amount
	m.logger.Info("withdrawal", "mailbox", m.id, "token", req.Token, "amount", req.Amount, "recipient", req.Recipient)
	return nil
}

// Balance returns the consumed balance of token.
func (m *Mailbox) Balance(token string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[token]
}

// Counter returns the number of deposits merged so far.
func (m *Mailbox) Counter() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter
}

// Receipts returns every receipt issued, in arrival order.
func (m *Mailbox) Receipts() []Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.receipts)
}

// State returns a snapshot of the mailbox.
func (m *Mailbox) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		ID:        m.id,
		Counter:   m.counter,
		Balances:  maps.Clone(m.balances),
		Pending:   slices.Clone(m.pending),
		Rejected:  slices.Clone(m.rejected),
		Withdrawn: maps.Clone(m.withdrawn),
	}
	if s.Pending == nil {
		s.Pending = []PendingDeposit{}
	}
	if s.Rejected == nil {
		s.Rejected = []RejectedDeposit{}
	}
	return s
}
