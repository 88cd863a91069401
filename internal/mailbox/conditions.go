package mailbox

import (
	"fmt"
	"math/bits"
	"slices"
)

// ConditionKind distinguishes deposit rejection conditions.
type ConditionKind string

const (
	ConditionDepositCap        ConditionKind = "deposit_cap"
	ConditionMaxSingleDeposit  ConditionKind = "max_single_deposit"
	ConditionAllowedDepositors ConditionKind = "allowed_depositors"
	ConditionDeadlineBlock     ConditionKind = "deadline_block"
	ConditionCustom            ConditionKind = "custom"
)

// DepositCondition rejects a deposit in safe mode when it matches. Which
// fields apply depends on Kind.
type DepositCondition struct {
	Kind        ConditionKind `json:"kind" yaml:"kind"`
	Token       string        `json:"token,omitempty" yaml:"token,omitempty"`
	MaxAmount   uint64        `json:"max_amount,omitempty" yaml:"max_amount,omitempty"`
	Depositors  []string      `json:"depositors,omitempty" yaml:"depositors,omitempty"`
	Deadline    uint64        `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	ConditionID string        `json:"condition_id,omitempty" yaml:"condition_id,omitempty"`
}

// DepositCap rejects deposits that would take the token's consumed plus
// pending balance above limit.
func DepositCap(token string, limit uint64) DepositCondition {
	return DepositCondition{Kind: ConditionDepositCap, Token: token, MaxAmount: limit}
}

// MaxSingleDeposit rejects any single deposit above limit.
func MaxSingleDeposit(limit uint64) DepositCondition {
	return DepositCondition{Kind: ConditionMaxSingleDeposit, MaxAmount: limit}
}

// AllowedDepositors rejects deposits from anyone not listed.
func AllowedDepositors(depositors ...string) DepositCondition {
	return DepositCondition{Kind: ConditionAllowedDepositors, Depositors: depositors}
}

// DeadlineBlock rejects deposits received after block.
func DeadlineBlock(block uint64) DepositCondition {
	return DepositCondition{Kind: ConditionDeadlineBlock, Deadline: block}
}

// CustomCondition rejects deposits matched by the predicate registered
// under id. An id with no registered predicate never matches.
func CustomCondition(id string) DepositCondition {
	return DepositCondition{Kind: ConditionCustom, ConditionID: id}
}

// Predicate decides a custom condition for a deposit received at block.
type Predicate func(d PendingDeposit, block uint64) bool

// ReasonKind distinguishes rejection reasons.
type ReasonKind string

const (
	ReasonDepositCapReached     ReasonKind = "deposit_cap_reached"
	ReasonDepositTooLarge       ReasonKind = "deposit_too_large"
	ReasonUnauthorizedDepositor ReasonKind = "unauthorized_depositor"
	ReasonDeadlinePassed        ReasonKind = "deadline_passed"
	ReasonCustomCondition       ReasonKind = "custom_condition"
)

// RejectionReason explains why a deposit was rejected.
type RejectionReason struct {
	Kind        ReasonKind `json:"kind"`
	Token       string     `json:"token,omitempty"`
	Cap         uint64     `json:"cap,omitempty"`
	Amount      uint64     `json:"amount,omitempty"`
	Max         uint64     `json:"max,omitempty"`
	Depositor   string     `json:"depositor,omitempty"`
	Deadline    uint64     `json:"deadline,omitempty"`
	ConditionID string     `json:"condition_id,omitempty"`
}

func (r RejectionReason) String() string {
	switch r.Kind {
	case ReasonDepositCapReached:
		return fmt.Sprintf("deposit cap reached for %s (cap %d)", r.Token, r.Cap)
	case ReasonDepositTooLarge:
		return fmt.Sprintf("deposit of %d exceeds maximum %d", r.Amount, r.Max)
	case ReasonUnauthorizedDepositor:
		return fmt.Sprintf("depositor %s is not allowed", r.Depositor)
	case ReasonDeadlinePassed:
		return fmt.Sprintf("deadline block %d has passed", r.Deadline)
	case ReasonCustomCondition:
		return fmt.Sprintf("custom condition %s", r.ConditionID)
	}
	return string(r.Kind)
}

// evaluate returns the reason d is rejected by c, or nil. Caller holds the
// mailbox lock.
func (m *Mailbox) evaluate(c DepositCondition, d PendingDeposit, block uint64) *RejectionReason {
	switch c.Kind {
	case ConditionDepositCap:
		if d.Token != c.Token {
			return nil
		}
		total, ok := m.admittedTotal(c.Token, d.Amount)
		if !ok || total > c.MaxAmount {
			return &RejectionReason{Kind: ReasonDepositCapReached, Token: c.Token, Cap: c.MaxAmount}
		}
	case ConditionMaxSingleDeposit:
		if d.Amount > c.MaxAmount {
			return &RejectionReason{Kind: ReasonDepositTooLarge, Amount: d.Amount, Max: c.MaxAmount}
		}
	case ConditionAllowedDepositors:
		if !slices.Contains(c.Depositors, d.Depositor) {
			return &RejectionReason{Kind: ReasonUnauthorizedDepositor, Depositor: d.Depositor}
		}
	case ConditionDeadlineBlock:
		if block > c.Deadline {
			return &RejectionReason{Kind: ReasonDeadlinePassed, Deadline: c.Deadline}
		}
	case ConditionCustom:
		if pred, ok := m.predicates[c.ConditionID]; ok && pred(d, block) {
			return &RejectionReason{Kind: ReasonCustomCondition, ConditionID: c.ConditionID}
		}
	}
	return nil
}

// admittedTotal returns the balance of token plus its pending deposits plus
// amount, and false if that sum does not fit in a uint64.
func (m *Mailbox) admittedTotal(token string, amount uint64) (uint64, bool) {
	sum, carry := bits.Add64(m.balances[token], amount, 0)
	if carry != 0 {
		return 0, false
	}
	for _, p := range m.pending {
		if p.Token != token {
			continue
		}
		if sum, carry = bits.Add64(sum, p.Amount, 0); carry != 0 {
			return 0, false
		}
	}
	return sum, true
}

// ConstraintKind distinguishes withdrawal constraints.
type ConstraintKind string

const (
	ConstraintAllowedWithdrawers    ConstraintKind = "allowed_withdrawers"
	ConstraintMaxWithdrawalAmount   ConstraintKind = "max_withdrawal_amount"
	ConstraintWithdrawalTimeWindow  ConstraintKind = "withdrawal_time_window"
	ConstraintRequiredConfirmations ConstraintKind = "required_confirmations"
)

// Constraint restricts withdrawals. Which fields apply depends on Kind.
type Constraint struct {
	Kind          ConstraintKind `json:"kind" yaml:"kind"`
	Withdrawers   []string       `json:"withdrawers,omitempty" yaml:"withdrawers,omitempty"`
	MaxAmount     uint64         `json:"max_amount,omitempty" yaml:"max_amount,omitempty"`
	Start         uint64         `json:"start,omitempty" yaml:"start,omitempty"`
	End           uint64         `json:"end,omitempty" yaml:"end,omitempty"`
	Confirmations uint32         `json:"confirmations,omitempty" yaml:"confirmations,omitempty"`
}

// AllowedWithdrawers permits withdrawals only to the listed recipients.
func AllowedWithdrawers(recipients ...string) Constraint {
	return Constraint{Kind: ConstraintAllowedWithdrawers, Withdrawers: recipients}
}

// MaxWithdrawalAmount caps a single withdrawal.
func MaxWithdrawalAmount(limit uint64) Constraint {
	return Constraint{Kind: ConstraintMaxWithdrawalAmount, MaxAmount: limit}
}

// WithdrawalTimeWindow permits withdrawals only at blocks in [start, end].
func WithdrawalTimeWindow(start, end uint64) Constraint {
	return Constraint{Kind: ConstraintWithdrawalTimeWindow, Start: start, End: end}
}

// RequiredConfirmations requires at least n confirmations on the request.
func RequiredConfirmations(n uint32) Constraint {
	return Constraint{Kind: ConstraintRequiredConfirmations, Confirmations: n}
}

// violated returns a description of how req breaks c, or "".
func (c Constraint) violated(req WithdrawRequest) string {
	switch c.Kind {
	case ConstraintAllowedWithdrawers:
		if !slices.Contains(c.Withdrawers, req.Recipient) {
			return fmt.Sprintf("recipient %s is not an allowed withdrawer", req.Recipient)
		}
	case ConstraintMaxWithdrawalAmount:
		if req.Amount > c.MaxAmount {
			return fmt.Sprintf("amount %d exceeds maximum withdrawal %d", req.Amount, c.MaxAmount)
		}
	case ConstraintWithdrawalTimeWindow:
		if req.Block < c.Start || req.Block > c.End {
			return fmt.Sprintf("block %d is outside window [%d, %d]", req.Block, c.Start, c.End)
		}
	case ConstraintRequiredConfirmations:
		if req.Confirmations < c.Confirmations {
			return fmt.Sprintf("%d confirmations, %d required", req.Confirmations, c.Confirmations)
		}
	}
	return ""
}
