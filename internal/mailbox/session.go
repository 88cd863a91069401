package mailbox

import (
	"fmt"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/session"
)

// Payload type names used by the mailbox protocol.
const (
	PayloadConsumed         = "consumed"
	PayloadWithdrawal       = "withdrawal"
	PayloadWithdrawalResult = "withdrawal_result"
	PayloadToken            = "token"
	PayloadBalance          = "balance"
)

// Branch indices of the client's choice.
const (
	BranchConsume = iota
	BranchWithdraw
	BranchQuery
	BranchEnd
)

// Protocol is the client's view of a mailbox session:
//
//	rec X. +{consume: ?consumed.X, withdraw: !withdrawal.?withdrawal_result.X,
//	         query: !token.?balance.X, end: end}
//
// The mailbox follows its dual.
func Protocol() *session.Type {
	return session.Rec("X", session.Select(
		session.On("consume", session.Recv(PayloadConsumed, session.Var("X"))),
		session.On("withdraw", session.Send(PayloadWithdrawal,
			session.Recv(PayloadWithdrawalResult, session.Var("X")))),
		session.On("query", session.Send(PayloadToken,
			session.Recv(PayloadBalance, session.Var("X")))),
		session.On("end", session.End()),
	))
}

// WithdrawalResult answers a withdraw request. Error is empty on success.
type WithdrawalResult struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// ServeStep handles one client choice on the mailbox endpoint. It reports
// done once the client has ended the session.
func (m *Mailbox) ServeStep(reg *session.Registry, endpoint string) (bool, error) {
	k, err := reg.Offer(endpoint)
	if err != nil {
		return false, err
	}
	switch k {
	case BranchConsume:
		consumed := m.ConsumeDeposits()
		return false, reg.Send(endpoint, PayloadConsumed, consumed)
	case BranchWithdraw:
		v, err := reg.Recv(endpoint)
		if err != nil {
			return false, err
		}
		req, ok := v.(WithdrawRequest)
		if !ok {
			return false, fault.Validation("withdrawal", "WithdrawRequest", fmt.Sprintf("%T", v),
				"mailbox %s: unexpected withdrawal payload", m.id)
		}
		res := WithdrawalResult{OK: true}
		if err := m.Withdraw(req); err != nil {
			res = WithdrawalResult{Code: fault.CodeOf(err), Error: err.Error()}
		}
		return false, reg.Send(endpoint, PayloadWithdrawalResult, res)
	case BranchQuery:
		v, err := reg.Recv(endpoint)
		if err != nil {
			return false, err
		}
		token, _ := v.(string)
		return false, reg.Send(endpoint, PayloadBalance, m.Balance(token))
	}
	return true, nil
}

// Conn is a client session with a mailbox. Each call drives the mailbox
// side of the exchange synchronously.
type Conn struct {
	reg     *session.Registry
	mb      *Mailbox
	client  string
	mailbox string
}

// Connect opens a session with m on reg.
func Connect(reg *session.Registry, m *Mailbox, location ir.DomainID) *Conn {
	client, server := reg.NewPair(Protocol(), location)
	return &Conn{reg: reg, mb: m, client: client, mailbox: server}
}

// Endpoints returns the client and mailbox channel ids.
func (c *Conn) Endpoints() (string, string) {
	return c.client, c.mailbox
}

func (c *Conn) choose(branch int) error {
	return c.reg.Select(c.client, branch)
}

func (c *Conn) serve() error {
	_, err := c.mb.ServeStep(c.reg, c.mailbox)
	return err
}

// Consume asks the mailbox to merge its pending deposits.
func (c *Conn) Consume() ([]ConsumedDeposit, error) {
	if err := c.choose(BranchConsume); err != nil {
		return nil, err
	}
	if err := c.serve(); err != nil {
		return nil, err
	}
	v, err := c.reg.Recv(c.client)
	if err != nil {
		return nil, err
	}
	out, _ := v.([]ConsumedDeposit)
	return out, nil
}

// Withdraw sends a withdrawal request and returns the mailbox's answer.
func (c *Conn) Withdraw(req WithdrawRequest) (WithdrawalResult, error) {
	if err := c.choose(BranchWithdraw); err != nil {
		return WithdrawalResult{}, err
	}
	if err := c.reg.Send(c.client, PayloadWithdrawal, req); err != nil {
		return WithdrawalResult{}, err
	}
	if err := c.serve(); err != nil {
		return WithdrawalResult{}, err
	}
	v, err := c.reg.Recv(c.client)
	if err != nil {
		return WithdrawalResult{}, err
	}
	res, _ := v.(WithdrawalResult)
	return res, nil
}

// Balance queries the consumed balance of token.
func (c *Conn) Balance(token string) (uint64, error) {
	if err := c.choose(BranchQuery); err != nil {
		return 0, err
	}
	if err := c.reg.Send(c.client, PayloadToken, token); err != nil {
		return 0, err
	}
	if err := c.serve(); err != nil {
		return 0, err
	}
	v, err := c.reg.Recv(c.client)
	if err != nil {
		return 0, err
	}
	n, _ := v.(uint64)
	return n, nil
}

// Close ends the session. Both endpoints are consumed afterwards.
func (c *Conn) Close() error {
	if err := c.choose(BranchEnd); err != nil {
		return err
	}
	return c.serve()
}
