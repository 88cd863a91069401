package mailbox

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/metrics"
	"github.com/roach88/causality/internal/session"
)

func capMailbox(opts ...Option) *Mailbox {
	opts = append([]Option{WithSafeDeposit(SafeDepositConfig{
		Conditions:          []DepositCondition{MaxSingleDeposit(500), DepositCap("ETH", 1000)},
		RefundTimeoutBlocks: 10,
	})}, opts...)
	return New("vault", opts...)
}

func TestSafeDepositCapAndRefunds(t *testing.T) {
	m := capMailbox()

	alice := m.Receive("alice", "ETH", 400, 10)
	bob := m.Receive("bob", "ETH", 400, 20)
	charlie := m.Receive("charlie", "ETH", 300, 30)
	dave := m.Receive("dave", "ETH", 600, 40)

	assert.Equal(t, StatusPending, alice.Status.Kind)
	assert.Equal(t, StatusPending, bob.Status.Kind)
	require.True(t, charlie.Rejected())
	assert.Equal(t, ReasonDepositCapReached, charlie.Status.Reason.Kind)
	assert.Equal(t, uint64(1000), charlie.Status.Reason.Cap)
	require.True(t, dave.Rejected())
	assert.Equal(t, ReasonDepositTooLarge, dave.Status.Reason.Kind)
	assert.Equal(t, uint64(600), dave.Status.Reason.Amount)

	assert.Equal(t, []uint64{1, 2, 3, 3}, []uint64{alice.Nonce, bob.Nonce, charlie.Nonce, dave.Nonce})

	refunds := m.PendingRefunds(50)
	require.Len(t, refunds, 2)
	assert.Equal(t, "charlie", refunds[0].Recipient)
	assert.Equal(t, uint64(300), refunds[0].Amount)
	assert.Equal(t, "dave", refunds[1].Recipient)
	assert.Equal(t, uint64(600), refunds[1].Amount)

	// Rejections never reach the counter or the balance.
	assert.Equal(t, uint64(0), m.Counter())
	assert.Equal(t, uint64(0), m.Balance("ETH"))
}

func TestRefundTimeout(t *testing.T) {
	m := capMailbox()
	m.Receive("alice", "ETH", 400, 10)
	m.Receive("bob", "ETH", 400, 20)
	m.Receive("charlie", "ETH", 300, 30)
	m.Receive("dave", "ETH", 600, 40)

	assert.Empty(t, m.PendingRefunds(35))

	due := m.PendingRefunds(45)
	require.Len(t, due, 1)
	assert.Equal(t, "charlie", due[0].Recipient)

	// A block before the rejection counts as zero elapsed.
	assert.Empty(t, m.PendingRefunds(5))
}

func TestAutoRefund(t *testing.T) {
	m := New("vault", WithSafeDeposit(SafeDepositConfig{
		Conditions: []DepositCondition{AllowedDepositors("alice")},
		AutoRefund: true,
	}))
	r := m.Receive("mallory", "ETH", 1, 5)
	require.True(t, r.Rejected())
	assert.Equal(t, ReasonUnauthorizedDepositor, r.Status.Reason.Kind)
	assert.Len(t, m.PendingRefunds(5), 1)
}

func TestProcessRefundsMarksReceipts(t *testing.T) {
	m := capMailbox()
	m.Receive("alice", "ETH", 400, 10)
	m.Receive("bob", "ETH", 400, 20)
	m.Receive("charlie", "ETH", 300, 30)
	m.Receive("dave", "ETH", 600, 40)

	due := m.PendingRefunds(45)
	require.Len(t, due, 1)
	assert.Equal(t, 1, m.ProcessRefunds(45, due...))
	assert.Equal(t, 0, m.ProcessRefunds(46, due...))

	receipts := m.Receipts()
	require.Len(t, receipts, 4)
	assert.Equal(t, DepositStatus{Kind: StatusRefunded, AtBlock: 45}, receipts[2].Status)
	assert.Equal(t, StatusRejected, receipts[3].Status.Kind, "dave shares charlie's nonce but is matched by depositor")

	rest := m.PendingRefunds(60)
	require.Len(t, rest, 1)
	assert.Equal(t, "dave", rest[0].Recipient)
}

func TestStandardModeAcceptsEverything(t *testing.T) {
	m := New("plain")
	r := m.Receive("anyone", "ETH", 1_000_000, 1)
	assert.False(t, r.Rejected())
	assert.Empty(t, m.PendingRefunds(1_000))
	assert.False(t, m.SafeMode())
}

func TestDepositCapRejectsOverflow(t *testing.T) {
	m := New("vault", WithSafeDeposit(SafeDepositConfig{
		Conditions:          []DepositCondition{DepositCap("ETH", 1000)},
		RefundTimeoutBlocks: 10,
	}))
	require.False(t, m.Receive("alice", "ETH", 400, 10).Rejected())

	r := m.Receive("mallory", "ETH", math.MaxUint64-100, 11)
	require.True(t, r.Rejected())
	assert.Equal(t, ReasonDepositCapReached, r.Status.Reason.Kind)

	consumed := m.ConsumeDeposits()
	require.Len(t, consumed, 1)
	assert.Equal(t, uint64(1), m.Counter())
	assert.Equal(t, uint64(400), m.Balance("ETH"))
}

func TestStandardModeRejectsOverflow(t *testing.T) {
	m := New("plain")
	require.False(t, m.Receive("alice", "ETH", math.MaxUint64-1, 1).Rejected())
	m.ConsumeDeposits()

	r := m.Receive("bob", "ETH", 2, 2)
	require.True(t, r.Rejected())
	assert.Equal(t, ReasonDepositCapReached, r.Status.Reason.Kind)

	// A pending deposit counts too.
	m2 := New("plain")
	require.False(t, m2.Receive("alice", "ETH", math.MaxUint64, 1).Rejected())
	assert.True(t, m2.Receive("bob", "ETH", 1, 2).Rejected())
	assert.False(t, m2.Receive("bob", "BTC", 1, 2).Rejected())

	refunds := m.PendingRefunds(2)
	require.Len(t, refunds, 1)
	assert.Equal(t, "bob", refunds[0].Recipient)

	m.ConsumeDeposits()
	assert.Equal(t, uint64(math.MaxUint64-1), m.Balance("ETH"))
	assert.Equal(t, uint64(1), m.Counter())
}

func TestConsumeDepositsAccounting(t *testing.T) {
	m := capMailbox()
	m.Receive("alice", "ETH", 400, 10)
	m.Receive("bob", "ETH", 400, 20)
	m.Receive("carol", "BTC", 3, 21)
	m.Receive("charlie", "ETH", 300, 30)

	consumed := m.ConsumeDeposits()
	require.Len(t, consumed, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{consumed[0].Index, consumed[1].Index, consumed[2].Index})
	assert.Equal(t, uint64(3), m.Counter())
	assert.Equal(t, uint64(800), m.Balance("ETH"))
	assert.Equal(t, uint64(3), m.Balance("BTC"))
	assert.Empty(t, m.ConsumeDeposits())

	receipts := m.Receipts()
	assert.Equal(t, DepositStatus{Kind: StatusConsumed, AtCounter: 2}, receipts[1].Status)
	assert.Equal(t, StatusRejected, receipts[3].Status.Kind)

	// The cap counts consumed balance too.
	r := m.Receive("erin", "ETH", 201, 31)
	assert.True(t, r.Rejected())
	r = m.Receive("erin", "ETH", 200, 31)
	assert.False(t, r.Rejected())
	assert.Equal(t, uint64(4), r.Nonce)
}

func TestDeadlineAndCustomConditions(t *testing.T) {
	m := New("vault", WithSafeDeposit(SafeDepositConfig{
		Conditions: []DepositCondition{DeadlineBlock(100), CustomCondition("odd"), CustomCondition("unregistered")},
	}))
	m.RegisterCondition("odd", func(d PendingDeposit, _ uint64) bool { return d.Amount%2 == 1 })

	r := m.Receive("a", "ETH", 2, 101)
	require.True(t, r.Rejected())
	assert.Equal(t, ReasonDeadlinePassed, r.Status.Reason.Kind)

	r = m.Receive("a", "ETH", 3, 100)
	require.True(t, r.Rejected())
	assert.Equal(t, RejectionReason{Kind: ReasonCustomCondition, ConditionID: "odd"}, *r.Status.Reason)

	r = m.Receive("a", "ETH", 4, 100)
	assert.False(t, r.Rejected())
}

func TestWithdraw(t *testing.T) {
	m := New("vault", WithConstraints(
		AllowedWithdrawers("alice"),
		MaxWithdrawalAmount(50),
		WithdrawalTimeWindow(10, 20),
		RequiredConfirmations(2),
	))
	m.Receive("alice", "ETH", 100, 1)
	m.ConsumeDeposits()

	ok := WithdrawRequest{Token: "ETH", Amount: 40, Recipient: "alice", Block: 15, Confirmations: 3}
	tests := []struct {
		name string
		req  WithdrawRequest
		code string
		kind fault.Kind
	}{
		{"insufficient", WithdrawRequest{Token: "BTC", Amount: 1, Recipient: "alice", Block: 15, Confirmations: 3}, CodeInsufficientBalance, fault.KindResourceExhaustion},
		{"recipient", WithdrawRequest{Token: "ETH", Amount: 40, Recipient: "bob", Block: 15, Confirmations: 3}, CodeWithdrawalNotAllowed, fault.KindPermission},
		{"amount", WithdrawRequest{Token: "ETH", Amount: 60, Recipient: "alice", Block: 15, Confirmations: 3}, CodeWithdrawalNotAllowed, fault.KindPermission},
		{"window", WithdrawRequest{Token: "ETH", Amount: 40, Recipient: "alice", Block: 21, Confirmations: 3}, CodeWithdrawalNotAllowed, fault.KindPermission},
		{"confirmations", WithdrawRequest{Token: "ETH", Amount: 40, Recipient: "alice", Block: 15, Confirmations: 1}, CodeWithdrawalNotAllowed, fault.KindPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Withdraw(tt.req)
			require.Error(t, err)
			assert.True(t, fault.HasCode(err, tt.code))
			assert.Equal(t, tt.kind, fault.KindOf(err))
			assert.False(t, fault.IsRetryable(err))
		})
	}

	require.NoError(t, m.CanWithdraw(ok))
	require.NoError(t, m.Withdraw(ok))
	require.NoError(t, m.Withdraw(ok))
	assert.Equal(t, uint64(20), m.Balance("ETH"))
	assert.Error(t, m.Withdraw(ok))

	s := m.State()
	assert.Equal(t, uint64(1), s.Counter)
	assert.Equal(t, map[string]uint64{"ETH": 20}, s.Balances)
	assert.Equal(t, map[string]uint64{"ETH": 80}, s.Withdrawn)
}

func TestMailboxSession(t *testing.T) {
	m := New("vault")
	m.Receive("alice", "ETH", 70, 1)
	reg := session.NewRegistry("mb")
	conn := Connect(reg, m, ir.DomainID("L1"))

	consumed, err := conn.Consume()
	require.NoError(t, err)
	require.Len(t, consumed, 1)
	assert.Equal(t, uint64(70), consumed[0].Deposit.Amount)

	bal, err := conn.Balance("ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(70), bal)

	res, err := conn.Withdraw(WithdrawRequest{Token: "ETH", Amount: 100, Recipient: "alice"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, CodeInsufficientBalance, res.Code)

	res, err = conn.Withdraw(WithdrawRequest{Token: "ETH", Amount: 30, Recipient: "alice"})
	require.NoError(t, err)
	assert.True(t, res.OK)

	require.NoError(t, conn.Close())
	client, server := conn.Endpoints()
	assert.True(t, reg.Consumed(client))
	assert.True(t, reg.Consumed(server))
	assert.Equal(t, uint64(40), m.Balance("ETH"))

	_, err = conn.Consume()
	assert.True(t, fault.HasCode(err, session.CodeChannelClosed))
}

func TestMailboxSessionDuality(t *testing.T) {
	reg := session.NewRegistry("mb")
	conn := Connect(reg, New("vault"), ir.DomainID("L1"))
	client, server := conn.Endpoints()
	a, _ := reg.Get(client)
	b, _ := reg.Get(server)
	assert.True(t, session.Equal(session.Dual(a.Type), b.Type))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(WithSafeDeposit(SafeDepositConfig{Conditions: []DepositCondition{MaxSingleDeposit(10)}}))
	a, err := reg.Open("b")
	require.NoError(t, err)
	_, err = reg.Open("a")
	require.NoError(t, err)

	_, err = reg.Open("b")
	assert.True(t, fault.HasCode(err, CodeMailboxExists))

	got, err := reg.Get("b")
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.True(t, got.SafeMode())

	_, err = reg.Get("zz")
	assert.True(t, fault.HasCode(err, CodeUnknownMailbox))
	assert.Equal(t, []string{"a", "b"}, reg.IDs())
	assert.Len(t, reg.States(), 2)
}

func TestDepositMetrics(t *testing.T) {
	mt := metrics.New(prometheus.NewRegistry())
	m := capMailbox(WithMetrics(mt))
	m.Receive("alice", "ETH", 400, 10)
	m.Receive("dave", "ETH", 600, 40)
	m.ProcessRefunds(100, m.PendingRefunds(100)...)

	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Deposits.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Deposits.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Refunds))
}
