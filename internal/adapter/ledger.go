package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/causality/internal/fault"
)

type ledgerTx struct {
	tx       Transaction
	included uint64
	status   TxStatus
	err      string
}

// Ledger is an in-process chain: accounts with balances and a block height.
// Submitted transactions wait in a mempool until the next block is mined.
//
// Thread-safety: all methods are safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	height   uint64
	mempool  []string
	txs      map[string]*ledgerTx
	balances map[string]uint64
	changed  chan struct{}

	stop chan struct{}
	done chan struct{}
}

// NewLedger returns a ledger at height zero.
func NewLedger() *Ledger {
	return &Ledger{
		txs:      make(map[string]*ledgerTx),
		balances: make(map[string]uint64),
		changed:  make(chan struct{}),
	}
}

// AutoMine mines one block every interval until Close.
func (l *Ledger) AutoMine(interval time.Duration) {
	l.mu.Lock()
	if l.stop != nil || interval <= 0 {
		l.mu.Unlock()
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	stop, done := l.stop, l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				l.Mine(1)
			}
		}
	}()
}

// Close stops auto-mining.
func (l *Ledger) Close() error {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop = nil
	l.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Mint credits account.
func (l *Ledger) Mint(account string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Balance returns account's balance.
func (l *Ledger) Balance(account string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Height returns the latest block height.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// Submit places tx in the mempool under id.
func (l *Ledger) Submit(id string, tx Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txs[id]; ok {
		return
	}
	l.txs[id] = &ledgerTx{tx: tx, status: TxPending}
	l.mempool = append(l.mempool, id)
}

// Mine produces n blocks. The mempool is applied in submission order in the
// first of them.
func (l *Ledger) Mine(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.height++
	for _, id := range l.mempool {
		lt := l.txs[id]
		lt.included = l.height
		lt.status = TxIncluded
		if lt.tx.Kind == "transfer" {
			if l.balances[lt.tx.From] < lt.tx.Value {
				lt.status = TxFailed
				lt.err = "insufficient funds"
				continue
			}
			l.balances[lt.tx.From] -= lt.tx.Value
			l.balances[lt.tx.To] += lt.tx.Value
		}
	}
	l.mempool = nil
	l.height += uint64(n - 1)

	close(l.changed)
	l.changed = make(chan struct{})
}

// Receipt reports id's inclusion relative to depth.
func (l *Ledger) Receipt(id string, depth uint64) (Receipt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receipt(id, depth)
}

func (l *Ledger) receipt(id string, depth uint64) (Receipt, bool) {
	lt, ok := l.txs[id]
	if !ok {
		return Receipt{}, false
	}
	r := Receipt{TxID: id, Status: lt.status, Height: lt.included, Error: lt.err}
	if lt.status == TxPending {
		return r, true
	}
	r.Confirmations = l.height - lt.included + 1
	if lt.status == TxIncluded && r.Confirmations >= depth {
		r.Status = TxConfirmed
	}
	return r, true
}

// Wait blocks until id is confirmed at depth or has failed.
func (l *Ledger) Wait(ctx context.Context, id string, depth uint64) (Receipt, error) {
	for {
		l.mu.Lock()
		r, ok := l.receipt(id, depth)
		changed := l.changed
		l.mu.Unlock()

		if !ok {
			return Receipt{}, fault.Validation("tx_id", "submitted transaction", id, "unknown transaction %s", id).
				WithCode(CodeUnknownTransaction)
		}
		switch r.Status {
		case TxConfirmed:
			return r, nil
		case TxFailed:
			return r, fault.ResourceExhaustion("balance", 0, 0, "transaction %s failed: %s", id, r.Error).
				WithCode(CodeInsufficientFunds)
		}

		select {
		case <-ctx.Done():
			return r, context.Cause(ctx)
		case <-changed:
		}
	}
}
