package bridge

import (
	"context"
	"maps"
	"slices"
	"strconv"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// TransferRequest describes a transfer. A zero Strategy means copy. Holder
// defaults to a name derived from the resource id.
type TransferRequest struct {
	Resource    ir.ContentID
	Source      ir.DomainID
	Target      ir.DomainID
	Strategy    ir.MigrationStrategy
	Metadata    map[string]string
	Holder      string
	Transaction string
}

// TransferResult reports where the resource lives after a transfer.
type TransferResult struct {
	Resource       ir.ContentID  `json:"resource"`
	Source         ir.DomainID   `json:"source"`
	Locations      []ir.DomainID `json:"locations"`
	SourceRetained bool          `json:"source_retained"`
	ContentHash    string        `json:"content_hash"`
}

// Transfer moves or copies a resource between domains.
func (b *Bridge) Transfer(ctx context.Context, req TransferRequest) (res TransferResult, err error) {
	defer func() { b.metrics.BridgeOp(string(OpTransfer), err) }()

	t, err := b.BeginTransfer(ctx, req)
	if err != nil {
		return TransferResult{}, err
	}
	defer t.Abort(ctx)

	if err := t.Retrieve(ctx); err != nil {
		return TransferResult{}, err
	}
	if err := t.Store(ctx); err != nil {
		return TransferResult{}, err
	}
	return t.Commit(ctx)
}

// StagedTransfer is a transfer executed one phase at a time: the source lock
// is taken by BeginTransfer, then Retrieve, Store and Commit run in order.
// Abort releases the lock and removes anything stored; it is a no-op after
// Commit. A StagedTransfer is used by one goroutine.
type StagedTransfer struct {
	b        *Bridge
	req      TransferRequest
	strategy ir.MigrationStrategy
	targets  []ir.DomainID
	holder   string

	src       Entry
	retrieved bool
	stored    []ir.DomainID
	done      bool
}

// BeginTransfer validates req for every domain it touches and locks the
// source: shared for copies, exclusive for moves.
func (b *Bridge) BeginTransfer(ctx context.Context, req TransferRequest) (*StagedTransfer, error) {
	strategy := req.Strategy
	if strategy.Kind == "" {
		strategy = ir.Copy()
	}
	if verr := strategy.Validate(); verr != nil {
		return nil, fault.Validation("strategy", "valid migration strategy", string(strategy.Kind), "%v", verr)
	}

	targets := transferTargets(req.Target, strategy)
	for _, d := range append([]ir.DomainID{req.Source}, targets...) {
		if err := b.validator.ValidateOperation(ctx, OpTransfer, req.Resource, d); err != nil {
			return nil, err
		}
	}

	holder := req.Holder
	if holder == "" {
		holder = "transfer:" + req.Resource.String()
	}
	lockType := LockShared
	if strategy.Kind == ir.StrategyMove {
		lockType = LockExclusive
	}
	if err := b.Lock(ctx, req.Resource, req.Source, lockType, holder, req.Transaction); err != nil {
		return nil, err
	}
	return &StagedTransfer{b: b, req: req, strategy: strategy, targets: targets, holder: holder}, nil
}

// Targets lists the domains the transfer writes to.
func (t *StagedTransfer) Targets() []ir.DomainID {
	return slices.Clone(t.targets)
}

// Retrieve reads the resource from the source.
func (t *StagedTransfer) Retrieve(ctx context.Context) error {
	return t.b.guard(t.req.Source, func() error {
		src, err := t.b.storage.Get(ctx, t.req.Source, t.req.Resource)
		if err != nil {
			return err
		}
		t.src = src
		t.retrieved = true
		return nil
	})
}

// Store writes the retrieved bytes to every target. If any target fails the
// ones already written are removed and MIGRATION_FAILED is returned.
func (t *StagedTransfer) Store(ctx context.Context) error {
	if !t.retrieved {
		return fault.Validation("transfer", "retrieved", "not retrieved",
			"store %s before retrieve", t.req.Resource.Short())
	}
	pieces := [][]byte{t.src.Data}
	if t.strategy.Kind == ir.StrategyPartition {
		pieces = partition(t.src.Data, len(t.targets))
	}

	for i, target := range t.targets {
		md := maps.Clone(t.src.Metadata)
		if md == nil {
			md = make(map[string]string)
		}
		maps.Copy(md, t.req.Metadata)
		md[MetaSourceDomain] = string(t.req.Source)
		md[MetaStrategy] = string(t.strategy.Kind)
		data := pieces[0]
		if t.strategy.Kind == ir.StrategyPartition {
			data = pieces[i]
			md[MetaPartitionIndex] = strconv.Itoa(i)
			md[MetaPartitionCount] = strconv.Itoa(len(t.targets))
		}
		if err := t.b.put(ctx, t.req.Resource, target, data, md); err != nil {
			t.rollback(ctx)
			return migrationFailed(t.req, target, err)
		}
		t.stored = append(t.stored, target)
	}
	return nil
}

// Commit consumes the source for moves and releases the source lock.
func (t *StagedTransfer) Commit(ctx context.Context) (TransferResult, error) {
	if len(t.stored) != len(t.targets) {
		return TransferResult{}, fault.Validation("transfer", "stored", "not stored",
			"commit %s before store", t.req.Resource.Short())
	}
	if t.strategy.Kind == ir.StrategyMove {
		if err := t.b.Consume(ctx, t.req.Resource, t.req.Source); err != nil {
			t.rollback(ctx)
			return TransferResult{}, migrationFailed(t.req, t.req.Source, err)
		}
	}
	t.release()
	t.done = true

	t.b.logger.Info("resource transferred",
		"resource", t.req.Resource.Short(),
		"source", t.req.Source,
		"targets", t.targets,
		"strategy", t.strategy.Kind,
	)
	return TransferResult{
		Resource:       t.req.Resource,
		Source:         t.req.Source,
		Locations:      slices.Clone(t.stored),
		SourceRetained: t.strategy.Kind != ir.StrategyMove,
		ContentHash:    ir.ObjectID(t.src.Data).String(),
	}, nil
}

// Abort undoes an unfinished transfer.
func (t *StagedTransfer) Abort(ctx context.Context) {
	if t.done {
		return
	}
	t.done = true
	t.rollback(ctx)
	t.release()
}

func (t *StagedTransfer) release() {
	if err := t.b.Unlock(t.req.Resource, t.holder); err != nil {
		t.b.logger.Warn("release transfer lock", "resource", t.req.Resource.Short(), "err", err)
	}
}

func (t *StagedTransfer) rollback(ctx context.Context) {
	for _, d := range t.stored {
		if err := t.b.storage.Delete(ctx, d, t.req.Resource); err != nil {
			t.b.logger.Error("rollback transfer", "resource", t.req.Resource.Short(), "domain", d, "err", err)
		}
	}
	t.stored = nil
}

func migrationFailed(req TransferRequest, domain ir.DomainID, cause error) error {
	return fault.Storage(fault.IsRetryable(cause),
		"migrate %s from %s to %s: %v", req.Resource.Short(), req.Source, domain, cause).
		WithCode(CodeMigrationFailed).
		WithContext("domain", string(domain)).
		Wrap(cause)
}

// transferTargets lists the domains a transfer writes to: the request's
// target followed by any strategy targets not already listed.
func transferTargets(target ir.DomainID, s ir.MigrationStrategy) []ir.DomainID {
	out := []ir.DomainID{target}
	if s.Kind == ir.StrategyReplicate || s.Kind == ir.StrategyPartition {
		for _, t := range s.Targets {
			if !slices.Contains(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

// partition splits data into n contiguous pieces whose lengths differ by at
// most one.
func partition(data []byte, n int) [][]byte {
	out := make([][]byte, n)
	size, extra := len(data)/n, len(data)%n
	off := 0
	for i := range n {
		l := size
		if i < extra {
			l++
		}
		out[i] = slices.Clone(data[off : off+l])
		off += l
	}
	return out
}
