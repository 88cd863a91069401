package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// EffectRecord is an effect node as it stood when its intent finished.
type EffectRecord struct {
	IntentID string
	Seq      int64
	Node     ir.EffectNode
}

// EdgeRecord is an effect-graph edge recorded for an intent.
type EdgeRecord struct {
	IntentID string
	From     ir.ContentID
	To       ir.ContentID
	Kind     string
}

// OutcomeRecord is the terminal result of an intent.
type OutcomeRecord struct {
	IntentID       string
	State          string
	PartialOutputs []ir.ContentID
	FailedEffect   *ir.ContentID
	ErrorKind      string
	ErrorCode      string
	ErrorMessage   string
	Seq            int64
}

// RecordStore persists the evidence of intent runs. Writes are idempotent on
// the record's identity.
type RecordStore interface {
	WriteEffect(ctx context.Context, rec EffectRecord) error
	WriteEdge(ctx context.Context, rec EdgeRecord) error
	WriteOutcome(ctx context.Context, rec OutcomeRecord) error
	ReadOutcome(ctx context.Context, intentID string) (OutcomeRecord, error)
	ListOutcomes(ctx context.Context) ([]OutcomeRecord, error)
	ReadEffects(ctx context.Context, intentID string) ([]EffectRecord, error)
	ReadEdges(ctx context.Context, intentID string) ([]EdgeRecord, error)
}

func outcomeNotFound(intentID string) error {
	return fault.Storage(false, "outcome for intent %s not found", intentID).
		WithCode(CodeNotFound).
		Wrap(ErrNotFound)
}

// records is the in-memory RecordStore embedded in Memory.
type records struct {
	recMu    sync.RWMutex
	effects  []EffectRecord
	edges    []EdgeRecord
	outcomes map[string]OutcomeRecord
}

// WriteEffect implements RecordStore.
func (r *records) WriteEffect(_ context.Context, rec EffectRecord) error {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	for _, existing := range r.effects {
		if existing.Node.ID == rec.Node.ID {
			return nil
		}
	}
	r.effects = append(r.effects, rec)
	return nil
}

// WriteEdge implements RecordStore.
func (r *records) WriteEdge(_ context.Context, rec EdgeRecord) error {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	for _, existing := range r.edges {
		if existing == rec {
			return nil
		}
	}
	r.edges = append(r.edges, rec)
	return nil
}

// WriteOutcome implements RecordStore.
func (r *records) WriteOutcome(_ context.Context, rec OutcomeRecord) error {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]OutcomeRecord)
	}
	if _, ok := r.outcomes[rec.IntentID]; ok {
		return nil
	}
	r.outcomes[rec.IntentID] = rec
	return nil
}

// ReadOutcome implements RecordStore.
func (r *records) ReadOutcome(_ context.Context, intentID string) (OutcomeRecord, error) {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	rec, ok := r.outcomes[intentID]
	if !ok {
		return OutcomeRecord{}, outcomeNotFound(intentID)
	}
	return rec, nil
}

// ListOutcomes implements RecordStore.
func (r *records) ListOutcomes(_ context.Context) ([]OutcomeRecord, error) {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	out := make([]OutcomeRecord, 0, len(r.outcomes))
	for _, rec := range r.outcomes {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b OutcomeRecord) int {
		return cmp.Or(cmp.Compare(a.Seq, b.Seq), cmp.Compare(a.IntentID, b.IntentID))
	})
	return out, nil
}

// ReadEffects implements RecordStore.
func (r *records) ReadEffects(_ context.Context, intentID string) ([]EffectRecord, error) {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	out := []EffectRecord{}
	for _, rec := range r.effects {
		if rec.IntentID == intentID {
			out = append(out, rec)
		}
	}
	slices.SortStableFunc(out, func(a, b EffectRecord) int {
		return cmp.Or(cmp.Compare(a.Seq, b.Seq), a.Node.ID.Compare(b.Node.ID))
	})
	return out, nil
}

// ReadEdges implements RecordStore.
func (r *records) ReadEdges(_ context.Context, intentID string) ([]EdgeRecord, error) {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	out := []EdgeRecord{}
	for _, rec := range r.edges {
		if rec.IntentID == intentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// marshalIDs encodes ids as a canonical JSON array of hex strings.
func marshalIDs(ids []ir.ContentID) (string, error) {
	data, err := ir.MarshalCanonical(ir.IDStrings(ids))
	if err != nil {
		return "", fmt.Errorf("marshal ids: %w", err)
	}
	return string(data), nil
}

// unmarshalIDs parses the output of marshalIDs.
func unmarshalIDs(data string) ([]ir.ContentID, error) {
	if data == "" || data == "[]" {
		return []ir.ContentID{}, nil
	}
	v, err := ir.ParseJSON([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal ids: %w", err)
	}
	arr, ok := v.(ir.Array)
	if !ok {
		return nil, fmt.Errorf("unmarshal ids: expected array, got %T", v)
	}
	ids := make([]ir.ContentID, 0, len(arr))
	for _, elem := range arr {
		s, ok := elem.(ir.String)
		if !ok {
			return nil, fmt.Errorf("unmarshal ids: expected string, got %T", elem)
		}
		id, err := ir.ParseContentID(string(s))
		if err != nil {
			return nil, fmt.Errorf("unmarshal ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
