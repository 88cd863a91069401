package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// WriteEffect inserts an effect record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
func (s *SQLite) WriteEffect(ctx context.Context, rec EffectRecord) error {
	n := rec.Node
	cols := make([]string, 0, 4)
	for _, ids := range [][]ir.ContentID{n.ResourcesAccessed, n.ConsumedResources, n.Inputs, n.Outputs} {
		encoded, err := marshalIDs(ids)
		if err != nil {
			return fmt.Errorf("write effect: %w", err)
		}
		cols = append(cols, encoded)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO effects
		(id, intent_id, label, effect_type, domain, status, resources, consumed_resources, inputs, outputs, parent, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		n.ID.String(),
		rec.IntentID,
		n.Label,
		string(n.EffectType),
		string(n.Domain),
		string(n.Status),
		cols[0], cols[1], cols[2], cols[3],
		optionalID(n.Parent),
		rec.Seq,
	)
	if err != nil {
		return fault.Storage(true, "write effect %s", n.ID.Short()).Wrap(err)
	}
	return nil
}

// WriteEdge inserts an edge record. Duplicate edges are ignored.
func (s *SQLite) WriteEdge(ctx context.Context, rec EdgeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (intent_id, from_id, to_id, kind)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(intent_id, from_id, to_id, kind) DO NOTHING
	`, rec.IntentID, rec.From.String(), rec.To.String(), rec.Kind)
	if err != nil {
		return fault.Storage(true, "write edge").Wrap(err)
	}
	return nil
}

// WriteOutcome inserts the terminal outcome of an intent. The first outcome
// written for an intent wins.
func (s *SQLite) WriteOutcome(ctx context.Context, rec OutcomeRecord) error {
	partial, err := marshalIDs(rec.PartialOutputs)
	if err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outcomes
		(intent_id, state, partial_outputs, failed_effect, error_kind, error_code, error_message, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(intent_id) DO NOTHING
	`,
		rec.IntentID,
		rec.State,
		partial,
		optionalID(rec.FailedEffect),
		rec.ErrorKind,
		rec.ErrorCode,
		rec.ErrorMessage,
		rec.Seq,
	)
	if err != nil {
		return fault.Storage(true, "write outcome %s", rec.IntentID).Wrap(err)
	}
	return nil
}

const outcomeColumns = `intent_id, state, partial_outputs, failed_effect, error_kind, error_code, error_message, seq`

// ReadOutcome returns the outcome recorded for intentID.
func (s *SQLite) ReadOutcome(ctx context.Context, intentID string) (OutcomeRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE intent_id = ?`, intentID)
	rec, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OutcomeRecord{}, outcomeNotFound(intentID)
	}
	if err != nil {
		return OutcomeRecord{}, err
	}
	return rec, nil
}

// ListOutcomes returns every outcome ordered by seq ASC, intent_id ASC.
// Returns an empty slice (not nil) if none exist.
func (s *SQLite) ListOutcomes(ctx context.Context) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outcomeColumns+`
		FROM outcomes
		ORDER BY seq ASC, intent_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fault.Storage(true, "query outcomes").Wrap(err)
	}
	defer rows.Close()

	out := []OutcomeRecord{}
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(true, "iterate outcomes").Wrap(err)
	}
	return out, nil
}

// ReadEffects returns the effects recorded for intentID ordered by
// seq ASC, id ASC.
func (s *SQLite) ReadEffects(ctx context.Context, intentID string) ([]EffectRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intent_id, label, effect_type, domain, status, resources, consumed_resources, inputs, outputs, parent, seq
		FROM effects
		WHERE intent_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, intentID)
	if err != nil {
		return nil, fault.Storage(true, "query effects").Wrap(err)
	}
	defer rows.Close()

	out := []EffectRecord{}
	for rows.Next() {
		rec, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(true, "iterate effects").Wrap(err)
	}
	return out, nil
}

// ReadEdges returns the edges recorded for intentID in insertion order.
func (s *SQLite) ReadEdges(ctx context.Context, intentID string) ([]EdgeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT intent_id, from_id, to_id, kind
		FROM edges
		WHERE intent_id = ?
		ORDER BY seq ASC
	`, intentID)
	if err != nil {
		return nil, fault.Storage(true, "query edges").Wrap(err)
	}
	defer rows.Close()

	out := []EdgeRecord{}
	for rows.Next() {
		var rec EdgeRecord
		var from, to string
		if err := rows.Scan(&rec.IntentID, &from, &to, &rec.Kind); err != nil {
			return nil, fault.Storage(true, "scan edge").Wrap(err)
		}
		if rec.From, err = ir.ParseContentID(from); err != nil {
			return nil, fault.Storage(false, "edge source").Wrap(err)
		}
		if rec.To, err = ir.ParseContentID(to); err != nil {
			return nil, fault.Storage(false, "edge target").Wrap(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage(true, "iterate edges").Wrap(err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row scanner) (OutcomeRecord, error) {
	var rec OutcomeRecord
	var partial string
	var failed sql.NullString
	err := row.Scan(&rec.IntentID, &rec.State, &partial, &failed,
		&rec.ErrorKind, &rec.ErrorCode, &rec.ErrorMessage, &rec.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return OutcomeRecord{}, err
	}
	if err != nil {
		return OutcomeRecord{}, fault.Storage(true, "scan outcome").Wrap(err)
	}
	if rec.PartialOutputs, err = unmarshalIDs(partial); err != nil {
		return OutcomeRecord{}, fault.Storage(false, "outcome %s", rec.IntentID).Wrap(err)
	}
	if rec.FailedEffect, err = parseOptionalID(failed); err != nil {
		return OutcomeRecord{}, fault.Storage(false, "outcome %s", rec.IntentID).Wrap(err)
	}
	return rec, nil
}

func scanEffect(row scanner) (EffectRecord, error) {
	var rec EffectRecord
	var id, effectType, domain, status string
	var resources, consumed, inputs, outputs string
	var parent sql.NullString
	err := row.Scan(&id, &rec.IntentID, &rec.Node.Label, &effectType, &domain, &status,
		&resources, &consumed, &inputs, &outputs, &parent, &rec.Seq)
	if err != nil {
		return EffectRecord{}, fault.Storage(true, "scan effect").Wrap(err)
	}

	n := &rec.Node
	if n.ID, err = ir.ParseContentID(id); err != nil {
		return EffectRecord{}, fault.Storage(false, "effect id").Wrap(err)
	}
	n.EffectType = ir.EffectType(effectType)
	n.Domain = ir.DomainID(domain)
	n.Status = ir.EffectStatus(status)
	for _, col := range []struct {
		dst *[]ir.ContentID
		src string
	}{
		{&n.ResourcesAccessed, resources},
		{&n.ConsumedResources, consumed},
		{&n.Inputs, inputs},
		{&n.Outputs, outputs},
	} {
		if *col.dst, err = unmarshalIDs(col.src); err != nil {
			return EffectRecord{}, fault.Storage(false, "effect %s", n.ID.Short()).Wrap(err)
		}
	}
	if n.Parent, err = parseOptionalID(parent); err != nil {
		return EffectRecord{}, fault.Storage(false, "effect %s", n.ID.Short()).Wrap(err)
	}
	return rec, nil
}

func optionalID(id *ir.ContentID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func parseOptionalID(s sql.NullString) (*ir.ContentID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := ir.ParseContentID(s.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
