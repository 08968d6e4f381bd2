package engine

import (
	"context"
	"slices"
	"unicode/utf8"

	"opsync/internal/docstore"
	"opsync/internal/domain"
	"opsync/internal/session"
)

// UpdateOperator writes an operator document. Operators may only update
// themselves and only their callsign and status; score and completions come
// from the document loaded under the operator lock. Administrators may
// overwrite score and completions. Rank is derived from score and the join
// date of the stored document is kept.
func (e Engine) UpdateOperator(ctx context.Context, s session.Session, in domain.Operator) (domain.Operator, error) {
	actor := adminActor
	admin := false
	switch v := s.(type) {
	case session.OperatorSession:
		if v.Operator.ID != in.ID {
			return domain.Operator{}, AccessDeniedError{Reason: "operators may only update themselves"}
		}
		actor = v.Operator.ID
	case session.AdministratorSession:
		admin = true
	case session.Unauthenticated, nil:
		return domain.Operator{}, AccessDeniedError{Reason: "session required"}
	default:
		return domain.Operator{}, AccessDeniedError{Reason: "unknown session"}
	}
	if admin && in.Score < 0 {
		return domain.Operator{}, ValidationInputError{Field: "score", Reason: CodeInvalidInput, Msg: "score must not be negative"}
	}
	if in.Status != "" && !in.Status.Valid() {
		return domain.Operator{}, ValidationInputError{Field: "status", Reason: CodeInvalidInput, Msg: "unknown operator status " + string(in.Status)}
	}

	unlock := e.locks.lock(in.ID)
	defer unlock()
	wctx, cancel := e.writeContext(ctx, actor)
	defer cancel()
	current, found, err := e.loadOperator(wctx, in.ID)
	if err != nil {
		return domain.Operator{}, err
	}
	if !found {
		if _, ok := s.(session.OperatorSession); ok {
			return domain.Operator{}, AccessDeniedError{Reason: "session invalidated"}
		}
		return domain.Operator{}, operatorNotFound(in.ID)
	}

	next := current
	if in.Callsign != "" {
		callsign := NormalizeCallsign(in.Callsign)
		if utf8.RuneCountInString(callsign) < minCallsignRunes {
			return domain.Operator{}, ValidationInputError{Field: "callsign", Reason: CodeInvalidCallsign, Msg: "callsign must be at least 3 characters"}
		}
		if callsign != current.Callsign {
			taken, err := e.Store.Query(wctx, domain.CollectionOperators, docstore.Query{
				Where: []docstore.Filter{{Field: "callsign", Value: callsign}},
				Limit: 1,
			})
			if err != nil {
				return domain.Operator{}, WriteError{Op: "check callsign", Err: err}
			}
			if len(taken) > 0 && taken[0].Ref.ID != in.ID {
				return domain.Operator{}, ConflictError{Callsign: callsign}
			}
		}
		next.Callsign = callsign
	}
	if in.Status != "" {
		next.Status = in.Status
	}
	if admin {
		next.Score = in.Score
		if in.CompletedMissions != nil {
			next.CompletedMissions = uniqueIDs(in.CompletedMissions)
		}
	}
	next.Rank = domain.RankFor(next.Score)
	next.LastSeen = e.now()

	if err := e.Store.Update(wctx, domain.OperatorRef(in.ID), docstore.Fields{
		"callsign":          next.Callsign,
		"score":             next.Score,
		"rank":              string(next.Rank),
		"status":            string(next.Status),
		"completedMissions": next.CompletedMissions,
		"lastSeen":          next.LastSeen.UnixMilli(),
	}); err != nil {
		return domain.Operator{}, WriteError{Op: "update operator", Err: err}
	}
	return next, nil
}

// ConfigPatch lists the operation config fields to change. Nil fields are
// left untouched.
type ConfigPatch struct {
	Name        *string
	Description *string
	MapURL      *string
	IsActive    *bool
}

func (p ConfigPatch) fields() docstore.Fields {
	f := docstore.Fields{}
	if p.Name != nil {
		f["name"] = *p.Name
	}
	if p.Description != nil {
		f["description"] = *p.Description
	}
	if p.MapURL != nil {
		f["mapUrl"] = *p.MapURL
	}
	if p.IsActive != nil {
		f["isActive"] = *p.IsActive
	}
	return f
}

// UpdateOperationConfig merges the supplied fields into operation/main. An
// empty patch writes nothing.
func (e Engine) UpdateOperationConfig(ctx context.Context, s session.Session, patch ConfigPatch) error {
	if err := requireAdmin(s); err != nil {
		return err
	}
	fields := patch.fields()
	if len(fields) == 0 {
		return nil
	}
	wctx, cancel := e.writeContext(ctx, adminActor)
	defer cancel()
	if err := e.Store.Merge(wctx, domain.ConfigRef(), fields); err != nil {
		return WriteError{Op: "update operation config", Err: err}
	}
	e.logger().Info("operation config updated", "fields", len(fields))
	return nil
}

// AdjustScore adds delta to an operator's score, flooring at zero.
func (e Engine) AdjustScore(ctx context.Context, s session.Session, operatorID string, delta int) (domain.Operator, error) {
	if err := requireAdmin(s); err != nil {
		return domain.Operator{}, err
	}
	unlock := e.locks.lock(operatorID)
	defer unlock()
	wctx, cancel := e.writeContext(ctx, adminActor)
	defer cancel()
	op, found, err := e.loadOperator(wctx, operatorID)
	if err != nil {
		return domain.Operator{}, err
	}
	if !found {
		return domain.Operator{}, operatorNotFound(operatorID)
	}
	op.Score = max(0, op.Score+delta)
	op.Rank = domain.RankFor(op.Score)
	if err := e.Store.Update(wctx, domain.OperatorRef(operatorID), docstore.Fields{
		"score": op.Score,
		"rank":  string(op.Rank),
	}); err != nil {
		return domain.Operator{}, WriteError{Op: "adjust score", Err: err}
	}
	e.logger().Info("score adjusted", "operator", operatorID, "delta", delta, "score", op.Score)
	return op, nil
}

// RemoveOperator deletes an operator. Their session ends when the roster
// update reaches the session monitor.
func (e Engine) RemoveOperator(ctx context.Context, s session.Session, operatorID string) error {
	if err := requireAdmin(s); err != nil {
		return err
	}
	wctx, cancel := e.writeContext(ctx, adminActor)
	defer cancel()
	if _, found, err := e.loadOperator(wctx, operatorID); err != nil {
		return err
	} else if !found {
		return operatorNotFound(operatorID)
	}
	if err := e.Store.Delete(wctx, domain.OperatorRef(operatorID)); err != nil {
		return WriteError{Op: "remove operator", Err: err}
	}
	e.logger().Info("operator removed", "operator", operatorID)
	return nil
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
