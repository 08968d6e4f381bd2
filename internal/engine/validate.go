package engine

import (
	"context"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"opsync/internal/docstore"
	"opsync/internal/domain"
	"opsync/internal/session"
)

func normalizeCode(raw string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(raw))
}

// ValidateMission completes missionID for the session's operator when code
// matches. The mission comes from the merged snapshot; the operator's score
// and completions are re-read from the store. Completion is recorded on the
// operator only and mission documents are never touched. A failed attempt
// changes nothing and may be retried.
func (e Engine) ValidateMission(ctx context.Context, s session.Session, missionID, code string) (domain.Operator, error) {
	held, err := requireOperator(s)
	if err != nil {
		return domain.Operator{}, err
	}
	state := e.State.Snapshot()

	// Concurrent attempts by one operator must not both pass the replay check.
	unlock := e.locks.lock(held.ID)
	defer unlock()
	wctx, cancel := e.writeContext(ctx, held.ID)
	defer cancel()
	op, found, err := e.loadOperator(wctx, held.ID)
	if err != nil {
		return domain.Operator{}, err
	}
	if !found {
		return domain.Operator{}, AccessDeniedError{Reason: "session invalidated"}
	}

	now := e.now()
	if elapsed, delay := now.Sub(op.JoinDate), e.validationDelay(); elapsed < delay {
		return domain.Operator{}, CooldownError{Remaining: delay - elapsed}
	}
	if op.HasCompleted(missionID) {
		return domain.Operator{}, ReplayError{MissionID: missionID}
	}
	mission, ok := state.Mission(missionID)
	if !ok {
		return domain.Operator{}, ValidationInputError{
			Field:  "missionId",
			Reason: CodeMissionNotFound,
			Msg:    "mission " + missionID + " not found",
		}
	}
	if normalizeCode(code) != normalizeCode(mission.ValidationCode) {
		return domain.Operator{}, ValidationInputError{
			Field:  "code",
			Reason: CodeInvalidCode,
			Msg:    "INVALID CODE",
		}
	}

	updated := op
	updated.Score = op.Score + mission.Points
	updated.Rank = domain.RankFor(updated.Score)
	updated.CompletedMissions = append(slices.Clone(op.CompletedMissions), missionID)
	updated.LastSeen = now

	if err := e.Store.Update(wctx, domain.OperatorRef(op.ID), docstore.Fields{
		"score":             updated.Score,
		"rank":              string(updated.Rank),
		"completedMissions": updated.CompletedMissions,
		"lastSeen":          now.UnixMilli(),
	}); err != nil {
		return domain.Operator{}, WriteError{Op: "validate mission", Err: err}
	}
	e.logger().Info("mission validated",
		"operator", op.ID, "mission", missionID, "points", mission.Points, "score", updated.Score, "rank", updated.Rank)
	return updated, nil
}
