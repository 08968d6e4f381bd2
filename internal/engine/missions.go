package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"opsync/internal/docstore"
	"opsync/internal/domain"
	"opsync/internal/session"
)

const defaultMissionDuration = 60

type missionTemplate struct {
	title       string
	description string
	points      int
}

var (
	primaryTemplate   = missionTemplate{title: "NEW OBJECTIVE", description: "TACTICAL OBJECTIVE.", points: 100}
	secondaryTemplate = missionTemplate{title: "SUB-OBJECTIVE", description: "SECONDARY TASK.", points: 50}
)

// newValidationCode returns CODE- followed by four digits in 1000-9999.
func newValidationCode() string {
	return fmt.Sprintf("CODE-%d", 1000+rand.IntN(9000))
}

// checkParent ensures parentID names an existing PRIMARY mission other than missionID.
func checkParent(state domain.OperationState, missionID, parentID string) error {
	if parentID == missionID {
		return IntegrityError{MissionID: missionID, Reason: "a mission cannot be its own parent"}
	}
	parent, ok := state.Mission(parentID)
	if !ok {
		return IntegrityError{MissionID: missionID, Reason: "parent " + parentID + " does not exist"}
	}
	if parent.Type != domain.MissionPrimary {
		return IntegrityError{MissionID: missionID, Reason: "parent " + parentID + " is not a PRIMARY mission"}
	}
	return nil
}

// AddMission creates a PRIMARY mission, or a SECONDARY one under parentID.
func (e Engine) AddMission(ctx context.Context, s session.Session, parentID string) (domain.Mission, error) {
	if err := requireAdmin(s); err != nil {
		return domain.Mission{}, err
	}
	id := uuid.NewString()
	tpl, kind := primaryTemplate, domain.MissionPrimary
	var parent *string
	if parentID != "" {
		if err := checkParent(e.State.Snapshot(), id, parentID); err != nil {
			return domain.Mission{}, err
		}
		tpl, kind = secondaryTemplate, domain.MissionSecondary
		parent = &parentID
	}
	m := domain.Mission{
		ID:              id,
		Title:           tpl.title,
		Description:     tpl.description,
		Type:            kind,
		Status:          domain.MissionActive,
		Points:          tpl.points,
		ValidationCode:  newValidationCode(),
		StartTime:       e.now(),
		DurationMinutes: defaultMissionDuration,
		ParentID:        parent,
	}
	wctx, cancel := e.writeContext(ctx, adminActor)
	defer cancel()
	if err := e.Store.Set(wctx, domain.MissionRef(id), m.Fields()); err != nil {
		return domain.Mission{}, WriteError{Op: "add mission", Err: err}
	}
	e.logger().Info("mission added", "mission", id, "type", kind, "parent", parentID)
	return m, nil
}

// EditMission overwrites a mission document. An absent parent is omitted
// from the stored document.
func (e Engine) EditMission(ctx context.Context, s session.Session, m domain.Mission) (domain.Mission, error) {
	if err := requireAdmin(s); err != nil {
		return domain.Mission{}, err
	}
	if strings.TrimSpace(m.ID) == "" {
		return domain.Mission{}, ValidationInputError{Field: "id", Reason: CodeInvalidInput, Msg: "mission id is required"}
	}
	if m.Points < 0 {
		return domain.Mission{}, ValidationInputError{Field: "points", Reason: CodeInvalidInput, Msg: "points must not be negative"}
	}
	if m.DurationMinutes < 0 {
		return domain.Mission{}, ValidationInputError{Field: "duration", Reason: CodeInvalidInput, Msg: "duration must not be negative"}
	}
	if m.Type != domain.MissionPrimary && m.Type != domain.MissionSecondary {
		return domain.Mission{}, ValidationInputError{Field: "type", Reason: CodeInvalidInput, Msg: "unknown mission type " + string(m.Type)}
	}
	if !m.Status.Valid() {
		return domain.Mission{}, ValidationInputError{Field: "status", Reason: CodeInvalidInput, Msg: "unknown mission status " + string(m.Status)}
	}
	m.ValidationCode = strings.TrimSpace(m.ValidationCode)
	if m.ValidationCode == "" {
		return domain.Mission{}, ValidationInputError{Field: "validationCode", Reason: CodeInvalidInput, Msg: "validation code is required"}
	}

	state := e.State.Snapshot()
	current, ok := state.Mission(m.ID)
	if !ok {
		return domain.Mission{}, ValidationInputError{Field: "id", Reason: CodeMissionNotFound, Msg: "mission " + m.ID + " not found"}
	}
	if p := m.Parent(); p != "" {
		if err := checkParent(state, m.ID, p); err != nil {
			return domain.Mission{}, err
		}
		if len(state.Children(m.ID)) > 0 {
			return domain.Mission{}, IntegrityError{MissionID: m.ID, Reason: "a mission with sub-objectives cannot become one"}
		}
	} else {
		m.ParentID = nil
	}
	if m.Type == domain.MissionSecondary && m.ParentID == nil {
		return domain.Mission{}, IntegrityError{MissionID: m.ID, Reason: "SECONDARY missions need a parent"}
	}
	if m.Type == domain.MissionPrimary && m.ParentID != nil {
		return domain.Mission{}, IntegrityError{MissionID: m.ID, Reason: "PRIMARY missions cannot have a parent"}
	}
	if m.StartTime.IsZero() {
		m.StartTime = current.StartTime
	}

	wctx, cancel := e.writeContext(ctx, adminActor)
	defer cancel()
	if err := e.Store.Set(wctx, domain.MissionRef(m.ID), m.Fields()); err != nil {
		return domain.Mission{}, WriteError{Op: "edit mission", Err: err}
	}
	e.logger().Info("mission edited", "mission", m.ID)
	return m, nil
}

// DeleteMission removes a mission. Deleting a PRIMARY mission removes its
// SECONDARY children in the same batch.
func (e Engine) DeleteMission(ctx context.Context, s session.Session, id string) (int, error) {
	if err := requireAdmin(s); err != nil {
		return 0, err
	}
	state := e.State.Snapshot()
	m, ok := state.Mission(id)
	if !ok {
		return 0, ValidationInputError{Field: "id", Reason: CodeMissionNotFound, Msg: "mission " + id + " not found"}
	}
	wctx, cancel := e.writeContext(ctx, adminActor)
	defer cancel()
	batch := docstore.NewBatch().Delete(domain.MissionRef(id))
	if m.Type == domain.MissionPrimary {
		// The store is authoritative for children; the snapshot may lag.
		children, err := e.Store.Query(wctx, domain.CollectionMissions, docstore.Query{
			Where: []docstore.Filter{{Field: "parentId", Value: id}},
		})
		if err != nil {
			return 0, BatchCommitError{Op: "delete mission", Err: err}
		}
		for _, child := range children {
			batch.Delete(child.Ref)
		}
	}
	if err := e.Store.Commit(wctx, batch); err != nil {
		return 0, BatchCommitError{Op: "delete mission", Err: err}
	}
	e.logger().Info("mission deleted", "mission", id, "documents", batch.Len())
	return batch.Len(), nil
}
