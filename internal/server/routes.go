package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"opsync/internal/domain"
	"opsync/internal/engine"
	"opsync/internal/identity"
	"opsync/internal/session"
)

func (a *api) registerAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in as administrator or operator",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := a.engine.Login(ctx, engine.Credentials{
			Admin:       input.Body.Admin,
			Password:    input.Body.Password,
			Callsign:    input.Body.Callsign,
			DeviceToken: input.Body.DeviceToken,
		})
		if err != nil {
			if input.Body.Admin && engine.Code(err) == engine.CodeAccessDenied {
				return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
			}
			return nil, handleError(err)
		}
		resp := LoginResponse{DeviceToken: res.DeviceToken}
		var subject string
		var role identity.Role
		switch s := res.Session.(type) {
		case session.AdministratorSession:
			subject, role = "admin", identity.RoleAdmin
		case session.OperatorSession:
			op := s.Operator
			subject, role = op.ID, identity.RoleOperator
			resp.Operator = &op
		default:
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "login produced no session", nil)
		}
		token, err := a.tokens.IssueSession(subject, role)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Token = token
		resp.Role = string(role)
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "Log out; operators are marked OFFLINE",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		s, authErr := requireSession(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a.engine.Logout(ctx, s)
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Status: "ok"}}, nil
	})
}

func (a *api) registerState(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Current merged operation state",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.OperationState `json:"body"`
	}, error) {
		if _, authErr := requireSession(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.OperationState `json:"body"`
		}{Body: a.engine.Snapshot()}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-state",
		Method:      http.MethodGet,
		Path:        "/state/stream",
		Summary:     "Stream merged state snapshots",
	}, map[string]any{
		"state":   domain.OperationState{},
		"session": StatusResponse{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		s := sessionFromContext(ctx)
		var op *domain.Operator
		if os, ok := s.(session.OperatorSession); ok {
			op = &os.Operator
		}
		// A fresh login may reach the stream before its roster entry does.
		seen := false
		for state := range a.stream.Subscribe(ctx) {
			if op != nil && state.Loaded {
				_, ok := state.Operator(op.ID)
				if ok {
					seen = true
				} else if seen {
					send.Data(StatusResponse{Status: "session_invalidated"})
					return
				}
			}
			if err := send.Data(state); err != nil {
				return
			}
		}
	})
}

func (a *api) registerOperator(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/validate",
		Summary:     "Complete a mission with its validation code",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string                 `path:"mission_id"`
		Body      ValidateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Operator `json:"body"`
	}, error) {
		s, authErr := requireSession(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := a.engine.ValidateMission(ctx, s, input.MissionID, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operator `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/operators/me",
		Summary:     "Current operator",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Operator `json:"body"`
	}, error) {
		s, authErr := requireSession(ctx)
		if authErr != nil {
			return nil, authErr
		}
		os, ok := s.(session.OperatorSession)
		if !ok {
			return nil, handleError(engine.AccessDeniedError{Reason: "operator session required"})
		}
		return &struct {
			Body domain.Operator `json:"body"`
		}{Body: os.Operator}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-me",
		Method:      http.MethodPut,
		Path:        "/operators/me",
		Summary:     "Update own callsign or status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body UpdateMeRequest `json:"body"`
	}) (*struct {
		Body domain.Operator `json:"body"`
	}, error) {
		s, authErr := requireSession(ctx)
		if authErr != nil {
			return nil, authErr
		}
		os, ok := s.(session.OperatorSession)
		if !ok {
			return nil, handleError(engine.AccessDeniedError{Reason: "operator session required"})
		}
		in := domain.Operator{ID: os.Operator.ID}
		if input.Body.Callsign != nil {
			in.Callsign = *input.Body.Callsign
		}
		if input.Body.Status != nil {
			in.Status = domain.OperatorStatus(*input.Body.Status)
		}
		op, err := a.engine.UpdateOperator(ctx, s, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operator `json:"body"`
		}{Body: op}, nil
	})
}

func (a *api) registerMissions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "create-mission",
		Method:      http.MethodPost,
		Path:        "/missions",
		Summary:     "Add a PRIMARY mission, or a SECONDARY one under parentId",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := a.engine.AddMission(ctx, sessionFromContext(ctx), input.Body.ParentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-mission",
		Method:      http.MethodPut,
		Path:        "/missions/{mission_id}",
		Summary:     "Overwrite a mission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"mission_id"`
		Body      UpdateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := a.engine.EditMission(ctx, sessionFromContext(ctx), input.Body.mission(input.MissionID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-mission",
		Method:      http.MethodDelete,
		Path:        "/missions/{mission_id}",
		Summary:     "Delete a mission; PRIMARY missions take their sub-objectives with them",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body DeleteMissionResponse `json:"body"`
	}, error) {
		n, err := a.engine.DeleteMission(ctx, sessionFromContext(ctx), input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteMissionResponse `json:"body"`
		}{Body: DeleteMissionResponse{Deleted: n}}, nil
	})
}

func (a *api) registerAdmin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "update-operation",
		Method:      http.MethodPatch,
		Path:        "/operation",
		Summary:     "Merge operation config fields",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpdateOperationRequest `json:"body"`
	}) (*struct {
		Body domain.OperationConfig `json:"body"`
	}, error) {
		if err := a.engine.UpdateOperationConfig(ctx, sessionFromContext(ctx), input.Body.patch()); err != nil {
			return nil, handleError(err)
		}
		// The stream may not have caught up yet; echo the requested values.
		cfg := a.engine.Snapshot().OperationConfig
		if p := input.Body; p.Name != nil {
			cfg.Name = *p.Name
		}
		if p := input.Body; p.Description != nil {
			cfg.Description = *p.Description
		}
		if p := input.Body; p.MapURL != nil {
			cfg.MapURL = *p.MapURL
		}
		if p := input.Body; p.IsActive != nil {
			cfg.IsActive = *p.IsActive
		}
		return &struct {
			Body domain.OperationConfig `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-score",
		Method:      http.MethodPost,
		Path:        "/operators/{operator_id}/score",
		Summary:     "Add to or subtract from an operator's score",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperatorID string             `path:"operator_id"`
		Body       AdjustScoreRequest `json:"body"`
	}) (*struct {
		Body domain.Operator `json:"body"`
	}, error) {
		op, err := a.engine.AdjustScore(ctx, sessionFromContext(ctx), input.OperatorID, input.Body.Delta)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operator `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-operator",
		Method:        http.MethodDelete,
		Path:          "/operators/{operator_id}",
		Summary:       "Remove an operator and end their session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperatorID string `path:"operator_id"`
	}) (*struct{}, error) {
		if err := a.engine.RemoveOperator(ctx, sessionFromContext(ctx), input.OperatorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset",
		Method:      http.MethodPost,
		Path:        "/reset",
		Summary:     "Drive the two-step forced reset",
		Description: "begin arms the protocol, the first confirm moves to the second step, the second confirm executes. abort disarms.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ResetRequest `json:"body"`
	}) (*struct {
		Body ResetResponse `json:"body"`
	}, error) {
		s := sessionFromContext(ctx)
		var (
			phase engine.ResetPhase
			err   error
		)
		switch input.Body.Step {
		case "begin":
			phase, err = a.reset.Begin(s)
		case "confirm":
			phase, err = a.reset.Confirm(ctx, s)
		case "abort":
			if err = requireAdminSession(s); err == nil {
				phase = a.reset.Abort()
			}
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown step", map[string]any{"step": input.Body.Step})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResetResponse `json:"body"`
		}{Body: ResetResponse{Phase: string(phase)}}, nil
	})
}

func requireAdminSession(s session.Session) error {
	if session.KindOf(s) != session.KindAdministrator {
		return engine.AccessDeniedError{Reason: "administrator session required"}
	}
	return nil
}

func (a *api) registerChanges(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/changes",
		Summary:     "List store changes, oldest first after cursor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Collection string `query:"collection" doc:"operation, missions or operators"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedChanges `json:"body"`
	}, error) {
		if err := requireAdminSession(sessionFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.changes.AfterIn(ctx, cursorID, limit+1, input.Collection)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedChanges{Items: []ChangeResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, c := range items {
			resp.Items = append(resp.Items, changeResponse(c))
		}
		return &struct {
			Body paginatedChanges `json:"body"`
		}{Body: resp}, nil
	})
}
