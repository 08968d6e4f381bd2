package server

import (
	"encoding/json"
	"time"

	"opsync/internal/domain"
	"opsync/internal/engine"
	"opsync/internal/events"
)

// Request payloads

type LoginRequest struct {
	Admin       bool   `json:"admin,omitempty"`
	Password    string `json:"password,omitempty"`
	Callsign    string `json:"callsign,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

type ValidateMissionRequest struct {
	Code string `json:"code" minLength:"1"`
}

type UpdateMeRequest struct {
	Callsign *string `json:"callsign,omitempty"`
	Status   *string `json:"status,omitempty" enum:"ONLINE,OFFLINE,KIA"`
}

type UpdateOperationRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	MapURL      *string `json:"mapUrl,omitempty"`
	IsActive    *bool   `json:"isActive,omitempty"`
}

type CreateMissionRequest struct {
	ParentID string `json:"parentId,omitempty"`
}

type UpdateMissionRequest struct {
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Type           string  `json:"type" enum:"PRIMARY,SECONDARY"`
	Status         string  `json:"status" enum:"ACTIVE,IN_PROGRESS,COMPLETED,FAILED"`
	Points         int     `json:"points"`
	ValidationCode string  `json:"validationCode"`
	Duration       int     `json:"duration"`
	StartTime      *int64  `json:"startTime,omitempty" doc:"epoch milliseconds"`
	ParentID       *string `json:"parentId,omitempty"`
}

type AdjustScoreRequest struct {
	Delta int `json:"delta"`
}

type ResetRequest struct {
	Step string `json:"step" enum:"begin,confirm,abort"`
}

// Response payloads

type LoginResponse struct {
	Token       string           `json:"token"`
	Role        string           `json:"role"`
	DeviceToken string           `json:"device_token,omitempty"`
	Operator    *domain.Operator `json:"operator,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type DeleteMissionResponse struct {
	Deleted int `json:"deleted"`
}

type ResetResponse struct {
	Phase string `json:"phase"`
}

type ChangeResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	DocID      string          `json:"doc_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedChanges struct {
	Items      []ChangeResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func changeResponse(c events.Change) ChangeResponse {
	payload := json.RawMessage(`{}`)
	if c.Payload != "" && json.Valid([]byte(c.Payload)) {
		payload = json.RawMessage(c.Payload)
	}
	return ChangeResponse{
		ID:         c.ID,
		TS:         c.TS,
		Type:       c.Type,
		Collection: c.Collection,
		DocID:      c.DocID,
		ActorID:    c.ActorID,
		Payload:    payload,
	}
}

func (r UpdateOperationRequest) patch() engine.ConfigPatch {
	return engine.ConfigPatch{
		Name:        r.Name,
		Description: r.Description,
		MapURL:      r.MapURL,
		IsActive:    r.IsActive,
	}
}

func (r UpdateMissionRequest) mission(id string) domain.Mission {
	m := domain.Mission{
		ID:              id,
		Title:           r.Title,
		Description:     r.Description,
		Type:            domain.MissionType(r.Type),
		Status:          domain.MissionStatus(r.Status),
		Points:          r.Points,
		ValidationCode:  r.ValidationCode,
		DurationMinutes: r.Duration,
		ParentID:        r.ParentID,
	}
	if r.StartTime != nil {
		m.StartTime = time.UnixMilli(*r.StartTime)
	}
	return m
}
