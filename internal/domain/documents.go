package domain

import (
	"fmt"
	"time"

	"opsync/internal/docstore"
)

func ConfigRef() docstore.Ref { return docstore.Doc(CollectionOperation, OperationDocID) }

func MissionRef(id string) docstore.Ref { return docstore.Doc(CollectionMissions, id) }

func OperatorRef(id string) docstore.Ref { return docstore.Doc(CollectionOperators, id) }

// Document forms. Times travel as epoch milliseconds.

type missionDoc struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Type           MissionType   `json:"type"`
	Status         MissionStatus `json:"status"`
	Points         int           `json:"points"`
	ValidationCode string        `json:"validationCode"`
	StartTime      int64         `json:"startTime"`
	Duration       int           `json:"duration"`
	ParentID       *string       `json:"parentId"`
}

type operatorDoc struct {
	ID                string         `json:"id"`
	Callsign          string         `json:"callsign"`
	Score             int            `json:"score"`
	Rank              Rank           `json:"rank"`
	Status            OperatorStatus `json:"status"`
	LastSeen          int64          `json:"lastSeen"`
	JoinDate          int64          `json:"joinDate"`
	CompletedMissions []string       `json:"completedMissions"`
}

func (c OperationConfig) Fields() docstore.Fields {
	return docstore.Fields{
		"name":        c.Name,
		"description": c.Description,
		"mapUrl":      c.MapURL,
		"isActive":    c.IsActive,
	}
}

// ConfigFromDocument decodes operation/main. Keys missing from the document
// keep the values of base.
func ConfigFromDocument(doc docstore.Document, base OperationConfig) (OperationConfig, error) {
	cfg := base
	if err := doc.Decode(&cfg); err != nil {
		return OperationConfig{}, err
	}
	return cfg, nil
}

// Fields encodes a mission. An absent or empty parent is left out entirely.
func (m Mission) Fields() docstore.Fields {
	f := docstore.Fields{
		"id":             m.ID,
		"title":          m.Title,
		"description":    m.Description,
		"type":           string(m.Type),
		"status":         string(m.Status),
		"points":         m.Points,
		"validationCode": m.ValidationCode,
		"startTime":      m.StartTime.UnixMilli(),
		"duration":       m.DurationMinutes,
	}
	if p := m.Parent(); p != "" {
		f["parentId"] = p
	}
	return f
}

func MissionFromDocument(doc docstore.Document) (Mission, error) {
	var d missionDoc
	if err := doc.Decode(&d); err != nil {
		return Mission{}, err
	}
	if d.ID == "" {
		d.ID = doc.Ref.ID
	}
	m := Mission{
		ID:              d.ID,
		Title:           d.Title,
		Description:     d.Description,
		Type:            d.Type,
		Status:          d.Status,
		Points:          d.Points,
		ValidationCode:  d.ValidationCode,
		StartTime:       time.UnixMilli(d.StartTime),
		DurationMinutes: d.Duration,
	}
	if d.ParentID != nil && *d.ParentID != "" {
		p := *d.ParentID
		m.ParentID = &p
	}
	return m, nil
}

func (o Operator) Fields() docstore.Fields {
	completed := o.CompletedMissions
	if completed == nil {
		completed = []string{}
	}
	return docstore.Fields{
		"id":                o.ID,
		"callsign":          o.Callsign,
		"score":             o.Score,
		"rank":              string(o.Rank),
		"status":            string(o.Status),
		"lastSeen":          o.LastSeen.UnixMilli(),
		"joinDate":          o.JoinDate.UnixMilli(),
		"completedMissions": completed,
	}
}

func OperatorFromDocument(doc docstore.Document) (Operator, error) {
	var d operatorDoc
	if err := doc.Decode(&d); err != nil {
		return Operator{}, err
	}
	if d.ID == "" {
		d.ID = doc.Ref.ID
	}
	completed := d.CompletedMissions
	if completed == nil {
		completed = []string{}
	}
	return Operator{
		ID:                d.ID,
		Callsign:          d.Callsign,
		Score:             d.Score,
		Rank:              d.Rank,
		Status:            d.Status,
		LastSeen:          time.UnixMilli(d.LastSeen),
		JoinDate:          time.UnixMilli(d.JoinDate),
		CompletedMissions: completed,
	}, nil
}

// MissionsFromDocuments decodes a collection snapshot, keeping its order.
func MissionsFromDocuments(docs []docstore.Document) ([]Mission, error) {
	out := make([]Mission, 0, len(docs))
	for _, doc := range docs {
		m, err := MissionFromDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("mission %s: %w", doc.Ref.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func OperatorsFromDocuments(docs []docstore.Document) ([]Operator, error) {
	out := make([]Operator, 0, len(docs))
	for _, doc := range docs {
		o, err := OperatorFromDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", doc.Ref.ID, err)
		}
		out = append(out, o)
	}
	return out, nil
}
