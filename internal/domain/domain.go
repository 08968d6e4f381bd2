package domain

import (
	"slices"
	"time"
)

// Store paths.
const (
	CollectionOperation = "operation"
	OperationDocID      = "main"
	CollectionMissions  = "missions"
	CollectionOperators = "operators"
)

type MissionType string

const (
	MissionPrimary   MissionType = "PRIMARY"
	MissionSecondary MissionType = "SECONDARY"
)

type MissionStatus string

const (
	MissionActive     MissionStatus = "ACTIVE"
	MissionInProgress MissionStatus = "IN_PROGRESS"
	MissionCompleted  MissionStatus = "COMPLETED"
	MissionFailed     MissionStatus = "FAILED"
)

func (s MissionStatus) Valid() bool {
	switch s {
	case MissionActive, MissionInProgress, MissionCompleted, MissionFailed:
		return true
	}
	return false
}

type OperatorStatus string

const (
	OperatorOnline  OperatorStatus = "ONLINE"
	OperatorOffline OperatorStatus = "OFFLINE"
	OperatorKIA     OperatorStatus = "KIA"
)

func (s OperatorStatus) Valid() bool {
	switch s {
	case OperatorOnline, OperatorOffline, OperatorKIA:
		return true
	}
	return false
}

// OperationConfig is the administrator-owned singleton at operation/main.
type OperationConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MapURL      string `json:"mapUrl"`
	IsActive    bool   `json:"isActive"`
}

const (
	DefaultOperationName        = "OPERATION ACTIVE"
	DefaultOperationDescription = "Awaiting orders from HQ..."
	DefaultMapURL               = "https://picsum.photos/seed/airsoftmap/1200/800"
	ResetOperationName          = "NEW OPERATION"
	ResetDescription            = "RESET PROTOCOL EXECUTED. ALL MISSIONS HAVE BEEN RESET."
)

// DefaultOperationConfig is used while operation/main does not exist.
func DefaultOperationConfig(mapURL string) OperationConfig {
	if mapURL == "" {
		mapURL = DefaultMapURL
	}
	return OperationConfig{
		Name:        DefaultOperationName,
		Description: DefaultOperationDescription,
		MapURL:      mapURL,
		IsActive:    true,
	}
}

type Mission struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	Type            MissionType   `json:"type" enum:"PRIMARY,SECONDARY"`
	Status          MissionStatus `json:"status" enum:"ACTIVE,IN_PROGRESS,COMPLETED,FAILED"`
	Points          int           `json:"points" minimum:"0"`
	ValidationCode  string        `json:"validationCode"`
	StartTime       time.Time     `json:"startTime"`
	DurationMinutes int           `json:"duration"`
	ParentID        *string       `json:"parentId,omitempty"`
}

// Parent returns the parent mission id, or "" for a top-level mission.
func (m Mission) Parent() string {
	if m.ParentID == nil {
		return ""
	}
	return *m.ParentID
}

type Operator struct {
	ID                string         `json:"id"`
	Callsign          string         `json:"callsign"`
	Score             int            `json:"score"`
	Rank              Rank           `json:"rank"`
	Status            OperatorStatus `json:"status" enum:"ONLINE,OFFLINE,KIA"`
	LastSeen          time.Time      `json:"lastSeen"`
	JoinDate          time.Time      `json:"joinDate"`
	CompletedMissions []string       `json:"completedMissions"`
}

func (o Operator) HasCompleted(missionID string) bool {
	return slices.Contains(o.CompletedMissions, missionID)
}

// Equal reports whether two roster entries carry the same data.
func (o Operator) Equal(other Operator) bool {
	return o.ID == other.ID &&
		o.Callsign == other.Callsign &&
		o.Score == other.Score &&
		o.Rank == other.Rank &&
		o.Status == other.Status &&
		o.LastSeen.Equal(other.LastSeen) &&
		o.JoinDate.Equal(other.JoinDate) &&
		slices.Equal(o.CompletedMissions, other.CompletedMissions)
}

// OperationState is the merged client-side view of the three store streams.
type OperationState struct {
	OperationConfig
	Missions  []Mission  `json:"missions"`
	Operators []Operator `json:"operators"`
	Loaded    bool       `json:"loaded"`
}

func (s OperationState) Mission(id string) (Mission, bool) {
	for _, m := range s.Missions {
		if m.ID == id {
			return m, true
		}
	}
	return Mission{}, false
}

func (s OperationState) Operator(id string) (Operator, bool) {
	for _, o := range s.Operators {
		if o.ID == id {
			return o, true
		}
	}
	return Operator{}, false
}

// Children lists the missions whose parent is parentID, in insertion order.
func (s OperationState) Children(parentID string) []Mission {
	var out []Mission
	for _, m := range s.Missions {
		if m.Parent() == parentID && parentID != "" {
			out = append(out, m)
		}
	}
	return out
}
