// Package stream merges the operation config, missions and operators
// subscriptions into one OperationState.
package stream

import (
	"opsync/internal/domain"
)

type Kind int

const (
	KindConfig Kind = iota
	KindMissions
	KindOperators
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindMissions:
		return "missions"
	case KindOperators:
		return "operators"
	}
	return "unknown"
}

// Event is one decoded update from a single stream. A config event with a
// nil Config means operation/main does not exist.
type Event struct {
	Kind      Kind
	Config    *domain.OperationConfig
	Missions  []domain.Mission
	Operators []domain.Operator
}

// Initial is the state before any stream has reported.
func Initial(defaults domain.OperationConfig) domain.OperationState {
	return domain.OperationState{
		OperationConfig: defaults,
		Missions:        []domain.Mission{},
		Operators:       []domain.Operator{},
	}
}

// Reduce applies ev to s. Only the fields owned by ev's stream change.
func Reduce(s domain.OperationState, ev Event, defaults domain.OperationConfig) domain.OperationState {
	switch ev.Kind {
	case KindConfig:
		if ev.Config == nil {
			s.OperationConfig = defaults
		} else {
			s.OperationConfig = *ev.Config
		}
	case KindMissions:
		s.Missions = nonNil(ev.Missions)
	case KindOperators:
		s.Operators = nonNil(ev.Operators)
		s.Loaded = true
	}
	return s
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
