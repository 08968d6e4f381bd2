package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
)

func operator(id string, score int) domain.Operator {
	ts := time.UnixMilli(1_700_000_000_000)
	return domain.Operator{ID: id, Callsign: "OP-" + id, Score: score, Rank: domain.RankFor(score), Status: domain.OperatorOnline, JoinDate: ts, LastSeen: ts, CompletedMissions: []string{}}
}

func TestReconcile(t *testing.T) {
	u1 := operator("u1", 0)
	roster := []domain.Operator{operator("u2", 50), u1}

	t.Run("unchanged operator keeps session", func(t *testing.T) {
		got := Reconcile(OperatorSession{Operator: u1}, roster)
		assert.True(t, Same(OperatorSession{Operator: u1}, got))
	})
	t.Run("absent operator is signed out", func(t *testing.T) {
		got := Reconcile(OperatorSession{Operator: operator("gone", 0)}, roster)
		assert.Equal(t, KindUnauthenticated, KindOf(got))
	})
	t.Run("changed roster copy replaces held copy", func(t *testing.T) {
		updated := operator("u1", 150)
		got := Reconcile(OperatorSession{Operator: u1}, []domain.Operator{updated})
		os, ok := got.(OperatorSession)
		require.True(t, ok)
		assert.Equal(t, 150, os.Operator.Score)
		assert.Equal(t, domain.RankPrivate, os.Operator.Rank)
	})
	t.Run("admin and anonymous are untouched", func(t *testing.T) {
		assert.Equal(t, KindAdministrator, KindOf(Reconcile(AdministratorSession{}, nil)))
		assert.Equal(t, KindUnauthenticated, KindOf(Reconcile(Unauthenticated{}, roster)))
		assert.Equal(t, KindUnauthenticated, KindOf(Reconcile(nil, roster)))
	})
}

func TestHolderWaitsForOperatorToAppear(t *testing.T) {
	h := NewHolder()
	h.Set(OperatorSession{Operator: operator("u1", 0)})

	_, _, changed := h.Apply([]domain.Operator{operator("u2", 0)})
	assert.False(t, changed, "a fresh login is not invalidated by a stale roster")

	_, _, changed = h.Apply([]domain.Operator{operator("u1", 0)})
	assert.False(t, changed)

	_, next, changed := h.Apply([]domain.Operator{operator("u2", 0)})
	assert.True(t, changed)
	assert.Equal(t, KindUnauthenticated, KindOf(next))
}

func TestHolderSkipsRefreshWhileMutating(t *testing.T) {
	h := NewHolder()
	h.Set(OperatorSession{Operator: operator("u1", 0)})
	h.Apply([]domain.Operator{operator("u1", 0)})

	done := h.BeginMutation()
	_, _, changed := h.Apply([]domain.Operator{operator("u1", 100)})
	assert.False(t, changed)
	assert.Equal(t, 0, h.Get().(OperatorSession).Operator.Score)

	_, next, changed := h.Apply(nil)
	assert.True(t, changed, "invalidation applies even mid-mutation")
	assert.Equal(t, KindUnauthenticated, KindOf(next))

	done()
	done()
	h.Set(OperatorSession{Operator: operator("u1", 0)})
	h.Apply([]domain.Operator{operator("u1", 0)})
	_, next, changed = h.Apply([]domain.Operator{operator("u1", 100)})
	assert.True(t, changed)
	assert.Equal(t, 100, next.(OperatorSession).Operator.Score)
}

func TestMonitorIgnoresUnloadedSnapshots(t *testing.T) {
	h := NewHolder()
	h.Set(OperatorSession{Operator: operator("u1", 0)})
	var transitions []Transition
	m := Monitor{Holder: h, OnChange: func(tr Transition) { transitions = append(transitions, tr) }}

	m.Observe(domain.OperationState{Operators: []domain.Operator{}})
	assert.Equal(t, KindOperator, KindOf(h.Get()))
	assert.Empty(t, transitions)

	m.Observe(domain.OperationState{Loaded: true, Operators: []domain.Operator{operator("u1", 0)}})
	assert.Empty(t, transitions)

	m.Observe(domain.OperationState{Loaded: true, Operators: []domain.Operator{}})
	assert.Equal(t, KindUnauthenticated, KindOf(h.Get()))
	require.Len(t, transitions, 1)
	assert.True(t, transitions[0].Invalidated())
}
