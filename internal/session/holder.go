package session

import (
	"context"
	"log/slog"
	"sync"

	"opsync/internal/domain"
)

// Holder is the per-client session cell.
type Holder struct {
	mu      sync.RWMutex
	current Session
	pending int
	// seen is set once the held operator has appeared in a roster. Until
	// then an absent operator is assumed not yet propagated.
	seen bool
}

func NewHolder() *Holder {
	return &Holder{current: Unauthenticated{}}
}

func (h *Holder) Get() Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *Holder) Set(s Session) {
	if s == nil {
		s = Unauthenticated{}
	}
	h.mu.Lock()
	h.current = s
	h.seen = false
	h.mu.Unlock()
}

// RefreshOperator replaces the held operator copy if the session still
// belongs to op.ID.
func (h *Holder) RefreshOperator(op domain.Operator) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.current.(OperatorSession)
	if !ok || cur.Operator.ID != op.ID {
		return false
	}
	h.current = OperatorSession{Operator: op}
	return true
}

// BeginMutation marks the held operator as being written by this client.
// Roster refreshes are skipped until the returned func is called;
// invalidation still applies.
func (h *Holder) BeginMutation() (done func()) {
	h.mu.Lock()
	h.pending++
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			h.pending--
			h.mu.Unlock()
		})
	}
}

// Apply reconciles the held session against roster and reports whether it changed.
func (h *Holder) Apply(roster []domain.Operator) (prev, next Session, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev = h.current
	if op, ok := prev.(OperatorSession); ok && !h.seen {
		if !inRoster(roster, op.Operator.ID) {
			return prev, prev, false
		}
		h.seen = true
	}
	next = Reconcile(prev, roster)
	if _, refresh := next.(OperatorSession); refresh && h.pending > 0 {
		return prev, prev, false
	}
	if Same(prev, next) {
		return prev, prev, false
	}
	h.current = next
	return prev, next, true
}

// Transition is a session change made by the monitor.
type Transition struct {
	From Session
	To   Session
}

// Invalidated reports whether an operator lost their session.
func (t Transition) Invalidated() bool {
	_, was := t.From.(OperatorSession)
	_, now := t.To.(Unauthenticated)
	return was && now
}

// Monitor applies every loaded snapshot's roster to a Holder.
type Monitor struct {
	Holder   *Holder
	Logger   *slog.Logger
	OnChange func(Transition)
}

// Observe reconciles against one snapshot. Snapshots taken before the roster
// has loaded are ignored.
func (m Monitor) Observe(state domain.OperationState) {
	if !state.Loaded {
		return
	}
	prev, next, changed := m.Holder.Apply(state.Operators)
	if !changed {
		return
	}
	t := Transition{From: prev, To: next}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if t.Invalidated() {
		logger.Info("session invalidated", "operator", prev.(OperatorSession).Operator.ID)
	} else {
		logger.Debug("session refreshed", "kind", KindOf(next))
	}
	if m.OnChange != nil {
		m.OnChange(t)
	}
}

// Run observes snapshots until the channel closes or ctx ends.
func (m Monitor) Run(ctx context.Context, snapshots <-chan domain.OperationState) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snapshots:
			if !ok {
				return
			}
			m.Observe(s)
		}
	}
}

func inRoster(roster []domain.Operator, id string) bool {
	for _, o := range roster {
		if o.ID == id {
			return true
		}
	}
	return false
}
