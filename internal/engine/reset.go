package engine

import (
	"context"
	"sync"

	"opsync/internal/docstore"
	"opsync/internal/domain"
	"opsync/internal/session"
)

type ResetPhase string

const (
	ResetNone         ResetPhase = "NONE"
	ResetConfirmStep1 ResetPhase = "CONFIRM_STEP_1"
	ResetConfirmStep2 ResetPhase = "CONFIRM_STEP_2"
	ResetExecuting    ResetPhase = "EXECUTING"
)

// ResetProtocol guards the forced reset behind two confirmations.
type ResetProtocol struct {
	engine Engine

	mu    sync.Mutex
	phase ResetPhase
}

func (e Engine) NewResetProtocol() *ResetProtocol {
	return &ResetProtocol{engine: e, phase: ResetNone}
}

func (r *ResetProtocol) Phase() ResetPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Begin arms the protocol. Beginning again before execution restarts at the
// first confirmation.
func (r *ResetProtocol) Begin(s session.Session) (ResetPhase, error) {
	if err := requireAdmin(s); err != nil {
		return r.Phase(), err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == ResetExecuting {
		return r.phase, ErrResetInProgress
	}
	r.phase = ResetConfirmStep1
	return r.phase, nil
}

// Abort disarms the protocol from either confirmation step.
func (r *ResetProtocol) Abort() ResetPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == ResetConfirmStep1 || r.phase == ResetConfirmStep2 {
		r.phase = ResetNone
	}
	return r.phase
}

// Confirm advances the protocol. The second confirmation executes the reset
// and the protocol returns to NONE whatever the outcome.
func (r *ResetProtocol) Confirm(ctx context.Context, s session.Session) (ResetPhase, error) {
	if err := requireAdmin(s); err != nil {
		return r.Phase(), err
	}
	r.mu.Lock()
	switch r.phase {
	case ResetNone:
		r.mu.Unlock()
		return ResetNone, ErrResetNotArmed
	case ResetExecuting:
		r.mu.Unlock()
		return ResetExecuting, ErrResetInProgress
	case ResetConfirmStep1:
		r.phase = ResetConfirmStep2
		r.mu.Unlock()
		return ResetConfirmStep2, nil
	}
	r.phase = ResetExecuting
	r.mu.Unlock()

	err := r.engine.ExecuteReset(ctx, s)

	r.mu.Lock()
	r.phase = ResetNone
	r.mu.Unlock()
	return ResetNone, err
}

// ExecuteReset restores every mission to ACTIVE, deletes every operator and
// rewrites operation/main, all in one batch. Prior name and map come from the
// current snapshot.
func (e Engine) ExecuteReset(ctx context.Context, s session.Session) error {
	if err := requireAdmin(s); err != nil {
		return err
	}
	prior := e.State.Snapshot().OperationConfig
	wctx, cancel := e.writeContext(ctx, adminActor)
	defer cancel()

	missions, err := e.Store.Query(wctx, domain.CollectionMissions, docstore.Query{})
	if err != nil {
		return BatchCommitError{Op: "reset", Err: err}
	}
	operators, err := e.Store.Query(wctx, domain.CollectionOperators, docstore.Query{})
	if err != nil {
		return BatchCommitError{Op: "reset", Err: err}
	}

	batch := docstore.NewBatch()
	for _, m := range missions {
		batch.Update(m.Ref, docstore.Fields{"status": string(domain.MissionActive)})
	}
	for _, o := range operators {
		batch.Delete(o.Ref)
	}
	name := prior.Name
	if name == "" {
		name = domain.ResetOperationName
	}
	mapURL := prior.MapURL
	if mapURL == "" {
		mapURL = e.DefaultConfig().MapURL
	}
	batch.Set(domain.ConfigRef(), domain.OperationConfig{
		Name:        name,
		Description: domain.ResetDescription,
		MapURL:      mapURL,
		IsActive:    true,
	}.Fields())

	if err := e.Store.Commit(wctx, batch); err != nil {
		e.logger().Error("reset failed", "err", err)
		return BatchCommitError{Op: "reset", Err: err}
	}
	e.logger().Warn("operation reset", "missions", len(missions), "operators_removed", len(operators))
	return nil
}
