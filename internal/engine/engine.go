package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"opsync/internal/config"
	"opsync/internal/docstore"
	"opsync/internal/domain"
	"opsync/internal/identity"
)

// StateSource yields the current merged operation state.
type StateSource interface {
	Snapshot() domain.OperationState
}

type Engine struct {
	Store    docstore.Store
	State    StateSource
	Identity identity.Provider
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time

	adminHash []byte
	locks     *keyLocks
}

// New builds an engine. The administrator password is hashed once here and
// never kept in clear.
func New(store docstore.Store, state StateSource, ident identity.Provider, cfg *config.Config, adminPassword string) (Engine, error) {
	if store == nil || state == nil || ident == nil {
		return Engine{}, errors.New("engine requires a store, a state source and an identity provider")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if adminPassword == "" {
		return Engine{}, errors.New("admin password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return Engine{}, fmt.Errorf("hash admin password: %w", err)
	}
	return Engine{
		Store:     store,
		State:     state,
		Identity:  ident,
		Config:    cfg,
		Logger:    slog.Default(),
		Now:       time.Now,
		adminHash: hash,
		locks:     newKeyLocks(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) validationDelay() time.Duration {
	if e.Config == nil {
		return config.Default().Validation.Delay
	}
	return e.Config.Validation.Delay
}

// DefaultConfig is the operation config shown while operation/main is missing.
func (e Engine) DefaultConfig() domain.OperationConfig {
	mapURL := ""
	if e.Config != nil {
		mapURL = e.Config.Operation.DefaultMapURL
	}
	return domain.DefaultOperationConfig(mapURL)
}

// writeContext bounds a store write by the configured timeout and attributes
// it to actor in the change log.
func (e Engine) writeContext(ctx context.Context, actor string) (context.Context, context.CancelFunc) {
	timeout := 10 * time.Second
	if e.Config != nil && e.Config.Store.WriteTimeout > 0 {
		timeout = e.Config.Store.WriteTimeout
	}
	if actor != "" {
		ctx = docstore.WithActor(ctx, actor)
	}
	return context.WithTimeout(ctx, timeout)
}

// loadOperator reads the stored operator; found is false when the document
// does not exist.
func (e Engine) loadOperator(ctx context.Context, id string) (op domain.Operator, found bool, err error) {
	doc, err := e.Store.Get(ctx, domain.OperatorRef(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return domain.Operator{}, false, nil
	}
	if err != nil {
		return domain.Operator{}, false, WriteError{Op: "load operator", Err: err}
	}
	op, err = domain.OperatorFromDocument(doc)
	if err != nil {
		return domain.Operator{}, false, err
	}
	return op, true, nil
}

func operatorNotFound(id string) error {
	return ValidationInputError{Field: "operatorId", Reason: CodeOperatorNotFound, Msg: "operator " + id + " not found"}
}

// Snapshot returns the current merged state.
func (e Engine) Snapshot() domain.OperationState {
	return e.State.Snapshot()
}
