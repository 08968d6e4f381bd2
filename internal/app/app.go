package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"opsync/internal/config"
	"opsync/internal/db"
	"opsync/internal/docstore"
	"opsync/internal/domain"
	"opsync/internal/engine"
	"opsync/internal/identity"
	"opsync/internal/migrate"
	"opsync/internal/stream"
)

// Options control how a workspace is opened.
type Options struct {
	Workspace string
	// RequireSecret fails Open when OPSYNC_JWT_SECRET is unset. Local CLI
	// commands issue no tokens and run with an ephemeral secret instead.
	RequireSecret bool
	Logger        *slog.Logger
}

// Runtime is an opened workspace with its stream running.
type Runtime struct {
	DB      *sql.DB
	Store   *docstore.SQLStore
	Stream  *stream.Multiplexer
	Engine  engine.Engine
	Tokens  *identity.JWTProvider
	Config  *config.Config
	Secrets config.Secrets

	cancel context.CancelFunc
}

// Open loads config and secrets, migrates the workspace database and starts
// the state stream. The stream is loaded when Open returns.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	if secrets.JWTSecret == "" {
		if opts.RequireSecret {
			return nil, errors.New("OPSYNC_JWT_SECRET must be set")
		}
		secrets.JWTSecret, err = ephemeralSecret()
		if err != nil {
			return nil, err
		}
	}
	tokens, err := identity.NewJWTProvider(secrets.JWTSecret)
	if err != nil {
		return nil, err
	}
	tokens.SessionTTL = cfg.Server.SessionTTL

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store := docstore.NewSQLStore(conn)

	runCtx, cancel := context.WithCancel(context.Background())
	mux := stream.New(store, domain.DefaultOperationConfig(cfg.Operation.DefaultMapURL), logger)
	if err := mux.Start(runCtx); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("start stream: %w", err)
	}
	if err := mux.WaitLoaded(ctx); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}

	eng, err := engine.New(store, mux, tokens, cfg, secrets.AdminPassword)
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	eng.Logger = logger
	return &Runtime{
		DB:      conn,
		Store:   store,
		Stream:  mux,
		Engine:  eng,
		Tokens:  tokens,
		Config:  cfg,
		Secrets: secrets,
		cancel:  cancel,
	}, nil
}

// Close stops the stream and closes the database.
func (r *Runtime) Close() error {
	r.cancel()
	<-r.Stream.Done()
	return r.DB.Close()
}

func ephemeralSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
