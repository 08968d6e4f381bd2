package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"opsync/internal/docstore"
	"opsync/internal/domain"
	"opsync/internal/engine"
	"opsync/internal/identity"
	"opsync/internal/session"
)

// TokenIssuer signs and verifies session tokens.
type TokenIssuer interface {
	IssueSession(subject string, role identity.Role) (string, error)
	ParseSession(token string) (identity.SessionClaims, error)
}

type sessionKey struct{}

func withSession(ctx context.Context, s session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// sessionFromContext returns the authenticated session or Unauthenticated.
func sessionFromContext(ctx context.Context) session.Session {
	if s, ok := ctx.Value(sessionKey{}).(session.Session); ok && s != nil {
		return s
	}
	return session.Unauthenticated{}
}

func requireSession(ctx context.Context) (session.Session, huma.StatusError) {
	s := sessionFromContext(ctx)
	if session.KindOf(s) == session.KindUnauthenticated {
		return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return s, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

var errSessionInvalidated = errors.New("session invalidated")

// resolveSession turns verified claims into a session. An operator whose
// document is gone no longer has a session.
func resolveSession(ctx context.Context, e engine.Engine, claims identity.SessionClaims) (session.Session, error) {
	switch claims.Role {
	case identity.RoleAdmin:
		return session.AdministratorSession{}, nil
	case identity.RoleOperator:
		if op, ok := e.Snapshot().Operator(claims.Subject); ok {
			return session.OperatorSession{Operator: op}, nil
		}
		doc, err := e.Store.Get(ctx, domain.OperatorRef(claims.Subject))
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, errSessionInvalidated
		}
		if err != nil {
			return nil, err
		}
		op, err := domain.OperatorFromDocument(doc)
		if err != nil {
			return nil, err
		}
		return session.OperatorSession{Operator: op}, nil
	default:
		return nil, identity.ErrInvalidToken
	}
}

func newAuthMiddleware(basePath string, e engine.Engine, tokens TokenIssuer, logger *slog.Logger) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "auth/login"):   true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			claims, err := tokens.ParseSession(token)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			s, err := resolveSession(req.Context(), e, claims)
			if errors.Is(err, errSessionInvalidated) {
				logger.Info("rejected invalidated session", "operator", claims.Subject)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "session_invalidated", "session invalidated", nil))
				return
			}
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			next.ServeHTTP(w, req.WithContext(withSession(req.Context(), s)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
