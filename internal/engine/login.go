package engine

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"opsync/internal/docstore"
	"opsync/internal/domain"
	"opsync/internal/session"
)

const minCallsignRunes = 3

// Credentials select either the administrator path (Admin set) or the
// operator path.
type Credentials struct {
	Admin       bool
	Password    string
	Callsign    string
	DeviceToken string
}

// LoginResult carries the new session and, for operators, the device token
// that keeps their principal stable across logins.
type LoginResult struct {
	Session     session.Session
	DeviceToken string
}

// NormalizeCallsign trims and upper-cases a callsign.
func NormalizeCallsign(raw string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(raw))
}

func (e Engine) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	if creds.Admin {
		if err := bcrypt.CompareHashAndPassword(e.adminHash, []byte(creds.Password)); err != nil {
			e.logger().Warn("admin login rejected")
			return LoginResult{}, AccessDeniedError{Reason: "invalid admin credentials"}
		}
		e.logger().Info("admin login")
		return LoginResult{Session: session.AdministratorSession{}}, nil
	}
	callsign := NormalizeCallsign(creds.Callsign)
	if utf8.RuneCountInString(callsign) < minCallsignRunes {
		return LoginResult{}, ValidationInputError{
			Field:  "callsign",
			Reason: CodeInvalidCallsign,
			Msg:    "callsign must be at least 3 characters",
		}
	}

	principal, err := e.Identity.IssueAnonymous(ctx, creds.DeviceToken)
	if err != nil {
		return LoginResult{}, AuthTransportError{Err: err}
	}

	wctx, cancel := e.writeContext(ctx, principal.ID)
	defer cancel()

	// Two principals claiming the same new callsign at once can both pass
	// this check; the store offers no uniqueness constraint on fields.
	matches, err := e.Store.Query(wctx, domain.CollectionOperators, docstore.Query{
		Where: []docstore.Filter{{Field: "callsign", Value: callsign}},
		Limit: 1,
	})
	if err != nil {
		return LoginResult{}, AuthTransportError{Err: err}
	}
	if len(matches) > 0 && matches[0].Ref.ID != principal.ID {
		return LoginResult{}, ConflictError{Callsign: callsign}
	}

	now := e.now()
	ref := domain.OperatorRef(principal.ID)

	var op domain.Operator
	doc, err := e.Store.Get(wctx, ref)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		op = domain.Operator{
			ID:                principal.ID,
			Callsign:          callsign,
			Score:             0,
			Rank:              domain.RankFor(0),
			Status:            domain.OperatorOnline,
			LastSeen:          now,
			JoinDate:          now,
			CompletedMissions: []string{},
		}
		if err := e.Store.Set(wctx, ref, op.Fields()); err != nil {
			return LoginResult{}, AuthTransportError{Err: err}
		}
		e.logger().Info("operator enlisted", "operator", op.ID, "callsign", callsign)
	case err != nil:
		return LoginResult{}, AuthTransportError{Err: err}
	default:
		op, err = domain.OperatorFromDocument(doc)
		if err != nil {
			return LoginResult{}, AuthTransportError{Err: err}
		}
		op.Status = domain.OperatorOnline
		op.LastSeen = now
		if err := e.Store.Update(wctx, ref, docstore.Fields{
			"status":   string(op.Status),
			"lastSeen": now.UnixMilli(),
		}); err != nil {
			return LoginResult{}, AuthTransportError{Err: err}
		}
		e.logger().Info("operator online", "operator", op.ID, "callsign", op.Callsign)
	}
	return LoginResult{
		Session:     session.OperatorSession{Operator: op},
		DeviceToken: principal.Token,
	}, nil
}

// Logout marks an operator offline on a best-effort basis and always
// returns the unauthenticated session.
func (e Engine) Logout(ctx context.Context, s session.Session) session.Session {
	switch v := s.(type) {
	case session.OperatorSession:
		wctx, cancel := e.writeContext(ctx, v.Operator.ID)
		defer cancel()
		err := e.Store.Update(wctx, domain.OperatorRef(v.Operator.ID), docstore.Fields{
			"status":   string(domain.OperatorOffline),
			"lastSeen": e.now().UnixMilli(),
		})
		if err != nil {
			e.logger().Warn("mark operator offline failed", "operator", v.Operator.ID, "err", err)
		}
	case session.AdministratorSession, session.Unauthenticated, nil:
	}
	return session.Unauthenticated{}
}
