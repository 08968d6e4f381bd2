package engine

import (
	"opsync/internal/domain"
	"opsync/internal/session"
)

const adminActor = "admin"

func requireAdmin(s session.Session) error {
	switch s.(type) {
	case session.AdministratorSession:
		return nil
	case session.OperatorSession, session.Unauthenticated, nil:
		return AccessDeniedError{Reason: "administrator session required"}
	default:
		return AccessDeniedError{Reason: "unknown session"}
	}
}

func requireOperator(s session.Session) (domain.Operator, error) {
	switch v := s.(type) {
	case session.OperatorSession:
		return v.Operator, nil
	case session.AdministratorSession, session.Unauthenticated, nil:
		return domain.Operator{}, AccessDeniedError{Reason: "operator session required"}
	default:
		return domain.Operator{}, AccessDeniedError{Reason: "unknown session"}
	}
}
