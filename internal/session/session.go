// Package session models who a client is acting as and keeps that view
// aligned with the live roster.
package session

import (
	"fmt"

	"opsync/internal/domain"
)

// Session is one of Unauthenticated, AdministratorSession or OperatorSession.
type Session interface {
	isSession()
}

type Unauthenticated struct{}

type AdministratorSession struct{}

type OperatorSession struct {
	Operator domain.Operator
}

func (Unauthenticated) isSession()      {}
func (AdministratorSession) isSession() {}
func (OperatorSession) isSession()      {}

type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindAdministrator   Kind = "admin"
	KindOperator        Kind = "operator"
)

func KindOf(s Session) Kind {
	switch s.(type) {
	case AdministratorSession:
		return KindAdministrator
	case OperatorSession:
		return KindOperator
	case Unauthenticated, nil:
		return KindUnauthenticated
	default:
		panic(fmt.Sprintf("session: unknown variant %T", s))
	}
}

// Reconcile aligns current with roster. An operator missing from the roster
// loses the session; a changed roster entry replaces the held copy.
func Reconcile(current Session, roster []domain.Operator) Session {
	switch s := current.(type) {
	case OperatorSession:
		for _, o := range roster {
			if o.ID != s.Operator.ID {
				continue
			}
			if o.Equal(s.Operator) {
				return current
			}
			return OperatorSession{Operator: o}
		}
		return Unauthenticated{}
	case AdministratorSession, Unauthenticated:
		return current
	case nil:
		return Unauthenticated{}
	default:
		panic(fmt.Sprintf("session: unknown variant %T", current))
	}
}

// Same reports whether a and b are the same variant carrying the same data.
func Same(a, b Session) bool {
	if KindOf(a) != KindOf(b) {
		return false
	}
	oa, ok := a.(OperatorSession)
	if !ok {
		return true
	}
	return oa.Operator.Equal(b.(OperatorSession).Operator)
}
