package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCode(t *testing.T) {
	cases := map[string]error{
		CodeInvalidCallsign:  ValidationInputError{Field: "callsign", Reason: CodeInvalidCallsign},
		CodeInvalidInput:     ValidationInputError{Field: "points"},
		CodeCallsignConflict: ConflictError{Callsign: "VIPER"},
		CodeAuthTransport:    AuthTransportError{Err: errors.New("offline")},
		CodeAccessDenied:     AccessDeniedError{},
		CodeCooldown:         CooldownError{Remaining: time.Minute},
		CodeReplay:           ReplayError{MissionID: "m1"},
		CodeIntegrity:        IntegrityError{MissionID: "m1", Reason: "orphan"},
		CodeBatchCommit:      fmt.Errorf("wrapped: %w", BatchCommitError{Op: "reset", Err: errors.New("locked")}),
		CodeWrite:            WriteError{Op: "update", Err: errors.New("locked")},
		CodeResetNotArmed:    ErrResetNotArmed,
		CodeInternal:         errors.New("boom"),
	}
	for want, err := range cases {
		if got := Code(err); got != want {
			t.Errorf("Code(%v) = %s, want %s", err, got, want)
		}
	}
	if Code(nil) != "" {
		t.Errorf("nil error has no code")
	}
}

func TestCooldownRemainingMinutesRoundsUp(t *testing.T) {
	for remaining, want := range map[time.Duration]int{
		-time.Second:              0,
		0:                         0,
		time.Second:               1,
		time.Minute:               1,
		time.Minute + time.Second: 2,
		5 * time.Minute:           5,
	} {
		if got := (CooldownError{Remaining: remaining}).RemainingMinutes(); got != want {
			t.Errorf("RemainingMinutes(%s) = %d, want %d", remaining, got, want)
		}
	}
}

func TestKeyLocksSerialize(t *testing.T) {
	locks := newKeyLocks()
	unlock := locks.lock("u1")
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		locks.lock("u1")()
	}()
	select {
	case <-acquired:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	locks.lock("u2")()
	unlock()
	<-acquired
	if len(locks.locks) != 0 {
		t.Fatalf("idle locks must be released, have %d", len(locks.locks))
	}
}
