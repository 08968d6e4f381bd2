package engine

import (
	"errors"
	"fmt"
	"time"
)

// Stable error codes surfaced to clients.
const (
	CodeInvalidCallsign  = "INVALID_CALLSIGN"
	CodeInvalidCode      = "INVALID_CODE"
	CodeMissionNotFound  = "MISSION_NOT_FOUND"
	CodeOperatorNotFound = "OPERATOR_NOT_FOUND"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeCallsignConflict = "CALLSIGN_CONFLICT"
	CodeAuthTransport    = "AUTH_TRANSPORT_FAILURE"
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeCooldown         = "VALIDATION_COOLDOWN"
	CodeReplay           = "MISSION_ALREADY_COMPLETED"
	CodeIntegrity        = "MISSION_INTEGRITY"
	CodeBatchCommit      = "BATCH_COMMIT_FAILED"
	CodeWrite            = "STORE_WRITE_FAILED"
	CodeResetNotArmed    = "RESET_NOT_ARMED"
	CodeResetInProgress  = "RESET_IN_PROGRESS"
	CodeInternal         = "INTERNAL"
)

// ValidationInputError rejects caller input before anything is written.
type ValidationInputError struct {
	Field  string
	Reason string
	Msg    string
}

func (e ValidationInputError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("invalid %s", e.Field)
}

type ConflictError struct {
	Callsign string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("callsign %s is already in use", e.Callsign)
}

// AuthTransportError wraps an identity or store failure during login.
type AuthTransportError struct {
	Err error
}

func (e AuthTransportError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e AuthTransportError) Unwrap() error { return e.Err }

type AccessDeniedError struct {
	Reason string
}

func (e AccessDeniedError) Error() string {
	if e.Reason == "" {
		return "access denied"
	}
	return "access denied: " + e.Reason
}

// CooldownError rejects validation before the operator's join delay elapses.
type CooldownError struct {
	Remaining time.Duration
}

// RemainingMinutes rounds the wait up to whole minutes.
func (e CooldownError) RemainingMinutes() int {
	if e.Remaining <= 0 {
		return 0
	}
	return int((e.Remaining + time.Minute - 1) / time.Minute)
}

func (e CooldownError) Error() string {
	return fmt.Sprintf("validation locked for %d more minute(s)", e.RemainingMinutes())
}

type ReplayError struct {
	MissionID string
}

func (e ReplayError) Error() string {
	return fmt.Sprintf("mission %s already completed", e.MissionID)
}

// IntegrityError rejects a mission hierarchy change.
type IntegrityError struct {
	MissionID string
	Reason    string
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("mission %s: %s", e.MissionID, e.Reason)
}

type BatchCommitError struct {
	Op  string
	Err error
}

func (e BatchCommitError) Error() string {
	return fmt.Sprintf("%s: batch commit failed: %v", e.Op, e.Err)
}
func (e BatchCommitError) Unwrap() error { return e.Err }

// WriteError wraps a failed single-document write.
type WriteError struct {
	Op  string
	Err error
}

func (e WriteError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e WriteError) Unwrap() error { return e.Err }

var (
	ErrResetNotArmed   = errors.New("reset protocol not armed")
	ErrResetInProgress = errors.New("reset already executing")
)

// Code maps err to its stable code.
func Code(err error) string {
	var (
		inputErr     ValidationInputError
		conflictErr  ConflictError
		authErr      AuthTransportError
		deniedErr    AccessDeniedError
		cooldownErr  CooldownError
		replayErr    ReplayError
		integrityErr IntegrityError
		batchErr     BatchCommitError
		writeErr     WriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &inputErr):
		if inputErr.Reason != "" {
			return inputErr.Reason
		}
		return CodeInvalidInput
	case errors.As(err, &conflictErr):
		return CodeCallsignConflict
	case errors.As(err, &authErr):
		return CodeAuthTransport
	case errors.As(err, &deniedErr):
		return CodeAccessDenied
	case errors.As(err, &cooldownErr):
		return CodeCooldown
	case errors.As(err, &replayErr):
		return CodeReplay
	case errors.As(err, &integrityErr):
		return CodeIntegrity
	case errors.As(err, &batchErr):
		return CodeBatchCommit
	case errors.As(err, &writeErr):
		return CodeWrite
	case errors.Is(err, ErrResetNotArmed):
		return CodeResetNotArmed
	case errors.Is(err, ErrResetInProgress):
		return CodeResetInProgress
	default:
		return CodeInternal
	}
}
