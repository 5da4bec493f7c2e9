package engine

import (
	"errors"
	"fmt"

	"missionline/internal/domain"
	"missionline/internal/engine/auth"
)

var (
	ErrConflict = domain.ErrConflict
	ErrNotFound = domain.ErrNotFound
	// ErrMutationPending rejects a second transition while one is unconfirmed.
	ErrMutationPending = errors.New("a change to this mission is still pending")
)

// ValidationError reports a missing or malformed field for the requested transition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports that no edge leaves From for Event.
type InvalidTransitionError struct {
	From  domain.Status
	Event Event
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s from %s", e.Event, e.From)
}

// ConflictError reports that the store diverged from the snapshot the actor acted on.
// Current is nil when the mission no longer exists.
type ConflictError struct {
	MissionID string
	Current   *domain.Mission
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return fmt.Sprintf("mission %s conflict: mission was removed", e.MissionID)
	}
	return fmt.Sprintf("mission %s conflict: now %s", e.MissionID, e.Current.Status)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransientError wraps a network or store failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

type Kind string

const (
	KindNone              Kind = ""
	KindValidation        Kind = "validation"
	KindForbidden         Kind = "forbidden"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindTransient         Kind = "transient"
	KindInternal          Kind = "internal"
)

// Classify maps an error onto the taxonomy callers report to users.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ve ValidationError
	var fe auth.ForbiddenError
	var ie InvalidTransitionError
	var te *TransientError
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &fe):
		return KindForbidden
	case errors.As(err, &ie):
		return KindInvalidTransition
	case errors.Is(err, ErrConflict), errors.Is(err, ErrMutationPending):
		return KindConflict
	case errors.As(err, &te):
		return KindTransient
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}

// Local reports whether err was raised before any optimistic change was applied.
func Local(err error) bool {
	switch Classify(err) {
	case KindValidation, KindForbidden, KindInvalidTransition:
		return true
	}
	return false
}
