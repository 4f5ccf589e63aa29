package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("consensus session not found")

	// ErrNotYourTurn is returned when a participant submits outside its
	// speaking turn.
	ErrNotYourTurn = errors.New("not your turn")

	// ErrNotParticipant is returned for actions by agents not invited to
	// the session.
	ErrNotParticipant = errors.New("not a participant")

	// ErrNotAuthor is returned when a participant amends a proposal it did
	// not write.
	ErrNotAuthor = errors.New("not the proposal author")

	// ErrTerminal is returned for actions on a session that has already
	// resolved, blocked or expired.
	ErrTerminal = errors.New("session is closed")

	// ErrWrongPhase is returned for actions not allowed in the session's
	// current phase.
	ErrWrongPhase = errors.New("action not allowed in current phase")

	// ErrInvalidRequest is wrapped by every ValidationError.
	ErrInvalidRequest = errors.New("invalid consensus request")
)

// ValidationError describes a rejected request. Nothing is created or
// changed when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidRequest, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidRequest.
func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
