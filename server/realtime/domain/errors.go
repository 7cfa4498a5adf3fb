package domain

import "errors"

var (
	// ErrUnauthenticated rejects a connection before it is registered.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrDuplicateConnection guards against registering the same physical
	// handle twice. Multiple devices per identity are always allowed.
	ErrDuplicateConnection = errors.New("duplicate connection")

	ErrNotAParticipant = errors.New("not a participant of conversation")

	ErrAlreadyInCall     = errors.New("pair already has a non-ended call")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrCallNotFound      = errors.New("call session not found")
)
