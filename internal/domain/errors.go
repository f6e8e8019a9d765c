package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is returned when a connection is requested before login.
	// It is an expected condition and not worth an error log.
	ErrNoCredential = errors.New("no credential")
	// ErrNotConnected is returned by sends while the signaling channel is down.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionUnavailable is returned when a call is requested without a ready connection.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrAuthExpired signals that the server no longer accepts the credential.
	ErrAuthExpired = errors.New("auth expired")

	ErrCallInProgress    = errors.New("call in progress")
	ErrNoActiveCall      = errors.New("no active call")
	ErrInvalidTransition = errors.New("invalid transition")
)

// ProtocolError is a malformed or unexpected server payload.
type ProtocolError struct {
	Event   string
	Detail  string
	Payload []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %s", e.Event, e.Detail)
}

// EngineError wraps anything surfaced by the conferencing engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return "engine error: " + e.Op
	}
	return fmt.Sprintf("engine error: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }
