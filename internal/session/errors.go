package session

import (
	"errors"
	"fmt"

	"github.com/1ureka/meshroom/internal/protocol"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAlreadyInRoom    = errors.New("already in a room")
	ErrNotInRoom        = errors.New("not in a room")
	ErrClosed           = errors.New("session manager closed")

	// ErrIdentityChanged is returned when re-authentication after a
	// reconnect yields a different participant ID.
	ErrIdentityChanged = errors.New("server assigned a different identity")
)

// ServerError is an error frame returned by the signaling server.
type ServerError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server error: %s", e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Terminal reports whether the error ends the room membership. ROOM_FULL
// is terminal too, but see Retryable.
func (e *ServerError) Terminal() bool {
	switch e.Code {
	case protocol.CodeRoomNotFound, protocol.CodeAccessDenied, protocol.CodeRoomFull:
		return true
	}
	return false
}

// Retryable reports whether the user may try the same room again later.
func (e *ServerError) Retryable() bool {
	return e.Code == protocol.CodeRoomFull
}

// roomLevel reports whether code concerns room membership.
func roomLevel(code protocol.ErrorCode) bool {
	switch code {
	case protocol.CodeRoomNotFound, protocol.CodeAccessDenied, protocol.CodeRoomFull, protocol.CodeNotInRoom:
		return true
	}
	return false
}

func serverError(m protocol.Error) *ServerError {
	return &ServerError{Code: m.Code, Message: m.Message}
}
