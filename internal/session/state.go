package session

import (
	"errors"
	"fmt"

	"termgate/internal/frame"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	RequiresElevation
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case RequiresElevation:
		return "requires_elevation"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrSessionActive     = errors.New("a session is already active; disconnect first")
	ErrNotConnected      = errors.New("session is not connected")
	ErrInvalidMode       = errors.New("invalid session mode")
	ErrHandshakeTimeout  = errors.New("timed out waiting for session acknowledgement")
	ErrElevationRequired = errors.New("full mode requires break-glass elevation")
	ErrElevationExpired  = errors.New("break-glass elevation expired")
	ErrElevationEnded    = errors.New("break-glass elevation ended")
	ErrModeMismatch      = errors.New("server acknowledged a different mode")
	ErrNotAwaitingGrant  = errors.New("session is not waiting for elevation")
	ErrRemoteClosed      = errors.New("connection closed by server")
)

// ServerError is an error frame received from the gateway.
type ServerError struct {
	Message string
	Code    string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "gateway: " + e.Message
	}
	return fmt.Sprintf("gateway: %s (%s)", e.Message, e.Code)
}

// ElevationError wraps ErrElevationRequired with the server's code.
type ElevationError struct {
	Code    string
	Message string
}

func (e *ElevationError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", ErrElevationRequired, e.Message, e.Code)
}

func (e *ElevationError) Is(target error) bool { return target == ErrElevationRequired }

// StateChange is published for every transition.
type StateChange struct {
	From      State
	To        State
	Mode      frame.Mode
	SessionID string
	// Err explains transitions into Disconnected or RequiresElevation; nil
	// for an explicit disconnect.
	Err error
}

func (c StateChange) String() string {
	if c.To == Connected {
		return fmt.Sprintf("%s -> %s(%s)", c.From, c.To, c.Mode)
	}
	return fmt.Sprintf("%s -> %s", c.From, c.To)
}
