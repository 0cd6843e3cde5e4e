package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection matches every *ConnectionError with errors.Is.
	ErrConnection = errors.New("Connection error")

	ErrNotReady = errors.New("Connection is not accepting commands")
	ErrClosed   = errors.New("Connection closed")
	ErrDesync   = errors.New("Received a reply with no outstanding command, the stream is out of sync")
)

// Phases of a connection's life that a ConnectionError can come from.
const (
	PhaseDial      = "dial"
	PhaseHandshake = "handshake"
	PhaseIO        = "io"
	PhaseHeartbeat = "heartbeat"
	PhaseClosed    = "closed"
)

// ConnectionError is a failure of the connection itself. Commands that were
// outstanding when it happened are completed with it.
type ConnectionError struct {
	Addr  string
	Phase string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed during %s: %v", e.Addr, e.Phase, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}
