package command

import (
	"errors"
	"strings"

	"github.com/luma/respmux/protocol"
)

var (
	ErrTimeout         = errors.New("Command timed out before a reply was received")
	ErrCancelled       = errors.New("Command was cancelled")
	ErrNil             = errors.New("Nil reply")
	ErrUnexpectedReply = errors.New("Unexpected reply type")
	ErrPending         = errors.New("Command has not completed yet")
)

// ServerError is an error reply. It is a normal outcome of a command rather
// than a fault of the connection.
type ServerError struct {
	// Prefix is the leading upper case word of the message, e.g. WRONGTYPE.
	Prefix  string
	Message string
}

// ParseServerError builds a ServerError from an error frame.
func ParseServerError(f protocol.Frame) *ServerError {
	msg := string(f.Str)

	prefix := msg
	if i := strings.IndexByte(msg, ' '); i >= 0 {
		prefix = msg[:i]
	}

	if prefix != strings.ToUpper(prefix) {
		prefix = ""
	}

	return &ServerError{Prefix: prefix, Message: msg}
}

func (e *ServerError) Error() string {
	return e.Message
}

// Is matches another ServerError with the same prefix, so callers can write
// errors.Is(err, &ServerError{Prefix: "WRONGTYPE"}).
func (e *ServerError) Is(target error) bool {
	t, ok := target.(*ServerError)
	if !ok {
		return false
	}

	return t.Prefix != "" && t.Prefix == e.Prefix
}
