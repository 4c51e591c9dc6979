package smtp

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

const (
	// ErrTimeout indicates that the server went silent for longer than the
	// configured idle timeout and the connection was abandoned.
	ErrTimeout Error = "SMTP connection timed out"

	// ErrInvalidConfig indicates that the connection configuration or the
	// message was rejected before any socket was opened.
	ErrInvalidConfig Error = "invalid SMTP configuration"
)

// Error represents package level errors.
type Error string

func (e Error) Error() string { return string(e) }

// Stage names used by ProtocolError for replies that are not answers to a
// plain command.
const (
	stageGreeting = "greeting"
	stageMessage  = "message"
)

// ProtocolError is returned when the server answers a command with an
// unexpected reply code. It carries the command and the literal reply lines
// so callers can surface the server's own diagnostic text.
type ProtocolError struct {
	Command  string
	Response Response
}

func (e *ProtocolError) Error() string {
	switch e.Command {
	case stageGreeting:
		return "SMTP greeting failed: " + e.Response.String()
	case stageMessage:
		return "SMTP DATA failed: " + e.Response.String()
	default:
		return fmt.Sprintf("SMTP command failed (%s): %s", e.Command, e.Response.String())
	}
}

// Code returns the reply code the server answered with.
func (e *ProtocolError) Code() int { return e.Response.Code }

// Temporary reports whether the server signalled a transient (4xx) failure.
func (e *ProtocolError) Temporary() bool {
	return e.Response.Code >= 400 && e.Response.Code < 500
}

// invalidConfig wraps ErrInvalidConfig with a reason.
func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// classifyIOError maps deadline expiry to ErrTimeout and wraps everything
// else with the operation that failed.
func classifyIOError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w (%s)", ErrTimeout, op)
	}
	return fmt.Errorf("smtp: %s: %w", op, err)
}

// hasLineBreak reports whether s would break out of a header or command line.
func hasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
