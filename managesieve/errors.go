package managesieve

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntax is matched by every *SyntaxError.
	ErrSyntax = errors.New("managesieve: syntax error")
	// ErrProtocolViolation is matched by every *ProtocolError.
	ErrProtocolViolation = errors.New("managesieve: protocol violation")
	// ErrServerRejected is matched by every *ServerError.
	ErrServerRejected = errors.New("managesieve: rejected by server")
	// ErrConnectionClosed is matched by every *ClosedError.
	ErrConnectionClosed = errors.New("managesieve: connection closed")
	// ErrInvalidArgument is returned when a command argument cannot be put on
	// the wire, for example a script name containing control characters.
	ErrInvalidArgument = errors.New("managesieve: invalid argument")
	// ErrCommandInFlight is returned when a command is issued while the reply
	// to the previous one has not been read yet.
	ErrCommandInFlight = &ProtocolError{Msg: "a command is already outstanding"}
)

// SyntaxError reports malformed server data: a bad token, a bad literal
// length, an unterminated quoted string or a truncated reply. It is fatal
// to the reply being parsed.
type SyntaxError struct {
	Msg    string
	Offset int // byte offset inside the offending line, -1 if unknown
}

func (e *SyntaxError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("managesieve: syntax error at offset %d: %s", e.Offset, e.Msg)
	}
	return "managesieve: syntax error: " + e.Msg
}

func (e *SyntaxError) Is(target error) bool { return target == ErrSyntax }

func syntaxErrorf(offset int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Msg: fmt.Sprintf(format, args...), Offset: offset}
}

// ProtocolError reports well-formed data that is not allowed at this point
// of the conversation, or a command issued in a state that forbids it.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "managesieve: protocol violation: " + e.Msg
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocolViolation }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// ServerError is a well-formed NO completion. It is an expected outcome and
// leaves the session usable.
type ServerError struct {
	Command string
	Code    *ResponseCode
	Text    string
}

func (e *ServerError) Error() string {
	msg := "managesieve: " + e.Command + " rejected"
	if e.Code != nil {
		msg += " (" + e.Code.String() + ")"
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return msg
}

func (e *ServerError) Is(target error) bool { return target == ErrServerRejected }

// HasCode reports whether the rejection carried the given response code.
func (e *ServerError) HasCode(kind CodeKind) bool {
	return e.Code != nil && e.Code.Kind == kind
}

// ClosedError reports that the session has ended, either because the server
// said BYE or because the transport went away.
type ClosedError struct {
	Code *ResponseCode
	Text string
	Err  error // transport error, nil for BYE
}

func (e *ClosedError) Error() string {
	switch {
	case e.Err != nil:
		return "managesieve: connection closed: " + e.Err.Error()
	case e.Code != nil && e.Text != "":
		return fmt.Sprintf("managesieve: connection closed by server (%s): %s", e.Code, e.Text)
	case e.Text != "":
		return "managesieve: connection closed by server: " + e.Text
	default:
		return "managesieve: connection closed"
	}
}

func (e *ClosedError) Is(target error) bool { return target == ErrConnectionClosed }

func (e *ClosedError) Unwrap() error { return e.Err }

func invalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}
