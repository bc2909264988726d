package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a call does not complete within its
	// deadline. It is distinct from a connection error and is never
	// retried automatically; retry policy belongs to the caller.
	ErrTimeout = errors.New("rpc call timed out")

	// ErrConnClosed is returned for calls in flight when the connection
	// goes away.
	ErrConnClosed = errors.New("rpc connection closed")

	// ErrProtocolViolation marks a fatal protocol-level fault: unknown
	// command, malformed frame, or an undeclared error code from the
	// peer. The connection is dropped, not repaired in place.
	ErrProtocolViolation = errors.New("rpc protocol violation")
)

// Stable wire error codes. Both ends understand these without sharing
// exception classes; every command declares its closed subset.
const (
	CodeCannotRegisterRackController = "CannotRegisterRackController"
	CodeBootConfigNoResponse         = "BootConfigNoResponse"
	CodeNoSuchNode                   = "NoSuchNode"
	CodeNodeAlreadyExists            = "NodeAlreadyExists"
	CodeCommissionNodeFailed         = "CommissionNodeFailed"
	CodeNoSuchEventType              = "NoSuchEventType"
	CodeAuthenticationFailed         = "AuthenticationFailed"

	// codeUnhandled is sent for a command the peer does not implement.
	// Every command implicitly declares it.
	codeUnhandled = "UNHANDLED"
)

// CallError is a declared remote failure, carried on the wire as a stable
// code plus human-readable description.
type CallError struct {
	Code        string
	Description string
}

func (e *CallError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewCallError builds a CallError with a formatted description.
func NewCallError(code, format string, args ...any) *CallError {
	return &CallError{Code: code, Description: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a CallError carrying the given wire code.
func IsCode(err error, code string) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Code == code
}
