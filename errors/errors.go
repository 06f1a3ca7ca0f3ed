// Package errors provides the coded error taxonomy shared by every shell,
// protocol, wait and parsing component.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents a specific error type
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrNotFound
	ErrInvalidInput
	ErrConfiguration

	// Transport and session errors
	ErrConnection
	ErrAuthentication
	ErrBrokenSession
	ErrClosed

	// Timeouts
	ErrExpectTimeout
	ErrWaitTimeout

	// Command outcomes
	ErrExecutionRejected
	ErrUnexpectedExit

	// Parsing
	ErrTableParse
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:           "unknown",
	ErrNotFound:          "not found",
	ErrInvalidInput:      "invalid input",
	ErrConfiguration:     "configuration",
	ErrConnection:        "connection",
	ErrAuthentication:    "authentication",
	ErrBrokenSession:     "broken session",
	ErrClosed:            "closed",
	ErrExpectTimeout:     "expect timeout",
	ErrWaitTimeout:       "wait timeout",
	ErrExecutionRejected: "execution rejected",
	ErrUnexpectedExit:    "unexpected exit",
	ErrTableParse:        "table parse",
}

// String returns the short name of the code.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// maxOutputInMessage bounds how much captured output is rendered into the
// error string. The full output stays available in Error.Output.
const maxOutputInMessage = 2048

// Error represents a domain-specific error with context
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Message provides human-readable error details
	Message string

	// Op describes the operation that failed
	Op string

	// Host is the session identity the failure happened on
	Host string

	// Command is the literal command that was sent, if any
	Command string

	// Output is the last raw output captured before the failure
	Output string

	// Cause is the underlying error that triggered this one
	Cause error

	// Context holds additional error context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Host != "" {
		fmt.Fprintf(&b, " [host=%s]", e.Host)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, " [command=%q]", e.Command)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " [%s=%v]", k, e.Context[k])
		}
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.Output != "" {
		out := e.Output
		if len(out) > maxOutputInMessage {
			out = "..." + out[len(out)-maxOutputInMessage:]
		}
		fmt.Fprintf(&b, "\noutput:\n%s", out)
	}
	return b.String()
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements the errors.Is interface
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) clone() *Error {
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// WithOp adds an operation name to the error
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Op:      op,
			Cause:   err,
		}
	}

	c := e.clone()
	c.Op = op
	return c
}

// WithContext adds context to the error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Cause:   err,
			Context: context,
		}
	}

	c := e.clone()
	if c.Context == nil {
		c.Context = make(map[string]interface{}, len(context))
	}
	for k, v := range context {
		c.Context[k] = v
	}
	return c
}

// WithCommand attaches the session identity, the literal command and the
// last captured output. Empty arguments leave existing values untouched.
func WithCommand(err error, host, command, output string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Host:    host,
			Command: command,
			Output:  output,
			Cause:   err,
		}
	}

	c := e.clone()
	if host != "" {
		c.Host = host
	}
	if command != "" {
		c.Command = command
	}
	if output != "" {
		c.Output = output
	}
	return c
}

// New creates a new Error
func New(code ErrorCode, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	e := &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
	// Keep the identity fields of a wrapped domain error visible at the top.
	var inner *Error
	if errors.As(err, &inner) {
		e.Host = inner.Host
		e.Command = inner.Command
		e.Output = inner.Output
		inner = inner.clone()
		inner.Host, inner.Command, inner.Output = "", "", ""
		e.Cause = inner
	}
	return e
}

// GetCode returns the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// GetContext returns the error context
func GetContext(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

// GetOutput returns the captured output carried by the error, if any.
func GetOutput(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Output
	}
	return ""
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsNotFound returns true if the error is a not found error
func IsNotFound(err error) bool {
	return GetCode(err) == ErrNotFound
}

// IsConnection returns true for connect-time transport failures
func IsConnection(err error) bool {
	return GetCode(err) == ErrConnection
}

// IsAuthentication returns true if the remote end rejected the credentials
func IsAuthentication(err error) bool {
	return HasCode(err, ErrAuthentication)
}

// IsBrokenSession returns true if the transport dropped mid-protocol
func IsBrokenSession(err error) bool {
	return GetCode(err) == ErrBrokenSession
}

// IsTimeout returns true for both expect and wait timeouts
func IsTimeout(err error) bool {
	code := GetCode(err)
	return code == ErrExpectTimeout || code == ErrWaitTimeout
}

// IsRejected returns true if the SUT rejected the command
func IsRejected(err error) bool {
	return GetCode(err) == ErrExecutionRejected
}

// IsTableParse returns true for malformed CLI table output
func IsTableParse(err error) bool {
	return GetCode(err) == ErrTableParse
}

// IsTemporary returns true if the error is temporary
func IsTemporary(err error) bool {
	code := GetCode(err)
	return code == ErrExpectTimeout ||
		code == ErrWaitTimeout ||
		code == ErrConnection ||
		code == ErrBrokenSession
}
