// Package reverseproxyd is a multi-core, kernel-assisted HTTP/1.1 reverse
// proxy reactor: it accepts client connections, peeks just enough of each
// request's headers to pick a backend, and splices bytes between client and
// backend using a per-core io_uring submission/completion loop.
package reverseproxyd

import (
	"errors"
	"fmt"
	"syscall"
)

// Code classifies an Error into one of the error taxonomy's kinds, not a
// specific cause.
type Code int

const (
	CodeUnknown Code = iota
	// CodeProtocolMalformed: headers unparseable. Connection torn down;
	// not logged per-request.
	CodeProtocolMalformed
	// CodeTransientConnect: non-blocking connect reported in-progress;
	// retried via a no-op completion.
	CodeTransientConnect
	// CodeFatalConnect: non-zero SO_ERROR observed on a connect attempt.
	CodeFatalConnect
	// CodeIOTerminal: recv/send completion with a non-positive result
	// other than the legitimate upstream EOF in the response direction.
	CodeIOTerminal
	// CodeUpstreamEOF: recv result of zero in the response direction.
	CodeUpstreamEOF
	// CodeProgrammingError: double registry init, slab index overflow,
	// unknown completion opcode. The worker aborts.
	CodeProgrammingError
)

func (c Code) String() string {
	switch c {
	case CodeProtocolMalformed:
		return "protocol_malformed"
	case CodeTransientConnect:
		return "transient_connect"
	case CodeFatalConnect:
		return "fatal_connect"
	case CodeIOTerminal:
		return "io_terminal"
	case CodeUpstreamEOF:
		return "upstream_eof"
	case CodeProgrammingError:
		return "programming_error"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned by this package's public
// surface (the internal reactor returns plain errors, which are wrapped here):
// it names the operation that failed, classifies it per the taxonomy, and
// carries the originating errno when one exists.
type Error struct {
	Op    string
	Code  Code
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Msg, e.Code)
	}
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Errno, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	if e.Inner != nil {
		return e.Inner
	}
	if e.Errno != 0 {
		return e.Errno
	}
	return nil
}

// Is supports errors.Is matching against another *Error by comparing Code,
// and delegates to errno comparison when target is a plain syscall.Errno.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	var errno syscall.Errno
	if errors.As(target, &errno) {
		return e.Errno == errno
	}
	return false
}

// NewError constructs an Error without an originating errno.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrnoError constructs an Error from a syscall failure, classifying it
// per mapErrnoToCode when code is CodeUnknown.
func NewErrnoError(op string, code Code, errno syscall.Errno) *Error {
	if code == CodeUnknown {
		code = mapErrnoToCode(errno)
	}
	return &Error{Op: op, Code: code, Errno: errno}
}

// WrapError wraps an arbitrary error under the given operation and code.
func WrapError(op string, code Code, inner error) *Error {
	return &Error{Op: op, Code: code, Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.EINPROGRESS, syscall.EAGAIN, syscall.EALREADY:
		return CodeTransientConnect
	case syscall.ECONNREFUSED, syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.ETIMEDOUT:
		return CodeFatalConnect
	case syscall.ECONNRESET, syscall.EPIPE, syscall.EBADF:
		return CodeIOTerminal
	default:
		return CodeUnknown
	}
}

// IsCode reports whether err is an *Error (directly or via Unwrap) of the
// given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
