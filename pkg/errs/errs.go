// Package errs classifies connection-ending errors: a small SilentError
// wrapper for errors that should close a connection without being
// logged as failures, plus helpers for recognising OS-level
// "already closed" errors.
package errs

import (
	"errors"
	"strings"
)

// Kind distinguishes the categories: Protocol, Crypto, Auth,
// Transport, Application.
type Kind int

const (
	KindProtocol Kind = iota
	KindCrypto
	KindAuth
	KindTransport
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Error is a classified connection error carrying the reason string that
// is also suitable for a kick/disconnect message ("Exit conditions").
type Error struct {
	Kind Kind
	Reason string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified Error.
func New(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// Protocol, Crypto, Auth, Transport and Application are convenience
// constructors for the five error kinds.
func Protocol(reason string, cause error) *Error { return New(KindProtocol, reason, cause) }
func Crypto(reason string, cause error) *Error { return New(KindCrypto, reason, cause) }
func Auth(reason string, cause error) *Error { return New(KindAuth, reason, cause) }
func Transport(reason string, cause error) *Error { return New(KindTransport, reason, cause) }
func Application(reason string, cause error) *Error { return New(KindApplication, reason, cause) }

// SilentError marks an error that should close the connection without
// being logged as a failure (e.g. a normal, expected disconnect).
type SilentError struct{ Err error }

func (e *SilentError) Error() string { return e.Err.Error() }
func (e *SilentError) Unwrap() error { return e.Err }

// Silent wraps err as a SilentError.
func Silent(err error) error { return &SilentError{Err: err} }

// IsConnClosedErr reports whether err is one of the well-known OS errors
// produced by operating on an already-closed socket.
func IsConnClosedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// IsFatal reports whether kind should terminate the connection per the
// propagation policy (Protocol and Crypto are always fatal).
func IsFatal(kind Kind) bool {
	switch kind {
	case KindProtocol, KindCrypto:
		return true
	default:
		return false
	}
}

// As is a thin re-export of errors.As so callers importing this package
// for Error don't also need the stdlib errors import for the common case.
func As(err error, target interface{}) bool { return errors.As(err, target) }
