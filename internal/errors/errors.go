package errors

import (
	"errors"
	"fmt"
	"strings"
)

// HarnessError is the base interface for all harness errors.
type HarnessError interface {
	error
	IsHarnessError() bool
}

// Compile-time verification that all error types implement HarnessError.
var (
	_ HarnessError = (*LaunchFailedError)(nil)
	_ HarnessError = (*RemoteError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrConnectionLost indicates the stdio pipe closed or the reader
	// stopped while requests were outstanding.
	ErrConnectionLost = errors.New("connection to server lost")

	// ErrRequestTimeout indicates no response arrived within the caller's deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrSessionNotReady indicates a call was attempted before a successful initialize.
	ErrSessionNotReady = errors.New("session not ready: initialize must complete first")

	// ErrSessionClosed indicates the session has been closed and cannot be reused.
	ErrSessionClosed = errors.New("session closed")

	// ErrServerNotFound indicates an operation referenced an unknown server id.
	ErrServerNotFound = errors.New("server not found")

	// ErrPackageNotFound indicates the registry has no entry for an identifier
	// and the identifier is not usable as an npm package name.
	ErrPackageNotFound = errors.New("package not found in registry")

	// ErrInvalidTimeout indicates a non-positive request timeout.
	ErrInvalidTimeout = errors.New("timeout must be positive")
)

// LaunchFailedError indicates the child process never became healthy,
// even after the --stdio retry.
type LaunchFailedError struct {
	// Package is the identifier or display name of the server being launched.
	Package string

	// Attempts records the argument list of each launch attempt, in order.
	Attempts []string

	// Stderr holds the tail of the child's stderr from the last attempt.
	Stderr string

	Err error
}

func (e *LaunchFailedError) Error() string {
	msg := fmt.Sprintf("launch failed for %s after %d attempt(s)", e.Package, len(e.Attempts))
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}

	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}

	return msg
}

func (e *LaunchFailedError) Unwrap() error {
	return e.Err
}

// IsHarnessError implements HarnessError.
func (e *LaunchFailedError) IsHarnessError() bool { return true }

// RemoteError is a well-formed JSON-RPC error object returned by the server.
type RemoteError struct {
	// Method is the request method that produced the error.
	Method string

	// Code is the JSON-RPC error code.
	Code int

	// Message is the JSON-RPC error message.
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error for %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// IsHarnessError implements HarnessError.
func (e *RemoteError) IsHarnessError() bool { return true }

// Stable error kind labels for report records. Every taxonomy member maps to
// its own label so "never started" is distinguishable from "started but slow"
// in emitted reports.
const (
	KindLaunchFailed    = "launch_failed"
	KindConnectionLost  = "connection_lost"
	KindTimeout         = "timeout"
	KindRemoteError     = "remote_error"
	KindSessionNotReady = "session_not_ready"
	KindNotFound        = "not_found"
	KindOther           = "other"
)

// Kind maps an error to its report label. Nil maps to the empty string.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionLost):
		return KindConnectionLost
	case errors.Is(err, ErrRequestTimeout):
		return KindTimeout
	case errors.Is(err, ErrSessionNotReady), errors.Is(err, ErrSessionClosed):
		return KindSessionNotReady
	case errors.Is(err, ErrServerNotFound), errors.Is(err, ErrPackageNotFound):
		return KindNotFound
	}

	if _, ok := errors.AsType[*LaunchFailedError](err); ok {
		return KindLaunchFailed
	}

	if _, ok := errors.AsType[*RemoteError](err); ok {
		return KindRemoteError
	}

	return KindOther
}

// TailLines returns the last n non-empty lines of s, joined by newlines.
// Used to keep stderr excerpts in errors and reports bounded.
func TailLines(s string, n int) string {
	if s == "" || n <= 0 {
		return ""
	}

	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")

	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		kept = append(kept, lines[i])
	}

	// Restore original order
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	return strings.Join(kept, "\n")
}
