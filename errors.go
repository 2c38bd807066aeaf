package mcpharness

import "github.com/mcpharness/mcpharness-go/internal/errors"

// Re-export error types from internal package

// LaunchFailedError indicates the server process never became healthy,
// even after the --stdio retry.
type LaunchFailedError = errors.LaunchFailedError

// RemoteError is a well-formed JSON-RPC error returned by the server.
type RemoteError = errors.RemoteError

// HarnessError is the base interface for all harness errors.
type HarnessError = errors.HarnessError

// Re-export sentinel errors from internal package.
var (
	// ErrConnectionLost indicates the stdio pipe closed or the reader
	// stopped while requests were outstanding.
	ErrConnectionLost = errors.ErrConnectionLost

	// ErrRequestTimeout indicates no response arrived within the caller's deadline.
	ErrRequestTimeout = errors.ErrRequestTimeout

	// ErrSessionNotReady indicates a call was attempted before a successful initialize.
	ErrSessionNotReady = errors.ErrSessionNotReady

	// ErrSessionClosed indicates the session has been closed.
	ErrSessionClosed = errors.ErrSessionClosed

	// ErrServerNotFound indicates an operation referenced an unknown server id.
	ErrServerNotFound = errors.ErrServerNotFound

	// ErrPackageNotFound indicates the registry could not resolve an identifier.
	ErrPackageNotFound = errors.ErrPackageNotFound

	// ErrInvalidTimeout indicates a non-positive request timeout.
	ErrInvalidTimeout = errors.ErrInvalidTimeout
)

// ErrorKind maps an error to a stable label for report records.
func ErrorKind(err error) string {
	return errors.Kind(err)
}
