package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLaunchFailedError_Message verifies formatting includes the package,
// attempt count, and stderr excerpt.
func TestLaunchFailedError_Message(t *testing.T) {
	err := &LaunchFailedError{
		Package:  "@upstash/context7-mcp",
		Attempts: []string{"npx [-y @upstash/context7-mcp]", "npx [-y @upstash/context7-mcp --stdio]"},
		Stderr:   "Error: ENOENT",
	}

	require.Error(t, err)
	require.Contains(t, err.Error(), "@upstash/context7-mcp")
	require.Contains(t, err.Error(), "2 attempt(s)")
	require.Contains(t, err.Error(), "ENOENT")
}

// TestLaunchFailedError_Unwrap verifies the wrapped cause survives errors.Is.
func TestLaunchFailedError_Unwrap(t *testing.T) {
	cause := errors.New("exit status 1")
	err := &LaunchFailedError{Package: "x", Err: cause}

	require.ErrorIs(t, err, cause)
}

// TestRemoteError_Message verifies the method, message, and code appear.
func TestRemoteError_Message(t *testing.T) {
	err := &RemoteError{Method: "tools/call", Code: -32601, Message: "method not found"}

	require.Contains(t, err.Error(), "tools/call")
	require.Contains(t, err.Error(), "method not found")
	require.Contains(t, err.Error(), "-32601")
}

// TestKind_TaxonomyMembers verifies every taxonomy member maps to its own
// stable label, including through wrapping.
func TestKind_TaxonomyMembers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"connection lost", ErrConnectionLost, KindConnectionLost},
		{"wrapped connection lost", fmt.Errorf("write: %w", ErrConnectionLost), KindConnectionLost},
		{"timeout", fmt.Errorf("%w: tools/call after 5s", ErrRequestTimeout), KindTimeout},
		{"session not ready", ErrSessionNotReady, KindSessionNotReady},
		{"session closed", ErrSessionClosed, KindSessionNotReady},
		{"server not found", fmt.Errorf("%w: srv_x", ErrServerNotFound), KindNotFound},
		{"package not found", ErrPackageNotFound, KindNotFound},
		{"launch failed", &LaunchFailedError{Package: "x"}, KindLaunchFailed},
		{"wrapped launch failed", fmt.Errorf("deploy: %w", &LaunchFailedError{Package: "x"}), KindLaunchFailed},
		{"remote error", &RemoteError{Method: "initialize", Code: -32600}, KindRemoteError},
		{"other", errors.New("disk full"), KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

// TestTailLines verifies trailing-line extraction and bounds.
func TestTailLines(t *testing.T) {
	require.Empty(t, TailLines("", 5))
	require.Empty(t, TailLines("a\nb", 0))
	require.Equal(t, "a\nb", TailLines("a\nb", 5))
	require.Equal(t, "b\nc", TailLines("a\nb\nc", 2))
	require.Equal(t, "c", TailLines("a\n\nb\n\nc\n", 1))
}
