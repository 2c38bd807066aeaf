package mcpharness

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// shellEchoServer is a minimal JSON-RPC responder in shell: it answers every
// request with the same initialize-shaped result, echoing the request id.
// Enough to exercise deploy, handshake, and teardown against a real process.
const shellEchoServer = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"sh-mock","version":"1.0.0"}}}\n' "$id"
  fi
done
`

func newTestHarness(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	opts = append([]Option{WithGracePeriod(100 * time.Millisecond)}, opts...)

	h, err := New(opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, h.Close(t.Context()))
	})

	return h
}

// TestHarness_EndToEnd_ShellServer runs the full path against a live child
// process: deploy, probe, handshake over real pipes, and teardown.
func TestHarness_EndToEnd_ShellServer(t *testing.T) {
	h := newTestHarness(t)

	session, err := h.Deploy(t.Context(), DeploySpec{
		Identifier: "sh-mock",
		Command:    "/bin/sh",
		Args:       []string{"-c", shellEchoServer, "sh"},
	})
	require.NoError(t, err)
	require.Equal(t, HandshakeNotStarted, session.Handshake())

	info, err := session.Initialize(t.Context())
	require.NoError(t, err)
	require.Equal(t, "sh-mock", info.Name)
	require.Equal(t, "1.0.0", info.Version)
	require.Equal(t, "2024-11-05", info.ProtocolVersion)

	// The responder answers tools/list with an initialize-shaped result;
	// the session reads that as a server with no tools.
	tools, err := session.ListTools(t.Context())
	require.NoError(t, err)
	require.Empty(t, tools)

	got, err := h.Session(session.ServerID())
	require.NoError(t, err)
	require.Same(t, session, got)

	require.NoError(t, h.Terminate(t.Context(), session.ServerID()))

	_, err = h.Session(session.ServerID())
	require.ErrorIs(t, err, ErrServerNotFound)
}

// TestHarness_Deploy_LaunchFailure verifies a process that dies in the grace
// period surfaces as LaunchFailedError after both attempts.
func TestHarness_Deploy_LaunchFailure(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.Deploy(t.Context(), DeploySpec{
		Identifier: "broken",
		Command:    "/bin/sh",
		Args:       []string{"-c", "exit 1", "sh"},
	})
	require.Error(t, err)

	launchErr, ok := errors.AsType[*LaunchFailedError](err)
	require.True(t, ok)
	require.Len(t, launchErr.Attempts, 2)
	require.Empty(t, h.Sessions())
}

// TestHarness_DeployPackage_NotFound verifies unresolvable identifiers fail
// before any process is spawned.
func TestHarness_DeployPackage_NotFound(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.DeployPackage(t.Context(), "Not A Package!")
	require.ErrorIs(t, err, ErrPackageNotFound)
}

// TestHarness_Terminate_UnknownID verifies terminate is idempotent across
// the facade too.
func TestHarness_Terminate_UnknownID(t *testing.T) {
	h := newTestHarness(t)

	require.NoError(t, h.Terminate(t.Context(), "srv_never_existed"))
}

// TestHarness_Close verifies shutdown terminates live sessions and that the
// harness refuses new deploys afterwards.
func TestHarness_Close(t *testing.T) {
	h, err := New(WithGracePeriod(100 * time.Millisecond))
	require.NoError(t, err)

	session, err := h.Deploy(t.Context(), DeploySpec{
		Identifier: "sh-mock",
		Command:    "/bin/sh",
		Args:       []string{"-c", shellEchoServer, "sh"},
	})
	require.NoError(t, err)

	require.NoError(t, h.Close(t.Context()))
	require.NoError(t, h.Close(t.Context()))

	_, err = session.ListTools(t.Context())
	require.ErrorIs(t, err, ErrSessionClosed)

	_, err = h.Deploy(t.Context(), DeploySpec{Identifier: "x", Command: "/bin/true"})
	require.ErrorIs(t, err, ErrSessionClosed)
}
