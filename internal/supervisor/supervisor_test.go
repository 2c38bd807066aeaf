package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	harnesserrors "github.com/mcpharness/mcpharness-go/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	s := New(testLogger(),
		WithGracePeriod(100*time.Millisecond),
		WithTerminateGrace(time.Second),
	)

	t.Cleanup(func() {
		// t.Context() is already canceled once cleanups run; use a fresh
		// context so TerminateAll can do its work.
		require.NoError(t, s.TerminateAll(context.Background()))
	})

	return s
}

// shSpec wraps a shell script as a launch spec. The trailing "sh" argument
// becomes $0, so an appended --stdio lands in $1.
func shSpec(name, script string) Spec {
	return Spec{
		Identifier: name,
		Command:    "/bin/sh",
		Args:       []string{"-c", script, "sh"},
	}
}

// TestSupervisor_Deploy_Healthy verifies the plain launch path: a process
// that survives the grace period registers as Healthy on the first attempt.
func TestSupervisor_Deploy_Healthy(t *testing.T) {
	s := newTestSupervisor(t)

	proc, err := s.Deploy(t.Context(), shSpec("sleeper", "sleep 60"))
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(proc.ID(), "srv_"))
	require.Equal(t, StateHealthy, proc.State())
	require.Positive(t, proc.PID())
	require.False(t, proc.RetriedWithStdioFlag())

	got, err := s.Process(proc.ID())
	require.NoError(t, err)
	require.Same(t, proc, got)
}

// TestSupervisor_Deploy_StdioFallback verifies a server that exits without
// --stdio is retried once with the flag appended and ends up Healthy.
func TestSupervisor_Deploy_StdioFallback(t *testing.T) {
	s := newTestSupervisor(t)

	script := `if [ "$1" = "--stdio" ]; then sleep 60; else exit 1; fi`

	proc, err := s.Deploy(t.Context(), shSpec("picky", script))
	require.NoError(t, err)

	require.Equal(t, StateHealthy, proc.State())
	require.True(t, proc.RetriedWithStdioFlag())
	require.Equal(t, "--stdio", proc.Args()[len(proc.Args())-1])
}

// TestSupervisor_Deploy_BothAttemptsFail verifies a server that always exits
// produces a LaunchFailedError recording both attempts, with nothing left in
// the table.
func TestSupervisor_Deploy_BothAttemptsFail(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Deploy(t.Context(), shSpec("broken", "echo boom >&2; exit 3"))
	require.Error(t, err)

	launchErr, ok := errors.AsType[*harnesserrors.LaunchFailedError](err)
	require.True(t, ok)
	require.Equal(t, "broken", launchErr.Package)
	require.Len(t, launchErr.Attempts, 2)
	require.Contains(t, launchErr.Stderr, "boom")

	require.Empty(t, s.Servers())
}

// TestSupervisor_Deploy_RejectsTrailingStdioFlag verifies base arguments may
// not pre-empt the fallback flag.
func TestSupervisor_Deploy_RejectsTrailingStdioFlag(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Deploy(t.Context(), Spec{
		Identifier: "x",
		Command:    "/bin/sh",
		Args:       []string{"-c", "sleep 60", "sh", "--stdio"},
	})
	require.ErrorContains(t, err, "--stdio")
}

// TestSupervisor_Deploy_EmptyCommand verifies the obvious misuse is caught
// before any process is spawned.
func TestSupervisor_Deploy_EmptyCommand(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Deploy(t.Context(), Spec{Identifier: "x"})
	require.ErrorContains(t, err, "empty command")
}

// TestSupervisor_Terminate verifies a healthy process is stopped, reaped,
// and removed, and that repeating the call is a no-op success.
func TestSupervisor_Terminate(t *testing.T) {
	s := newTestSupervisor(t)

	proc, err := s.Deploy(t.Context(), shSpec("sleeper", "sleep 60"))
	require.NoError(t, err)

	require.NoError(t, s.Terminate(t.Context(), proc.ID()))
	require.Equal(t, StateTerminated, proc.State())

	select {
	case <-proc.Exited():
	default:
		t.Fatal("process not reaped after Terminate")
	}

	_, err = s.Process(proc.ID())
	require.ErrorIs(t, err, harnesserrors.ErrServerNotFound)

	// Idempotent: same id again, and an id that never existed.
	require.NoError(t, s.Terminate(t.Context(), proc.ID()))
	require.NoError(t, s.Terminate(t.Context(), "srv_nonexistent"))
}

// TestSupervisor_Terminate_KillsStubbornProcess verifies a process that
// ignores SIGTERM is killed after the grace window.
func TestSupervisor_Terminate_KillsStubbornProcess(t *testing.T) {
	s := New(testLogger(),
		WithGracePeriod(100*time.Millisecond),
		WithTerminateGrace(200*time.Millisecond),
	)

	proc, err := s.Deploy(t.Context(), shSpec("stubborn", "trap '' TERM; sleep 60"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Terminate(t.Context(), proc.ID()))

	require.Equal(t, StateTerminated, proc.State())
	require.Less(t, time.Since(start), 5*time.Second)
}

// TestSupervisor_TerminateAll verifies the shutdown sweep empties the table
// even with several processes running.
func TestSupervisor_TerminateAll(t *testing.T) {
	s := newTestSupervisor(t)

	for range 3 {
		_, err := s.Deploy(t.Context(), shSpec("sleeper", "sleep 60"))
		require.NoError(t, err)
	}

	require.Len(t, s.Servers(), 3)
	require.NoError(t, s.TerminateAll(t.Context()))
	require.Empty(t, s.Servers())
}

// TestSupervisor_Watch_MarksUnexpectedExitFailed verifies a healthy process
// that dies on its own transitions to Failed, not Terminated.
func TestSupervisor_Watch_MarksUnexpectedExitFailed(t *testing.T) {
	s := newTestSupervisor(t)

	proc, err := s.Deploy(t.Context(), shSpec("shortlived", "sleep 0.3"))
	require.NoError(t, err)
	require.Equal(t, StateHealthy, proc.State())

	<-proc.Exited()

	require.Eventually(t, func() bool {
		return proc.State() == StateFailed
	}, 2*time.Second, 10*time.Millisecond)
}

// TestState_Strings pins the state names used in logs and errors.
func TestState_Strings(t *testing.T) {
	require.Equal(t, "starting", StateStarting.String())
	require.Equal(t, "healthy", StateHealthy.String())
	require.Equal(t, "terminating", StateTerminating.String())
	require.Equal(t, "terminated", StateTerminated.String())
	require.Equal(t, "failed", StateFailed.String())
}

// TestStrategy_Args verifies the fallback strategy appends --stdio without
// mutating the base slice.
func TestStrategy_Args(t *testing.T) {
	base := []string{"-y", "some-package"}

	require.Equal(t, base, StrategyPlain.args(base))
	require.Equal(t, []string{"-y", "some-package", "--stdio"}, StrategyWithStdioFlag.args(base))
	require.Equal(t, []string{"-y", "some-package"}, base)
}
