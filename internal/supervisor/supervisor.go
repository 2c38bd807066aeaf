// Package supervisor launches MCP server packages as child processes and
// owns their full lifecycle: start, liveness probe, terminate, reap.
//
// A Supervisor holds an in-memory table of ManagedProcess entries keyed by a
// generated server id. Launching tries a fixed sequence of argument
// strategies (plain, then with --stdio appended) because many npm-published
// MCP servers silently exit when the flag is missing. A process that exits
// within the grace period counts as a launch failure, not a protocol failure.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	harnesserrors "github.com/mcpharness/mcpharness-go/internal/errors"
)

const (
	// defaultGracePeriod is how long a freshly launched process must stay
	// alive before it is considered healthy.
	defaultGracePeriod = 2 * time.Second

	// defaultTerminateGrace is how long Terminate waits after SIGTERM
	// before force-killing.
	defaultTerminateGrace = 5 * time.Second

	// maxStderrBufferSize caps the captured stderr per process.
	maxStderrBufferSize = 256 * 1024

	// stderrTailLines is how many stderr lines launch errors carry.
	stderrTailLines = 20
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGracePeriod sets the launch liveness probe duration.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		s.gracePeriod = d
	}
}

// WithTerminateGrace sets how long Terminate waits for a graceful exit.
func WithTerminateGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.terminateGrace = d
	}
}

// Supervisor owns the process table. Construct one at startup with New and
// call TerminateAll at shutdown.
type Supervisor struct {
	log            *slog.Logger
	gracePeriod    time.Duration
	terminateGrace time.Duration

	mu    sync.Mutex
	table map[string]*ManagedProcess
}

// New creates a Supervisor with an empty process table.
func New(log *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:            log.With("component", "supervisor"),
		gracePeriod:    defaultGracePeriod,
		terminateGrace: defaultTerminateGrace,
		table:          make(map[string]*ManagedProcess, 8),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Deploy launches the process described by spec and verifies it survives the
// grace period. The plain argument list is tried first; if the process exits
// within the grace period, one retry with --stdio appended follows. On
// success the process is registered in the table under a generated server id
// in state Healthy. No protocol traffic is exchanged here.
func (s *Supervisor) Deploy(ctx context.Context, spec Spec) (*ManagedProcess, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("deploy %s: empty command", spec.Name())
	}

	// The supervisor controls the --stdio fallback; a caller-supplied
	// trailing flag would defeat the plain first attempt.
	if n := len(spec.Args); n > 0 && spec.Args[n-1] == "--stdio" {
		return nil, fmt.Errorf("deploy %s: base arguments must not end with --stdio", spec.Name())
	}

	s.log.Info("Deploying server", "package", spec.Name(), "command", spec.Command)

	var (
		attempts   []string
		lastStderr string
		lastErr    error
	)

	for _, strategy := range launchStrategies {
		args := strategy.args(spec.Args)
		attempts = append(attempts, fmt.Sprintf("%s %v", spec.Command, args))

		proc, err := s.launch(spec, strategy, args)
		if err != nil {
			s.log.Warn("Launch attempt failed to start",
				"package", spec.Name(), "strategy", strategy.String(), "error", err)

			lastErr = err

			continue
		}

		if err := s.probe(ctx, proc); err != nil {
			lastStderr = harnesserrors.TailLines(proc.StderrTail(), stderrTailLines)
			lastErr = err

			s.log.Warn("Launch probe failed",
				"package", spec.Name(), "strategy", strategy.String(),
				"error", err, "stderr", lastStderr)

			continue
		}

		proc.markHealthy()
		s.register(proc)

		go s.watch(proc)

		s.log.Info("Server healthy",
			"server_id", proc.ID(), "package", spec.Name(),
			"pid", proc.PID(), "strategy", strategy.String())

		return proc, nil
	}

	return nil, &harnesserrors.LaunchFailedError{
		Package:  spec.Name(),
		Attempts: attempts,
		Stderr:   lastStderr,
		Err:      lastErr,
	}
}

// Terminate shuts a process down: SIGTERM, bounded grace wait, SIGKILL if
// still alive, then pipe close, reap, and table removal. It is idempotent;
// an unknown or already-terminated id is a no-op success. Once it returns no
// orphaned OS process remains.
func (s *Supervisor) Terminate(ctx context.Context, serverID string) error {
	s.mu.Lock()
	proc, ok := s.table[serverID]
	s.mu.Unlock()

	if !ok {
		s.log.Debug("Terminate for unknown server id", "server_id", serverID)

		return nil
	}

	if !proc.beginTerminate() {
		s.log.Debug("Server already terminating or terminated", "server_id", serverID)

		// A process that died on its own (Failed) is already reaped but
		// may still sit in the table; sweep it out.
		if proc.State().terminal() {
			s.remove(serverID)
		}

		return nil
	}

	s.log.Info("Terminating server", "server_id", serverID, "pid", proc.PID())

	// Closing stdin first signals well-behaved servers to exit.
	if proc.stdin != nil {
		_ = proc.stdin.Close()
	}

	var termErr error

	if proc.cmd != nil && proc.cmd.Process != nil {
		if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Debug("SIGTERM failed", "server_id", serverID, "error", err)
		}

		select {
		case <-proc.waitDone:
		case <-time.After(s.terminateGrace):
			s.log.Warn("Server ignored SIGTERM, killing", "server_id", serverID, "pid", proc.PID())

			if err := proc.cmd.Process.Kill(); err != nil {
				termErr = fmt.Errorf("kill pid %d: %w", proc.PID(), err)
			}

			<-proc.waitDone
		case <-ctx.Done():
			// Still guarantee no orphan: kill and reap before returning.
			_ = proc.cmd.Process.Kill()
			<-proc.waitDone

			termErr = ctx.Err()
		}
	}

	proc.markTerminated()
	s.remove(serverID)

	s.log.Info("Server terminated", "server_id", serverID)

	return termErr
}

// TerminateAll sweeps the table at shutdown. One entry's termination error
// does not abort the sweep; all errors are joined.
func (s *Supervisor) TerminateAll(ctx context.Context) error {
	s.mu.Lock()

	ids := make([]string, 0, len(s.table))
	for id := range s.table {
		ids = append(ids, id)
	}

	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	s.log.Info("Terminating all servers", "count", len(ids))

	var (
		errMu sync.Mutex
		errs  []error
		wg    sync.WaitGroup
	)

	for _, id := range ids {
		wg.Go(func() {
			if err := s.Terminate(ctx, id); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("terminate %s: %w", id, err))
				errMu.Unlock()
			}
		})
	}

	wg.Wait()

	return errors.Join(errs...)
}

// Process looks up a managed process by server id.
func (s *Supervisor) Process(serverID string) (*ManagedProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.table[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", harnesserrors.ErrServerNotFound, serverID)
	}

	return proc, nil
}

// Servers returns a snapshot of the process table.
func (s *Supervisor) Servers() []*ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ManagedProcess, 0, len(s.table))
	for _, proc := range s.table {
		out = append(out, proc)
	}

	return out
}

// launch starts the executable with pipes attached and begins stderr capture
// and reaping. It does not register the process; the probe decides that.
func (s *Supervisor) launch(spec Spec, strategy Strategy, args []string) (*ManagedProcess, error) {
	//nolint:gosec // G204: launching caller-specified servers is the whole point
	cmd := exec.Command(spec.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	proc := &ManagedProcess{
		id:        "srv_" + ulid.Make().String(),
		spec:      spec,
		strategy:  strategy,
		args:      args,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		startedAt: time.Now(),
		state:     StateStarting,
		waitDone:  make(chan struct{}),
	}

	go s.collectStderr(proc, stderr)

	go func() {
		proc.waitErr = cmd.Wait()

		close(proc.waitDone)
	}()

	s.log.Debug("Process started",
		"package", spec.Name(), "pid", cmd.Process.Pid,
		"strategy", strategy.String(), "args", args)

	return proc, nil
}

// probe waits the grace period and fails if the process exits first.
func (s *Supervisor) probe(ctx context.Context, proc *ManagedProcess) error {
	timer := time.NewTimer(s.gracePeriod)
	defer timer.Stop()

	select {
	case <-proc.waitDone:
		proc.MarkFailed()

		exitCode := -1
		if proc.cmd.ProcessState != nil {
			exitCode = proc.cmd.ProcessState.ExitCode()
		}

		return fmt.Errorf("process exited during grace period (exit %d)", exitCode)

	case <-timer.C:
		proc.TouchAlive()

		return nil

	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
		<-proc.waitDone
		proc.MarkFailed()

		return ctx.Err()
	}
}

// watch observes process exit. An exit while the state is Healthy means the
// server died underneath us; the protocol reader notices the pipe close on
// its own, this transition is for diagnostics and the state machine.
func (s *Supervisor) watch(proc *ManagedProcess) {
	<-proc.waitDone

	if proc.State() == StateHealthy {
		proc.MarkFailed()

		s.log.Warn("Server exited unexpectedly",
			"server_id", proc.ID(),
			"package", proc.DisplayName(),
			"error", proc.waitErr,
			"stderr", harnesserrors.TailLines(proc.StderrTail(), stderrTailLines))
	}
}

// collectStderr buffers the child's stderr for diagnostics.
func (s *Supervisor) collectStderr(proc *ManagedProcess, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		proc.appendStderr(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		s.log.Debug("Stderr scanner error", "server_id", proc.ID(), "error", err)
	}
}

func (s *Supervisor) register(proc *ManagedProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.table[proc.ID()] = proc
}

func (s *Supervisor) remove(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.table, serverID)
}
