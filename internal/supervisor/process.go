package supervisor

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a managed process.
//
// Transitions: Starting → Healthy → Terminating → Terminated.
// Failed is terminal and reachable from Starting (launch probe failed) or
// from Healthy (externally observed exit).
type State int32

const (
	StateStarting State = iota
	StateHealthy
	StateTerminating
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Strategy is a launch argument strategy. Strategies are tried in fixed
// order; adding a third one means appending to launchStrategies.
type Strategy int

const (
	// StrategyPlain launches with the base arguments unchanged.
	StrategyPlain Strategy = iota

	// StrategyWithStdioFlag appends --stdio to the base arguments. Many MCP
	// servers require the flag and silently exit without it.
	StrategyWithStdioFlag
)

// launchStrategies is the fixed order in which strategies are attempted.
var launchStrategies = []Strategy{StrategyPlain, StrategyWithStdioFlag}

func (s Strategy) String() string {
	switch s {
	case StrategyPlain:
		return "plain"
	case StrategyWithStdioFlag:
		return "with_stdio_flag"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// args returns the argument list this strategy launches with.
func (s Strategy) args(base []string) []string {
	out := make([]string, len(base), len(base)+1)
	copy(out, base)

	if s == StrategyWithStdioFlag {
		out = append(out, "--stdio")
	}

	return out
}

// Spec describes a server to launch: an executable, its base arguments, and
// a human-readable name for diagnostics. The supervisor owns the decision to
// append --stdio; base arguments must not carry it already.
type Spec struct {
	// Identifier is the originating package/command identifier.
	Identifier string

	// DisplayName is used in logs and errors. Defaults to Identifier.
	DisplayName string

	// Command is the executable to launch. Must be resolvable on the host.
	Command string

	// Args are the base arguments, without --stdio.
	Args []string
}

// Name returns DisplayName if set, otherwise Identifier.
func (s Spec) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}

	return s.Identifier
}

// ManagedProcess is a launched, supervised child process. It is created and
// mutated only by the Supervisor; the protocol layer borrows its stdio pipes
// for the duration of communication.
type ManagedProcess struct {
	id       string
	spec     Spec
	strategy Strategy
	args     []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	startedAt time.Time
	lastSeen  atomic.Int64 // unix nanos

	mu    sync.Mutex
	state State

	// waitErr is valid after waitDone is closed.
	waitErr  error
	waitDone chan struct{}

	stderrMu   sync.Mutex
	stderrTail strings.Builder
}

// ID returns the locally unique server id.
func (p *ManagedProcess) ID() string { return p.id }

// Spec returns the launch specification.
func (p *ManagedProcess) Spec() Spec { return p.spec }

// DisplayName returns the name used for diagnostics.
func (p *ManagedProcess) DisplayName() string { return p.spec.Name() }

// Strategy returns the launch strategy that succeeded.
func (p *ManagedProcess) Strategy() Strategy { return p.strategy }

// Args returns the argument list actually used, after fallback.
func (p *ManagedProcess) Args() []string {
	out := make([]string, len(p.args))
	copy(out, p.args)

	return out
}

// RetriedWithStdioFlag reports whether the --stdio fallback was needed.
func (p *ManagedProcess) RetriedWithStdioFlag() bool {
	return p.strategy == StrategyWithStdioFlag
}

// PID returns the OS process id, or 0 if unavailable.
func (p *ManagedProcess) PID() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}

	return 0
}

// StartedAt returns the launch timestamp.
func (p *ManagedProcess) StartedAt() time.Time { return p.startedAt }

// Stdin returns the write side of the child's standard input.
func (p *ManagedProcess) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the read side of the child's standard output.
func (p *ManagedProcess) Stdout() io.Reader { return p.stdout }

// State returns the current lifecycle state.
func (p *ManagedProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Exited returns a channel that is closed once the OS process has been reaped.
func (p *ManagedProcess) Exited() <-chan struct{} { return p.waitDone }

// TouchAlive updates the last-seen-alive timestamp. The protocol layer calls
// this whenever a message arrives from the process.
func (p *ManagedProcess) TouchAlive() {
	p.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the last-seen-alive timestamp, or the start time if the
// process has never been heard from.
func (p *ManagedProcess) LastSeen() time.Time {
	if ns := p.lastSeen.Load(); ns != 0 {
		return time.Unix(0, ns)
	}

	return p.startedAt
}

// StderrTail returns the captured tail of the child's stderr.
func (p *ManagedProcess) StderrTail() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	return p.stderrTail.String()
}

// MarkFailed drives Starting/Healthy → Failed. It is a no-op once the
// process is terminating or already terminal; caller-initiated shutdown
// always wins over a concurrently observed exit.
func (p *ManagedProcess) MarkFailed() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStarting || p.state == StateHealthy {
		p.state = StateFailed
	}
}

// markHealthy drives Starting → Healthy after the launch probe passes.
func (p *ManagedProcess) markHealthy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStarting {
		p.state = StateHealthy
	}
}

// beginTerminate drives the process into Terminating. It returns false when
// the process is already terminating or terminal, making Terminate idempotent.
func (p *ManagedProcess) beginTerminate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateTerminating || p.state.terminal() {
		return false
	}

	p.state = StateTerminating

	return true
}

// markTerminated drives Terminating → Terminated.
func (p *ManagedProcess) markTerminated() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateTerminating {
		p.state = StateTerminated
	}
}

// appendStderr buffers a stderr line, capped at maxStderrBufferSize.
func (p *ManagedProcess) appendStderr(line string) {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	if p.stderrTail.Len() >= maxStderrBufferSize {
		return
	}

	if p.stderrTail.Len() > 0 {
		p.stderrTail.WriteString("\n")
	}

	p.stderrTail.WriteString(line)
}
