// Package stdio implements request/response correlation over a child
// process's standard input/output using newline-delimited JSON-RPC 2.0.
//
// One background reader goroutine per connection reads a line at a time,
// decodes it, and resolves the matching pending request by id. Callers block
// in SendRequest without blocking the reader or each other; writes to stdin
// are serialized so concurrent callers never interleave partial lines.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	harnesserrors "github.com/mcpharness/mcpharness-go/internal/errors"
)

// maxScanTokenSize is the maximum line length read from the server.
const maxScanTokenSize = 1024 * 1024 // 1MB

// NotificationHandler receives server-initiated notifications. Without a
// registered handler, notifications are discarded.
type NotificationHandler func(method string, params json.RawMessage)

// Option configures a Conn.
type Option func(*Conn)

// WithNotificationHandler registers a sink for inbound notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Conn) {
		c.notify = h
	}
}

// WithConnLostHandler registers a callback invoked once when the reader
// exits abnormally (pipe closed, decode failure). The supervisor uses it to
// mark the owning process failed.
func WithConnLostHandler(h func(cause error)) Option {
	return func(c *Conn) {
		c.onConnLost = h
	}
}

// pendingCall tracks one outstanding request. The outcome channel is
// buffered so the resolver never blocks; whoever removes the entry from the
// pending map owns delivery.
type pendingCall struct {
	id       int64
	method   string
	outcome  chan callOutcome
	sentAt   time.Time
	deadline time.Time
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// Conn is a JSON-RPC 2.0 connection over a child process's stdio.
type Conn struct {
	log    *slog.Logger
	stdin  io.WriteCloser
	stdout io.Reader

	// writeMu serializes stdin writes; concurrent callers must never
	// interleave partial lines.
	writeMu     sync.Mutex
	stdinClosed bool

	// nextID is the monotonically increasing request id. Ids are never
	// reused within the connection's lifetime, so correlation after a
	// timeout can never be ambiguous.
	nextID atomic.Int64

	// pendingMu guards pending. Held only for insert/lookup/remove,
	// never across a blocking wait.
	pendingMu sync.Mutex
	pending   map[int64]*pendingCall

	notify     NotificationHandler
	onConnLost func(error)

	closeOnce    sync.Once
	done         chan struct{}
	lostNotified atomic.Bool

	errMu   sync.RWMutex
	connErr error

	wg sync.WaitGroup
}

// New creates a connection over the given pipes and starts the background
// reader. stdin and stdout belong to an already-healthy managed process; the
// connection borrows them and does not own the process.
func New(log *slog.Logger, stdin io.WriteCloser, stdout io.Reader, opts ...Option) *Conn {
	c := &Conn{
		log:     log.With("component", "stdio"),
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]*pendingCall, 8),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.wg.Go(c.readLoop)

	return c
}

// SendRequest sends a JSON-RPC request and blocks until exactly one of:
// the reader resolves it with a result, the server returns a JSON-RPC error
// (surfaced as *RemoteError), the timeout elapses (the pending entry is
// removed so a late answer cannot be misdelivered), the connection is lost,
// or ctx is cancelled.
func (c *Conn) SendRequest(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (json.RawMessage, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w (got %s)", harnesserrors.ErrInvalidTimeout, timeout)
	}

	select {
	case <-c.done:
		return nil, c.lostErr()
	default:
	}

	id := c.nextID.Add(1)
	call := &pendingCall{
		id:       id,
		method:   method,
		outcome:  make(chan callOutcome, 1),
		sentAt:   time.Now(),
		deadline: time.Now().Add(timeout),
	}

	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()

	data, err := json.Marshal(&request{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.removePending(id)

		return nil, fmt.Errorf("marshal request %s: %w", method, err)
	}

	c.log.Debug("Sending request", "id", id, "method", method, "timeout", timeout)

	if err := c.writeLine(data); err != nil {
		c.removePending(id)

		return nil, fmt.Errorf("write request %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-call.outcome:
		return out.result, out.err

	case <-timer.C:
		c.removePending(id)
		c.log.Warn("Request timed out", "id", id, "method", method, "timeout", timeout)

		return nil, fmt.Errorf("%w: %s after %s", harnesserrors.ErrRequestTimeout, method, timeout)

	case <-c.done:
		c.removePending(id)

		return nil, c.lostErr()

	case <-ctx.Done():
		c.removePending(id)

		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification. No response is expected.
func (c *Conn) Notify(_ context.Context, method string, params any) error {
	data, err := json.Marshal(&notification{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", method, err)
	}

	c.log.Debug("Sending notification", "method", method)

	if err := c.writeLine(data); err != nil {
		return fmt.Errorf("write notification %s: %w", method, err)
	}

	return nil
}

// Close tears the connection down in order: stop accepting new requests,
// force-resolve every pending request with a connection-lost error, then
// close stdin so the child sees end of input. Safe to call multiple times.
func (c *Conn) Close() error {
	c.setErr(harnesserrors.ErrConnectionLost)

	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.failAllPending(harnesserrors.ErrConnectionLost)

	var closeErr error

	c.writeMu.Lock()

	if !c.stdinClosed {
		c.stdinClosed = true
		closeErr = c.stdin.Close()

		c.log.Debug("Connection closed")
	}

	c.writeMu.Unlock()

	return closeErr
}

// Done returns a channel closed when the connection stops accepting requests.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the connection error, if the connection has failed or closed.
func (c *Conn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()

	return c.connErr
}

// PendingCount reports outstanding requests; used by diagnostics and tests.
func (c *Conn) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	return len(c.pending)
}

// readLoop is the dedicated background reader: one line, one message.
func (c *Conn) readLoop() {
	defer c.log.Debug("Reader stopped")

	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if err := c.dispatch(line); err != nil {
			// Malformed JSON on the stream means framing is broken;
			// nothing after this point can be trusted.
			c.fail(fmt.Errorf("%w: %v", harnesserrors.ErrConnectionLost, err))

			return
		}
	}

	err := scanner.Err()
	if err != nil {
		c.fail(fmt.Errorf("%w: read: %v", harnesserrors.ErrConnectionLost, err))

		return
	}

	c.fail(fmt.Errorf("%w: stream closed", harnesserrors.ErrConnectionLost))
}

// dispatch routes one decoded line. Returns an error only for undecodable
// input, which the reader treats as fatal.
func (c *Conn) dispatch(line []byte) error {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.log.Error("Failed to decode message", "error", err, "line", string(line))

		return fmt.Errorf("decode: %w", err)
	}

	if env.isNotification() {
		if c.notify != nil {
			c.notify(env.Method, env.Params)
		} else {
			c.log.Debug("Dropping notification (no sink)", "method", env.Method)
		}

		return nil
	}

	id, ok := env.numericID()
	if !ok {
		c.log.Debug("Dropping message with non-numeric id", "id", string(env.ID))

		return nil
	}

	c.pendingMu.Lock()

	call, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
	}

	c.pendingMu.Unlock()

	if !exists {
		// Orphaned or late response; logged, never fatal, never
		// misdelivered since ids are not reused.
		c.log.Debug("Dropping orphaned response", "id", id)

		return nil
	}

	if env.Error != nil {
		call.outcome <- callOutcome{err: env.Error.toError(call.method)}
	} else {
		call.outcome <- callOutcome{result: env.Result}
	}

	return nil
}

// fail records the terminal connection error, wakes all pending callers with
// it, and notifies the owner exactly once.
func (c *Conn) fail(cause error) {
	c.setErr(cause)

	c.closeOnce.Do(func() {
		close(c.done)
	})

	n := c.failAllPending(cause)
	if n > 0 {
		c.log.Warn("Connection lost with requests outstanding", "pending", n, "cause", cause)
	}

	if c.lostNotified.CompareAndSwap(false, true) && c.onConnLost != nil {
		c.onConnLost(cause)
	}
}

// removePending forgets one outstanding request. After removal a late
// response for the id is treated as orphaned and dropped.
func (c *Conn) removePending(id int64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	delete(c.pending, id)
}

// failAllPending force-resolves every outstanding request and empties the
// map. Returns how many were resolved.
func (c *Conn) failAllPending(cause error) int {
	c.pendingMu.Lock()

	calls := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)

		delete(c.pending, id)
	}

	c.pendingMu.Unlock()

	for _, call := range calls {
		call.outcome <- callOutcome{err: cause}
	}

	return len(calls)
}

// writeLine writes data plus a single trailing newline under the write lock.
func (c *Conn) writeLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.stdinClosed {
		return harnesserrors.ErrConnectionLost
	}

	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'

	if _, err := c.stdin.Write(line); err != nil {
		return fmt.Errorf("%w: %v", harnesserrors.ErrConnectionLost, err)
	}

	return nil
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if c.connErr == nil {
		c.connErr = err
	}
}

// lostErr returns the recorded connection error, defaulting to the bare
// connection-lost sentinel.
func (c *Conn) lostErr() error {
	if err := c.Err(); err != nil {
		return err
	}

	return harnesserrors.ErrConnectionLost
}
