package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	harnesserrors "github.com/mcpharness/mcpharness-go/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer plays the child process side of the connection: it reads the
// client's requests from a pipe and writes whatever lines the test chooses.
type fakeServer struct {
	t        *testing.T
	requests *bufio.Scanner
	out      *io.PipeWriter
}

type receivedRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func newTestConn(t *testing.T, opts ...Option) (*Conn, *fakeServer) {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	conn := New(testLogger(), reqW, respR, opts...)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, &fakeServer{
		t:        t,
		requests: bufio.NewScanner(reqR),
		out:      respW,
	}
}

// read blocks for the next request line from the client.
func (s *fakeServer) read() receivedRequest {
	s.t.Helper()

	require.True(s.t, s.requests.Scan(), "expected a request line: %v", s.requests.Err())

	var req receivedRequest
	require.NoError(s.t, json.Unmarshal(s.requests.Bytes(), &req))
	require.Equal(s.t, "2.0", req.JSONRPC)

	return req
}

func (s *fakeServer) writeLine(line string) {
	s.t.Helper()

	_, err := s.out.Write([]byte(line + "\n"))
	require.NoError(s.t, err)
}

func (s *fakeServer) respond(id int64, result string) {
	s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

func (s *fakeServer) respondError(id int64, code int, message string) {
	s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, message))
}

// close ends the response stream; the client's reader sees EOF.
func (s *fakeServer) close() {
	_ = s.out.Close()
}

// TestConn_SendRequest_Success verifies a plain round trip.
func TestConn_SendRequest_Success(t *testing.T) {
	conn, server := newTestConn(t)

	go func() {
		req := server.read()
		server.respond(*req.ID, `{"ok":true}`)
	}()

	result, err := conn.SendRequest(t.Context(), "tools/list", struct{}{}, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
	require.Zero(t, conn.PendingCount())
}

// TestConn_RequestIDs_MonotonicNeverReused verifies ids increase across
// requests, including ones that time out.
func TestConn_RequestIDs_MonotonicNeverReused(t *testing.T) {
	conn, server := newTestConn(t)

	ids := make(chan int64, 3)

	go func() {
		for range 3 {
			req := server.read()
			ids <- *req.ID

			// First request gets no answer; it times out client-side.
			if *req.ID > 1 {
				server.respond(*req.ID, `{}`)
			}
		}
	}()

	_, err := conn.SendRequest(t.Context(), "a", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, harnesserrors.ErrRequestTimeout)

	_, err = conn.SendRequest(t.Context(), "b", nil, time.Second)
	require.NoError(t, err)

	_, err = conn.SendRequest(t.Context(), "c", nil, time.Second)
	require.NoError(t, err)

	first, second, third := <-ids, <-ids, <-ids
	require.Less(t, first, second)
	require.Less(t, second, third)
}

// TestConn_Timeout_RemovesPendingAndDropsLateResponse verifies the timeout
// path: the pending entry is gone, and a late response for the timed-out id
// neither crashes the reader nor corrupts a later call.
func TestConn_Timeout_RemovesPendingAndDropsLateResponse(t *testing.T) {
	conn, server := newTestConn(t)

	timedOut := server.readAsync()

	_, err := conn.SendRequest(t.Context(), "slow", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, harnesserrors.ErrRequestTimeout)
	require.Zero(t, conn.PendingCount())

	// Late answer for the dead id, then a live round trip.
	go func() {
		req := <-timedOut
		server.respond(*req.ID, `{"late":true}`)

		next := server.read()
		server.respond(*next.ID, `{"fresh":true}`)
	}()

	result, err := conn.SendRequest(t.Context(), "next", nil, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"fresh":true}`, string(result))
}

// readAsync reads one request in the background.
func (s *fakeServer) readAsync() <-chan receivedRequest {
	ch := make(chan receivedRequest, 1)

	go func() {
		ch <- s.read()
	}()

	return ch
}

// TestConn_ContextCancel_RemovesPending verifies cancellation cleans up the
// pending entry just like a timeout does, so a later answer for the dead id
// is dropped as an orphan.
func TestConn_ContextCancel_RemovesPending(t *testing.T) {
	conn, server := newTestConn(t)

	pending := server.readAsync()

	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)

	go func() {
		_, err := conn.SendRequest(ctx, "slow", nil, 10*time.Second)
		done <- err
	}()

	req := <-pending
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Zero(t, conn.PendingCount())

	// Late answer for the cancelled id, then a live round trip.
	go func() {
		server.respond(*req.ID, `{"late":true}`)

		next := server.read()
		server.respond(*next.ID, `{"fresh":true}`)
	}()

	result, err := conn.SendRequest(t.Context(), "next", nil, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"fresh":true}`, string(result))
}

// TestConn_RemoteError_SurfacedAsTypedError verifies a JSON-RPC error object
// comes back as *RemoteError carrying method, code, and message.
func TestConn_RemoteError_SurfacedAsTypedError(t *testing.T) {
	conn, server := newTestConn(t)

	go func() {
		req := server.read()
		server.respondError(*req.ID, -32601, "method not found")
	}()

	_, err := conn.SendRequest(t.Context(), "tools/call", nil, time.Second)
	require.Error(t, err)

	remoteErr, ok := errors.AsType[*harnesserrors.RemoteError](err)
	require.True(t, ok)
	require.Equal(t, "tools/call", remoteErr.Method)
	require.Equal(t, -32601, remoteErr.Code)
	require.Equal(t, "method not found", remoteErr.Message)
}

// TestConn_StreamClosed_FailsAllPending verifies the crash-with-in-flight
// scenario: N outstanding requests all complete with connection-lost when
// the stream ends, and the pending map is empty afterwards.
func TestConn_StreamClosed_FailsAllPending(t *testing.T) {
	conn, server := newTestConn(t)

	const inFlight = 5

	// Drain the requests so the writers don't block on the pipe, then
	// drop the connection once all are outstanding.
	go func() {
		for range inFlight {
			server.read()
		}

		server.close()
	}()

	var wg sync.WaitGroup

	errs := make(chan error, inFlight)

	for range inFlight {
		wg.Go(func() {
			_, err := conn.SendRequest(t.Context(), "tools/call", nil, 10*time.Second)
			errs <- err
		})
	}

	wg.Wait()
	close(errs)

	count := 0

	for err := range errs {
		require.ErrorIs(t, err, harnesserrors.ErrConnectionLost)

		count++
	}

	require.Equal(t, inFlight, count)
	require.Zero(t, conn.PendingCount())

	// The connection stays dead: new requests are rejected immediately.
	_, err := conn.SendRequest(t.Context(), "again", nil, time.Second)
	require.ErrorIs(t, err, harnesserrors.ErrConnectionLost)
}

// TestConn_MalformedLine_IsFatal verifies undecodable input kills the
// connection and the registered handler fires.
func TestConn_MalformedLine_IsFatal(t *testing.T) {
	lost := make(chan error, 1)

	conn, server := newTestConn(t, WithConnLostHandler(func(cause error) {
		lost <- cause
	}))

	go func() {
		server.read()
		server.writeLine("this is not json")
	}()

	_, err := conn.SendRequest(t.Context(), "tools/list", nil, time.Second)
	require.ErrorIs(t, err, harnesserrors.ErrConnectionLost)

	select {
	case cause := <-lost:
		require.ErrorIs(t, cause, harnesserrors.ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("connection-lost handler not invoked")
	}
}

// TestConn_ConcurrentCalls_ResponsesOutOfOrder verifies three interleaved
// calls each receive their own response when the server answers in reverse.
func TestConn_ConcurrentCalls_ResponsesOutOfOrder(t *testing.T) {
	conn, server := newTestConn(t)

	go func() {
		reqs := make([]receivedRequest, 0, 3)
		for range 3 {
			reqs = append(reqs, server.read())
		}

		for i := len(reqs) - 1; i >= 0; i-- {
			server.respond(*reqs[i].ID, fmt.Sprintf(`{"for":%d}`, *reqs[i].ID))
		}
	}()

	var wg sync.WaitGroup

	results := make([][2]int64, 3)

	for i := range 3 {
		wg.Go(func() {
			raw, err := conn.SendRequest(t.Context(), "tools/call", nil, 5*time.Second)
			require.NoError(t, err)

			var body struct {
				For int64 `json:"for"`
			}
			require.NoError(t, json.Unmarshal(raw, &body))

			results[i] = [2]int64{int64(i), body.For}
		})
	}

	wg.Wait()

	// Every caller got a response addressed to some unique id.
	seen := make(map[int64]bool, 3)
	for _, pair := range results {
		require.False(t, seen[pair[1]], "response %d delivered twice", pair[1])

		seen[pair[1]] = true
	}
}

// TestConn_Notifications_DeliveredToHandler verifies server-initiated
// notifications reach the registered sink and never touch the pending map.
func TestConn_Notifications_DeliveredToHandler(t *testing.T) {
	type note struct {
		method string
		params string
	}

	notes := make(chan note, 1)

	conn, server := newTestConn(t, WithNotificationHandler(func(method string, params json.RawMessage) {
		notes <- note{method: method, params: string(params)}
	}))

	server.writeLine(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":50}}`)

	select {
	case n := <-notes:
		require.Equal(t, "notifications/progress", n.method)
		require.JSONEq(t, `{"progress":50}`, n.params)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	require.Zero(t, conn.PendingCount())
}

// TestConn_Notify_WritesNotificationWithoutID verifies outbound
// notifications carry no id field.
func TestConn_Notify_WritesNotificationWithoutID(t *testing.T) {
	conn, server := newTestConn(t)

	go func() {
		require.NoError(t, conn.Notify(t.Context(), "notifications/initialized", struct{}{}))
	}()

	req := server.read()
	require.Equal(t, "notifications/initialized", req.Method)
	require.Nil(t, req.ID)
}

// TestConn_SendRequest_InvalidTimeout verifies non-positive timeouts are
// rejected before anything is written.
func TestConn_SendRequest_InvalidTimeout(t *testing.T) {
	conn, _ := newTestConn(t)

	_, err := conn.SendRequest(t.Context(), "tools/list", nil, 0)
	require.ErrorIs(t, err, harnesserrors.ErrInvalidTimeout)

	_, err = conn.SendRequest(t.Context(), "tools/list", nil, -time.Second)
	require.ErrorIs(t, err, harnesserrors.ErrInvalidTimeout)

	require.Zero(t, conn.PendingCount())
}

// TestConn_Close_Idempotent verifies repeated Close calls are safe and that
// requests after Close fail fast.
func TestConn_Close_Idempotent(t *testing.T) {
	conn, _ := newTestConn(t)

	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Err(), harnesserrors.ErrConnectionLost)
	_ = conn.Close()

	_, err := conn.SendRequest(t.Context(), "tools/list", nil, time.Second)
	require.ErrorIs(t, err, harnesserrors.ErrConnectionLost)
}
