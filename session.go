package mcpharness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	harnesserrors "github.com/mcpharness/mcpharness-go/internal/errors"
	"github.com/mcpharness/mcpharness-go/internal/report"
	"github.com/mcpharness/mcpharness-go/internal/stdio"
	"github.com/mcpharness/mcpharness-go/internal/supervisor"
)

// rpcConn is the slice of the stdio connection the session needs. Tests
// substitute a fake to exercise the facade without a child process.
type rpcConn interface {
	SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

var _ rpcConn = (*stdio.Conn)(nil)

// terminator is how the session hands its process back at Close.
type terminator interface {
	Terminate(ctx context.Context, serverID string) error
}

var _ terminator = (*supervisor.Supervisor)(nil)

// ServerSession is the client side of one deployed MCP server. All methods
// are safe for concurrent use; the handshake gate ensures no protocol traffic
// flows before a successful Initialize.
type ServerSession struct {
	log      *slog.Logger
	serverID string
	pkg      string

	conn rpcConn
	sup  terminator
	sink report.Sink

	requestTimeout time.Duration
	clientName     string
	clientVersion  string

	// initMu serializes handshakes; a second Initialize waits for the
	// first and then observes its outcome instead of re-sending.
	initMu sync.Mutex

	mu        sync.Mutex
	handshake HandshakeState
	closed    bool
	info      *ServerInfo
	tools     []ToolDescriptor
}

func newSession(
	log *slog.Logger,
	serverID, pkg string,
	conn rpcConn,
	sup terminator,
	opts *harnessOptions,
) *ServerSession {
	return &ServerSession{
		log:            log.With("component", "session", "server_id", serverID),
		serverID:       serverID,
		pkg:            pkg,
		conn:           conn,
		sup:            sup,
		sink:           opts.sink,
		requestTimeout: opts.requestTimeout,
		clientName:     opts.clientName,
		clientVersion:  opts.clientVersion,
	}
}

// ServerID returns the generated id the harness knows this server by.
func (s *ServerSession) ServerID() string { return s.serverID }

// Package returns the server's display name or package identifier.
func (s *ServerSession) Package() string { return s.pkg }

// Handshake returns the current handshake state.
func (s *ServerSession) Handshake() HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handshake
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// Initialize performs the MCP handshake. It must complete successfully
// before ListTools or CallTool; until then those calls are rejected locally
// without touching the wire. Calling Initialize again after success returns
// the cached server info; concurrent callers share a single handshake.
func (s *ServerSession) Initialize(ctx context.Context) (*ServerInfo, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil, harnesserrors.ErrSessionClosed
	}

	if s.handshake == HandshakeReady {
		info := s.info
		s.mu.Unlock()

		return info, nil
	}

	s.handshake = HandshakePending
	s.mu.Unlock()

	s.log.Info("Initializing session", "package", s.pkg)

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: clientInfo{
			Name:    s.clientName,
			Version: s.clientVersion,
		},
	}

	start := time.Now()

	raw, err := s.conn.SendRequest(ctx, "initialize", params, s.requestTimeout)
	s.record("initialize", "", start, err)

	if err != nil {
		s.setHandshake(HandshakeFailed)

		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.setHandshake(HandshakeFailed)

		return nil, fmt.Errorf("initialize: decode result: %w", err)
	}

	// The spec requires the client to confirm the handshake before any
	// other traffic; servers may ignore requests sent before this.
	if err := s.conn.Notify(ctx, "notifications/initialized", struct{}{}); err != nil {
		s.setHandshake(HandshakeFailed)

		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	info := &ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Capabilities:    result.Capabilities,
	}

	s.mu.Lock()
	s.info = info
	s.handshake = HandshakeReady
	s.mu.Unlock()

	s.log.Info("Session ready",
		"server", info.Name, "version", info.Version,
		"protocol", info.ProtocolVersion)

	return info, nil
}

// ListTools fetches the server's tool list. The result is cached for Tools
// but every call re-fetches, so a server that changes its tool set between
// calls is observed accurately.
func (s *ServerSession) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := s.guardReady(); err != nil {
		return nil, err
	}

	start := time.Now()

	raw, err := s.conn.SendRequest(ctx, "tools/list", struct{}{}, s.requestTimeout)
	s.record("tools/list", "", start, err)

	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("tools/list: decode result: %w", err)
	}

	s.mu.Lock()
	s.tools = result.Tools
	s.mu.Unlock()

	s.log.Debug("Listed tools", "count", len(result.Tools))

	return result.Tools, nil
}

// Tools returns the tool list from the most recent ListTools, without
// touching the wire. Nil if ListTools has not succeeded yet.
func (s *ServerSession) Tools() []ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tools
}

type callToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// CallTool invokes a tool by name with the given arguments and per-call
// timeout. Unknown tool names are passed through; the server's error comes
// back as a *RemoteError. A result with IsError set is a tool-level failure,
// returned without error so the caller can inspect the content.
func (s *ServerSession) CallTool(
	ctx context.Context,
	name string,
	args any,
	timeout time.Duration,
) (*ToolResult, error) {
	if err := s.guardReady(); err != nil {
		return nil, err
	}

	params := callToolParams{
		Name:      name,
		Arguments: args,
	}

	start := time.Now()

	raw, err := s.conn.SendRequest(ctx, "tools/call", params, timeout)
	s.record("tools/call", name, start, err)

	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result struct {
		Content json.RawMessage `json:"content"`
		IsError bool            `json:"isError"`
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: decode result: %w", name, err)
	}

	s.log.Debug("Tool call completed",
		"tool", name, "is_error", result.IsError, "duration", time.Since(start))

	return &ToolResult{
		Content: result.Content,
		IsError: result.IsError,
		Raw:     raw,
	}, nil
}

// Close shuts the session down in order: stop accepting calls, close the
// connection (failing any in-flight requests), then terminate the process.
// Safe to call multiple times.
func (s *ServerSession) Close(ctx context.Context) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	s.mu.Unlock()

	s.log.Info("Closing session")

	connErr := s.conn.Close()

	var termErr error
	if s.sup != nil {
		termErr = s.sup.Terminate(ctx, s.serverID)
	}

	if termErr != nil {
		return fmt.Errorf("terminate %s: %w", s.serverID, termErr)
	}

	// stdin double-close during terminate is expected; only surface a
	// connection close error when termination itself went cleanly.
	if connErr != nil && s.sup == nil {
		return connErr
	}

	return nil
}

// guardReady rejects calls locally unless the handshake has completed.
func (s *ServerSession) guardReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return harnesserrors.ErrSessionClosed
	}

	if s.handshake != HandshakeReady {
		return fmt.Errorf("%w: handshake %s", harnesserrors.ErrSessionNotReady, s.handshake)
	}

	return nil
}

func (s *ServerSession) setHandshake(state HandshakeState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handshake = state
}

// record emits one report record for a wire operation. Locally rejected
// calls never reach here.
func (s *ServerSession) record(method, tool string, start time.Time, err error) {
	if s.sink == nil {
		return
	}

	rec := report.Record{
		ServerID:   s.serverID,
		Package:    s.pkg,
		Method:     method,
		Tool:       tool,
		Success:    err == nil,
		DurationMS: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}

	if err != nil {
		rec.Error = err.Error()
		rec.ErrorKind = harnesserrors.Kind(err)
	}

	if writeErr := s.sink.Write(rec); writeErr != nil {
		s.log.Warn("Report sink write failed", "error", writeErr)
	}
}
