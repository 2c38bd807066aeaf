package mcpharness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	harnesserrors "github.com/mcpharness/mcpharness-go/internal/errors"
	"github.com/mcpharness/mcpharness-go/internal/registry"
	"github.com/mcpharness/mcpharness-go/internal/stdio"
	"github.com/mcpharness/mcpharness-go/internal/supervisor"
)

// Harness deploys MCP tool servers as child processes and hands out sessions
// for talking to them. One Harness manages any number of servers; Close
// terminates everything it started.
type Harness struct {
	log      *slog.Logger
	opts     *harnessOptions
	sup      *supervisor.Supervisor
	resolver *registry.Resolver

	mu       sync.Mutex
	sessions map[string]*ServerSession
	closed   bool
}

// New creates a Harness. With no options it is silent, keeps the default
// 2s launch grace period, and writes no reports.
func New(opts ...Option) (*Harness, error) {
	options := applyOptions(opts)

	log := options.logger
	if log == nil {
		log = NopLogger()
	}

	var supOpts []supervisor.Option
	if options.gracePeriod > 0 {
		supOpts = append(supOpts, supervisor.WithGracePeriod(options.gracePeriod))
	}

	if options.terminateGrace > 0 {
		supOpts = append(supOpts, supervisor.WithTerminateGrace(options.terminateGrace))
	}

	resolver := registry.New(log)
	if options.registryPath != "" {
		if err := resolver.Load(options.registryPath); err != nil {
			return nil, fmt.Errorf("load registry: %w", err)
		}
	}

	return &Harness{
		log:      log.With("component", "harness"),
		opts:     options,
		sup:      supervisor.New(log, supOpts...),
		resolver: resolver,
		sessions: make(map[string]*ServerSession, 4),
	}, nil
}

// Deploy launches the server described by spec, waits out the liveness
// probe, and returns a session for it. The session is not initialized;
// call Initialize before ListTools or CallTool.
func (h *Harness) Deploy(ctx context.Context, spec DeploySpec) (*ServerSession, error) {
	h.mu.Lock()

	if h.closed {
		h.mu.Unlock()

		return nil, harnesserrors.ErrSessionClosed
	}

	h.mu.Unlock()

	proc, err := h.sup.Deploy(ctx, spec)
	if err != nil {
		return nil, err
	}

	conn := stdio.New(h.log, proc.Stdin(), proc.Stdout(),
		stdio.WithNotificationHandler(func(method string, _ json.RawMessage) {
			proc.TouchAlive()
			h.log.Debug("Server notification", "server_id", proc.ID(), "method", method)
		}),
		stdio.WithConnLostHandler(func(cause error) {
			proc.MarkFailed()
			h.log.Warn("Connection lost", "server_id", proc.ID(), "cause", cause)
		}),
	)

	session := newSession(h.log, proc.ID(), proc.DisplayName(), conn, h.sup, h.opts)

	h.mu.Lock()
	h.sessions[proc.ID()] = session
	h.mu.Unlock()

	return session, nil
}

// DeployPackage resolves an identifier through the registry (falling back to
// `npx -y <identifier>` for npm-looking names) and deploys it.
func (h *Harness) DeployPackage(ctx context.Context, identifier string) (*ServerSession, error) {
	entry, err := h.resolver.Resolve(identifier)
	if err != nil {
		return nil, err
	}

	return h.Deploy(ctx, DeploySpec{
		Identifier:  identifier,
		DisplayName: entry.DisplayName,
		Command:     entry.Command,
		Args:        entry.Args,
	})
}

// Session looks up a live session by server id.
func (h *Harness) Session(serverID string) (*ServerSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	session, ok := h.sessions[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", harnesserrors.ErrServerNotFound, serverID)
	}

	return session, nil
}

// Sessions returns a snapshot of all live sessions.
func (h *Harness) Sessions() []*ServerSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*ServerSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}

	return out
}

// Terminate closes one session and tears its process down. Unknown ids are
// a no-op success, matching the supervisor's idempotent contract.
func (h *Harness) Terminate(ctx context.Context, serverID string) error {
	h.mu.Lock()
	session, ok := h.sessions[serverID]

	if ok {
		delete(h.sessions, serverID)
	}

	h.mu.Unlock()

	if !ok {
		return h.sup.Terminate(ctx, serverID)
	}

	return session.Close(ctx)
}

// Registry exposes the identifier table, for listing and programmatic entries.
func (h *Harness) Registry() *registry.Resolver {
	return h.resolver
}

// Close shuts the harness down: every session is closed (failing in-flight
// requests), every process is terminated, and the report sink is flushed.
// Safe to call multiple times.
func (h *Harness) Close(ctx context.Context) error {
	h.mu.Lock()

	if h.closed {
		h.mu.Unlock()

		return nil
	}

	h.closed = true

	sessions := make([]*ServerSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}

	h.sessions = make(map[string]*ServerSession)
	h.mu.Unlock()

	h.log.Info("Closing harness", "sessions", len(sessions))

	var errs []error

	var wg sync.WaitGroup
	var errMu sync.Mutex

	for _, session := range sessions {
		wg.Go(func() {
			if err := session.Close(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		})
	}

	wg.Wait()

	// Sweep anything deployed but never wrapped in a session.
	if err := h.sup.TerminateAll(ctx); err != nil {
		errs = append(errs, err)
	}

	if h.opts.sink != nil {
		if err := h.opts.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close report sink: %w", err))
		}
	}

	return errors.Join(errs...)
}
