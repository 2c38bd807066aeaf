// Package mcpharness deploys and exercises MCP (Model Context Protocol)
// tool servers over stdio.
//
// A Harness turns a package identifier or explicit command into a running,
// supervised child process speaking newline-delimited JSON-RPC 2.0 on its
// standard input/output, and exposes the minimal MCP conversation needed for
// testing: Initialize, ListTools, CallTool.
//
// # Basic Usage
//
//	h, err := mcpharness.New(
//	    mcpharness.WithLogger(slog.Default()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close(context.Background())
//
//	session, err := h.DeployPackage(ctx, "@upstash/context7-mcp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := session.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	tools, err := session.ListTools(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := session.CallTool(ctx, tools[0].Name,
//	    map[string]any{"query": "example"}, 30*time.Second)
//
// # Error Handling
//
// Every failure is returned as a typed result, never a fatal abort; a single
// misbehaving server must not take the test run down with it. The taxonomy
// distinguishes launch failures, lost connections, timeouts, remote JSON-RPC
// errors, premature calls, and unknown server ids:
//
//	result, err := session.CallTool(ctx, name, args, timeout)
//	if err != nil {
//	    switch {
//	    case errors.Is(err, mcpharness.ErrRequestTimeout):
//	        // the server was slow
//	    case errors.Is(err, mcpharness.ErrConnectionLost):
//	        // the server died mid-call
//	    }
//	    if remote, ok := errors.AsType[*mcpharness.RemoteError](err); ok {
//	        // the server answered with a JSON-RPC error object
//	        _ = remote.Code
//	    }
//	}
//
// # Logging
//
// By default logging is disabled. Pass WithLogger for operation tracking:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
//	h, err := mcpharness.New(mcpharness.WithLogger(logger))
package mcpharness
