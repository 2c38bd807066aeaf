// Command mcp-mock is a small MCP server over stdio, with tools chosen to
// exercise a client's failure paths: slow calls, tool-level errors, and a
// crash that drops the connection mid-session.
//
// With MCP_MOCK_REQUIRE_STDIO=1 it exits immediately unless --stdio is
// passed, mimicking servers that need the flag and triggering a client's
// launch fallback.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	if os.Getenv("MCP_MOCK_REQUIRE_STDIO") == "1" && !hasStdioFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stderr, "mcp-mock: --stdio flag required")
		os.Exit(1)
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "mcp-mock",
		Title:   "Mock MCP Server",
		Version: "1.0.0",
	}, &mcp.ServerOptions{
		Instructions: "Test double for MCP clients. Tools fail on purpose.",
	})

	registerTools(server)

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-mock:", err)
		os.Exit(1)
	}
}

func hasStdioFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--stdio" {
			return true
		}
	}

	return false
}

func registerTools(server *mcp.Server) {
	server.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "Returns the given text unchanged",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"text": {Type: "string", Description: "Text to echo back"},
			},
			Required: []string{"text"},
		},
	}, handleEcho)

	server.AddTool(&mcp.Tool{
		Name:        "add",
		Description: "Adds two numbers",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"a": {Type: "number"},
				"b": {Type: "number"},
			},
			Required: []string{"a", "b"},
		},
	}, handleAdd)

	server.AddTool(&mcp.Tool{
		Name:        "sleep",
		Description: "Waits the given number of milliseconds before responding",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"ms": {Type: "integer", Description: "Milliseconds to sleep"},
			},
			Required: []string{"ms"},
		},
	}, handleSleep)

	server.AddTool(&mcp.Tool{
		Name:        "fail",
		Description: "Always returns a tool-level error",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, handleFail)

	server.AddTool(&mcp.Tool{
		Name:        "crash",
		Description: "Exits the process without responding",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, handleCrash)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func handleEcho(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Text string `json:"text"`
	}

	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, fmt.Errorf("echo: %w", err)
	}

	return textResult(args.Text), nil
}

func handleAdd(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}

	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}

	return textResult(fmt.Sprintf("%g", args.A+args.B)), nil
}

func handleSleep(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		MS int `json:"ms"`
	}

	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}

	select {
	case <-time.After(time.Duration(args.MS) * time.Millisecond):
		return textResult(fmt.Sprintf("slept %dms", args.MS)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func handleFail(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "intentional failure"}},
		IsError: true,
	}, nil
}

func handleCrash(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	os.Exit(2)

	return nil, nil
}
