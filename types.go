package mcpharness

import (
	"encoding/json"

	"github.com/mcpharness/mcpharness-go/internal/supervisor"
)

// Version is the harness version reported in the initialize handshake.
const Version = "0.3.0"

// protocolVersion is the MCP protocol revision this client speaks.
const protocolVersion = "2024-11-05"

// DeploySpec describes a server to launch. Base arguments must not carry a
// trailing --stdio; the supervisor controls that fallback.
type DeploySpec = supervisor.Spec

// ProcessState is the lifecycle state of a deployed server process.
type ProcessState = supervisor.State

// Process lifecycle states.
const (
	StateStarting    = supervisor.StateStarting
	StateHealthy     = supervisor.StateHealthy
	StateTerminating = supervisor.StateTerminating
	StateTerminated  = supervisor.StateTerminated
	StateFailed      = supervisor.StateFailed
)

// ServerInfo is the server's half of a successful initialize handshake.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
	Capabilities    map[string]any
}

// ToolDescriptor describes one tool the server exposes.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ToolResult is the outcome of a tools/call. Content is the raw MCP content
// array; IsError mirrors the server's isError flag (a tool-level failure,
// distinct from a JSON-RPC error).
type ToolResult struct {
	Content json.RawMessage
	IsError bool

	// Raw is the complete result object, for callers that need fields
	// this layer does not model.
	Raw json.RawMessage
}

// Text extracts the concatenated text blocks from Content, for display.
func (r *ToolResult) Text() string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	if err := json.Unmarshal(r.Content, &blocks); err != nil {
		return ""
	}

	out := ""

	for _, b := range blocks {
		if b.Type != "text" {
			continue
		}

		if out != "" {
			out += "\n"
		}

		out += b.Text
	}

	return out
}

// HandshakeState is the session's protocol handshake status.
type HandshakeState int32

const (
	HandshakeNotStarted HandshakeState = iota
	HandshakePending
	HandshakeReady
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeNotStarted:
		return "not_started"
	case HandshakePending:
		return "handshaking"
	case HandshakeReady:
		return "ready"
	case HandshakeFailed:
		return "failed"
	default:
		return "unknown"
	}
}
