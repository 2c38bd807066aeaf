package stdio

import (
	"encoding/json"

	harnesserrors "github.com/mcpharness/mcpharness-go/internal/errors"
)

// jsonRPCVersion is the fixed version string on every message.
const jsonRPCVersion = "2.0"

// request is an outgoing JSON-RPC 2.0 request.
//
// Wire format (one object per line, newline-terminated, no Content-Length
// framing — deployed MCP servers hang silently on length-prefixed frames):
//
//	{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// notification is an outgoing JSON-RPC 2.0 notification (no id, no reply).
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is the error member of a JSON-RPC response.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// toError converts the wire error into the harness taxonomy.
func (e *rpcError) toError(method string) error {
	return &harnesserrors.RemoteError{
		Method:  method,
		Code:    e.Code,
		Message: e.Message,
	}
}

// envelope is an incoming message before dispatch. ID stays raw because
// servers may use numeric or string ids; only numeric ids can match a
// pending request since that is all this client ever sends.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// numericID parses the envelope id as an int64. ok is false for absent,
// null, string, or fractional ids.
func (e *envelope) numericID() (int64, bool) {
	if len(e.ID) == 0 || string(e.ID) == "null" {
		return 0, false
	}

	var id int64
	if err := json.Unmarshal(e.ID, &id); err != nil {
		return 0, false
	}

	return id, true
}

// isNotification reports whether the message carries no id at all.
func (e *envelope) isNotification() bool {
	return (len(e.ID) == 0 || string(e.ID) == "null") && e.Method != ""
}
