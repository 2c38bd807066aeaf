// Package testcase derives call arguments for a tool from its name and
// input schema. The goal is a cheap smoke test per tool: fill every required
// property with a plausible value so the call exercises the server's handler
// instead of bouncing off argument validation.
package testcase

import (
	"fmt"
	"strings"
)

// Case is one generated invocation of a tool.
type Case struct {
	Name      string
	Tool      string
	Arguments map[string]any
}

// knownTools maps exact tool names to hand-picked arguments. These come from
// servers common enough to special-case; the schema walk covers the rest.
var knownTools = map[string]map[string]any{
	"resolve-library-id": {
		"libraryName": "react",
	},
	"get-library-docs": {
		"context7CompatibleLibraryID": "/facebook/react",
	},
}

// Generate produces the cases to run against one tool. The schema is the
// tool's JSON Schema input declaration (may be nil); only top-level object
// properties are considered.
func Generate(tool, description string, schema map[string]any) []Case {
	if args, ok := knownTools[tool]; ok {
		return []Case{{
			Name:      tool + "/known",
			Tool:      tool,
			Arguments: cloneArgs(args),
		}}
	}

	required := requiredProps(schema)
	props := properties(schema)

	args := make(map[string]any, len(required))
	for _, name := range required {
		args[name] = valueFor(name, props[name])
	}

	if len(args) == 0 {
		return []Case{{
			Name:      tool + "/empty",
			Tool:      tool,
			Arguments: map[string]any{},
		}}
	}

	return []Case{{
		Name:      tool + "/required",
		Tool:      tool,
		Arguments: args,
	}}
}

// valueFor picks a value for one property, preferring name-based hints over
// the declared type.
func valueFor(name string, prop map[string]any) any {
	if v, ok := hintedValue(name); ok {
		return v
	}

	if v, ok := enumValue(prop); ok {
		return v
	}

	switch propType(prop) {
	case "string":
		return "test"
	case "number", "integer":
		if isTokenLike(name) {
			return 1000
		}

		return 1
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return "test"
	}
}

// hintedValue recognizes common property names and returns something a real
// server is likely to accept.
func hintedValue(name string) (any, bool) {
	lower := strings.ToLower(name)

	switch {
	case strings.Contains(lower, "library"):
		return "react", true
	case strings.Contains(lower, "query") || strings.Contains(lower, "search"):
		return "test query", true
	case strings.Contains(lower, "url") || strings.Contains(lower, "uri"):
		return "https://example.com", true
	case strings.Contains(lower, "path") || strings.Contains(lower, "file"):
		return "/tmp/test.txt", true
	case strings.Contains(lower, "topic"):
		return "hooks", true
	default:
		return nil, false
	}
}

// enumValue returns the first declared enum member, if the schema has one.
func enumValue(prop map[string]any) (any, bool) {
	if prop == nil {
		return nil, false
	}

	enum, ok := prop["enum"].([]any)
	if !ok || len(enum) == 0 {
		return nil, false
	}

	return enum[0], true
}

func isTokenLike(name string) bool {
	lower := strings.ToLower(name)

	return strings.Contains(lower, "token") || strings.Contains(lower, "limit") ||
		strings.Contains(lower, "max") || strings.Contains(lower, "count")
}

func propType(prop map[string]any) string {
	if prop == nil {
		return ""
	}

	if t, ok := prop["type"].(string); ok {
		return t
	}

	// A type list like ["string", "null"]; take the first concrete entry.
	if list, ok := prop["type"].([]any); ok {
		for _, entry := range list {
			if t, ok := entry.(string); ok && t != "null" {
				return t
			}
		}
	}

	return ""
}

func requiredProps(schema map[string]any) []string {
	if schema == nil {
		return nil
	}

	raw, ok := schema["required"].([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))

	for _, entry := range raw {
		if name, ok := entry.(string); ok {
			out = append(out, name)
		}
	}

	return out
}

func properties(schema map[string]any) map[string]map[string]any {
	if schema == nil {
		return nil
	}

	raw, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}

	out := make(map[string]map[string]any, len(raw))

	for name, entry := range raw {
		if prop, ok := entry.(map[string]any); ok {
			out[name] = prop
		}
	}

	return out
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	return out
}

// Describe renders a case for logs.
func (c Case) Describe() string {
	return fmt.Sprintf("%s(%d args)", c.Tool, len(c.Arguments))
}
