// Package registry maps tool identifiers to launch commands. Entries come
// from a built-in table plus an optional YAML file; identifiers that look
// like npm package names fall back to `npx -y <package>`, which is how most
// published MCP servers are launched.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	harnesserrors "github.com/mcpharness/mcpharness-go/internal/errors"
)

// Entry is a resolved launch specification.
type Entry struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	DisplayName string   `yaml:"display_name"`
}

// file is the on-disk registry format:
//
//	servers:
//	  context7:
//	    command: npx
//	    args: ["-y", "@upstash/context7-mcp"]
//	    display_name: Context7
type file struct {
	Servers map[string]Entry `yaml:"servers"`
}

// npmPackagePattern matches bare or scoped npm package names.
var npmPackagePattern = regexp.MustCompile(`^(@[a-z0-9][\w.-]*/)?[a-z0-9][\w.-]*$`)

// builtinEntries are well-known servers usable without a registry file.
func builtinEntries() map[string]Entry {
	return map[string]Entry{
		"context7": {
			Command:     "npx",
			Args:        []string{"-y", "@upstash/context7-mcp"},
			DisplayName: "Context7",
		},
		"filesystem": {
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
			DisplayName: "Filesystem",
		},
		"everything": {
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-everything"},
			DisplayName: "Everything",
		},
	}
}

// Resolver performs identifier-to-command lookup. Safe for concurrent use;
// Load and Add may race with Resolve during parallel deploys.
type Resolver struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry

	// lookPath is swappable for tests.
	lookPath func(string) (string, error)
}

// New creates a Resolver seeded with the built-in table.
func New(log *slog.Logger) *Resolver {
	return &Resolver{
		log:      log.With("component", "registry"),
		entries:  builtinEntries(),
		lookPath: exec.LookPath,
	}
}

// Load merges entries from a YAML file. File entries override built-ins.
func (r *Resolver) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse registry %s: %w", path, err)
	}

	for name, entry := range f.Servers {
		if entry.Command == "" {
			return fmt.Errorf("registry %s: entry %q has no command", path, name)
		}
	}

	r.mu.Lock()

	for name, entry := range f.Servers {
		r.entries[name] = entry
	}

	r.mu.Unlock()

	r.log.Debug("Registry loaded", "path", path, "entries", len(f.Servers))

	return nil
}

// Add registers an entry programmatically.
func (r *Resolver) Add(identifier string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[identifier] = entry
}

// Resolve maps an identifier to a launch entry. Unknown identifiers that
// look like npm package names resolve to `npx -y <identifier>`; anything
// else is a not-found error.
func (r *Resolver) Resolve(identifier string) (Entry, error) {
	if identifier == "" {
		return Entry{}, fmt.Errorf("%w: empty identifier", harnesserrors.ErrPackageNotFound)
	}

	r.mu.RLock()
	entry, ok := r.entries[identifier]
	r.mu.RUnlock()

	if ok {
		if entry.DisplayName == "" {
			entry.DisplayName = identifier
		}

		r.log.Debug("Resolved from registry", "identifier", identifier, "command", entry.Command)

		return entry, nil
	}

	if !npmPackagePattern.MatchString(identifier) {
		return Entry{}, fmt.Errorf("%w: %s", harnesserrors.ErrPackageNotFound, identifier)
	}

	npx, err := r.lookPath("npx")
	if err != nil {
		return Entry{}, fmt.Errorf(
			"cannot resolve %s: npx not found (Node.js is required for npm packages): %w",
			identifier, harnesserrors.ErrPackageNotFound)
	}

	r.log.Debug("Resolved via npx fallback", "identifier", identifier, "npx", npx)

	return Entry{
		Command:     npx,
		Args:        []string{"-y", identifier},
		DisplayName: identifier,
	}, nil
}

// Identifiers returns the known identifiers, sorted.
func (r *Resolver) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// Entry returns the registered entry for an identifier, if any.
func (r *Resolver) Entry(identifier string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[identifier]

	return entry, ok
}
