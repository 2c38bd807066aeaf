// Package runner drives a full test pass against one server: deploy,
// handshake, list tools, generate a case per tool, call them, tear down.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	mcpharness "github.com/mcpharness/mcpharness-go"
	"github.com/mcpharness/mcpharness-go/internal/testcase"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultConcurrency = 1
)

// Session is the slice of a server session the runner uses. Satisfied by
// *mcpharness.ServerSession; tests substitute a fake.
type Session interface {
	ServerID() string
	Initialize(ctx context.Context) (*mcpharness.ServerInfo, error)
	ListTools(ctx context.Context) ([]mcpharness.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args any, timeout time.Duration) (*mcpharness.ToolResult, error)
	Close(ctx context.Context) error
}

var _ Session = (*mcpharness.ServerSession)(nil)

// Deploy resolves and launches a server by identifier.
type Deploy func(ctx context.Context, identifier string) (Session, error)

// FromHarness adapts a harness into the runner's deploy function.
func FromHarness(h *mcpharness.Harness) Deploy {
	return func(ctx context.Context, identifier string) (Session, error) {
		return h.DeployPackage(ctx, identifier)
	}
}

// Config bounds one suite run.
type Config struct {
	// CallTimeout applies to each tools/call. Default 30s.
	CallTimeout time.Duration

	// MaxCases caps the number of generated cases. 0 means no cap.
	MaxCases int

	// Concurrency is how many tool calls may be in flight at once.
	// Default 1; the stdio engine handles interleaving either way.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	return c
}

// CaseResult is the outcome of one generated call.
type CaseResult struct {
	Case     testcase.Case
	Duration time.Duration

	// Err is a transport or protocol failure. A tool-level failure shows
	// up as Result.IsError with Err nil.
	Err    error
	Result *mcpharness.ToolResult
}

// Passed reports whether the call succeeded at both levels.
func (r CaseResult) Passed() bool {
	return r.Err == nil && (r.Result == nil || !r.Result.IsError)
}

// SuiteResult summarizes a full run against one server.
type SuiteResult struct {
	Identifier string
	ServerID   string
	Server     *mcpharness.ServerInfo
	Tools      []mcpharness.ToolDescriptor
	Cases      []CaseResult

	Passed   int
	Failed   int
	Duration time.Duration
}

// Runner executes suites.
type Runner struct {
	log    *slog.Logger
	deploy Deploy
	cfg    Config
}

// New creates a Runner.
func New(log *slog.Logger, deploy Deploy, cfg Config) *Runner {
	return &Runner{
		log:    log.With("component", "runner"),
		deploy: deploy,
		cfg:    cfg.withDefaults(),
	}
}

// Run deploys the identified server and exercises every tool it advertises.
// The server is always torn down before Run returns. A failed deploy or
// handshake is an error; individual case failures are data in the result.
func (r *Runner) Run(ctx context.Context, identifier string) (*SuiteResult, error) {
	start := time.Now()

	r.log.Info("Starting suite", "identifier", identifier)

	session, err := r.deploy(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", identifier, err)
	}

	defer func() {
		if err := session.Close(ctx); err != nil {
			r.log.Warn("Session close failed", "identifier", identifier, "error", err)
		}
	}()

	info, err := session.Initialize(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", identifier, err)
	}

	tools, err := session.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools %s: %w", identifier, err)
	}

	r.log.Info("Server exposed tools", "identifier", identifier, "count", len(tools))

	cases := r.generateCases(tools)
	results := make([]CaseResult, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for i, c := range cases {
		g.Go(func() error {
			results[i] = r.runCase(gctx, session, c)

			return nil
		})
	}

	// Workers never return errors; failures live in the results.
	_ = g.Wait()

	suite := &SuiteResult{
		Identifier: identifier,
		ServerID:   session.ServerID(),
		Server:     info,
		Tools:      tools,
		Cases:      results,
		Duration:   time.Since(start),
	}

	for _, res := range results {
		if res.Passed() {
			suite.Passed++
		} else {
			suite.Failed++
		}
	}

	r.log.Info("Suite finished",
		"identifier", identifier, "passed", suite.Passed,
		"failed", suite.Failed, "duration", suite.Duration)

	return suite, nil
}

func (r *Runner) generateCases(tools []mcpharness.ToolDescriptor) []testcase.Case {
	var cases []testcase.Case

	for _, tool := range tools {
		cases = append(cases, testcase.Generate(tool.Name, tool.Description, tool.InputSchema)...)
	}

	if r.cfg.MaxCases > 0 && len(cases) > r.cfg.MaxCases {
		cases = cases[:r.cfg.MaxCases]
	}

	return cases
}

func (r *Runner) runCase(ctx context.Context, session Session, c testcase.Case) CaseResult {
	start := time.Now()

	r.log.Debug("Running case", "case", c.Name)

	result, err := session.CallTool(ctx, c.Tool, c.Arguments, r.cfg.CallTimeout)

	res := CaseResult{
		Case:     c,
		Duration: time.Since(start),
		Err:      err,
		Result:   result,
	}

	if !res.Passed() {
		r.log.Warn("Case failed", "case", c.Name, "error", err)
	}

	return res
}
