package mcpharness

import (
	"log/slog"
	"time"
)

// Option configures a Harness using the functional options pattern.
type Option func(*harnessOptions)

type harnessOptions struct {
	logger         *slog.Logger
	registryPath   string
	gracePeriod    time.Duration
	terminateGrace time.Duration
	requestTimeout time.Duration
	sink           ReportSink
	clientName     string
	clientVersion  string
}

func applyOptions(opts []Option) *harnessOptions {
	options := &harnessOptions{
		requestTimeout: 30 * time.Second,
		clientName:     "mcpharness",
		clientVersion:  Version,
	}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

// WithLogger sets the logger for operation tracking.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *harnessOptions) {
		o.logger = logger
	}
}

// WithRegistry loads server launch entries from a YAML registry file,
// merged over the built-in table.
func WithRegistry(path string) Option {
	return func(o *harnessOptions) {
		o.registryPath = path
	}
}

// WithGracePeriod sets how long a freshly launched process must stay alive
// before it is considered healthy. Default 2s.
func WithGracePeriod(d time.Duration) Option {
	return func(o *harnessOptions) {
		o.gracePeriod = d
	}
}

// WithTerminateGrace sets how long Terminate waits after the graceful
// signal before force-killing. Default 5s.
func WithTerminateGrace(d time.Duration) Option {
	return func(o *harnessOptions) {
		o.terminateGrace = d
	}
}

// WithRequestTimeout sets the timeout used for initialize and tools/list
// requests. CallTool takes its timeout per call. Default 30s.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *harnessOptions) {
		o.requestTimeout = d
	}
}

// WithReportSink directs per-call records to the given sink. The harness
// closes the sink on Close.
func WithReportSink(sink ReportSink) Option {
	return func(o *harnessOptions) {
		o.sink = sink
	}
}

// WithClientInfo overrides the clientInfo sent in the initialize handshake.
func WithClientInfo(name, version string) Option {
	return func(o *harnessOptions) {
		o.clientName = name
		o.clientVersion = version
	}
}
