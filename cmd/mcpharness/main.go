// Command mcpharness deploys MCP tool servers and runs smoke suites
// against them from the command line.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	mcpharness "github.com/mcpharness/mcpharness-go"
	"github.com/mcpharness/mcpharness-go/internal/runner"
)

type globalFlags struct {
	registry string
	verbose  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "mcpharness",
		Short:         "Deploy and smoke-test MCP tool servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.registry, "registry", "", "YAML registry of server launch entries")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging to stderr")

	cmd.AddCommand(newTestCmd(flags))
	cmd.AddCommand(newListCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func (f *globalFlags) logger() *slog.Logger {
	if !f.verbose {
		return mcpharness.NopLogger()
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestCmd(flags *globalFlags) *cobra.Command {
	var (
		reportPath  string
		dbPath      string
		timeout     time.Duration
		grace       time.Duration
		maxCases    int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "test <identifier>...",
		Short: "Deploy servers and call every tool they expose",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var sinks []mcpharness.ReportSink

			if reportPath != "" {
				sink, err := mcpharness.NewJSONLReportFileSink(reportPath)
				if err != nil {
					return err
				}

				sinks = append(sinks, sink)
			}

			if dbPath != "" {
				sink, err := mcpharness.NewSQLiteReportSink(dbPath)
				if err != nil {
					return err
				}

				sinks = append(sinks, sink)
			}

			opts := []mcpharness.Option{
				mcpharness.WithLogger(flags.logger()),
				mcpharness.WithRequestTimeout(timeout),
			}

			if flags.registry != "" {
				opts = append(opts, mcpharness.WithRegistry(flags.registry))
			}

			if grace > 0 {
				opts = append(opts, mcpharness.WithGracePeriod(grace))
			}

			if len(sinks) > 0 {
				opts = append(opts, mcpharness.WithReportSink(mcpharness.NewMultiReportSink(sinks...)))
			}

			h, err := mcpharness.New(opts...)
			if err != nil {
				return err
			}

			defer func() {
				if err := h.Close(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "Warning: shutdown:", err)
				}
			}()

			run := runner.New(flags.logger(), runner.FromHarness(h), runner.Config{
				CallTimeout: timeout,
				MaxCases:    maxCases,
				Concurrency: concurrency,
			})

			failed := 0

			for _, identifier := range args {
				suite, err := run.Run(ctx, identifier)
				if err != nil {
					failed++

					fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", identifier, err)

					continue
				}

				printSuite(cmd, suite)

				if suite.Failed > 0 {
					failed++
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d server(s) had failures", failed, len(args))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&reportPath, "report", "", "write per-call records to a JSONL file")
	cmd.Flags().StringVar(&dbPath, "db", "", "write per-call records to a SQLite database")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")
	cmd.Flags().DurationVar(&grace, "grace", 0, "launch liveness grace period (default 2s)")
	cmd.Flags().IntVar(&maxCases, "cases", 0, "cap on generated cases per server (0 = all)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "tool calls in flight at once")

	return cmd
}

func printSuite(cmd *cobra.Command, suite *runner.SuiteResult) {
	server := "unknown"
	if suite.Server != nil {
		server = fmt.Sprintf("%s %s", suite.Server.Name, suite.Server.Version)
	}

	cmd.Printf("%s (%s): %d tools, %d passed, %d failed in %s\n",
		suite.Identifier, server, len(suite.Tools),
		suite.Passed, suite.Failed, suite.Duration.Round(time.Millisecond))

	for _, res := range suite.Cases {
		status := "ok"

		switch {
		case res.Err != nil:
			status = "error: " + res.Err.Error()
		case res.Result != nil && res.Result.IsError:
			status = "tool error"
		}

		cmd.Printf("  %-40s %-8s %s\n",
			res.Case.Name, res.Duration.Round(time.Millisecond), status)
	}
}

func newListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known server identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []mcpharness.Option{mcpharness.WithLogger(flags.logger())}
			if flags.registry != "" {
				opts = append(opts, mcpharness.WithRegistry(flags.registry))
			}

			h, err := mcpharness.New(opts...)
			if err != nil {
				return err
			}

			defer func() { _ = h.Close(cmd.Context()) }()

			for _, id := range h.Registry().Identifiers() {
				entry, _ := h.Registry().Entry(id)
				cmd.Printf("%-16s %s %v\n", id, entry.Command, entry.Args)
			}

			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the harness version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("mcpharness", mcpharness.Version)
		},
	}
}
