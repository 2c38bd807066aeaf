package mcpharness

import (
	"io"

	"github.com/mcpharness/mcpharness-go/internal/report"
)

// Re-export report types from internal package

// ReportRecord is one wire operation observed on a session.
type ReportRecord = report.Record

// ReportSink consumes a sequence of report records.
type ReportSink = report.Sink

// ReportSummary aggregates report records for display.
type ReportSummary = report.Summary

// NewJSONLReportSink writes one JSON record per line to w.
func NewJSONLReportSink(w io.Writer) ReportSink {
	return report.NewJSONLSink(w)
}

// NewJSONLReportFileSink creates (or truncates) path and writes records to it.
func NewJSONLReportFileSink(path string) (ReportSink, error) {
	return report.NewJSONLFileSink(path)
}

// NewSQLiteReportSink persists records in a local SQLite database.
func NewSQLiteReportSink(path string) (ReportSink, error) {
	return report.NewSQLiteSink(path)
}

// NewMultiReportSink fans records out to several sinks.
func NewMultiReportSink(sinks ...ReportSink) ReportSink {
	return report.MultiSink(sinks)
}
