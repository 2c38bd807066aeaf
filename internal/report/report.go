// Package report defines the per-call record the harness emits and the
// sinks that persist records. The harness only emits; formatting and
// rendering live with the consumer.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Record is one wire operation observed on a session.
type Record struct {
	ServerID   string    `json:"server_id"`
	Package    string    `json:"package"`
	Method     string    `json:"method"`
	Tool       string    `json:"tool,omitempty"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink consumes a sequence of records. Implementations must be safe for
// concurrent Write calls.
type Sink interface {
	Write(rec Record) error
	Close() error
}

// Summary aggregates records for display.
type Summary struct {
	Total    int
	Passed   int
	Failed   int
	Duration time.Duration
}

// Add folds one record into the summary.
func (s *Summary) Add(rec Record) {
	s.Total++
	s.Duration += time.Duration(rec.DurationMS) * time.Millisecond

	if rec.Success {
		s.Passed++
	} else {
		s.Failed++
	}
}

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONLSink writes records to w. The caller owns w's lifetime.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

// NewJSONLFileSink creates (or truncates) path and writes records to it.
func NewJSONLFileSink(path string) (*JSONLSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create report file %s: %w", path, err)
	}

	return &JSONLSink{enc: json.NewEncoder(f), closer: f}, nil
}

// Write appends one record.
func (s *JSONLSink) Write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	return nil
}

// Close closes the underlying file, if this sink owns one.
func (s *JSONLSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}

	return nil
}

// MultiSink fans every record out to all sinks, stopping at the first error.
type MultiSink []Sink

func (m MultiSink) Write(rec Record) error {
	for _, s := range m {
		if err := s.Write(rec); err != nil {
			return err
		}
	}

	return nil
}

func (m MultiSink) Close() error {
	var firstErr error

	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
