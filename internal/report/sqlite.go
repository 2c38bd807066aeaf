package report

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink persists records in a local SQLite database, one row per call.
type SQLiteSink struct {
	db *sql.DB
}

// Compile-time verification that SQLiteSink implements Sink.
var _ Sink = (*SQLiteSink)(nil)

// NewSQLiteSink opens/creates the database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open report db %s: %w", dbPath, err)
	}

	sink := &SQLiteSink{db: db}
	if err := sink.initSchema(); err != nil {
		_ = db.Close()

		return nil, err
	}

	return sink, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id TEXT NOT NULL,
		package TEXT NOT NULL,
		method TEXT NOT NULL,
		tool TEXT,
		success BOOLEAN NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		error_kind TEXT,
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_records_server ON call_records(server_id);
	CREATE INDEX IF NOT EXISTS idx_call_records_package ON call_records(package);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init report schema: %w", err)
	}

	return nil
}

// Write inserts one record.
func (s *SQLiteSink) Write(rec Record) error {
	_, err := s.db.Exec(
		`INSERT INTO call_records
		 (server_id, package, method, tool, success, duration_ms, error, error_kind, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ServerID, rec.Package, rec.Method, rec.Tool, rec.Success,
		rec.DurationMS, rec.Error, rec.ErrorKind, rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	return nil
}

// RecordsForServer loads all records for a server id, oldest first.
func (s *SQLiteSink) RecordsForServer(serverID string) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT server_id, package, method, tool, success, duration_ms, error, error_kind, timestamp
		 FROM call_records WHERE server_id = ? ORDER BY id`,
		serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	defer rows.Close()

	var out []Record

	for rows.Next() {
		var (
			rec Record
			ts  time.Time
		)

		if err := rows.Scan(
			&rec.ServerID, &rec.Package, &rec.Method, &rec.Tool, &rec.Success,
			&rec.DurationMS, &rec.Error, &rec.ErrorKind, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		rec.Timestamp = ts

		out = append(out, rec)
	}

	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}
