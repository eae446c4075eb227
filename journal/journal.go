// Package journal keeps a SQLite history of runner invocations.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gomithril/iopruntime/iop"
	"github.com/gomithril/iopruntime/runner"
)

//go:embed schema.sql
var schemaSQL string

// Invocation statuses stored in the journal.
const (
	StatusOK           = "ok"
	StatusTimeout      = "timeout"
	StatusExecution    = "execution_failure"
	StatusSizeMismatch = "size_mismatch"
	StatusError        = "error"
)

// Journal is a SQLite-backed runner.Journal.
type Journal struct {
	db *sql.DB
}

var _ runner.Journal = (*Journal)(nil)

// Entry is one stored invocation.
type Entry struct {
	ID              string
	Program         string
	EntryPoint      string
	ProgramIndex    int
	EntryPointIndex int
	StartedAt       time.Time
	Duration        time.Duration
	InputTensors    int
	OutputTensors   int
	Status          string
	Error           string
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores inv. Records with an existing id are ignored.
func (j *Journal) Record(ctx context.Context, inv runner.Invocation) error {
	errText := ""
	if inv.Err != nil {
		errText = inv.Err.Error()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO invocations
		(id, program, entrypoint, program_index, entrypoint_index, started_at, duration_ns,
		 input_tensors, output_tensors, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		inv.ID,
		inv.Program,
		inv.EntryPoint,
		inv.ProgramIndex,
		inv.EntryPointIndex,
		inv.StartedAt.UnixNano(),
		int64(inv.Duration),
		inv.InputTensors,
		inv.OutputTensors,
		Classify(inv.Err),
		errText,
	)
	if err != nil {
		return fmt.Errorf("write invocation: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, program, entrypoint, program_index, entrypoint_index, started_at, duration_ns,
		       input_tensors, output_tensors, status, error
		FROM invocations
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("read invocations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startedAt, duration int64
		if err := rows.Scan(&e.ID, &e.Program, &e.EntryPoint, &e.ProgramIndex, &e.EntryPointIndex,
			&startedAt, &duration, &e.InputTensors, &e.OutputTensors, &e.Status, &e.Error); err != nil {
			return nil, fmt.Errorf("read invocations: %w", err)
		}
		e.StartedAt = time.Unix(0, startedAt)
		e.Duration = time.Duration(duration)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read invocations: %w", err)
	}
	return entries, nil
}

// Classify maps an Invoke error to a journal status.
func Classify(err error) string {
	var execErr *runner.ExecutionError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &execErr) && execErr.TimedOut:
		return StatusTimeout
	case errors.Is(err, runner.ErrExecutionFailure):
		return StatusExecution
	case errors.Is(err, iop.ErrSizeMismatch):
		return StatusSizeMismatch
	default:
		return StatusError
	}
}
