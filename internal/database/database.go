package database

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrTimeout       = errors.New("operation timed out")
	ErrBackupFailed  = errors.New("backup failed")
	ErrRestoreFailed = errors.New("restore failed")
	// ErrProcessFailed matches every *ProcessError.
	ErrProcessFailed = errors.New("external process failed")
)

// Database produces and replays plain SQL dumps of one live database.
type Database interface {
	GetName() string
	GetEngine() string
	// Dump streams a plain SQL dump into w.
	Dump(ctx context.Context, w io.Writer) error
	// Apply replays the SQL read from r against the database.
	Apply(ctx context.Context, r io.Reader) error
}

// ProcessError is a non-zero exit of pg_dump or psql. Stderr holds the
// captured error stream verbatim.
type ProcessError struct {
	Program  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Program, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

func (e *ProcessError) Is(target error) bool { return target == ErrProcessFailed }
