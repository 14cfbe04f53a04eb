// Package writer inserts rows into a live table in multi-row batches, one
// transaction per batch. A failed batch is replayed row by row so a single
// bad row costs only itself.
package writer

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/kebairia/dumpctl/internal/logger"
)

const (
	DefaultBatchSize = 100
	// maxParams is PostgreSQL's bind parameter limit per statement.
	maxParams = 65535
)

// Status is the per-row outcome of a write.
type Status int

const (
	StatusInserted Status = iota
	// StatusSkipped means the row's key already existed (ON CONFLICT DO NOTHING).
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInserted:
		return "inserted"
	case StatusSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// RowResult is the outcome of WriteRow.
type RowResult struct {
	Status Status
	Err    error
}

// RowFailure records a rejected row by its index in the WriteTable input.
type RowFailure struct {
	Index int
	Err   error
}

// Tally aggregates the results of one WriteTable call.
type Tally struct {
	Inserted int
	Skipped  int
	Failed   int
	// Batches counts batch statements attempted; FallbackBatches those that
	// were replayed row by row.
	Batches         int
	FallbackBatches int
	Failures        []RowFailure
	// Err is set when no row could be attempted at all, e.g. no connection.
	Err error
}

func (t *Tally) add(index int, r RowResult) {
	switch r.Status {
	case StatusInserted:
		t.Inserted++
	case StatusSkipped:
		t.Skipped++
	default:
		t.Failed++
		t.Failures = append(t.Failures, RowFailure{Index: index, Err: r.Err})
	}
}

// Option configures a Writer.
type Option func(*Writer)

// WithBatchSize sets the rows per INSERT statement. Non-positive values are ignored.
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithSchema sets the schema tables are qualified with (default "public").
func WithSchema(name string) Option {
	return func(w *Writer) {
		if name != "" {
			w.schema = name
		}
	}
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(log logger.Logger) Option {
	return func(w *Writer) {
		if log != nil {
			w.log = log
		}
	}
}

// Writer inserts rows through database/sql.
type Writer struct {
	db        *sql.DB
	batchSize int
	schema    string
	log       logger.Logger
}

// New returns a Writer over db with a batch size of DefaultBatchSize.
func New(db *sql.DB, opts ...Option) *Writer {
	w := &Writer{
		db:        db,
		batchSize: DefaultBatchSize,
		schema:    "public",
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteTable inserts rows (already coerced, aligned with columns) into
// table, sequentially in batches. With hasPK the inserts skip rows whose key
// already exists. Errors are absorbed into the returned Tally.
func (w *Writer) WriteTable(ctx context.Context, table string, columns []string, rows [][]any, hasPK bool) Tally {
	var tally Tally
	if len(rows) == 0 {
		return tally
	}
	if len(columns) == 0 {
		tally.Err = fmt.Errorf("write %s: no columns", table)
		tally.Failed = len(rows)
		return tally
	}

	conn, err := w.db.Conn(ctx)
	if err != nil {
		tally.Err = fmt.Errorf("acquire connection: %w", err)
		tally.Failed = len(rows)
		return tally
	}
	defer conn.Close()

	size := w.batchSize
	if limit := maxParams / len(columns); size > limit {
		size = limit
	}

	ident := pgx.Identifier{w.schema, table}.Sanitize()
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		batch := rows[start:end]
		tally.Batches++

		inserted, err := w.writeBatch(ctx, conn, ident, columns, batch, hasPK)
		if err == nil {
			tally.Inserted += int(inserted)
			tally.Skipped += len(batch) - int(inserted)
			continue
		}

		tally.FallbackBatches++
		w.log.Warn("batch insert failed, retrying row by row",
			"table", table,
			"rows", len(batch),
			"offset", start,
			"error", err,
		)
		for i, row := range batch {
			tally.add(start+i, w.writeRow(ctx, conn, ident, columns, row, hasPK))
		}
	}

	w.log.Debug("table write finished",
		"table", table,
		"inserted", tally.Inserted,
		"skipped", tally.Skipped,
		"failed", tally.Failed,
	)
	return tally
}

// WriteRow inserts a single row in its own transaction.
func (w *Writer) WriteRow(ctx context.Context, table string, columns []string, row []any, hasPK bool) RowResult {
	conn, err := w.db.Conn(ctx)
	if err != nil {
		return RowResult{Status: StatusFailed, Err: fmt.Errorf("acquire connection: %w", err)}
	}
	defer conn.Close()
	return w.writeRow(ctx, conn, pgx.Identifier{w.schema, table}.Sanitize(), columns, row, hasPK)
}

func (w *Writer) writeBatch(ctx context.Context, conn *sql.Conn, ident string, columns []string, rows [][]any, hasPK bool) (int64, error) {
	query, args := insertStatement(ident, columns, rows, hasPK)
	return execInTx(ctx, conn, query, args)
}

func (w *Writer) writeRow(ctx context.Context, conn *sql.Conn, ident string, columns []string, row []any, hasPK bool) RowResult {
	query, args := insertStatement(ident, columns, [][]any{row}, hasPK)
	affected, err := execInTx(ctx, conn, query, args)
	switch {
	case err != nil:
		w.log.Debug("row insert failed", "table", ident, "error", err)
		return RowResult{Status: StatusFailed, Err: err}
	case affected == 0:
		return RowResult{Status: StatusSkipped}
	default:
		return RowResult{Status: StatusInserted}
	}
}

// execInTx runs query in its own transaction, rolling back on any error.
func execInTx(ctx context.Context, conn *sql.Conn, query string, args []any) (int64, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return affected, nil
}

// insertStatement builds a multi-row INSERT with $n placeholders.
func insertStatement(ident string, columns []string, rows [][]any, hasPK bool) (string, []any) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(ident)
	b.WriteString(" (")
	b.WriteString(strings.Join(quoted, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	n := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			var v any
			if j < len(row) {
				v = row[j]
			}
			args = append(args, v)
		}
		b.WriteByte(')')
	}
	if hasPK {
		b.WriteString(" ON CONFLICT DO NOTHING")
	}
	return b.String(), args
}
