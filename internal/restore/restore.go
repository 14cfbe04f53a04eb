// Package restore replays catalogued backups into the live database.
//
// Callers must ensure that at most one restore or backup runs against a
// given database at a time; the Orchestrator does not lock across calls.
// Incremental restores commit batch by batch, so a cancelled or failed run
// keeps the rows it already wrote.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kebairia/dumpctl/internal/catalog"
	"github.com/kebairia/dumpctl/internal/coerce"
	"github.com/kebairia/dumpctl/internal/compress"
	"github.com/kebairia/dumpctl/internal/dump"
	"github.com/kebairia/dumpctl/internal/identity"
	"github.com/kebairia/dumpctl/internal/logger"
	"github.com/kebairia/dumpctl/internal/metrics"
	"github.com/kebairia/dumpctl/internal/schema"
	"github.com/kebairia/dumpctl/internal/writer"
)

// LatestID selects the newest completed backup.
const LatestID = "latest"

var (
	ErrUnknownMode      = errors.New("unknown restore mode")
	ErrNotConfirmed     = errors.New("full restore drops every table and must be confirmed")
	ErrNotRestorable    = errors.New("backup is not restorable")
	ErrMissingComponent = errors.New("restore component not configured")
)

// Mode selects how a backup is replayed.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode validates s. An empty string means ModeNormal.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeNormal, nil
	case ModeNormal, ModeFull, ModeIncremental:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Request describes one restore.
type Request struct {
	// BackupID is a catalog id or LatestID. Empty means LatestID.
	BackupID string
	Mode     Mode
	// Force skips the schema version comparison.
	Force bool
	// ConfirmDataLoss must be set for ModeFull.
	ConfirmDataLoss bool
}

// TableReport describes what an incremental restore did to one table.
type TableReport struct {
	Name             string
	DumpRows         int
	LiveRows         int
	Missing          int
	Inserted         int
	Skipped          int
	Failed           int
	Dropped          int
	CoercionFailures int
	DuplicateKeys    int
	Degraded         bool
	Status           string
	Note             string
}

const (
	tableRestored = "restored"
	tableUpToDate = "up to date"
	tableSkipped  = "skipped"
	tableError    = "error"
)

// Outcome is the result of Restore. Restore never returns an error; every
// failure is reported here with Success false.
type Outcome struct {
	Success   bool
	Message   string
	BackupID  string
	Timestamp time.Time
	Mode      Mode
	Warnings  []string
	Tables    []TableReport
	Inserted  int
	Failed    int
	Duration  time.Duration
}

func (o *Outcome) warn(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// Target is the live database a restore writes to.
type Target interface {
	Apply(ctx context.Context, r io.Reader) error
	SchemaVersion(ctx context.Context) (string, error)
	DropAllTables(ctx context.Context) ([]string, error)
}

// Introspector reads live table metadata and contents.
type Introspector interface {
	Table(ctx context.Context, name string) (*schema.Table, error)
	Snapshot(ctx context.Context, t *schema.Table, columns []string) ([]dump.Row, error)
}

// RowWriter inserts coerced rows.
type RowWriter interface {
	WriteTable(ctx context.Context, table string, columns []string, rows [][]any, hasPK bool) writer.Tally
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIntrospector and WithWriter are required for incremental restores.
func WithIntrospector(i Introspector) Option {
	return func(o *Orchestrator) { o.introspector = i }
}

// WithWriter sets the writer incremental restores insert through.
func WithWriter(w RowWriter) Option {
	return func(o *Orchestrator) { o.writer = w }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(log logger.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records restore counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator restores backups from a catalog into a Target.
type Orchestrator struct {
	catalog      *catalog.Catalog
	target       Target
	introspector Introspector
	writer       RowWriter
	log          logger.Logger
	metrics      *metrics.Metrics
}

// New returns an Orchestrator restoring from cat into target.
func New(cat *catalog.Catalog, target Target, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog: cat,
		target:  target,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RestoreLatest restores the newest completed backup.
func (o *Orchestrator) RestoreLatest(ctx context.Context, mode Mode, force, confirmDataLoss bool) Outcome {
	return o.Restore(ctx, Request{BackupID: LatestID, Mode: mode, Force: force, ConfirmDataLoss: confirmDataLoss})
}

// Restore replays req.BackupID according to req.Mode.
func (o *Orchestrator) Restore(ctx context.Context, req Request) Outcome {
	start := time.Now()
	out := Outcome{BackupID: req.BackupID, Mode: req.Mode, Timestamp: start}

	err := o.restore(ctx, req, &out)
	out.Duration = time.Since(start)
	if err != nil {
		out.Success = false
		out.Message = err.Error()
		o.log.Error("restore failed",
			"id", out.BackupID,
			"mode", string(out.Mode),
			"error", err,
			"duration", out.Duration.String(),
		)
	} else {
		out.Success = true
		out.Message = summary(&out)
		o.log.Info("restore completed",
			"id", out.BackupID,
			"mode", string(out.Mode),
			"inserted", out.Inserted,
			"failed", out.Failed,
			"warnings", len(out.Warnings),
			"duration", out.Duration.String(),
		)
	}

	o.metrics.RestoreFinished(string(out.Mode), out.Success, out.Inserted, skipped(out.Tables), out.Failed)
	if err := o.metrics.Flush(); err != nil {
		o.log.Warn("metrics flush failed", "error", err)
	}
	return out
}

func (o *Orchestrator) restore(ctx context.Context, req Request, out *Outcome) error {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return err
	}
	req.Mode, out.Mode = mode, mode

	rec, err := o.resolve(ctx, req.BackupID)
	if err != nil {
		return err
	}
	out.BackupID = rec.ID
	if rec.Status != catalog.StatusCompleted {
		msg := rec.ErrorMessage
		if msg == "" {
			msg = string(rec.Status)
		}
		return fmt.Errorf("%w: %s is %s", ErrNotRestorable, rec.ID, msg)
	}

	o.log.Info("restore started",
		"id", rec.ID,
		"mode", string(req.Mode),
		"filename", rec.Filename,
		"force", req.Force,
	)

	if !req.Force {
		o.checkVersion(ctx, rec, out)
	}

	switch req.Mode {
	case ModeNormal:
		return o.replay(ctx, rec)
	case ModeFull:
		if !req.ConfirmDataLoss {
			return ErrNotConfirmed
		}
		dropped, err := o.target.DropAllTables(ctx)
		if err != nil {
			return fmt.Errorf("drop tables: %w", err)
		}
		o.log.Warn("dropped all tables before full restore", "tables", len(dropped))
		return o.replay(ctx, rec)
	default:
		return o.incremental(ctx, rec, out)
	}
}

func (o *Orchestrator) resolve(ctx context.Context, id string) (*catalog.Record, error) {
	if id == "" || strings.EqualFold(id, LatestID) {
		rec, err := o.catalog.Latest(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve latest backup: %w", err)
		}
		return rec, nil
	}
	return o.catalog.Get(ctx, id)
}

// checkVersion warns when the backup was taken at another schema revision.
func (o *Orchestrator) checkVersion(ctx context.Context, rec *catalog.Record, out *Outcome) {
	live, err := o.target.SchemaVersion(ctx)
	if err != nil {
		out.warn("could not read live schema version: %v", err)
		o.log.Warn("schema version check skipped", "error", err)
		return
	}
	if rec.SchemaVersion == "" || live == "" || live == rec.SchemaVersion {
		return
	}
	out.warn("schema version mismatch: backup %q, live %q", rec.SchemaVersion, live)
	o.log.Warn("schema version mismatch",
		"id", rec.ID,
		"backup_version", rec.SchemaVersion,
		"live_version", live,
	)
}

// openDump returns a decompressed reader over rec's payload.
func (o *Orchestrator) openDump(rec *catalog.Record) (io.ReadCloser, error) {
	f, err := o.catalog.OpenPayload(rec)
	if err != nil {
		return nil, err
	}
	r, err := compress.ForFilename(rec.Filename).NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", rec.Filename, err)
	}
	return &payloadReader{ReadCloser: r, file: f}, nil
}

type payloadReader struct {
	io.ReadCloser
	file io.Closer
}

func (p *payloadReader) Close() error {
	return errors.Join(p.ReadCloser.Close(), p.file.Close())
}

func (o *Orchestrator) replay(ctx context.Context, rec *catalog.Record) error {
	r, err := o.openDump(rec)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := o.target.Apply(ctx, r); err != nil {
		return fmt.Errorf("replay %s: %w", rec.ID, err)
	}
	return nil
}

func (o *Orchestrator) incremental(ctx context.Context, rec *catalog.Record, out *Outcome) error {
	if o.introspector == nil || o.writer == nil {
		return fmt.Errorf("%w: incremental restore needs an introspector and a writer", ErrMissingComponent)
	}

	r, err := o.openDump(rec)
	if err != nil {
		return err
	}
	tables, err := dump.Parse(r, dump.WithLogger(o.log))
	r.Close()
	if err != nil {
		return fmt.Errorf("parse %s: %w", rec.Filename, err)
	}

	for _, t := range dump.Ordered(tables) {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		report := o.restoreTable(ctx, t, out)
		out.Tables = append(out.Tables, report)
		out.Inserted += report.Inserted
		out.Failed += report.Failed
	}
	return nil
}

func (o *Orchestrator) restoreTable(ctx context.Context, t *dump.Table, out *Outcome) TableReport {
	report := TableReport{Name: t.Name, DumpRows: t.Len(), Dropped: t.Dropped}
	if t.Dropped > 0 {
		out.warn("table %s: %d malformed dump rows dropped", t.Name, t.Dropped)
	}

	meta, err := o.introspector.Table(ctx, t.Name)
	if errors.Is(err, schema.ErrTableNotFound) {
		report.Status = tableSkipped
		report.Note = "table does not exist in the live database"
		out.warn("table %s: skipped, not present in the live database", t.Name)
		o.log.Warn("table skipped", "table", t.Name, "reason", "not present live")
		return report
	}
	if err != nil {
		return tableFailure(report, out, "introspect", err)
	}

	if missing := meta.Missing(t.Columns); len(missing) > 0 {
		report.Status = tableSkipped
		report.Note = "columns missing live: " + strings.Join(missing, ", ")
		out.warn("table %s: skipped, columns missing live: %s", t.Name, strings.Join(missing, ", "))
		o.log.Warn("table skipped", "table", t.Name, "missing_columns", missing)
		return report
	}

	live, err := o.introspector.Snapshot(ctx, meta, t.Columns)
	if err != nil {
		return tableFailure(report, out, "snapshot", err)
	}
	report.LiveRows = len(live)

	pk := keyColumns(meta, t)
	diff := identity.Diff(t.Rows, live, t.Columns, pk)
	report.Missing = len(diff.Missing)
	report.DuplicateKeys = diff.DuplicateDumpKeys + diff.DuplicateLiveKeys
	report.Degraded = diff.Degraded
	if diff.Degraded {
		o.log.Warn("no usable primary key, identifying rows by every column",
			"table", t.Name,
			"duplicate_keys", report.DuplicateKeys,
		)
		out.warn("table %s: no primary key, rows identified by all columns", t.Name)
	}
	if report.DuplicateKeys > 0 {
		out.warn("table %s: %d rows share an identity key with another row", t.Name, report.DuplicateKeys)
	}

	if len(diff.Missing) == 0 {
		report.Status = tableUpToDate
		return report
	}

	rows := make([][]any, 0, len(diff.Missing))
	for _, row := range diff.Missing {
		typed, failures := coerce.Row(o.log, meta, t.Columns, row)
		if len(failures) > 0 {
			report.CoercionFailures++
		}
		rows = append(rows, typed)
	}

	tally := o.writer.WriteTable(ctx, t.Name, t.Columns, rows, meta.HasPrimaryKey())
	report.Inserted = tally.Inserted
	report.Skipped = tally.Skipped
	report.Failed = tally.Failed
	if tally.Err != nil {
		return tableFailure(report, out, "write", tally.Err)
	}
	report.Status = tableRestored
	if tally.Failed > 0 {
		out.warn("table %s: %d rows failed to insert", t.Name, tally.Failed)
	}
	o.log.Info("table restored",
		"table", t.Name,
		"missing", report.Missing,
		"inserted", tally.Inserted,
		"skipped", tally.Skipped,
		"failed", tally.Failed,
	)
	return report
}

func tableFailure(report TableReport, out *Outcome, stage string, err error) TableReport {
	report.Status = tableError
	report.Note = fmt.Sprintf("%s: %v", stage, err)
	out.warn("table %s: %s failed: %v", report.Name, stage, err)
	return report
}

// keyColumns returns the primary key when every key column is present in
// the dump, otherwise nil so identity falls back to all columns.
func keyColumns(meta *schema.Table, t *dump.Table) []string {
	for _, col := range meta.PrimaryKey {
		if t.ColumnIndex(col) < 0 {
			return nil
		}
	}
	return meta.PrimaryKey
}

func skipped(tables []TableReport) int {
	n := 0
	for _, t := range tables {
		n += t.Skipped
	}
	return n
}

func summary(out *Outcome) string {
	switch out.Mode {
	case ModeIncremental:
		return fmt.Sprintf("incremental restore of %s: %d rows inserted, %d failed across %d tables",
			out.BackupID, out.Inserted, out.Failed, len(out.Tables))
	case ModeFull:
		return fmt.Sprintf("full restore of %s completed", out.BackupID)
	default:
		return fmt.Sprintf("restore of %s completed", out.BackupID)
	}
}
