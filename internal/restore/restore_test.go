package restore

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/kebairia/dumpctl/internal/catalog"
	"github.com/kebairia/dumpctl/internal/compress"
	"github.com/kebairia/dumpctl/internal/dump"
	"github.com/kebairia/dumpctl/internal/identity"
	"github.com/kebairia/dumpctl/internal/schema"
	"github.com/kebairia/dumpctl/internal/writer"
)

const accountsDump = `--
-- PostgreSQL database dump
--
DROP TABLE IF EXISTS public.accounts;
CREATE TABLE public.accounts (id integer NOT NULL, name text);

COPY public.accounts (id, name) FROM stdin;
1	a
2	b
\.

`

type liveTable struct {
	meta *schema.Table
	rows []dump.Row // aligned with meta.Columns
}

// fakeLive is an in-memory database implementing Target, Introspector and
// RowWriter.
type fakeLive struct {
	version string
	tables  map[string]*liveTable
	applied []string
	dropped bool
}

func newFakeLive(version string) *fakeLive {
	return &fakeLive{version: version, tables: map[string]*liveTable{}}
}

func (f *fakeLive) addTable(name string, pk []string, cols ...schema.Column) *liveTable {
	t := &liveTable{meta: &schema.Table{Name: name, Columns: cols, PrimaryKey: pk}}
	f.tables[name] = t
	return t
}

func (f *fakeLive) Apply(_ context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.applied = append(f.applied, string(data))
	return nil
}

func (f *fakeLive) SchemaVersion(context.Context) (string, error) { return f.version, nil }

func (f *fakeLive) DropAllTables(context.Context) ([]string, error) {
	var names []string
	for name := range f.tables {
		names = append(names, name)
	}
	f.tables = map[string]*liveTable{}
	f.dropped = true
	return names, nil
}

func (f *fakeLive) Table(_ context.Context, name string) (*schema.Table, error) {
	t, ok := f.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrTableNotFound, name)
	}
	return t.meta, nil
}

func (f *fakeLive) Snapshot(_ context.Context, meta *schema.Table, columns []string) ([]dump.Row, error) {
	t := f.tables[meta.Name]
	out := make([]dump.Row, 0, len(t.rows))
	for _, row := range t.rows {
		projected := make(dump.Row, len(columns))
		for i, col := range columns {
			projected[i] = row[columnIndex(t.meta, col)]
		}
		out = append(out, projected)
	}
	return out, nil
}

func (f *fakeLive) WriteTable(_ context.Context, table string, columns []string, rows [][]any, hasPK bool) writer.Tally {
	var tally writer.Tally
	t := f.tables[table]
	tally.Batches = 1
	for i, values := range rows {
		row := make(dump.Row, len(t.meta.Columns))
		for j := range row {
			row[j] = dump.NullValue()
		}
		var err error
		for j, col := range columns {
			c, _ := t.meta.Column(col)
			if s, ok := values[j].(string); ok && c.Class == schema.ClassInteger {
				if _, perr := strconv.Atoi(s); perr != nil {
					err = fmt.Errorf("invalid input syntax for type integer: %q", s)
				}
			}
			row[columnIndex(t.meta, col)] = toValue(values[j])
		}
		if err != nil {
			tally.Failed++
			tally.Failures = append(tally.Failures, writer.RowFailure{Index: i, Err: err})
			continue
		}
		if hasPK && f.hasKey(t, row) {
			tally.Skipped++
			continue
		}
		t.rows = append(t.rows, row)
		tally.Inserted++
	}
	return tally
}

func (f *fakeLive) hasKey(t *liveTable, row dump.Row) bool {
	names := columnNames(t.meta)
	key := identity.ResolveKey(row, names, t.meta.PrimaryKey)
	for _, existing := range t.rows {
		if identity.ResolveKey(existing, names, t.meta.PrimaryKey) == key {
			return true
		}
	}
	return false
}

func (f *fakeLive) count(table string) int { return len(f.tables[table].rows) }

func toValue(v any) dump.Value {
	if v == nil {
		return dump.NullValue()
	}
	return dump.TextValue(fmt.Sprint(v))
}

func columnIndex(t *schema.Table, col string) int {
	for i, c := range t.Columns {
		if c.Name == col {
			return i
		}
	}
	panic("unknown column " + col)
}

func columnNames(t *schema.Table) []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func textRow(values ...string) dump.Row {
	row := make(dump.Row, len(values))
	for i, v := range values {
		row[i] = dump.TextValue(v)
	}
	return row
}

func accountsLive(version string) *fakeLive {
	live := newFakeLive(version)
	accounts := live.addTable("accounts", []string{"id"},
		schema.Column{Name: "id", DataType: "integer", Class: schema.ClassInteger},
		schema.Column{Name: "name", DataType: "text", Class: schema.ClassText, Nullable: true},
	)
	accounts.rows = []dump.Row{textRow("1", "a")}
	return live
}

// seed stores a completed backup with the given payload and returns its record.
func seed(t *testing.T, cat *catalog.Catalog, codec, version, sql string) *catalog.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := cat.Create(ctx, catalog.Descriptor{Compression: codec, SchemaVersion: version})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f, err := cat.CreatePayload(rec)
	if err != nil {
		t.Fatalf("CreatePayload: %v", err)
	}
	zw, err := compress.ForFilename(rec.Filename).NewWriter(f)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := io.WriteString(zw, sql); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close codec: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat payload: %v", err)
	}
	f.Close()
	if err := cat.Complete(ctx, rec.ID, info.Size()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return rec
}

func newTestCatalog(t *testing.T) (*catalog.Catalog, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cat, err := catalog.New("/backups",
		catalog.WithFs(afero.NewMemMapFs()),
		catalog.WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return cat, &now
}

func newOrchestrator(cat *catalog.Catalog, live *fakeLive) *Orchestrator {
	return New(cat, live, WithIntrospector(live), WithWriter(live))
}

func TestRestore_IncrementalInsertsOnlyMissingRows(t *testing.T) {
	cat, _ := newTestCatalog(t)
	rec := seed(t, cat, compress.Gzip, "v1", accountsDump)
	live := accountsLive("v1")

	out := newOrchestrator(cat, live).Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeIncremental})
	if !out.Success {
		t.Fatalf("restore failed: %s", out.Message)
	}
	if out.Inserted != 1 || out.Failed != 0 {
		t.Errorf("inserted=%d failed=%d, want 1/0", out.Inserted, out.Failed)
	}
	if live.count("accounts") != 2 {
		t.Fatalf("accounts has %d rows, want 2", live.count("accounts"))
	}
	got := live.tables["accounts"].rows[1]
	if got[0].Text != "2" || got[1].Text != "b" {
		t.Errorf("inserted row = %+v, want (2, b)", got)
	}
	if len(out.Tables) != 1 || out.Tables[0].Missing != 1 || out.Tables[0].LiveRows != 1 {
		t.Errorf("table report = %+v", out.Tables)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", out.Warnings)
	}
}

func TestRestore_IncrementalIsIdempotent(t *testing.T) {
	cat, _ := newTestCatalog(t)
	rec := seed(t, cat, compress.None, "v1", accountsDump)
	live := accountsLive("v1")
	orch := newOrchestrator(cat, live)

	first := orch.Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeIncremental})
	second := orch.Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeIncremental})

	if !first.Success || !second.Success {
		t.Fatalf("restores failed: %q / %q", first.Message, second.Message)
	}
	if second.Inserted != 0 {
		t.Errorf("second run inserted %d rows, want 0", second.Inserted)
	}
	if second.Tables[0].Status != tableUpToDate {
		t.Errorf("second run status = %q", second.Tables[0].Status)
	}
	if live.count("accounts") != 2 {
		t.Errorf("accounts has %d rows, want 2", live.count("accounts"))
	}
}

func TestRestore_CoercionFailureDoesNotBlockSiblings(t *testing.T) {
	cat, _ := newTestCatalog(t)
	rec := seed(t, cat, compress.Zstd, "v1", "COPY public.accounts (id, name) FROM stdin;\n2\tb\nx\tc\n3\td\n\\.\n")
	live := accountsLive("v1")

	out := newOrchestrator(cat, live).Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeIncremental})
	if !out.Success {
		t.Fatalf("restore failed: %s", out.Message)
	}
	if out.Inserted != 2 || out.Failed != 1 {
		t.Errorf("inserted=%d failed=%d, want 2/1", out.Inserted, out.Failed)
	}
	if out.Tables[0].CoercionFailures != 1 {
		t.Errorf("coercion failures = %d, want 1", out.Tables[0].CoercionFailures)
	}
	if live.count("accounts") != 3 {
		t.Errorf("accounts has %d rows, want 3", live.count("accounts"))
	}
}

func TestRestore_IncrementalSkipsUnknownTablesAndColumns(t *testing.T) {
	cat, _ := newTestCatalog(t)
	sql := accountsDump +
		"COPY public.audit (id, entry) FROM stdin;\n1\tx\n\\.\n" +
		"COPY public.tags (id, label, color) FROM stdin;\n1\tred\t#f00\n\\.\n"
	rec := seed(t, cat, compress.None, "v1", sql)
	live := accountsLive("v1")
	live.addTable("tags", []string{"id"},
		schema.Column{Name: "id", DataType: "integer", Class: schema.ClassInteger},
		schema.Column{Name: "label", DataType: "text", Class: schema.ClassText},
	)

	out := newOrchestrator(cat, live).Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeIncremental})
	if !out.Success {
		t.Fatalf("restore failed: %s", out.Message)
	}
	if len(out.Tables) != 3 {
		t.Fatalf("got %d table reports, want 3", len(out.Tables))
	}
	for _, report := range out.Tables[1:] {
		if report.Status != tableSkipped {
			t.Errorf("table %s status = %q, want skipped", report.Name, report.Status)
		}
	}
	if len(out.Warnings) != 2 {
		t.Errorf("warnings = %v, want 2", out.Warnings)
	}
	if live.count("tags") != 0 {
		t.Errorf("tags should stay empty")
	}
}

func TestRestore_DegradedIdentityWithoutPrimaryKey(t *testing.T) {
	cat, _ := newTestCatalog(t)
	rec := seed(t, cat, compress.None, "v1", "COPY public.events (kind, at) FROM stdin;\nlogin\t2026-01-01\nlogout\t2026-01-02\n\\.\n")
	live := newFakeLive("v1")
	events := live.addTable("events", nil,
		schema.Column{Name: "kind", DataType: "text", Class: schema.ClassText},
		schema.Column{Name: "at", DataType: "date", Class: schema.ClassDate},
	)
	events.rows = []dump.Row{textRow("login", "2026-01-01")}

	out := newOrchestrator(cat, live).Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeIncremental})
	if !out.Success {
		t.Fatalf("restore failed: %s", out.Message)
	}
	if !out.Tables[0].Degraded {
		t.Error("expected degraded identity")
	}
	if out.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", out.Inserted)
	}
}

func TestRestore_NormalReplaysPayloadAndWarnsOnVersionMismatch(t *testing.T) {
	cat, _ := newTestCatalog(t)
	rec := seed(t, cat, compress.Gzip, "v1", accountsDump)
	live := accountsLive("v2")

	out := New(cat, live).Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeNormal})
	if !out.Success {
		t.Fatalf("restore failed: %s", out.Message)
	}
	if len(live.applied) != 1 || live.applied[0] != accountsDump {
		t.Errorf("applied = %q", live.applied)
	}
	if len(out.Warnings) != 1 || !strings.Contains(out.Warnings[0], "schema version mismatch") {
		t.Errorf("warnings = %v", out.Warnings)
	}

	forced := New(cat, live).Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeNormal, Force: true})
	if len(forced.Warnings) != 0 {
		t.Errorf("forced restore warned: %v", forced.Warnings)
	}
}

func TestRestore_UnknownVersionSkipsMismatchWarning(t *testing.T) {
	cases := []struct {
		name          string
		backupVersion string
		liveVersion   string
	}{
		{"backup untagged", "", "v2"},
		{"live untagged", "v1", ""},
		{"both untagged", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cat, _ := newTestCatalog(t)
			rec := seed(t, cat, compress.None, tc.backupVersion, accountsDump)

			out := New(cat, accountsLive(tc.liveVersion)).Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeNormal})
			if !out.Success {
				t.Fatalf("restore failed: %s", out.Message)
			}
			if len(out.Warnings) != 0 {
				t.Errorf("warnings = %v, want none", out.Warnings)
			}
		})
	}
}

func TestRestore_FullRequiresConfirmation(t *testing.T) {
	cat, _ := newTestCatalog(t)
	rec := seed(t, cat, compress.None, "v1", accountsDump)
	live := accountsLive("v1")
	orch := New(cat, live)

	out := orch.Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeFull})
	if out.Success || live.dropped {
		t.Fatalf("unconfirmed full restore ran: %+v", out)
	}

	out = orch.Restore(context.Background(), Request{BackupID: rec.ID, Mode: ModeFull, ConfirmDataLoss: true})
	if !out.Success {
		t.Fatalf("full restore failed: %s", out.Message)
	}
	if !live.dropped || len(live.applied) != 1 {
		t.Errorf("dropped=%v applied=%d", live.dropped, len(live.applied))
	}
}

func TestRestore_Failures(t *testing.T) {
	cat, now := newTestCatalog(t)
	rec := seed(t, cat, compress.None, "v1", accountsDump)
	*now = now.Add(time.Minute)
	running, err := cat.Create(context.Background(), catalog.Descriptor{Compression: compress.None})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"unknown mode", Request{BackupID: rec.ID, Mode: "partial"}, "unknown restore mode"},
		{"unknown id", Request{BackupID: "20990101_000000", Mode: ModeNormal}, "not found"},
		{"not completed", Request{BackupID: running.ID, Mode: ModeNormal}, "not restorable"},
		{"incremental without writer", Request{BackupID: rec.ID, Mode: ModeIncremental}, "not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := New(cat, accountsLive("v1")).Restore(context.Background(), tt.req)
			if out.Success {
				t.Fatal("expected failure")
			}
			if !strings.Contains(out.Message, tt.want) {
				t.Errorf("message = %q, want it to contain %q", out.Message, tt.want)
			}
		})
	}
}

func TestRestoreLatest_SkipsUnfinishedBackups(t *testing.T) {
	cat, now := newTestCatalog(t)
	rec := seed(t, cat, compress.None, "v1", accountsDump)
	*now = now.Add(time.Hour)
	if _, err := cat.Create(context.Background(), catalog.Descriptor{Compression: compress.None}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	out := New(cat, accountsLive("v1")).RestoreLatest(context.Background(), ModeNormal, false, false)
	if !out.Success {
		t.Fatalf("restore failed: %s", out.Message)
	}
	if out.BackupID != rec.ID {
		t.Errorf("restored %s, want %s", out.BackupID, rec.ID)
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{"": ModeNormal, "FULL": ModeFull, " incremental ": ModeIncremental}
	for in, want := range tests {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("partial"); err == nil {
		t.Error("expected error for partial")
	}
}
