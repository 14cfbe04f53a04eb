package dump

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

const sampleDump = `--
-- PostgreSQL database dump
--

SET statement_timeout = 0;

CREATE TABLE public.accounts (
    id integer NOT NULL,
    name text
);

COPY public.accounts (id, name) FROM stdin;
1	a
2	b
3	\N
\.

COPY public."Order Lines" (id, "Note", qty) FROM stdin;
10	tab\there	5
11	back\\slash	\N
12	only two
\.

COPY public.empty_table (id) FROM stdin;
\.

ALTER TABLE ONLY public.accounts
    ADD CONSTRAINT accounts_pkey PRIMARY KEY (id);
`

func TestParse_Sample(t *testing.T) {
	tables, err := Parse(strings.NewReader(sampleDump))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tables) != 3 {
		t.Fatalf("expected 3 tables, got %d", len(tables))
	}

	accounts := tables["accounts"]
	if accounts == nil {
		t.Fatal("accounts missing; schema qualifier not stripped?")
	}
	if !reflect.DeepEqual(accounts.Columns, []string{"id", "name"}) {
		t.Errorf("columns = %v", accounts.Columns)
	}
	want := []Row{
		{TextValue("1"), TextValue("a")},
		{TextValue("2"), TextValue("b")},
		{TextValue("3"), NullValue()},
	}
	if !reflect.DeepEqual(accounts.Rows, want) {
		t.Errorf("rows = %v, want %v", accounts.Rows, want)
	}

	lines := tables["Order Lines"]
	if lines == nil {
		t.Fatal("quoted table name not unquoted")
	}
	if !reflect.DeepEqual(lines.Columns, []string{"id", "Note", "qty"}) {
		t.Errorf("columns = %v", lines.Columns)
	}
	if lines.Len() != 2 || lines.Dropped != 1 {
		t.Errorf("rows=%d dropped=%d, want 2 and 1", lines.Len(), lines.Dropped)
	}
	if got := lines.Rows[0][1].Text; got != "tab\there" {
		t.Errorf("escape not decoded: %q", got)
	}
	if got := lines.Rows[1][1].Text; got != `back\slash` {
		t.Errorf("backslash not decoded: %q", got)
	}

	empty := tables["empty_table"]
	if empty == nil || empty.Len() != 0 {
		t.Errorf("empty table = %+v", empty)
	}

	ordered := Ordered(tables)
	if ordered[0].Name != "accounts" || ordered[2].Name != "empty_table" {
		t.Errorf("order = %s, %s, %s", ordered[0].Name, ordered[1].Name, ordered[2].Name)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	original := &Table{
		Name:    "events",
		Columns: []string{"id", "payload", "note"},
		Rows: []Row{
			{TextValue("1"), TextValue("line1\nline2"), NullValue()},
			{TextValue("2"), TextValue(`literal \N text`), TextValue("")},
			{TextValue("3"), TextValue("cr\r and tab\t and \\"), TextValue("\b\f\v")},
		},
	}

	var buf bytes.Buffer
	if err := Write(&buf, original); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tables, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := tables["events"]
	if got == nil {
		t.Fatal("events missing after round trip")
	}
	if !reflect.DeepEqual(got.Columns, original.Columns) {
		t.Errorf("columns = %v", got.Columns)
	}
	if !reflect.DeepEqual(got.Rows, original.Rows) {
		t.Errorf("rows = %v\nwant %v", got.Rows, original.Rows)
	}
}

func TestUnescape(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`plain`, "plain"},
		{`a\tb`, "a\tb"},
		{`\101\102`, "AB"},
		{`\x41\x4`, "A\x04"},
		{`\q`, "q"},
		{`trailing\`, `trailing\`},
	}
	for _, tt := range tests {
		if got := unescape(tt.in); got != tt.want {
			t.Errorf("unescape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParse_RepeatedTableWithOtherColumnsIsDropped(t *testing.T) {
	input := "COPY t (a) FROM stdin;\n1\n\\.\nCOPY t (a, b) FROM stdin;\n1\t2\n3\t4\n\\.\nCOPY t (a) FROM stdin;\n5\n\\.\n"
	tables, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tbl := tables["t"]
	if tbl == nil {
		t.Fatal("table t missing")
	}
	if len(tbl.Columns) != 1 || tbl.Columns[0] != "a" {
		t.Errorf("columns = %v, want [a]", tbl.Columns)
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(tbl.Rows))
	}
	if tbl.Dropped != 2 {
		t.Errorf("dropped = %d, want 2", tbl.Dropped)
	}
}

func TestParse_UnterminatedBlockKeepsRows(t *testing.T) {
	input := "COPY t (a, b) FROM stdin;\n1\tx\n2\ty"
	tables, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tables["t"].Len() != 2 {
		t.Errorf("rows = %d, want 2", tables["t"].Len())
	}
}
