// Package dump reads and writes the table data of a plain-text PostgreSQL
// dump: the "COPY ... FROM stdin;" blocks that pg_dump emits, one
// tab-delimited line per row, each block closed by a line holding "\.".
package dump

import "sort"

// Value is one field of a dump row. Text is the decoded COPY text; it is
// meaningless when Null is set.
type Value struct {
	Text string
	Null bool
}

// TextValue returns a non-null Value.
func TextValue(s string) Value { return Value{Text: s} }

// NullValue returns the SQL NULL Value.
func NullValue() Value { return Value{Null: true} }

// Row is one data line, aligned with its table's columns.
type Row []Value

// Table is the content of one COPY block.
type Table struct {
	Name    string
	Columns []string
	Rows    []Row
	// Dropped counts data lines whose field count did not match Columns.
	Dropped int
	// Position is the order in which the table's block appeared in the dump.
	Position int
}

// Len returns the number of parsed rows.
func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex returns the position of col in t.Columns, or -1.
func (t *Table) ColumnIndex(col string) int {
	for i, c := range t.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// Ordered returns the tables of a parsed dump in the order they appeared.
func Ordered(tables map[string]*Table) []*Table {
	out := make([]*Table, 0, len(tables))
	for _, t := range tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
