package dump

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Write serializes tables as COPY blocks in the given order. The output
// parses back to the same tables.
func Write(w io.Writer, tables ...*Table) error {
	bw := bufio.NewWriter(w)
	for _, t := range tables {
		if err := writeTable(bw, t); err != nil {
			return fmt.Errorf("write table %q: %w", t.Name, err)
		}
	}
	return bw.Flush()
}

func writeTable(w *bufio.Writer, t *Table) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table has no columns")
	}
	quoted := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	if _, err := fmt.Fprintf(w, "COPY %s (%s) FROM stdin;\n",
		pgx.Identifier{t.Name}.Sanitize(), strings.Join(quoted, ", ")); err != nil {
		return err
	}

	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d fields, table has %d columns", i, len(row), len(t.Columns))
		}
		for j, v := range row {
			if j > 0 {
				if err := w.WriteByte('\t'); err != nil {
					return err
				}
			}
			if _, err := w.WriteString(encodeField(v)); err != nil {
				return err
			}
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}

	_, err := w.WriteString(copyTerminator + "\n\n")
	return err
}

func encodeField(v Value) string {
	if v.Null {
		return nullMarker
	}
	return escape(v.Text)
}

var copyEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\b", `\b`,
	"\f", `\f`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\v", `\v`,
)

// escape is the inverse of unescape for the sequences pg_dump produces.
func escape(s string) string {
	return copyEscaper.Replace(s)
}
