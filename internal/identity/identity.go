// Package identity decides which dump rows are already present in a live
// table. Rows are compared by an identity key built from their primary-key
// values, or from every value when the table has no primary key.
//
// Without a primary key the comparison is a content diff: a row whose
// non-key value changed since the dump looks missing, and two logically
// different rows with identical values collapse into one. Result.Degraded
// marks that case so callers can report it.
package identity

import (
	"strings"

	"github.com/kebairia/dumpctl/internal/dump"
)

const (
	pairSeparator = "|"
	nullText      = "NULL"
)

// ResolveKey builds the identity key of row, whose values align with
// columns. The key joins "col:value" pairs for pk in pk order; when pk is
// empty every column contributes. NULL renders as NULL.
func ResolveKey(row dump.Row, columns, pk []string) string {
	keyColumns := pk
	if len(keyColumns) == 0 {
		keyColumns = columns
	}

	var b strings.Builder
	for i, col := range keyColumns {
		if i > 0 {
			b.WriteString(pairSeparator)
		}
		b.WriteString(col)
		b.WriteByte(':')
		idx := indexOf(columns, col)
		if idx < 0 || idx >= len(row) || row[idx].Null {
			b.WriteString(nullText)
			continue
		}
		b.WriteString(row[idx].Text)
	}
	return b.String()
}

// Result is the outcome of Diff.
type Result struct {
	// Missing holds the dump rows absent from the live rows, in dump order.
	Missing []dump.Row
	// Degraded is set when no primary key was available.
	Degraded bool
	// DuplicateDumpKeys counts dump rows whose key repeats an earlier dump row.
	DuplicateDumpKeys int
	// DuplicateLiveKeys counts live rows whose key repeats an earlier live row.
	DuplicateLiveKeys int
}

// Diff returns the dump rows whose identity key does not occur among the
// live rows. Both row sets must align with columns. A dump key repeated
// within the dump is reported missing only once.
func Diff(dumpRows, liveRows []dump.Row, columns, pk []string) Result {
	res := Result{Degraded: len(pk) == 0}

	live := make(map[string]struct{}, len(liveRows))
	for _, row := range liveRows {
		key := ResolveKey(row, columns, pk)
		if _, dup := live[key]; dup {
			res.DuplicateLiveKeys++
			continue
		}
		live[key] = struct{}{}
	}

	seen := make(map[string]struct{}, len(dumpRows))
	for _, row := range dumpRows {
		key := ResolveKey(row, columns, pk)
		if _, dup := seen[key]; dup {
			res.DuplicateDumpKeys++
			continue
		}
		seen[key] = struct{}{}
		if _, ok := live[key]; !ok {
			res.Missing = append(res.Missing, row)
		}
	}
	return res
}

func indexOf(columns []string, col string) int {
	for i, c := range columns {
		if c == col {
			return i
		}
	}
	return -1
}
