package identity

import (
	"reflect"
	"testing"

	"github.com/kebairia/dumpctl/internal/dump"
)

func row(values ...string) dump.Row {
	r := make(dump.Row, len(values))
	for i, v := range values {
		if v == "<null>" {
			r[i] = dump.NullValue()
			continue
		}
		r[i] = dump.TextValue(v)
	}
	return r
}

func TestResolveKey(t *testing.T) {
	columns := []string{"tenant", "id", "name"}
	tests := []struct {
		name string
		row  dump.Row
		pk   []string
		want string
	}{
		{"single pk", row("acme", "7", "x"), []string{"id"}, "id:7"},
		{"composite pk keeps pk order", row("acme", "7", "x"), []string{"id", "tenant"}, "id:7|tenant:acme"},
		{"no pk uses every column", row("acme", "7", "x"), nil, "tenant:acme|id:7|name:x"},
		{"null renders NULL", row("acme", "7", "<null>"), nil, "tenant:acme|id:7|name:NULL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveKey(tt.row, columns, tt.pk); got != tt.want {
				t.Errorf("ResolveKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiff_AccountsScenario(t *testing.T) {
	columns := []string{"id", "name"}
	dumpRows := []dump.Row{row("1", "a"), row("2", "b")}
	liveRows := []dump.Row{row("1", "a")}

	res := Diff(dumpRows, liveRows, columns, []string{"id"})

	if !reflect.DeepEqual(res.Missing, []dump.Row{row("2", "b")}) {
		t.Errorf("missing = %v, want only (2,b)", res.Missing)
	}
	if res.Degraded {
		t.Error("diff with a primary key reported degraded")
	}
}

func TestDiff_ExistingKeyNeverMissing(t *testing.T) {
	columns := []string{"id", "name"}
	dumpRows := []dump.Row{row("1", "old name"), row("3", "c"), row("2", "b")}
	liveRows := []dump.Row{row("1", "renamed")}

	res := Diff(dumpRows, liveRows, columns, []string{"id"})

	want := []dump.Row{row("3", "c"), row("2", "b")}
	if !reflect.DeepEqual(res.Missing, want) {
		t.Errorf("missing = %v, want %v in dump order", res.Missing, want)
	}
}

func TestDiff_DegradedIsContentDiff(t *testing.T) {
	columns := []string{"id", "name"}
	dumpRows := []dump.Row{row("1", "old name")}
	liveRows := []dump.Row{row("1", "renamed")}

	res := Diff(dumpRows, liveRows, columns, nil)

	if !res.Degraded {
		t.Error("expected degraded diff without primary key")
	}
	if len(res.Missing) != 1 {
		t.Errorf("content change should look missing without a key, got %v", res.Missing)
	}
}

func TestDiff_CountsDuplicates(t *testing.T) {
	columns := []string{"v"}
	res := Diff(
		[]dump.Row{row("x"), row("x"), row("y")},
		[]dump.Row{row("z"), row("z")},
		columns, nil,
	)
	if res.DuplicateDumpKeys != 1 || res.DuplicateLiveKeys != 1 {
		t.Errorf("duplicates dump=%d live=%d, want 1 and 1", res.DuplicateDumpKeys, res.DuplicateLiveKeys)
	}
	if len(res.Missing) != 2 {
		t.Errorf("missing = %v, want x and y once each", res.Missing)
	}
}
