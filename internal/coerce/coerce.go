// Package coerce converts COPY text values into Go values typed for their
// destination column. Coercion is best effort: a value that does not parse
// is handed to the writer as its original text.
package coerce

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kebairia/dumpctl/internal/dump"
	"github.com/kebairia/dumpctl/internal/logger"
	"github.com/kebairia/dumpctl/internal/schema"
)

// DateLayout is the only accepted date form.
const DateLayout = "2006-01-02"

// ErrCoercion marks a value that could not be converted to its column class.
var ErrCoercion = errors.New("coercion failed")

// Value converts v for a column of class. Null markers (a NULL value, "",
// "NULL" or `\N`) yield nil when nullable and the class zero value
// otherwise. On failure the error wraps ErrCoercion and the returned value
// is the raw text.
func Value(v dump.Value, class schema.Class, nullable bool) (any, error) {
	if isNullMarker(v) {
		if nullable {
			return nil, nil
		}
		return zero(class), nil
	}
	text := v.Text

	switch class {
	case schema.ClassBoolean:
		switch strings.ToLower(strings.TrimSpace(text)) {
		case "true", "t":
			return true, nil
		case "false", "f":
			return false, nil
		}
		return text, fmt.Errorf("%w: %q is not a boolean", ErrCoercion, text)
	case schema.ClassInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return text, fmt.Errorf("%w: %q is not an integer: %v", ErrCoercion, text, err)
		}
		return n, nil
	case schema.ClassNumeric:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return text, fmt.Errorf("%w: %q is not numeric: %v", ErrCoercion, text, err)
		}
		return f, nil
	case schema.ClassDate:
		d, err := time.Parse(DateLayout, strings.TrimSpace(text))
		if err != nil {
			return text, fmt.Errorf("%w: %q is not a %s date: %v", ErrCoercion, text, DateLayout, err)
		}
		return d, nil
	default:
		return text, nil
	}
}

func isNullMarker(v dump.Value) bool {
	return v.Null || v.Text == "" || v.Text == "NULL" || v.Text == `\N`
}

func zero(class schema.Class) any {
	switch class {
	case schema.ClassBoolean:
		return false
	case schema.ClassInteger:
		return int64(0)
	case schema.ClassNumeric:
		return float64(0)
	case schema.ClassDate:
		return time.Time{}
	default:
		return ""
	}
}

// Failure describes one value that fell back to raw text.
type Failure struct {
	Column string
	Value  string
	Err    error
}

// Row coerces every value of row, which aligns with columns, against the
// live metadata in table. Columns unknown to table pass through as text.
// Failures are logged and returned; they never shorten the row.
func Row(log logger.Logger, table *schema.Table, columns []string, row dump.Row) ([]any, []Failure) {
	out := make([]any, len(row))
	var failures []Failure
	for i, v := range row {
		col, ok := table.Column(columns[i])
		if !ok {
			col = schema.Column{Name: columns[i], Class: schema.ClassText, Nullable: true}
		}
		typed, err := Value(v, col.Class, col.Nullable)
		if err != nil {
			log.Warn("coercion failed, passing raw value",
				"table", table.Name,
				"column", col.Name,
				"type", col.DataType,
				"value", v.Text,
				"error", err,
			)
			failures = append(failures, Failure{Column: col.Name, Value: v.Text, Err: err})
		}
		out[i] = typed
	}
	return out, failures
}
