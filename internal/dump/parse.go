package dump

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/kebairia/dumpctl/internal/logger"
)

const (
	copyTerminator = `\.`
	nullMarker     = `\N`
)

// copyHeader matches `COPY [schema.]table (col, ...) FROM stdin;`.
var copyHeader = regexp.MustCompile(`(?i)^COPY\s+(.+?)\s*\((.*)\)\s+FROM\s+stdin;\s*$`)

// Option configures Parse.
type Option func(*parser)

// WithLogger sets the logger that reports dropped rows. A nil logger is ignored.
func WithLogger(log logger.Logger) Option {
	return func(p *parser) {
		if log != nil {
			p.log = log
		}
	}
}

type parser struct {
	log logger.Logger
}

// Parse reads every COPY block in r. Lines outside blocks are ignored; rows
// whose field count differs from the header are dropped and counted on the
// table. A repeated block whose column list differs from the first one is
// dropped whole. The schema qualifier of the table name is discarded.
func Parse(r io.Reader, opts ...Option) (map[string]*Table, error) {
	p := &parser{log: logger.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p.parse(r)
}

func (p *parser) parse(r io.Reader) (map[string]*Table, error) {
	reader := bufio.NewReaderSize(r, 1024*1024)
	tables := make(map[string]*Table)

	var (
		current *Table
		discard bool
		lineNo  int
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read dump line %d: %w", lineNo+1, err)
		}
		if line == "" && errors.Is(err, io.EOF) {
			break
		}
		lineNo++
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		switch {
		case current != nil && line == copyTerminator:
			p.finish(current)
			current = nil
			discard = false
		case current != nil && discard:
			current.Dropped++
		case current != nil:
			fields := strings.Split(line, "\t")
			if len(fields) != len(current.Columns) {
				current.Dropped++
				p.log.Debug("dropping malformed dump row",
					"table", current.Name,
					"line", lineNo,
					"fields", len(fields),
					"columns", len(current.Columns),
				)
				break
			}
			row := make(Row, len(fields))
			for i, field := range fields {
				row[i] = decodeField(field)
			}
			current.Rows = append(current.Rows, row)
		default:
			name, columns, ok := parseHeader(line)
			if !ok {
				break
			}
			t, seen := tables[name]
			if !seen {
				t = &Table{Name: name, Columns: columns, Position: len(tables)}
				tables[name] = t
			} else if !sameColumns(t.Columns, columns) {
				p.log.Warn("dropping COPY block with conflicting columns",
					"table", name,
					"line", lineNo,
					"columns", strings.Join(columns, ","),
				)
				discard = true
			}
			current = t
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	if current != nil {
		p.log.Warn("dump ended inside a COPY block", "table", current.Name)
		p.finish(current)
	}
	return tables, nil
}

func (p *parser) finish(t *Table) {
	if t.Dropped > 0 {
		p.log.Warn("dropped malformed dump rows", "table", t.Name, "dropped", t.Dropped)
	}
}

// parseHeader returns the unqualified table name and the column list.
func parseHeader(line string) (string, []string, bool) {
	m := copyHeader.FindStringSubmatch(line)
	if m == nil {
		return "", nil, false
	}
	parts := splitIdentifiers(m[1], '.')
	if len(parts) == 0 {
		return "", nil, false
	}
	name := parts[len(parts)-1]

	columns := splitIdentifiers(m[2], ',')
	if len(columns) == 0 {
		return "", nil, false
	}
	return name, columns, true
}

// splitIdentifiers splits s on sep outside double quotes, trims each part and
// removes identifier quoting.
func splitIdentifiers(s string, sep byte) []string {
	var (
		out      []string
		b        strings.Builder
		inQuotes bool
	)
	flush := func() {
		part := strings.TrimSpace(b.String())
		b.Reset()
		if part != "" {
			out = append(out, unquoteIdentifier(part))
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			b.WriteByte(c)
		case c == sep && !inQuotes:
			flush()
		default:
			b.WriteByte(c)
		}
	}
	flush()
	return out
}

func unquoteIdentifier(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func decodeField(field string) Value {
	if field == nullMarker {
		return NullValue()
	}
	return TextValue(unescape(field))
}

// unescape decodes COPY text-format backslash sequences.
func unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch n := s[i]; n {
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			v := int(n - '0')
			for k := 0; k < 2 && i+1 < len(s) && isOctal(s[i+1]); k++ {
				i++
				v = v*8 + int(s[i]-'0')
			}
			b.WriteByte(byte(v))
		case 'x':
			if i+1 < len(s) && isHex(s[i+1]) {
				i++
				v := hexValue(s[i])
				if i+1 < len(s) && isHex(s[i+1]) {
					i++
					v = v*16 + hexValue(s[i])
				}
				b.WriteByte(byte(v))
			} else {
				b.WriteByte('x')
			}
		default:
			b.WriteByte(n)
		}
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}
