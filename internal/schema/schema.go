// Package schema reads live table metadata (columns, type classes,
// nullability, primary keys) and live row snapshots from PostgreSQL.
// Nothing is cached: every call reflects the schema as it is now.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/kebairia/dumpctl/internal/dump"
)

// ErrTableNotFound is returned when a table has no columns in the live schema.
var ErrTableNotFound = errors.New("table not found")

// Class is the coercion-relevant family of a declared column type.
type Class int

const (
	ClassText Class = iota
	ClassInteger
	ClassNumeric
	ClassBoolean
	ClassDate
)

func (c Class) String() string {
	switch c {
	case ClassInteger:
		return "integer"
	case ClassNumeric:
		return "numeric"
	case ClassBoolean:
		return "boolean"
	case ClassDate:
		return "date"
	default:
		return "text"
	}
}

// Classify maps an information_schema data_type to its Class.
func Classify(dataType string) Class {
	switch strings.ToLower(strings.TrimSpace(dataType)) {
	case "smallint", "integer", "bigint", "int", "int2", "int4", "int8",
		"smallserial", "serial", "bigserial":
		return ClassInteger
	case "numeric", "decimal", "real", "double precision", "float4", "float8":
		return ClassNumeric
	case "boolean", "bool":
		return ClassBoolean
	case "date":
		return ClassDate
	default:
		return ClassText
	}
}

type Column struct {
	Name     string
	DataType string
	Class    Class
	Nullable bool
}

// Table is the live metadata of one table.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
}

// HasPrimaryKey reports whether the table declares a primary key.
func (t *Table) HasPrimaryKey() bool { return len(t.PrimaryKey) > 0 }

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Missing returns the names in columns that the live table does not have.
func (t *Table) Missing(columns []string) []string {
	var missing []string
	for _, name := range columns {
		if _, ok := t.Column(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

const (
	columnsQuery = `SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

	primaryKeyQuery = `SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY array_position(i.indkey::int2[], a.attnum)`

	tablesQuery = `SELECT tablename FROM pg_tables WHERE schemaname = $1 ORDER BY tablename`

	existsQuery = `SELECT EXISTS (
SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`
)

// Introspector queries one schema of the live database.
type Introspector struct {
	db     *sql.DB
	schema string
}

// New returns an Introspector for schemaName ("public" when empty).
func New(db *sql.DB, schemaName string) *Introspector {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Introspector{db: db, schema: schemaName}
}

// Schema returns the schema name the Introspector reads.
func (i *Introspector) Schema() string { return i.schema }

// QualifiedName returns the quoted schema.table identifier for name.
func (i *Introspector) QualifiedName(name string) string {
	return pgx.Identifier{i.schema, name}.Sanitize()
}

// Table fetches the columns and primary key of name.
func (i *Introspector) Table(ctx context.Context, name string) (*Table, error) {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, columnsQuery, i.schema, name)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", name, err)
	}
	defer rows.Close()

	t := &Table{Name: name}
	for rows.Next() {
		var colName, dataType, nullable string
		if err := rows.Scan(&colName, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", name, err)
		}
		t.Columns = append(t.Columns, Column{
			Name:     colName,
			DataType: dataType,
			Class:    Classify(dataType),
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", name, err)
	}
	rows.Close()
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, i.schema, name)
	}

	pkRows, err := conn.QueryContext(ctx, primaryKeyQuery, i.QualifiedName(name))
	if err != nil {
		return nil, fmt.Errorf("query primary key of %s: %w", name, err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan primary key of %s: %w", name, err)
		}
		t.PrimaryKey = append(t.PrimaryKey, col)
	}
	if err := pkRows.Err(); err != nil {
		return nil, fmt.Errorf("read primary key of %s: %w", name, err)
	}
	return t, nil
}

// Exists reports whether name is a table in the schema.
func (i *Introspector) Exists(ctx context.Context, name string) (bool, error) {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var exists bool
	if err := conn.QueryRowContext(ctx, existsQuery, i.schema, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return exists, nil
}

// Tables lists the schema's tables by name.
func (i *Introspector) Tables(ctx context.Context) ([]string, error) {
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, tablesQuery, i.schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Snapshot reads every live row of t projected onto columns, each value
// rendered as text the way COPY renders it, so it compares equal to the dump.
func (i *Introspector) Snapshot(ctx context.Context, t *Table, columns []string) ([]dump.Row, error) {
	name := t.Name
	if len(columns) == 0 {
		return nil, fmt.Errorf("snapshot %s: no columns", name)
	}
	conn, err := i.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, snapshotQuery(i.QualifiedName(name), t, columns))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}
	defer rows.Close()

	var out []dump.Row
	scan := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for k := range scan {
		dest[k] = &scan[k]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", name, err)
		}
		row := make(dump.Row, len(columns))
		for k, v := range scan {
			if v.Valid {
				row[k] = dump.TextValue(v.String)
			} else {
				row[k] = dump.NullValue()
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s rows: %w", name, err)
	}
	return out, nil
}

// snapshotQuery selects columns as text. Booleans are spelled t/f because
// boolean::text yields true/false while COPY writes t/f.
func snapshotQuery(qualified string, t *Table, columns []string) string {
	selected := make([]string, len(columns))
	for k, c := range columns {
		ident := pgx.Identifier{c}.Sanitize()
		if col, ok := t.Column(c); ok && col.Class == ClassBoolean {
			selected[k] = "CASE WHEN " + ident + " THEN 't' WHEN NOT " + ident + " THEN 'f' END"
			continue
		}
		selected[k] = ident + "::text"
	}
	return "SELECT " + strings.Join(selected, ", ") + " FROM " + qualified
}
