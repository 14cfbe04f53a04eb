package schema

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kebairia/dumpctl/internal/dump"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestClassify(t *testing.T) {
	tests := map[string]Class{
		"integer":                     ClassInteger,
		"BIGINT":                      ClassInteger,
		"numeric":                     ClassNumeric,
		"double precision":            ClassNumeric,
		"boolean":                     ClassBoolean,
		"date":                        ClassDate,
		"text":                        ClassText,
		"character varying":           ClassText,
		"timestamp without time zone": ClassText,
		"jsonb":                       ClassText,
	}
	for dataType, want := range tests {
		if got := Classify(dataType); got != want {
			t.Errorf("Classify(%q) = %s, want %s", dataType, got, want)
		}
	}
}

func TestIntrospector_Table(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).
		WithArgs("public", "accounts").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "integer", "NO").
			AddRow("name", "text", "YES").
			AddRow("active", "boolean", "NO"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM pg_index i")).
		WithArgs(`"public"."accounts"`).
		WillReturnRows(sqlmock.NewRows([]string{"attname"}).AddRow("id"))

	table, err := New(db, "").Table(context.Background(), "accounts")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	want := []Column{
		{Name: "id", DataType: "integer", Class: ClassInteger, Nullable: false},
		{Name: "name", DataType: "text", Class: ClassText, Nullable: true},
		{Name: "active", DataType: "boolean", Class: ClassBoolean, Nullable: false},
	}
	if !reflect.DeepEqual(table.Columns, want) {
		t.Errorf("columns = %+v", table.Columns)
	}
	if !reflect.DeepEqual(table.PrimaryKey, []string{"id"}) {
		t.Errorf("primary key = %v", table.PrimaryKey)
	}
	if missing := table.Missing([]string{"id", "email"}); !reflect.DeepEqual(missing, []string{"email"}) {
		t.Errorf("missing = %v", missing)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIntrospector_TableNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).
		WithArgs("public", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}))

	_, err := New(db, "public").Table(context.Background(), "ghost")
	if !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
}

func TestIntrospector_Tables(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM pg_tables")).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"tablename"}).AddRow("accounts").AddRow("orders"))

	names, err := New(db, "public").Tables(context.Background())
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"accounts", "orders"}) {
		t.Errorf("tables = %v", names)
	}
}

func TestIntrospector_Snapshot(t *testing.T) {
	db, mock := newMockDB(t)
	meta := &Table{
		Name: "accounts",
		Columns: []Column{
			{Name: "id", Class: ClassInteger},
			{Name: "active", Class: ClassBoolean, Nullable: true},
		},
	}

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT "id"::text, CASE WHEN "active" THEN 't' WHEN NOT "active" THEN 'f' END FROM "public"."accounts"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "active"}).
			AddRow("1", "t").
			AddRow("2", nil))

	rows, err := New(db, "public").Snapshot(context.Background(), meta, []string{"id", "active"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	want := []dump.Row{
		{dump.TextValue("1"), dump.TextValue("t")},
		{dump.TextValue("2"), dump.NullValue()},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %v, want %v", rows, want)
	}
}
