package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kebairia/dumpctl/internal/logger"
	"github.com/kebairia/dumpctl/internal/schema"
)

// SchemaVersionTable is the migration bookkeeping table whose revision is
// recorded with each backup.
const SchemaVersionTable = "alembic_version"

// TableInfo summarizes one live table for Info.
type TableInfo struct {
	Name    string
	Columns []string
}

// Info describes the live database.
type Info struct {
	Name          string
	ServerVersion string
	SizeBytes     int64
	Tables        []TableInfo
}

// Admin runs the maintenance statements of a restore against one schema.
type Admin struct {
	db     *sql.DB
	schema *schema.Introspector
	log    logger.Logger
}

// NewAdmin returns an Admin over db for schemaName.
func NewAdmin(db *sql.DB, schemaName string, log logger.Logger) *Admin {
	if log == nil {
		log = logger.Nop()
	}
	return &Admin{db: db, schema: schema.New(db, schemaName), log: log}
}

// DB returns the underlying handle.
func (a *Admin) DB() *sql.DB { return a.db }

// Introspector returns the schema reader bound to the same handle.
func (a *Admin) Introspector() *schema.Introspector { return a.schema }

// Ping checks that a session can be opened.
func (a *Admin) Ping(ctx context.Context) error {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	return conn.PingContext(ctx)
}

// ServerVersion returns the server_version setting, e.g. "16.2".
func (a *Admin) ServerVersion(ctx context.Context) (string, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var version string
	if err := conn.QueryRowContext(ctx, "SHOW server_version").Scan(&version); err != nil {
		return "", fmt.Errorf("read server version: %w", err)
	}
	return version, nil
}

// SchemaVersion returns the current migration revision, or "" when the
// database has no revision table.
func (a *Admin) SchemaVersion(ctx context.Context) (string, error) {
	exists, err := a.schema.Exists(ctx, SchemaVersionTable)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var version string
	query := "SELECT version_num FROM " + a.schema.QualifiedName(SchemaVersionTable) + " LIMIT 1"
	switch err := conn.QueryRowContext(ctx, query).Scan(&version); {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// DropAllTables drops every table of the schema with CASCADE and returns
// their names.
func (a *Admin) DropAllTables(ctx context.Context) ([]string, error) {
	return a.eachTable(ctx, "drop", func(ident string) string {
		return "DROP TABLE IF EXISTS " + ident + " CASCADE"
	})
}

// TruncateAllTables empties every table of the schema, keeping its structure.
func (a *Admin) TruncateAllTables(ctx context.Context) ([]string, error) {
	return a.eachTable(ctx, "truncate", func(ident string) string {
		return "TRUNCATE TABLE " + ident + " CASCADE"
	})
}

func (a *Admin) eachTable(ctx context.Context, verb string, statement func(ident string) string) ([]string, error) {
	tables, err := a.schema.Tables(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	done := make([]string, 0, len(tables))
	for _, table := range tables {
		if _, err := conn.ExecContext(ctx, statement(a.schema.QualifiedName(table))); err != nil {
			return done, fmt.Errorf("%s table %s: %w", verb, table, err)
		}
		done = append(done, table)
	}
	a.log.Info("tables cleared",
		"action", verb,
		"schema", a.schema.Schema(),
		"tables", len(done),
	)
	return done, nil
}

// Info reports the database name, server version, size and tables.
func (a *Admin) Info(ctx context.Context) (*Info, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	info := &Info{}
	err = conn.QueryRowContext(ctx,
		"SELECT current_database(), current_setting('server_version'), pg_database_size(current_database())",
	).Scan(&info.Name, &info.ServerVersion, &info.SizeBytes)
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("read database info: %w", err)
	}

	tables, err := a.schema.Tables(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range tables {
		meta, err := a.schema.Table(ctx, name)
		if err != nil {
			return nil, err
		}
		ti := TableInfo{Name: name}
		for _, c := range meta.Columns {
			ti.Columns = append(ti.Columns, c.Name)
		}
		info.Tables = append(info.Tables, ti)
	}
	return info, nil
}

// Live pairs the process-level Postgres (dump and replay) with an Admin on
// an open handle. It is what a restore runs against.
type Live struct {
	*Postgres
	*Admin
}
