package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/kebairia/dumpctl/internal/config"
	"github.com/kebairia/dumpctl/internal/logger"
)

const EnginePostgres = "postgres"

// PostgresOption lets you override default settings on a Postgres.
type PostgresOption func(*Postgres)

// Postgres holds connection settings for dumping, replaying and querying a
// PostgreSQL database.
type Postgres struct {
	Username   string
	Password   string
	Database   string
	Host       string
	Port       int
	SSLMode    string
	PgDumpPath string
	PsqlPath   string
	Timeout    time.Duration
	Logger     logger.Logger
}

// NewPostgres returns a Postgres configured from cfg plus any overrides.
func NewPostgres(cfg config.DatabaseConfig, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		Username:   cfg.Username,
		Password:   cfg.Password,
		Database:   cfg.Name,
		Host:       cfg.Host,
		Port:       cfg.Port,
		SSLMode:    cfg.SSLMode,
		PgDumpPath: cfg.PgDumpPath,
		PsqlPath:   cfg.PsqlPath,
		Timeout:    cfg.Timeout,
		Logger:     logger.Nop(),
	}
	if p.PgDumpPath == "" {
		p.PgDumpPath = "pg_dump"
	}
	if p.PsqlPath == "" {
		p.PsqlPath = "psql"
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithPostgresHost overrides the host.
func WithPostgresHost(host string) PostgresOption {
	return func(p *Postgres) {
		if host != "" {
			p.Host = host
		}
	}
}

// WithPostgresPort overrides the port.
func WithPostgresPort(port int) PostgresOption {
	return func(p *Postgres) {
		if port != 0 {
			p.Port = port
		}
	}
}

// WithPostgresCredentials sets username and password.
func WithPostgresCredentials(user, pass string) PostgresOption {
	return func(p *Postgres) {
		if user != "" {
			p.Username = user
		}
		if pass != "" {
			p.Password = pass
		}
	}
}

// WithPostgresDatabase overrides the database name.
func WithPostgresDatabase(db string) PostgresOption {
	return func(p *Postgres) {
		if db != "" {
			p.Database = db
		}
	}
}

// WithPostgresBinaries overrides the pg_dump and psql executables.
func WithPostgresBinaries(pgDump, psql string) PostgresOption {
	return func(p *Postgres) {
		if pgDump != "" {
			p.PgDumpPath = pgDump
		}
		if psql != "" {
			p.PsqlPath = psql
		}
	}
}

// WithPostgresTimeout bounds each pg_dump or psql run.
func WithPostgresTimeout(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.Timeout = d
		}
	}
}

func WithPostgresLogger(log logger.Logger) PostgresOption {
	return func(p *Postgres) {
		if log != nil {
			p.Logger = log
		}
	}
}

func (p *Postgres) GetName() string   { return p.Database }
func (p *Postgres) GetEngine() string { return EnginePostgres }

// connArgs are the connection flags shared by pg_dump and psql. The password
// travels in PGPASSWORD, never on the command line.
func (p *Postgres) connArgs() []string {
	return []string{
		"--host", p.Host,
		"--port", strconv.Itoa(p.Port),
		"--username", p.Username,
		"--dbname", p.Database,
	}
}

func (p *Postgres) env() []string {
	env := []string{"PGPASSWORD=" + p.Password}
	if p.SSLMode != "" {
		env = append(env, "PGSSLMODE="+p.SSLMode)
	}
	return env
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, p.Timeout, ErrTimeout)
}

// Dump runs pg_dump and streams its plain SQL output into w. The dump drops
// and recreates every object, so replaying it is idempotent.
func (p *Postgres) Dump(ctx context.Context, w io.Writer) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	args := append(p.connArgs(),
		"--format", "plain",
		"--clean",
		"--if-exists",
		"--no-owner",
		"--no-privileges",
	)

	p.Logger.Info("dump started",
		"database", p.Database,
		"engine", EnginePostgres,
		"host", p.Host,
	)
	startTime := time.Now()
	if err := runProcess(ctx, p.PgDumpPath, args, p.env(), nil, w); err != nil {
		return fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}
	p.Logger.Info("dump completed",
		"database", p.Database,
		"engine", EnginePostgres,
		"duration", time.Since(startTime).String(),
	)
	return nil
}

// Apply pipes r into psql.
func (p *Postgres) Apply(ctx context.Context, r io.Reader) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	args := append(p.connArgs(), "--quiet", "--no-psqlrc")

	p.Logger.Info("replay started",
		"database", p.Database,
		"engine", EnginePostgres,
	)
	startTime := time.Now()
	if err := runProcess(ctx, p.PsqlPath, args, p.env(), r, io.Discard); err != nil {
		return fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	p.Logger.Info("replay completed",
		"database", p.Database,
		"engine", EnginePostgres,
		"duration", time.Since(startTime).String(),
	)
	return nil
}

// DSN returns a pgx connection URL for p.
func (p *Postgres) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Open returns a *sql.DB that keeps no idle connections: every caller
// acquires a fresh session and closing it really disconnects. The first ping
// is retried with exponential backoff.
func (p *Postgres) Open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", p.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.Database, err)
	}
	db.SetMaxIdleConns(0)

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	ping := func() error {
		return db.PingContext(ctx)
	}
	notify := func(err error, wait time.Duration) {
		p.Logger.Warn("database not reachable, retrying",
			"database", p.Database,
			"host", p.Host,
			"wait", wait.String(),
			"error", err,
		)
	}
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s: %w", p.Database, err)
	}
	return db, nil
}
