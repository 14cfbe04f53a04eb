// Package service wires the catalog, database, backup and restore
// components from a loaded configuration.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/kebairia/dumpctl/internal/backup"
	"github.com/kebairia/dumpctl/internal/catalog"
	"github.com/kebairia/dumpctl/internal/config"
	"github.com/kebairia/dumpctl/internal/database"
	"github.com/kebairia/dumpctl/internal/logger"
	"github.com/kebairia/dumpctl/internal/metrics"
	"github.com/kebairia/dumpctl/internal/restore"
	"github.com/kebairia/dumpctl/internal/vault"
	"github.com/kebairia/dumpctl/internal/writer"
)

// Container owns every component built from one Config. It opens the live
// database connection on first use.
type Container struct {
	Config   config.Config
	Log      logger.Logger
	Catalog  *catalog.Catalog
	Postgres *database.Postgres
	Metrics  *metrics.Metrics

	backups *backup.Service

	mu   sync.Mutex
	live *database.Live
}

// New builds a Container. Vault credentials are fetched here when
// database.vault_role is set.
func New(ctx context.Context, cfg config.Config, log logger.Logger) (*Container, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = logger.With(log, "database", cfg.Database.Name)

	cat, err := catalog.New(cfg.Backup.StoragePath, catalog.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	var creds database.CredentialSource
	if cfg.Database.VaultRole != "" {
		client, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.RoleName),
		)
		if err != nil {
			return nil, err
		}
		creds = client
	}

	pg, err := database.InitPostgres(ctx, cfg, creds, log)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Config:   cfg,
		Log:      log,
		Catalog:  cat,
		Postgres: pg,
		Metrics:  metrics.New(cfg.Metrics.TextfilePath),
	}
	c.backups = backup.New(cat, pg,
		backup.WithCompression(cfg.Backup.Compression),
		backup.WithMaxBackups(cfg.Retention.MaxBackups),
		backup.WithKeepDays(cfg.Retention.KeepDays),
		backup.WithVersionReader(versionReader{c}),
		backup.WithLogger(log),
		backup.WithMetrics(c.Metrics),
	)
	return c, nil
}

// Backups returns the backup service.
func (c *Container) Backups() *backup.Service { return c.backups }

// Live opens the database handle on first call and reuses it afterwards.
func (c *Container) Live(ctx context.Context) (*database.Live, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live != nil {
		return c.live, nil
	}
	db, err := c.Postgres.Open(ctx)
	if err != nil {
		return nil, err
	}
	c.live = &database.Live{
		Postgres: c.Postgres,
		Admin:    database.NewAdmin(db, c.Config.Database.Schema, c.Log),
	}
	return c.live, nil
}

// Restorer returns an orchestrator bound to the live database.
func (c *Container) Restorer(ctx context.Context) (*restore.Orchestrator, error) {
	live, err := c.Live(ctx)
	if err != nil {
		return nil, err
	}
	w := writer.New(live.DB(),
		writer.WithBatchSize(c.Config.Restore.BatchSize),
		writer.WithSchema(c.Config.Database.Schema),
		writer.WithLogger(c.Log),
	)
	return restore.New(c.Catalog, live,
		restore.WithIntrospector(live.Introspector()),
		restore.WithWriter(w),
		restore.WithLogger(c.Log),
		restore.WithMetrics(c.Metrics),
	), nil
}

// Close releases the database handle, if one was opened.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		return nil
	}
	err := c.live.DB().Close()
	c.live = nil
	return err
}

// versionReader reads the live schema version through the lazily opened
// handle, so a backup only connects when it needs to.
type versionReader struct{ c *Container }

func (v versionReader) SchemaVersion(ctx context.Context) (string, error) {
	live, err := v.c.Live(ctx)
	if err != nil {
		return "", err
	}
	return live.SchemaVersion(ctx)
}
