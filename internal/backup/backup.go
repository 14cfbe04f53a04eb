// Package backup creates catalogued dumps of the live database and applies
// retention to them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kebairia/dumpctl/internal/catalog"
	"github.com/kebairia/dumpctl/internal/compress"
	"github.com/kebairia/dumpctl/internal/database"
	"github.com/kebairia/dumpctl/internal/logger"
	"github.com/kebairia/dumpctl/internal/metrics"
)

// VersionReader reports the live schema revision recorded with each backup.
type VersionReader interface {
	SchemaVersion(ctx context.Context) (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithCompression selects the payload codec ("gzip", "zstd", "none").
func WithCompression(name string) Option {
	return func(s *Service) { s.compression = name }
}

// WithMaxBackups makes Create evict the oldest backups beyond n. Zero disables.
func WithMaxBackups(n int) Option {
	return func(s *Service) { s.maxBackups = n }
}

// WithKeepDays sets the age limit Cleanup enforces.
func WithKeepDays(days int) Option {
	return func(s *Service) { s.keepDays = days }
}

// WithVersionReader sets where the schema version recorded with a backup comes from.
func WithVersionReader(v VersionReader) Option {
	return func(s *Service) { s.versions = v }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics records backup and eviction counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service runs backups into a catalog.
type Service struct {
	catalog     *catalog.Catalog
	db          database.Database
	versions    VersionReader
	compression string
	maxBackups  int
	keepDays    int
	log         logger.Logger
	metrics     *metrics.Metrics
}

// New returns a Service dumping db into cat, gzip-compressed by default.
func New(cat *catalog.Catalog, db database.Database, opts ...Option) *Service {
	s := &Service{
		catalog:     cat,
		db:          db,
		compression: compress.Gzip,
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create dumps the database into a new catalog record. A failed dump leaves
// the record FAILED with the error message and returns the error. After a
// successful dump the count-based retention runs; its errors are logged,
// never returned.
func (s *Service) Create(ctx context.Context, description string) (*catalog.Record, error) {
	version := s.schemaVersion(ctx)

	rec, err := s.catalog.Create(ctx, catalog.Descriptor{
		Description:   description,
		Compression:   s.compression,
		SchemaVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	s.log.Info("backup started",
		"id", rec.ID,
		"database", s.db.GetName(),
		"compression", s.compression,
		"schema_version", version,
	)

	size, err := s.writePayload(ctx, rec)
	if err == nil {
		err = s.catalog.Complete(ctx, rec.ID, size)
	}
	if err != nil {
		// The record must leave RUNNING even when ctx is what failed.
		if failErr := s.catalog.Fail(context.WithoutCancel(ctx), rec.ID, err.Error()); failErr != nil {
			s.log.Error("could not mark backup failed", "id", rec.ID, "error", failErr)
		}
		s.metrics.BackupFinished(string(catalog.StatusFailed), time.Now())
		s.flushMetrics()
		s.log.Error("backup failed", "id", rec.ID, "error", err)
		return nil, fmt.Errorf("backup %s: %w", rec.ID, err)
	}

	done, err := s.catalog.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	s.metrics.BackupFinished(string(catalog.StatusCompleted), done.CreatedAt)
	s.log.Info("backup completed",
		"id", done.ID,
		"filename", done.Filename,
		"size", done.Size,
		"duration", done.Duration.String(),
	)

	if s.maxBackups > 0 {
		if _, err := s.Prune(ctx); err != nil {
			s.log.Warn("retention after backup failed", "error", err)
		}
	}
	s.flushMetrics()
	return done, nil
}

// writePayload streams the dump through the record's codec into its payload
// file and returns the size on disk.
func (s *Service) writePayload(ctx context.Context, rec *catalog.Record) (int64, error) {
	f, err := s.catalog.CreatePayload(rec)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	codec := compress.ForFilename(rec.Filename)
	zw, err := codec.NewWriter(f)
	if err != nil {
		return 0, err
	}
	if err := s.db.Dump(ctx, zw); err != nil {
		zw.Close()
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish %s stream: %w", codec.Name(), err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync payload: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat payload: %w", err)
	}
	return info.Size(), nil
}

func (s *Service) schemaVersion(ctx context.Context) string {
	if s.versions == nil {
		return ""
	}
	version, err := s.versions.SchemaVersion(ctx)
	if err != nil {
		s.log.Warn("could not read schema version, recording none", "error", err)
		return ""
	}
	return version
}

// Prune keeps the newest max backups and returns the evicted ids.
func (s *Service) Prune(ctx context.Context) ([]string, error) {
	if s.maxBackups <= 0 {
		return nil, errors.New("retention.max_backups is not set")
	}
	evicted, err := s.catalog.EvictByCount(ctx, s.maxBackups)
	s.metrics.Evicted("count", len(evicted))
	return evicted, err
}

// Cleanup deletes backups older than the configured number of days and
// returns the removed payload filenames.
func (s *Service) Cleanup(ctx context.Context) ([]string, error) {
	if s.keepDays <= 0 {
		return nil, errors.New("retention.keep_days is not set")
	}
	count, filenames, err := s.catalog.EvictByAge(ctx, s.keepDays)
	s.metrics.Evicted("age", count)
	s.flushMetrics()
	s.log.Info("cleanup finished", "keep_days", s.keepDays, "deleted", count)
	return filenames, err
}

func (s *Service) flushMetrics() {
	if err := s.metrics.Flush(); err != nil {
		s.log.Warn("metrics flush failed", "error", err)
	}
}
