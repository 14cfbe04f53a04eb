// Package catalog keeps the durable list of backups: one JSON sidecar per
// backup stored beside its SQL payload. The sidecar is the record of truth;
// a payload without a sidecar is an orphan and never listed.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/kebairia/dumpctl/internal/compress"
	"github.com/kebairia/dumpctl/internal/logger"
)

var (
	ErrNotFound       = errors.New("backup not found")
	ErrInvalidState   = errors.New("invalid backup state transition")
	ErrPayloadMissing = errors.New("backup payload missing")
)

// Option configures a Catalog.
type Option func(*Catalog)

// WithFs swaps the storage filesystem, e.g. afero.NewMemMapFs in tests.
func WithFs(fs afero.Fs) Option {
	return func(c *Catalog) {
		if fs != nil {
			c.fs = fs
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *Catalog) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides time.Now for record ids, durations and age eviction.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// Catalog stores backup records in a single directory.
type Catalog struct {
	dir string
	fs  afero.Fs
	log logger.Logger
	now func() time.Time

	// mu serializes every mutation, so two creations in the same second get
	// distinct ids and a transition never races a delete.
	mu sync.Mutex
}

// New returns a Catalog rooted at dir on the OS filesystem unless WithFs is given.
func New(dir string, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		dir: dir,
		fs:  afero.NewOsFs(),
		log: logger.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory %q: %w", dir, err)
	}
	return c, nil
}

// Dir returns the storage directory.
func (c *Catalog) Dir() string { return c.dir }

// PayloadPath returns where rec's payload lives.
func (c *Catalog) PayloadPath(rec *Record) string {
	return filepath.Join(c.dir, rec.Filename)
}

// Create persists a new RUNNING record and returns it.
func (c *Catalog) Create(ctx context.Context, desc Descriptor) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	codec, err := compress.Lookup(desc.Compression)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	created := c.now()
	id, err := c.nextID(created)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:            id,
		Filename:      payloadFilename(id, codec.Extension()),
		CreatedAt:     created,
		Status:        StatusPending,
		SchemaVersion: desc.SchemaVersion,
		Compressed:    codec.Name() != compress.None,
		Description:   desc.Description,
	}
	if rec.Compressed {
		rec.Compression = codec.Name()
	}

	rec.Status = StatusRunning
	if err := c.writeRecord(rec); err != nil {
		return nil, err
	}
	c.log.Debug("backup record created", "id", rec.ID, "filename", rec.Filename)
	return rec.clone(), nil
}

// nextID derives an id from created, suffixing _2, _3, ... while taken.
// Callers hold mu.
func (c *Catalog) nextID(created time.Time) (string, error) {
	base := created.Format(IDLayout)
	id := base
	for n := 2; ; n++ {
		exists, err := afero.Exists(c.fs, c.sidecarPath(id))
		if err != nil {
			return "", fmt.Errorf("check record %s: %w", id, err)
		}
		if !exists {
			return id, nil
		}
		id = base + "_" + strconv.Itoa(n)
	}
}

// Complete moves a RUNNING record to COMPLETED. The payload must exist and
// be exactly size bytes.
func (c *Catalog) Complete(ctx context.Context, id string, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.readRecord(id)
	if err != nil {
		return err
	}
	if rec.Status != StatusRunning {
		return fmt.Errorf("%w: complete %s from %s", ErrInvalidState, id, rec.Status)
	}

	info, err := c.fs.Stat(c.PayloadPath(rec))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPayloadMissing, rec.Filename, err)
	}
	if info.Size() != size {
		return fmt.Errorf("%w: complete %s: payload is %d bytes, expected %d",
			ErrInvalidState, id, info.Size(), size)
	}

	rec.Status = StatusCompleted
	rec.Size = size
	rec.Duration = c.now().Sub(rec.CreatedAt)
	return c.writeRecord(rec)
}

// Fail moves a RUNNING record to FAILED with message.
func (c *Catalog) Fail(ctx context.Context, id, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.readRecord(id)
	if err != nil {
		return err
	}
	if rec.Status != StatusRunning {
		return fmt.Errorf("%w: fail %s from %s", ErrInvalidState, id, rec.Status)
	}

	rec.Status = StatusFailed
	rec.ErrorMessage = message
	rec.Duration = c.now().Sub(rec.CreatedAt)
	if info, err := c.fs.Stat(c.PayloadPath(rec)); err == nil {
		rec.Size = info.Size()
	}
	return c.writeRecord(rec)
}

// Get returns the record for id, with COMPLETED downgraded to FAILED in the
// returned copy when its payload no longer matches.
func (c *Catalog) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := c.readRecord(id)
	if err != nil {
		return nil, err
	}
	c.verify(rec)
	return rec, nil
}

// List returns every readable record, newest first.
func (c *Catalog) List(ctx context.Context) ([]*Record, error) {
	entries, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read storage directory %q: %w", c.dir, err)
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sidecarExt) {
			continue
		}
		rec, err := c.readRecord(strings.TrimSuffix(name, sidecarExt))
		if err != nil {
			c.log.Warn("skipping unreadable backup record", "file", name, "error", err)
			continue
		}
		c.verify(rec)
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Latest returns the newest COMPLETED record.
func (c *Catalog) Latest(ctx context.Context) (*Record, error) {
	records, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Status == StatusCompleted {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: no completed backups", ErrNotFound)
}

// Delete removes the payload and sidecar for id. Deleting an unknown id is a no-op.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.deleteLocked(id)
	return err
}

// deleteLocked returns the removed payload filename ("" when none existed).
func (c *Catalog) deleteLocked(id string) (string, error) {
	if !validID(id) {
		return "", nil
	}
	candidates := []string{
		payloadFilename(id, ""),
		payloadFilename(id, ".gz"),
		payloadFilename(id, ".zst"),
	}
	if rec, err := c.readRecord(id); err == nil {
		candidates = append([]string{rec.Filename}, candidates...)
	}

	var removed string
	for _, name := range candidates {
		err := c.fs.Remove(filepath.Join(c.dir, name))
		switch {
		case err == nil:
			if removed == "" {
				removed = name
			}
		case !os.IsNotExist(err):
			return "", fmt.Errorf("remove payload %s: %w", name, err)
		}
	}

	if err := c.fs.Remove(c.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove record %s: %w", id, err)
	}
	c.log.Debug("backup deleted", "id", id, "filename", removed)
	return removed, nil
}

// DeleteMany deletes each id and reports the outcome per id. Unlike Delete,
// an id with no record is reported as failed.
func (c *Catalog) DeleteMany(ctx context.Context, ids []string) DeleteResult {
	var result DeleteResult

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, DeleteFailure{ID: id, Reason: err.Error()})
			continue
		}
		if !validID(id) {
			result.Failed = append(result.Failed, DeleteFailure{ID: id, Reason: "not found"})
			continue
		}
		exists, err := afero.Exists(c.fs, c.sidecarPath(id))
		if err != nil {
			result.Failed = append(result.Failed, DeleteFailure{ID: id, Reason: err.Error()})
			continue
		}
		if !exists {
			result.Failed = append(result.Failed, DeleteFailure{ID: id, Reason: "not found"})
			continue
		}
		if _, err := c.deleteLocked(id); err != nil {
			result.Failed = append(result.Failed, DeleteFailure{ID: id, Reason: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result
}

// EvictByCount keeps the newest keep records and deletes the rest.
// It returns the evicted ids.
func (c *Catalog) EvictByCount(ctx context.Context, keep int) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("evict by count: keep %d is negative", keep)
	}
	records, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) <= keep {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		evicted []string
		errs    *multierror.Error
	)
	for _, rec := range records[keep:] {
		if _, err := c.deleteLocked(rec.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		evicted = append(evicted, rec.ID)
	}
	if len(evicted) > 0 {
		c.log.Info("evicted backups by count", "keep", keep, "evicted", len(evicted))
	}
	return evicted, errs.ErrorOrNil()
}

// EvictByAge deletes records older than maxAgeDays and returns how many were
// removed along with their payload filenames.
func (c *Catalog) EvictByAge(ctx context.Context, maxAgeDays int) (int, []string, error) {
	if maxAgeDays < 0 {
		return 0, nil, fmt.Errorf("evict by age: %d days is negative", maxAgeDays)
	}
	records, err := c.List(ctx)
	if err != nil {
		return 0, nil, err
	}
	cutoff := c.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		filenames []string
		errs      *multierror.Error
	)
	for _, rec := range records {
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := c.deleteLocked(rec.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		filenames = append(filenames, rec.Filename)
	}
	if len(filenames) > 0 {
		c.log.Info("evicted backups by age", "keep_days", maxAgeDays, "evicted", len(filenames))
	}
	return len(filenames), filenames, errs.ErrorOrNil()
}

// OpenPayload opens rec's payload for reading.
func (c *Catalog) OpenPayload(rec *Record) (afero.File, error) {
	f, err := c.fs.Open(c.PayloadPath(rec))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPayloadMissing, rec.Filename)
		}
		return nil, fmt.Errorf("open payload %s: %w", rec.Filename, err)
	}
	return f, nil
}

// CreatePayload creates (or truncates) rec's payload for writing.
func (c *Catalog) CreatePayload(rec *Record) (afero.File, error) {
	f, err := c.fs.OpenFile(c.PayloadPath(rec), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create payload %s: %w", rec.Filename, err)
	}
	return f, nil
}

// verify downgrades a COMPLETED record whose payload is gone or has the
// wrong size. It only changes the copy it is given.
func (c *Catalog) verify(rec *Record) {
	if rec.Status != StatusCompleted {
		return
	}
	info, err := c.fs.Stat(c.PayloadPath(rec))
	switch {
	case err != nil:
		rec.Status = StatusFailed
		rec.ErrorMessage = "payload missing"
	case info.Size() != rec.Size:
		rec.Status = StatusFailed
		rec.ErrorMessage = "payload size mismatch"
	}
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func (c *Catalog) sidecarPath(id string) string {
	return filepath.Join(c.dir, sidecarFilename(id))
}

func (c *Catalog) readRecord(id string) (*Record, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	data, err := afero.ReadFile(c.fs, c.sidecarPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

// writeRecord replaces the sidecar atomically: temp file, sync, rename.
func (c *Catalog) writeRecord(rec *Record) error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(rec); err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	tmp, err := afero.TempFile(c.fs, c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		_ = c.fs.Remove(tmpName)
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync record %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record %s: %w", rec.ID, err)
	}
	if err := c.fs.Rename(tmpName, c.sidecarPath(rec.ID)); err != nil {
		return fmt.Errorf("rename record %s: %w", rec.ID, err)
	}
	return nil
}
