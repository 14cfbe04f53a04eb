package service

import (
	"context"
	"sync"

	"github.com/kebairia/dumpctl/internal/scheduler"
)

// Job names used by the daemon.
const (
	BackupJob  = "backup"
	CleanupJob = "cleanup"
)

// Holder is the single swappable reference to the active Container.
type Holder struct {
	mu sync.RWMutex
	c  *Container
}

func NewHolder(c *Container) *Holder {
	return &Holder{c: c}
}

func (h *Holder) Get() *Container {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.c
}

// Swap installs next and returns the previous container, which the caller
// closes once nothing uses it.
func (h *Holder) Swap(next *Container) *Container {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.c
	h.c = next
	return prev
}

// Jobs builds the periodic jobs for the current configuration. Each run
// resolves the container through h, so a swap takes effect on the next run.
// Every job holds lock while it runs.
func (h *Holder) Jobs(lock *sync.Mutex) []*scheduler.Job {
	c := h.Get()
	cfg := c.Config

	jobs := []*scheduler.Job{
		scheduler.NewJob(BackupJob, cfg.Backup.Interval, func(ctx context.Context) error {
			_, err := h.Get().Backups().Create(ctx, "scheduled backup")
			return err
		},
			scheduler.WithLock(lock),
			scheduler.WithRunTimeout(cfg.Backup.Timeout),
			scheduler.WithJobLogger(c.Log),
		),
	}
	if cfg.Retention.CleanupEnabled {
		jobs = append(jobs, scheduler.NewJob(CleanupJob, cfg.Retention.CleanupInterval, func(ctx context.Context) error {
			_, err := h.Get().Backups().Cleanup(ctx)
			return err
		},
			scheduler.WithLock(lock),
			scheduler.WithJobLogger(c.Log),
		))
	}
	return jobs
}
