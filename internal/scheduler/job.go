// Package scheduler runs periodic backup and cleanup jobs under a suture
// supervisor.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kebairia/dumpctl/internal/logger"
)

// RunFunc is one execution of a job.
type RunFunc func(ctx context.Context) error

// Status is a snapshot of a job's schedule and last result.
type Status struct {
	Name      string
	Interval  time.Duration
	Paused    bool
	Runs      int
	Failures  int
	LastRun   time.Time
	NextRun   time.Time
	LastError string
}

type JobOption func(*Job)

// WithLock makes the job hold mu while it runs. Jobs sharing a lock never
// overlap.
func WithLock(mu *sync.Mutex) JobOption {
	return func(j *Job) { j.lock = mu }
}

func WithJobLogger(log logger.Logger) JobOption {
	return func(j *Job) {
		if log != nil {
			j.log = log
		}
	}
}

// WithRunTimeout bounds a single run. Zero means no limit.
func WithRunTimeout(d time.Duration) JobOption {
	return func(j *Job) { j.timeout = d }
}

// Job is a suture.Service that calls run every interval. Run errors are
// recorded in Status and logged; they do not stop the service.
type Job struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	run      RunFunc
	lock     *sync.Mutex
	log      logger.Logger
	trigger  chan struct{}

	mu     sync.Mutex
	status Status
}

func NewJob(name string, interval time.Duration, run RunFunc, opts ...JobOption) *Job {
	j := &Job{
		name:     name,
		interval: interval,
		run:      run,
		lock:     &sync.Mutex{},
		log:      logger.Nop(),
		trigger:  make(chan struct{}, 1),
		status:   Status{Name: name, Interval: interval},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// String names the job in supervisor events.
func (j *Job) String() string { return j.name }

// Serve implements suture.Service.
func (j *Job) Serve(ctx context.Context) error {
	if j.interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", j.name, j.interval)
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	j.setNext(time.Now().Add(j.interval))
	j.log.Info("job scheduled", "job", j.name, "interval", j.interval.String())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if j.Status().Paused {
				j.setNext(time.Now().Add(j.interval))
				continue
			}
		case <-j.trigger:
		}
		j.execute(ctx)
		j.setNext(time.Now().Add(j.interval))
	}
}

// Trigger asks a serving job to run now. It never blocks; a pending trigger
// absorbs further calls.
func (j *Job) Trigger() {
	select {
	case j.trigger <- struct{}{}:
	default:
	}
}

// Pause stops scheduled runs until Resume. Triggered runs still execute.
func (j *Job) Pause() {
	j.mu.Lock()
	j.status.Paused = true
	j.mu.Unlock()
	j.log.Info("job paused", "job", j.name)
}

func (j *Job) Resume() {
	j.mu.Lock()
	j.status.Paused = false
	j.mu.Unlock()
	j.log.Info("job resumed", "job", j.name)
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) execute(ctx context.Context) {
	j.lock.Lock()
	defer j.lock.Unlock()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if j.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
	}
	defer cancel()

	start := time.Now()
	j.log.Debug("job started", "job", j.name)
	err := j.run(runCtx)

	j.mu.Lock()
	j.status.Runs++
	j.status.LastRun = start
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
	} else {
		j.status.LastError = ""
	}
	j.mu.Unlock()

	if err != nil {
		j.log.Error("job failed", "job", j.name, "error", err, "duration", time.Since(start).String())
		return
	}
	j.log.Info("job completed", "job", j.name, "duration", time.Since(start).String())
}

func (j *Job) setNext(t time.Time) {
	j.mu.Lock()
	j.status.NextRun = t
	j.mu.Unlock()
}
