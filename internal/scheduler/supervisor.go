package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/kebairia/dumpctl/internal/logger"
)

// SupervisorConfig tunes restart behaviour. Zero values take suture's defaults.
type SupervisorConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Supervisor owns the running jobs.
type Supervisor struct {
	root *suture.Supervisor
	log  logger.Logger

	mu     sync.Mutex
	jobs   []*Job
	tokens []suture.ServiceToken
}

func NewSupervisor(log logger.Logger, cfg SupervisorConfig) *Supervisor {
	if log == nil {
		log = logger.Nop()
	}
	def := DefaultSupervisorConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	root := suture.New("dumpctl", suture.Spec{
		EventHook:        eventHook(log),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	return &Supervisor{root: root, log: log}
}

func eventHook(log logger.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch e.Type() {
		case suture.EventTypeResume:
			log.Info("supervisor resumed", "event", e.String())
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			log.Error("supervisor event", "event", e.String())
		default:
			log.Warn("supervisor event", "event", e.String())
		}
	}
}

// Schedule replaces the supervised jobs with jobs. Old jobs are stopped
// before the new ones start, so a running backup finishes first.
func (s *Supervisor) Schedule(jobs ...*Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, token := range s.tokens {
		if err := s.root.RemoveAndWait(token, 0); err != nil {
			s.log.Warn("could not stop job", "job", s.jobs[i].String(), "error", err)
		}
	}
	s.jobs = append([]*Job(nil), jobs...)
	s.tokens = s.tokens[:0]
	for _, job := range jobs {
		s.tokens = append(s.tokens, s.root.Add(job))
	}
}

// Jobs returns the currently scheduled jobs.
func (s *Supervisor) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Job(nil), s.jobs...)
}

// Job returns the scheduled job called name, or nil.
func (s *Supervisor) Job(name string) *Job {
	for _, job := range s.Jobs() {
		if job.String() == name {
			return job
		}
	}
	return nil
}

// Serve blocks until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context) error {
	return s.root.Serve(ctx)
}

func (s *Supervisor) ServeBackground(ctx context.Context) <-chan error {
	return s.root.ServeBackground(ctx)
}
