package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJob_RunsOnIntervalAndRecordsErrors(t *testing.T) {
	var calls atomic.Int32
	job := NewJob("backup", 10*time.Millisecond, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("pg_dump: connection refused")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Serve(ctx) }()

	waitFor(t, "two runs", func() bool { return job.Status().Runs >= 2 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v", err)
	}

	st := job.Status()
	if st.Failures != 1 {
		t.Errorf("failures = %d, want 1", st.Failures)
	}
	if st.LastError != "" {
		t.Errorf("last error should clear after a successful run, got %q", st.LastError)
	}
	if st.LastRun.IsZero() || st.NextRun.IsZero() {
		t.Errorf("status times not set: %+v", st)
	}
}

func TestJob_TriggerAndPause(t *testing.T) {
	var calls atomic.Int32
	job := NewJob("cleanup", time.Hour, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	job.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go job.Serve(ctx)

	job.Trigger()
	waitFor(t, "triggered run", func() bool { return calls.Load() == 1 })
	if !job.Status().Paused {
		t.Error("job should stay paused after a triggered run")
	}
	job.Resume()
	if job.Status().Paused {
		t.Error("job still paused after Resume")
	}
}

func TestJob_SharedLockSerializesRuns(t *testing.T) {
	var (
		lock    sync.Mutex
		active  atomic.Int32
		overlap atomic.Bool
		runs    atomic.Int32
	)
	run := func(context.Context) error {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		runs.Add(1)
		return nil
	}
	a := NewJob("backup", 2*time.Millisecond, run, WithLock(&lock))
	b := NewJob("cleanup", 2*time.Millisecond, run, WithLock(&lock))

	sup := NewSupervisor(nil, SupervisorConfig{ShutdownTimeout: time.Second})
	sup.Schedule(a, b)
	ctx, cancel := context.WithCancel(context.Background())
	errc := sup.ServeBackground(ctx)

	waitFor(t, "several runs", func() bool { return runs.Load() >= 6 })
	cancel()
	<-errc

	if overlap.Load() {
		t.Error("jobs sharing a lock ran concurrently")
	}
	if sup.Job("cleanup") != b || sup.Job("missing") != nil {
		t.Error("Job lookup by name failed")
	}
}

func TestJob_InvalidIntervalFails(t *testing.T) {
	job := NewJob("backup", 0, func(context.Context) error { return nil })
	if err := job.Serve(context.Background()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
