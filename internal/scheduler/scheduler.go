// Package scheduler runs named maintenance jobs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one maintenance pass. Its context is cancelled when the job is
// stopped.
type Job func(ctx context.Context) error

type Scheduler struct {
	name     string
	interval time.Duration
	job      Job
	log      *slog.Logger

	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, interval time.Duration, job Job, logger *slog.Logger) (*Scheduler, error) {
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%s: interval must be > 0", name)
	}
	if job == nil {
		return nil, fmt.Errorf("%s: job must not be nil", name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		log:      logger.With("job", name),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Name() string { return s.name }

// Start runs the job once immediately and then on every interval.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, s.done)
	return true
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("job scheduled", "interval", s.interval.String())
	s.safeRun(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("job stopped", "runs", s.runs.Load(), "failures", s.failures.Load())
	return true
}

// Run starts the job and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.Start() {
		return fmt.Errorf("%s: already running", s.name)
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Runs counts completed passes, failed ones included.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

func (s *Scheduler) Failures() int64 {
	return s.failures.Load()
}

func (s *Scheduler) safeRun(ctx context.Context) {
	start := time.Now()
	defer func() {
		s.runs.Add(1)
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.log.Error("job panic recovered", "panic", r)
		}
	}()

	if err := s.job(ctx); err != nil {
		s.failures.Add(1)
		s.log.Warn("job failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.log.Debug("job completed", "duration_ms", time.Since(start).Milliseconds())
}
