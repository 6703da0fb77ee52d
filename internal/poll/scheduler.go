// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package poll refreshes an analysis on a fixed interval while the server is
// working on it, and stops once the job is finished or waits for the user.
package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/internal/apiclient"
	"github.com/pdiddy/citecheck/pkg/types"
)

// DefaultInterval is the delay between refreshes.
const DefaultInterval = 3 * time.Second

// Target is what the scheduler drives: a status it can read at any time
// and a refresh it can trigger. *status.Store satisfies it.
type Target interface {
	Status() types.Status
	Refresh(ctx context.Context) error
}

// Timer is a cancellable single-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock creates timers. Tests substitute a manual clock.
type Clock interface {
	NewTimer(d time.Duration) Timer
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }
func (t realTimer) C() <-chan time.Time          { return t.t.C }
func (t realTimer) Stop() bool                   { return t.t.Stop() }

// Config controls a Scheduler.
type Config struct {
	// Interval between refreshes (default 3s).
	Interval time.Duration

	// Clock is the timer source (default: wall clock).
	Clock Clock

	// OnError receives every failed refresh.
	OnError func(error)

	// StopOnError reports whether a refresh error is unrecoverable and
	// polling should end. Default: the analysis does not exist or reports
	// a status this client does not understand.
	StopOnError func(error) bool

	Logger *zap.Logger
}

// Scheduler runs at most one polling loop at a time.
type Scheduler struct {
	target Target
	cfg    Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
	recheck bool
}

// New creates a stopped scheduler for target.
func New(target Target, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	if cfg.StopOnError == nil {
		cfg.StopOnError = Unrecoverable
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{target: target, cfg: cfg}
}

// Unrecoverable is the default StopOnError predicate.
func Unrecoverable(err error) bool {
	return apiclient.IsNotFound(err) || apiclient.IsUnknownStatus(err)
}

// Run polls until the target's status stops polling, an unrecoverable
// error occurs, or ctx is cancelled. The status is read from the target
// before every wait, so the decision always uses the latest snapshot.
// Run does not refresh before the first interval has elapsed.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if st := s.target.Status(); st.StopsPolling() {
			s.cfg.Logger.Debug("polling stopped", zap.String("status", string(st)))
			return nil
		}

		timer := s.cfg.Clock.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}

		if err := s.target.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.cfg.OnError(err)
			if s.cfg.StopOnError(err) {
				s.cfg.Logger.Info("polling stopped on unrecoverable error", zap.Error(err))
				return err
			}
		}
	}
}

// Start launches Run in the background and reports whether it did. When a
// loop is already running Start returns false, and that loop re-reads the
// status once more before it exits, so a refresh applied just before the
// call is never missed.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		s.recheck = true
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.lastErr = nil
	s.recheck = false

	go func() {
		defer close(done)
		defer cancel()
		for {
			err := s.Run(ctx)

			s.mu.Lock()
			if err == nil && s.recheck {
				s.recheck = false
				s.mu.Unlock()
				continue
			}
			s.lastErr = err
			s.cancel = nil
			s.done = nil
			s.mu.Unlock()
			return
		}
	}()
	return true
}

// Stop cancels the running loop, if any, and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Done returns a channel closed when the current loop exits, or nil when
// no loop is running.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns how the last loop ended: nil when the status stopped
// polling, the context error when stopped, or the unrecoverable error.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
