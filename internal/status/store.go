// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package status holds the last-known state of one analysis and refreshes
// it from the analysis service.
package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/pkg/types"
)

// Fetcher is the subset of the API client the store reads from.
type Fetcher interface {
	GetAnalysis(ctx context.Context, id int64) (*types.Analysis, error)
	GetMissingPapers(ctx context.Context, id int64) ([]types.MissingPaper, error)
	GetQuotes(ctx context.Context, id int64) (*types.QuotesResponse, error)
}

// Snapshot is an immutable view of one analysis at a point in time.
type Snapshot struct {
	Analysis *types.Analysis

	// MissingPapers is non-nil once the missing-papers list has been
	// loaded for the current awaiting_uploads status.
	MissingPapers []types.MissingPaper

	// Quotes is non-nil once the results of a completed analysis are loaded.
	Quotes *types.QuotesResponse

	// Err is the most recent failure. The rest of the snapshot is the last
	// good state and stays visible while Err is set.
	Err error

	FetchedAt  time.Time
	Generation uint64
}

// Status returns the analysis status, or "" before the first successful fetch.
func (s Snapshot) Status() types.Status {
	if s.Analysis == nil {
		return ""
	}
	return s.Analysis.Status
}

// Store owns the snapshot of one analysis. The snapshot is only ever
// replaced as a whole, by Refresh.
type Store struct {
	id      int64
	fetcher Fetcher
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	snap   Snapshot
	gen    uint64
	closed bool
	subs   []func(Snapshot)
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the time source used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store for analysis id.
func New(id int64, f Fetcher, opts ...Option) *Store {
	s := &Store{
		id:      id,
		fetcher: f,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the analysis id the store tracks.
func (s *Store) ID() int64 { return s.id }

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Status returns the current status. The poll scheduler reads it after
// every refresh to decide whether to continue.
func (s *Store) Status() types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Status()
}

// OnUpdate registers fn to be called with every newly applied snapshot.
// Callbacks run on the goroutine that applied the change, outside the lock.
func (s *Store) OnUpdate(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Close detaches the store: results of requests still in flight are
// discarded and subscribers are no longer called.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = nil
}

// Refresh fetches the analysis and replaces the snapshot. When the new status
// is awaiting_uploads it also loads the missing papers; when completed, the
// quotes. A failure of either follow-up is recorded and returned but leaves
// the new status in place. Refresh never retries.
func (s *Store) Refresh(ctx context.Context) error {
	a, err := s.fetcher.GetAnalysis(ctx, s.id)
	if err != nil {
		s.fail(0, err)
		return err
	}

	gen, ok := s.apply(a)
	if !ok {
		return nil
	}

	switch a.Status {
	case types.StatusAwaitingUploads:
		papers, err := s.fetcher.GetMissingPapers(ctx, s.id)
		if err != nil {
			s.fail(gen, err)
			return err
		}
		if papers == nil {
			papers = []types.MissingPaper{}
		}
		s.update(gen, func(snap *Snapshot) { snap.MissingPapers = papers })

	case types.StatusCompleted:
		quotes, err := s.fetcher.GetQuotes(ctx, s.id)
		if err != nil {
			s.fail(gen, err)
			return err
		}
		s.update(gen, func(snap *Snapshot) { snap.Quotes = quotes })
	}
	return nil
}

// apply installs a freshly fetched analysis as a new snapshot generation.
// Follow-up data is carried over only while the status is unchanged. A
// terminal snapshot is never replaced by a different status.
func (s *Store) apply(a *types.Analysis) (uint64, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, false
	}

	prev := s.snap
	if prev.Status().Terminal() && a.Status != prev.Status() {
		s.mu.Unlock()
		s.logger.Warn("ignoring status change after terminal state",
			zap.Int64("analysis_id", s.id),
			zap.String("status", string(prev.Status())),
			zap.String("reported", string(a.Status)))
		return 0, false
	}

	s.gen++
	next := Snapshot{
		Analysis:   a,
		FetchedAt:  s.now(),
		Generation: s.gen,
	}
	if prev.Status() == a.Status {
		next.MissingPapers = prev.MissingPapers
		next.Quotes = prev.Quotes
	} else if prev.Analysis != nil {
		s.logger.Info("analysis status changed",
			zap.Int64("analysis_id", s.id),
			zap.String("from", string(prev.Status())),
			zap.String("to", string(a.Status)))
	}
	s.snap = next
	subs := append([]func(Snapshot){}, s.subs...)
	s.mu.Unlock()

	notify(subs, next)
	return next.Generation, true
}

// update applies follow-up data if no newer snapshot has been applied since gen.
func (s *Store) update(gen uint64, fn func(*Snapshot)) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("discarding stale follow-up", zap.Int64("analysis_id", s.id), zap.Uint64("generation", gen))
		return
	}
	next := s.snap
	fn(&next)
	s.snap = next
	subs := append([]func(Snapshot){}, s.subs...)
	s.mu.Unlock()

	notify(subs, next)
}

// fail records err as the current error. gen 0 means the status fetch
// itself failed; otherwise the error belongs to that generation's follow-up.
func (s *Store) fail(gen uint64, err error) {
	s.mu.Lock()
	if s.closed || (gen != 0 && s.gen != gen) {
		s.mu.Unlock()
		return
	}
	next := s.snap
	next.Err = err
	s.snap = next
	subs := append([]func(Snapshot){}, s.subs...)
	s.mu.Unlock()

	s.logger.Debug("refresh failed", zap.Int64("analysis_id", s.id), zap.Error(err))
	notify(subs, next)
}

func notify(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}
