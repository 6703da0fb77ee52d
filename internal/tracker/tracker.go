// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package tracker follows one analysis through its lifecycle. It owns the
// status store, the polling scheduler, the missing-paper reconciler and the
// upload coordinator for that analysis, and tears them all down together.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/internal/poll"
	"github.com/pdiddy/citecheck/internal/reconcile"
	"github.com/pdiddy/citecheck/internal/status"
	"github.com/pdiddy/citecheck/internal/upload"
	"github.com/pdiddy/citecheck/pkg/types"
)

var (
	// ErrResumeNotAllowed is returned by Resume when the reconciler does
	// not permit resuming yet.
	ErrResumeNotAllowed = errors.New("not enough missing papers uploaded to continue")

	// ErrNotAwaitingUploads is returned by Upload outside an awaiting_uploads
	// episode.
	ErrNotAwaitingUploads = errors.New("analysis is not awaiting uploads")

	// ErrUnknownReference is returned by Upload for a key the server did not
	// list as missing.
	ErrUnknownReference = errors.New("reference is not among the missing papers")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tracker closed")
)

// API is the part of the analysis service a tracker uses.
// *apiclient.Client satisfies it.
type API interface {
	status.Fetcher
	upload.Uploader
	ContinueAnalysis(ctx context.Context, id int64) error
}

// Config holds the per-analysis settings.
type Config struct {
	Poll   types.PollConfig
	Resume types.ResumePolicy
	Upload types.UploadConfig
}

// Tracker follows one analysis.
type Tracker struct {
	id     int64
	api    API
	logger *zap.Logger

	store   *status.Store
	sched   *poll.Scheduler
	rec     *reconcile.Reconciler
	uploads *upload.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	changed chan struct{}

	mu     sync.Mutex
	closed bool
}

type options struct {
	logger      *zap.Logger
	clock       poll.Clock
	validator   func(string) error
	onSnapshot  []func(status.Snapshot)
	onUpload    []upload.Observer
	onPollError []func(error)
}

// Option customises a Tracker.
type Option func(*options)

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the polling timer source.
func WithClock(c poll.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithValidator replaces the PDF structure check done before uploads.
func WithValidator(fn func(string) error) Option {
	return func(o *options) { o.validator = fn }
}

// OnSnapshot registers fn for every snapshot the store applies.
func OnSnapshot(fn func(status.Snapshot)) Option {
	return func(o *options) { o.onSnapshot = append(o.onSnapshot, fn) }
}

// OnUploadState registers fn for every upload state change.
func OnUploadState(fn upload.Observer) Option {
	return func(o *options) { o.onUpload = append(o.onUpload, fn) }
}

// OnPollError registers fn for every failed scheduled refresh.
func OnPollError(fn func(error)) Option {
	return func(o *options) { o.onPollError = append(o.onPollError, fn) }
}

// New wires the components for analysis id. Nothing is fetched until Start.
// ctx bounds every background request the tracker makes.
func New(ctx context.Context, id int64, api API, cfg Config, opts ...Option) *Tracker {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.Int64("analysis_id", id))

	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		id:      id,
		api:     api,
		logger:  logger,
		rec:     reconcile.New(cfg.Resume),
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}, 1),
	}

	t.store = status.New(id, api, status.WithLogger(logger))
	t.store.OnUpdate(t.apply)
	for _, fn := range o.onSnapshot {
		t.store.OnUpdate(fn)
	}

	t.sched = poll.New(t.store, poll.Config{
		Interval: cfg.Poll.Interval,
		Clock:    o.clock,
		Logger:   logger,
		OnError: func(err error) {
			logger.Warn("scheduled refresh failed", zap.Error(err))
			for _, fn := range o.onPollError {
				fn(err)
			}
		},
	})

	uploadOpts := []upload.Option{
		upload.WithLogger(logger),
		upload.WithObserver(func(key string, st upload.State, err error) {
			for _, fn := range o.onUpload {
				fn(key, st, err)
			}
			t.signal()
		}),
	}
	if o.validator != nil {
		uploadOpts = append(uploadOpts, upload.WithValidator(o.validator))
	}
	t.uploads = upload.New(id, api, t.rec, t.store, cfg.Upload, uploadOpts...)
	return t
}

// ID returns the analysis id.
func (t *Tracker) ID() int64 { return t.id }

// Snapshot returns the latest known state.
func (t *Tracker) Snapshot() status.Snapshot { return t.store.Snapshot() }

// Reconciler exposes the missing-paper bookkeeping of the current episode.
func (t *Tracker) Reconciler() *reconcile.Reconciler { return t.rec }

// UploadState reports the upload state of one reference key.
func (t *Tracker) UploadState(key string) (upload.State, error) { return t.uploads.State(key) }

// Polling reports whether automatic refresh is running.
func (t *Tracker) Polling() bool { return t.sched.Running() }

// Changed delivers a signal after any snapshot or upload state change.
// Signals coalesce; read Snapshot for the current state.
func (t *Tracker) Changed() <-chan struct{} { return t.changed }

// Start loads the analysis and begins polling if the server is still
// working on it. An analysis that does not exist, or whose status this
// client does not understand, is returned as an error and not polled.
// Other fetch errors are kept in the snapshot and polling starts anyway.
func (t *Tracker) Start(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.store.Refresh(ctx); err != nil {
		if poll.Unrecoverable(err) {
			return err
		}
		t.logger.Warn("initial refresh failed", zap.Error(err))
	}
	t.ensurePolling()
	return nil
}

// Refresh reloads the analysis now and resumes polling if needed.
func (t *Tracker) Refresh(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	err := t.store.Refresh(ctx)
	t.ensurePolling()
	return err
}

// Upload sends path as the paper for reference key.
func (t *Tracker) Upload(ctx context.Context, key, path string) (*types.UploadResult, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	if !t.rec.Active() {
		return nil, ErrNotAwaitingUploads
	}
	if !t.rec.Known(key) {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownReference)
	}
	res, err := t.uploads.Upload(ctx, key, path)
	t.ensurePolling()
	return res, err
}

// Resume asks the server to continue the analysis once the reconciler
// allows it, then refreshes and restarts polling.
func (t *Tracker) Resume(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	if !t.rec.CanResume() {
		return ErrResumeNotAllowed
	}
	if err := t.api.ContinueAnalysis(ctx, t.id); err != nil {
		return err
	}
	t.logger.Info("analysis resumed", zap.Int("uploaded", t.rec.UploadedCount()))

	if err := t.store.Refresh(ctx); err != nil {
		t.logger.Warn("refresh after resume failed", zap.Error(err))
	}
	t.ensurePolling()
	return nil
}

// Wait blocks until the analysis reaches a status that stops polling and
// the data that goes with it (missing papers or quotes) has been loaded or
// has failed to load. It also returns when polling ends on an unrecoverable
// error, or ctx is done.
func (t *Tracker) Wait(ctx context.Context) (status.Snapshot, error) {
	for {
		snap := t.store.Snapshot()
		if settled(snap) {
			return snap, nil
		}
		done := t.sched.Done()
		if done == nil {
			if err := t.sched.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return snap, err
			}
		}
		select {
		case <-ctx.Done():
			return t.store.Snapshot(), ctx.Err()
		case <-t.ctx.Done():
			return t.store.Snapshot(), ErrClosed
		case <-t.changed:
		case <-done:
		}
	}
}

// Close stops polling and discards the results of requests still in flight.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.sched.Stop()
	t.store.Close()
}

func (t *Tracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ensurePolling starts the scheduler unless the latest status stops it.
func (t *Tracker) ensurePolling() {
	if t.isClosed() || t.store.Status().StopsPolling() {
		return
	}
	if t.sched.Start(t.ctx) {
		t.logger.Debug("polling started")
	}
}

// apply keeps the reconciler in step with the snapshot: an awaiting_uploads
// snapshot with a loaded list feeds the episode, any other status ends it.
func (t *Tracker) apply(snap status.Snapshot) {
	st := snap.Status()
	switch {
	case st == types.StatusAwaitingUploads:
		if snap.MissingPapers != nil {
			t.rec.Merge(snap.MissingPapers)
		}
	case st != "" && t.rec.Active():
		t.rec.End()
	}
	t.signal()
}

func settled(snap status.Snapshot) bool {
	switch snap.Status() {
	case types.StatusAwaitingUploads:
		return snap.MissingPapers != nil || snap.Err != nil
	case types.StatusCompleted:
		return snap.Quotes != nil || snap.Err != nil
	case types.StatusFailed:
		return true
	}
	return false
}

func (t *Tracker) signal() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}
