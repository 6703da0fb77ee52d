// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package upload sends reference papers the server could not fetch on its
// own. It allows one upload per reference key at a time and reports each
// key's state.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/internal/apiclient"
	"github.com/pdiddy/citecheck/pkg/types"
)

// DefaultMaxSizeMB matches the server's upload limit.
const DefaultMaxSizeMB = 50

var (
	// ErrUploadInFlight is returned when an upload for the same reference
	// key has not finished yet.
	ErrUploadInFlight = errors.New("an upload for this reference is already in progress")

	// ErrNotPDF is returned for files without a .pdf extension or that do
	// not parse as PDF.
	ErrNotPDF = errors.New("only PDF files are accepted")

	// ErrFileTooLarge is returned for files over the size limit.
	ErrFileTooLarge = errors.New("file is too large")
)

// State is the upload state of one reference key.
type State int

const (
	StateIdle State = iota
	StateUploading
	StateUploaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateUploaded:
		return "uploaded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Uploader sends one reference paper. *apiclient.Client satisfies it.
type Uploader interface {
	UploadReferencePaper(ctx context.Context, id int64, key, filename string, r io.Reader) (*types.UploadResult, error)
}

// Marker records a successful upload. *reconcile.Reconciler satisfies it.
// MarkUploaded returns false for a key it does not count; IsUploaded tells a
// repeat upload of a counted key apart from that.
type Marker interface {
	MarkUploaded(key string) bool
	IsUploaded(key string) bool
}

// Refresher reloads the analysis. *status.Store satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Observer is told about every state change.
type Observer func(key string, state State, err error)

// Coordinator uploads reference papers for one analysis.
type Coordinator struct {
	id       int64
	api      Uploader
	marker   Marker
	store    Refresher
	maxBytes int64
	validate func(path string) error
	observe  Observer
	logger   *zap.Logger

	mu     sync.Mutex
	states map[string]State
	errs   map[string]error
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithObserver registers fn for state changes.
func WithObserver(fn Observer) Option {
	return func(c *Coordinator) { c.observe = fn }
}

// WithValidator replaces the PDF structure check.
func WithValidator(fn func(path string) error) Option {
	return func(c *Coordinator) { c.validate = fn }
}

// New creates a coordinator for analysis id.
func New(id int64, up Uploader, marker Marker, store Refresher, cfg types.UploadConfig, opts ...Option) *Coordinator {
	mb := cfg.MaxSizeMB
	if mb <= 0 {
		mb = DefaultMaxSizeMB
	}
	c := &Coordinator{
		id:       id,
		api:      up,
		marker:   marker,
		store:    store,
		maxBytes: int64(mb) << 20,
		validate: func(path string) error {
			_, err := ValidatePDF(path)
			return err
		},
		observe: func(string, State, error) {},
		logger:  zap.NewNop(),
		states:  make(map[string]State),
		errs:    make(map[string]error),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the upload state of key and, when failed, the error.
func (c *Coordinator) State(key string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[key], c.errs[key]
}

// Upload checks the file at path and sends it as the paper for key. A second
// call for a key whose upload is still running fails with ErrUploadInFlight.
// On success the key is marked uploaded and the analysis refreshed; a failed
// refresh is left to the store's error state. A key the marker does not
// count, such as one outside the current episode, goes back to idle even
// though the server accepted the file. On failure the key stays unmarked
// and may be retried.
func (c *Coordinator) Upload(ctx context.Context, key, path string) (*types.UploadResult, error) {
	if !c.begin(key) {
		return nil, &apiclient.UploadError{ReferenceKey: key, Err: ErrUploadInFlight, Local: true}
	}

	res, err := c.send(ctx, key, path)
	if err != nil {
		c.finish(key, StateFailed, err)
		c.logger.Info("upload failed", zap.Int64("analysis_id", c.id), zap.String("reference_key", key), zap.Error(err))
		return nil, err
	}

	if c.marker.MarkUploaded(key) || c.marker.IsUploaded(key) {
		c.finish(key, StateUploaded, nil)
		c.logger.Info("reference uploaded", zap.Int64("analysis_id", c.id), zap.String("reference_key", key))
	} else {
		c.finish(key, StateIdle, nil)
		c.logger.Warn("uploaded reference is not a missing paper", zap.Int64("analysis_id", c.id), zap.String("reference_key", key))
	}

	if err := c.store.Refresh(ctx); err != nil {
		c.logger.Debug("refresh after upload failed", zap.Int64("analysis_id", c.id), zap.Error(err))
	}
	return res, nil
}

func (c *Coordinator) send(ctx context.Context, key, path string) (*types.UploadResult, error) {
	if err := CheckFile(path, c.maxBytes); err != nil {
		return nil, &apiclient.UploadError{ReferenceKey: key, Err: err, Local: true}
	}
	if err := c.validate(path); err != nil {
		return nil, &apiclient.UploadError{ReferenceKey: key, Err: err, Local: true}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &apiclient.UploadError{ReferenceKey: key, Err: err, Local: true}
	}
	defer f.Close()

	return c.api.UploadReferencePaper(ctx, c.id, key, filepath.Base(path), f)
}

func (c *Coordinator) begin(key string) bool {
	c.mu.Lock()
	if c.states[key] == StateUploading {
		c.mu.Unlock()
		return false
	}
	c.states[key] = StateUploading
	delete(c.errs, key)
	c.mu.Unlock()

	c.observe(key, StateUploading, nil)
	return true
}

func (c *Coordinator) finish(key string, st State, err error) {
	c.mu.Lock()
	c.states[key] = st
	if err != nil {
		c.errs[key] = err
	} else {
		delete(c.errs, key)
	}
	c.mu.Unlock()

	c.observe(key, st, err)
}

// CheckFile applies the local checks: a .pdf extension and at most maxBytes.
func CheckFile(path string, maxBytes int64) error {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return fmt.Errorf("%s: %w", filepath.Base(path), ErrNotPDF)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return fmt.Errorf("%s is %d MB, limit is %d MB: %w",
			filepath.Base(path), info.Size()>>20, maxBytes>>20, ErrFileTooLarge)
	}
	return nil
}

// ValidatePDF parses the file and returns its page count.
func ValidatePDF(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	n, err := api.PageCount(f, conf)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", filepath.Base(path), ErrNotPDF, err)
	}
	return n, nil
}
