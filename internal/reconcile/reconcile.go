// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package reconcile tracks which missing reference papers the user has
// supplied while an analysis waits for uploads, and decides when the
// analysis may be resumed.
package reconcile

import (
	"sync"

	"github.com/pdiddy/citecheck/pkg/types"
)

// DefaultPolicy requires one upload before resuming and does not resume
// an episode that lists no missing papers.
var DefaultPolicy = types.ResumePolicy{MinUploads: 1}

// Reconciler holds one awaiting_uploads episode: the missing papers the
// server reported and the reference keys uploaded since the episode began.
// It is safe for concurrent use.
type Reconciler struct {
	mu       sync.Mutex
	policy   types.ResumePolicy
	active   bool
	missing  []types.MissingPaper
	known    map[string]bool
	uploaded map[string]bool
}

// New creates an idle Reconciler governed by policy.
func New(policy types.ResumePolicy) *Reconciler {
	return &Reconciler{
		policy:   policy,
		known:    make(map[string]bool),
		uploaded: make(map[string]bool),
	}
}

// Begin starts a new episode with the given missing papers, forgetting
// any uploads from a previous episode. Duplicate keys are collapsed.
func (r *Reconciler) Begin(papers []types.MissingPaper) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = true
	r.missing = nil
	r.known = make(map[string]bool, len(papers))
	r.uploaded = make(map[string]bool)
	r.addLocked(papers)
}

// Merge adds papers not yet seen in the current episode. Papers the server
// no longer lists (typically because they were uploaded) are kept so the
// episode's totals stay stable. Merge on an idle Reconciler begins an episode.
func (r *Reconciler) Merge(papers []types.MissingPaper) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		r.active = true
	}
	r.addLocked(papers)
}

func (r *Reconciler) addLocked(papers []types.MissingPaper) {
	for _, p := range papers {
		if r.known[p.ReferenceKey] {
			continue
		}
		r.known[p.ReferenceKey] = true
		r.missing = append(r.missing, p)
	}
}

// Restore records uploads made for the active episode before it was
// observed here, such as by an earlier run. keys must come from the current
// episode only: the server stops listing a paper once it is uploaded, so
// keys it no longer lists are added to the episode as uploaded papers. It
// returns how many keys were newly marked.
func (r *Reconciler) Restore(keys ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return 0
	}
	n := 0
	for _, k := range keys {
		if k == "" || r.uploaded[k] {
			continue
		}
		if !r.known[k] {
			r.known[k] = true
			r.missing = append(r.missing, types.MissingPaper{ReferenceKey: k})
		}
		r.uploaded[k] = true
		n++
	}
	return n
}

// End closes the episode once the analysis has left awaiting_uploads.
func (r *Reconciler) End() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = false
	r.missing = nil
	r.known = make(map[string]bool)
	r.uploaded = make(map[string]bool)
}

// Active reports whether an episode is in progress.
func (r *Reconciler) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// MarkUploaded records a successful upload for key. It returns false when
// key was already marked or is not one of the episode's missing papers.
func (r *Reconciler) MarkUploaded(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.known[key] || r.uploaded[key] {
		return false
	}
	r.uploaded[key] = true
	return true
}

// IsUploaded reports whether key has been uploaded in this episode.
func (r *Reconciler) IsUploaded(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploaded[key]
}

// Known reports whether key is one of the episode's missing papers.
func (r *Reconciler) Known(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[key]
}

// Missing returns every paper of the episode in the order first reported.
func (r *Reconciler) Missing() []types.MissingPaper {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.MissingPaper(nil), r.missing...)
}

// Remaining returns the missing papers not yet uploaded.
func (r *Reconciler) Remaining() []types.MissingPaper {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.MissingPaper, 0, len(r.missing))
	for _, p := range r.missing {
		if !r.uploaded[p.ReferenceKey] {
			out = append(out, p)
		}
	}
	return out
}

// UploadedCount returns how many distinct keys have been uploaded.
func (r *Reconciler) UploadedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.uploaded)
}

// HasUploadAffordance reports whether there is anything to upload. An
// episode with an empty missing list offers no upload prompts.
func (r *Reconciler) HasUploadAffordance() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active && len(r.missing) > 0
}

// CanResume reports whether the resume action is permitted now.
//
// With missing papers listed, at least policy.MinUploads of them must have
// been uploaded (quotes citing the rest are graded as unverifiable by the
// server). With nothing listed the decision is policy.ResumeWhenNothingMissing.
func (r *Reconciler) CanResume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canResumeLocked()
}

func (r *Reconciler) canResumeLocked() bool {
	if !r.active {
		return false
	}
	if len(r.missing) == 0 {
		return r.policy.ResumeWhenNothingMissing
	}
	need := r.policy.MinUploads
	if need < 0 {
		need = 0
	}
	if need > len(r.missing) {
		need = len(r.missing)
	}
	return len(r.uploaded) >= need
}

// Progress summarises the episode for display.
type Progress struct {
	Uploaded  int
	Total     int
	CanResume bool
}

// Progress returns the current upload counts.
func (r *Reconciler) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Progress{Uploaded: len(r.uploaded), Total: len(r.missing), CanResume: r.canResumeLocked()}
}
