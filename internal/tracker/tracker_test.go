// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package tracker

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/citecheck/internal/apiclient"
	"github.com/pdiddy/citecheck/internal/grade"
	"github.com/pdiddy/citecheck/internal/poll"
	"github.com/pdiddy/citecheck/internal/reconcile"
	"github.com/pdiddy/citecheck/internal/status"
	"github.com/pdiddy/citecheck/internal/stubserver"
	"github.com/pdiddy/citecheck/pkg/types"
)

// tickClock is a poll.Clock whose timers fire only on Tick.
type tickClock struct {
	mu      sync.Mutex
	pending []chan time.Time
	armed   chan struct{}
}

type tickTimer struct{ c chan time.Time }

func (t tickTimer) C() <-chan time.Time { return t.c }
func (t tickTimer) Stop() bool          { return true }

func newTickClock() *tickClock {
	return &tickClock{armed: make(chan struct{}, 64)}
}

func (c *tickClock) NewTimer(time.Duration) poll.Timer {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.pending = append(c.pending, ch)
	c.mu.Unlock()
	c.armed <- struct{}{}
	return tickTimer{ch}
}

// tick waits for the scheduler to arm its timer and fires it.
func (c *tickClock) tick(t *testing.T) {
	t.Helper()
	select {
	case <-c.armed:
	case <-time.After(3 * time.Second):
		t.Fatal("no timer armed")
	}
	c.mu.Lock()
	ch := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	ch <- time.Now()
}

func (c *tickClock) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case <-c.armed:
		t.Fatal("a refresh was scheduled after polling should have stopped")
	case <-time.After(50 * time.Millisecond):
	}
}

func newStub(t *testing.T) (*stubserver.Server, *apiclient.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := stubserver.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, apiclient.New(types.HTTPConfig{BaseURL: ts.URL})
}

func noValidate(string) error { return nil }

func writePDF(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n%%EOF\n"), 0o644))
	return path
}

func waitFor(t *testing.T, tr *Tracker, want types.Status) status.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := tr.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, want, snap.Status())
	return snap
}

func TestAnalysisLifecycle(t *testing.T) {
	srv, client := newStub(t)
	srv.AddJob(7, stubserver.DemoJob())

	clock := newTickClock()
	var seen []types.Status
	var mu sync.Mutex
	tr := New(context.Background(), 7, client, Config{Resume: reconcile.DefaultPolicy},
		WithClock(clock), WithValidator(noValidate),
		OnSnapshot(func(s status.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if n := len(seen); n == 0 || seen[n-1] != s.Status() {
				seen = append(seen, s.Status())
			}
		}))
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	assert.Equal(t, types.StatusPending, tr.Snapshot().Status())
	assert.True(t, tr.Polling())

	for i := 0; i < 3; i++ {
		clock.tick(t)
	}
	snap := waitFor(t, tr, types.StatusAwaitingUploads)
	assert.Len(t, snap.MissingPapers, 2)
	clock.assertIdle(t)

	rec := tr.Reconciler()
	assert.True(t, rec.HasUploadAffordance())
	assert.Len(t, rec.Remaining(), 2)
	assert.False(t, rec.CanResume())
	assert.ErrorIs(t, tr.Resume(ctx), ErrResumeNotAllowed)

	_, err := tr.Upload(ctx, "[9]", writePDF(t, "9.pdf"))
	assert.ErrorIs(t, err, ErrUnknownReference)

	res, err := tr.Upload(ctx, "[1]", writePDF(t, "smith2020.pdf"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingPapersCount)

	// The server no longer lists [1]; the episode still counts it.
	assert.Len(t, tr.Snapshot().MissingPapers, 1)
	assert.Len(t, rec.Missing(), 2)
	assert.Len(t, rec.Remaining(), 1)
	assert.Equal(t, 1, rec.UploadedCount())
	assert.True(t, rec.CanResume())

	require.NoError(t, tr.Resume(ctx))
	assert.Equal(t, types.StatusValidating, tr.Snapshot().Status())
	assert.False(t, rec.Active(), "episode ends once the analysis leaves awaiting_uploads")

	clock.tick(t)
	snap = waitFor(t, tr, types.StatusCompleted)
	clock.assertIdle(t)

	require.NotNil(t, snap.Quotes)
	sum := grade.Summarize(snap.Quotes.Quotes)
	assert.Equal(t, 3, sum.Total)
	require.NotNil(t, sum.AverageGrade)
	assert.InDelta(t, 72.5, *sum.AverageGrade, 1e-9)
	assert.Equal(t, 1, sum.Good)
	assert.Equal(t, 1, sum.NeedsReview)

	mu.Lock()
	assert.Equal(t, []types.Status{
		types.StatusPending,
		types.StatusExtractingQuotes,
		types.StatusFetchingReferences,
		types.StatusAwaitingUploads,
		types.StatusValidating,
		types.StatusCompleted,
	}, seen)
	mu.Unlock()

	assert.Equal(t, 1, srv.Calls("continue"))
	assert.Equal(t, 1, srv.Calls("upload"))
	assert.Equal(t, 7, srv.Calls("get"))
}

func TestStartUnknownAnalysis(t *testing.T) {
	_, client := newStub(t)
	tr := New(context.Background(), 99, client, Config{}, WithClock(newTickClock()))
	defer tr.Close()

	err := tr.Start(context.Background())
	assert.True(t, apiclient.IsNotFound(err))
	assert.False(t, tr.Polling())
	assert.Equal(t, "Analysis not found", apiclient.UserMessage(err))
}

func TestUploadOutsideEpisode(t *testing.T) {
	srv, client := newStub(t)
	srv.AddJob(3, stubserver.Job{Script: []types.Status{types.StatusValidating}})

	tr := New(context.Background(), 3, client, Config{}, WithClock(newTickClock()), WithValidator(noValidate))
	defer tr.Close()
	require.NoError(t, tr.Start(context.Background()))

	_, err := tr.Upload(context.Background(), "[1]", writePDF(t, "1.pdf"))
	assert.ErrorIs(t, err, ErrNotAwaitingUploads)
	assert.ErrorIs(t, tr.Resume(context.Background()), ErrResumeNotAllowed)
	assert.Equal(t, 0, srv.Calls("upload"))
}

func TestResumePolicies(t *testing.T) {
	missing := []types.MissingPaper{{ReferenceKey: "[1]"}}
	tests := []struct {
		name    string
		missing []types.MissingPaper
		policy  types.ResumePolicy
		allowed bool
	}{
		{"default needs one upload", missing, reconcile.DefaultPolicy, false},
		{"zero uploads allowed", missing, types.ResumePolicy{MinUploads: 0}, true},
		{"nothing missing, default", nil, reconcile.DefaultPolicy, false},
		{"nothing missing, allowed", nil, types.ResumePolicy{MinUploads: 1, ResumeWhenNothingMissing: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, client := newStub(t)
			srv.AddJob(5, stubserver.Job{
				Script:       []types.Status{types.StatusAwaitingUploads},
				ResumeScript: []types.Status{types.StatusValidating},
				Missing:      tt.missing,
			})
			tr := New(context.Background(), 5, client, Config{Resume: tt.policy}, WithClock(newTickClock()))
			defer tr.Close()
			require.NoError(t, tr.Start(context.Background()))
			waitFor(t, tr, types.StatusAwaitingUploads)

			assert.Equal(t, len(tt.missing) > 0, tr.Reconciler().HasUploadAffordance())
			err := tr.Resume(context.Background())
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, 1, srv.Calls("continue"))
				assert.Equal(t, types.StatusValidating, tr.Snapshot().Status())
				assert.True(t, tr.Polling())
			} else {
				assert.ErrorIs(t, err, ErrResumeNotAllowed)
				assert.Equal(t, 0, srv.Calls("continue"))
			}
		})
	}
}

func TestCloseStopsEverything(t *testing.T) {
	srv, client := newStub(t)
	srv.AddJob(4, stubserver.Job{Script: []types.Status{types.StatusPending}})

	clock := newTickClock()
	tr := New(context.Background(), 4, client, Config{}, WithClock(clock))
	require.NoError(t, tr.Start(context.Background()))
	require.True(t, tr.Polling())

	tr.Close()
	assert.False(t, tr.Polling())
	assert.ErrorIs(t, tr.Refresh(context.Background()), ErrClosed)
	assert.ErrorIs(t, tr.Start(context.Background()), ErrClosed)

	_, err := tr.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	tr.Close()
}
