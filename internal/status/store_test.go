// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/citecheck/pkg/types"
)

// fakeFetcher serves scripted responses. Each GetAnalysis call pops the
// next status; follow-up calls may be gated to control interleaving.
type fakeFetcher struct {
	mu          sync.Mutex
	statuses    []types.Status
	analysisErr error
	missing     []types.MissingPaper
	missingErr  error
	quotes      *types.QuotesResponse
	quotesErr   error

	// missingGate, when set, blocks GetMissingPapers until it is closed.
	missingGate chan struct{}
	missingHit  chan struct{}

	calls map[string]int
}

func (f *fakeFetcher) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeFetcher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeFetcher) GetAnalysis(_ context.Context, id int64) (*types.Analysis, error) {
	f.hit("analysis")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.analysisErr != nil {
		return nil, f.analysisErr
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return &types.Analysis{ID: id, Status: st}, nil
}

func (f *fakeFetcher) GetMissingPapers(_ context.Context, _ int64) ([]types.MissingPaper, error) {
	f.hit("missing")
	if f.missingHit != nil {
		f.missingHit <- struct{}{}
	}
	if f.missingGate != nil {
		<-f.missingGate
	}
	return f.missing, f.missingErr
}

func (f *fakeFetcher) GetQuotes(_ context.Context, _ int64) (*types.QuotesResponse, error) {
	f.hit("quotes")
	return f.quotes, f.quotesErr
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analysisErr = err
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	f := &fakeFetcher{statuses: []types.Status{types.StatusPending, types.StatusExtractingQuotes}}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(7, f, WithClock(func() time.Time { return now }))

	assert.Equal(t, types.Status(""), s.Status())

	require.NoError(t, s.Refresh(context.Background()))
	snap := s.Snapshot()
	assert.Equal(t, types.StatusPending, snap.Status())
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Equal(t, now, snap.FetchedAt)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, types.StatusExtractingQuotes, s.Status())
	assert.Equal(t, 0, f.count("missing"))
	assert.Equal(t, 0, f.count("quotes"))
}

func TestRefreshLoadsMissingPapers(t *testing.T) {
	f := &fakeFetcher{
		statuses: []types.Status{types.StatusAwaitingUploads},
		missing:  []types.MissingPaper{{ReferenceKey: "[1]"}, {ReferenceKey: "[2]"}},
	}
	s := New(7, f)

	require.NoError(t, s.Refresh(context.Background()))
	snap := s.Snapshot()
	assert.Equal(t, types.StatusAwaitingUploads, snap.Status())
	assert.Len(t, snap.MissingPapers, 2)
}

func TestRefreshEmptyMissingListIsLoaded(t *testing.T) {
	f := &fakeFetcher{statuses: []types.Status{types.StatusAwaitingUploads}}
	s := New(7, f)

	require.NoError(t, s.Refresh(context.Background()))
	snap := s.Snapshot()
	assert.NotNil(t, snap.MissingPapers)
	assert.Empty(t, snap.MissingPapers)
}

func TestRefreshLoadsQuotesOnCompletion(t *testing.T) {
	g := 88.0
	f := &fakeFetcher{
		statuses: []types.Status{types.StatusValidating, types.StatusCompleted},
		quotes:   &types.QuotesResponse{Quotes: []types.Quote{{ID: 1, Grade: &g}}, Total: 1},
	}
	s := New(7, f)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Nil(t, s.Snapshot().Quotes)

	require.NoError(t, s.Refresh(context.Background()))
	snap := s.Snapshot()
	require.NotNil(t, snap.Quotes)
	assert.Equal(t, 1, snap.Quotes.Total)
}

func TestFetchErrorKeepsLastGoodSnapshot(t *testing.T) {
	f := &fakeFetcher{statuses: []types.Status{types.StatusValidating}}
	s := New(7, f)
	require.NoError(t, s.Refresh(context.Background()))

	boom := errors.New("connection refused")
	f.setErr(boom)
	err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, boom)

	snap := s.Snapshot()
	assert.Equal(t, types.StatusValidating, snap.Status())
	assert.ErrorIs(t, snap.Err, boom)

	f.setErr(nil)
	require.NoError(t, s.Refresh(context.Background()))
	assert.NoError(t, s.Snapshot().Err)
}

func TestFollowUpFailureKeepsStatus(t *testing.T) {
	boom := errors.New("quotes unavailable")
	f := &fakeFetcher{statuses: []types.Status{types.StatusCompleted}, quotesErr: boom}
	s := New(7, f)

	err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, boom)

	snap := s.Snapshot()
	assert.Equal(t, types.StatusCompleted, snap.Status())
	assert.Nil(t, snap.Quotes)
	assert.ErrorIs(t, snap.Err, boom)
}

func TestStaleFollowUpIsDiscarded(t *testing.T) {
	f := &fakeFetcher{
		statuses:    []types.Status{types.StatusAwaitingUploads, types.StatusValidating},
		missing:     []types.MissingPaper{{ReferenceKey: "[1]"}},
		missingGate: make(chan struct{}),
		missingHit:  make(chan struct{}, 1),
	}
	s := New(7, f)

	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background()) }()

	// The first refresh has applied awaiting_uploads and is waiting on
	// the missing-papers fetch.
	<-f.missingHit
	assert.Equal(t, types.StatusAwaitingUploads, s.Status())

	// A newer refresh supersedes it.
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, types.StatusValidating, s.Status())

	close(f.missingGate)
	require.NoError(t, <-done)

	snap := s.Snapshot()
	assert.Equal(t, types.StatusValidating, snap.Status())
	assert.Nil(t, snap.MissingPapers, "late missing-papers result must not land on a newer status")
}

func TestTerminalStatusIsFinal(t *testing.T) {
	f := &fakeFetcher{statuses: []types.Status{types.StatusFailed, types.StatusValidating}}
	s := New(7, f)

	require.NoError(t, s.Refresh(context.Background()))
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, types.StatusFailed, s.Status())
	assert.Equal(t, uint64(1), s.Snapshot().Generation)
}

func TestFollowUpDataCarriesOverWhileStatusUnchanged(t *testing.T) {
	f := &fakeFetcher{
		statuses: []types.Status{types.StatusAwaitingUploads},
		missing:  []types.MissingPaper{{ReferenceKey: "[1]"}},
	}
	s := New(7, f)
	require.NoError(t, s.Refresh(context.Background()))

	var seen []Snapshot
	s.OnUpdate(func(snap Snapshot) { seen = append(seen, snap) })
	f.missingErr = errors.New("flaky")
	require.Error(t, s.Refresh(context.Background()))

	// The re-applied snapshot still shows the earlier list.
	require.Len(t, seen, 2)
	assert.Len(t, seen[0].MissingPapers, 1)
	assert.Error(t, seen[1].Err)
}

func TestOnUpdateAndClose(t *testing.T) {
	f := &fakeFetcher{statuses: []types.Status{types.StatusPending, types.StatusExtractingQuotes}}
	s := New(7, f)

	var statuses []types.Status
	s.OnUpdate(func(snap Snapshot) { statuses = append(statuses, snap.Status()) })

	require.NoError(t, s.Refresh(context.Background()))
	s.Close()
	require.NoError(t, s.Refresh(context.Background()))

	assert.Equal(t, []types.Status{types.StatusPending}, statuses)
	assert.Equal(t, types.StatusPending, s.Status(), "closed store ignores late results")
}
