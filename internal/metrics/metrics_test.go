// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/citecheck/internal/status"
	"github.com/pdiddy/citecheck/internal/upload"
	"github.com/pdiddy/citecheck/pkg/types"
)

func snapshot(id int64, st types.Status) status.Snapshot {
	return status.Snapshot{Analysis: &types.Analysis{ID: id, Status: st}}
}

func TestObserveSnapshotCountsChangesOnly(t *testing.T) {
	m := New(nil)

	m.ObserveSnapshot(status.Snapshot{})
	m.ObserveSnapshot(snapshot(7, types.StatusPending))
	m.ObserveSnapshot(snapshot(7, types.StatusPending))
	m.ObserveSnapshot(snapshot(7, types.StatusAwaitingUploads))
	m.ObserveSnapshot(snapshot(8, types.StatusPending))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("awaiting_uploads")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Current.WithLabelValues("7")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Current.WithLabelValues("8")))
}

func TestObserveSnapshotQuoteBands(t *testing.T) {
	m := New(nil)
	g95, g50 := 95.0, 50.0
	snap := snapshot(7, types.StatusCompleted)
	snap.Quotes = &types.QuotesResponse{Quotes: []types.Quote{{Grade: &g95}, {Grade: &g50}, {}}}
	m.ObserveSnapshot(snap)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Quotes.WithLabelValues("7", "Excellent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Quotes.WithLabelValues("7", "Poor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Quotes.WithLabelValues("7", "Pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Quotes.WithLabelValues("7", "Good")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Current.WithLabelValues("7")))
}

func TestUploadsAndPollErrors(t *testing.T) {
	m := New(nil)
	m.ObserveUpload("[1]", upload.StateUploading, nil)
	m.ObserveUpload("[1]", upload.StateFailed, errors.New("boom"))
	m.ObserveUpload("[1]", upload.StateUploading, nil)
	m.ObserveUpload("[1]", upload.StateUploaded, nil)
	m.PollErrors.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Uploads.WithLabelValues("uploading")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("uploaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollErrors))
	assert.Len(t, m.Options(), 3)
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New(nil)
	m.ObserveSnapshot(snapshot(7, types.StatusValidating))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `citecheck_status_transitions_total{status="validating"} 1`)
	assert.Contains(t, string(body), `citecheck_analysis_step{analysis_id="7"} 3`)
}
