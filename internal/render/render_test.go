// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package render

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/citecheck/internal/grade"
	"github.com/pdiddy/citecheck/internal/history"
	"github.com/pdiddy/citecheck/internal/reconcile"
	"github.com/pdiddy/citecheck/internal/status"
	"github.com/pdiddy/citecheck/pkg/types"
)

func ptr[T any](v T) *T { return &v }

func TestSteps(t *testing.T) {
	tests := []struct {
		status types.Status
		want   []StepState
	}{
		{types.StatusPending, []StepState{StepActive, StepPending, StepPending, StepPending}},
		{types.StatusFetchingReferences, []StepState{StepComplete, StepComplete, StepActive, StepPending}},
		{types.StatusValidating, []StepState{StepComplete, StepComplete, StepComplete, StepActive}},
		{types.StatusCompleted, []StepState{StepPending, StepPending, StepPending, StepPending}},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, Steps(tt.status))
		})
	}
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	Progress(&buf, types.StatusExtractingQuotes)
	out := buf.String()
	assert.Contains(t, out, "[x] Starting")
	assert.Contains(t, out, "[>] Extracting  Finding quotes and citations...")
	assert.Contains(t, out, " 3  Fetching")

	buf.Reset()
	Progress(&buf, types.StatusAwaitingUploads)
	assert.Empty(t, buf.String())
}

func TestSummary(t *testing.T) {
	quotes := []types.Quote{{Grade: ptr(95.0)}, {Grade: ptr(50.0)}, {}}
	var buf bytes.Buffer
	Summary(&buf, grade.Summarize(quotes))
	out := buf.String()
	assert.Contains(t, out, "Total quotes:  3")
	assert.Contains(t, out, "Average grade: 72.5 (Fair)")
	assert.Contains(t, out, "Good quotes:   1")
	assert.Contains(t, out, "Needs review:  1")

	buf.Reset()
	Summary(&buf, grade.Summarize(nil))
	assert.Contains(t, buf.String(), "Average grade: N/A")
}

func TestQuoteCard(t *testing.T) {
	q := types.Quote{
		ID:            4,
		Text:          "Sparse attention matches dense accuracy.",
		PageNumber:    ptr(3),
		ReferenceKey:  ptr("[1]"),
		ContextBefore: ptr("As shown,"),
		SourceText:    ptr("We find parity on all benchmarks."),
		SourcePage:    ptr(12),
		Explanation:   ptr("Supported."),
		Status:        types.QuoteValidated,
		Grade:         ptr(95.0),
	}

	var buf bytes.Buffer
	QuoteCard(&buf, q, false)
	out := buf.String()
	assert.Contains(t, out, "#4  [1]  Page 3")
	assert.Contains(t, out, "95 Excellent")
	assert.NotContains(t, out, "Original source")

	buf.Reset()
	QuoteCard(&buf, q, true)
	out = buf.String()
	assert.Contains(t, out, `...As shown, "Sparse attention matches dense accuracy."`)
	assert.Contains(t, out, "Original source (Page 12):")
	assert.Contains(t, out, "Analysis:\n    Supported.")

	failed := types.Quote{ID: 5, Text: "x", Status: types.QuoteFailed}
	buf.Reset()
	QuoteCard(&buf, failed, true)
	out = buf.String()
	assert.Contains(t, out, "? Pending")
	assert.Contains(t, out, "Failed to validate this quote: Unknown error")
}

func TestMissingPapers(t *testing.T) {
	rec := reconcile.New(reconcile.DefaultPolicy)
	rec.Begin([]types.MissingPaper{
		{ReferenceKey: "[1]", Title: ptr("Attention in sparse networks"), DOI: ptr("10.1/abc")},
		{ReferenceKey: "[2]", ReferenceText: ptr("Doe, A. (2019). On citation accuracy.")},
	})

	var buf bytes.Buffer
	MissingPapers(&buf, rec, "/tmp/drop")
	out := buf.String()
	assert.Contains(t, out, "[ ] [1]  Attention in sparse networks")
	assert.Contains(t, out, "DOI: 10.1/abc")
	assert.Contains(t, out, "drop as 2.pdf")
	assert.Contains(t, out, "0 of 2 papers uploaded")
	assert.Contains(t, out, "Upload at least one paper to continue.")

	require.True(t, rec.MarkUploaded("[1]"))
	buf.Reset()
	MissingPapers(&buf, rec, "")
	out = buf.String()
	assert.Contains(t, out, "[x] [1]")
	assert.NotContains(t, out, "drop as")
	assert.Contains(t, out, "Ready: Continue with 1 papers")
	assert.Contains(t, out, "marked as unable to validate")

	require.True(t, rec.MarkUploaded("[2]"))
	buf.Reset()
	MissingPapers(&buf, rec, "")
	assert.Contains(t, buf.String(), "Ready: Continue Analysis")
}

func TestSnapshot(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &types.Analysis{
		ID:            7,
		Status:        types.StatusFailed,
		StatusMessage: ptr("Could not parse PDF"),
		CreatedAt:     created,
		UploadedPaper: &types.Paper{Title: ptr("Sparse Attention Revisited")},
	}

	var buf bytes.Buffer
	Snapshot(&buf, status.Snapshot{Analysis: a}, nil, "", false)
	out := buf.String()
	assert.Contains(t, out, "Sparse Attention Revisited\nAnalysis #7")
	assert.Contains(t, out, "[Failed]")
	assert.Contains(t, out, "Analysis failed\n  Could not parse PDF")

	done := *a
	done.Status = types.StatusCompleted
	done.StatusMessage = nil
	buf.Reset()
	Snapshot(&buf, status.Snapshot{
		Analysis: &done,
		Quotes:   &types.QuotesResponse{Quotes: []types.Quote{}},
	}, nil, "", false)
	assert.Contains(t, buf.String(), "No quotes found in this paper.")

	buf.Reset()
	Snapshot(&buf, status.Snapshot{Err: errors.New("connection refused")}, nil, "", false)
	assert.Equal(t, "Error loading analysis: connection refused\n", buf.String())
}

func TestTables(t *testing.T) {
	var buf bytes.Buffer
	Analyses(&buf, nil)
	assert.Equal(t, "No analyses yet.\n", buf.String())

	buf.Reset()
	Analyses(&buf, []types.Analysis{{ID: 3, Status: types.StatusAwaitingUploads}})
	assert.Contains(t, buf.String(), "Awaiting Uploads")
	assert.Contains(t, buf.String(), "Untitled Analysis")

	buf.Reset()
	History(&buf, []history.Entry{{ID: 9, Status: types.StatusCompleted, QuoteCount: 3, AverageGrade: ptr(72.5), Title: "Paper"}})
	assert.Contains(t, buf.String(), "72.5")
	assert.Contains(t, buf.String(), "Completed")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
