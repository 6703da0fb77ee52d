// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package render formats analyses, progress, missing papers and graded
// quotes as plain text for the terminal.
package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pdiddy/citecheck/internal/grade"
	"github.com/pdiddy/citecheck/internal/history"
	"github.com/pdiddy/citecheck/internal/reconcile"
	"github.com/pdiddy/citecheck/internal/status"
	"github.com/pdiddy/citecheck/internal/upload"
	"github.com/pdiddy/citecheck/pkg/types"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02 15:04"
	textWidth  = 72
)

// Header prints the title line, status label and server message.
func Header(w io.Writer, a *types.Analysis) {
	fmt.Fprintf(w, "%s\n", a.Title())
	fmt.Fprintf(w, "Analysis #%d  Created %s  [%s]\n", a.ID, a.CreatedAt.Local().Format(dateLayout), a.Status.Label())
	if msg := a.Message(); msg != "" {
		fmt.Fprintf(w, "  %s\n", msg)
	}
}

// StepState is the display state of one processing step.
type StepState int

const (
	StepPending StepState = iota
	StepActive
	StepComplete
)

// Steps returns the state of every processing step for status st. Steps
// before the current one are complete, later ones pending.
func Steps(st types.Status) []StepState {
	current := -1
	for i, s := range types.ProcessingSteps {
		if s.Status == st {
			current = i
		}
	}
	out := make([]StepState, len(types.ProcessingSteps))
	for i := range out {
		switch {
		case current < 0:
			out[i] = StepPending
		case i < current:
			out[i] = StepComplete
		case i == current:
			out[i] = StepActive
		}
	}
	return out
}

// Progress prints the processing steps with the active one highlighted.
// Nothing is printed unless the server is working on the analysis.
func Progress(w io.Writer, st types.Status) {
	if !st.Processing() {
		return
	}
	fmt.Fprintln(w, "Processing your paper")
	for i, state := range Steps(st) {
		step := types.ProcessingSteps[i]
		mark := fmt.Sprintf(" %d ", i+1)
		switch state {
		case StepComplete:
			mark = "[x]"
		case StepActive:
			mark = "[>]"
		}
		fmt.Fprintf(w, "  %s %-10s  %s\n", mark, step.Label, step.Description)
	}
}

// Summary prints the aggregate statistics of a completed analysis.
func Summary(w io.Writer, s grade.Summary) {
	avg := "N/A"
	if s.AverageGrade != nil {
		avg = fmt.Sprintf("%.1f (%s)", *s.AverageGrade, s.AverageBand)
	}
	fmt.Fprintf(w, "Total quotes:  %d\n", s.Total)
	fmt.Fprintf(w, "Average grade: %s\n", avg)
	fmt.Fprintf(w, "Good quotes:   %d\n", s.Good)
	fmt.Fprintf(w, "Needs review:  %d\n", s.NeedsReview)
}

// gradeBadge shows a grade and its band, "?" while ungraded.
func gradeBadge(g *float64) string {
	if g == nil {
		return fmt.Sprintf("? %s", grade.Classify(g))
	}
	return fmt.Sprintf("%g %s", *g, grade.Classify(g))
}

// QuoteCard prints one quote. With detail the surrounding context, the
// source passage and the grading explanation follow.
func QuoteCard(w io.Writer, q types.Quote, detail bool) {
	var tags []string
	if q.ReferenceKey != nil && *q.ReferenceKey != "" {
		tags = append(tags, *q.ReferenceKey)
	}
	if q.PageNumber != nil {
		tags = append(tags, fmt.Sprintf("Page %d", *q.PageNumber))
	}
	head := fmt.Sprintf("#%d", q.ID)
	if len(tags) > 0 {
		head += "  " + strings.Join(tags, "  ")
	}
	fmt.Fprintf(w, "%-40s %s\n", head, gradeBadge(q.Grade))
	fmt.Fprintf(w, "  %q\n", truncate(q.Text, textWidth))

	if !detail {
		return
	}
	fmt.Fprintln(w, "  Quote in paper:")
	context := fmt.Sprintf("%q", q.Text)
	if q.ContextBefore != nil && *q.ContextBefore != "" {
		context = "..." + *q.ContextBefore + " " + context
	}
	if q.ContextAfter != nil && *q.ContextAfter != "" {
		context += " " + *q.ContextAfter + "..."
	}
	fmt.Fprintf(w, "    %s\n", context)
	if q.SourceText != nil && *q.SourceText != "" {
		label := "  Original source:"
		if q.SourcePage != nil {
			label = fmt.Sprintf("  Original source (Page %d):", *q.SourcePage)
		}
		fmt.Fprintln(w, label)
		fmt.Fprintf(w, "    %s\n", *q.SourceText)
	}
	if q.Explanation != nil && *q.Explanation != "" && q.Status != types.QuoteFailed {
		fmt.Fprintln(w, "  Analysis:")
		fmt.Fprintf(w, "    %s\n", *q.Explanation)
	}
	if q.Status == types.QuoteFailed {
		reason := "Unknown error"
		if q.Explanation != nil && *q.Explanation != "" {
			reason = *q.Explanation
		}
		fmt.Fprintf(w, "  Failed to validate this quote: %s\n", reason)
	}
}

// Quotes prints the summary followed by a card per quote.
func Quotes(w io.Writer, quotes []types.Quote, detail bool) {
	Summary(w, grade.Summarize(quotes))
	fmt.Fprintln(w)
	if len(quotes) == 0 {
		fmt.Fprintln(w, "No quotes found in this paper.")
		return
	}
	for i, q := range quotes {
		if i > 0 {
			fmt.Fprintln(w)
		}
		QuoteCard(w, q, detail)
	}
}

// QuoteDetail prints one quote in full with the reference it was graded
// against.
func QuoteDetail(w io.Writer, d *types.QuoteDetail) {
	QuoteCard(w, d.Quote, true)
	if p := d.Reference; p != nil {
		title := "Untitled"
		if p.Title != nil && *p.Title != "" {
			title = *p.Title
		}
		fmt.Fprintf(w, "  Reference: %s (%s)\n", title, p.SourceType)
		if p.DOI != nil && *p.DOI != "" {
			fmt.Fprintf(w, "    DOI: %s\n", *p.DOI)
		}
	}
}

// MissingPapers prints the references the server could not fetch, marking
// those uploaded during the episode. When dropDir is set the expected file
// name of each remaining reference is shown.
func MissingPapers(w io.Writer, rec *reconcile.Reconciler, dropDir string) {
	missing := rec.Missing()
	if len(missing) == 0 {
		return
	}
	fmt.Fprintln(w, "Reference papers needed")
	fmt.Fprintln(w, "  These papers could not be downloaded automatically. Upload them to continue the analysis.")
	for _, p := range missing {
		mark := "[ ]"
		if rec.IsUploaded(p.ReferenceKey) {
			mark = "[x]"
		}
		fmt.Fprintf(w, "  %s %s", mark, p.ReferenceKey)
		if p.Title != nil && *p.Title != "" {
			fmt.Fprintf(w, "  %s", *p.Title)
		}
		fmt.Fprintln(w)
		if p.ReferenceText != nil && *p.ReferenceText != "" {
			fmt.Fprintf(w, "        %s\n", truncate(*p.ReferenceText, textWidth))
		}
		if p.DOI != nil && *p.DOI != "" {
			fmt.Fprintf(w, "        DOI: %s\n", *p.DOI)
		}
		if dropDir != "" && !rec.IsUploaded(p.ReferenceKey) {
			fmt.Fprintf(w, "        drop as %s\n", upload.FileName(p.ReferenceKey))
		}
	}

	prog := rec.Progress()
	fmt.Fprintf(w, "%d of %d papers uploaded\n", prog.Uploaded, prog.Total)
	remaining := prog.Total - prog.Uploaded
	switch {
	case !prog.CanResume:
		fmt.Fprintln(w, "Upload at least one paper to continue.")
	case remaining == 0:
		fmt.Fprintln(w, "Ready: Continue Analysis")
	default:
		fmt.Fprintf(w, "Ready: Continue with %d papers\n", prog.Uploaded)
		fmt.Fprintln(w, "Note: Quotes referencing papers that aren't uploaded will be marked as unable to validate.")
	}
}

// Snapshot prints everything known about an analysis: header, progress
// while processing, missing papers while awaiting uploads, the failure
// message, or the results.
func Snapshot(w io.Writer, snap status.Snapshot, rec *reconcile.Reconciler, dropDir string, detail bool) {
	a := snap.Analysis
	if a == nil {
		if snap.Err != nil {
			fmt.Fprintf(w, "Error loading analysis: %v\n", snap.Err)
		}
		return
	}
	Header(w, a)
	fmt.Fprintln(w)

	switch {
	case a.Status.Processing():
		Progress(w, a.Status)
	case a.Status == types.StatusAwaitingUploads && rec != nil:
		MissingPapers(w, rec, dropDir)
	case a.Status == types.StatusFailed:
		fmt.Fprintln(w, "Analysis failed")
		if msg := a.Message(); msg != "" {
			fmt.Fprintf(w, "  %s\n", msg)
		}
	case a.Status == types.StatusCompleted && snap.Quotes != nil:
		Quotes(w, snap.Quotes.Quotes, detail)
	}
}

// Analyses prints a table of server-side analyses.
func Analyses(w io.Writer, list []types.Analysis) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No analyses yet.")
		return
	}
	fmt.Fprintf(w, "%-6s  %-20s  %-10s  %s\n", "ID", "Status", "Created", "Title")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, a := range list {
		fmt.Fprintf(w, "%-6d  %-20s  %-10s  %s\n",
			a.ID, a.Status.Label(), a.CreatedAt.Local().Format(dateLayout), truncate(a.Title(), 30))
	}
	fmt.Fprintf(w, "\n%d analyses\n", len(list))
}

// History prints the locally recorded analyses.
func History(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No analyses recorded.")
		return
	}
	fmt.Fprintf(w, "%-6s  %-20s  %-16s  %-7s  %-7s  %s\n", "ID", "Status", "Last seen", "Quotes", "Avg", "Title")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, e := range entries {
		avg := "-"
		if e.AverageGrade != nil {
			avg = fmt.Sprintf("%.1f", *e.AverageGrade)
		}
		fmt.Fprintf(w, "%-6d  %-20s  %-16s  %-7d  %-7s  %s\n",
			e.ID, e.Status.Label(), formatSeen(e.LastSeen), e.QuoteCount, avg, truncate(e.Title, 30))
	}
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
