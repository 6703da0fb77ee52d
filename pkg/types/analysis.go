// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the server-reported phase of an analysis job.
type Status string

const (
	StatusPending            Status = "pending"
	StatusExtractingQuotes   Status = "extracting_quotes"
	StatusFetchingReferences Status = "fetching_references"
	StatusAwaitingUploads    Status = "awaiting_uploads"
	StatusValidating         Status = "validating"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// UnknownStatusError is returned when the server reports a status outside
// the known set.
type UnknownStatusError struct {
	Value string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown analysis status %q", e.Value)
}

// statusOrder gives each status its position in the processing sequence.
// awaiting_uploads branches off fetching_references and shares its step.
var statusOrder = map[Status]int{
	StatusPending:            0,
	StatusExtractingQuotes:   1,
	StatusFetchingReferences: 2,
	StatusAwaitingUploads:    2,
	StatusValidating:         3,
	StatusCompleted:          4,
	StatusFailed:             -1,
}

// ParseStatus converts a wire string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := statusOrder[st]; !ok {
		return "", &UnknownStatusError{Value: s}
	}
	return st, nil
}

// UnmarshalJSON rejects status strings outside the known set.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// Step returns the zero-based index of s in the processing steps
// (Starting, Extracting, Fetching, Validating), 4 for completed and -1
// for failed or unknown statuses.
func (s Status) Step() int {
	if n, ok := statusOrder[s]; ok {
		return n
	}
	return -1
}

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StopsPolling reports whether automatic refresh should stop at s: the job
// is finished or is blocked on user action.
func (s Status) StopsPolling() bool {
	return s.Terminal() || s == StatusAwaitingUploads
}

// Processing reports whether the server is actively working on the job.
func (s Status) Processing() bool {
	switch s {
	case StatusPending, StatusExtractingQuotes, StatusFetchingReferences, StatusValidating:
		return true
	}
	return false
}

// Label formats s for display, e.g. "Awaiting Uploads".
func (s Status) Label() string {
	words := strings.Split(string(s), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// ProcessingStep describes one stage of the server pipeline for progress display.
type ProcessingStep struct {
	Status      Status
	Label       string
	Description string
}

// ProcessingSteps lists the linear happy-path stages before completion.
var ProcessingSteps = []ProcessingStep{
	{StatusPending, "Starting", "Initializing analysis..."},
	{StatusExtractingQuotes, "Extracting", "Finding quotes and citations..."},
	{StatusFetchingReferences, "Fetching", "Downloading reference papers..."},
	{StatusValidating, "Validating", "Verifying quotes against sources..."},
}

// PaperSource identifies how a paper entered the system.
type PaperSource string

const (
	SourceUploaded        PaperSource = "uploaded"
	SourceArxiv           PaperSource = "arxiv"
	SourceSemanticScholar PaperSource = "semantic_scholar"
	SourcePubMed          PaperSource = "pubmed"
	SourceDOI             PaperSource = "doi"
	SourceManual          PaperSource = "manual"
)

// Paper is descriptive metadata for the uploaded paper or one of its references.
type Paper struct {
	ID           int64       `json:"id" yaml:"id"`
	Title        *string     `json:"title" yaml:"title,omitempty"`
	Authors      *string     `json:"authors" yaml:"authors,omitempty"`
	Year         *int        `json:"year" yaml:"year,omitempty"`
	DOI          *string     `json:"doi" yaml:"doi,omitempty"`
	SourceType   PaperSource `json:"source_type" yaml:"source_type"`
	ReferenceKey *string     `json:"reference_key" yaml:"reference_key,omitempty"`
}

// Analysis is one server-side pipeline run over one uploaded paper.
type Analysis struct {
	ID            int64      `json:"id" yaml:"id"`
	Status        Status     `json:"status" yaml:"status"`
	StatusMessage *string    `json:"status_message" yaml:"status_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at" yaml:"updated_at,omitempty"`
	UploadedPaper *Paper     `json:"uploaded_paper" yaml:"uploaded_paper,omitempty"`
}

// Title returns the uploaded paper's title or a placeholder.
func (a *Analysis) Title() string {
	if a.UploadedPaper != nil && a.UploadedPaper.Title != nil && *a.UploadedPaper.Title != "" {
		return *a.UploadedPaper.Title
	}
	return "Untitled Analysis"
}

// Message returns the status message, or "" when the server sent none.
func (a *Analysis) Message() string {
	if a.StatusMessage == nil {
		return ""
	}
	return *a.StatusMessage
}

// MissingPaper is a reference the server could not fetch automatically.
type MissingPaper struct {
	ReferenceKey  string  `json:"reference_key" yaml:"reference_key"`
	ReferenceText *string `json:"reference_text" yaml:"reference_text,omitempty"`
	Title         *string `json:"title" yaml:"title,omitempty"`
	DOI           *string `json:"doi" yaml:"doi,omitempty"`
}

// MissingPapersResponse is the body of GET /api/analysis/{id}/missing-papers.
type MissingPapersResponse struct {
	MissingPapers []MissingPaper `json:"missing_papers"`
}

// QuoteStatus is the validation state of a single quote.
type QuoteStatus string

const (
	QuotePending   QuoteStatus = "pending"
	QuoteValidated QuoteStatus = "validated"
	QuoteFailed    QuoteStatus = "failed"
)

// Quote is a citation-backed statement found in the uploaded paper together
// with its grade against the cited source.
type Quote struct {
	ID            int64       `json:"id" yaml:"id"`
	Text          string      `json:"text" yaml:"text"`
	PageNumber    *int        `json:"page_number" yaml:"page_number,omitempty"`
	ContextBefore *string     `json:"context_before" yaml:"context_before,omitempty"`
	ContextAfter  *string     `json:"context_after" yaml:"context_after,omitempty"`
	ReferenceKey  *string     `json:"reference_key" yaml:"reference_key,omitempty"`
	Status        QuoteStatus `json:"status" yaml:"status"`
	Grade         *float64    `json:"grade" yaml:"grade,omitempty"`
	Explanation   *string     `json:"explanation" yaml:"explanation,omitempty"`
	SourceText    *string     `json:"source_text" yaml:"source_text,omitempty"`
	SourcePage    *int        `json:"source_page" yaml:"source_page,omitempty"`
}

// QuoteDetail is a quote with the reference paper it was graded against.
type QuoteDetail struct {
	Quote     `yaml:",inline"`
	Reference *Paper `json:"reference" yaml:"reference,omitempty"`
}

// QuotesResponse is the body of GET /api/quotes/analysis/{id}.
type QuotesResponse struct {
	Quotes       []Quote  `json:"quotes" yaml:"quotes"`
	Total        int      `json:"total" yaml:"total"`
	AverageGrade *float64 `json:"average_grade" yaml:"average_grade,omitempty"`
}

// AnalysisList is the body of GET /api/auth/analyses.
type AnalysisList struct {
	Analyses []Analysis `json:"analyses"`
	Total    int        `json:"total"`
}

// Token is the body returned by POST /api/auth/login.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// UploadResult is the body returned after a reference paper upload.
type UploadResult struct {
	Message            string `json:"message"`
	MissingPapersCount int    `json:"missing_papers_count"`
}
