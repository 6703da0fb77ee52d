// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package apiclient talks to the quote-analysis REST service: analysis status,
// missing reference papers, graded quotes, reference uploads and resume.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/internal/httputil"
	"github.com/pdiddy/citecheck/pkg/types"
)

const (
	defaultBaseURL   = "http://localhost:8000"
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "citecheck/0.1"

	// quotesPageSize matches the server's default page limit.
	quotesPageSize = 50
)

// TokenFunc returns the bearer token to attach, or "" for none.
type TokenFunc func() string

// Client is a thin typed wrapper over the analysis service endpoints.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	http       *http.Client
	userAgent  string
	maxRetries int
	token      TokenFunc
	logger     *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the source of the Authorization bearer token.
func WithToken(fn TokenFunc) Option {
	return func(c *Client) { c.token = fn }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the service described by cfg.
func New(cfg types.HTTPConfig, opts ...Option) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	c := &Client{
		baseURL:    base,
		http:       &http.Client{Timeout: timeout},
		userAgent:  ua,
		maxRetries: cfg.MaxRetries,
		token:      func() string { return "" },
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// GetAnalysis fetches the current state of one analysis.
func (c *Client) GetAnalysis(ctx context.Context, id int64) (*types.Analysis, error) {
	var a types.Analysis
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/analysis/%d", id), nil, "", &a)
	if err != nil {
		if nf := notFound(id, err); nf != nil {
			return nil, nf
		}
		return nil, &FetchError{Op: "get analysis", Err: err}
	}
	return &a, nil
}

// GetMissingPapers lists the references the server could not fetch.
func (c *Client) GetMissingPapers(ctx context.Context, id int64) ([]types.MissingPaper, error) {
	var body types.MissingPapersResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/analysis/%d/missing-papers", id), nil, "", &body)
	if err != nil {
		if nf := notFound(id, err); nf != nil {
			err = nf
		}
		return nil, &FetchError{Op: "get missing papers", Err: err}
	}
	return body.MissingPapers, nil
}

// GetQuotes fetches every graded quote of an analysis, following the
// server's skip/limit paging until Total quotes have been read.
func (c *Client) GetQuotes(ctx context.Context, id int64) (*types.QuotesResponse, error) {
	var all types.QuotesResponse
	for skip := 0; ; {
		q := url.Values{}
		q.Set("skip", strconv.Itoa(skip))
		q.Set("limit", strconv.Itoa(quotesPageSize))

		var page types.QuotesResponse
		path := fmt.Sprintf("/api/quotes/analysis/%d?%s", id, q.Encode())
		if err := c.do(ctx, http.MethodGet, path, nil, "", &page); err != nil {
			if nf := notFound(id, err); nf != nil {
				err = nf
			}
			return nil, &FetchError{Op: "get quotes", Err: err}
		}

		all.Total = page.Total
		all.AverageGrade = page.AverageGrade
		all.Quotes = append(all.Quotes, page.Quotes...)
		skip += len(page.Quotes)

		if len(page.Quotes) == 0 || skip >= page.Total {
			break
		}
	}
	if all.Quotes == nil {
		all.Quotes = []types.Quote{}
	}
	return &all, nil
}

// GetQuote fetches one quote with the reference paper it was graded against.
func (c *Client) GetQuote(ctx context.Context, quoteID int64) (*types.QuoteDetail, error) {
	var q types.QuoteDetail
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/quotes/%d", quoteID), nil, "", &q); err != nil {
		return nil, &FetchError{Op: "get quote", Err: err}
	}
	return &q, nil
}

// UploadReferencePaper sends a PDF for the reference identified by key.
func (c *Client) UploadReferencePaper(ctx context.Context, id int64, key, filename string, r io.Reader) (*types.UploadResult, error) {
	body, contentType, err := multipartBody(filename, r, map[string]string{"reference_key": key})
	if err != nil {
		return nil, &UploadError{ReferenceKey: key, Err: err}
	}

	var res types.UploadResult
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/analysis/%d/papers", id), body, contentType, &res); err != nil {
		return nil, &UploadError{ReferenceKey: key, Err: err}
	}
	return &res, nil
}

// ContinueAnalysis asks the server to resume an analysis blocked on uploads.
func (c *Client) ContinueAnalysis(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/analysis/%d/continue", id), nil, "", nil); err != nil {
		if nf := notFound(id, err); nf != nil {
			err = nf
		}
		return &ResumeError{AnalysisID: id, Err: err}
	}
	return nil
}

// CreateAnalysis uploads a paper and starts a new analysis. In manual mode
// the server skips automatic reference fetching and asks for every paper.
func (c *Client) CreateAnalysis(ctx context.Context, filename string, r io.Reader, manual bool) (*types.Analysis, error) {
	body, contentType, err := multipartBody(filename, r, map[string]string{"manual_mode": strconv.FormatBool(manual)})
	if err != nil {
		return nil, &RequestError{Op: "create analysis", Fallback: msgCreate, Err: err}
	}

	var a types.Analysis
	if err := c.do(ctx, http.MethodPost, "/api/analysis/", body, contentType, &a); err != nil {
		return nil, &RequestError{Op: "create analysis", Fallback: msgCreate, Err: err}
	}
	return &a, nil
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (*types.Token, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	var tok types.Token
	err := c.do(ctx, http.MethodPost, "/api/auth/login",
		[]byte(form.Encode()), "application/x-www-form-urlencoded", &tok)
	if err != nil {
		return nil, &RequestError{Op: "login", Fallback: msgLogin, Err: err}
	}
	return &tok, nil
}

// ListAnalyses returns the analyses owned by the authenticated user.
func (c *Client) ListAnalyses(ctx context.Context) (*types.AnalysisList, error) {
	var list types.AnalysisList
	if err := c.do(ctx, http.MethodGet, "/api/auth/analyses", nil, "", &list); err != nil {
		return nil, &FetchError{Op: "list analyses", Err: err}
	}
	return &list, nil
}

// do sends one request and decodes a JSON response into out (when non-nil).
// Non-2xx answers become *APIError carrying the server's detail message.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := httputil.DoWithRetry(ctx, c.http, req, c.maxRetries)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("method", method), zap.String("path", path),
			zap.String("request_id", requestID), zap.Error(err))
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request completed",
		zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.String("request_id", requestID),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// readDetail extracts a string "detail" field from an error body. Validation
// errors carry a list instead; those fall back to the generic message.
func readDetail(r io.Reader) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&body); err != nil {
		return ""
	}
	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err != nil {
		return ""
	}
	return detail
}

func multipartBody(filename string, r io.Reader, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", filename, err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
