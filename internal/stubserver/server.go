// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package stubserver is an in-process fake of the analysis service. Each
// analysis follows a script of statuses, advanced by one step every time
// the analysis is fetched. It backs the end-to-end tests and the
// stub-server command.
package stubserver

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/pkg/types"
)

const (
	maxUploadBytes = 50 << 20
	defaultLimit   = 50
)

// Job scripts one analysis.
type Job struct {
	// Script is the sequence of statuses reported by successive fetches.
	// The last status repeats once the script runs out.
	Script []types.Status

	// ResumeScript replaces the remaining script after a successful continue.
	ResumeScript []types.Status

	Title         string
	StatusMessage string
	Missing       []types.MissingPaper
	Quotes        []types.Quote

	// Owner is the user the analysis belongs to, for the analyses listing.
	Owner string
}

// DemoJob is the job the stub server starts with: it waits for two
// reference papers, then grades three quotes.
func DemoJob() Job {
	g95, g50 := 95.0, 50.0
	ref1, ref2 := "[1]", "[2]"
	text1 := "Smith, J. (2020). Attention in sparse networks. NeurIPS."
	text2 := "Doe, A. (2019). On citation accuracy. ACL."
	explain := "The source supports the claim."
	return Job{
		Script: []types.Status{
			types.StatusPending,
			types.StatusExtractingQuotes,
			types.StatusFetchingReferences,
			types.StatusAwaitingUploads,
		},
		ResumeScript: []types.Status{types.StatusValidating, types.StatusCompleted},
		Title:        "Sparse Attention Revisited",
		Missing: []types.MissingPaper{
			{ReferenceKey: ref1, ReferenceText: &text1},
			{ReferenceKey: ref2, ReferenceText: &text2},
		},
		Quotes: []types.Quote{
			{ID: 1, Text: "Sparse attention matches dense accuracy.", ReferenceKey: &ref1, Status: types.QuoteValidated, Grade: &g95, Explanation: &explain},
			{ID: 2, Text: "Citation errors affect a third of papers.", ReferenceKey: &ref2, Status: types.QuoteValidated, Grade: &g50},
			{ID: 3, Text: "Prior work ignored the problem.", Status: types.QuoteFailed},
		},
	}
}

type job struct {
	analysis types.Analysis
	script   []types.Status
	resume   []types.Status
	missing  []types.MissingPaper
	uploaded map[string]string
	quotes   []types.Quote
	owner    string
}

// Server is the fake analysis service.
type Server struct {
	logger *zap.Logger
	now    func() time.Time
	auth   *authority

	mu     sync.Mutex
	jobs   map[int64]*job
	users  map[string]string
	nextID int64
	manual Job
	auto   Job
	calls  map[string]int
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the time source for timestamps and token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithSecret sets the HMAC key used to sign access tokens.
func WithSecret(secret string) Option {
	return func(s *Server) { s.auth.secret = []byte(secret) }
}

// WithTemplates sets the jobs used for newly created analyses, one for
// automatic reference fetching and one for manual mode.
func WithTemplates(auto, manual Job) Option {
	return func(s *Server) {
		s.auto = auto
		s.manual = manual
	}
}

// New creates an empty server.
func New(opts ...Option) *Server {
	manual := DemoJob()
	manual.Script = []types.Status{types.StatusPending, types.StatusExtractingQuotes, types.StatusAwaitingUploads}

	s := &Server{
		logger: zap.NewNop(),
		now:    time.Now,
		auth:   &authority{secret: []byte("citecheck-stub-secret"), ttl: 24 * time.Hour},
		jobs:   make(map[int64]*job),
		users:  make(map[string]string),
		nextID: 1,
		auto:   DemoJob(),
		manual: manual,
		calls:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.auth.now = s.now
	return s
}

// AddJob registers a scripted analysis under id.
func (s *Server) AddJob(id int64, j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(id, j)
	if id >= s.nextID {
		s.nextID = id + 1
	}
}

func (s *Server) addLocked(id int64, j Job) *job {
	first := types.StatusPending
	if len(j.Script) > 0 {
		first = j.Script[0]
	}
	a := types.Analysis{ID: id, Status: first, CreatedAt: s.now().UTC()}
	if j.Title != "" {
		title := j.Title
		a.UploadedPaper = &types.Paper{ID: id * 1000, Title: &title, SourceType: types.SourceUploaded}
	}
	if j.StatusMessage != "" {
		msg := j.StatusMessage
		a.StatusMessage = &msg
	}
	nj := &job{
		analysis: a,
		script:   append([]types.Status(nil), j.Script...),
		resume:   append([]types.Status(nil), j.ResumeScript...),
		missing:  append([]types.MissingPaper(nil), j.Missing...),
		uploaded: make(map[string]string),
		quotes:   append([]types.Quote(nil), j.Quotes...),
		owner:    j.Owner,
	}
	s.jobs[id] = nj
	return nj
}

// AddUser registers login credentials.
func (s *Server) AddUser(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = password
}

// Calls returns how often a route was hit, keyed by handler name
// ("get", "missing", "quotes", "quote", "upload", "continue", "create",
// "login", "list").
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog())

	api := engine.Group("/api")
	{
		api.POST("/analysis/", s.createAnalysis)
		api.GET("/analysis/:id", s.getAnalysis)
		api.GET("/analysis/:id/missing-papers", s.getMissingPapers)
		api.POST("/analysis/:id/papers", s.uploadPaper)
		api.POST("/analysis/:id/continue", s.continueAnalysis)

		api.GET("/quotes/analysis/:id", s.getQuotes)
		api.GET("/quotes/:id", s.getQuote)

		api.POST("/auth/login", s.login)
		api.GET("/auth/analyses", s.auth.required(), s.listAnalyses)
	}
	return engine
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		s.logger.Debug("stub request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("request_id", c.GetHeader("X-Request-ID")),
			zap.Duration("duration", s.now().Sub(start)))
	}
}

func detail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"detail": msg})
}

// lookupLocked resolves the :id parameter and counts the call. It writes the
// error response and returns nil when the analysis does not exist. The
// caller must hold s.mu.
func (s *Server) lookupLocked(c *gin.Context, name string) *job {
	s.calls[name]++
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "Invalid analysis id")
		return nil
	}
	j, ok := s.jobs[id]
	if !ok {
		detail(c, http.StatusNotFound, "Analysis not found")
		return nil
	}
	return j
}

func (s *Server) getAnalysis(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.lookupLocked(c, "get")
	if j == nil {
		return
	}
	if len(j.script) > 0 {
		next := j.script[0]
		j.script = j.script[1:]
		if next != j.analysis.Status {
			now := s.now().UTC()
			j.analysis.Status = next
			j.analysis.UpdatedAt = &now
			if next == types.StatusAwaitingUploads && j.analysis.StatusMessage == nil {
				msg := "Please upload the reference papers"
				j.analysis.StatusMessage = &msg
			}
		}
	}
	c.JSON(http.StatusOK, j.analysis)
}

func (s *Server) getMissingPapers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.lookupLocked(c, "missing")
	if j == nil {
		return
	}
	out := make([]types.MissingPaper, 0, len(j.missing))
	for _, p := range j.missing {
		if _, done := j.uploaded[p.ReferenceKey]; !done {
			out = append(out, p)
		}
	}
	c.JSON(http.StatusOK, types.MissingPapersResponse{MissingPapers: out})
}

func (s *Server) uploadPaper(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.lookupLocked(c, "upload")
	if j == nil {
		return
	}
	if j.analysis.Status != types.StatusAwaitingUploads {
		detail(c, http.StatusBadRequest, "Analysis is not awaiting paper uploads")
		return
	}
	key := c.PostForm("reference_key")
	if key == "" {
		detail(c, http.StatusUnprocessableEntity, "reference_key is required")
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "file is required")
		return
	}
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
		detail(c, http.StatusBadRequest, "Only PDF files are supported")
		return
	}
	if fh.Size > maxUploadBytes {
		detail(c, http.StatusBadRequest, fmt.Sprintf("File too large. Maximum size is %dMB", maxUploadBytes>>20))
		return
	}
	j.uploaded[key] = fh.Filename

	remaining := 0
	for _, p := range j.missing {
		if _, done := j.uploaded[p.ReferenceKey]; !done {
			remaining++
		}
	}
	c.JSON(http.StatusOK, types.UploadResult{Message: "Paper uploaded successfully", MissingPapersCount: remaining})
}

func (s *Server) continueAnalysis(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.lookupLocked(c, "continue")
	if j == nil {
		return
	}
	if j.analysis.Status != types.StatusAwaitingUploads {
		detail(c, http.StatusBadRequest, "Analysis is not awaiting uploads")
		return
	}
	j.script = append([]types.Status(nil), j.resume...)
	j.analysis.StatusMessage = nil
	c.JSON(http.StatusOK, gin.H{"message": "Analysis resumed"})
}

func (s *Server) getQuotes(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.lookupLocked(c, "quotes")
	if j == nil {
		return
	}
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	var quotes []types.Quote
	if j.analysis.Status == types.StatusCompleted {
		quotes = j.quotes
	}
	page := []types.Quote{}
	if skip < len(quotes) {
		end := skip + limit
		if end > len(quotes) {
			end = len(quotes)
		}
		page = quotes[skip:end]
	}
	c.JSON(http.StatusOK, types.QuotesResponse{Quotes: page, Total: len(quotes), AverageGrade: averageGrade(quotes)})
}

// averageGrade is the mean over validated quotes with a grade, rounded to
// one decimal, or nil when there are none.
func averageGrade(quotes []types.Quote) *float64 {
	var sum float64
	var n int
	for _, q := range quotes {
		if q.Status == types.QuoteValidated && q.Grade != nil {
			sum += *q.Grade
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := float64(int(sum/float64(n)*10+0.5)) / 10
	return &avg
}

func (s *Server) getQuote(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["quote"]++

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "Invalid quote id")
		return
	}
	for _, j := range s.jobs {
		for _, q := range j.quotes {
			if q.ID != id {
				continue
			}
			d := types.QuoteDetail{Quote: q}
			if q.ReferenceKey != nil {
				title := "Reference " + *q.ReferenceKey
				src := types.SourceArxiv
				if _, ok := j.uploaded[*q.ReferenceKey]; ok {
					src = types.SourceManual
				}
				d.Reference = &types.Paper{ID: q.ID + 10000, Title: &title, SourceType: src, ReferenceKey: q.ReferenceKey}
			}
			c.JSON(http.StatusOK, d)
			return
		}
	}
	detail(c, http.StatusNotFound, "Quote not found")
}

func (s *Server) createAnalysis(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["create"]++

	fh, err := c.FormFile("file")
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "file is required")
		return
	}
	if !strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
		detail(c, http.StatusBadRequest, "Only PDF files are supported")
		return
	}
	if fh.Size > maxUploadBytes {
		detail(c, http.StatusBadRequest, fmt.Sprintf("File too large. Maximum size is %dMB", maxUploadBytes>>20))
		return
	}

	tmpl := s.auto
	if manual, _ := strconv.ParseBool(c.PostForm("manual_mode")); manual {
		tmpl = s.manual
	}
	tmpl.Title = strings.TrimSuffix(fh.Filename, filepath.Ext(fh.Filename))
	tmpl.Owner = s.auth.subject(c)

	id := s.nextID
	s.nextID++
	j := s.addLocked(id, tmpl)
	c.JSON(http.StatusOK, j.analysis)
}

func (s *Server) login(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["login"]++

	email := c.PostForm("username")
	password, ok := s.users[email]
	if !ok || password != c.PostForm("password") {
		c.Header("WWW-Authenticate", "Bearer")
		detail(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	tok, err := s.auth.issue(email)
	if err != nil {
		detail(c, http.StatusInternalServerError, "Could not issue token")
		return
	}
	c.JSON(http.StatusOK, types.Token{AccessToken: tok, TokenType: "bearer"})
}

func (s *Server) listAnalyses(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["list"]++

	user := c.GetString(userKey)
	out := []types.Analysis{}
	for _, j := range s.jobs {
		if j.owner == user {
			out = append(out, j.analysis)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	c.JSON(http.StatusOK, types.AnalysisList{Analyses: out, Total: len(out)})
}
