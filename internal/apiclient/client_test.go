// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/citecheck/pkg/types"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	opts = append([]Option{WithHTTPClient(ts.Client())}, opts...)
	return New(types.HTTPConfig{BaseURL: ts.URL + "/"}, opts...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func TestGetAnalysis(t *testing.T) {
	var gotAuth, gotRequestID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/analysis/7", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		io.WriteString(w, `{
			"id": 7, "status": "fetching_references", "status_message": "Fetching 3 papers",
			"created_at": "2026-01-02T03:04:05Z", "updated_at": null,
			"uploaded_paper": {"id": 1, "title": "Attention", "authors": null, "year": 2017,
				"doi": null, "source_type": "uploaded", "reference_key": null}
		}`)
	}, WithToken(func() string { return "tok" }))

	a, err := c.GetAnalysis(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), a.ID)
	assert.Equal(t, types.StatusFetchingReferences, a.Status)
	assert.Equal(t, "Fetching 3 papers", a.Message())
	assert.Nil(t, a.UpdatedAt)
	assert.Equal(t, "Attention", a.Title())
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Len(t, gotRequestID, 36)
}

func TestGetAnalysisWithoutToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["Authorization"]
		assert.False(t, present)
		io.WriteString(w, `{"id": 1, "status": "pending", "created_at": "2026-01-02T03:04:05Z"}`)
	})

	a, err := c.GetAnalysis(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Untitled Analysis", a.Title())
}

func TestGetAnalysisNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Analysis not found"})
	})

	_, err := c.GetAnalysis(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "Analysis not found", UserMessage(err))
}

func TestGetAnalysisUnknownStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": 1, "status": "teleporting", "created_at": "2026-01-02T03:04:05Z"}`)
	})

	_, err := c.GetAnalysis(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsUnknownStatus(err))
	var fe *FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestServerErrorFallsBackToGenericMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "<html>oops</html>")
	})

	_, err := c.GetAnalysis(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Equal(t, "Failed to load analysis", UserMessage(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestValidationDetailListFallsBack(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": "field required"}},
		})
	})

	err := c.ContinueAnalysis(context.Background(), 3)
	require.Error(t, err)
	assert.Equal(t, "Failed to continue analysis", UserMessage(err))
}

func TestGetMissingPapers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/analysis/7/missing-papers", r.URL.Path)
		io.WriteString(w, `{"missing_papers": [
			{"reference_key": "[1]", "reference_text": "Smith 2020", "title": null, "doi": "10.1/x"},
			{"reference_key": "[2]", "reference_text": null, "title": "Deep Nets", "doi": null}
		]}`)
	})

	papers, err := c.GetMissingPapers(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, papers, 2)
	assert.Equal(t, "[1]", papers[0].ReferenceKey)
	assert.Equal(t, "10.1/x", *papers[0].DOI)
	assert.Nil(t, papers[1].ReferenceText)
}

func TestGetQuotesFollowsPaging(t *testing.T) {
	const total = 120
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/quotes/analysis/5", r.URL.Path)
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var quotes []types.Quote
		for i := skip; i < total && i < skip+limit; i++ {
			quotes = append(quotes, types.Quote{ID: int64(i + 1), Text: fmt.Sprintf("q%d", i+1), Status: types.QuoteValidated})
		}
		avg := 81.5
		writeJSON(w, http.StatusOK, types.QuotesResponse{Quotes: quotes, Total: total, AverageGrade: &avg})
	})

	resp, err := c.GetQuotes(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, total, resp.Total)
	assert.Len(t, resp.Quotes, total)
	assert.Equal(t, int64(120), resp.Quotes[119].ID)
	require.NotNil(t, resp.AverageGrade)
	assert.Equal(t, 81.5, *resp.AverageGrade)
}

func TestGetQuotesEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"quotes": [], "total": 0, "average_grade": null}`)
	})

	resp, err := c.GetQuotes(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, resp.Quotes)
	assert.Empty(t, resp.Quotes)
	assert.Nil(t, resp.AverageGrade)
}

func TestUploadReferencePaper(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/analysis/7/papers", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "[Smith2020]", r.FormValue("reference_key"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "smith.pdf", hdr.Filename)
		assert.Equal(t, "%PDF-1.4 body", string(data))
		writeJSON(w, http.StatusOK, map[string]any{"message": "Paper uploaded successfully", "missing_papers_count": 1})
	})

	res, err := c.UploadReferencePaper(context.Background(), 7, "[Smith2020]", "smith.pdf", strings.NewReader("%PDF-1.4 body"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingPapersCount)
}

func TestUploadReferencePaperRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Only PDF files are supported"})
	})

	_, err := c.UploadReferencePaper(context.Background(), 7, "[1]", "a.pdf", strings.NewReader("x"))
	require.Error(t, err)
	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "[1]", ue.ReferenceKey)
	assert.Equal(t, "Only PDF files are supported", UserMessage(err))
}

func TestContinueAnalysis(t *testing.T) {
	var method, path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		writeJSON(w, http.StatusOK, map[string]string{"message": "Analysis resumed"})
	})

	require.NoError(t, c.ContinueAnalysis(context.Background(), 7))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/api/analysis/7/continue", path)
}

func TestContinueAnalysisNotAwaiting(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Analysis is not awaiting uploads"})
	})

	err := c.ContinueAnalysis(context.Background(), 7)
	var re *ResumeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "Analysis is not awaiting uploads", UserMessage(err))
}

func TestCreateAnalysis(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/analysis/", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "true", r.FormValue("manual_mode"))
		io.WriteString(w, `{"id": 12, "status": "pending", "created_at": "2026-01-02T03:04:05Z"}`)
	})

	a, err := c.CreateAnalysis(context.Background(), "paper.pdf", strings.NewReader("%PDF"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(12), a.ID)
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		if r.PostForm.Get("password") != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect email or password"})
			return
		}
		assert.Equal(t, "a@b.c", r.PostForm.Get("username"))
		writeJSON(w, http.StatusOK, types.Token{AccessToken: "jwt", TokenType: "bearer"})
	})

	tok, err := c.Login(context.Background(), "a@b.c", "secret")
	require.NoError(t, err)
	assert.Equal(t, "jwt", tok.AccessToken)

	_, err = c.Login(context.Background(), "a@b.c", "wrong")
	require.Error(t, err)
	assert.Equal(t, "Incorrect email or password", UserMessage(err))
}

func TestUserMessageFallbacks(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"fetch", &FetchError{Op: "get quotes", Err: errors.New("eof")}, "Failed to load analysis"},
		{"upload", &UploadError{ReferenceKey: "[1]", Err: errors.New("eof")}, "Failed to upload file"},
		{"resume", &ResumeError{AnalysisID: 1, Err: errors.New("eof")}, "Failed to continue analysis"},
		{"not found without detail", &NotFoundError{AnalysisID: 1}, "Analysis not found"},
		{"request", &RequestError{Op: "login", Fallback: "Failed to log in", Err: errors.New("eof")}, "Failed to log in"},
		{"detail wins", &UploadError{Err: &APIError{StatusCode: 400, Detail: "File too large"}}, "File too large"},
		{"plain", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err))
		})
	}
}
