// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package apiclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pdiddy/citecheck/pkg/types"
)

// Generic messages shown when the server gives no detail.
const (
	msgLoadAnalysis = "Failed to load analysis"
	msgUpload       = "Failed to upload file"
	msgResume       = "Failed to continue analysis"
	msgCreate       = "Failed to create analysis"
	msgLogin        = "Failed to log in"
)

// APIError is a non-2xx answer from the analysis service.
type APIError struct {
	StatusCode int
	// Detail is the server's "detail" message, empty when absent.
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// FetchError reports a failed retrieval of an analysis, its missing papers,
// its quotes or a list of analyses.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// NotFoundError reports that an analysis id does not resolve to a job.
type NotFoundError struct {
	AnalysisID int64
	Err        error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("analysis %d not found", e.AnalysisID)
}
func (e *NotFoundError) Unwrap() error { return e.Err }

// UploadError reports a failed reference paper upload.
type UploadError struct {
	ReferenceKey string
	Err          error

	// Local is set when the file was rejected before it was sent. Its
	// message is then shown to the user as is.
	Local bool
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading %s: %v", e.ReferenceKey, e.Err)
}
func (e *UploadError) Unwrap() error { return e.Err }

// ResumeError reports a failed continue request.
type ResumeError struct {
	AnalysisID int64
	Err        error
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("resuming analysis %d: %v", e.AnalysisID, e.Err)
}
func (e *ResumeError) Unwrap() error { return e.Err }

// RequestError reports a failed account or submission request.
type RequestError struct {
	Op       string
	Fallback string
	Err      error
}

func (e *RequestError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *RequestError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the analysis does not exist.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnknownStatus reports whether err came from an unrecognised status value.
func IsUnknownStatus(err error) bool {
	var us *types.UnknownStatusError
	return errors.As(err, &us)
}

// UserMessage returns the text to show for err: the server's detail when it
// sent one, otherwise a generic message for the failed operation.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}

	var (
		nf *NotFoundError
		ue *UploadError
		re *ResumeError
		us *types.UnknownStatusError
		rq *RequestError
	)
	switch {
	case errors.As(err, &rq):
		return rq.Fallback
	case errors.As(err, &nf):
		return "Analysis not found"
	case errors.As(err, &us):
		return us.Error()
	case errors.As(err, &ue):
		if ue.Local {
			return ue.Err.Error()
		}
		return msgUpload
	case errors.As(err, &re):
		return msgResume
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return msgLoadAnalysis
	}
	return err.Error()
}

// isStatus reports whether err wraps an APIError with the given code.
func isStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

func notFound(id int64, err error) error {
	if isStatus(err, http.StatusNotFound) {
		return &NotFoundError{AnalysisID: id, Err: err}
	}
	return nil
}
