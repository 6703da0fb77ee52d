package types

import "time"

// HTTPConfig holds shared HTTP settings for requests to the analysis service.
type HTTPConfig struct {
	// BaseURL is the root of the analysis API (e.g. "http://localhost:8000").
	BaseURL string `json:"api_url" yaml:"api_url"`

	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "citecheck/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// MaxRetries bounds retries on HTTP 429 responses (default 5).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// PollConfig controls automatic status refresh.
type PollConfig struct {
	// Interval is the delay between status refreshes (default 3s).
	Interval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// ResumePolicy decides when an analysis blocked on uploads may be resumed.
type ResumePolicy struct {
	// MinUploads is the number of reference papers the user must supply
	// before resuming (default 1). Zero allows resuming with none.
	MinUploads int `json:"min_uploads" yaml:"min_uploads"`

	// ResumeWhenNothingMissing allows resuming when the server reports
	// awaiting_uploads with an empty missing-papers list.
	ResumeWhenNothingMissing bool `json:"resume_when_nothing_missing" yaml:"resume_when_nothing_missing"`
}

// UploadConfig bounds the files accepted for reference uploads.
type UploadConfig struct {
	// MaxSizeMB is the largest accepted PDF in megabytes (default 50).
	MaxSizeMB int `json:"max_upload_mb" yaml:"max_upload_mb"`

	// DropDir, when set, is watched for PDFs named after reference keys.
	DropDir string `json:"drop_dir,omitempty" yaml:"drop_dir,omitempty"`
}

// ClientConfig groups every setting of the citecheck client.
type ClientConfig struct {
	HTTP   HTTPConfig   `json:"http" yaml:"http"`
	Poll   PollConfig   `json:"poll" yaml:"poll"`
	Resume ResumePolicy `json:"resume" yaml:"resume"`
	Upload UploadConfig `json:"upload" yaml:"upload"`

	// CredentialsDir holds the stored API token (default ".secrets/").
	CredentialsDir string `json:"credentials_dir" yaml:"credentials_dir"`

	// HistoryDB is the path of the local SQLite history database.
	HistoryDB string `json:"history_db" yaml:"history_db"`
}
