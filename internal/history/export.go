// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/citecheck/internal/grade"
	"github.com/pdiddy/citecheck/pkg/types"
)

// Export formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// Report is everything recorded about one analysis.
type Report struct {
	Analysis Entry          `json:"analysis" yaml:"analysis"`
	Summary  *ReportSummary `json:"summary,omitempty" yaml:"summary,omitempty"`
	Timeline []Event        `json:"timeline" yaml:"timeline"`
	Uploads  []Upload       `json:"uploads,omitempty" yaml:"uploads,omitempty"`
	Quotes   []ReportQuote  `json:"quotes,omitempty" yaml:"quotes,omitempty"`
}

// ReportSummary holds the aggregate statistics of the recorded quotes.
type ReportSummary struct {
	grade.Summary `yaml:",inline"`
	AverageBand   string         `json:"average_band" yaml:"average_band"`
	Bands         map[string]int `json:"bands" yaml:"bands"`
}

// ReportQuote is a recorded quote with its grade band.
type ReportQuote struct {
	types.Quote `yaml:",inline"`
	Band        string `json:"band" yaml:"band"`
}

// Report assembles everything recorded about analysis id.
func (s *Store) Report(ctx context.Context, id int64) (*Report, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	uploads, err := s.Uploads(ctx, id)
	if err != nil {
		return nil, err
	}
	quotes, err := s.Quotes(ctx, id)
	if err != nil {
		return nil, err
	}

	r := &Report{Analysis: *entry, Timeline: events, Uploads: uploads}
	if len(quotes) > 0 {
		sum := grade.Summarize(quotes)
		r.Summary = &ReportSummary{Summary: sum, AverageBand: sum.AverageBand.String(), Bands: sum.BandCounts()}
		r.Quotes = make([]ReportQuote, len(quotes))
		for i, q := range quotes {
			r.Quotes[i] = ReportQuote{Quote: q, Band: grade.Classify(q.Grade).String()}
		}
	}
	return r, nil
}

// Export writes the report of analysis id to w as YAML or JSON.
func (s *Store) Export(ctx context.Context, id int64, format string, w io.Writer) error {
	if format != FormatYAML && format != FormatJSON {
		return fmt.Errorf("unknown export format %q (want %s or %s)", format, FormatYAML, FormatJSON)
	}
	r, err := s.Report(ctx, id)
	if err != nil {
		return err
	}

	var data []byte
	switch format {
	case FormatYAML:
		data, err = yaml.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling YAML: %w", err)
		}
	case FormatJSON:
		data, err = json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		data = append(data, '\n')
	}
	_, err = w.Write(data)
	return err
}
