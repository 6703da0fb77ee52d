// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package grade summarises graded quotes: grade bands, averages and the
// good / needs-review counts shown with analysis results.
package grade

import (
	"fmt"
	"strings"

	"github.com/pdiddy/citecheck/pkg/types"
)

// Band is a fixed grade range used to classify a quote.
type Band int

const (
	Pending Band = iota
	Excellent
	Good
	Fair
	Poor
	Inaccurate
)

// Lower bounds of each graded band, inclusive.
const (
	ExcellentMin = 90.0
	GoodMin      = 75.0
	FairMin      = 60.0
	PoorMin      = 40.0
)

// Bands lists every band in display order.
var Bands = []Band{Excellent, Good, Fair, Poor, Inaccurate, Pending}

var bandNames = map[Band]string{
	Pending:    "Pending",
	Excellent:  "Excellent",
	Good:       "Good",
	Fair:       "Fair",
	Poor:       "Poor",
	Inaccurate: "Inaccurate",
}

func (b Band) String() string {
	if s, ok := bandNames[b]; ok {
		return s
	}
	return "Unknown"
}

// ParseBand returns the band named s, ignoring case.
func ParseBand(s string) (Band, error) {
	for b, name := range bandNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return b, nil
		}
	}
	return Pending, fmt.Errorf("unknown grade band %q", s)
}

// Classify maps a grade to its band. A nil grade has not been validated yet.
func Classify(g *float64) Band {
	if g == nil {
		return Pending
	}
	switch v := *g; {
	case v >= ExcellentMin:
		return Excellent
	case v >= GoodMin:
		return Good
	case v >= FairMin:
		return Fair
	case v >= PoorMin:
		return Poor
	default:
		return Inaccurate
	}
}

// CountGood counts quotes graded at or above GoodMin.
func CountGood(quotes []types.Quote) int {
	n := 0
	for _, q := range quotes {
		if q.Grade != nil && *q.Grade >= GoodMin {
			n++
		}
	}
	return n
}

// CountNeedsReview counts graded quotes below FairMin. Quotes without a
// grade are not counted: they have not been judged yet.
func CountNeedsReview(quotes []types.Quote) int {
	n := 0
	for _, q := range quotes {
		if q.Grade != nil && *q.Grade < FairMin {
			n++
		}
	}
	return n
}

// AverageGrade returns the mean of all non-nil grades, or nil when no quote
// has been graded.
func AverageGrade(quotes []types.Quote) *float64 {
	var sum float64
	var n int
	for _, q := range quotes {
		if q.Grade != nil {
			sum += *q.Grade
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

// Summary aggregates the results of a completed analysis.
type Summary struct {
	Total        int          `json:"total" yaml:"total"`
	Graded       int          `json:"graded" yaml:"graded"`
	AverageGrade *float64     `json:"average_grade" yaml:"average_grade,omitempty"`
	AverageBand  Band         `json:"-" yaml:"-"`
	Good         int          `json:"good" yaml:"good"`
	NeedsReview  int          `json:"needs_review" yaml:"needs_review"`
	ByBand       map[Band]int `json:"-" yaml:"-"`
}

// Summarize computes every aggregate over quotes.
func Summarize(quotes []types.Quote) Summary {
	s := Summary{
		Total:        len(quotes),
		AverageGrade: AverageGrade(quotes),
		Good:         CountGood(quotes),
		NeedsReview:  CountNeedsReview(quotes),
		ByBand:       make(map[Band]int, len(Bands)),
	}
	s.AverageBand = Classify(s.AverageGrade)
	for _, q := range quotes {
		b := Classify(q.Grade)
		s.ByBand[b]++
		if b != Pending {
			s.Graded++
		}
	}
	return s
}

// BandCounts returns ByBand keyed by band name, for serialisation.
func (s Summary) BandCounts() map[string]int {
	out := make(map[string]int, len(s.ByBand))
	for b, n := range s.ByBand {
		out[b.String()] = n
	}
	return out
}
