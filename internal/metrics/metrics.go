// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package metrics exposes Prometheus instruments for tracked analyses:
// status transitions, polling failures, reference uploads and quote grades.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pdiddy/citecheck/internal/grade"
	"github.com/pdiddy/citecheck/internal/status"
	"github.com/pdiddy/citecheck/internal/tracker"
	"github.com/pdiddy/citecheck/internal/upload"
)

const namespace = "citecheck"

// Metrics holds the collectors registered for one process.
type Metrics struct {
	gatherer prometheus.Gatherer

	Transitions *prometheus.CounterVec
	PollErrors  prometheus.Counter
	Uploads     *prometheus.CounterVec
	Quotes      *prometheus.GaugeVec
	Current     *prometheus.GaugeVec

	mu   sync.Mutex
	last map[int64]string
}

// New creates the collectors and registers them with reg. A nil reg gets
// a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Analysis status changes observed, by new status.",
		}, []string{"status"}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Scheduled status refreshes that failed.",
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Reference upload state changes, by state.",
		}, []string{"state"}),
		Quotes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quotes",
			Help:      "Quotes of completed analyses, by grade band.",
		}, []string{"analysis_id", "band"}),
		Current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analysis_step",
			Help:      "Processing step of each tracked analysis (-1 failed, 4 completed).",
		}, []string{"analysis_id"}),
		last: make(map[int64]string),
	}
	reg.MustRegister(m.Transitions, m.PollErrors, m.Uploads, m.Quotes, m.Current)
	return m
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Options returns the tracker hooks that feed these metrics.
func (m *Metrics) Options() []tracker.Option {
	return []tracker.Option{
		tracker.OnSnapshot(m.ObserveSnapshot),
		tracker.OnUploadState(m.ObserveUpload),
		tracker.OnPollError(func(error) { m.PollErrors.Inc() }),
	}
}

// ObserveSnapshot records status changes and, once quotes are loaded, the
// band breakdown of the analysis.
func (m *Metrics) ObserveSnapshot(snap status.Snapshot) {
	a := snap.Analysis
	if a == nil {
		return
	}
	id := strconv.FormatInt(a.ID, 10)

	m.mu.Lock()
	changed := m.last[a.ID] != string(a.Status)
	m.last[a.ID] = string(a.Status)
	m.mu.Unlock()

	if changed {
		m.Transitions.WithLabelValues(string(a.Status)).Inc()
		m.Current.WithLabelValues(id).Set(float64(a.Status.Step()))
	}
	if snap.Quotes != nil {
		sum := grade.Summarize(snap.Quotes.Quotes)
		for _, b := range grade.Bands {
			m.Quotes.WithLabelValues(id, b.String()).Set(float64(sum.ByBand[b]))
		}
	}
}

// ObserveUpload counts one upload state change.
func (m *Metrics) ObserveUpload(_ string, st upload.State, _ error) {
	m.Uploads.WithLabelValues(st.String()).Inc()
}
