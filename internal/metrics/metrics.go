// Package metrics defines the operational counters recorded by the ingest
// pipeline and the search service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder collects pipeline and search metrics.
type Recorder interface {
	RecordIngest(status string, d time.Duration)
	RecordBatch(indexed, failed, reused int, d time.Duration)
	RecordEmbed(d time.Duration, err error)
	RecordSearch(results int, d time.Duration, err error)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordIngest(string, time.Duration)       {}
func (Noop) RecordBatch(int, int, int, time.Duration) {}
func (Noop) RecordEmbed(time.Duration, error)         {}
func (Noop) RecordSearch(int, time.Duration, error)   {}

// Prometheus exports metrics from its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	ingests       *prometheus.CounterVec
	ingestLatency prometheus.Histogram
	units         *prometheus.CounterVec
	batchLatency  prometheus.Histogram
	embedLatency  *prometheus.HistogramVec
	searchLatency *prometheus.HistogramVec
	searchResults prometheus.Histogram
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semindex_ingest_runs_total",
			Help: "Finished ingest runs by final status",
		}, []string{"status"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "semindex_ingest_duration_seconds",
			Help:    "Duration of ingest runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semindex_units_total",
			Help: "Units processed by outcome",
		}, []string{"outcome"}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "semindex_batch_duration_seconds",
			Help:    "Duration of a single ingest batch",
			Buckets: prometheus.DefBuckets,
		}),
		embedLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "semindex_embed_duration_seconds",
			Help:    "Latency of embedder calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		searchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "semindex_search_duration_seconds",
			Help:    "Latency of similarity searches",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "semindex_search_results",
			Help:    "Number of results returned per search",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.ingests, p.ingestLatency, p.units, p.batchLatency,
		p.embedLatency, p.searchLatency, p.searchResults,
	)
	return p
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) RecordIngest(status string, d time.Duration) {
	p.ingests.WithLabelValues(status).Inc()
	p.ingestLatency.Observe(d.Seconds())
}

func (p *Prometheus) RecordBatch(indexed, failed, reused int, d time.Duration) {
	p.units.WithLabelValues("indexed").Add(float64(indexed))
	p.units.WithLabelValues("failed").Add(float64(failed))
	p.units.WithLabelValues("reused").Add(float64(reused))
	p.batchLatency.Observe(d.Seconds())
}

func (p *Prometheus) RecordEmbed(d time.Duration, err error) {
	p.embedLatency.WithLabelValues(status(err)).Observe(d.Seconds())
}

func (p *Prometheus) RecordSearch(results int, d time.Duration, err error) {
	p.searchLatency.WithLabelValues(status(err)).Observe(d.Seconds())
	if err == nil {
		p.searchResults.Observe(float64(results))
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
