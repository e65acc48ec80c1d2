package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dealcheck/internal/models"
)

type Registry struct {
	reg            *prometheus.Registry
	Runs           prometheus.Counter
	Documents      *prometheus.CounterVec // by result status
	Matches        *prometheus.CounterVec // by match status
	TextCacheHits  prometheus.Counter
	RunDurationSec prometheus.Histogram
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	runs := prometheus.NewCounter(prometheus.CounterOpts{Name: "dealcheck_validation_runs_total"})
	documents := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dealcheck_documents_validated_total"}, []string{"status"})
	matches := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dealcheck_matches_total"}, []string{"status"})
	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{Name: "dealcheck_text_cache_hits_total"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dealcheck_validation_run_seconds",
		Buckets: prometheus.DefBuckets,
	})

	r.MustRegister(runs, documents, matches, cacheHits, duration)
	return &Registry{
		reg:            r,
		Runs:           runs,
		Documents:      documents,
		Matches:        matches,
		TextCacheHits:  cacheHits,
		RunDurationSec: duration,
	}
}

// ObserveRun records one finished run. Safe on a nil Registry.
func (r *Registry) ObserveRun(run *models.ValidationRun, elapsed time.Duration) {
	if r == nil || run == nil {
		return
	}
	r.Runs.Inc()
	r.RunDurationSec.Observe(elapsed.Seconds())
	for _, doc := range run.Results {
		r.Documents.WithLabelValues(doc.Status).Inc()
		for _, m := range doc.Matches {
			r.Matches.WithLabelValues(m.Status).Inc()
		}
	}
}

func (r *Registry) CacheHit() {
	if r == nil {
		return
	}
	r.TextCacheHits.Inc()
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
