package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/knee-grader/internal/predictor"
)

// Prediction outcome labels.
const (
	OutcomeSuccess      = "success"
	OutcomeServerError  = "server_error"
	OutcomeMalformed    = "malformed_response"
	OutcomeNetworkError = "network_error"
)

// Collector holds the prometheus instruments for the grading flow.
type Collector struct {
	predictions *prometheus.CounterVec
	cacheHits   prometheus.Counter
	latency     prometheus.Histogram
}

// NewCollector registers the grading instruments on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kneegrader_predictions_total",
			Help: "Prediction requests by outcome.",
		}, []string{"outcome"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "kneegrader_prediction_cache_hits_total",
			Help: "Predictions served from the image-hash cache.",
		}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kneegrader_prediction_latency_seconds",
			Help:    "Latency of calls to the prediction service.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObservePrediction records one completed prediction attempt.
func (c *Collector) ObservePrediction(outcome string, d time.Duration) {
	c.predictions.WithLabelValues(outcome).Inc()
	c.latency.Observe(d.Seconds())
}

// ObserveCacheHit records a prediction answered without calling the service.
func (c *Collector) ObserveCacheHit() {
	c.cacheHits.Inc()
	c.predictions.WithLabelValues(OutcomeSuccess).Inc()
}

// OutcomeFor maps a predictor error onto its outcome label.
func OutcomeFor(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	var serverErr *predictor.ServerError
	if errors.As(err, &serverErr) {
		return OutcomeServerError
	}
	var malformed *predictor.MalformedResponseError
	if errors.As(err, &malformed) {
		return OutcomeMalformed
	}
	return OutcomeNetworkError
}
