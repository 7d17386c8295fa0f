// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ranack/twit-sentiments/internal/inference"
)

const namespace = "sentiments"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	predictions  *prometheus.CounterVec
	confidence   prometheus.Histogram
	inference    prometheus.Histogram
	tokens       prometheus.Histogram
	truncations  prometheus.Counter
	modelState   *prometheus.GaugeVec
	feedback     *prometheus.CounterVec
	loadDuration prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions by label.",
		}, []string{"label"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_confidence",
			Help:      "Confidence of returned predictions.",
			Buckets:   []float64{0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99, 1},
		}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time spent tokenizing and running the model.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		tokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "input_tokens",
			Help:      "Framed sequence length of classified inputs.",
			Buckets:   []float64{4, 8, 16, 32, 64, 128, 256, 512},
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_inputs_total",
			Help:      "Inputs cut to the maximum sequence length.",
		}),
		modelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_state",
			Help:      "1 for the current model lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_reports_total",
			Help:      "Wrong-prediction reports by sink outcome.",
		}, []string{"outcome"}),
		loadDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_load_duration_seconds",
			Help:      "Duration of the last model load.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.latency, m.predictions, m.confidence, m.inference,
		m.tokens, m.truncations, m.modelState, m.feedback, m.loadDuration,
	)
	m.SetModelState(inference.StateUnloaded)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) ObservePrediction(p *inference.Prediction) {
	if m == nil || p == nil {
		return
	}
	m.predictions.WithLabelValues(p.LabelName).Inc()
	m.confidence.Observe(p.Confidence)
	m.inference.Observe(p.Duration.Seconds())
	m.tokens.Observe(float64(p.Tokens))
	if p.Truncated {
		m.truncations.Inc()
	}
}

// SetModelState is shaped to be an inference.ManagerOptions.OnStateChange
// hook.
func (m *Metrics) SetModelState(s inference.State) {
	if m == nil {
		return
	}
	for _, st := range []inference.State{inference.StateUnloaded, inference.StateLoading, inference.StateReady, inference.StateFailed} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.modelState.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) ObserveLoad(d time.Duration) {
	if m == nil {
		return
	}
	m.loadDuration.Set(d.Seconds())
}

func (m *Metrics) ObserveFeedback(outcome string) {
	if m == nil {
		return
	}
	m.feedback.WithLabelValues(outcome).Inc()
}
