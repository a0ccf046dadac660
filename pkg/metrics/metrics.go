// Package metrics exports supervisor, dispatch and call-session metrics to
// Prometheus.
package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callctl/pkg/protocol"
)

const namespace = "callctl"

// PrometheusRecorder counts lifecycle events and observes dispatch and HTTP
// latency. Each recorder owns its registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	eventsTotal       *prometheus.CounterVec
	workersRunning    prometheus.Gauge
	callTransitions   *prometheus.CounterVec
	dispatchTotal     *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder with a fresh registry that also
// carries the Go runtime and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_events_total",
				Help:      "Lifecycle events by type",
			},
			[]string{"type"},
		),
		workersRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_running",
				Help:      "Worker processes currently supervised",
			},
		),
		callTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "call_state_transitions_total",
				Help:      "Call session state transitions by target state",
			},
			[]string{"to"},
		),
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Dispatch attempts by transport and error class",
			},
			[]string{"transport", "class"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Control-plane dispatch latency",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"transport"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP API requests by route and status code",
			},
			[]string{"route", "code"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP API request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// Record implements protocol.Recorder.
func (p *PrometheusRecorder) Record(e protocol.Event) {
	p.eventsTotal.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case protocol.EventAgentStarted:
		p.workersRunning.Inc()
	case protocol.EventAgentStopped, protocol.EventAgentForceStopped, protocol.EventAgentExited:
		p.workersRunning.Dec()
	case protocol.EventCallState:
		var t struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal([]byte(e.Payload), &t); err == nil && t.To != "" {
			p.callTransitions.WithLabelValues(t.To).Inc()
		}
	}
}

// ObserveDispatch records one dispatch attempt.
func (p *PrometheusRecorder) ObserveDispatch(transport string, err error, d time.Duration) {
	class := string(protocol.Classify(err))
	if class == "" {
		class = "ok"
	}
	p.dispatchTotal.WithLabelValues(transport, class).Inc()
	p.dispatchDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// ObserveHTTP records one HTTP request.
func (p *PrometheusRecorder) ObserveHTTP(route string, code int, d time.Duration) {
	p.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	p.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Registry returns the recorder's registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
