// Package metrics exposes pipeline and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline captures ingestion pipeline activity.
type Pipeline interface {
	IncPipelineStarted(kind string)
	IncPipelineCompleted(kind, status string)
	ObserveStageDuration(stage, outcome string, durationSeconds float64)
	IncStageFailure(stage, code string)
	IncRevisionTransition(status string)
	IncOutboxDispatched(count int)
	IncOutboxFailed()
	IncRemoteTask(service, status string)
}

// HTTP captures request metrics for the API services.
type HTTP interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every interface without emitting anything.
type Noop struct{}

func (Noop) IncPipelineStarted(string)                      {}
func (Noop) IncPipelineCompleted(string, string)            {}
func (Noop) ObserveStageDuration(string, string, float64)   {}
func (Noop) IncStageFailure(string, string)                 {}
func (Noop) IncRevisionTransition(string)                   {}
func (Noop) IncOutboxDispatched(int)                        {}
func (Noop) IncOutboxFailed()                               {}
func (Noop) IncRemoteTask(string, string)                   {}
func (Noop) ObserveRequest(string, string, string, float64) {}

type Prom struct {
	pipelinesStarted   *prometheus.CounterVec
	pipelinesCompleted *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	stageFailures      *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	outboxDispatched   prometheus.Counter
	outboxFailed       prometheus.Counter
	remoteTasks        *prometheus.CounterVec
	once               sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		pipelinesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_started_total",
			Help:      "Pipeline runs started by dataset kind",
		}, []string{"kind"}),
		pipelinesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_completed_total",
			Help:      "Pipeline runs completed by dataset kind and status",
		}, []string{"kind", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time by stage and outcome",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage", "outcome"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage failures by stage and error code",
		}, []string{"stage", "code"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revision_transitions_total",
			Help:      "Revision status transitions by target status",
		}, []string{"status"}),
		outboxDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dispatched_total",
			Help:      "Outbox messages published to the bus",
		}),
		outboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failed_total",
			Help:      "Outbox relay passes that failed",
		}),
		remoteTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_tasks_total",
			Help:      "Remote validation tasks by service and status",
		}, []string{"service", "status"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.pipelinesStarted,
			p.pipelinesCompleted,
			p.stageDuration,
			p.stageFailures,
			p.transitions,
			p.outboxDispatched,
			p.outboxFailed,
			p.remoteTasks,
		)
	})
}

func (p *Prom) IncPipelineStarted(kind string) {
	p.pipelinesStarted.WithLabelValues(kind).Inc()
}

func (p *Prom) IncPipelineCompleted(kind, status string) {
	p.pipelinesCompleted.WithLabelValues(kind, status).Inc()
}

func (p *Prom) ObserveStageDuration(stage, outcome string, durationSeconds float64) {
	p.stageDuration.WithLabelValues(stage, outcome).Observe(durationSeconds)
}

func (p *Prom) IncStageFailure(stage, code string) {
	p.stageFailures.WithLabelValues(stage, code).Inc()
}

func (p *Prom) IncRevisionTransition(status string) {
	p.transitions.WithLabelValues(status).Inc()
}

func (p *Prom) IncOutboxDispatched(count int) {
	if count > 0 {
		p.outboxDispatched.Add(float64(count))
	}
}

func (p *Prom) IncOutboxFailed() {
	p.outboxFailed.Inc()
}

func (p *Prom) IncRemoteTask(service, status string) {
	p.remoteTasks.WithLabelValues(service, status).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

type httpProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

func NewHTTPProm(namespace string) HTTP {
	h := &httpProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	h.once.Do(func() {
		prometheus.MustRegister(h.requests, h.latency)
	})
	return h
}

func (h *httpProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	h.requests.WithLabelValues(method, route, status).Inc()
	h.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
