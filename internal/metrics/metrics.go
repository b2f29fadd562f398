// Package metrics records build manager metrics with Prometheus.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k11v/buildmanager/internal/build"
)

const namespace = "buildmanager"

var _ build.Recorder = (*PrometheusRecorder)(nil)

// PrometheusRecorder implements build.Recorder. A nil *PrometheusRecorder records nothing.
type PrometheusRecorder struct {
	commandResults  *prom.CounterVec
	buildOutcomes   *prom.CounterVec
	buildDuration   prom.Histogram
	dispatchResults *prom.CounterVec
}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		commandResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "command_results_total",
			Help:      "Handled commands by kind and result",
		}, []string{"command", "result"}),
		buildOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Finished builds by final status",
		}, []string{"status"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Time from build start to its final status",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		dispatchResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_results_total",
			Help:      "Dispatched events by kind and result",
		}, []string{"event", "result"}),
	}
	reg.MustRegister(pr.commandResults, pr.buildOutcomes, pr.buildDuration, pr.dispatchResults)
	return pr
}

func (p *PrometheusRecorder) IncCommandResult(kind build.CommandKind, result string) {
	if p == nil {
		return
	}
	p.commandResults.WithLabelValues(string(kind), result).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(status build.Status) {
	if p == nil {
		return
	}
	p.buildOutcomes.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncDispatchResult(kind build.EventKind, ok bool) {
	if p == nil {
		return
	}
	res := "failed"
	if ok {
		res = "success"
	}
	p.dispatchResults.WithLabelValues(string(kind), res).Inc()
}

// HTTPHandler returns an http.Handler that serves the metrics gathered by g.
func HTTPHandler(g prom.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
