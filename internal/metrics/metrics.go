// Package metrics holds the gateway's prometheus collectors and the
// in-process error-rate tracker consulted by routing rules.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "completion_gateway"

// Collectors is the set of gateway metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	registry *prometheus.Registry

	CompletionsTotal          *prometheus.CounterVec
	CompletionDurationSeconds *prometheus.HistogramVec
	GateDenialsTotal          *prometheus.CounterVec
	RoutingMatchesTotal       *prometheus.CounterVec
	StageDurationSeconds      *prometheus.HistogramVec
	UpstreamTokensTotal       *prometheus.CounterVec
}

// New creates and registers every collector on a fresh registry, together
// with the Go runtime and process collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		CompletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completions_total",
				Help:      "Completion attempts by provider, model and response status",
			},
			[]string{"provider", "model", "status"},
		),
		CompletionDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "completion_duration_seconds",
				Help:      "Duration of upstream completion calls in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		GateDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_denials_total",
				Help:      "Requests rejected by the admission gate, by capacity source",
			},
			[]string{"source"},
		),
		RoutingMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_matches_total",
				Help:      "Routing groups matched, by action",
			},
			[]string{"action"},
		),
		StageDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages (routing, gate, reconcile) in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"stage"},
		),
		UpstreamTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_tokens_total",
				Help:      "Tokens reported by vendors, by provider and kind (prompt, completion)",
			},
			[]string{"provider", "kind"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.CompletionsTotal,
		c.CompletionDurationSeconds,
		c.GateDenialsTotal,
		c.RoutingMatchesTotal,
		c.StageDurationSeconds,
		c.UpstreamTokensTotal,
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the registry in the prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) ObserveCompletion(provider, model string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.CompletionsTotal.WithLabelValues(provider, model, strconv.Itoa(status)).Inc()
	c.CompletionDurationSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

func (c *Collectors) ObserveTokens(provider string, prompt, completion int) {
	if c == nil {
		return
	}
	c.UpstreamTokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	c.UpstreamTokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
}

func (c *Collectors) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collectors) GateDenied(source string) {
	if c == nil {
		return
	}
	c.GateDenialsTotal.WithLabelValues(source).Inc()
}

func (c *Collectors) RoutingMatched(action string) {
	if c == nil {
		return
	}
	c.RoutingMatchesTotal.WithLabelValues(action).Inc()
}
