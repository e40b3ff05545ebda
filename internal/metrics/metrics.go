// Package metrics exposes the oracle's Prometheus collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 结果标签
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeRateLimited = "rate_limited"
	OutcomeNotFound    = "not_found"
	OutcomeSkipped     = "skipped"
)

// Metrics 预言机指标
type Metrics struct {
	registry *prometheus.Registry

	ProviderFetches       *prometheus.CounterVec
	AggregationConfidence *prometheus.GaugeVec
	FundingRate           *prometheus.GaugeVec
	FundingComputations   *prometheus.CounterVec
	Publishes             *prometheus.CounterVec
	PublishDuration       *prometheus.HistogramVec
	TickDuration          prometheus.Histogram
	CacheLookups          *prometheus.CounterVec
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ProviderFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwaoracle_provider_fetches_total",
				Help: "Provider calls by provider, operation and outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		AggregationConfidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rwaoracle_price_confidence",
				Help: "Confidence of the latest aggregated price (0.0 to 1.0)",
			},
			[]string{"symbol"},
		),
		FundingRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rwaoracle_funding_rate",
				Help: "Latest computed annualized funding rate",
			},
			[]string{"symbol"},
		),
		FundingComputations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwaoracle_funding_computations_total",
				Help: "Funding rate computations by outcome",
			},
			[]string{"outcome"},
		),
		Publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwaoracle_publishes_total",
				Help: "On-chain publishes by chain and outcome",
			},
			[]string{"chain", "outcome"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rwaoracle_publish_duration_seconds",
				Help:    "Duration of one on-chain publish",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"chain"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rwaoracle_scheduler_tick_duration_seconds",
				Help:    "Duration of one publishing tick",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rwaoracle_cache_lookups_total",
				Help: "Read-through cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ProviderFetches,
		m.AggregationConfidence,
		m.FundingRate,
		m.FundingComputations,
		m.Publishes,
		m.PublishDuration,
		m.TickDuration,
		m.CacheLookups,
	)
	return m
}

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveProviderFetch(provider, operation, outcome string) {
	if m == nil {
		return
	}
	m.ProviderFetches.WithLabelValues(provider, operation, outcome).Inc()
}

func (m *Metrics) ObserveConfidence(symbol string, confidence float64) {
	if m == nil {
		return
	}
	m.AggregationConfidence.WithLabelValues(symbol).Set(confidence)
}

func (m *Metrics) ObserveFundingRate(symbol string, rate float64) {
	if m == nil {
		return
	}
	m.FundingRate.WithLabelValues(symbol).Set(rate)
	m.FundingComputations.WithLabelValues(OutcomeSuccess).Inc()
}

func (m *Metrics) ObserveFundingFailure() {
	if m == nil {
		return
	}
	m.FundingComputations.WithLabelValues(OutcomeError).Inc()
}

func (m *Metrics) ObservePublish(chain, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(chain, outcome).Inc()
	m.PublishDuration.WithLabelValues(chain).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTick(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveCache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}
