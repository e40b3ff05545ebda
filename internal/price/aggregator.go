// Package price merges vendor quotes into one confidence-weighted price and serves price history.
package price

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/provider"
)

// AggregatorConfig 聚合参数
type AggregatorConfig struct {
	PerClientTimeout time.Duration
	// TolerancePercent how far from the median a quote may sit and still count as agreeing
	TolerancePercent float64
	// RecencyHalfLife age at which a quote's weight halves
	RecencyHalfLife time.Duration
}

// DefaultAggregatorConfig 默认聚合参数
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		PerClientTimeout: 5 * time.Second,
		TolerancePercent: 1.0,
		RecencyHalfLife:  24 * time.Hour,
	}
}

// Aggregate the merged view of one symbol across providers
type Aggregate struct {
	Symbol     string
	Price      float64
	Confidence float64
	AsOf       time.Time
	Breakdown  []model.SourceQuote
}

// Aggregator 多源价格聚合器
type Aggregator struct {
	providers []provider.PriceProvider
	cfg       AggregatorConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewAggregator 创建价格聚合器
func NewAggregator(providers []provider.PriceProvider, cfg AggregatorConfig, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	if cfg.PerClientTimeout <= 0 {
		cfg.PerClientTimeout = DefaultAggregatorConfig().PerClientTimeout
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = DefaultAggregatorConfig().RecencyHalfLife
	}
	return &Aggregator{
		providers: providers,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "price_aggregator")),
		metrics:   m,
		now:       time.Now,
	}
}

// Providers 已配置的供应商
func (a *Aggregator) Providers() []provider.PriceProvider {
	return a.providers
}

type fetchOutcome struct {
	quote *provider.Quote
	err   error
}

// Aggregate calls every provider concurrently and merges the successful quotes.
// Failed or timed-out providers are dropped; zero successes is model.ErrNoDataAvailable.
func (a *Aggregator) Aggregate(ctx context.Context, symbol string) (*Aggregate, error) {
	symbol = strings.ToUpper(symbol)
	if len(a.providers) == 0 {
		return nil, fmt.Errorf("%s: no price providers configured: %w", symbol, model.ErrNoDataAvailable)
	}

	outcomes := make([]fetchOutcome, len(a.providers))
	var wg sync.WaitGroup
	for i, p := range a.providers {
		wg.Add(1)
		go func(i int, p provider.PriceProvider) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, a.cfg.PerClientTimeout)
			defer cancel()
			q, err := p.FetchPrice(cctx, symbol)
			outcomes[i] = fetchOutcome{quote: q, err: err}
		}(i, p)
	}
	wg.Wait()

	// caller cancellation is not a data failure
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := a.now()
	var (
		totalReliability     float64
		respondedReliability float64
		quotes               []model.SourceQuote
	)
	for i, p := range a.providers {
		totalReliability += p.Reliability()
		o := outcomes[i]
		if o.err != nil || o.quote == nil || !(o.quote.Price > 0) || math.IsInf(o.quote.Price, 0) {
			a.logFailure(symbol, p.Name(), o.err)
			continue
		}
		a.metrics.ObserveProviderFetch(p.Name(), "price", metrics.OutcomeSuccess)
		respondedReliability += p.Reliability()

		asOf := o.quote.AsOf
		if asOf.IsZero() {
			asOf = now
		}
		quotes = append(quotes, model.SourceQuote{
			Provider:    p.Name(),
			Price:       o.quote.Price,
			Reliability: p.Reliability(),
			Weight:      p.Reliability() * vendorConfidence(o.quote.Confidence) * a.recencyDecay(now.Sub(asOf)),
			AsOf:        asOf,
		})
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("%s: all %d providers failed: %w", symbol, len(a.providers), model.ErrNoDataAvailable)
	}

	coverage := float64(len(quotes)) / float64(len(a.providers))
	if totalReliability > 0 {
		coverage = respondedReliability / totalReliability
	}
	price, agreement, asOf := merge(quotes, a.cfg.TolerancePercent)
	confidence := clamp01(coverage * agreement)

	a.metrics.ObserveConfidence(symbol, confidence)
	return &Aggregate{
		Symbol:     symbol,
		Price:      price,
		Confidence: confidence,
		AsOf:       asOf,
		Breakdown:  quotes,
	}, nil
}

func (a *Aggregator) logFailure(symbol, name string, err error) {
	outcome := metrics.OutcomeError
	switch provider.KindOf(err) {
	case provider.KindRateLimited:
		outcome = metrics.OutcomeRateLimited
	case provider.KindNotFound:
		outcome = metrics.OutcomeNotFound
	}
	a.metrics.ObserveProviderFetch(name, "price", outcome)
	a.logger.Warn("价格源不可用，已排除",
		zap.String("symbol", symbol),
		zap.String("provider", name),
		zap.String("outcome", outcome),
		zap.Error(err))
}

// recencyDecay 0.5^(age/halfLife), 1 for quotes from the future
func (a *Aggregator) recencyDecay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(a.cfg.RecencyHalfLife))
}

func vendorConfidence(c float64) float64 {
	if c <= 0 || math.IsNaN(c) {
		return 1
	}
	return clamp01(c)
}

// merge returns the weighted mean, the weighted share of quotes within tolerance of the median,
// and the newest asOf. quotes[i].WithinBand is set in place.
func merge(quotes []model.SourceQuote, tolerancePercent float64) (float64, float64, time.Time) {
	var sumW, sumWP float64
	var asOf time.Time
	prices := make([]float64, 0, len(quotes))
	for _, q := range quotes {
		sumW += q.Weight
		sumWP += q.Weight * q.Price
		prices = append(prices, q.Price)
		if q.AsOf.After(asOf) {
			asOf = q.AsOf
		}
	}

	var mean float64
	if sumW > 0 {
		mean = sumWP / sumW
	} else {
		for _, p := range prices {
			mean += p
		}
		mean /= float64(len(prices))
	}

	center := median(prices)
	var inBandW float64
	inBand := 0
	for i := range quotes {
		if center > 0 && math.Abs(quotes[i].Price-center)/center*100 <= tolerancePercent {
			quotes[i].WithinBand = true
			inBandW += quotes[i].Weight
			inBand++
		}
	}

	agreement := float64(inBand) / float64(len(quotes))
	if sumW > 0 {
		agreement = inBandW / sumW
	}
	return mean, agreement, asOf
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
