package price

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/storage"
)

// SourceAggregate EquityPrice.Source for aggregated observations
const SourceAggregate = "aggregate"

// volatilityLookback window for Volatility30d
const volatilityLookback = 30 * 24 * time.Hour

// Adjuster corporate-action adjustment factor between two dates
type Adjuster interface {
	AdjustmentFactor(ctx context.Context, symbol string, from, to time.Time, acknowledgeDiscontinuity bool) (float64, error)
}

// Config 价格服务参数
type Config struct {
	CacheTTL         time.Duration
	BatchConcurrency int
}

// Service 价格服务
type Service struct {
	aggregator *Aggregator
	store      storage.PriceRepository
	adjuster   Adjuster
	cache      storage.Cache
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewService 创建价格服务. cache may be nil.
func NewService(aggregator *Aggregator, store storage.PriceRepository, adjuster Adjuster, cache storage.Cache,
	cfg Config, logger *zap.Logger, m *metrics.Metrics) *Service {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	return &Service{
		aggregator: aggregator,
		store:      store,
		adjuster:   adjuster,
		cache:      cache,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "price_service")),
		metrics:    m,
		now:        time.Now,
	}
}

func cacheKey(symbol string) string {
	return "price:" + symbol
}

// GetRawPrice current aggregated price without corporate-action adjustment
func (s *Service) GetRawPrice(ctx context.Context, symbol string) (*model.EquityPrice, error) {
	return s.current(ctx, symbol, false)
}

// GetAdjustedPrice current aggregated price with adjustedPrice = rawPrice × factor(priceDate, now)
func (s *Service) GetAdjustedPrice(ctx context.Context, symbol string) (*model.EquityPrice, error) {
	return s.current(ctx, symbol, true)
}

func (s *Service) current(ctx context.Context, symbol string, adjust bool) (*model.EquityPrice, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("empty symbol: %w", model.ErrNotFound)
	}

	p, err := s.observe(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !adjust {
		p.AdjustedPrice = p.RawPrice
		return p, nil
	}
	return s.adjust(ctx, p)
}

// observe returns the cached observation or aggregates and persists a fresh one
func (s *Service) observe(ctx context.Context, symbol string) (*model.EquityPrice, error) {
	if s.cache != nil {
		var cached model.EquityPrice
		found, err := s.cache.GetJSON(ctx, cacheKey(symbol), &cached)
		if err != nil {
			s.logger.Warn("读取价格缓存失败", zap.String("symbol", symbol), zap.Error(err))
		}
		s.metrics.ObserveCache("price", found)
		if found {
			return &cached, nil
		}
	}

	agg, err := s.aggregator.Aggregate(ctx, symbol)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &model.EquityPrice{
		ID:              uuid.NewString(),
		Symbol:          symbol,
		RawPrice:        agg.Price,
		AdjustedPrice:   agg.Price,
		Confidence:      agg.Confidence,
		PriceDate:       agg.AsOf.UTC(),
		Source:          SourceAggregate,
		SourceBreakdown: agg.Breakdown,
		CreatedAt:       now,
	}
	if err := s.store.SavePrice(ctx, p); err != nil {
		s.logger.Warn("保存价格历史失败", zap.String("symbol", symbol), zap.Error(err))
	}
	if s.cache != nil && s.cfg.CacheTTL > 0 {
		if err := s.cache.SetJSON(ctx, cacheKey(symbol), p, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("写入价格缓存失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return p.Clone(), nil
}

// adjust sets AdjustedPrice from RawPrice and the factor between PriceDate and now
func (s *Service) adjust(ctx context.Context, p *model.EquityPrice) (*model.EquityPrice, error) {
	factor, err := s.adjuster.AdjustmentFactor(ctx, p.Symbol, p.PriceDate, s.now().UTC(), false)
	if err != nil {
		return nil, fmt.Errorf("adjust %s at %s: %w", p.Symbol, p.PriceDate.Format(model.DateLayout), err)
	}
	out := p.Clone()
	out.AdjustedPrice = p.RawPrice * factor
	return out, nil
}

// GetBatchPrices per-symbol results; one symbol failing never fails the batch
func (s *Service) GetBatchPrices(ctx context.Context, symbols []string, adjusted bool) map[string]*model.PriceResult {
	results := make([]*model.PriceResult, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchConcurrency)
	for i, symbol := range symbols {
		g.Go(func() error {
			p, err := s.current(gctx, symbol, adjusted)
			results[i] = model.NewPriceResult(strings.ToUpper(symbol), p, err)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]*model.PriceResult, len(results))
	for _, r := range results {
		out[r.Symbol] = r
	}
	return out
}

// GetPriceHistory persisted observations in [from, to], oldest first, re-adjusted to now
func (s *Service) GetPriceHistory(ctx context.Context, symbol string, from, to time.Time) ([]*model.EquityPrice, error) {
	symbol = strings.ToUpper(symbol)
	rows, err := s.store.PriceHistory(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]*model.EquityPrice, 0, len(rows))
	for _, p := range rows {
		adjusted, err := s.adjust(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, adjusted)
	}
	return out, nil
}

// GetPriceAtDate latest observation on or before the end of date's UTC day
func (s *Service) GetPriceAtDate(ctx context.Context, symbol string, date time.Time) (*model.EquityPrice, error) {
	symbol = strings.ToUpper(symbol)
	endOfDay := model.Day(date).Add(24*time.Hour - time.Nanosecond)

	p, err := s.store.PriceAtOrBefore(ctx, symbol, endOfDay)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%s on %s: %w", symbol, model.Day(date).Format(model.DateLayout), model.ErrNoDataAvailable)
		}
		return nil, err
	}
	return s.adjust(ctx, p)
}

// Volatility30d annualized volatility of adjusted daily closes over the last 30 days
func (s *Service) Volatility30d(ctx context.Context, symbol string) (float64, error) {
	closes, err := s.dailyCloses(ctx, symbol, s.now().UTC().Add(-volatilityLookback), s.now().UTC())
	if err != nil {
		return 0, err
	}
	return AnnualizedVolatility(closes), nil
}

// MaxDailyGap largest single-day move within lookback before at
func (s *Service) MaxDailyGap(ctx context.Context, symbol string, at time.Time, lookback time.Duration) (float64, time.Time, error) {
	closes, err := s.dailyCloses(ctx, symbol, at.Add(-lookback), at)
	if err != nil {
		return 0, time.Time{}, err
	}
	gap, day := MaxDailyGap(closes)
	return gap, day, nil
}

func (s *Service) dailyCloses(ctx context.Context, symbol string, from, to time.Time) ([]DailyClose, error) {
	history, err := s.GetPriceHistory(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	return DailyCloses(history), nil
}
