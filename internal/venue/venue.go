// Package venue reads mark prices and order-book liquidity for tokenized equities from a ccxt venue.
package venue

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// MarkPriceSource 标记价格来源
type MarkPriceSource interface {
	Name() string
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// LiquiditySource 流动性评分来源, score ∈ [0,1]
type LiquiditySource interface {
	LiquidityScore(ctx context.Context, symbol string) (float64, error)
}

// 支持的交易所
const (
	ExchangeBinance = "binance"
	ExchangeBitget  = "bitget"
	ExchangeOKX     = "okx"
	ExchangeKraken  = "kraken"
)

// Config ccxt 交易所配置
type Config struct {
	Exchange   string
	APIKey     string
	APISecret  string
	Passphrase string
	// SymbolFormat maps an equity symbol to the venue market, e.g. "%sX/USDT:USDT"
	SymbolFormat string
	// Markets explicit overrides, equity symbol -> venue market
	Markets map[string]string
	Timeout time.Duration
	// MaxSpreadBps spread at which the spread component of the liquidity score reaches 0
	MaxSpreadBps float64
	// TargetDepth quote notional in the top DepthLevels that counts as fully liquid; 0 scores spread only
	TargetDepth float64
	DepthLevels int
}

// marketData the part of a ccxt exchange the venue needs
type marketData interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
}

// CCXTVenue ccxt 行情来源
type CCXTVenue struct {
	name   string
	client marketData
	cfg    Config
	logger *zap.Logger
}

var (
	_ MarkPriceSource = (*CCXTVenue)(nil)
	_ LiquiditySource = (*CCXTVenue)(nil)
)

// NewCCXTVenue 根据配置创建交易所客户端
func NewCCXTVenue(cfg Config, logger *zap.Logger) (*CCXTVenue, error) {
	opts := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		opts["apiKey"] = cfg.APIKey
		opts["secret"] = cfg.APISecret
	}
	if cfg.Passphrase != "" {
		opts["password"] = cfg.Passphrase
	}

	var client marketData
	switch strings.ToLower(cfg.Exchange) {
	case ExchangeBinance:
		ex := ccxt.NewBinance(opts)
		client = &ex
	case ExchangeBitget:
		ex := ccxt.NewBitget(opts)
		client = &ex
	case ExchangeOKX:
		ex := ccxt.NewOkx(opts)
		client = &ex
	case ExchangeKraken:
		ex := ccxt.NewKraken(opts)
		client = &ex
	default:
		return nil, fmt.Errorf("unsupported venue %q", cfg.Exchange)
	}
	return newVenue(strings.ToLower(cfg.Exchange), client, cfg, logger), nil
}

func newVenue(name string, client marketData, cfg Config, logger *zap.Logger) *CCXTVenue {
	if cfg.SymbolFormat == "" {
		cfg.SymbolFormat = "%s/USDT:USDT"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxSpreadBps <= 0 {
		cfg.MaxSpreadBps = 100
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 10
	}
	return &CCXTVenue{
		name:   name,
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "venue"), zap.String("venue", name)),
	}
}

// Name 交易所名称
func (v *CCXTVenue) Name() string { return v.name }

// Market venue market for an equity symbol
func (v *CCXTVenue) Market(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if m, ok := v.cfg.Markets[symbol]; ok {
		return m
	}
	return fmt.Sprintf(v.cfg.SymbolFormat, symbol)
}

// MarkPrice last trade of the venue perp, or the bid/ask mid when the ticker has no last
func (v *CCXTVenue) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	market := v.Market(symbol)
	ticker, err := call(ctx, v.cfg.Timeout, func() (ccxt.Ticker, error) {
		return v.client.FetchTicker(market)
	})
	if err != nil {
		v.logger.Warn("获取标记价格失败", zap.String("symbol", symbol), zap.String("market", market), zap.Error(err))
		return 0, v.wrap(ctx, "ticker", market, err)
	}

	if ticker.Last != nil && *ticker.Last > 0 {
		return *ticker.Last, nil
	}
	if ticker.Bid != nil && ticker.Ask != nil && *ticker.Bid > 0 && *ticker.Ask > 0 {
		return (*ticker.Bid + *ticker.Ask) / 2, nil
	}
	return 0, fmt.Errorf("%s ticker %s has no price: %w", v.name, market, model.ErrNoDataAvailable)
}

// LiquidityScore blends top-of-book spread and near-touch depth into [0,1]
func (v *CCXTVenue) LiquidityScore(ctx context.Context, symbol string) (float64, error) {
	market := v.Market(symbol)
	book, err := call(ctx, v.cfg.Timeout, func() (ccxt.OrderBook, error) {
		return v.client.FetchOrderBook(market)
	})
	if err != nil {
		v.logger.Warn("获取订单簿失败", zap.String("symbol", symbol), zap.String("market", market), zap.Error(err))
		return 0, v.wrap(ctx, "order book", market, err)
	}
	score, ok := ScoreOrderBook(book.Bids, book.Asks, v.cfg.MaxSpreadBps, v.cfg.TargetDepth, v.cfg.DepthLevels)
	if !ok {
		return 0, fmt.Errorf("%s order book %s is one-sided: %w", v.name, market, model.ErrNoDataAvailable)
	}
	return score, nil
}

func (v *CCXTVenue) wrap(ctx context.Context, what, market string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s %s %s: %w: %v", v.name, what, market, model.ErrSourceUnavailable, err)
}

// ScoreOrderBook levels are [price, amount] pairs. ok is false when either side is empty.
func ScoreOrderBook(bids, asks [][]float64, maxSpreadBps, targetDepth float64, levels int) (float64, bool) {
	if len(bids) == 0 || len(asks) == 0 || len(bids[0]) < 2 || len(asks[0]) < 2 {
		return 0, false
	}
	bid, ask := bids[0][0], asks[0][0]
	if bid <= 0 || ask <= 0 || ask < bid {
		return 0, false
	}
	mid := (bid + ask) / 2
	spreadBps := (ask - bid) / mid * 10000
	spreadScore := clamp01(1 - spreadBps/maxSpreadBps)
	if targetDepth <= 0 {
		return spreadScore, true
	}

	depth := notional(bids, levels) + notional(asks, levels)
	depthScore := clamp01(depth / targetDepth)
	return (spreadScore + depthScore) / 2, true
}

func notional(side [][]float64, levels int) float64 {
	total := 0.0
	for i, lvl := range side {
		if i >= levels {
			break
		}
		if len(lvl) < 2 {
			continue
		}
		total += lvl[0] * lvl[1]
	}
	return total
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// call runs a blocking ccxt request so the caller can stop waiting on cancellation
func call[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
