package funding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/storage"
	"github.com/life2you_mini/rwaoracle/internal/venue"
)

// PriceSource adjusted spot and realized volatility
type PriceSource interface {
	GetAdjustedPrice(ctx context.Context, symbol string) (*model.EquityPrice, error)
	Volatility30d(ctx context.Context, symbol string) (float64, error)
}

// ActionSource nearest verified corporate action
type ActionSource interface {
	NearestAction(ctx context.Context, symbol string, at time.Time, lookback, lookahead time.Duration,
		verifiedOnly bool) (*model.CorporateAction, error)
}

// sharedCalcTimeout bounds a recomputation shared by concurrent callers
const sharedCalcTimeout = 30 * time.Second

// snapshot inputs behind the latest rate of a symbol
type snapshot struct {
	rateID       string
	inputs       Inputs
	markSource   string
	holdRequired bool
	daysToAction float64
}

// Engine 资金费率引擎
type Engine struct {
	prices      PriceSource
	actions     ActionSource
	marks       venue.MarkPriceSource
	liquidity   venue.LiquiditySource
	store       storage.FundingRateRepository
	params      Params
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	group     singleflight.Group
	snapshots sync.Map // symbol -> snapshot
}

// NewEngine 创建资金费率引擎. marks and liquidity may be nil.
func NewEngine(prices PriceSource, actions ActionSource, marks venue.MarkPriceSource, liquidity venue.LiquiditySource,
	store storage.FundingRateRepository, params Params, concurrency int, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Engine{
		prices:      prices,
		actions:     actions,
		marks:       marks,
		liquidity:   liquidity,
		store:       store,
		params:      params,
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "funding_engine")),
		metrics:     m,
		now:         time.Now,
	}
}

// Params 当前参数
func (e *Engine) Params() Params { return e.params }

// CalculateFundingRate computes and appends a new rate. A positive markPrice overrides the mark source.
func (e *Engine) CalculateFundingRate(ctx context.Context, symbol string, markPrice float64) (*model.FundingRate, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	rate, err := e.calculate(ctx, symbol, markPrice)
	if err != nil {
		e.metrics.ObserveFundingFailure()
		return nil, err
	}
	e.metrics.ObserveFundingRate(symbol, rate.Rate)
	return rate, nil
}

func (e *Engine) calculate(ctx context.Context, symbol string, markPrice float64) (*model.FundingRate, error) {
	in, markSource, err := e.gather(ctx, symbol, markPrice)
	if err != nil {
		return nil, err
	}
	b, err := Compute(in, e.params)
	if err != nil {
		return nil, err
	}

	rate := b.Rate
	rate.ID = uuid.NewString()
	if err := e.store.InsertFundingRate(ctx, rate); err != nil {
		return nil, fmt.Errorf("保存资金费率失败: %w", err)
	}
	e.snapshots.Store(symbol, snapshot{
		rateID:       rate.ID,
		inputs:       in,
		markSource:   markSource,
		holdRequired: b.HoldRequired,
		daysToAction: b.DaysToAction,
	})

	e.logger.Info("资金费率计算完成",
		zap.String("symbol", symbol),
		zap.Float64("rate", rate.Rate),
		zap.Float64("premium_pct", rate.PremiumPercentage),
		zap.String("mark_source", markSource),
		zap.Bool("hold_required", b.HoldRequired))
	return rate.Clone(), nil
}

// gather collects Inputs. Only the adjusted spot is mandatory; other inputs degrade to neutral values.
func (e *Engine) gather(ctx context.Context, symbol string, markPrice float64) (Inputs, string, error) {
	now := e.now().UTC()
	spot, err := e.prices.GetAdjustedPrice(ctx, symbol)
	if err != nil {
		return Inputs{}, "", err
	}
	in := Inputs{
		Symbol:            symbol,
		SpotPrice:         spot.RawPrice,
		AdjustedSpotPrice: spot.AdjustedPrice,
		LiquidityScore:    e.params.DefaultLiquidityScore,
		Volatility30d:     e.params.BaselineVolatility,
		At:                now,
	}

	markSource := MarkSourceCaller
	switch {
	case markPrice > 0:
		in.MarkPrice = markPrice
	case e.marks != nil:
		mark, err := e.marks.MarkPrice(ctx, symbol)
		if err == nil && mark > 0 {
			in.MarkPrice = mark
			markSource = e.marks.Name()
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Inputs{}, "", ctxErr
		}
		e.logger.Warn("标记价格不可用, 使用调整后现货价", zap.String("symbol", symbol), zap.Error(err))
		fallthrough
	default:
		in.MarkPrice = in.AdjustedSpotPrice
		markSource = MarkSourceAdjustedSpot
	}

	if e.liquidity != nil {
		score, err := e.liquidity.LiquidityScore(ctx, symbol)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Inputs{}, "", ctxErr
			}
			e.logger.Warn("流动性评分不可用, 使用默认值", zap.String("symbol", symbol), zap.Error(err))
		} else {
			in.LiquidityScore = score
		}
	}

	vol, err := e.prices.Volatility30d(ctx, symbol)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Inputs{}, "", ctxErr
		}
		e.logger.Warn("波动率不可用, 使用基准波动率", zap.String("symbol", symbol), zap.Error(err))
	} else if vol > 0 {
		in.Volatility30d = vol
	}

	action, err := e.actions.NearestAction(ctx, symbol, now, e.params.CALookback, e.params.CALookahead, true)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Inputs{}, "", ctxErr
		}
		e.logger.Warn("查询公司行为失败, 忽略公司行为调整", zap.String("symbol", symbol), zap.Error(err))
	} else {
		in.NearestAction = action
	}
	return in, markSource, nil
}

// GetCurrentFundingRate most recent non-expired row, recomputed when none exists or it expired
func (e *Engine) GetCurrentFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	latest, err := e.store.LatestFundingRate(ctx, symbol)
	switch {
	case err == nil && !latest.IsExpired(e.now()):
		return latest, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	// concurrent callers share one recomputation so only one row is appended; it runs detached
	// from the caller that started it so a cancelled caller does not fail the others
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := e.group.DoChan(symbol, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCalcTimeout)
		defer cancel()
		return e.CalculateFundingRate(sctx, symbol, 0)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.FundingRate).Clone(), nil
	}
}

// GetFundingRateHistory rows calculated in the last hours, newest first
func (e *Engine) GetFundingRateHistory(ctx context.Context, symbol string, hours int) ([]*model.FundingRate, error) {
	if hours <= 0 {
		hours = 24
	}
	now := e.now().UTC()
	return e.store.FundingRateHistory(ctx, strings.ToUpper(symbol), now.Add(-time.Duration(hours)*time.Hour), now)
}

// GetBatchFundingRates per-symbol current rates; failures are reported per entry
func (e *Engine) GetBatchFundingRates(ctx context.Context, symbols []string) map[string]*model.FundingRateResult {
	out := make(map[string]*model.FundingRateResult, len(symbols))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, symbol := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(symbol))
		g.Go(func() error {
			rate, err := e.GetCurrentFundingRate(gctx, symbol)
			if err != nil {
				e.logger.Warn("批量资金费率失败", zap.String("symbol", symbol), zap.Error(err))
			}
			mu.Lock()
			out[symbol] = model.NewFundingRateResult(symbol, rate, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// GetFundingRateFactors decomposition of the current rate with the inputs behind it
func (e *Engine) GetFundingRateFactors(ctx context.Context, symbol string) (*model.FundingRateFactors, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	rate, err := e.GetCurrentFundingRate(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if v, ok := e.snapshots.Load(symbol); ok {
		if snap := v.(snapshot); snap.rateID == rate.ID {
			return factorsFrom(rate, snap), nil
		}
	}

	// rate computed by another process: rebuild the inputs at its calculation time
	snap := snapshot{rateID: rate.ID, markSource: MarkSourceAdjustedSpot}
	if rate.Premium != 0 {
		snap.markSource = MarkSourceCaller
		if e.marks != nil {
			snap.markSource = e.marks.Name()
		}
	}
	snap.inputs.LiquidityScore = e.params.DefaultLiquidityScore
	if e.params.KLiquidity > 0 {
		snap.inputs.LiquidityScore = 1 - rate.LiquidityAdjustment/e.params.KLiquidity
	}
	snap.inputs.Volatility30d = e.params.BaselineVolatility
	if e.params.KVol > 0 && rate.VolatilityAdjustment > 0 {
		snap.inputs.Volatility30d = e.params.BaselineVolatility + rate.VolatilityAdjustment/e.params.KVol
	}
	action, err := e.actions.NearestAction(ctx, symbol, rate.CalculatedAt, e.params.CALookback, e.params.CALookahead, true)
	if err != nil {
		return nil, err
	}
	if action != nil {
		snap.inputs.NearestAction = action
		d := action.EffectiveDate.Sub(rate.CalculatedAt)
		snap.daysToAction = d.Hours() / 24
		snap.holdRequired = action.Type.IsDiscontinuity() && proximity(d, e.params.CALookback, e.params.CALookahead) > 0
	}
	return factorsFrom(rate, snap), nil
}

func factorsFrom(rate *model.FundingRate, snap snapshot) *model.FundingRateFactors {
	f := &model.FundingRateFactors{
		Symbol:                 rate.Symbol,
		FundingRate:            rate,
		MarkPriceSource:        snap.markSource,
		LiquidityScore:         snap.inputs.LiquidityScore,
		Volatility30d:          snap.inputs.Volatility30d,
		NearestCorporateAction: snap.inputs.NearestAction,
		HoldRequired:           snap.holdRequired,
	}
	if snap.inputs.NearestAction != nil {
		f.DaysToCorporateAction = snap.daysToAction
	}
	return f
}

// AttachTransactionHash records the primary-chain transaction on a stored rate
func (e *Engine) AttachTransactionHash(ctx context.Context, rateID, txHash string) error {
	return e.store.AttachTransactionHash(ctx, rateID, txHash)
}
