// Package risk turns corporate-action proximity, volatility, liquidity and funding magnitude into
// risk windows, assessments and leverage recommendations.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/storage"
	"github.com/life2you_mini/rwaoracle/internal/venue"
)

// MarketSource realized volatility and price gaps from price history
type MarketSource interface {
	Volatility30d(ctx context.Context, symbol string) (float64, error)
	MaxDailyGap(ctx context.Context, symbol string, at time.Time, lookback time.Duration) (float64, time.Time, error)
}

// ActionLister live corporate actions of a symbol
type ActionLister interface {
	ListCorporateActions(ctx context.Context, symbol string) ([]*model.CorporateAction, error)
}

// FundingSource 当前资金费率
type FundingSource interface {
	GetCurrentFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error)
}

// Config 风险阈值配置
type Config struct {
	VolatilityThreshold float64 // 年化波动率阈值
	LiquidityThreshold  float64 // 流动性评分阈值
	PriceGapPercent     float64 // 单日跳空阈值 (单位：%)
	CAWindow            time.Duration
	GapLookback         time.Duration

	BaselineLeverage    float64
	MinLeverage         float64
	MaxLeverage         float64
	LeverageSensitivity float64

	HysteresisPercent      float64 // 降杠杆滞后带 (单位：%)
	RecommendationValidity time.Duration
	RecedeScore            float64 // 低于此风险分视为风险消退
	RateCap                float64 // 资金费率上限, 用于计算资金费率影响

	Concurrency int
}

// DefaultConfig 默认风险阈值
func DefaultConfig() Config {
	return Config{
		VolatilityThreshold:    0.40,
		LiquidityThreshold:     0.50,
		PriceGapPercent:        5.0,
		CAWindow:               5 * 24 * time.Hour,
		GapLookback:            5 * 24 * time.Hour,
		BaselineLeverage:       5,
		MinLeverage:            1,
		MaxLeverage:            10,
		LeverageSensitivity:    2,
		HysteresisPercent:      10,
		RecommendationValidity: 24 * time.Hour,
		RecedeScore:            0.25,
		RateCap:                1.0,
		Concurrency:            8,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	switch {
	case c.MinLeverage <= 0 || c.MaxLeverage < c.MinLeverage:
		return fmt.Errorf("leverage bounds must satisfy 0 < min ≤ max")
	case c.BaselineLeverage < c.MinLeverage || c.BaselineLeverage > c.MaxLeverage:
		return fmt.Errorf("baseline leverage must lie within [min, max]")
	case c.HysteresisPercent < 0:
		return fmt.Errorf("hysteresis_percent must not be negative")
	case c.CAWindow <= 0:
		return fmt.Errorf("ca_window must be positive")
	}
	return nil
}

// Manager 风险管理器
type Manager struct {
	market    MarketSource
	actions   ActionLister
	liquidity venue.LiquiditySource
	funding   FundingSource
	store     storage.RiskRepository
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	// mu serializes window merges per process; recommendation suppression relies on it too
	mu sync.Mutex
}

// NewManager 创建风险管理器. liquidity may be nil.
func NewManager(market MarketSource, actions ActionLister, liquidity venue.LiquiditySource, funding FundingSource,
	store storage.RiskRepository, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.GapLookback <= 0 {
		cfg.GapLookback = cfg.CAWindow
	}
	return &Manager{
		market:    market,
		actions:   actions,
		liquidity: liquidity,
		funding:   funding,
		store:     store,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "risk_manager")),
		now:       time.Now,
	}
}

// identification factors active at a date and the persisted window they were merged into
type identification struct {
	window *model.RiskWindow
	active []model.RiskFactor
	hold   bool
}

// IdentifyRiskWindow collects factors active at date and merges them into the symbol's window.
// No active factors yields (nil, nil) and nothing is written.
func (m *Manager) IdentifyRiskWindow(ctx context.Context, symbol string, date time.Time) (*model.RiskWindow, error) {
	id, err := m.identify(ctx, strings.ToUpper(strings.TrimSpace(symbol)), date.UTC())
	if err != nil {
		return nil, err
	}
	return id.window, nil
}

func (m *Manager) identify(ctx context.Context, symbol string, date time.Time) (*identification, error) {
	factors, hold, err := m.collect(ctx, symbol, date)
	if err != nil {
		return nil, err
	}
	if len(factors) == 0 {
		return &identification{}, nil
	}

	day := model.Day(date)
	start, end := day, day.Add(24*time.Hour)
	for _, f := range factors {
		if f.Type != model.RiskFactorCorporateActionProximity {
			continue
		}
		if s := f.EffectiveDate.Add(-m.cfg.CAWindow); s.Before(start) {
			start = s
		}
		if e := f.EffectiveDate.Add(m.cfg.CAWindow); e.After(end) {
			end = e
		}
	}

	now := m.now().UTC()
	candidate := &model.RiskWindow{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		StartDate: start,
		EndDate:   end,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, f := range factors {
		f.ID = uuid.NewString()
		f.RiskWindowID = candidate.ID
		candidate.Factors = append(candidate.Factors, f)
	}
	candidate.Level = model.LevelForImpact(candidate.MaxImpact())

	m.mu.Lock()
	defer m.mu.Unlock()

	overlapping, err := m.store.OverlappingRiskWindows(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	window := candidate
	var absorbed []string
	if len(overlapping) > 0 {
		window = overlapping[0]
		for _, w := range overlapping[1:] {
			window = MergeWindows(window, w)
			absorbed = append(absorbed, w.ID)
		}
		window = MergeWindows(window, candidate)
		window.UpdatedAt = now
	}

	if err := m.store.SaveRiskWindow(ctx, window); err != nil {
		return nil, err
	}
	for _, id := range absorbed {
		if err := m.store.DeleteRiskWindow(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}

	m.logger.Info("风险窗口已更新",
		zap.String("symbol", symbol),
		zap.String("window_id", window.ID),
		zap.String("level", string(window.Level)),
		zap.Int("factors", len(window.Factors)),
		zap.Int("merged", len(overlapping)))
	return &identification{window: window, active: candidate.Factors, hold: hold}, nil
}

// collect RiskFactors active at date. Unavailable optional inputs are skipped.
func (m *Manager) collect(ctx context.Context, symbol string, date time.Time) ([]model.RiskFactor, bool, error) {
	var factors []model.RiskFactor
	hold := false

	actions, err := m.actions.ListCorporateActions(ctx, symbol)
	if err != nil {
		return nil, false, err
	}
	for _, a := range actions {
		impact := CorporateActionImpact(a.Type, a.EffectiveDate, date, m.cfg.CAWindow)
		if impact <= 0 {
			continue
		}
		if a.Type.IsDiscontinuity() {
			hold = true
		}
		details := fmt.Sprintf("action_id=%s verified=%t", a.ID, a.IsVerified)
		factors = append(factors, model.RiskFactor{
			Type:          model.RiskFactorCorporateActionProximity,
			Description:   fmt.Sprintf("%s effective %s", strings.ToLower(string(a.Type)), a.EffectiveDate.Format(model.DateLayout)),
			Impact:        impact,
			EffectiveDate: a.EffectiveDate,
			Details:       details,
		})
	}

	day := model.Day(date)
	vol, err := m.market.Volatility30d(ctx, symbol)
	switch {
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		m.logger.Warn("波动率不可用", zap.String("symbol", symbol), zap.Error(err))
	case VolatilityImpact(vol, m.cfg.VolatilityThreshold) > 0:
		factors = append(factors, model.RiskFactor{
			Type:          model.RiskFactorHighVolatility,
			Description:   fmt.Sprintf("30d volatility %.1f%% above %.1f%%", vol*100, m.cfg.VolatilityThreshold*100),
			Impact:        VolatilityImpact(vol, m.cfg.VolatilityThreshold),
			EffectiveDate: day,
		})
	}

	if m.liquidity != nil {
		score, err := m.liquidity.LiquidityScore(ctx, symbol)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, ctxErr
			}
			m.logger.Warn("流动性评分不可用", zap.String("symbol", symbol), zap.Error(err))
		case LiquidityImpact(score, m.cfg.LiquidityThreshold) > 0:
			factors = append(factors, model.RiskFactor{
				Type:          model.RiskFactorLowLiquidity,
				Description:   fmt.Sprintf("liquidity score %.2f below %.2f", score, m.cfg.LiquidityThreshold),
				Impact:        LiquidityImpact(score, m.cfg.LiquidityThreshold),
				EffectiveDate: day,
			})
		}
	}

	gap, gapDay, err := m.market.MaxDailyGap(ctx, symbol, date, m.cfg.GapLookback)
	switch {
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		m.logger.Warn("价格跳空不可用", zap.String("symbol", symbol), zap.Error(err))
	case PriceGapImpact(gap*100, m.cfg.PriceGapPercent) > 0:
		factors = append(factors, model.RiskFactor{
			Type:          model.RiskFactorPriceGap,
			Description:   fmt.Sprintf("%.1f%% single-day gap", gap*100),
			Impact:        PriceGapImpact(gap*100, m.cfg.PriceGapPercent),
			EffectiveDate: gapDay,
		})
	}

	sort.SliceStable(factors, func(i, j int) bool { return factors[i].Impact > factors[j].Impact })
	return factors, hold, nil
}

// AssessRisk active window + current funding rate + optional position leverage
func (m *Manager) AssessRisk(ctx context.Context, symbol string, position *model.Position) (*model.RiskAssessment, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	now := m.now().UTC()

	id, err := m.identify(ctx, symbol, now)
	if err != nil {
		return nil, err
	}

	a := &model.RiskAssessment{
		Symbol:       symbol,
		Level:        model.RiskLevelLow,
		Window:       id.window,
		HoldRequired: id.hold,
		AssessedAt:   now,
	}

	rate, err := m.funding.GetCurrentFundingRate(ctx, symbol)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		m.logger.Warn("资金费率不可用, 评估不含资金费率", zap.String("symbol", symbol), zap.Error(err))
	} else {
		a.FundingRate = rate
		a.FundingRateImpact = FundingRateImpact(rate.Rate, m.cfg.RateCap)
	}

	impacts := []float64{a.FundingRateImpact}
	for _, f := range id.active {
		impacts = append(impacts, f.Impact)
	}
	a.RiskScore = RiskScore(impacts...)
	if id.window != nil {
		a.Level = id.window.Level
	}
	a.Level = model.MaxRiskLevel(a.Level, model.LevelForImpact(a.FundingRateImpact))
	a.RecommendedLeverage = RecommendedLeverage(m.cfg.BaselineLeverage, m.cfg.LeverageSensitivity, a.RiskScore,
		m.cfg.MinLeverage, m.cfg.MaxLeverage)

	if position != nil {
		a.PositionID = position.ID
		a.CurrentLeverage = position.Leverage
	}
	return a, nil
}

// AssessBatch per-symbol assessments; failures are reported per entry
func (m *Manager) AssessBatch(ctx context.Context, symbols []string, positions map[string]*model.Position) map[string]*model.RiskAssessmentResult {
	out := make(map[string]*model.RiskAssessmentResult, len(symbols))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, symbol := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(symbol))
		g.Go(func() error {
			a, err := m.AssessRisk(gctx, symbol, positions[symbol])
			mu.Lock()
			out[symbol] = model.NewRiskAssessmentResult(symbol, a, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// GenerateRecommendations turns an assessment into new recommendations. Open recommendations of the
// same kind suppress duplicates; a Deleverage is only issued outside the hysteresis band.
func (m *Manager) GenerateRecommendations(ctx context.Context, a *model.RiskAssessment) ([]*model.RiskRecommendation, error) {
	if a == nil || a.CurrentLeverage <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	existing, err := m.store.ListRecommendations(ctx, a.Symbol)
	if err != nil {
		return nil, err
	}
	var open []*model.RiskRecommendation
	for _, r := range existing {
		if r.IsOpen(now) && r.PositionID == a.PositionID {
			open = append(open, r)
		}
	}

	band := m.cfg.HysteresisPercent / 100
	var created []*model.RiskRecommendation

	if a.HoldRequired && !hasOpen(open, model.ActionHold, nil) {
		created = append(created, m.newRecommendation(a, model.ActionHold, a.CurrentLeverage, 1,
			"merger or spin-off within the corporate-action window; hold leverage"))
	}

	target := a.RecommendedLeverage
	if a.CurrentLeverage > target*(1+band) {
		withinBand := func(r *model.RiskRecommendation) bool {
			return math.Abs(r.TargetLeverage-target) <= target*band
		}
		if !hasOpen(open, model.ActionDeleverage, withinBand) {
			rec := m.newRecommendation(a, model.ActionDeleverage, target, priorityFor(a.Level),
				fmt.Sprintf("risk %s (score %.2f): leverage %.2f above recommended %.2f", a.Level, a.RiskScore,
					a.CurrentLeverage, target))
			reduction := (a.CurrentLeverage - target) / a.CurrentLeverage * 100
			rec.ReductionPercentage = &reduction
			created = append(created, rec)
		}
	} else if a.RiskScore < m.cfg.RecedeScore && a.CurrentLeverage < m.cfg.BaselineLeverage*(1-band) &&
		!hasOpen(open, model.ActionReturnToBaseline, nil) {
		rec := m.newRecommendation(a, model.ActionReturnToBaseline, m.cfg.BaselineLeverage, 4,
			fmt.Sprintf("risk receded (score %.2f): leverage %.2f may return to baseline %.2f", a.RiskScore,
				a.CurrentLeverage, m.cfg.BaselineLeverage))
		increase := (m.cfg.BaselineLeverage - a.CurrentLeverage) / a.CurrentLeverage * 100
		rec.IncreasePercentage = &increase
		created = append(created, rec)
	}

	for _, rec := range created {
		if err := m.store.InsertRecommendation(ctx, rec); err != nil {
			return nil, err
		}
		m.logger.Info("生成风险建议",
			zap.String("symbol", rec.Symbol),
			zap.String("action", string(rec.Action)),
			zap.Float64("current_leverage", rec.CurrentLeverage),
			zap.Float64("target_leverage", rec.TargetLeverage))
	}
	return created, nil
}

func (m *Manager) newRecommendation(a *model.RiskAssessment, action model.RecommendationAction, target float64,
	priority int, reason string) *model.RiskRecommendation {
	now := m.now().UTC()
	validUntil := now.Add(m.cfg.RecommendationValidity)
	return &model.RiskRecommendation{
		ID:              uuid.NewString(),
		Symbol:          a.Symbol,
		PositionID:      a.PositionID,
		Action:          action,
		CurrentLeverage: a.CurrentLeverage,
		TargetLeverage:  target,
		Reason:          reason,
		Priority:        priority,
		RecommendedBy:   now,
		ValidUntil:      &validUntil,
	}
}

func hasOpen(open []*model.RiskRecommendation, action model.RecommendationAction, match func(*model.RiskRecommendation) bool) bool {
	for _, r := range open {
		if r.Action == action && (match == nil || match(r)) {
			return true
		}
	}
	return false
}

// priorityFor 1 is most urgent
func priorityFor(level model.RiskLevel) int {
	return 4 - level.Rank()
}

// AcknowledgeRecommendation one-way; acknowledging twice is a successful no-op
func (m *Manager) AcknowledgeRecommendation(ctx context.Context, id, by string) (*model.RiskRecommendation, error) {
	flipped, err := m.store.AcknowledgeRecommendation(ctx, id, m.now().UTC(), by)
	if err != nil {
		return nil, err
	}
	if flipped {
		m.logger.Info("风险建议已确认", zap.String("id", id), zap.String("by", by))
	}
	return m.store.GetRecommendation(ctx, id)
}

// GetRecommendations newest first
func (m *Manager) GetRecommendations(ctx context.Context, symbol string) ([]*model.RiskRecommendation, error) {
	return m.store.ListRecommendations(ctx, strings.ToUpper(symbol))
}

// GetRiskWindows windows overlapping [from, to]
func (m *Manager) GetRiskWindows(ctx context.Context, symbol string, from, to time.Time) ([]*model.RiskWindow, error) {
	return m.store.OverlappingRiskWindows(ctx, strings.ToUpper(symbol), from, to)
}
