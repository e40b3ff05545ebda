package corporate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/storage"
)

// ActionLister source of live corporate actions, normally the Registry's cached list
type ActionLister interface {
	ListCorporateActions(ctx context.Context, symbol string) ([]*model.CorporateAction, error)
}

// Adjuster 价格调整器
type Adjuster struct {
	actions ActionLister
	prices  storage.PriceRepository
	logger  *zap.Logger
}

// NewAdjuster 创建价格调整器
func NewAdjuster(actions ActionLister, prices storage.PriceRepository, logger *zap.Logger) *Adjuster {
	return &Adjuster{
		actions: actions,
		prices:  prices,
		logger:  logger.With(zap.String("component", "price_adjuster")),
	}
}

// AdjustmentFactor product over verified actions effective in (from, to].
// Splits contribute 1/splitRatio and dividends 1 − amount/priceBeforeEx. Crossing a merger or
// spin-off without acknowledgeDiscontinuity is model.ErrDiscontinuity; acknowledged ones contribute 1.
// to < from yields the reciprocal of factor(to, from).
func (a *Adjuster) AdjustmentFactor(ctx context.Context, symbol string, from, to time.Time, acknowledgeDiscontinuity bool) (float64, error) {
	if to.Equal(from) {
		return 1, nil
	}
	if to.Before(from) {
		f, err := a.AdjustmentFactor(ctx, symbol, to, from, acknowledgeDiscontinuity)
		if err != nil {
			return 0, err
		}
		return 1 / f, nil
	}

	actions, err := a.actions.ListCorporateActions(ctx, symbol)
	if err != nil {
		return 0, err
	}

	factor := 1.0
	for _, action := range inRange(actions, from, to) {
		if action.Type.IsDiscontinuity() {
			if !acknowledgeDiscontinuity {
				return 0, fmt.Errorf("%s %s on %s between %s and %s: %w", symbol, action.Type,
					action.EffectiveDate.Format(model.DateLayout), from.Format(time.RFC3339), to.Format(time.RFC3339),
					model.ErrDiscontinuity)
			}
			continue
		}
		f, _, err := a.actionFactor(ctx, action)
		if err != nil {
			return 0, err
		}
		factor *= f
	}
	return factor, nil
}

// GetAdjustmentHistory one audit record per verified action in (from, to], oldest first
func (a *Adjuster) GetAdjustmentHistory(ctx context.Context, symbol string, from, to time.Time) ([]model.AdjustmentRecord, error) {
	actions, err := a.actions.ListCorporateActions(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var out []model.AdjustmentRecord
	for _, action := range inRange(actions, from, to) {
		rec := model.AdjustmentRecord{
			CorporateAction:  action,
			AdjustmentFactor: 1,
			AppliedAt:        action.EffectiveDate,
		}
		if action.Type.IsDiscontinuity() {
			rec.Discontinuity = true
			if before, err := a.priceBefore(ctx, action.Symbol, action.EffectiveDate); err == nil {
				rec.PriceBefore = before.RawPrice
				rec.PriceAfter = before.RawPrice
			}
			out = append(out, rec)
			continue
		}

		f, before, err := a.actionFactor(ctx, action)
		if err != nil {
			return nil, err
		}
		rec.AdjustmentFactor = f
		rec.PriceBefore = before
		rec.PriceAfter = before * f
		out = append(out, rec)
	}
	return out, nil
}

// actionFactor the multiplicative factor of one split or dividend and the raw price it was applied to
func (a *Adjuster) actionFactor(ctx context.Context, action *model.CorporateAction) (float64, float64, error) {
	switch action.Type {
	case model.CorporateActionSplit:
		var before float64
		if p, err := a.priceBefore(ctx, action.Symbol, action.EffectiveDate); err == nil {
			before = p.RawPrice
		}
		return action.PriceMultiplier(), before, nil

	case model.CorporateActionDividend:
		exDate := action.ExDate
		if exDate.IsZero() {
			exDate = action.EffectiveDate
		}
		p, err := a.priceBefore(ctx, action.Symbol, exDate)
		if errors.Is(err, model.ErrNotFound) {
			p, err = a.prices.PriceAtOrAfter(ctx, action.Symbol, exDate)
		}
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return 0, 0, fmt.Errorf("no price for %s dividend on %s: %w", action.Symbol,
					exDate.Format(model.DateLayout), model.ErrNoDataAvailable)
			}
			return 0, 0, err
		}
		if !(p.RawPrice > 0) {
			return 0, 0, fmt.Errorf("non-positive price for %s on %s: %w", action.Symbol,
				exDate.Format(model.DateLayout), model.ErrNoDataAvailable)
		}

		// TODO: Polygon marks special dividends with dividend_type=SC; carry that flag and decide their factor separately
		f := 1 - action.DividendAmount.InexactFloat64()/p.RawPrice
		if f <= 0 {
			return 0, 0, fmt.Errorf("dividend %s exceeds price %.4f for %s: %w", action.DividendAmount.String(),
				p.RawPrice, action.Symbol, model.ErrInvalidCorporateAction)
		}
		return f, p.RawPrice, nil
	}
	return 1, 0, nil
}

// priceBefore latest observation strictly before at
func (a *Adjuster) priceBefore(ctx context.Context, symbol string, at time.Time) (*model.EquityPrice, error) {
	return a.prices.PriceAtOrBefore(ctx, symbol, at.Add(-time.Nanosecond))
}

// inRange verified actions with from < effectiveDate ≤ to, in list order
func inRange(actions []*model.CorporateAction, from, to time.Time) []*model.CorporateAction {
	var out []*model.CorporateAction
	for _, a := range actions {
		if !a.IsVerified {
			continue
		}
		if a.EffectiveDate.After(from) && !a.EffectiveDate.After(to) {
			out = append(out, a)
		}
	}
	return out
}
