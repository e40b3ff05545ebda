package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// NameFinnhub 供应商名称
const NameFinnhub = "finnhub"

// finnhubHistoryYears how far back split/dividend queries reach
const finnhubHistoryYears = 10

// Finnhub Finnhub客户端
type Finnhub struct {
	*baseClient
	now func() time.Time
}

var _ Provider = (*Finnhub)(nil)

// NewFinnhub 创建Finnhub客户端
func NewFinnhub(opts Options, logger *zap.Logger) *Finnhub {
	return &Finnhub{
		baseClient: newBaseClient(NameFinnhub, "https://finnhub.io/api/v1", opts, logger),
		now:        time.Now,
	}
}

func (c *Finnhub) query(symbol string, withRange bool) url.Values {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("token", c.apiKey)
	if withRange {
		now := c.now().UTC()
		q.Set("from", now.AddDate(-finnhubHistoryYears, 0, 0).Format(model.DateLayout))
		q.Set("to", now.AddDate(1, 0, 0).Format(model.DateLayout))
	}
	return q
}

// FetchPrice /quote
func (c *Finnhub) FetchPrice(ctx context.Context, symbol string) (*Quote, error) {
	var resp struct {
		Current   decimal.Decimal `json:"c"`
		Timestamp int64           `json:"t"`
	}
	if err := c.getJSON(ctx, "/quote", c.query(symbol, false), &resp); err != nil {
		return nil, err
	}
	// unknown symbols come back as an all-zero quote
	if !resp.Current.IsPositive() || resp.Timestamp == 0 {
		return nil, NewError(c.name, KindNotFound, fmt.Errorf("no quote for %s", symbol))
	}
	return &Quote{
		Symbol:     strings.ToUpper(symbol),
		Price:      resp.Current.InexactFloat64(),
		Confidence: 1,
		AsOf:       time.Unix(resp.Timestamp, 0).UTC(),
	}, nil
}

// FetchSplits /stock/split
func (c *Finnhub) FetchSplits(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	var resp []struct {
		Date       string          `json:"date"`
		FromFactor decimal.Decimal `json:"fromFactor"`
		ToFactor   decimal.Decimal `json:"toFactor"`
	}
	if err := c.getJSON(ctx, "/stock/split", c.query(symbol, true), &resp); err != nil {
		return nil, err
	}

	out := make([]*model.CorporateAction, 0, len(resp))
	for _, r := range resp {
		effective, err := model.ParseDate(r.Date)
		if err != nil || effective.IsZero() || !r.FromFactor.IsPositive() || !r.ToFactor.IsPositive() {
			continue
		}
		ratio := r.ToFactor.Div(r.FromFactor)
		out = append(out, &model.CorporateAction{
			Symbol:        strings.ToUpper(symbol),
			Type:          model.CorporateActionSplit,
			ExDate:        effective,
			EffectiveDate: effective,
			SplitRatio:    &ratio,
			DataSource:    c.name,
		})
	}
	return out, nil
}

// FetchDividends /stock/dividend
func (c *Finnhub) FetchDividends(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	var resp []struct {
		Date       string          `json:"date"`
		Amount     decimal.Decimal `json:"amount"`
		Currency   string          `json:"currency"`
		RecordDate string          `json:"recordDate"`
	}
	if err := c.getJSON(ctx, "/stock/dividend", c.query(symbol, true), &resp); err != nil {
		return nil, err
	}

	out := make([]*model.CorporateAction, 0, len(resp))
	for _, r := range resp {
		exDate, err := model.ParseDate(r.Date)
		if err != nil || exDate.IsZero() || !r.Amount.IsPositive() {
			continue
		}
		recordDate, _ := model.ParseDate(r.RecordDate)
		amount := r.Amount
		out = append(out, &model.CorporateAction{
			Symbol:           strings.ToUpper(symbol),
			Type:             model.CorporateActionDividend,
			ExDate:           exDate,
			RecordDate:       recordDate,
			EffectiveDate:    exDate,
			DividendAmount:   &amount,
			DividendCurrency: strings.ToUpper(r.Currency),
			DataSource:       c.name,
		})
	}
	return out, nil
}
