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

// NamePolygon 供应商名称
const NamePolygon = "polygon"

// Polygon Polygon.io客户端
type Polygon struct {
	*baseClient
}

var _ Provider = (*Polygon)(nil)

// NewPolygon 创建Polygon客户端
func NewPolygon(opts Options, logger *zap.Logger) *Polygon {
	return &Polygon{baseClient: newBaseClient(NamePolygon, "https://api.polygon.io", opts, logger)}
}

func (c *Polygon) auth(q url.Values) url.Values {
	if q == nil {
		q = url.Values{}
	}
	q.Set("apiKey", c.apiKey)
	return q
}

// FetchPrice previous close aggregate
func (c *Polygon) FetchPrice(ctx context.Context, symbol string) (*Quote, error) {
	var resp struct {
		Status       string `json:"status"`
		ResultsCount int    `json:"resultsCount"`
		Results      []struct {
			Close     decimal.Decimal `json:"c"`
			Timestamp int64           `json:"t"`
		} `json:"results"`
	}
	q := url.Values{}
	q.Set("adjusted", "false")
	path := "/v2/aggs/ticker/" + url.PathEscape(strings.ToUpper(symbol)) + "/prev"
	if err := c.getJSON(ctx, path, c.auth(q), &resp); err != nil {
		return nil, err
	}
	if resp.ResultsCount == 0 || len(resp.Results) == 0 || !resp.Results[0].Close.IsPositive() {
		return nil, NewError(c.name, KindNotFound, fmt.Errorf("no aggregate for %s", symbol))
	}

	r := resp.Results[0]
	return &Quote{
		Symbol:     strings.ToUpper(symbol),
		Price:      r.Close.InexactFloat64(),
		Confidence: 1,
		AsOf:       time.UnixMilli(r.Timestamp).UTC(),
	}, nil
}

// FetchSplits /v3/reference/splits
func (c *Polygon) FetchSplits(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	var resp struct {
		Results []struct {
			ID            string          `json:"id"`
			ExecutionDate string          `json:"execution_date"`
			SplitFrom     decimal.Decimal `json:"split_from"`
			SplitTo       decimal.Decimal `json:"split_to"`
		} `json:"results"`
	}
	q := url.Values{}
	q.Set("ticker", strings.ToUpper(symbol))
	q.Set("limit", "1000")
	if err := c.getJSON(ctx, "/v3/reference/splits", c.auth(q), &resp); err != nil {
		return nil, err
	}

	out := make([]*model.CorporateAction, 0, len(resp.Results))
	for _, r := range resp.Results {
		effective, err := model.ParseDate(r.ExecutionDate)
		if err != nil || effective.IsZero() || !r.SplitFrom.IsPositive() || !r.SplitTo.IsPositive() {
			continue
		}
		ratio := r.SplitTo.Div(r.SplitFrom)
		out = append(out, &model.CorporateAction{
			Symbol:        strings.ToUpper(symbol),
			Type:          model.CorporateActionSplit,
			ExDate:        effective,
			EffectiveDate: effective,
			SplitRatio:    &ratio,
			DataSource:    c.name,
			ExternalID:    r.ID,
		})
	}
	return out, nil
}

// FetchDividends /v3/reference/dividends
func (c *Polygon) FetchDividends(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	var resp struct {
		Results []struct {
			ID             string          `json:"id"`
			CashAmount     decimal.Decimal `json:"cash_amount"`
			Currency       string          `json:"currency"`
			ExDividendDate string          `json:"ex_dividend_date"`
			RecordDate     string          `json:"record_date"`
		} `json:"results"`
	}
	q := url.Values{}
	q.Set("ticker", strings.ToUpper(symbol))
	q.Set("limit", "1000")
	if err := c.getJSON(ctx, "/v3/reference/dividends", c.auth(q), &resp); err != nil {
		return nil, err
	}

	out := make([]*model.CorporateAction, 0, len(resp.Results))
	for _, r := range resp.Results {
		exDate, err := model.ParseDate(r.ExDividendDate)
		if err != nil || exDate.IsZero() || !r.CashAmount.IsPositive() {
			continue
		}
		recordDate, _ := model.ParseDate(r.RecordDate)
		amount := r.CashAmount
		out = append(out, &model.CorporateAction{
			Symbol:           strings.ToUpper(symbol),
			Type:             model.CorporateActionDividend,
			ExDate:           exDate,
			RecordDate:       recordDate,
			EffectiveDate:    exDate,
			DividendAmount:   &amount,
			DividendCurrency: strings.ToUpper(r.Currency),
			DataSource:       c.name,
			ExternalID:       r.ID,
		})
	}
	return out, nil
}
