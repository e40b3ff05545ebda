package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// NameAlphaVantage 供应商名称
const NameAlphaVantage = "alpha_vantage"

// AlphaVantage Alpha Vantage客户端
type AlphaVantage struct {
	*baseClient
}

var _ Provider = (*AlphaVantage)(nil)

// NewAlphaVantage 创建Alpha Vantage客户端
func NewAlphaVantage(opts Options, logger *zap.Logger) *AlphaVantage {
	return &AlphaVantage{baseClient: newBaseClient(NameAlphaVantage, "https://www.alphavantage.co", opts, logger)}
}

// avEnvelope fields every Alpha Vantage payload may carry instead of data
type avEnvelope struct {
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
}

func (e avEnvelope) check(name string) error {
	switch {
	case e.Note != "" || e.Information != "":
		return NewError(name, KindRateLimited, errors.New(strings.TrimSpace(e.Note+" "+e.Information)))
	case e.ErrorMessage != "":
		return NewError(name, KindNotFound, errors.New(e.ErrorMessage))
	}
	return nil
}

func (c *AlphaVantage) query(function, symbol string) url.Values {
	q := url.Values{}
	q.Set("function", function)
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("apikey", c.apiKey)
	return q
}

// FetchPrice GLOBAL_QUOTE
func (c *AlphaVantage) FetchPrice(ctx context.Context, symbol string) (*Quote, error) {
	var resp struct {
		avEnvelope
		GlobalQuote struct {
			Symbol           string          `json:"01. symbol"`
			Price            decimal.Decimal `json:"05. price"`
			LatestTradingDay string          `json:"07. latest trading day"`
		} `json:"Global Quote"`
	}
	if err := c.getJSON(ctx, "/query", c.query("GLOBAL_QUOTE", symbol), &resp); err != nil {
		return nil, err
	}
	if err := resp.check(c.name); err != nil {
		return nil, err
	}
	if resp.GlobalQuote.Symbol == "" || !resp.GlobalQuote.Price.IsPositive() {
		return nil, NewError(c.name, KindNotFound, fmt.Errorf("no quote for %s", symbol))
	}

	asOf, err := model.ParseDate(resp.GlobalQuote.LatestTradingDay)
	if err != nil {
		return nil, NewError(c.name, KindUnavailable, fmt.Errorf("解析交易日失败: %w", err))
	}
	return &Quote{
		Symbol:     strings.ToUpper(symbol),
		Price:      resp.GlobalQuote.Price.InexactFloat64(),
		Confidence: 1,
		AsOf:       asOf,
	}, nil
}

// FetchSplits SPLITS
func (c *AlphaVantage) FetchSplits(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	var resp struct {
		avEnvelope
		Data []struct {
			EffectiveDate string          `json:"effective_date"`
			SplitFactor   decimal.Decimal `json:"split_factor"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/query", c.query("SPLITS", symbol), &resp); err != nil {
		return nil, err
	}
	if err := resp.check(c.name); err != nil {
		return nil, err
	}

	out := make([]*model.CorporateAction, 0, len(resp.Data))
	for _, d := range resp.Data {
		effective, err := model.ParseDate(d.EffectiveDate)
		if err != nil || effective.IsZero() || !d.SplitFactor.IsPositive() {
			c.logger.Debug("跳过无效拆股记录", zap.String("symbol", symbol), zap.String("date", d.EffectiveDate))
			continue
		}
		ratio := d.SplitFactor
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

// FetchDividends DIVIDENDS
func (c *AlphaVantage) FetchDividends(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	var resp struct {
		avEnvelope
		Data []struct {
			ExDividendDate string          `json:"ex_dividend_date"`
			RecordDate     string          `json:"record_date"`
			Amount         decimal.Decimal `json:"amount"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/query", c.query("DIVIDENDS", symbol), &resp); err != nil {
		return nil, err
	}
	if err := resp.check(c.name); err != nil {
		return nil, err
	}

	out := make([]*model.CorporateAction, 0, len(resp.Data))
	for _, d := range resp.Data {
		exDate, err := model.ParseDate(d.ExDividendDate)
		if err != nil || exDate.IsZero() || !d.Amount.IsPositive() {
			continue
		}
		// record_date is "None" for some historical rows
		recordDate, _ := model.ParseDate(d.RecordDate)
		amount := d.Amount
		out = append(out, &model.CorporateAction{
			Symbol:           strings.ToUpper(symbol),
			Type:             model.CorporateActionDividend,
			ExDate:           exDate,
			RecordDate:       recordDate,
			EffectiveDate:    exDate,
			DividendAmount:   &amount,
			DividendCurrency: "USD",
			DataSource:       c.name,
		})
	}
	return out, nil
}
