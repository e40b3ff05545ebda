package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/rwaoracle/internal/corporate"
	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/publisher"
)

type mockPrices struct{ mock.Mock }

func (m *mockPrices) GetRawPrice(ctx context.Context, symbol string) (*model.EquityPrice, error) {
	args := m.Called(ctx, symbol)
	p, _ := args.Get(0).(*model.EquityPrice)
	return p, args.Error(1)
}

func (m *mockPrices) GetAdjustedPrice(ctx context.Context, symbol string) (*model.EquityPrice, error) {
	args := m.Called(ctx, symbol)
	p, _ := args.Get(0).(*model.EquityPrice)
	return p, args.Error(1)
}

func (m *mockPrices) GetBatchPrices(ctx context.Context, symbols []string, adjusted bool) map[string]*model.PriceResult {
	return m.Called(ctx, symbols, adjusted).Get(0).(map[string]*model.PriceResult)
}

func (m *mockPrices) GetPriceHistory(ctx context.Context, symbol string, from, to time.Time) ([]*model.EquityPrice, error) {
	args := m.Called(ctx, symbol, from, to)
	p, _ := args.Get(0).([]*model.EquityPrice)
	return p, args.Error(1)
}

func (m *mockPrices) GetPriceAtDate(ctx context.Context, symbol string, date time.Time) (*model.EquityPrice, error) {
	args := m.Called(ctx, symbol, date)
	p, _ := args.Get(0).(*model.EquityPrice)
	return p, args.Error(1)
}

type mockFunding struct{ mock.Mock }

func (m *mockFunding) GetCurrentFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error) {
	args := m.Called(ctx, symbol)
	r, _ := args.Get(0).(*model.FundingRate)
	return r, args.Error(1)
}

func (m *mockFunding) CalculateFundingRate(ctx context.Context, symbol string, markPrice float64) (*model.FundingRate, error) {
	args := m.Called(ctx, symbol, markPrice)
	r, _ := args.Get(0).(*model.FundingRate)
	return r, args.Error(1)
}

func (m *mockFunding) GetFundingRateHistory(ctx context.Context, symbol string, hours int) ([]*model.FundingRate, error) {
	args := m.Called(ctx, symbol, hours)
	r, _ := args.Get(0).([]*model.FundingRate)
	return r, args.Error(1)
}

func (m *mockFunding) GetBatchFundingRates(ctx context.Context, symbols []string) map[string]*model.FundingRateResult {
	return m.Called(ctx, symbols).Get(0).(map[string]*model.FundingRateResult)
}

func (m *mockFunding) GetFundingRateFactors(ctx context.Context, symbol string) (*model.FundingRateFactors, error) {
	args := m.Called(ctx, symbol)
	f, _ := args.Get(0).(*model.FundingRateFactors)
	return f, args.Error(1)
}

type mockRisk struct{ mock.Mock }

func (m *mockRisk) AssessRisk(ctx context.Context, symbol string, position *model.Position) (*model.RiskAssessment, error) {
	args := m.Called(ctx, symbol, position)
	a, _ := args.Get(0).(*model.RiskAssessment)
	return a, args.Error(1)
}

func (m *mockRisk) AssessBatch(ctx context.Context, symbols []string, positions map[string]*model.Position) map[string]*model.RiskAssessmentResult {
	return m.Called(ctx, symbols, positions).Get(0).(map[string]*model.RiskAssessmentResult)
}

func (m *mockRisk) GenerateRecommendations(ctx context.Context, a *model.RiskAssessment) ([]*model.RiskRecommendation, error) {
	args := m.Called(ctx, a)
	r, _ := args.Get(0).([]*model.RiskRecommendation)
	return r, args.Error(1)
}

func (m *mockRisk) GetRecommendations(ctx context.Context, symbol string) ([]*model.RiskRecommendation, error) {
	args := m.Called(ctx, symbol)
	r, _ := args.Get(0).([]*model.RiskRecommendation)
	return r, args.Error(1)
}

func (m *mockRisk) AcknowledgeRecommendation(ctx context.Context, id, by string) (*model.RiskRecommendation, error) {
	args := m.Called(ctx, id, by)
	r, _ := args.Get(0).(*model.RiskRecommendation)
	return r, args.Error(1)
}

func (m *mockRisk) GetRiskWindows(ctx context.Context, symbol string, from, to time.Time) ([]*model.RiskWindow, error) {
	args := m.Called(ctx, symbol, from, to)
	w, _ := args.Get(0).([]*model.RiskWindow)
	return w, args.Error(1)
}

type mockCorporate struct{ mock.Mock }

func (m *mockCorporate) FetchCorporateActions(ctx context.Context, symbol string, from time.Time) (*corporate.FetchResult, error) {
	args := m.Called(ctx, symbol, from)
	r, _ := args.Get(0).(*corporate.FetchResult)
	return r, args.Error(1)
}

func (m *mockCorporate) GetUpcomingCorporateActions(ctx context.Context, symbol string, daysAhead int) ([]*model.CorporateAction, error) {
	args := m.Called(ctx, symbol, daysAhead)
	a, _ := args.Get(0).([]*model.CorporateAction)
	return a, args.Error(1)
}

func (m *mockCorporate) CreateCorporateAction(ctx context.Context, req corporate.CreateRequest) (*model.CorporateAction, error) {
	args := m.Called(ctx, req)
	a, _ := args.Get(0).(*model.CorporateAction)
	return a, args.Error(1)
}

func (m *mockCorporate) ListCorporateActions(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	args := m.Called(ctx, symbol)
	a, _ := args.Get(0).([]*model.CorporateAction)
	return a, args.Error(1)
}

type fixture struct {
	server    *Server
	prices    *mockPrices
	funding   *mockFunding
	risk      *mockRisk
	corporate *mockCorporate
	chain     *publisher.SimulatedChain
	factory   *publisher.Factory
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		prices:    &mockPrices{},
		funding:   &mockFunding{},
		risk:      &mockRisk{},
		corporate: &mockCorporate{},
		chain:     publisher.NewSimulatedChain(),
	}
	logger := zaptest.NewLogger(t)
	factory, err := publisher.CreateFactory(publisher.Config{
		Primary: model.ProviderSolana,
		Solana:  publisher.SolanaConfig{Enabled: true, ProgramID: "prog"},
	}, f.chain, logger, nil)
	require.NoError(t, err)
	f.factory = factory

	f.server = NewServer(":0", Deps{
		Prices:     f.prices,
		Funding:    f.funding,
		Risk:       f.risk,
		Corporate:  f.corporate,
		Publishers: factory,
		Metrics:    metrics.New(),
	}, logger)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestServer_CurrentFundingRate(t *testing.T) {
	f := newFixture(t)
	f.funding.On("GetCurrentFundingRate", mock.Anything, "AAPL").
		Return(&model.FundingRate{ID: "fr-1", Symbol: "AAPL", Rate: 0.05}, nil)
	f.funding.On("GetCurrentFundingRate", mock.Anything, "XYZ").
		Return(nil, fmt.Errorf("XYZ: %w", model.ErrNoDataAvailable))

	rec := f.do(t, http.MethodGet, "/v1/funding-rates/aapl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rate model.FundingRate
	decode(t, rec, &rate)
	assert.Equal(t, 0.05, rate.Rate)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/v1/funding-rates/XYZ", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var e errorResponse
	decode(t, rec, &e)
	assert.Equal(t, "no_data_available", e.Error)
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "数据源限流", err: model.ErrRateLimited, status: http.StatusTooManyRequests, code: "rate_limited"},
		{name: "数据源不可用", err: model.ErrSourceUnavailable, status: http.StatusServiceUnavailable, code: "source_unavailable"},
		{name: "价格断层", err: model.ErrDiscontinuity, status: http.StatusConflict, code: "discontinuity"},
		{name: "请求超时", err: context.DeadlineExceeded, status: http.StatusServiceUnavailable, code: "timeout"},
		{name: "未知错误", err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.funding.On("GetFundingRateFactors", mock.Anything, "AAPL").Return(nil, fmt.Errorf("wrapped: %w", tt.err))

			rec := f.do(t, http.MethodGet, "/v1/funding-rates/AAPL/factors", "")
			assert.Equal(t, tt.status, rec.Code)
			var e errorResponse
			decode(t, rec, &e)
			assert.Equal(t, tt.code, e.Error)
		})
	}
}

func TestServer_BatchPricesPartialSuccess(t *testing.T) {
	f := newFixture(t)
	f.prices.On("GetBatchPrices", mock.Anything, []string{"AAPL", "XYZ"}, false).Return(map[string]*model.PriceResult{
		"AAPL": model.NewPriceResult("AAPL", &model.EquityPrice{Symbol: "AAPL", RawPrice: 150}, nil),
		"XYZ":  model.NewPriceResult("XYZ", nil, model.ErrNoDataAvailable),
	})

	rec := f.do(t, http.MethodGet, "/v1/prices?symbols=aapl,%20xyz&adjusted=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]*model.PriceResult
	decode(t, rec, &out)
	assert.Equal(t, 150.0, out["AAPL"].Price.RawPrice)
	assert.NotEmpty(t, out["XYZ"].Error)

	rec = f.do(t, http.MethodGet, "/v1/prices", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PriceHistoryBadDate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/prices/AAPL/history?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	f.prices.On("GetPriceHistory", mock.Anything, "AAPL", from, to).
		Return([]*model.EquityPrice{{Symbol: "AAPL", RawPrice: 150, PriceDate: from}}, nil)
	rec = f.do(t, http.MethodGet, "/v1/prices/AAPL/history?from=2024-03-01&to=2024-03-10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []*model.EquityPrice
	decode(t, rec, &out)
	assert.Len(t, out, 1)
}

func TestServer_AssessRiskWithPosition(t *testing.T) {
	f := newFixture(t)
	assessment := &model.RiskAssessment{Symbol: "AAPL", Level: model.RiskLevelHigh, CurrentLeverage: 8}
	f.risk.On("AssessRisk", mock.Anything, "AAPL", mock.MatchedBy(func(p *model.Position) bool {
		return p != nil && p.ID == "pos-1" && p.Leverage == 8 && p.Symbol == "AAPL"
	})).Return(assessment, nil)
	f.risk.On("GenerateRecommendations", mock.Anything, assessment).Return([]*model.RiskRecommendation{
		{ID: "r-1", Symbol: "AAPL", Action: model.ActionDeleverage, TargetLeverage: 3},
	}, nil)

	rec := f.do(t, http.MethodPost, "/v1/risk/AAPL/assess", `{"id":"pos-1","leverage":8}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out assessResponse
	decode(t, rec, &out)
	assert.Equal(t, model.RiskLevelHigh, out.Assessment.Level)
	require.Len(t, out.Recommendations, 1)
	assert.Equal(t, model.ActionDeleverage, out.Recommendations[0].Action)
}

func TestServer_AcknowledgeRecommendation(t *testing.T) {
	f := newFixture(t)
	f.risk.On("AcknowledgeRecommendation", mock.Anything, "r-1", "ops").
		Return(&model.RiskRecommendation{ID: "r-1", Acknowledged: true, AcknowledgedBy: "ops"}, nil)
	f.risk.On("AcknowledgeRecommendation", mock.Anything, "missing", "").
		Return(nil, model.ErrNotFound)

	rec := f.do(t, http.MethodPost, "/v1/recommendations/r-1/acknowledge", `{"by":"ops"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out model.RiskRecommendation
	decode(t, rec, &out)
	assert.True(t, out.Acknowledged)

	rec = f.do(t, http.MethodPost, "/v1/recommendations/missing/acknowledge", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CorporateActions(t *testing.T) {
	f := newFixture(t)
	f.corporate.On("GetUpcomingCorporateActions", mock.Anything, "AAPL", 7).
		Return([]*model.CorporateAction{{ID: "ca-1", Symbol: "AAPL", Type: model.CorporateActionSplit}}, nil)
	f.corporate.On("CreateCorporateAction", mock.Anything, mock.MatchedBy(func(r corporate.CreateRequest) bool {
		return r.Type == model.CorporateActionMerger
	})).Return(nil, fmt.Errorf("merger needs acquiring symbol: %w", model.ErrInvalidCorporateAction))

	rec := f.do(t, http.MethodGet, "/v1/corporate-actions/AAPL?days_ahead=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var actions []*model.CorporateAction
	decode(t, rec, &actions)
	assert.Len(t, actions, 1)

	rec = f.do(t, http.MethodPost, "/v1/corporate-actions",
		`{"symbol":"AAPL","type":"MERGER","effective_date":"2024-03-12T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/corporate-actions/AAPL?days_ahead=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_OnChainRate(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)

	p, err := f.factory.GetPrimaryPublisher()
	require.NoError(t, err)
	_, err = p.PublishFundingRate(context.Background(), &model.FundingRate{
		ID: "fr-1", Symbol: "AAPL", Rate: 0.0123, HourlyRate: 0.0123 / model.HoursPerYear,
		MarkPrice: 105, SpotPrice: 100, Premium: 5, CalculatedAt: now, ValidUntil: now.Add(time.Hour),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/onchain/solana/AAPL", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out model.OnChainFundingRate
	decode(t, rec, &out)
	assert.InDelta(t, 0.0123, out.Rate, 1e-9)
	assert.Equal(t, p.GetAccountAddress("AAPL"), out.AccountAddress)

	rec = f.do(t, http.MethodGet, "/v1/onchain/radix/AAPL", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/onchain/solana/TSLA", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.server.deps.Health = func(ctx context.Context) error { return errors.New("postgres down") }
	rec = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/scheduler/last", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = f.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
