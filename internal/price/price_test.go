package price

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/provider"
	"github.com/life2you_mini/rwaoracle/internal/storage/memory"
)

var testNow = time.Date(2024, 3, 13, 16, 0, 0, 0, time.UTC)

type fixedAdjuster struct {
	factor float64
	err    error
}

func (f fixedAdjuster) AdjustmentFactor(ctx context.Context, symbol string, from, to time.Time, ack bool) (float64, error) {
	return f.factor, f.err
}

func newProviders(prices ...float64) ([]provider.PriceProvider, []*provider.Static) {
	var out []provider.PriceProvider
	var statics []*provider.Static
	for i, p := range prices {
		s := provider.NewStatic(string(rune('a'+i)), 1)
		s.SetPrice("AAPL", p, testNow)
		out = append(out, s)
		statics = append(statics, s)
	}
	return out, statics
}

func newTestAggregator(t *testing.T, providers []provider.PriceProvider) *Aggregator {
	a := NewAggregator(providers, DefaultAggregatorConfig(), zaptest.NewLogger(t), nil)
	a.now = func() time.Time { return testNow }
	return a
}

func TestAggregator_UnanimousSourcesFullConfidence(t *testing.T) {
	providers, _ := newProviders(150, 150.5, 149.8)
	agg, err := newTestAggregator(t, providers).Aggregate(context.Background(), "aapl")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", agg.Symbol)
	assert.InDelta(t, (150+150.5+149.8)/3, agg.Price, 1e-9)
	assert.InDelta(t, 1.0, agg.Confidence, 1e-12)
	assert.Len(t, agg.Breakdown, 3)
}

func TestAggregator_ConfidenceBound(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		down   []int
	}{
		{name: "全部一致", prices: []float64{100, 100, 100}},
		{name: "单源", prices: []float64{100, 100, 100}, down: []int{1, 2}},
		{name: "分歧", prices: []float64{100, 120, 80}},
		{name: "离群值", prices: []float64{100, 100, 300}},
	}

	unanimous := 0.0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			providers, statics := newProviders(tt.prices...)
			for _, i := range tt.down {
				statics[i].Fail(errors.New("down"))
			}
			agg, err := newTestAggregator(t, providers).Aggregate(context.Background(), "AAPL")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, agg.Confidence, 0.0)
			assert.LessOrEqual(t, agg.Confidence, 1.0)
			if len(tt.down) == 0 && tt.prices[0] == tt.prices[1] && tt.prices[1] == tt.prices[2] {
				unanimous = agg.Confidence
			} else {
				assert.LessOrEqual(t, agg.Confidence, unanimous)
			}
		})
	}
}

func TestAggregator_SingleSourceLowerThanUnanimous(t *testing.T) {
	providers, statics := newProviders(100, 100, 100)
	statics[1].Fail(errors.New("down"))
	statics[2].Fail(errors.New("down"))

	agg, err := newTestAggregator(t, providers).Aggregate(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, agg.Confidence, 1e-12)
	assert.Equal(t, 100.0, agg.Price)
}

func TestAggregator_RecencyDecay(t *testing.T) {
	fresh := provider.NewStatic("fresh", 1)
	fresh.SetPrice("AAPL", 100, testNow)
	stale := provider.NewStatic("stale", 1)
	stale.SetPrice("AAPL", 101, testNow.Add(-24*time.Hour))

	agg, err := newTestAggregator(t, []provider.PriceProvider{fresh, stale}).Aggregate(context.Background(), "AAPL")
	require.NoError(t, err)
	// weights 1 and 0.5
	assert.InDelta(t, (100*1+101*0.5)/1.5, agg.Price, 1e-9)
	assert.Equal(t, testNow, agg.AsOf)
}

func TestAggregator_AllProvidersDown(t *testing.T) {
	providers, statics := newProviders(1, 1, 1)
	for _, s := range statics {
		s.Fail(errors.New("down"))
	}

	_, err := newTestAggregator(t, providers).Aggregate(context.Background(), "XYZ")
	assert.ErrorIs(t, err, model.ErrNoDataAvailable)
}

func TestAggregator_CallerCancellation(t *testing.T) {
	providers, _ := newProviders(100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestAggregator(t, providers).Aggregate(ctx, "AAPL")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, model.ErrNoDataAvailable)
}

func newTestService(t *testing.T, adj Adjuster, prices ...float64) (*Service, *memory.Store, []*provider.Static) {
	providers, statics := newProviders(prices...)
	store := memory.NewStore()
	svc := NewService(newTestAggregator(t, providers), store, adj, memory.NewCache(),
		Config{CacheTTL: time.Minute}, zaptest.NewLogger(t), nil)
	svc.now = func() time.Time { return testNow }
	return svc, store, statics
}

func TestService_AllProvidersDownForXYZ(t *testing.T) {
	svc, _, _ := newTestService(t, fixedAdjuster{factor: 1}, 100, 100, 100)

	_, err := svc.GetAdjustedPrice(context.Background(), "XYZ")
	assert.ErrorIs(t, err, model.ErrNoDataAvailable)
}

func TestService_AdjustedPricePersistsAndCaches(t *testing.T) {
	svc, store, statics := newTestService(t, fixedAdjuster{factor: 0.5}, 150, 150, 150)
	ctx := context.Background()

	p, err := svc.GetAdjustedPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 150.0, p.RawPrice)
	assert.Equal(t, 75.0, p.AdjustedPrice)

	raw, err := svc.GetRawPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 150.0, raw.AdjustedPrice)

	// served from cache while every provider is down
	for _, s := range statics {
		s.Fail(errors.New("down"))
	}
	again, err := svc.GetAdjustedPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	history, err := store.PriceHistory(ctx, "AAPL", testNow.Add(-time.Hour), testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestService_Discontinuity(t *testing.T) {
	svc, _, _ := newTestService(t, fixedAdjuster{err: model.ErrDiscontinuity}, 100)

	_, err := svc.GetAdjustedPrice(context.Background(), "AAPL")
	assert.ErrorIs(t, err, model.ErrDiscontinuity)
}

func TestService_GetBatchPrices(t *testing.T) {
	svc, _, _ := newTestService(t, fixedAdjuster{factor: 1}, 100, 101)

	results := svc.GetBatchPrices(context.Background(), []string{"AAPL", "xyz"}, true)
	require.Len(t, results, 2)
	require.NoError(t, results["AAPL"].Err)
	assert.InDelta(t, 100.5, results["AAPL"].Price.AdjustedPrice, 1e-9)
	assert.ErrorIs(t, results["XYZ"].Err, model.ErrNoDataAvailable)
	assert.NotEmpty(t, results["XYZ"].Error)
}

func TestService_GetPriceAtDate(t *testing.T) {
	svc, store, _ := newTestService(t, fixedAdjuster{factor: 0.5}, 100)
	ctx := context.Background()

	day10 := time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)
	require.NoError(t, store.SavePrice(ctx, &model.EquityPrice{ID: "p10", Symbol: "AAPL", RawPrice: 150, AdjustedPrice: 150, PriceDate: day10}))

	p, err := svc.GetPriceAtDate(ctx, "AAPL", time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "p10", p.ID)
	assert.Equal(t, 75.0, p.AdjustedPrice)

	_, err = svc.GetPriceAtDate(ctx, "AAPL", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, model.ErrNoDataAvailable)
}

func TestAnalytics(t *testing.T) {
	var prices []*model.EquityPrice
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	values := []float64{100, 102, 99, 110, 108}
	for i, v := range values {
		prices = append(prices, &model.EquityPrice{AdjustedPrice: v, PriceDate: base.AddDate(0, 0, i).Add(15 * time.Hour)})
	}
	// intraday observation superseded by the later close of the same day
	prices = append(prices, &model.EquityPrice{AdjustedPrice: 1, PriceDate: base.Add(time.Hour)})

	closes := DailyCloses(prices)
	require.Len(t, closes, 5)
	assert.Equal(t, 100.0, closes[0].Price)

	gap, day := MaxDailyGap(closes)
	assert.InDelta(t, 11.0/99, gap, 1e-12)
	assert.Equal(t, base.AddDate(0, 0, 3), day)

	vol := AnnualizedVolatility(closes)
	assert.Greater(t, vol, 0.0)
	assert.False(t, math.IsNaN(vol))
	assert.Equal(t, 0.0, AnnualizedVolatility(closes[:2]))
}
