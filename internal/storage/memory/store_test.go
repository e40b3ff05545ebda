package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestStore_PriceLookups(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for _, d := range []int{12, 9, 10} {
		require.NoError(t, s.SavePrice(ctx, &model.EquityPrice{ID: "p", Symbol: "aapl", RawPrice: float64(d), PriceDate: day(d)}))
	}

	history, err := s.PriceHistory(ctx, "AAPL", day(9), day(12))
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, day(9), history[0].PriceDate)
	assert.Equal(t, day(12), history[2].PriceDate)

	before, err := s.PriceAtOrBefore(ctx, "AAPL", day(11))
	require.NoError(t, err)
	assert.Equal(t, 10.0, before.RawPrice)

	after, err := s.PriceAtOrAfter(ctx, "AAPL", day(11))
	require.NoError(t, err)
	assert.Equal(t, 12.0, after.RawPrice)

	_, err = s.PriceAtOrBefore(ctx, "AAPL", day(1))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rate := &model.FundingRate{ID: "fr-1", Symbol: "AAPL", Rate: 0.1, CalculatedAt: day(10)}
	require.NoError(t, s.InsertFundingRate(ctx, rate))
	rate.Rate = 99

	got, err := s.LatestFundingRate(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 0.1, got.Rate)

	got.Rate = 42
	again, err := s.LatestFundingRate(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 0.1, again.Rate)
}

func TestStore_FundingRateHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for i, d := range []int{9, 11, 10} {
		require.NoError(t, s.InsertFundingRate(ctx, &model.FundingRate{ID: string(rune('a' + i)), Symbol: "AAPL", CalculatedAt: day(d)}))
	}
	rows, err := s.FundingRateHistory(ctx, "AAPL", day(1), day(30))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, day(11), rows[0].CalculatedAt)
	assert.Equal(t, day(9), rows[2].CalculatedAt)

	require.NoError(t, s.AttachTransactionHash(ctx, "b", "0xfeed"))
	latest, err := s.LatestFundingRate(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", latest.OnChainTransactionHash)
	assert.ErrorIs(t, s.AttachTransactionHash(ctx, "zzz", "0x"), model.ErrNotFound)
}

func TestStore_VerifiedCorporateActionIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	ratio := decimal.NewFromInt(2)
	action := &model.CorporateAction{
		ID: "ca-1", Symbol: "AAPL", Type: model.CorporateActionSplit, EffectiveDate: day(12),
		SplitRatio: &ratio, Sources: []string{"polygon"},
	}
	require.NoError(t, s.InsertCorporateAction(ctx, action))
	assert.Error(t, s.InsertCorporateAction(ctx, action))

	require.NoError(t, s.UpdateCorporateActionSources(ctx, "ca-1", []string{"polygon", "finnhub"}, true))
	assert.ErrorIs(t, s.UpdateCorporateActionSources(ctx, "ca-1", []string{"manual"}, false), model.ErrAlreadyVerified)
	assert.ErrorIs(t, s.SupersedeCorporateAction(ctx, "ca-1", "ca-2"), model.ErrAlreadyVerified)

	got, err := s.GetCorporateAction(ctx, "ca-1")
	require.NoError(t, err)
	assert.True(t, got.IsVerified)
	assert.Equal(t, []string{"polygon", "finnhub"}, got.Sources)
}

func TestStore_SupersededActionsAreHidden(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	amount := decimal.RequireFromString("0.24")
	for _, id := range []string{"ca-1", "ca-2"} {
		require.NoError(t, s.InsertCorporateAction(ctx, &model.CorporateAction{
			ID: id, Symbol: "AAPL", Type: model.CorporateActionDividend, EffectiveDate: day(12), DividendAmount: &amount,
		}))
	}
	require.NoError(t, s.SupersedeCorporateAction(ctx, "ca-1", "ca-2"))

	live, err := s.ListCorporateActions(ctx, "aapl")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "ca-2", live[0].ID)
}

func TestStore_AcknowledgeIsOneWay(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.InsertRecommendation(ctx, &model.RiskRecommendation{ID: "r-1", Symbol: "AAPL", RecommendedBy: day(10)}))

	flipped, err := s.AcknowledgeRecommendation(ctx, "r-1", day(11), "ops")
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = s.AcknowledgeRecommendation(ctx, "r-1", day(12), "someone-else")
	require.NoError(t, err)
	assert.False(t, flipped)

	rec, err := s.GetRecommendation(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "ops", rec.AcknowledgedBy)
	assert.Equal(t, day(11), *rec.AcknowledgedAt)

	_, err = s.AcknowledgeRecommendation(ctx, "missing", day(11), "ops")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_OverlappingRiskWindows(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.SaveRiskWindow(ctx, &model.RiskWindow{ID: "w-1", Symbol: "AAPL", StartDate: day(5), EndDate: day(8)}))
	require.NoError(t, s.SaveRiskWindow(ctx, &model.RiskWindow{ID: "w-2", Symbol: "AAPL", StartDate: day(10), EndDate: day(14)}))

	windows, err := s.OverlappingRiskWindows(ctx, "AAPL", day(8), day(11))
	require.NoError(t, err)
	assert.Len(t, windows, 2)

	windows, err = s.OverlappingRiskWindows(ctx, "AAPL", day(15), day(20))
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewCache()
	now := day(10)
	c.now = func() time.Time { return now }

	require.NoError(t, c.SetJSON(ctx, "price:AAPL", map[string]float64{"price": 150}, time.Minute))

	var got map[string]float64
	found, err := c.GetJSON(ctx, "price:AAPL", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 150.0, got["price"])

	now = now.Add(2 * time.Minute)
	found, err = c.GetJSON(ctx, "price:AAPL", &got)
	require.NoError(t, err)
	assert.False(t, found)
}
