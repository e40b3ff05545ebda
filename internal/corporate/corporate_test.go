package corporate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/provider"
	"github.com/life2you_mini/rwaoracle/internal/storage/memory"
)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type fixture struct {
	registry *Registry
	adjuster *Adjuster
	store    *memory.Store
	sources  []*provider.Static
}

func newFixture(t *testing.T, sourceCount int) *fixture {
	store := memory.NewStore()
	var sources []*provider.Static
	var providers []provider.CorporateActionProvider
	for i := 0; i < sourceCount; i++ {
		s := provider.NewStatic(string(rune('a'+i)), 1)
		sources = append(sources, s)
		providers = append(providers, s)
	}
	registry := NewRegistry(providers, store, memory.NewCache(), Config{CacheTTL: time.Minute}, zaptest.NewLogger(t), nil)
	registry.now = func() time.Time { return day(10) }
	return &fixture{
		registry: registry,
		adjuster: NewAdjuster(registry, store, zaptest.NewLogger(t)),
		store:    store,
		sources:  sources,
	}
}

func split(symbol string, d int, ratio string) *model.CorporateAction {
	return &model.CorporateAction{Symbol: symbol, Type: model.CorporateActionSplit, ExDate: day(d), EffectiveDate: day(d), SplitRatio: dec(ratio)}
}

func dividend(symbol string, d int, amount string) *model.CorporateAction {
	return &model.CorporateAction{Symbol: symbol, Type: model.CorporateActionDividend, ExDate: day(d), EffectiveDate: day(d), DividendAmount: dec(amount)}
}

func TestRegistry_DedupAndVerify(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.sources[0].AddCorporateAction(split("AAPL", 12, "2"))
	f.sources[1].AddCorporateAction(split("AAPL", 12, "2.0"))
	f.sources[2].AddCorporateAction(dividend("AAPL", 15, "0.24"))

	res, err := f.registry.FetchCorporateActions(ctx, "aapl", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Verified)
	require.Len(t, res.Actions, 2)

	s := res.Actions[0]
	assert.Equal(t, model.CorporateActionSplit, s.Type)
	assert.True(t, s.IsVerified)
	assert.Equal(t, []string{"a", "b"}, s.Sources)
	assert.False(t, res.Actions[1].IsVerified)

	// second fetch is idempotent
	res, err = f.registry.FetchCorporateActions(ctx, "AAPL", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Len(t, res.Actions, 2)

	// a later corroboration verifies the dividend
	f.sources[0].AddCorporateAction(dividend("AAPL", 15, "0.24"))
	res, err = f.registry.FetchCorporateActions(ctx, "AAPL", day(14))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Verified)
	require.Len(t, res.Actions, 1)
	assert.True(t, res.Actions[0].IsVerified)
}

func TestRegistry_ConflictingValuesStayUnverified(t *testing.T) {
	f := newFixture(t, 3)

	f.sources[0].AddCorporateAction(split("AAPL", 12, "2"))
	f.sources[1].AddCorporateAction(split("AAPL", 12, "2"))
	f.sources[2].AddCorporateAction(split("AAPL", 12, "3"))

	res, err := f.registry.FetchCorporateActions(context.Background(), "AAPL", time.Time{})
	require.NoError(t, err)
	require.Len(t, res.Actions, 2)
	for _, a := range res.Actions {
		assert.False(t, a.IsVerified, "conflicting records are never silently resolved")
	}
	require.Len(t, res.Ambiguous, 1)
	assert.Len(t, res.Ambiguous[0].Candidates, 2)
}

func TestRegistry_AllSourcesDown(t *testing.T) {
	f := newFixture(t, 2)
	for _, s := range f.sources {
		s.Fail(errors.New("down"))
	}
	_, err := f.registry.FetchCorporateActions(context.Background(), "AAPL", time.Time{})
	assert.ErrorIs(t, err, model.ErrNoDataAvailable)
}

func TestRegistry_PartialSourceFailure(t *testing.T) {
	f := newFixture(t, 2)
	f.sources[0].AddCorporateAction(split("AAPL", 12, "2"))
	f.sources[1].Fail(errors.New("down"))

	res, err := f.registry.FetchCorporateActions(context.Background(), "AAPL", time.Time{})
	require.NoError(t, err)
	assert.Len(t, res.Actions, 1)
	assert.Contains(t, res.SourceErrors, "b")
}

func TestRegistry_CreateCorporateAction(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	merger, err := f.registry.CreateCorporateAction(ctx, CreateRequest{
		Symbol: "xyz", Type: "merger", EffectiveDate: day(20), AcquiringSymbol: "abc", ExchangeRatio: dec("0.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "XYZ", merger.Symbol)
	assert.Equal(t, model.CorporateActionMerger, merger.Type)
	assert.False(t, merger.IsVerified)
	assert.Equal(t, model.DataSourceManual, merger.DataSource)

	_, err = f.registry.CreateCorporateAction(ctx, CreateRequest{Symbol: "XYZ", Type: model.CorporateActionSplit, EffectiveDate: day(20)})
	assert.ErrorIs(t, err, model.ErrInvalidCorporateAction)

	// duplicate manual entry returns the existing record
	again, err := f.registry.CreateCorporateAction(ctx, CreateRequest{
		Symbol: "XYZ", Type: model.CorporateActionMerger, EffectiveDate: day(20), AcquiringSymbol: "ABC", ExchangeRatio: dec("0.50"),
	})
	require.NoError(t, err)
	assert.Equal(t, merger.ID, again.ID)
}

func TestRegistry_ManualEntryNeedsTwoVendors(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	manual, err := f.registry.CreateCorporateAction(ctx, CreateRequest{Symbol: "AAPL", Type: model.CorporateActionSplit, EffectiveDate: day(12), SplitRatio: dec("2")})
	require.NoError(t, err)

	f.sources[0].AddCorporateAction(split("AAPL", 12, "2"))
	_, err = f.registry.FetchCorporateActions(ctx, "AAPL", time.Time{})
	require.NoError(t, err)
	got, err := f.store.GetCorporateAction(ctx, manual.ID)
	require.NoError(t, err)
	assert.False(t, got.IsVerified)
	assert.Equal(t, []string{"a", model.DataSourceManual}, got.Sources)

	f.sources[1].AddCorporateAction(split("AAPL", 12, "2"))
	_, err = f.registry.FetchCorporateActions(ctx, "AAPL", time.Time{})
	require.NoError(t, err)
	got, err = f.store.GetCorporateAction(ctx, manual.ID)
	require.NoError(t, err)
	assert.True(t, got.IsVerified)
}

func TestRegistry_Supersede(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	wrong, err := f.registry.CreateCorporateAction(ctx, CreateRequest{Symbol: "AAPL", Type: model.CorporateActionDividend, EffectiveDate: day(15), DividendAmount: dec("2.4")})
	require.NoError(t, err)
	fixed, err := f.registry.CreateCorporateAction(ctx, CreateRequest{Symbol: "AAPL", Type: model.CorporateActionDividend, EffectiveDate: day(15), DividendAmount: dec("0.24"), Supersedes: wrong.ID})
	require.NoError(t, err)

	live, err := f.registry.ListCorporateActions(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, fixed.ID, live[0].ID)

	// verified records cannot be superseded
	f.sources[0].AddCorporateAction(split("AAPL", 12, "2"))
	f.sources[1].AddCorporateAction(split("AAPL", 12, "2"))
	res, err := f.registry.FetchCorporateActions(ctx, "AAPL", day(12))
	require.NoError(t, err)
	var verified *model.CorporateAction
	for _, a := range res.Actions {
		if a.Type == model.CorporateActionSplit {
			verified = a
		}
	}
	require.NotNil(t, verified)
	_, err = f.registry.CreateCorporateAction(ctx, CreateRequest{Symbol: "AAPL", Type: model.CorporateActionSplit, EffectiveDate: day(12), SplitRatio: dec("3"), Supersedes: verified.ID})
	assert.ErrorIs(t, err, model.ErrAlreadyVerified)
}

func TestRegistry_UpcomingAndNearest(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	for _, s := range f.sources {
		s.AddCorporateAction(split("AAPL", 12, "2"))
		s.AddCorporateAction(dividend("AAPL", 8, "0.24"))
		s.AddCorporateAction(dividend("AAPL", 25, "0.24"))
	}
	_, err := f.registry.FetchCorporateActions(ctx, "AAPL", time.Time{})
	require.NoError(t, err)

	upcoming, err := f.registry.GetUpcomingCorporateActions(ctx, "AAPL", 7)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, day(12), upcoming[0].EffectiveDate)

	// day 8 and day 12 are equally far; the upcoming one wins
	nearest, err := f.registry.NearestAction(ctx, "AAPL", day(10), 7*24*time.Hour, 7*24*time.Hour, true)
	require.NoError(t, err)
	require.NotNil(t, nearest)
	assert.Equal(t, day(12), nearest.EffectiveDate)

	nearest, err = f.registry.NearestAction(ctx, "AAPL", day(9), 7*24*time.Hour, 7*24*time.Hour, true)
	require.NoError(t, err)
	require.NotNil(t, nearest)
	assert.Equal(t, day(8), nearest.EffectiveDate)

	none, err := f.registry.NearestAction(ctx, "AAPL", day(18), 24*time.Hour, 24*time.Hour, true)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// verifiedFixture seeds verified actions directly in the store
func verifiedFixture(t *testing.T, actions ...*model.CorporateAction) *fixture {
	f := newFixture(t, 0)
	for i, a := range actions {
		a.ID = string(rune('a' + i))
		a.IsVerified = true
		a.Sources = []string{"x", "y"}
		require.NoError(t, f.store.InsertCorporateAction(context.Background(), a))
	}
	return f
}

func TestAdjuster_AAPLSplitScenario(t *testing.T) {
	f := verifiedFixture(t, split("AAPL", 12, "2"))
	ctx := context.Background()
	require.NoError(t, f.store.SavePrice(ctx, &model.EquityPrice{ID: "p", Symbol: "AAPL", RawPrice: 150, PriceDate: day(10)}))

	factor, err := f.adjuster.AdjustmentFactor(ctx, "AAPL", day(9), day(13), false)
	require.NoError(t, err)
	assert.Equal(t, 0.5, factor)

	// day-10 raw $150 reads as $75 once day 12 is now
	factor, err = f.adjuster.AdjustmentFactor(ctx, "AAPL", day(10), day(12), false)
	require.NoError(t, err)
	assert.Equal(t, 75.0, 150*factor)

	factor, err = f.adjuster.AdjustmentFactor(ctx, "AAPL", day(10), day(11), false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, factor)
}

func TestAdjuster_IdempotenceAndChaining(t *testing.T) {
	f := verifiedFixture(t,
		dividend("AAPL", 5, "1"),
		split("AAPL", 12, "2"),
		dividend("AAPL", 20, "0.5"),
	)
	ctx := context.Background()
	require.NoError(t, f.store.SavePrice(ctx, &model.EquityPrice{ID: "p1", Symbol: "AAPL", RawPrice: 100, PriceDate: day(4)}))
	require.NoError(t, f.store.SavePrice(ctx, &model.EquityPrice{ID: "p2", Symbol: "AAPL", RawPrice: 50, PriceDate: day(19)}))

	for _, d := range []int{1, 5, 12, 20, 25} {
		same, err := f.adjuster.AdjustmentFactor(ctx, "AAPL", day(d), day(d), false)
		require.NoError(t, err)
		assert.Equal(t, 1.0, same)
	}

	points := []int{1, 6, 12, 19, 25}
	for i := 0; i < len(points); i++ {
		for j := i; j < len(points); j++ {
			for k := j; k < len(points); k++ {
				a, b, c := day(points[i]), day(points[j]), day(points[k])
				ac, err := f.adjuster.AdjustmentFactor(ctx, "AAPL", a, c, false)
				require.NoError(t, err)
				ab, err := f.adjuster.AdjustmentFactor(ctx, "AAPL", a, b, false)
				require.NoError(t, err)
				bc, err := f.adjuster.AdjustmentFactor(ctx, "AAPL", b, c, false)
				require.NoError(t, err)
				assert.InDelta(t, ac, ab*bc, 1e-12)
			}
		}
	}

	full, err := f.adjuster.AdjustmentFactor(ctx, "AAPL", day(1), day(25), false)
	require.NoError(t, err)
	assert.InDelta(t, 0.99*0.5*0.99, full, 1e-12)

	inverse, err := f.adjuster.AdjustmentFactor(ctx, "AAPL", day(25), day(1), false)
	require.NoError(t, err)
	assert.InDelta(t, 1/full, inverse, 1e-12)
}

func TestAdjuster_IgnoresUnverified(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.store.InsertCorporateAction(ctx, &model.CorporateAction{
		ID: "u", Symbol: "AAPL", Type: model.CorporateActionSplit, EffectiveDate: day(12), SplitRatio: dec("2"),
	}))

	factor, err := f.adjuster.AdjustmentFactor(ctx, "AAPL", day(9), day(13), false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, factor)
}

func TestAdjuster_Discontinuity(t *testing.T) {
	f := verifiedFixture(t, &model.CorporateAction{
		Symbol: "XYZ", Type: model.CorporateActionMerger, EffectiveDate: day(12), AcquiringSymbol: "ABC", ExchangeRatio: dec("0.5"),
	})
	ctx := context.Background()

	_, err := f.adjuster.AdjustmentFactor(ctx, "XYZ", day(9), day(13), false)
	assert.ErrorIs(t, err, model.ErrDiscontinuity)

	factor, err := f.adjuster.AdjustmentFactor(ctx, "XYZ", day(9), day(13), true)
	require.NoError(t, err)
	assert.Equal(t, 1.0, factor)

	history, err := f.adjuster.GetAdjustmentHistory(ctx, "XYZ", day(1), day(30))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Discontinuity)
}

func TestAdjuster_DividendWithoutPrice(t *testing.T) {
	f := verifiedFixture(t, dividend("AAPL", 12, "1"))

	_, err := f.adjuster.AdjustmentFactor(context.Background(), "AAPL", day(9), day(13), false)
	assert.ErrorIs(t, err, model.ErrNoDataAvailable)
}

func TestAdjuster_GetAdjustmentHistory(t *testing.T) {
	f := verifiedFixture(t, dividend("AAPL", 5, "2"), split("AAPL", 12, "4"))
	ctx := context.Background()
	require.NoError(t, f.store.SavePrice(ctx, &model.EquityPrice{ID: "p1", Symbol: "AAPL", RawPrice: 200, PriceDate: day(4)}))
	require.NoError(t, f.store.SavePrice(ctx, &model.EquityPrice{ID: "p2", Symbol: "AAPL", RawPrice: 196, PriceDate: day(11)}))

	history, err := f.adjuster.GetAdjustmentHistory(ctx, "AAPL", day(1), day(30))
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, model.CorporateActionDividend, history[0].CorporateAction.Type)
	assert.Equal(t, 200.0, history[0].PriceBefore)
	assert.InDelta(t, 0.99, history[0].AdjustmentFactor, 1e-12)
	assert.InDelta(t, 198.0, history[0].PriceAfter, 1e-9)

	assert.Equal(t, 196.0, history[1].PriceBefore)
	assert.Equal(t, 0.25, history[1].AdjustmentFactor)
	assert.Equal(t, 49.0, history[1].PriceAfter)
	assert.Equal(t, day(12), history[1].AppliedAt)
}

// gatedSource blocks FetchSplits until released or the call's ctx ends
type gatedSource struct {
	*provider.Static
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) FetchSplits(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Static.FetchSplits(ctx, symbol)
}

func TestRegistry_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := memory.NewStore()
	gated := &gatedSource{Static: provider.NewStatic("a", 1), entered: make(chan struct{}), release: make(chan struct{})}
	other := provider.NewStatic("b", 1)
	gated.AddCorporateAction(split("AAPL", 12, "2"))
	other.AddCorporateAction(split("AAPL", 12, "2"))

	registry := NewRegistry([]provider.CorporateActionProvider{gated, other}, store, nil, Config{}, zaptest.NewLogger(t), nil)
	registry.now = func() time.Time { return day(10) }

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := registry.FetchCorporateActions(first, "AAPL", time.Time{})
		firstErr <- err
	}()
	<-gated.entered

	type outcome struct {
		res *FetchResult
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := registry.FetchCorporateActions(context.Background(), "AAPL", time.Time{})
		second <- outcome{res, err}
	}()
	// 等待第二个调用加入同一次拉取
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(gated.release)
	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.res.Actions, 1)
	assert.True(t, got.res.Actions[0].IsVerified)
	assert.Empty(t, got.res.SourceErrors)
}
