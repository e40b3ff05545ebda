// Package corporate ingests corporate actions from vendors and turns them into price adjustment factors.
package corporate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/provider"
	"github.com/life2you_mini/rwaoracle/internal/storage"
)

// MinIndependentSources vendor sources needed before a record is verified
const MinIndependentSources = 2

// Config 公司行为注册表参数
type Config struct {
	FetchTimeout time.Duration
	CacheTTL     time.Duration
}

// FetchResult outcome of FetchCorporateActions
type FetchResult struct {
	Symbol       string                           `json:"symbol"`
	Actions      []*model.CorporateAction         `json:"actions"`
	Inserted     int                              `json:"inserted"`
	Verified     int                              `json:"verified"`
	Ambiguous    []model.AmbiguousCorporateAction `json:"ambiguous,omitempty"`
	SourceErrors map[string]string                `json:"source_errors,omitempty"`
}

// CreateRequest manual/admin entry
type CreateRequest struct {
	Symbol           string                    `json:"symbol"`
	Type             model.CorporateActionType `json:"type"`
	ExDate           time.Time                 `json:"ex_date"`
	RecordDate       time.Time                 `json:"record_date"`
	EffectiveDate    time.Time                 `json:"effective_date"`
	SplitRatio       *decimal.Decimal          `json:"split_ratio,omitempty"`
	DividendAmount   *decimal.Decimal          `json:"dividend_amount,omitempty"`
	DividendCurrency string                    `json:"dividend_currency,omitempty"`
	AcquiringSymbol  string                    `json:"acquiring_symbol,omitempty"`
	ExchangeRatio    *decimal.Decimal          `json:"exchange_ratio,omitempty"`
	ExternalID       string                    `json:"external_id,omitempty"`
	// Supersedes optional id of an unverified record this entry corrects
	Supersedes string `json:"supersedes,omitempty"`
}

// Registry 公司行为注册表
type Registry struct {
	providers []provider.CorporateActionProvider
	store     storage.CorporateActionRepository
	cache     storage.Cache
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	group     singleflight.Group
	now       func() time.Time
}

// NewRegistry 创建注册表. cache may be nil.
func NewRegistry(providers []provider.CorporateActionProvider, store storage.CorporateActionRepository,
	cache storage.Cache, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Registry{
		providers: providers,
		store:     store,
		cache:     cache,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "corporate_registry")),
		metrics:   m,
		now:       time.Now,
	}
}

func cacheKey(symbol string) string {
	return "corporate_actions:" + symbol
}

type sourceBatch struct {
	name    string
	actions []*model.CorporateAction
	err     error
}

// FetchCorporateActions pulls from every provider, deduplicates, persists new records and
// re-evaluates verification. Concurrent calls for one symbol share a single ingest.
func (r *Registry) FetchCorporateActions(ctx context.Context, symbol string, from time.Time) (*FetchResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := r.group.DoChan(symbol, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.ingestTimeout())
		defer cancel()
		return r.ingest(sctx, symbol)
	})
	var v interface{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		v = out.Val
	}

	res := *v.(*FetchResult)
	res.Actions = filterFrom(res.Actions, from)
	return &res, nil
}

// ingestTimeout bounds a shared ingest: every vendor fetch plus persistence
func (r *Registry) ingestTimeout() time.Duration {
	return 2*r.cfg.FetchTimeout + 10*time.Second
}

func (r *Registry) ingest(ctx context.Context, symbol string) (*FetchResult, error) {
	batches := make([]sourceBatch, len(r.providers))
	var wg sync.WaitGroup
	for i, p := range r.providers {
		wg.Add(1)
		go func(i int, p provider.CorporateActionProvider) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
			defer cancel()
			actions, err := provider.FetchAll(cctx, p, symbol, time.Time{})
			batches[i] = sourceBatch{name: p.Name(), actions: actions, err: err}
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &FetchResult{Symbol: symbol, SourceErrors: make(map[string]string)}
	failed := 0
	for _, b := range batches {
		if b.err != nil {
			failed++
			result.SourceErrors[b.name] = b.err.Error()
			r.metrics.ObserveProviderFetch(b.name, "corporate_actions", metrics.OutcomeError)
			r.logger.Warn("公司行为数据源不可用", zap.String("symbol", symbol), zap.String("provider", b.name), zap.Error(b.err))
			continue
		}
		r.metrics.ObserveProviderFetch(b.name, "corporate_actions", metrics.OutcomeSuccess)
	}
	if len(r.providers) > 0 && failed == len(r.providers) {
		return nil, fmt.Errorf("%s: all corporate-action sources failed: %w", symbol, model.ErrNoDataAvailable)
	}

	existing, err := r.store.ListCorporateActions(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// dedup fetched records and collect their sources
	fetched := make(map[string]*model.CorporateAction)
	var order []string
	for _, b := range batches {
		for _, a := range b.actions {
			if a.Symbol == "" {
				a.Symbol = symbol
			}
			if err := a.Validate(); err != nil {
				r.logger.Debug("跳过无效公司行为", zap.String("provider", b.name), zap.Error(err))
				continue
			}
			k := a.DedupKey()
			cur, ok := fetched[k]
			if !ok {
				cur = a.Clone()
				cur.Sources = nil
				fetched[k] = cur
				order = append(order, k)
			}
			if !cur.HasSource(b.name) {
				cur.Sources = append(cur.Sources, b.name)
			}
			if cur.ExternalID == "" {
				cur.ExternalID = a.ExternalID
			}
		}
	}

	conflicted := conflictedKeys(existing, fetched)
	byKey := make(map[string]*model.CorporateAction, len(existing))
	for _, e := range existing {
		byKey[e.DedupKey()] = e
	}

	now := r.now().UTC()
	for _, k := range order {
		f := fetched[k]
		verify := independentSources(f.Sources) >= MinIndependentSources && !conflicted[f.ConflictKey()]

		if e, ok := byKey[k]; ok {
			if e.IsVerified {
				continue
			}
			merged := mergeSources(e.Sources, f.Sources)
			verify = independentSources(merged) >= MinIndependentSources && !conflicted[e.ConflictKey()]
			if len(merged) == len(e.Sources) && verify == e.IsVerified {
				continue
			}
			if err := r.store.UpdateCorporateActionSources(ctx, e.ID, merged, verify); err != nil {
				if errors.Is(err, model.ErrAlreadyVerified) {
					continue
				}
				return nil, err
			}
			if verify {
				result.Verified++
			}
			continue
		}

		sort.Strings(f.Sources)
		f.ID = uuid.NewString()
		f.Symbol = symbol
		f.DataSource = f.Sources[0]
		f.IsVerified = verify
		f.CreatedAt = now
		if err := r.store.InsertCorporateAction(ctx, f); err != nil {
			return nil, err
		}
		result.Inserted++
		if verify {
			result.Verified++
		}
	}

	r.invalidate(ctx, symbol)
	live, err := r.store.ListCorporateActions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	result.Actions = live
	result.Ambiguous = FindAmbiguous(live)

	r.logger.Info("公司行为同步完成",
		zap.String("symbol", symbol),
		zap.Int("inserted", result.Inserted),
		zap.Int("verified", result.Verified),
		zap.Int("ambiguous", len(result.Ambiguous)))
	return result, nil
}

// CreateCorporateAction manual entry; unverified until vendors corroborate it
func (r *Registry) CreateCorporateAction(ctx context.Context, req CreateRequest) (*model.CorporateAction, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	effective := req.EffectiveDate
	if effective.IsZero() {
		effective = req.ExDate
	}
	action := &model.CorporateAction{
		ID:               uuid.NewString(),
		Symbol:           symbol,
		Type:             model.CorporateActionType(strings.ToUpper(string(req.Type))),
		ExDate:           model.Day(req.ExDate),
		RecordDate:       model.Day(req.RecordDate),
		EffectiveDate:    model.Day(effective),
		SplitRatio:       req.SplitRatio,
		DividendAmount:   req.DividendAmount,
		DividendCurrency: strings.ToUpper(req.DividendCurrency),
		AcquiringSymbol:  strings.ToUpper(req.AcquiringSymbol),
		ExchangeRatio:    req.ExchangeRatio,
		DataSource:       model.DataSourceManual,
		ExternalID:       req.ExternalID,
		Sources:          []string{model.DataSourceManual},
		CreatedAt:        r.now().UTC(),
	}
	if req.ExDate.IsZero() {
		action.ExDate = time.Time{}
	}
	if req.RecordDate.IsZero() {
		action.RecordDate = time.Time{}
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}

	existing, err := r.store.ListCorporateActions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.DedupKey() != action.DedupKey() {
			continue
		}
		// same event already known: record the manual confirmation on it
		if !e.IsVerified && !e.HasSource(model.DataSourceManual) {
			sources := mergeSources(e.Sources, []string{model.DataSourceManual})
			if err := r.store.UpdateCorporateActionSources(ctx, e.ID, sources, false); err != nil {
				return nil, err
			}
			r.invalidate(ctx, symbol)
			return r.store.GetCorporateAction(ctx, e.ID)
		}
		return e, nil
	}

	if req.Supersedes != "" {
		old, err := r.store.GetCorporateAction(ctx, req.Supersedes)
		if err != nil {
			return nil, err
		}
		if old.IsVerified {
			return nil, fmt.Errorf("supersede %s: %w", old.ID, model.ErrAlreadyVerified)
		}
	}

	if err := r.store.InsertCorporateAction(ctx, action); err != nil {
		return nil, err
	}
	if req.Supersedes != "" {
		if err := r.store.SupersedeCorporateAction(ctx, req.Supersedes, action.ID); err != nil {
			return nil, err
		}
	}
	r.invalidate(ctx, symbol)

	r.logger.Info("手动录入公司行为",
		zap.String("symbol", symbol),
		zap.String("id", action.ID),
		zap.String("type", string(action.Type)),
		zap.String("supersedes", req.Supersedes))
	return action, nil
}

// ListCorporateActions live records through the read-through cache
func (r *Registry) ListCorporateActions(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	symbol = strings.ToUpper(symbol)
	if r.cache != nil {
		var cached []*model.CorporateAction
		found, err := r.cache.GetJSON(ctx, cacheKey(symbol), &cached)
		if err != nil {
			r.logger.Warn("读取公司行为缓存失败", zap.String("symbol", symbol), zap.Error(err))
		}
		r.metrics.ObserveCache("corporate_actions", found)
		if found {
			return cached, nil
		}
	}

	actions, err := r.store.ListCorporateActions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if r.cache != nil && r.cfg.CacheTTL > 0 {
		if err := r.cache.SetJSON(ctx, cacheKey(symbol), actions, r.cfg.CacheTTL); err != nil {
			r.logger.Warn("写入公司行为缓存失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return actions, nil
}

// GetUpcomingCorporateActions live records effective between today and today+daysAhead
func (r *Registry) GetUpcomingCorporateActions(ctx context.Context, symbol string, daysAhead int) ([]*model.CorporateAction, error) {
	if daysAhead < 0 {
		daysAhead = 0
	}
	actions, err := r.ListCorporateActions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	today := model.Day(r.now())
	until := today.AddDate(0, 0, daysAhead)

	var out []*model.CorporateAction
	for _, a := range actions {
		if !a.EffectiveDate.Before(today) && !a.EffectiveDate.After(until) {
			out = append(out, a)
		}
	}
	return out, nil
}

// NearestAction the live action closest to at within [at−lookback, at+lookahead]; nil when none.
// Ties prefer the upcoming event.
func (r *Registry) NearestAction(ctx context.Context, symbol string, at time.Time, lookback, lookahead time.Duration,
	verifiedOnly bool) (*model.CorporateAction, error) {
	actions, err := r.ListCorporateActions(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var best *model.CorporateAction
	var bestDist time.Duration
	for _, a := range actions {
		if verifiedOnly && !a.IsVerified {
			continue
		}
		d := a.EffectiveDate.Sub(at)
		if d < -lookback || d > lookahead {
			continue
		}
		dist := d
		if dist < 0 {
			dist = -dist
		}
		if best == nil || dist < bestDist || (dist == bestDist && d >= 0) {
			best, bestDist = a, dist
		}
	}
	return best, nil
}

func (r *Registry) invalidate(ctx context.Context, symbol string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, cacheKey(symbol)); err != nil {
		r.logger.Warn("清除公司行为缓存失败", zap.String("symbol", symbol), zap.Error(err))
	}
}

// FindAmbiguous groups records describing the same event with different values
func FindAmbiguous(actions []*model.CorporateAction) []model.AmbiguousCorporateAction {
	groups := make(map[string][]*model.CorporateAction)
	var order []string
	for _, a := range actions {
		k := a.ConflictKey()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], a)
	}

	var out []model.AmbiguousCorporateAction
	for _, k := range order {
		g := groups[k]
		values := make(map[string]struct{})
		for _, a := range g {
			values[a.ValueKey()] = struct{}{}
		}
		if len(values) < 2 {
			continue
		}
		out = append(out, model.AmbiguousCorporateAction{
			Symbol:        g[0].Symbol,
			Type:          g[0].Type,
			EffectiveDate: g[0].EffectiveDate,
			Candidates:    g,
		})
	}
	return out
}

// conflictedKeys conflict keys carrying more than one value across stored and fetched records
func conflictedKeys(existing []*model.CorporateAction, fetched map[string]*model.CorporateAction) map[string]bool {
	values := make(map[string]map[string]struct{})
	add := func(a *model.CorporateAction) {
		k := a.ConflictKey()
		if values[k] == nil {
			values[k] = make(map[string]struct{})
		}
		values[k][a.ValueKey()] = struct{}{}
	}
	for _, a := range existing {
		add(a)
	}
	for _, a := range fetched {
		add(a)
	}

	out := make(map[string]bool)
	for k, v := range values {
		if len(v) > 1 {
			out[k] = true
		}
	}
	return out
}

// independentSources counts vendor sources; a manual entry is not independent corroboration
func independentSources(sources []string) int {
	n := 0
	for _, s := range sources {
		if s != model.DataSourceManual {
			n++
		}
	}
	return n
}

func mergeSources(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func filterFrom(actions []*model.CorporateAction, from time.Time) []*model.CorporateAction {
	if from.IsZero() {
		return actions
	}
	var out []*model.CorporateAction
	for _, a := range actions {
		if !a.EffectiveDate.Before(model.Day(from)) {
			out = append(out, a)
		}
	}
	return out
}
