// Package memory is the in-process Storage used in simulated mode and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/storage"
)

// Store 内存存储实现. Every read and write copies, callers never alias stored rows.
type Store struct {
	mu              sync.RWMutex
	prices          map[string][]*model.EquityPrice // symbol -> sorted by PriceDate
	actions         map[string]*model.CorporateAction
	fundingRates    map[string][]*model.FundingRate // symbol -> append order
	windows         map[string]*model.RiskWindow
	recommendations map[string]*model.RiskRecommendation
}

var _ storage.Storage = (*Store)(nil)

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		prices:          make(map[string][]*model.EquityPrice),
		actions:         make(map[string]*model.CorporateAction),
		fundingRates:    make(map[string][]*model.FundingRate),
		windows:         make(map[string]*model.RiskWindow),
		recommendations: make(map[string]*model.RiskRecommendation),
	}
}

func (s *Store) Initialize(ctx context.Context) error { return nil }
func (s *Store) Close(ctx context.Context) error      { return nil }
func (s *Store) Health(ctx context.Context) error     { return nil }

func key(symbol string) string { return strings.ToUpper(symbol) }

// SavePrice 保存价格
func (s *Store) SavePrice(ctx context.Context, price *model.EquityPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(price.Symbol)
	rows := append(s.prices[k], price.Clone())
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].PriceDate.Before(rows[j].PriceDate) })
	s.prices[k] = rows
	return nil
}

// PriceHistory 价格历史
func (s *Store) PriceHistory(ctx context.Context, symbol string, from, to time.Time) ([]*model.EquityPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.EquityPrice
	for _, p := range s.prices[key(symbol)] {
		if p.PriceDate.Before(from) || p.PriceDate.After(to) {
			continue
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

// PriceAtOrBefore 指定时间之前的最新价格
func (s *Store) PriceAtOrBefore(ctx context.Context, symbol string, at time.Time) (*model.EquityPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.prices[key(symbol)]
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].PriceDate.After(at) {
			return rows[i].Clone(), nil
		}
	}
	return nil, fmt.Errorf("price for %s at or before %s: %w", symbol, at.Format(time.RFC3339), model.ErrNotFound)
}

// PriceAtOrAfter 指定时间之后的最早价格
func (s *Store) PriceAtOrAfter(ctx context.Context, symbol string, at time.Time) (*model.EquityPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.prices[key(symbol)] {
		if !p.PriceDate.Before(at) {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("price for %s at or after %s: %w", symbol, at.Format(time.RFC3339), model.ErrNotFound)
}

// InsertCorporateAction 新增公司行为
func (s *Store) InsertCorporateAction(ctx context.Context, action *model.CorporateAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actions[action.ID]; exists {
		return fmt.Errorf("corporate action %s already exists", action.ID)
	}
	s.actions[action.ID] = action.Clone()
	return nil
}

// UpdateCorporateActionSources 更新数据源与验证状态
func (s *Store) UpdateCorporateActionSources(ctx context.Context, id string, sources []string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("corporate action %s: %w", id, model.ErrNotFound)
	}
	if a.IsVerified {
		return fmt.Errorf("corporate action %s: %w", id, model.ErrAlreadyVerified)
	}
	updated := a.Clone()
	updated.Sources = append([]string(nil), sources...)
	updated.IsVerified = verified
	s.actions[id] = updated
	return nil
}

// SupersedeCorporateAction 标记被替代
func (s *Store) SupersedeCorporateAction(ctx context.Context, id, supersededBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("corporate action %s: %w", id, model.ErrNotFound)
	}
	if a.IsVerified {
		return fmt.Errorf("corporate action %s: %w", id, model.ErrAlreadyVerified)
	}
	updated := a.Clone()
	updated.SupersededBy = supersededBy
	s.actions[id] = updated
	return nil
}

// GetCorporateAction 获取公司行为
func (s *Store) GetCorporateAction(ctx context.Context, id string) (*model.CorporateAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("corporate action %s: %w", id, model.ErrNotFound)
	}
	return a.Clone(), nil
}

// ListCorporateActions 列出有效的公司行为
func (s *Store) ListCorporateActions(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.CorporateAction
	for _, a := range s.actions {
		if key(a.Symbol) != key(symbol) || a.SupersededBy != "" {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EffectiveDate.Equal(out[j].EffectiveDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].EffectiveDate.Before(out[j].EffectiveDate)
	})
	return out, nil
}

// InsertFundingRate 追加资金费率
func (s *Store) InsertFundingRate(ctx context.Context, rate *model.FundingRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(rate.Symbol)
	s.fundingRates[k] = append(s.fundingRates[k], rate.Clone())
	return nil
}

// LatestFundingRate 最新资金费率
func (s *Store) LatestFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.FundingRate
	for _, r := range s.fundingRates[key(symbol)] {
		if latest == nil || !r.CalculatedAt.Before(latest.CalculatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("funding rate for %s: %w", symbol, model.ErrNotFound)
	}
	return latest.Clone(), nil
}

// FundingRateHistory 资金费率历史
func (s *Store) FundingRateHistory(ctx context.Context, symbol string, from, to time.Time) ([]*model.FundingRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.FundingRate
	for _, r := range s.fundingRates[key(symbol)] {
		if r.CalculatedAt.Before(from) || r.CalculatedAt.After(to) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CalculatedAt.After(out[j].CalculatedAt) })
	return out, nil
}

// AttachTransactionHash 记录链上交易哈希
func (s *Store) AttachTransactionHash(ctx context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rows := range s.fundingRates {
		for i, r := range rows {
			if r.ID == id {
				updated := r.Clone()
				updated.OnChainTransactionHash = txHash
				rows[i] = updated
				return nil
			}
		}
	}
	return fmt.Errorf("funding rate %s: %w", id, model.ErrNotFound)
}

// SaveRiskWindow 保存风险窗口
func (s *Store) SaveRiskWindow(ctx context.Context, window *model.RiskWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows[window.ID] = window.Clone()
	return nil
}

// DeleteRiskWindow 删除被合并的风险窗口
func (s *Store) DeleteRiskWindow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.windows[id]; !ok {
		return fmt.Errorf("risk window %s: %w", id, model.ErrNotFound)
	}
	delete(s.windows, id)
	return nil
}

// OverlappingRiskWindows 与区间重叠的风险窗口
func (s *Store) OverlappingRiskWindows(ctx context.Context, symbol string, from, to time.Time) ([]*model.RiskWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.RiskWindow
	for _, w := range s.windows {
		if key(w.Symbol) == key(symbol) && w.Overlaps(from, to) {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// InsertRecommendation 保存建议
func (s *Store) InsertRecommendation(ctx context.Context, rec *model.RiskRecommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recommendations[rec.ID] = rec.Clone()
	return nil
}

// GetRecommendation 获取建议
func (s *Store) GetRecommendation(ctx context.Context, id string) (*model.RiskRecommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.recommendations[id]
	if !ok {
		return nil, fmt.Errorf("recommendation %s: %w", id, model.ErrNotFound)
	}
	return r.Clone(), nil
}

// ListRecommendations 列出建议
func (s *Store) ListRecommendations(ctx context.Context, symbol string) ([]*model.RiskRecommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.RiskRecommendation
	for _, r := range s.recommendations {
		if key(r.Symbol) == key(symbol) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecommendedBy.After(out[j].RecommendedBy) })
	return out, nil
}

// AcknowledgeRecommendation 确认建议
func (s *Store) AcknowledgeRecommendation(ctx context.Context, id string, at time.Time, by string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recommendations[id]
	if !ok {
		return false, fmt.Errorf("recommendation %s: %w", id, model.ErrNotFound)
	}
	if r.Acknowledged {
		return false, nil
	}
	updated := r.Clone()
	updated.Acknowledged = true
	updated.AcknowledgedAt = &at
	updated.AcknowledgedBy = by
	s.recommendations[id] = updated
	return true, nil
}
