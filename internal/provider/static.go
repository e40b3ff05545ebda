package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// NameStatic 固定数据供应商名称前缀
const NameStatic = "static"

// Static serves fixed prices and corporate actions. Used in simulated mode and tests.
type Static struct {
	name        string
	reliability float64

	mu      sync.RWMutex
	prices  map[string]Quote
	actions map[string][]*model.CorporateAction
	failure error
}

var _ Provider = (*Static)(nil)

// NewStatic 创建固定数据供应商
func NewStatic(name string, reliability float64) *Static {
	if name == "" {
		name = NameStatic
	}
	return &Static{
		name:        name,
		reliability: reliability,
		prices:      make(map[string]Quote),
		actions:     make(map[string][]*model.CorporateAction),
	}
}

func (s *Static) Name() string         { return s.name }
func (s *Static) Reliability() float64 { return s.reliability }

// SetPrice 设置价格
func (s *Static) SetPrice(symbol string, price float64, asOf time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(symbol)] = Quote{Symbol: strings.ToUpper(symbol), Price: price, Confidence: 1, AsOf: asOf}
}

// AddCorporateAction 添加公司行为
func (s *Static) AddCorporateAction(a *model.CorporateAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := a.Clone()
	c.DataSource = s.name
	k := strings.ToUpper(a.Symbol)
	s.actions[k] = append(s.actions[k], c)
}

// Fail makes every call return err until cleared with Fail(nil)
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// FetchPrice 获取价格
func (s *Static) FetchPrice(ctx context.Context, symbol string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return nil, NewError(s.name, KindUnavailable, s.failure)
	}
	q, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return nil, NewError(s.name, KindNotFound, fmt.Errorf("no quote for %s", symbol))
	}
	return &q, nil
}

// FetchSplits 拆股
func (s *Static) FetchSplits(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	return s.fetch(ctx, symbol, model.CorporateActionSplit)
}

// FetchDividends 分红
func (s *Static) FetchDividends(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	return s.fetch(ctx, symbol, model.CorporateActionDividend)
}

func (s *Static) fetch(ctx context.Context, symbol string, t model.CorporateActionType) ([]*model.CorporateAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return nil, NewError(s.name, KindUnavailable, s.failure)
	}
	var out []*model.CorporateAction
	for _, a := range s.actions[strings.ToUpper(symbol)] {
		if a.Type == t {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}
