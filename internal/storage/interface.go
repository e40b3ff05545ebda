package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// 存储类型常量
const (
	StorageTypePostgres = "postgres"
	StorageTypeInMemory = "memory"
)

// PriceRepository 价格历史
type PriceRepository interface {
	SavePrice(ctx context.Context, price *model.EquityPrice) error
	// PriceHistory observations with from ≤ priceDate ≤ to, oldest first
	PriceHistory(ctx context.Context, symbol string, from, to time.Time) ([]*model.EquityPrice, error)
	// PriceAtOrBefore latest observation with priceDate ≤ at, model.ErrNotFound if none
	PriceAtOrBefore(ctx context.Context, symbol string, at time.Time) (*model.EquityPrice, error)
	// PriceAtOrAfter earliest observation with priceDate ≥ at, model.ErrNotFound if none
	PriceAtOrAfter(ctx context.Context, symbol string, at time.Time) (*model.EquityPrice, error)
}

// CorporateActionRepository 公司行为
type CorporateActionRepository interface {
	InsertCorporateAction(ctx context.Context, action *model.CorporateAction) error
	// UpdateCorporateActionSources only succeeds for unverified records
	UpdateCorporateActionSources(ctx context.Context, id string, sources []string, verified bool) error
	// SupersedeCorporateAction hides an unverified record behind its replacement
	SupersedeCorporateAction(ctx context.Context, id, supersededBy string) error
	GetCorporateAction(ctx context.Context, id string) (*model.CorporateAction, error)
	// ListCorporateActions live (not superseded) records ordered by effective date
	ListCorporateActions(ctx context.Context, symbol string) ([]*model.CorporateAction, error)
}

// FundingRateRepository append-only funding rate rows
type FundingRateRepository interface {
	InsertFundingRate(ctx context.Context, rate *model.FundingRate) error
	// LatestFundingRate most recent row by calculatedAt, model.ErrNotFound if none
	LatestFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error)
	// FundingRateHistory rows with from ≤ calculatedAt ≤ to, newest first
	FundingRateHistory(ctx context.Context, symbol string, from, to time.Time) ([]*model.FundingRate, error)
	// AttachTransactionHash the only write allowed on an existing row
	AttachTransactionHash(ctx context.Context, id, txHash string) error
}

// RiskRepository risk windows and recommendations
type RiskRepository interface {
	// SaveRiskWindow inserts or replaces a window together with its factors
	SaveRiskWindow(ctx context.Context, window *model.RiskWindow) error
	// DeleteRiskWindow removes a window absorbed into another by a merge
	DeleteRiskWindow(ctx context.Context, id string) error
	// OverlappingRiskWindows windows intersecting [from, to]
	OverlappingRiskWindows(ctx context.Context, symbol string, from, to time.Time) ([]*model.RiskWindow, error)
	InsertRecommendation(ctx context.Context, rec *model.RiskRecommendation) error
	GetRecommendation(ctx context.Context, id string) (*model.RiskRecommendation, error)
	// ListRecommendations newest first
	ListRecommendations(ctx context.Context, symbol string) ([]*model.RiskRecommendation, error)
	// AcknowledgeRecommendation flips acknowledged false→true; reports whether this call did the flip
	AcknowledgeRecommendation(ctx context.Context, id string, at time.Time, by string) (bool, error)
}

// Storage 定义存储层接口，可以有多种实现（PostgreSQL、内存）
type Storage interface {
	// 基础操作
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	Health(ctx context.Context) error

	PriceRepository
	CorporateActionRepository
	FundingRateRepository
	RiskRepository
}

// Cache read-through TTL cache; entries are replaced whole, never mutated in place
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// StorageFactory 存储工厂，用于创建不同的存储实现
type StorageFactory struct {
	implementations map[string]Storage
}

// NewStorageFactory 创建存储工厂
func NewStorageFactory() *StorageFactory {
	return &StorageFactory{
		implementations: make(map[string]Storage),
	}
}

// Register 注册存储实现
func (f *StorageFactory) Register(name string, storage Storage) {
	f.implementations[name] = storage
}

// Get 获取存储实现
func (f *StorageFactory) Get(name string) (Storage, error) {
	s, ok := f.implementations[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage type %q", name)
	}
	return s, nil
}

// Names 已注册的存储类型
func (f *StorageFactory) Names() []string {
	names := make([]string, 0, len(f.implementations))
	for name := range f.implementations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
