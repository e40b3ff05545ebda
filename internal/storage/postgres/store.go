// Package postgres is the durable Storage backed by PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/storage"
)

// Options 连接参数
type Options struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
	QueryTimeout   time.Duration
}

// DSN lib/pq connection string
func (o Options) DSN() string {
	sslMode := o.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		o.Host, o.Port, o.Database, o.User, o.Password, sslMode)
}

// Store PostgreSQL存储实现
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  *zap.Logger
}

var _ storage.Storage = (*Store)(nil)

// Open 打开数据库连接
func Open(opts Options, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", opts.DSN())
	if err != nil {
		return nil, fmt.Errorf("打开PostgreSQL连接失败: %w", err)
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
		db.SetMaxIdleConns(opts.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewStore(db, opts.QueryTimeout, logger), nil
}

// NewStore wraps an existing handle
func NewStore(db *sqlx.DB, timeout time.Duration, logger *zap.Logger) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout, logger: logger}
}

// Initialize applies the schema
func (s *Store) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 4*s.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("PostgreSQL连接失败: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("初始化表结构失败: %w", err)
	}
	s.logger.Info("PostgreSQL存储初始化成功")
	return nil
}

// Close 关闭连接
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// Health 健康检查
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

type priceRow struct {
	ID              string    `db:"id"`
	Symbol          string    `db:"symbol"`
	RawPrice        float64   `db:"raw_price"`
	AdjustedPrice   float64   `db:"adjusted_price"`
	Confidence      float64   `db:"confidence"`
	PriceDate       time.Time `db:"price_date"`
	Source          string    `db:"source"`
	SourceBreakdown []byte    `db:"source_breakdown"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r *priceRow) toModel() (*model.EquityPrice, error) {
	p := &model.EquityPrice{
		ID:            r.ID,
		Symbol:        r.Symbol,
		RawPrice:      r.RawPrice,
		AdjustedPrice: r.AdjustedPrice,
		Confidence:    r.Confidence,
		PriceDate:     r.PriceDate.UTC(),
		Source:        r.Source,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if len(r.SourceBreakdown) > 0 {
		if err := json.Unmarshal(r.SourceBreakdown, &p.SourceBreakdown); err != nil {
			return nil, fmt.Errorf("解析价格来源明细失败: %w", err)
		}
	}
	return p, nil
}

const priceColumns = `id, symbol, raw_price, adjusted_price, confidence, price_date, source, source_breakdown, created_at`

// SavePrice 保存价格
func (s *Store) SavePrice(ctx context.Context, price *model.EquityPrice) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	breakdown, err := json.Marshal(price.SourceBreakdown)
	if err != nil {
		return fmt.Errorf("序列化价格来源明细失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO equity_prices (`+priceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		price.ID, price.Symbol, price.RawPrice, price.AdjustedPrice, price.Confidence,
		price.PriceDate, price.Source, breakdown, price.CreatedAt)
	if err != nil {
		return fmt.Errorf("保存价格失败: %w", err)
	}
	return nil
}

// PriceHistory 价格历史
func (s *Store) PriceHistory(ctx context.Context, symbol string, from, to time.Time) ([]*model.EquityPrice, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []priceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+priceColumns+` FROM equity_prices
		WHERE symbol = $1 AND price_date >= $2 AND price_date <= $3
		ORDER BY price_date ASC`, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("查询价格历史失败: %w", err)
	}
	out := make([]*model.EquityPrice, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PriceAtOrBefore 指定时间之前的最新价格
func (s *Store) PriceAtOrBefore(ctx context.Context, symbol string, at time.Time) (*model.EquityPrice, error) {
	return s.priceOne(ctx, symbol, `
		SELECT `+priceColumns+` FROM equity_prices
		WHERE symbol = $1 AND price_date <= $2
		ORDER BY price_date DESC LIMIT 1`, at)
}

// PriceAtOrAfter 指定时间之后的最早价格
func (s *Store) PriceAtOrAfter(ctx context.Context, symbol string, at time.Time) (*model.EquityPrice, error) {
	return s.priceOne(ctx, symbol, `
		SELECT `+priceColumns+` FROM equity_prices
		WHERE symbol = $1 AND price_date >= $2
		ORDER BY price_date ASC LIMIT 1`, at)
}

func (s *Store) priceOne(ctx context.Context, symbol, query string, at time.Time) (*model.EquityPrice, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row priceRow
	if err := s.db.GetContext(ctx, &row, query, symbol, at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("price for %s near %s: %w", symbol, at.Format(time.RFC3339), model.ErrNotFound)
		}
		return nil, fmt.Errorf("查询价格失败: %w", err)
	}
	return row.toModel()
}

// FundingRate rows

type fundingRow struct {
	ID                        string    `db:"id"`
	Symbol                    string    `db:"symbol"`
	Rate                      float64   `db:"rate"`
	HourlyRate                float64   `db:"hourly_rate"`
	MarkPrice                 float64   `db:"mark_price"`
	SpotPrice                 float64   `db:"spot_price"`
	AdjustedSpotPrice         float64   `db:"adjusted_spot_price"`
	Premium                   float64   `db:"premium"`
	PremiumPercentage         float64   `db:"premium_percentage"`
	BaseRate                  float64   `db:"base_rate"`
	CorporateActionAdjustment float64   `db:"corporate_action_adjustment"`
	LiquidityAdjustment       float64   `db:"liquidity_adjustment"`
	VolatilityAdjustment      float64   `db:"volatility_adjustment"`
	CalculatedAt              time.Time `db:"calculated_at"`
	ValidUntil                time.Time `db:"valid_until"`
	OnChainTransactionHash    string    `db:"on_chain_transaction_hash"`
}

func (r *fundingRow) toModel() *model.FundingRate {
	return &model.FundingRate{
		ID:                        r.ID,
		Symbol:                    r.Symbol,
		Rate:                      r.Rate,
		HourlyRate:                r.HourlyRate,
		MarkPrice:                 r.MarkPrice,
		SpotPrice:                 r.SpotPrice,
		AdjustedSpotPrice:         r.AdjustedSpotPrice,
		Premium:                   r.Premium,
		PremiumPercentage:         r.PremiumPercentage,
		BaseRate:                  r.BaseRate,
		CorporateActionAdjustment: r.CorporateActionAdjustment,
		LiquidityAdjustment:       r.LiquidityAdjustment,
		VolatilityAdjustment:      r.VolatilityAdjustment,
		CalculatedAt:              r.CalculatedAt.UTC(),
		ValidUntil:                r.ValidUntil.UTC(),
		OnChainTransactionHash:    r.OnChainTransactionHash,
	}
}

const fundingColumns = `id, symbol, rate, hourly_rate, mark_price, spot_price, adjusted_spot_price, premium,
	premium_percentage, base_rate, corporate_action_adjustment, liquidity_adjustment, volatility_adjustment,
	calculated_at, valid_until, on_chain_transaction_hash`

// InsertFundingRate 追加资金费率
func (s *Store) InsertFundingRate(ctx context.Context, r *model.FundingRate) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_rates (`+fundingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.Symbol, r.Rate, r.HourlyRate, r.MarkPrice, r.SpotPrice, r.AdjustedSpotPrice, r.Premium,
		r.PremiumPercentage, r.BaseRate, r.CorporateActionAdjustment, r.LiquidityAdjustment, r.VolatilityAdjustment,
		r.CalculatedAt, r.ValidUntil, r.OnChainTransactionHash)
	if err != nil {
		return fmt.Errorf("保存资金费率失败: %w", err)
	}
	return nil
}

// LatestFundingRate 最新资金费率
func (s *Store) LatestFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row fundingRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+fundingColumns+` FROM funding_rates
		WHERE symbol = $1 ORDER BY calculated_at DESC LIMIT 1`, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("funding rate for %s: %w", symbol, model.ErrNotFound)
		}
		return nil, fmt.Errorf("查询最新资金费率失败: %w", err)
	}
	return row.toModel(), nil
}

// FundingRateHistory 资金费率历史
func (s *Store) FundingRateHistory(ctx context.Context, symbol string, from, to time.Time) ([]*model.FundingRate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []fundingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+fundingColumns+` FROM funding_rates
		WHERE symbol = $1 AND calculated_at >= $2 AND calculated_at <= $3
		ORDER BY calculated_at DESC`, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("查询资金费率历史失败: %w", err)
	}
	out := make([]*model.FundingRate, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// AttachTransactionHash 记录链上交易哈希
func (s *Store) AttachTransactionHash(ctx context.Context, id, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE funding_rates SET on_chain_transaction_hash = $2 WHERE id = $1`, id, txHash)
	if err != nil {
		return fmt.Errorf("更新交易哈希失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("funding rate %s: %w", id, model.ErrNotFound)
	}
	return nil
}
