// Package scheduler periodically publishes the current funding rate of every watched symbol on-chain.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/life2you_mini/rwaoracle/internal/corporate"
	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/publisher"
	oracleredis "github.com/life2you_mini/rwaoracle/internal/redis"
)

// 常量定义
const (
	DefaultInterval       = 60 * time.Minute
	DefaultMaxConcurrency = 4
	SchedulerLockKey      = "scheduler:tick"
	lockTTLMargin         = 30 * time.Second
)

// RateSource current funding rates and the hash write-back
type RateSource interface {
	GetCurrentFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error)
	AttachTransactionHash(ctx context.Context, rateID, txHash string) error
}

// Publishers the chains a tick publishes to
type Publishers interface {
	Primary() model.ProviderType
	GetPrimaryPublisher() (publisher.Publisher, error)
	GetAllPublishers() []publisher.Publisher
}

// RiskRefresher refreshes a symbol's risk window after its rate is published
type RiskRefresher interface {
	IdentifyRiskWindow(ctx context.Context, symbol string, date time.Time) (*model.RiskWindow, error)
}

// ActionRefresher pulls vendor corporate actions before a symbol's rate is read
type ActionRefresher interface {
	FetchCorporateActions(ctx context.Context, symbol string, from time.Time) (*corporate.FetchResult, error)
}

// TickLocker guards a tick across replicas; acquired=false means another replica owns it
type TickLocker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// Config 调度配置
type Config struct {
	Symbols        []string
	Interval       time.Duration
	PublishToAll   bool
	MaxConcurrency int
	TickTimeout    time.Duration
	LockTTL        time.Duration
}

// ChainOutcome 单链发布结果
type ChainOutcome struct {
	Result *model.PublishResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// SymbolReport 单个标的的发布结果
type SymbolReport struct {
	Symbol  string                                `json:"symbol"`
	RateID  string                                `json:"rate_id,omitempty"`
	Rate    float64                               `json:"rate"`
	Skipped bool                                  `json:"skipped"`
	Error   string                                `json:"error,omitempty"`
	Chains  map[model.ProviderType]*ChainOutcome `json:"chains,omitempty"`
}

// TickReport 一次调度的汇总
type TickReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	LockedOut  bool            `json:"locked_out"`
	Published  int             `json:"published"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Symbols    []*SymbolReport `json:"symbols"`
}

// Scheduler 资金费率发布调度器
type Scheduler struct {
	rates      RateSource
	publishers Publishers
	risk       RiskRefresher
	actions    ActionRefresher
	locker     TickLocker
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu   sync.RWMutex
	last *TickReport
}

// NewScheduler 创建调度器. risk and locker may be nil.
func NewScheduler(rates RateSource, publishers Publishers, risk RiskRefresher, locker TickLocker, cfg Config,
	logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = cfg.Interval
	}
	// the lock must outlive the longest tick or a slow tick overlaps another replica
	if cfg.LockTTL < cfg.TickTimeout {
		cfg.LockTTL = cfg.TickTimeout + lockTTLMargin
	}
	return &Scheduler{
		rates:      rates,
		publishers: publishers,
		risk:       risk,
		locker:     locker,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "scheduler")),
		metrics:    m,
		now:        time.Now,
	}
}

// SetActionRefresher 设置公司行为刷新
func (s *Scheduler) SetActionRefresher(r ActionRefresher) {
	s.actions = r
}

// Start runs one tick immediately, then one per interval until ctx is cancelled.
// A tick already in flight runs to completion under its own timeout.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("启动资金费率发布调度器",
		zap.Strings("symbols", s.cfg.Symbols),
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("publish_to_all", s.cfg.PublishToAll))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// 立即执行一次
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("调度器已停止")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TickTimeout)
	defer cancel()

	if _, err := s.RunOnce(tickCtx); err != nil {
		s.logger.Error("调度执行失败", zap.Error(err))
	}
}

// LastReport 最近一次调度结果
func (s *Scheduler) LastReport() *TickReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// RunOnce publishes every watched symbol once. Per-symbol and per-chain failures are recorded in
// the report, never returned.
func (s *Scheduler) RunOnce(ctx context.Context) (*TickReport, error) {
	start := s.now()
	report := &TickReport{StartedAt: start.UTC()}

	if s.locker != nil {
		release, acquired, err := s.locker.Acquire(ctx, SchedulerLockKey, s.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("获取调度锁失败: %w", err)
		}
		if !acquired {
			s.logger.Info("其他实例正在执行本轮调度, 跳过")
			report.LockedOut = true
			report.FinishedAt = s.now().UTC()
			return report, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("释放调度锁失败", zap.Error(err))
			}
		}()
	}

	symbols := normalizeSymbols(s.cfg.Symbols)
	report.Symbols = make([]*SymbolReport, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, symbol := range symbols {
		g.Go(func() error {
			report.Symbols[i] = s.publishSymbol(gctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range report.Symbols {
		switch {
		case r.Skipped:
			report.Skipped++
		case r.Error != "":
			report.Failed++
		default:
			report.Published++
		}
	}
	report.FinishedAt = s.now().UTC()
	s.metrics.ObserveTick(report.FinishedAt.Sub(start))

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	s.logger.Info("本轮调度完成",
		zap.Int("published", report.Published),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func (s *Scheduler) publishSymbol(ctx context.Context, symbol string) *SymbolReport {
	r := &SymbolReport{Symbol: symbol}

	if s.actions != nil {
		if res, err := s.actions.FetchCorporateActions(ctx, symbol, time.Time{}); err != nil {
			s.logger.Warn("刷新公司行为失败", zap.String("symbol", symbol), zap.Error(err))
		} else if len(res.Ambiguous) > 0 {
			s.logger.Warn("公司行为数据源不一致", zap.String("symbol", symbol), zap.Int("groups", len(res.Ambiguous)))
		}
	}

	rate, err := s.rates.GetCurrentFundingRate(ctx, symbol)
	if err != nil {
		if errors.Is(err, model.ErrNoDataAvailable) || errors.Is(err, model.ErrNotFound) {
			s.logger.Info("无可用资金费率, 跳过", zap.String("symbol", symbol), zap.Error(err))
			r.Skipped = true
			return r
		}
		s.logger.Error("获取资金费率失败", zap.String("symbol", symbol), zap.Error(err))
		r.Error = err.Error()
		return r
	}
	r.RateID = rate.ID
	r.Rate = rate.Rate

	targets, err := s.targets()
	if err != nil {
		r.Error = err.Error()
		return r
	}

	outcomes := make(map[model.ProviderType]*ChainOutcome, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.PublishFundingRate(ctx, rate)
			out := &ChainOutcome{Result: res}
			if err != nil {
				out.Error = err.Error()
				s.logger.Warn("链上发布失败",
					zap.String("symbol", symbol),
					zap.String("chain", string(p.ProviderType())),
					zap.Error(err))
			}
			mu.Lock()
			outcomes[p.ProviderType()] = out
			mu.Unlock()
		}()
	}
	wg.Wait()
	r.Chains = outcomes

	primary := outcomes[s.publishers.Primary()]
	if primary == nil || primary.Error != "" || primary.Result == nil || !primary.Result.Success {
		r.Error = fmt.Sprintf("primary chain %s did not accept the rate", s.publishers.Primary())
		return r
	}
	if err := s.rates.AttachTransactionHash(ctx, rate.ID, primary.Result.TransactionHash); err != nil {
		s.logger.Warn("记录交易哈希失败",
			zap.String("symbol", symbol),
			zap.String("tx_hash", primary.Result.TransactionHash),
			zap.Error(err))
	}

	if s.risk != nil {
		if _, err := s.risk.IdentifyRiskWindow(ctx, symbol, s.now()); err != nil {
			s.logger.Warn("刷新风险窗口失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return r
}

func (s *Scheduler) targets() ([]publisher.Publisher, error) {
	if s.cfg.PublishToAll {
		all := s.publishers.GetAllPublishers()
		if len(all) == 0 {
			return nil, fmt.Errorf("no chains configured: %w", model.ErrProviderNotConfigured)
		}
		return all, nil
	}
	p, err := s.publishers.GetPrimaryPublisher()
	if err != nil {
		return nil, err
	}
	return []publisher.Publisher{p}, nil
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type redisTickLocker struct {
	locker *oracleredis.Locker
}

// NewRedisTickLocker Redis SetNX 调度锁
func NewRedisTickLocker(locker *oracleredis.Locker) TickLocker {
	return &redisTickLocker{locker: locker}
}

func (l *redisTickLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock, err := l.locker.TryLock(ctx, name, ttl)
	if err != nil || lock == nil {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		_, err := lock.Release(ctx)
		return err
	}, true, nil
}
