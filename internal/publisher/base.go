package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
)

// base shared publish/read flow; chains differ in address derivation and numeric encoding
type base struct {
	chain       model.ProviderType
	client      ChainClient
	codec       codec
	derive      func(symbol string) string
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	accounts sync.Map // symbol -> address, accounts known to exist
	group    singleflight.Group
}

func newBase(chain model.ProviderType, client ChainClient, c codec, derive func(string) string, concurrency int,
	logger *zap.Logger, m *metrics.Metrics) *base {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &base{
		chain:       chain,
		client:      client,
		codec:       c,
		derive:      derive,
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "publisher"), zap.String("chain", string(chain))),
		metrics:     m,
		now:         time.Now,
	}
}

// ProviderType 链类型
func (b *base) ProviderType() model.ProviderType { return b.chain }

// GetAccountAddress deterministic per symbol; no network call
func (b *base) GetAccountAddress(symbol string) string {
	return b.derive(normalize(symbol))
}

// InitializeAccount 初始化账户, 已存在时直接返回地址
func (b *base) InitializeAccount(ctx context.Context, symbol string) (string, error) {
	return b.ensureAccount(ctx, normalize(symbol))
}

// IsAccountInitialized 账户是否已初始化
func (b *base) IsAccountInitialized(ctx context.Context, symbol string) (bool, error) {
	symbol = normalize(symbol)
	if _, ok := b.accounts.Load(symbol); ok {
		return true, nil
	}
	exists, err := b.client.AccountExists(ctx, b.chain, b.derive(symbol))
	if err != nil {
		return false, fmt.Errorf("%s account lookup %s: %w", b.chain, symbol, err)
	}
	if exists {
		b.accounts.Store(symbol, b.derive(symbol))
	}
	return exists, nil
}

// sharedCallTimeout bounds work joined by concurrent callers; it is detached from any one caller
const sharedCallTimeout = 30 * time.Second

// ensureAccount creates the symbol's account at most once per process
func (b *base) ensureAccount(ctx context.Context, symbol string) (string, error) {
	address := b.derive(symbol)
	if _, ok := b.accounts.Load(symbol); ok {
		return address, nil
	}

	ch := b.group.DoChan(symbol, func() (interface{}, error) {
		if _, ok := b.accounts.Load(symbol); ok {
			return nil, nil
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()

		exists, err := b.client.AccountExists(sctx, b.chain, address)
		if err != nil {
			return nil, err
		}
		if !exists {
			receipt, err := b.client.CreateAccount(sctx, b.chain, address, symbol)
			if err != nil {
				return nil, err
			}
			b.logger.Info("链上账户已创建",
				zap.String("symbol", symbol),
				zap.String("address", address),
				zap.String("tx_hash", receipt.TxHash))
		}
		b.accounts.Store(symbol, address)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return address, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return address, fmt.Errorf("%s account init %s: %w", b.chain, symbol, res.Err)
		}
	}
	return address, nil
}

func (b *base) encodeUpdate(rate *model.FundingRate) (*RateUpdate, error) {
	u := &RateUpdate{
		Symbol:     normalize(rate.Symbol),
		RateID:     rate.ID,
		Timestamp:  rate.CalculatedAt.Unix(),
		ValidUntil: rate.ValidUntil.Unix(),
	}
	fields := []struct {
		dst *string
		v   float64
	}{
		{&u.Rate, rate.Rate},
		{&u.HourlyRate, rate.HourlyRate},
		{&u.MarkPrice, rate.MarkPrice},
		{&u.SpotPrice, rate.SpotPrice},
		{&u.Premium, rate.Premium},
	}
	for _, f := range fields {
		s, err := b.codec.encode(f.v)
		if err != nil {
			return nil, err
		}
		*f.dst = s
	}
	return u, nil
}

// PublishFundingRate writes the rate to the symbol's account. Rejections come back as a failed
// result together with an error wrapping model.ErrPublishFailed.
func (b *base) PublishFundingRate(ctx context.Context, rate *model.FundingRate) (*model.PublishResult, error) {
	start := b.now()
	symbol := normalize(rate.Symbol)
	result := &model.PublishResult{ProviderType: b.chain, PublishedAt: start.UTC()}

	address, err := b.ensureAccount(ctx, symbol)
	result.AccountAddress = address

	var receipt *Receipt
	if err == nil {
		var update *RateUpdate
		if update, err = b.encodeUpdate(rate); err == nil {
			receipt, err = b.client.SubmitUpdate(ctx, b.chain, address, update)
		}
	}
	elapsed := b.now().Sub(start)

	if err != nil {
		b.metrics.ObservePublish(string(b.chain), metrics.OutcomeError, elapsed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		result.ErrorMessage = err.Error()
		b.logger.Warn("发布资金费率失败", zap.String("symbol", symbol), zap.Error(err))
		return result, fmt.Errorf("%s publish %s: %w: %w", b.chain, symbol, model.ErrPublishFailed, err)
	}

	b.metrics.ObservePublish(string(b.chain), metrics.OutcomeSuccess, elapsed)
	result.Success = true
	result.TransactionHash = receipt.TxHash
	result.Confirmations = receipt.Confirmations
	b.logger.Info("资金费率已发布",
		zap.String("symbol", symbol),
		zap.Float64("rate", rate.Rate),
		zap.String("tx_hash", receipt.TxHash),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// PublishBatch results follow the input order; per-rate failures stay in their result
func (b *base) PublishBatch(ctx context.Context, rates []*model.FundingRate) ([]*model.PublishResult, error) {
	results := make([]*model.PublishResult, len(rates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, rate := range rates {
		g.Go(func() error {
			res, err := b.PublishFundingRate(gctx, rate)
			if err != nil && !errors.Is(err, model.ErrPublishFailed) {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// ReadFundingRate 读取链上资金费率
func (b *base) ReadFundingRate(ctx context.Context, symbol string) (*model.OnChainFundingRate, error) {
	symbol = normalize(symbol)
	address := b.derive(symbol)

	state, err := b.client.GetAccount(ctx, b.chain, address)
	if err != nil {
		return nil, fmt.Errorf("%s read %s: %w", b.chain, symbol, err)
	}
	if state.Data == nil {
		return nil, fmt.Errorf("%s read %s: no funding rate published: %w", b.chain, symbol, model.ErrNotFound)
	}

	out := &model.OnChainFundingRate{
		Symbol:          symbol,
		ProviderType:    b.chain,
		LastUpdated:     time.Unix(state.Data.Timestamp, 0).UTC(),
		ValidUntil:      time.Unix(state.Data.ValidUntil, 0).UTC(),
		TransactionHash: state.TxHash,
		AccountAddress:  address,
		Confirmations:   state.Confirmations,
	}
	fields := []struct {
		dst *float64
		s   string
	}{
		{&out.Rate, state.Data.Rate},
		{&out.HourlyRate, state.Data.HourlyRate},
		{&out.MarkPrice, state.Data.MarkPrice},
		{&out.SpotPrice, state.Data.SpotPrice},
		{&out.Premium, state.Data.Premium},
	}
	for _, f := range fields {
		v, err := b.codec.decode(f.s)
		if err != nil {
			return nil, fmt.Errorf("%s read %s: %w", b.chain, symbol, err)
		}
		*f.dst = v
	}
	return out, nil
}

// ReadBatch one entry per requested symbol; a failed or unpublished symbol carries its error.
// The returned error is set only when ctx ends.
func (b *base) ReadBatch(ctx context.Context, symbols []string) (map[string]*model.OnChainRateResult, error) {
	out := make(map[string]*model.OnChainRateResult, len(symbols))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, symbol := range symbols {
		symbol = normalize(symbol)
		g.Go(func() error {
			rate, err := b.ReadFundingRate(ctx, symbol)
			if err != nil && !errors.Is(err, model.ErrNotFound) && ctx.Err() == nil {
				b.logger.Warn("读取链上资金费率失败", zap.String("symbol", symbol), zap.Error(err))
			}
			mu.Lock()
			out[symbol] = model.NewOnChainRateResult(symbol, rate, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
