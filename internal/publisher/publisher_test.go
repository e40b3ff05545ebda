package publisher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/rwaoracle/internal/mocks"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/publisher"
)

var calculatedAt = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func fundingRate(id string, rate float64) *model.FundingRate {
	return &model.FundingRate{
		ID:           id,
		Symbol:       "AAPL",
		Rate:         rate,
		HourlyRate:   rate / model.HoursPerYear,
		MarkPrice:    105,
		SpotPrice:    100,
		Premium:      5,
		CalculatedAt: calculatedAt,
		ValidUntil:   calculatedAt.Add(time.Hour),
	}
}

func TestPublisher_PublishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	chain := publisher.NewSimulatedChain()
	p := publisher.NewSolanaPublisher(publisher.SolanaConfig{Enabled: true, ProgramID: "oracle111"}, chain, 2, zaptest.NewLogger(t), nil)

	first, err := p.PublishFundingRate(ctx, fundingRate("fr-1", 0.05))
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, model.ProviderSolana, first.ProviderType)
	assert.Equal(t, p.GetAccountAddress("aapl"), first.AccountAddress)
	assert.NotEmpty(t, first.TransactionHash)

	second, err := p.PublishFundingRate(ctx, fundingRate("fr-1", 0.05))
	require.NoError(t, err)
	assert.Equal(t, first.TransactionHash, second.TransactionHash)

	onChain, err := p.ReadFundingRate(ctx, "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, onChain.Rate, 1e-12)
	assert.InDelta(t, 0.05/model.HoursPerYear, onChain.HourlyRate, 1e-9)
	assert.Equal(t, 105.0, onChain.MarkPrice)
	assert.Equal(t, 5.0, onChain.Premium)
	assert.Equal(t, first.TransactionHash, onChain.TransactionHash)
	assert.Equal(t, calculatedAt, onChain.LastUpdated)
	assert.Equal(t, 1, onChain.Confirmations)

	// 新的费率覆盖旧值
	third, err := p.PublishFundingRate(ctx, fundingRate("fr-2", -0.02))
	require.NoError(t, err)
	assert.NotEqual(t, first.TransactionHash, third.TransactionHash)
	onChain, err = p.ReadFundingRate(ctx, "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, -0.02, onChain.Rate, 1e-12)
}

func TestPublisher_AccountCreatedOnce(t *testing.T) {
	ctx := context.Background()
	client := &mocks.MockChainClient{}
	p := publisher.NewSolanaPublisher(publisher.SolanaConfig{Enabled: true, ProgramID: "oracle111"}, client, 4, zaptest.NewLogger(t), nil)
	address := p.GetAccountAddress("AAPL")

	client.On("AccountExists", mock.Anything, model.ProviderSolana, address).Return(false, nil).Once()
	client.On("CreateAccount", mock.Anything, model.ProviderSolana, address, "AAPL").
		Return(&publisher.Receipt{TxHash: "0xcreate", Confirmations: 1}, nil).Once()
	client.On("SubmitUpdate", mock.Anything, model.ProviderSolana, address, mock.MatchedBy(func(u *publisher.RateUpdate) bool {
		return u.Rate == "50000000" && u.MarkPrice == "105000000000" && u.RateID == "fr-1"
	})).Return(&publisher.Receipt{TxHash: "0xupdate", Confirmations: 1}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.PublishFundingRate(ctx, fundingRate("fr-1", 0.05))
			assert.NoError(t, err)
			assert.Equal(t, "0xupdate", res.TransactionHash)
		}()
	}
	wg.Wait()

	initialized, err := p.IsAccountInitialized(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, initialized)

	client.AssertNumberOfCalls(t, "AccountExists", 1)
	client.AssertNumberOfCalls(t, "CreateAccount", 1)
	client.AssertNumberOfCalls(t, "SubmitUpdate", 8)
}

func TestPublisher_Encoding(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		build    func(publisher.ChainClient) publisher.Publisher
		chain    model.ProviderType
		wantRate string
	}{
		{
			name: "Solana定点整数",
			build: func(c publisher.ChainClient) publisher.Publisher {
				return publisher.NewSolanaPublisher(publisher.SolanaConfig{ProgramID: "p"}, c, 1, zaptest.NewLogger(t), nil)
			},
			chain:    model.ProviderSolana,
			wantRate: "12300000",
		},
		{
			name: "Radix十八位小数",
			build: func(c publisher.ChainClient) publisher.Publisher {
				return publisher.NewRadixPublisher(publisher.RadixConfig{Network: "tdx", Package: "pkg"}, c, 1, zaptest.NewLogger(t), nil)
			},
			chain:    model.ProviderRadix,
			wantRate: "0.012300000000000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mocks.MockChainClient{}
			p := tt.build(client)
			client.On("AccountExists", mock.Anything, tt.chain, mock.Anything).Return(true, nil)
			client.On("SubmitUpdate", mock.Anything, tt.chain, mock.Anything, mock.MatchedBy(func(u *publisher.RateUpdate) bool {
				return u.Rate == tt.wantRate
			})).Return(&publisher.Receipt{TxHash: "0x1"}, nil)

			res, err := p.PublishFundingRate(ctx, fundingRate("fr-1", 0.0123))
			require.NoError(t, err)
			assert.True(t, res.Success)
			client.AssertNotCalled(t, "CreateAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}

	radix := publisher.NewRadixPublisher(publisher.RadixConfig{Network: "tdx", Package: "pkg"}, nil, 1, zaptest.NewLogger(t), nil)
	assert.Regexp(t, `^component_tdx1[0-9a-f]{52}$`, radix.GetAccountAddress("AAPL"))
	assert.Equal(t, radix.GetAccountAddress("AAPL"), radix.GetAccountAddress(" aapl "))
}

func TestPublisher_Failures(t *testing.T) {
	ctx := context.Background()
	chain := publisher.NewSimulatedChain()
	p := publisher.NewSolanaPublisher(publisher.SolanaConfig{ProgramID: "p"}, chain, 1, zaptest.NewLogger(t), nil)

	t.Run("链拒绝交易", func(t *testing.T) {
		chain.Fail(model.ProviderSolana, errors.New("blockhash not found"))
		res, err := p.PublishFundingRate(ctx, fundingRate("fr-1", 0.05))
		assert.ErrorIs(t, err, model.ErrPublishFailed)
		require.NotNil(t, res)
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "blockhash not found")

		chain.Recover(model.ProviderSolana)
		res, err = p.PublishFundingRate(ctx, fundingRate("fr-1", 0.05))
		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("定点溢出", func(t *testing.T) {
		r := fundingRate("fr-2", 0.05)
		r.MarkPrice = 1e12
		_, err := p.PublishFundingRate(ctx, r)
		assert.ErrorIs(t, err, model.ErrPublishFailed)
	})

	t.Run("调用方取消", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		res, err := p.PublishFundingRate(cancelled, fundingRate("fr-3", 0.05))
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, model.ErrPublishFailed)
		assert.Nil(t, res)
	})

	t.Run("未发布的账户", func(t *testing.T) {
		_, err := p.ReadFundingRate(ctx, "TSLA")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestPublisher_Batch(t *testing.T) {
	ctx := context.Background()
	chain := publisher.NewSimulatedChain()
	p := publisher.NewRadixPublisher(publisher.RadixConfig{Package: "pkg"}, chain, 2, zaptest.NewLogger(t), nil)

	msft := fundingRate("fr-m", 0.01)
	msft.Symbol = "MSFT"
	results, err := p.PublishBatch(ctx, []*model.FundingRate{fundingRate("fr-a", 0.02), msft})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, p.GetAccountAddress("MSFT"), results[1].AccountAddress)

	rates, err := p.ReadBatch(ctx, []string{"AAPL", "msft", "TSLA"})
	require.NoError(t, err)
	require.Len(t, rates, 3)
	require.NoError(t, rates["AAPL"].Err)
	assert.InDelta(t, 0.02, rates["AAPL"].Rate.Rate, 1e-12)
	assert.InDelta(t, 0.01, rates["MSFT"].Rate.Rate, 1e-12)
	assert.ErrorIs(t, rates["TSLA"].Err, model.ErrNotFound)
	assert.Nil(t, rates["TSLA"].Rate)
}

// flakyChain fails reads of one address
type flakyChain struct {
	*publisher.SimulatedChain
	failAddress string
}

func (c *flakyChain) GetAccount(ctx context.Context, chain model.ProviderType, address string) (*publisher.AccountState, error) {
	if address == c.failAddress {
		return nil, errors.New("rpc timeout")
	}
	return c.SimulatedChain.GetAccount(ctx, chain, address)
}

func TestPublisher_ReadBatchKeepsPartialResults(t *testing.T) {
	ctx := context.Background()
	chain := &flakyChain{SimulatedChain: publisher.NewSimulatedChain()}
	p := publisher.NewSolanaPublisher(publisher.SolanaConfig{ProgramID: "p"}, chain, 2, zaptest.NewLogger(t), nil)
	chain.failAddress = p.GetAccountAddress("MSFT")

	_, err := p.PublishFundingRate(ctx, fundingRate("fr-a", 0.03))
	require.NoError(t, err)

	rates, err := p.ReadBatch(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, rates, 2)

	require.NotNil(t, rates["AAPL"].Rate)
	assert.InDelta(t, 0.03, rates["AAPL"].Rate.Rate, 1e-12)
	assert.Empty(t, rates["AAPL"].Error)

	assert.Nil(t, rates["MSFT"].Rate)
	assert.Contains(t, rates["MSFT"].Error, "rpc timeout")
	assert.NotErrorIs(t, rates["MSFT"].Err, model.ErrNotFound)
}

// gatedChain blocks AccountExists until released or the call's ctx ends
type gatedChain struct {
	*publisher.SimulatedChain
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedChain) AccountExists(ctx context.Context, chain model.ProviderType, address string) (bool, error) {
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return c.SimulatedChain.AccountExists(ctx, chain, address)
}

func TestPublisher_CancelledCallerDoesNotFailOthers(t *testing.T) {
	chain := &gatedChain{
		SimulatedChain: publisher.NewSimulatedChain(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	p := publisher.NewSolanaPublisher(publisher.SolanaConfig{ProgramID: "p"}, chain, 2, zaptest.NewLogger(t), nil)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.InitializeAccount(first, "AAPL")
		firstErr <- err
	}()
	<-chain.entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := p.InitializeAccount(context.Background(), "AAPL")
		secondErr <- err
	}()
	// 等待第二个调用加入同一次初始化
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(chain.release)
	require.NoError(t, <-secondErr)

	initialized, err := p.IsAccountInitialized(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, initialized)
}

func TestFactory(t *testing.T) {
	logger := zaptest.NewLogger(t)
	chain := publisher.NewSimulatedChain()

	t.Run("注册启用的链", func(t *testing.T) {
		f, err := publisher.CreateFactory(publisher.Config{
			Primary: model.ProviderRadix,
			Solana:  publisher.SolanaConfig{Enabled: true, ProgramID: "p"},
			Radix:   publisher.RadixConfig{Enabled: true, Package: "pkg"},
		}, chain, logger, nil)
		require.NoError(t, err)

		all := f.GetAllPublishers()
		require.Len(t, all, 2)
		assert.Equal(t, model.ProviderRadix, all[0].ProviderType())
		assert.Equal(t, model.ProviderSolana, all[1].ProviderType())

		primary, err := f.GetPrimaryPublisher()
		require.NoError(t, err)
		assert.Equal(t, model.ProviderRadix, primary.ProviderType())
		assert.True(t, f.IsProviderAvailable(model.ProviderSolana))
	})

	t.Run("未配置的链", func(t *testing.T) {
		f, err := publisher.CreateFactory(publisher.Config{
			Primary: model.ProviderSolana,
			Solana:  publisher.SolanaConfig{Enabled: true, ProgramID: "p"},
		}, chain, logger, nil)
		require.NoError(t, err)
		assert.False(t, f.IsProviderAvailable(model.ProviderRadix))
		_, err = f.Get(model.ProviderRadix)
		assert.ErrorIs(t, err, model.ErrProviderNotConfigured)
	})

	t.Run("主链未启用", func(t *testing.T) {
		_, err := publisher.CreateFactory(publisher.Config{
			Primary: model.ProviderRadix,
			Solana:  publisher.SolanaConfig{Enabled: true},
		}, chain, logger, nil)
		assert.ErrorIs(t, err, model.ErrProviderNotConfigured)
	})
}
