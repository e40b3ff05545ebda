package publisher_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/publisher"
)

// gatewayService oracle_* namespace served from a simulated chain
type gatewayService struct {
	chain *publisher.SimulatedChain
}

func (g *gatewayService) AccountExists(ctx context.Context, chain model.ProviderType, address string) (bool, error) {
	return g.chain.AccountExists(ctx, chain, address)
}

func (g *gatewayService) CreateAccount(ctx context.Context, chain model.ProviderType, address, symbol string) (*publisher.Receipt, error) {
	return g.chain.CreateAccount(ctx, chain, address, symbol)
}

func (g *gatewayService) SubmitUpdate(ctx context.Context, chain model.ProviderType, address string, update *publisher.RateUpdate) (*publisher.Receipt, error) {
	return g.chain.SubmitUpdate(ctx, chain, address, update)
}

func (g *gatewayService) GetAccount(ctx context.Context, chain model.ProviderType, address string) (*publisher.AccountState, error) {
	state, err := g.chain.GetAccount(ctx, chain, address)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return state, err
}

func newRPCGateway(t *testing.T) (*publisher.RPCChainClient, *publisher.SimulatedChain) {
	chain := publisher.NewSimulatedChain()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("oracle", &gatewayService{chain: chain}))
	client := publisher.NewRPCChainClient(rpc.DialInProc(server), time.Second)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	return client, chain
}

func TestRPCChainClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client, chain := newRPCGateway(t)
	p := publisher.NewRadixPublisher(publisher.RadixConfig{Package: "pkg"}, client, 1, zaptest.NewLogger(t), nil)

	res, err := p.PublishFundingRate(ctx, fundingRate("fr-1", 0.031))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TransactionHash)

	onChain, err := p.ReadFundingRate(ctx, "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 0.031, onChain.Rate, 1e-12)
	assert.Equal(t, res.TransactionHash, onChain.TransactionHash)

	_, err = client.GetAccount(ctx, model.ProviderRadix, "component_rdx1unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)

	chain.Fail(model.ProviderRadix, errors.New("fee payer exhausted"))
	res, err = p.PublishFundingRate(ctx, fundingRate("fr-2", 0.04))
	assert.ErrorIs(t, err, model.ErrPublishFailed)
	assert.Contains(t, res.ErrorMessage, "fee payer exhausted")
}
