package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// RPCChainClient JSON-RPC client for the signing gateway (oracle_* namespace)
type RPCChainClient struct {
	client  *rpc.Client
	timeout time.Duration
}

// DialRPCChainClient 连接链网关
func DialRPCChainClient(ctx context.Context, endpoint string, timeout time.Duration) (*RPCChainClient, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("连接链网关 %s 失败: %w", endpoint, err)
	}
	return NewRPCChainClient(client, timeout), nil
}

// NewRPCChainClient wraps an existing rpc client
func NewRPCChainClient(client *rpc.Client, timeout time.Duration) *RPCChainClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCChainClient{client: client, timeout: timeout}
}

func (c *RPCChainClient) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.CallContext(ctx, result, method, args...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// AccountExists 账户是否存在
func (c *RPCChainClient) AccountExists(ctx context.Context, chain model.ProviderType, address string) (bool, error) {
	var exists bool
	err := c.call(ctx, &exists, "oracle_accountExists", chain, address)
	return exists, err
}

// CreateAccount 创建账户
func (c *RPCChainClient) CreateAccount(ctx context.Context, chain model.ProviderType, address, symbol string) (*Receipt, error) {
	var receipt Receipt
	if err := c.call(ctx, &receipt, "oracle_createAccount", chain, address, symbol); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// SubmitUpdate 提交资金费率
func (c *RPCChainClient) SubmitUpdate(ctx context.Context, chain model.ProviderType, address string, update *RateUpdate) (*Receipt, error) {
	var receipt Receipt
	if err := c.call(ctx, &receipt, "oracle_submitUpdate", chain, address, update); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// GetAccount a null result means the account does not exist
func (c *RPCChainClient) GetAccount(ctx context.Context, chain model.ProviderType, address string) (*AccountState, error) {
	var state *AccountState
	if err := c.call(ctx, &state, "oracle_getAccount", chain, address); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("account %s: %w", address, model.ErrNotFound)
	}
	return state, nil
}

// Close 关闭连接
func (c *RPCChainClient) Close() {
	c.client.Close()
}
