package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

type simAccount struct {
	symbol string
	data   *RateUpdate
	txHash string
	slot   uint64
}

// SimulatedChain in-memory gateway with deterministic transaction hashes
type SimulatedChain struct {
	mu       sync.Mutex
	accounts map[string]*simAccount
	failures map[model.ProviderType]error
	slot     uint64
}

// NewSimulatedChain 创建模拟链
func NewSimulatedChain() *SimulatedChain {
	return &SimulatedChain{
		accounts: make(map[string]*simAccount),
		failures: make(map[model.ProviderType]error),
	}
}

// Fail makes every SubmitUpdate on chain return err until Recover
func (s *SimulatedChain) Fail(chain model.ProviderType, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[chain] = err
}

// Recover 恢复
func (s *SimulatedChain) Recover(chain model.ProviderType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, chain)
}

func accountKey(chain model.ProviderType, address string) string {
	return string(chain) + "|" + address
}

func txHash(parts ...interface{}) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, p := range parts {
		_ = enc.Encode(p)
	}
	return hexutil.Encode(h.Sum(nil))
}

// AccountExists 账户是否存在
func (s *SimulatedChain) AccountExists(ctx context.Context, chain model.ProviderType, address string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[accountKey(chain, address)]
	return ok, nil
}

// CreateAccount creating an existing account returns its original receipt
func (s *SimulatedChain) CreateAccount(ctx context.Context, chain model.ProviderType, address, symbol string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey(chain, address)
	if acc, ok := s.accounts[key]; ok {
		return &Receipt{TxHash: acc.txHash, Confirmations: int(s.slot-acc.slot) + 1}, nil
	}
	s.slot++
	acc := &simAccount{symbol: symbol, txHash: txHash("create", chain, address, symbol), slot: s.slot}
	s.accounts[key] = acc
	return &Receipt{TxHash: acc.txHash, Confirmations: 1}, nil
}

// SubmitUpdate resubmitting an identical payload is a no-op returning the original receipt
func (s *SimulatedChain) SubmitUpdate(ctx context.Context, chain model.ProviderType, address string, update *RateUpdate) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[chain]; err != nil {
		return nil, err
	}
	acc, ok := s.accounts[accountKey(chain, address)]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", address, model.ErrNotFound)
	}
	if acc.symbol != update.Symbol {
		return nil, fmt.Errorf("account %s holds %s, not %s", address, acc.symbol, update.Symbol)
	}
	if acc.data != nil && *acc.data == *update {
		return &Receipt{TxHash: acc.txHash, Confirmations: int(s.slot-acc.slot) + 1}, nil
	}

	s.slot++
	data := *update
	acc.data = &data
	acc.slot = s.slot
	acc.txHash = txHash("update", chain, address, s.slot, update)
	return &Receipt{TxHash: acc.txHash, Confirmations: 1}, nil
}

// GetAccount 读取账户
func (s *SimulatedChain) GetAccount(ctx context.Context, chain model.ProviderType, address string) (*AccountState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountKey(chain, address)]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", address, model.ErrNotFound)
	}
	state := &AccountState{
		Address:       address,
		Symbol:        acc.symbol,
		TxHash:        acc.txHash,
		Confirmations: int(s.slot-acc.slot) + 1,
	}
	if acc.data != nil {
		data := *acc.data
		state.Data = &data
	}
	return state, nil
}
