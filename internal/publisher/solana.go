package publisher

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
)

// solanaRateExp Solana programs store rates and prices as i64 with 9 implied decimals
const solanaRateExp = 9

// SolanaPublisher one program-derived account per symbol
type SolanaPublisher struct {
	*base
	programID string
}

// NewSolanaPublisher 创建Solana发布器
func NewSolanaPublisher(cfg SolanaConfig, client ChainClient, concurrency int, logger *zap.Logger, m *metrics.Metrics) *SolanaPublisher {
	p := &SolanaPublisher{programID: cfg.ProgramID}
	p.base = newBase(model.ProviderSolana, client, scaledInteger{exp: solanaRateExp}, p.deriveAddress, concurrency, logger, m)
	return p
}

// deriveAddress seeds: program id, "funding_rate", symbol
func (p *SolanaPublisher) deriveAddress(symbol string) string {
	h := sha256.New()
	h.Write([]byte(p.programID))
	h.Write([]byte("funding_rate"))
	h.Write([]byte(symbol))
	return hexutil.Encode(h.Sum(nil))
}
