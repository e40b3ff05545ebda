package publisher

import (
	"crypto/sha256"
	"fmt"

	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/metrics"
	"github.com/life2you_mini/rwaoracle/internal/model"
)

// radixDecimalPlaces Radix Decimal precision
const radixDecimalPlaces = 18

// RadixPublisher one oracle component per symbol
type RadixPublisher struct {
	*base
	network string
	pkg     string
}

// NewRadixPublisher 创建Radix发布器
func NewRadixPublisher(cfg RadixConfig, client ChainClient, concurrency int, logger *zap.Logger, m *metrics.Metrics) *RadixPublisher {
	network := cfg.Network
	if network == "" {
		network = "rdx"
	}
	p := &RadixPublisher{network: network, pkg: cfg.Package}
	p.base = newBase(model.ProviderRadix, client, fixedDecimal{places: radixDecimalPlaces}, p.deriveAddress, concurrency, logger, m)
	return p
}

func (p *RadixPublisher) deriveAddress(symbol string) string {
	sum := sha256.Sum256([]byte(p.pkg + "/funding_rate/" + symbol))
	return fmt.Sprintf("component_%s1%x", p.network, sum[:26])
}
