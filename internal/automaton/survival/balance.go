package survival

import (
	"math/big"
	"sync"
)

// Balance tracks the two funding signals whose sum is the liquid balance:
// platform credits and on-chain stablecoin. Both are held in hundredth-cents.
type Balance struct {
	mu      sync.Mutex
	credits int64
	chain   int64
}

// SetCredits records the latest platform-credit reading.
func (b *Balance) SetCredits(hundredthCents int64) {
	b.mu.Lock()
	b.credits = hundredthCents
	b.mu.Unlock()
}

// SetChain records the latest on-chain reading.
func (b *Balance) SetChain(hundredthCents int64) {
	b.mu.Lock()
	b.chain = hundredthCents
	b.mu.Unlock()
}

// Liquid returns the combined available-to-spend balance.
func (b *Balance) Liquid() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credits + b.chain
}

// USDCToHundredthCents converts an ERC-20 USDC amount (6 decimals, so one
// unit is $0.000001) into hundredth-cents ($0.0001). Precision below a
// hundredth-cent is dropped.
func USDCToHundredthCents(units *big.Int) int64 {
	if units == nil || units.Sign() <= 0 {
		return 0
	}
	q := new(big.Int).Quo(units, big.NewInt(100))
	if !q.IsInt64() {
		return 1 << 62 // saturate; a balance this large is beyond any tier threshold
	}
	return q.Int64()
}
