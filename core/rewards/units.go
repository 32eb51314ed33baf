package rewards

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultTokenDecimals matches ERC-20 tokens with 18 decimals.
const DefaultTokenDecimals int32 = 18

// ToBaseUnits converts a token amount to integer base units, rounding down.
// Negative and non-finite inputs convert to zero.
func ToBaseUnits(tokens float64, decimals int32) *big.Int {
	if tokens <= 0 || math.IsNaN(tokens) || math.IsInf(tokens, 0) {
		return big.NewInt(0)
	}
	return decimal.NewFromFloat(tokens).Shift(decimals).Floor().BigInt()
}

// FromBaseUnits converts integer base units to a token amount.
func FromBaseUnits(amount *big.Int, decimals int32) float64 {
	if amount == nil {
		return 0
	}
	return decimal.NewFromBigInt(amount, -decimals).InexactFloat64()
}
