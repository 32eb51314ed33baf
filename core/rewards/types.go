package rewards

import (
	"math/big"
	"time"
)

// DataSource tags a computed value with the freshness of the inputs it was derived from.
type DataSource string

const (
	// DataSourceLive marks values computed from data fetched during the current pass.
	DataSourceLive DataSource = "live"
	// DataSourceCached marks values computed from the last persisted snapshot.
	DataSourceCached DataSource = "cached"
	// DataSourceFallback marks values for which neither live nor cached inputs existed.
	DataSourceFallback DataSource = "fallback"
)

// PositionSnapshot is a single eligible LP position as reported by the position provider.
type PositionSnapshot struct {
	PositionID  string
	UserID      string
	NFTID       string
	PoolAddress string
	ValueUSD    float64
	Liquidity   *big.Int
	TickLower   int32
	TickUpper   int32
	IsFullRange bool
	IsInRange   bool
	CreatedAt   time.Time

	// ValueStale is set by the provider when it could not price the position.
	ValueStale bool
}

// Clone returns a deep copy of the snapshot.
func (p PositionSnapshot) Clone() PositionSnapshot {
	out := p
	out.Liquidity = copyBigInt(p.Liquidity)
	return out
}

// RewardCalculation is the per-position outcome of a single calculator invocation.
type RewardCalculation struct {
	PositionID        string
	LiquidityWeight   float64
	DaysActive        int
	TimeCoefficient   float64
	InRangeMultiplier float64
	DailyReward       float64
	EffectiveAPR      float64
	Source            DataSource
	CalculatedAt      time.Time
}

// RewardRecord is the persisted accrual state of one position.
type RewardRecord struct {
	PositionID            string
	UserID                string
	PoolAddress           string
	DailyRewardAmount     float64
	AccumulatedAmount     float64
	PositionValueUSD      float64
	LastRewardCalculation time.Time
	CreatedAt             time.Time
	Active                bool
}

func copyBigInt(value *big.Int) *big.Int {
	if value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(value)
}
