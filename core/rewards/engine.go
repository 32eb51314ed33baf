package rewards

import (
	"math"
	"time"
)

const (
	// BaseTimeCoefficient is the loyalty weight applied on a position's first day.
	BaseTimeCoefficient = 0.6
	// LoyaltyRamp is the additional weight earned by staying active for the full program.
	LoyaltyRamp = 0.4
	// MinInRangeMultiplier keeps in-range positions from being zeroed by a stale sample.
	MinInRangeMultiplier = 0.1

	daysPerYear = 365
)

// RangeHistory reports how often a position has recently been in range.
type RangeHistory interface {
	InRangeFraction(positionID string) (float64, bool)
}

// Calculator converts position snapshots into daily rewards under a fixed budget.
// The time coefficient is applied multiplicatively so that a new position only
// reaches full weight by staying active.
type Calculator struct {
	durationDays int
	now          func() time.Time
	history      RangeHistory
}

// CalculatorOption customises a Calculator.
type CalculatorOption func(*Calculator)

// WithClock sets the function used to derive the current time.
func WithClock(clock func() time.Time) CalculatorOption {
	return func(c *Calculator) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithRangeHistory supplies the recent in-range history used for the multiplier.
func WithRangeHistory(history RangeHistory) CalculatorOption {
	return func(c *Calculator) { c.history = history }
}

// NewCalculator constructs a calculator for a program lasting durationDays.
func NewCalculator(durationDays int, opts ...CalculatorOption) *Calculator {
	calc := &Calculator{durationDays: durationDays, now: time.Now}
	for _, opt := range opts {
		opt(calc)
	}
	return calc
}

// Calculate returns the reward breakdown for a single position.
func (c *Calculator) Calculate(pos PositionSnapshot, totalActiveLiquidityUSD, dailyBudget float64) RewardCalculation {
	now := c.now()
	weight := LiquidityWeight(pos.ValueUSD, totalActiveLiquidityUSD)
	days := DaysActive(pos.CreatedAt, now)
	coefficient := TimeCoefficient(days, c.durationDays)

	fraction, known := 1.0, false
	if c.history != nil {
		fraction, known = c.history.InRangeFraction(pos.PositionID)
	}
	multiplier := InRangeMultiplier(pos, fraction, known)

	budget := dailyBudget
	if math.IsNaN(budget) || budget < 0 {
		budget = 0
	}
	daily := weight * coefficient * budget * multiplier
	if daily > budget {
		daily = budget
	}

	apr := 0.0
	if pos.ValueUSD > 0 {
		apr = daily * daysPerYear / pos.ValueUSD
	}
	return RewardCalculation{
		PositionID:        pos.PositionID,
		LiquidityWeight:   weight,
		DaysActive:        days,
		TimeCoefficient:   coefficient,
		InRangeMultiplier: multiplier,
		DailyReward:       daily,
		EffectiveAPR:      apr,
		Source:            DataSourceLive,
		CalculatedAt:      now,
	}
}

// LiquidityWeight is the position's share of the active liquidity, clamped to [0, 1].
func LiquidityWeight(valueUSD, totalActiveLiquidityUSD float64) float64 {
	if totalActiveLiquidityUSD <= 0 || valueUSD <= 0 || math.IsNaN(valueUSD) || math.IsNaN(totalActiveLiquidityUSD) {
		return 0
	}
	weight := valueUSD / totalActiveLiquidityUSD
	if weight > 1 {
		return 1
	}
	return weight
}

// DaysActive returns the number of started days since createdAt, never negative.
func DaysActive(createdAt, now time.Time) int {
	if createdAt.IsZero() || !now.After(createdAt) {
		return 0
	}
	return int(math.Ceil(float64(now.Sub(createdAt)) / float64(Day)))
}

// TimeCoefficient ramps linearly from BaseTimeCoefficient to 1 over the program.
func TimeCoefficient(daysActive, durationDays int) float64 {
	if durationDays <= 0 || daysActive <= 0 {
		return BaseTimeCoefficient
	}
	progress := float64(daysActive) / float64(durationDays)
	if progress > 1 {
		progress = 1
	}
	return BaseTimeCoefficient + LoyaltyRamp*progress
}

// InRangeMultiplier derives the activity weight of a position. Full-range positions
// always earn in full; out-of-range positions earn nothing; in-range positions earn in
// proportion to their recent in-range fraction, floored at MinInRangeMultiplier.
func InRangeMultiplier(pos PositionSnapshot, recentFraction float64, known bool) float64 {
	if pos.IsFullRange {
		return 1
	}
	if !pos.IsInRange {
		return 0
	}
	if !known || math.IsNaN(recentFraction) {
		return 1
	}
	switch {
	case recentFraction < MinInRangeMultiplier:
		return MinInRangeMultiplier
	case recentFraction > 1:
		return 1
	default:
		return recentFraction
	}
}

// TickInRange reports whether tick lies in [lower, upper).
func TickInRange(tick, lower, upper int32) bool {
	return tick >= lower && tick < upper
}
