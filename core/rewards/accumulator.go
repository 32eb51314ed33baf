package rewards

import "time"

// Accrue folds a calculation into the ledger record for a position and owner.
//
// The first eligible pass credits one full day of reward. Later passes add the
// elapsed fraction of a day since the previous pass, clipped to the treasury window,
// so recalculating with zero elapsed time leaves the accumulated amount unchanged.
// A record that was inactive resumes at now: time the position spent outside the
// program earns nothing. Claims never decrement the record.
func Accrue(existing *RewardRecord, pos PositionSnapshot, calc RewardCalculation, window TreasuryWindow, now time.Time) RewardRecord {
	if existing == nil {
		return RewardRecord{
			PositionID:            pos.PositionID,
			UserID:                pos.UserID,
			PoolAddress:           pos.PoolAddress,
			DailyRewardAmount:     calc.DailyReward,
			AccumulatedAmount:     nonNegative(calc.DailyReward),
			PositionValueUSD:      pos.ValueUSD,
			LastRewardCalculation: now,
			CreatedAt:             now,
			Active:                true,
		}
	}

	next := *existing
	if existing.Active {
		elapsed := window.Clip(existing.LastRewardCalculation, now)
		if elapsed > 0 && calc.DailyReward > 0 {
			next.AccumulatedAmount += float64(elapsed) / float64(Day) * calc.DailyReward
		}
		if now.After(existing.LastRewardCalculation) {
			next.LastRewardCalculation = now
		}
	} else {
		next.LastRewardCalculation = now
	}
	next.DailyRewardAmount = calc.DailyReward
	next.PositionValueUSD = pos.ValueUSD
	if pos.PoolAddress != "" {
		next.PoolAddress = pos.PoolAddress
	}
	next.Active = true
	return next
}

// Transfer opens the record of a position's new owner. Everything accrued before
// the transfer stays with the previous owner's record; the new owner starts at zero
// and accrues from now.
func Transfer(pos PositionSnapshot, calc RewardCalculation, now time.Time) RewardRecord {
	return RewardRecord{
		PositionID:            pos.PositionID,
		UserID:                pos.UserID,
		PoolAddress:           pos.PoolAddress,
		DailyRewardAmount:     calc.DailyReward,
		PositionValueUSD:      pos.ValueUSD,
		LastRewardCalculation: now,
		CreatedAt:             now,
		Active:                true,
	}
}

func nonNegative(value float64) float64 {
	if value < 0 {
		return 0
	}
	return value
}
