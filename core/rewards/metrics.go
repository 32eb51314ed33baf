package rewards

import "time"

// ProgramMetrics summarises pool-wide program statistics derived from the ledger.
type ProgramMetrics struct {
	TotalActiveLiquidity float64 `json:"totalActiveLiquidity"`
	ActiveParticipants   int     `json:"activeParticipants"`
	ActivePositions      int     `json:"activePositions"`
	DailyDistributed     float64 `json:"dailyDistributed"`
	DistributedToDate    float64 `json:"distributedToDate"`
	DaysRemaining        int     `json:"daysRemaining"`
	AverageAPR           float64 `json:"averageAPR"`
	DailyBudget          float64 `json:"dailyBudget"`
	TotalAllocation      float64 `json:"totalAllocation"`
}

// ProgramAnalytics is ProgramMetrics annotated with the program window and the
// freshness of the underlying ledger data.
type ProgramAnalytics struct {
	ProgramMetrics
	ProgramStart      time.Time  `json:"programStart"`
	ProgramEnd        time.Time  `json:"programEnd"`
	LastRecalculation *time.Time `json:"lastRecalculation"`
	Source            DataSource `json:"source"`
}

// Aggregate derives program metrics from ledger records. It performs no mutation.
// Liquidity and participants count active records only; DailyDistributed sums the
// daily reward of active records recalculated on the current UTC day.
func Aggregate(records []RewardRecord, window TreasuryWindow, now time.Time) ProgramMetrics {
	out := ProgramMetrics{
		DaysRemaining:   window.DaysRemaining(now),
		DailyBudget:     window.DailyBudget,
		TotalAllocation: window.TotalAllocation,
	}
	today := dayStart(now)
	users := make(map[string]struct{})
	for _, rec := range records {
		out.DistributedToDate += nonNegative(rec.AccumulatedAmount)
		if !rec.Active {
			continue
		}
		out.ActivePositions++
		out.TotalActiveLiquidity += nonNegative(rec.PositionValueUSD)
		if rec.UserID != "" {
			users[rec.UserID] = struct{}{}
		}
		if !rec.LastRewardCalculation.Before(today) {
			out.DailyDistributed += nonNegative(rec.DailyRewardAmount)
		}
	}
	out.ActiveParticipants = len(users)
	if out.TotalActiveLiquidity > 0 {
		out.AverageAPR = out.DailyDistributed * daysPerYear / out.TotalActiveLiquidity
	}
	return out
}

func dayStart(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
