package ledger

import (
	"time"

	"gorm.io/gorm"

	"lpmining/core/rewards"
)

// RunStatus enumerates recalculation pass outcomes.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusSkipped   RunStatus = "SKIPPED"
	RunStatusFailed    RunStatus = "FAILED"
)

// rewardRecord persists accrual state for one owner of a position. A transfer
// freezes the previous owner's row and opens a new one.
type rewardRecord struct {
	PositionID            string  `gorm:"primaryKey;size:128"`
	UserID                string  `gorm:"primaryKey;index;size:64"`
	PoolAddress           string  `gorm:"size:64"`
	DailyRewardAmount     float64 `gorm:"not null"`
	AccumulatedAmount     float64 `gorm:"not null"`
	PositionValueUSD      float64 `gorm:"column:position_value_usd;not null"`
	LastRewardCalculation time.Time
	Active                bool `gorm:"index;not null"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (rewardRecord) TableName() string { return "reward_records" }

// treasuryWindow stores the single active program window.
type treasuryWindow struct {
	ID              uint    `gorm:"primaryKey"`
	TotalAllocation float64 `gorm:"not null"`
	DurationDays    int     `gorm:"not null"`
	StartDate       time.Time
	EndDate         time.Time
	DailyBudget     float64 `gorm:"not null"`
	UpdatedAt       time.Time
}

func (treasuryWindow) TableName() string { return "treasury_windows" }

// recalculationRun is the audit row written for every batch pass.
type recalculationRun struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Status     RunStatus `gorm:"size:16;index"`
	StartedAt  time.Time `gorm:"index"`
	FinishedAt *time.Time
	Processed  int
	Skipped    int
	Failed     int
	Stale      int
	Error      string
}

func (recalculationRun) TableName() string { return "recalculation_runs" }

// claimCursor remembers the next block the Claimed event scan reads.
type claimCursor struct {
	ID        uint   `gorm:"primaryKey"`
	NextBlock uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (claimCursor) TableName() string { return "claim_cursors" }

// claimEvent holds the latest on-chain claim time per user.
type claimEvent struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	ClaimedAt time.Time `gorm:"not null"`
}

func (claimEvent) TableName() string { return "claim_events" }

// AutoMigrate applies the ledger schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&rewardRecord{}, &treasuryWindow{}, &recalculationRun{}, &claimCursor{}, &claimEvent{})
}

func recordFromRow(row rewardRecord) rewards.RewardRecord {
	return rewards.RewardRecord{
		PositionID:            row.PositionID,
		UserID:                row.UserID,
		PoolAddress:           row.PoolAddress,
		DailyRewardAmount:     row.DailyRewardAmount,
		AccumulatedAmount:     row.AccumulatedAmount,
		PositionValueUSD:      row.PositionValueUSD,
		LastRewardCalculation: row.LastRewardCalculation.UTC(),
		CreatedAt:             row.CreatedAt.UTC(),
		Active:                row.Active,
	}
}

func rowFromRecord(rec rewards.RewardRecord) rewardRecord {
	return rewardRecord{
		PositionID:            rec.PositionID,
		UserID:                rec.UserID,
		PoolAddress:           rec.PoolAddress,
		DailyRewardAmount:     rec.DailyRewardAmount,
		AccumulatedAmount:     rec.AccumulatedAmount,
		PositionValueUSD:      rec.PositionValueUSD,
		LastRewardCalculation: rec.LastRewardCalculation.UTC(),
		Active:                rec.Active,
		CreatedAt:             rec.CreatedAt.UTC(),
	}
}
