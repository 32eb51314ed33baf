package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lpmining/core/rewards"
)

// ErrNotFound is returned when a ledger entry does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Run summarises a recalculation pass.
type Run struct {
	ID         string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Skipped    int
	Failed     int
	Stale      int
	Error      string
}

// Store is the Reward Ledger backed by a relational database.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and applies the schema.
func Open(cfg Config) (*Store, error) {
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if cfg.isSQLite() {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("ledger handle: %w", err)
		}
		// sqlite permits a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the ledger tables.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger database not configured")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Get returns the current record for a position: the active owner's record, or the
// most recently updated one when the position is inactive.
func (s *Store) Get(ctx context.Context, positionID string) (rewards.RewardRecord, error) {
	var row rewardRecord
	err := s.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("active DESC").
		Order("last_reward_calculation DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.RewardRecord{}, ErrNotFound
	}
	if err != nil {
		return rewards.RewardRecord{}, fmt.Errorf("load record: %w", err)
	}
	return recordFromRow(row), nil
}

// Upsert folds a calculation into the record of the position's current owner
// inside a transaction. Elapsed time since the previous pass drives the increment,
// so repeated upserts at the same instant leave the accumulated amount unchanged.
//
// Records are keyed by position and owner. When the owner changes, every other
// owner's record for the position is frozen with what it has accrued, and the new
// owner starts at zero.
func (s *Store) Upsert(ctx context.Context, pos rewards.PositionSnapshot, calc rewards.RewardCalculation, window rewards.TreasuryWindow, now time.Time) (rewards.RewardRecord, error) {
	if pos.PositionID == "" {
		return rewards.RewardRecord{}, fmt.Errorf("position id required")
	}
	var out rewards.RewardRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		frozen := tx.Model(&rewardRecord{}).
			Where("position_id = ? AND user_id <> ? AND active = ?", pos.PositionID, pos.UserID, true).
			Update("active", false)
		if frozen.Error != nil {
			return fmt.Errorf("freeze previous owners: %w", frozen.Error)
		}

		var row rewardRecord
		err := tx.Where("position_id = ? AND user_id = ?", pos.PositionID, pos.UserID).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			var previous int64
			if err := tx.Model(&rewardRecord{}).
				Where("position_id = ? AND user_id <> ?", pos.PositionID, pos.UserID).
				Count(&previous).Error; err != nil {
				return fmt.Errorf("count previous owners: %w", err)
			}
			if previous > 0 {
				out = rewards.Transfer(pos, calc, now)
			} else {
				out = rewards.Accrue(nil, pos, calc, window, now)
			}
			next := rowFromRecord(out)
			if err := tx.Create(&next).Error; err != nil {
				return fmt.Errorf("insert record: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("load record: %w", err)
		}
		existing := recordFromRow(row)
		out = rewards.Accrue(&existing, pos, calc, window, now)
		err = tx.Model(&rewardRecord{}).
			Where("position_id = ? AND user_id = ?", pos.PositionID, pos.UserID).
			Updates(map[string]interface{}{
				"pool_address":            out.PoolAddress,
				"daily_reward_amount":     out.DailyRewardAmount,
				"accumulated_amount":      out.AccumulatedAmount,
				"position_value_usd":      out.PositionValueUSD,
				"last_reward_calculation": out.LastRewardCalculation.UTC(),
				"active":                  out.Active,
			}).Error
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		return nil
	})
	if err != nil {
		return rewards.RewardRecord{}, err
	}
	return out, nil
}

// TotalAccumulated sums the accrual of every record owned by the user, active or not.
func (s *Store) TotalAccumulated(ctx context.Context, userID string) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&rewardRecord{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(accumulated_amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum accumulated: %w", err)
	}
	return total, nil
}

// Records returns every ledger record, including frozen ones, ordered by position
// and owner.
func (s *Store) Records(ctx context.Context) ([]rewards.RewardRecord, error) {
	var rows []rewardRecord
	if err := s.db.WithContext(ctx).Order("position_id").Order("user_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]rewards.RewardRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, recordFromRow(row))
	}
	return out, nil
}

// MarkInactive flags every active record whose position is not in keep.
func (s *Store) MarkInactive(ctx context.Context, keep []string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&rewardRecord{}).Where("active = ?", true)
	if len(keep) > 0 {
		query = query.Where("position_id NOT IN ?", keep)
	}
	res := query.Update("active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("mark inactive: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StartRun records the beginning of a recalculation pass.
func (s *Store) StartRun(ctx context.Context, started time.Time) (Run, error) {
	run := Run{ID: uuid.NewString(), Status: RunStatusRunning, StartedAt: started.UTC()}
	row := recalculationRun{ID: run.ID, Status: run.Status, StartedAt: run.StartedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Run{}, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// FinishRun persists the final counters of a pass.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	finished := run.FinishedAt.UTC()
	row := recalculationRun{
		ID:         run.ID,
		Status:     run.Status,
		StartedAt:  run.StartedAt.UTC(),
		FinishedAt: &finished,
		Processed:  run.Processed,
		Skipped:    run.Skipped,
		Failed:     run.Failed,
		Stale:      run.Stale,
		Error:      run.Error,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// LastRun returns the most recently started pass, optionally restricted to the
// given statuses.
func (s *Store) LastRun(ctx context.Context, statuses ...RunStatus) (Run, error) {
	var row recalculationRun
	query := s.db.WithContext(ctx).Order("started_at DESC")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("load run: %w", err)
	}
	run := Run{
		ID:        row.ID,
		Status:    row.Status,
		StartedAt: row.StartedAt.UTC(),
		Processed: row.Processed,
		Skipped:   row.Skipped,
		Failed:    row.Failed,
		Stale:     row.Stale,
		Error:     row.Error,
	}
	if row.FinishedAt != nil {
		run.FinishedAt = row.FinishedAt.UTC()
	}
	return run, nil
}

// LoadWindow returns the persisted treasury window.
func (s *Store) LoadWindow(ctx context.Context) (rewards.TreasuryWindow, error) {
	var row treasuryWindow
	err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.TreasuryWindow{}, ErrNotFound
	}
	if err != nil {
		return rewards.TreasuryWindow{}, fmt.Errorf("load window: %w", err)
	}
	return rewards.TreasuryWindow{
		TotalAllocation: row.TotalAllocation,
		DurationDays:    row.DurationDays,
		StartDate:       row.StartDate.UTC(),
		EndDate:         row.EndDate.UTC(),
		DailyBudget:     row.DailyBudget,
	}, nil
}

// SaveWindow replaces the persisted treasury window.
func (s *Store) SaveWindow(ctx context.Context, window rewards.TreasuryWindow) error {
	if err := window.Validate(); err != nil {
		return err
	}
	row := treasuryWindow{
		ID:              1,
		TotalAllocation: window.TotalAllocation,
		DurationDays:    window.DurationDays,
		StartDate:       window.StartDate.UTC(),
		EndDate:         window.EndDate.UTC(),
		DailyBudget:     window.DailyBudget,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save window: %w", err)
	}
	return nil
}

// ClaimCursor returns the next block the Claimed event scan should read. ok is
// false before the first scan.
func (s *Store) ClaimCursor(ctx context.Context) (uint64, bool, error) {
	var row claimCursor
	err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load claim cursor: %w", err)
	}
	return row.NextBlock, true, nil
}

// AdvanceClaims records the latest claim time per user and moves the cursor to
// next in one transaction. Older claim times never replace newer ones.
func (s *Store) AdvanceClaims(ctx context.Context, next uint64, claims map[string]time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for user, at := range claims {
			at = at.UTC()
			var row claimEvent
			err := tx.Where("user_id = ?", user).Take(&row).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&claimEvent{UserID: user, ClaimedAt: at}).Error; err != nil {
					return fmt.Errorf("insert claim event: %w", err)
				}
			case err != nil:
				return fmt.Errorf("load claim event: %w", err)
			case at.After(row.ClaimedAt):
				if err := tx.Model(&claimEvent{}).Where("user_id = ?", user).Update("claimed_at", at).Error; err != nil {
					return fmt.Errorf("update claim event: %w", err)
				}
			}
		}
		if err := tx.Save(&claimCursor{ID: 1, NextBlock: next}).Error; err != nil {
			return fmt.Errorf("save claim cursor: %w", err)
		}
		return nil
	})
}

// LastClaim returns the latest indexed claim time for user, or the zero time.
func (s *Store) LastClaim(ctx context.Context, user string) (time.Time, error) {
	var row claimEvent
	err := s.db.WithContext(ctx).Where("user_id = ?", user).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load claim event: %w", err)
	}
	return row.ClaimedAt.UTC(), nil
}
