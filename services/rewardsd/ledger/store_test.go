package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lpmining/core/rewards"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testWindow(t *testing.T, start time.Time) rewards.TreasuryWindow {
	t.Helper()
	window, err := rewards.NewTreasuryWindow(500_000, 365, start)
	require.NoError(t, err)
	return window
}

func TestUpsertAccruesByElapsedTime(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	window := testWindow(t, start)
	now := start.Add(5 * rewards.Day)
	pos := rewards.PositionSnapshot{PositionID: "101", UserID: "0xaa", PoolAddress: "0xpool", ValueUSD: 1000}

	rec, err := store.Upsert(ctx, pos, rewards.RewardCalculation{DailyReward: 8}, window, now)
	require.NoError(t, err)
	require.Equal(t, 8.0, rec.AccumulatedAmount)

	rec, err = store.Upsert(ctx, pos, rewards.RewardCalculation{DailyReward: 8}, window, now)
	require.NoError(t, err)
	require.Equal(t, 8.0, rec.AccumulatedAmount, "zero elapsed time must not accrue")

	rec, err = store.Upsert(ctx, pos, rewards.RewardCalculation{DailyReward: 16}, window, now.Add(12*time.Hour))
	require.NoError(t, err)
	require.InDelta(t, 16.0, rec.AccumulatedAmount, 1e-9)

	loaded, err := store.Get(ctx, "101")
	require.NoError(t, err)
	require.InDelta(t, 16.0, loaded.AccumulatedAmount, 1e-9)
	require.Equal(t, 16.0, loaded.DailyRewardAmount)
	require.True(t, loaded.Active)
	require.True(t, loaded.LastRewardCalculation.Equal(now.Add(12*time.Hour)))
	require.True(t, loaded.CreatedAt.Equal(now))
}

func TestTotalAccumulatedAndInactive(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	window := testWindow(t, start)
	now := start.Add(rewards.Day)

	for i, value := range []float64{3, 4, 5} {
		user := "0xaa"
		if i == 2 {
			user = "0xbb"
		}
		pos := rewards.PositionSnapshot{PositionID: fmt.Sprintf("p%d", i), UserID: user, ValueUSD: 100}
		_, err := store.Upsert(ctx, pos, rewards.RewardCalculation{DailyReward: value}, window, now)
		require.NoError(t, err)
	}

	total, err := store.TotalAccumulated(ctx, "0xaa")
	require.NoError(t, err)
	require.Equal(t, 7.0, total)

	total, err = store.TotalAccumulated(ctx, "0xnobody")
	require.NoError(t, err)
	require.Zero(t, total)

	changed, err := store.MarkInactive(ctx, []string{"p0", "p2"})
	require.NoError(t, err)
	require.Equal(t, int64(1), changed)

	rec, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	require.False(t, rec.Active)

	// Inactive records still count toward the user's accrued total.
	total, err = store.TotalAccumulated(ctx, "0xaa")
	require.NoError(t, err)
	require.Equal(t, 7.0, total)

	changed, err = store.MarkInactive(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), changed)

	all, err := store.Records(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, rec := range all {
		require.False(t, rec.Active)
	}
}

func TestUpsertOwnerChangeFreezesSellerAndStartsBuyerAtZero(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	window := testWindow(t, start)
	calc := rewards.RewardCalculation{DailyReward: 100}
	day1 := start.Add(rewards.Day)
	seller := rewards.PositionSnapshot{PositionID: "nft-7", UserID: "0xaa", ValueUSD: 1000}
	buyer := seller
	buyer.UserID = "0xbb"

	_, err := store.Upsert(ctx, seller, calc, window, day1)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, seller, calc, window, day1.Add(rewards.Day))
	require.NoError(t, err)
	sellerTotal, err := store.TotalAccumulated(ctx, "0xaa")
	require.NoError(t, err)
	require.InDelta(t, 200.0, sellerTotal, 1e-9)

	transferAt := day1.Add(rewards.Day + time.Minute)
	rec, err := store.Upsert(ctx, buyer, calc, window, transferAt)
	require.NoError(t, err)
	require.Zero(t, rec.AccumulatedAmount)
	require.Equal(t, "0xbb", rec.UserID)

	afterTransfer, err := store.TotalAccumulated(ctx, "0xaa")
	require.NoError(t, err)
	require.InDelta(t, sellerTotal, afterTransfer, 1e-9, "seller total must never decrease")

	_, err = store.Upsert(ctx, buyer, calc, window, transferAt.Add(time.Minute))
	require.NoError(t, err)
	buyerTotal, err := store.TotalAccumulated(ctx, "0xbb")
	require.NoError(t, err)
	require.InDelta(t, 100*float64(time.Minute)/float64(rewards.Day), buyerTotal, 1e-9)

	current, err := store.Get(ctx, "nft-7")
	require.NoError(t, err)
	require.Equal(t, "0xbb", current.UserID)
	require.True(t, current.Active)

	all, err := store.Records(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "0xaa", all[0].UserID)
	require.False(t, all[0].Active, "seller record is frozen")
	require.InDelta(t, sellerTotal, all[0].AccumulatedAmount, 1e-9)

	// The seller buys the position back: the frozen record resumes without
	// crediting the time the buyer held it.
	backAt := transferAt.Add(5 * rewards.Day)
	rec, err = store.Upsert(ctx, seller, calc, window, backAt)
	require.NoError(t, err)
	require.InDelta(t, sellerTotal, rec.AccumulatedAmount, 1e-9)
	require.True(t, rec.Active)
	buyerAfter, err := store.TotalAccumulated(ctx, "0xbb")
	require.NoError(t, err)
	require.InDelta(t, buyerTotal, buyerAfter, 1e-9)
}

func TestUpsertReentryAfterInactiveSkipsGap(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	window := testWindow(t, start)
	pos := rewards.PositionSnapshot{PositionID: "p1", UserID: "0xaa", ValueUSD: 1000}
	calc := rewards.RewardCalculation{DailyReward: 10}

	for day := 6; day <= 10; day++ {
		_, err := store.Upsert(ctx, pos, calc, window, start.Add(time.Duration(day)*rewards.Day))
		require.NoError(t, err)
	}
	_, err := store.MarkInactive(ctx, nil)
	require.NoError(t, err)

	rec, err := store.Upsert(ctx, pos, calc, window, start.Add(40*rewards.Day))
	require.NoError(t, err)
	require.InDelta(t, 50.0, rec.AccumulatedAmount, 1e-9)
	require.True(t, rec.Active)

	rec, err = store.Upsert(ctx, pos, calc, window, start.Add(41*rewards.Day))
	require.NoError(t, err)
	require.InDelta(t, 60.0, rec.AccumulatedAmount, 1e-9)
}

func TestClaimIndex(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	_, ok, err := store.ClaimCursor(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	last, err := store.LastClaim(ctx, "0xaa")
	require.NoError(t, err)
	require.True(t, last.IsZero())

	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.AdvanceClaims(ctx, 200, map[string]time.Time{"0xaa": first}))
	require.NoError(t, store.AdvanceClaims(ctx, 300, map[string]time.Time{
		"0xaa": first.Add(-time.Hour),
		"0xbb": first.Add(time.Hour),
	}))

	next, ok, err := store.ClaimCursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(300), next)

	last, err = store.LastClaim(ctx, "0xaa")
	require.NoError(t, err)
	require.True(t, last.Equal(first), "older claim must not replace newer one")
	last, err = store.LastClaim(ctx, "0xbb")
	require.NoError(t, err)
	require.True(t, last.Equal(first.Add(time.Hour)))
}

func TestGetMissingRecord(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	_, err := store.LastRun(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	started := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	run, err := store.StartRun(ctx, started)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	run.Status = RunStatusCompleted
	run.FinishedAt = started.Add(time.Minute)
	run.Processed = 10
	run.Skipped = 1
	run.Stale = 2
	require.NoError(t, store.FinishRun(ctx, run))

	last, err := store.LastRun(ctx)
	require.NoError(t, err)
	require.Equal(t, run.ID, last.ID)
	require.Equal(t, RunStatusCompleted, last.Status)
	require.Equal(t, 10, last.Processed)
	require.Equal(t, 2, last.Stale)
	require.True(t, last.FinishedAt.Equal(started.Add(time.Minute)))

	running, err := store.StartRun(ctx, started.Add(time.Hour))
	require.NoError(t, err)
	last, err = store.LastRun(ctx)
	require.NoError(t, err)
	require.Equal(t, running.ID, last.ID)
	require.True(t, last.FinishedAt.IsZero())

	last, err = store.LastRun(ctx, RunStatusCompleted)
	require.NoError(t, err)
	require.Equal(t, run.ID, last.ID)
}

func TestWindowRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	_, err := store.LoadWindow(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	window := testWindow(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveWindow(ctx, window))
	updated, err := window.WithAllocation(730_000)
	require.NoError(t, err)
	require.NoError(t, store.SaveWindow(ctx, updated))

	loaded, err := store.LoadWindow(ctx)
	require.NoError(t, err)
	require.Equal(t, 730_000.0, loaded.TotalAllocation)
	require.Equal(t, 2000.0, loaded.DailyBudget)
	require.True(t, loaded.EndDate.Equal(updated.EndDate))

	require.ErrorIs(t, store.SaveWindow(ctx, rewards.TreasuryWindow{}), rewards.ErrInvalidWindow)
}

func TestConfigDialector(t *testing.T) {
	_, err := Config{Driver: "mysql"}.Dialector()
	require.ErrorIs(t, err, ErrUnsupportedDriver)

	_, err = Config{Driver: "sqlite"}.Dialector()
	require.ErrorIs(t, err, ErrPathRequired)

	_, err = Config{Driver: "postgres"}.Dialector()
	require.Error(t, err)

	dsn, err := FileDSN("ledger.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "ledger.db?mode=rwc")
}
