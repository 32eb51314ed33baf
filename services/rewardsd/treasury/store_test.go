package treasury

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lpmining/core/claimable"
	"lpmining/core/rewards"
	"lpmining/services/rewardsd/ledger"
)

func setupLedger(t *testing.T) *ledger.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := ledger.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedWindow(t *testing.T) rewards.TreasuryWindow {
	t.Helper()
	window, err := rewards.NewTreasuryWindow(500_000, 365, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return window
}

func TestInitSeedsAndKeepsPersistedWindow(t *testing.T) {
	ctx := context.Background()
	db := setupLedger(t)

	store := NewStore(db)
	_, err := store.CurrentWindow(ctx)
	require.Error(t, err)

	window, err := store.Init(ctx, seedWindow(t))
	require.NoError(t, err)
	require.InDelta(t, 1369.86, window.DailyBudget, 0.01)

	allocation := 730_000.0
	_, err = store.Apply(ctx, Update{TotalAllocation: &allocation})
	require.NoError(t, err)

	// A restart with the original seed keeps the administrative update.
	restarted := NewStore(db)
	window, err = restarted.Init(ctx, seedWindow(t))
	require.NoError(t, err)
	require.Equal(t, 730_000.0, window.TotalAllocation)
	require.Equal(t, 2000.0, window.DailyBudget)
}

func TestApplyRecomputesBudget(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupLedger(t))
	_, err := store.Init(ctx, seedWindow(t))
	require.NoError(t, err)

	days := 730
	window, err := store.Apply(ctx, Update{DurationDays: &days})
	require.NoError(t, err)
	require.InDelta(t, 684.93, window.DailyBudget, 0.01)
	require.Equal(t, window.StartDate.Add(730*rewards.Day), window.EndDate)

	current, err := store.CurrentWindow(ctx)
	require.NoError(t, err)
	require.Equal(t, window, current)
}

func TestApplyRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupLedger(t))
	_, err := store.Init(ctx, seedWindow(t))
	require.NoError(t, err)

	zero := 0.0
	negativeDays := -3
	cases := []Update{
		{},
		{TotalAllocation: &zero},
		{DurationDays: &negativeDays},
	}
	for _, update := range cases {
		_, err := store.Apply(ctx, update)
		require.ErrorIs(t, err, claimable.ErrValidation)
	}

	current, err := store.CurrentWindow(ctx)
	require.NoError(t, err)
	require.Equal(t, 500_000.0, current.TotalAllocation)
}
