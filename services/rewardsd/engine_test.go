package rewardsd

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"lpmining/core/claimable"
	"lpmining/core/rewards"
	"lpmining/services/rewardsd/chain"
	"lpmining/services/rewardsd/ledger"
)

type fakePositions struct {
	mu        sync.Mutex
	snapshots []rewards.PositionSnapshot
	ticks     map[string]int32
	listErr   error
	tickCalls int
}

func (f *fakePositions) ListEligiblePositions(context.Context) ([]rewards.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]rewards.PositionSnapshot, len(f.snapshots))
	for i, s := range f.snapshots {
		out[i] = s.Clone()
	}
	return out, nil
}

func (f *fakePositions) CurrentTick(_ context.Context, pool string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickCalls++
	tick, ok := f.ticks[pool]
	if !ok {
		return 0, fmt.Errorf("%w: pool %s unavailable", claimable.ErrUpstreamData, pool)
	}
	return tick, nil
}

func (f *fakePositions) set(snapshots ...rewards.PositionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = snapshots
}

type fakeTreasury struct {
	window rewards.TreasuryWindow
}

func (f fakeTreasury) CurrentWindow(context.Context) (rewards.TreasuryWindow, error) {
	return f.window, nil
}

type fakeContract struct {
	mu     sync.Mutex
	states map[common.Address]chain.State
	err    error
	reads  int
}

func newFakeContract() *fakeContract {
	return &fakeContract{states: make(map[common.Address]chain.State)}
}

func (f *fakeContract) ReadState(_ context.Context, user common.Address) (chain.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return chain.State{}, f.err
	}
	state, ok := f.states[user]
	if !ok {
		state = chain.State{Nonce: big.NewInt(0), ClaimedAmount: big.NewInt(0), AbsoluteMaxClaim: big.NewInt(0)}
	}
	return state, nil
}

func (f *fakeContract) set(user common.Address, state chain.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[user] = state
}

func openTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(ledger.Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type engineFixture struct {
	engine    *RewardEngine
	ledger    *ledger.Store
	positions *fakePositions
	contract  *fakeContract
	clock     *clockwork.FakeClock
	window    rewards.TreasuryWindow
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	window, err := rewards.NewTreasuryWindow(500_000, 365, now.Add(-30*rewards.Day))
	require.NoError(t, err)
	fx := &engineFixture{
		ledger:    openTestLedger(t),
		positions: &fakePositions{ticks: map[string]int32{}},
		contract:  newFakeContract(),
		clock:     clockwork.NewFakeClockAt(now),
		window:    window,
	}
	base := []EngineOption{WithClock(fx.clock), WithWorkers(3), WithScheduleInterval(4 * time.Hour)}
	engine, err := NewRewardEngine(fx.ledger, fx.positions, fakeTreasury{window: window}, fx.contract, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	fx.engine = engine
	return fx
}

func fullRange(id, user string, value float64, created time.Time) rewards.PositionSnapshot {
	return rewards.PositionSnapshot{
		PositionID:  id,
		UserID:      user,
		PoolAddress: "0xpool",
		ValueUSD:    value,
		IsFullRange: true,
		IsInRange:   true,
		CreatedAt:   created,
	}
}

const (
	userA = "0x00000000000000000000000000000000000000aa"
	userB = "0x00000000000000000000000000000000000000bb"
)

func TestRecalculateAccruesByElapsedTime(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	created := fx.clock.Now().Add(-30 * rewards.Day)
	fx.positions.set(
		fullRange("1", userA, 1000, created),
		fullRange("2", userB, 99_000, created),
	)

	run, err := fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	require.Equal(t, ledger.RunStatusCompleted, run.Status)
	require.Equal(t, 2, run.Processed)
	require.Zero(t, run.Failed)

	rec, err := fx.ledger.Get(ctx, "1")
	require.NoError(t, err)
	require.InDelta(t, 8.67, rec.DailyRewardAmount, 0.01)
	require.InDelta(t, rec.DailyRewardAmount, rec.AccumulatedAmount, 1e-9)
	first := rec.AccumulatedAmount

	// Zero elapsed time leaves accrual unchanged.
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	rec, err = fx.ledger.Get(ctx, "1")
	require.NoError(t, err)
	require.InDelta(t, first, rec.AccumulatedAmount, 1e-9)

	fx.clock.Advance(12 * time.Hour)
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	rec, err = fx.ledger.Get(ctx, "1")
	require.NoError(t, err)
	require.InDelta(t, first+0.5*rec.DailyRewardAmount, rec.AccumulatedAmount, 1e-9)

	total, err := fx.ledger.TotalAccumulated(ctx, userB)
	require.NoError(t, err)
	require.Greater(t, total, 0.0)
}

func TestRecalculateStaleValueFallsBackToLedger(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	created := fx.clock.Now().Add(-10 * rewards.Day)
	fx.positions.set(fullRange("1", userA, 1000, created))
	_, err := fx.engine.Recalculate(ctx)
	require.NoError(t, err)

	stale := fullRange("1", userA, 0, created)
	stale.ValueStale = true
	unknown := fullRange("2", userB, 0, created)
	unknown.ValueStale = true
	fx.positions.set(stale, unknown)
	fx.clock.Advance(time.Hour)

	run, err := fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, run.Processed)
	require.Equal(t, 1, run.Skipped)
	require.Equal(t, 1, run.Stale)

	rec, err := fx.ledger.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, 1000.0, rec.PositionValueUSD)
	require.True(t, rec.Active)

	_, err = fx.ledger.Get(ctx, "2")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRecalculateUsesPoolTick(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	created := fx.clock.Now().Add(-5 * rewards.Day)
	ranged := rewards.PositionSnapshot{
		PositionID: "r1", UserID: userA, PoolAddress: "0xpool",
		ValueUSD: 5000, TickLower: -100, TickUpper: 100, IsInRange: true, CreatedAt: created,
	}
	fx.positions.set(ranged, fullRange("f1", userB, 5000, created))
	fx.positions.ticks["0xpool"] = 250

	_, err := fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fx.positions.tickCalls, "tick is read once per pool")

	rec, err := fx.ledger.Get(ctx, "r1")
	require.NoError(t, err)
	require.Zero(t, rec.DailyRewardAmount, "out-of-range positions earn nothing")

	full, err := fx.ledger.Get(ctx, "f1")
	require.NoError(t, err)
	require.Greater(t, full.DailyRewardAmount, 0.0)
	require.LessOrEqual(t, full.DailyRewardAmount, fx.window.DailyBudget)
}

func TestRecalculateTickFailureUsesSnapshotRange(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	created := fx.clock.Now().Add(-5 * rewards.Day)
	fx.positions.set(rewards.PositionSnapshot{
		PositionID: "r1", UserID: userA, PoolAddress: "0xmissing",
		ValueUSD: 5000, TickLower: -100, TickUpper: 100, IsInRange: true, CreatedAt: created,
	})

	run, err := fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, run.Processed)
	require.Equal(t, 1, run.Stale)

	rec, err := fx.ledger.Get(ctx, "r1")
	require.NoError(t, err)
	require.Greater(t, rec.DailyRewardAmount, 0.0)
}

func TestRecalculateMarksMissingPositionsInactive(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	created := fx.clock.Now().Add(-5 * rewards.Day)
	fx.positions.set(fullRange("1", userA, 1000, created), fullRange("2", userB, 1000, created))
	_, err := fx.engine.Recalculate(ctx)
	require.NoError(t, err)

	fx.positions.set(fullRange("1", userA, 1000, created))
	fx.clock.Advance(time.Hour)
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)

	rec, err := fx.ledger.Get(ctx, "2")
	require.NoError(t, err)
	require.False(t, rec.Active)

	analytics, err := fx.engine.Analytics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, analytics.ActivePositions)
	require.Equal(t, 1, analytics.ActiveParticipants)
	require.Equal(t, 1000.0, analytics.TotalActiveLiquidity)
	require.Equal(t, rewards.DataSourceLive, analytics.Source)
	require.NotNil(t, analytics.LastRecalculation)
}

func TestRecalculateOutsideWindowIsSkipped(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	fx.positions.set(fullRange("1", userA, 1000, fx.clock.Now()))
	fx.clock.Advance(400 * rewards.Day)

	run, err := fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	require.Equal(t, ledger.RunStatusSkipped, run.Status)

	_, err = fx.ledger.Get(ctx, "1")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRecalculateListFailureRecordsFailedRun(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	fx.positions.listErr = errors.New("indexer down")

	run, err := fx.engine.Recalculate(ctx)
	require.Error(t, err)
	require.Equal(t, ledger.RunStatusFailed, run.Status)

	last, err := fx.ledger.LastRun(ctx)
	require.NoError(t, err)
	require.Equal(t, run.ID, last.ID)
	require.Equal(t, ledger.RunStatusFailed, last.Status)
	require.Contains(t, last.Error, "indexer down")

	status := fx.engine.Status(ctx)
	require.NotNil(t, status.LastRun)
	require.Equal(t, "FAILED", status.LastRun.Status)
}

func TestAnalyticsFallbackAndCachedSources(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)

	analytics, err := fx.engine.Analytics(ctx)
	require.NoError(t, err)
	require.Equal(t, rewards.DataSourceFallback, analytics.Source)
	require.Nil(t, analytics.LastRecalculation)
	require.InDelta(t, 1369.86, analytics.DailyBudget, 0.01)

	fx.positions.set(fullRange("1", userA, 1000, fx.clock.Now().Add(-rewards.Day)))
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)

	fx.clock.Advance(9 * time.Hour)
	analytics, err = fx.engine.Analytics(ctx)
	require.NoError(t, err)
	require.Equal(t, rewards.DataSourceCached, analytics.Source)
	require.Greater(t, analytics.DistributedToDate, 0.0)
}

func TestPauseAndStatus(t *testing.T) {
	fx := newEngineFixture(t)
	fx.engine.Pause()
	status := fx.engine.Status(context.Background())
	require.True(t, status.Paused)
	require.False(t, status.SignerConfigured)
	fx.engine.Resume()
	require.False(t, fx.engine.Status(context.Background()).Paused)
}

func TestRecalculateReentryEarnsNothingForAbsence(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	created := fx.clock.Now().Add(-5 * rewards.Day)
	fx.positions.set(fullRange("1", userA, 1000, created))
	_, err := fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	rec, err := fx.ledger.Get(ctx, "1")
	require.NoError(t, err)
	first := rec.AccumulatedAmount

	fx.positions.set()
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	rec, err = fx.ledger.Get(ctx, "1")
	require.NoError(t, err)
	require.False(t, rec.Active)

	fx.clock.Advance(30 * rewards.Day)
	fx.positions.set(fullRange("1", userA, 1000, created))
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	rec, err = fx.ledger.Get(ctx, "1")
	require.NoError(t, err)
	require.True(t, rec.Active)
	require.InDelta(t, first, rec.AccumulatedAmount, 1e-9)

	fx.clock.Advance(12 * time.Hour)
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	rec, err = fx.ledger.Get(ctx, "1")
	require.NoError(t, err)
	require.InDelta(t, first+0.5*rec.DailyRewardAmount, rec.AccumulatedAmount, 1e-9)
}

func TestRecalculateTransferStartsBuyerAtZero(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	created := fx.clock.Now().Add(-5 * rewards.Day)
	fx.positions.set(fullRange("1", userA, 1000, created))
	_, err := fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	fx.clock.Advance(12 * time.Hour)
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	seller, err := fx.ledger.TotalAccumulated(ctx, userA)
	require.NoError(t, err)

	fx.positions.set(fullRange("1", userB, 1000, created))
	fx.clock.Advance(time.Hour)
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	buyer, err := fx.ledger.TotalAccumulated(ctx, userB)
	require.NoError(t, err)
	require.Zero(t, buyer)

	fx.clock.Advance(12 * time.Hour)
	_, err = fx.engine.Recalculate(ctx)
	require.NoError(t, err)
	rec, err := fx.ledger.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, userB, rec.UserID)
	require.InDelta(t, 0.5*rec.DailyRewardAmount, rec.AccumulatedAmount, 1e-9)
	total, err := fx.ledger.TotalAccumulated(ctx, userA)
	require.NoError(t, err)
	require.InDelta(t, seller, total, 1e-9)
}
