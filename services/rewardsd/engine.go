package rewardsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"lpmining/core/rewards"
	"lpmining/services/rewardsd/chain"
	"lpmining/services/rewardsd/ledger"
)

var tracer = otel.Tracer("lpmining/services/rewardsd")

// ErrRecalculationInProgress is returned when a pass is requested while one is running.
var ErrRecalculationInProgress = errors.New("rewardsd: recalculation already running")

// PositionProvider supplies eligible positions and pool ticks.
type PositionProvider interface {
	ListEligiblePositions(ctx context.Context) ([]rewards.PositionSnapshot, error)
	CurrentTick(ctx context.Context, pool string) (int32, error)
}

// TreasuryConfigProvider supplies the active treasury window.
type TreasuryConfigProvider interface {
	CurrentWindow(ctx context.Context) (rewards.TreasuryWindow, error)
}

// ClaimContractClient reads authoritative claim state from the chain.
type ClaimContractClient interface {
	ReadState(ctx context.Context, user common.Address) (chain.State, error)
}

// Ledger persists per-position accrual and recalculation runs.
type Ledger interface {
	Get(ctx context.Context, positionID string) (rewards.RewardRecord, error)
	Upsert(ctx context.Context, pos rewards.PositionSnapshot, calc rewards.RewardCalculation, window rewards.TreasuryWindow, now time.Time) (rewards.RewardRecord, error)
	TotalAccumulated(ctx context.Context, userID string) (float64, error)
	Records(ctx context.Context) ([]rewards.RewardRecord, error)
	MarkInactive(ctx context.Context, keep []string) (int64, error)
	StartRun(ctx context.Context, started time.Time) (ledger.Run, error)
	FinishRun(ctx context.Context, run ledger.Run) error
	LastRun(ctx context.Context, statuses ...ledger.RunStatus) (ledger.Run, error)
}

// RewardEngine owns recalculation, claim authorisation and analytics. All state is
// held on the instance.
type RewardEngine struct {
	ledger    Ledger
	positions PositionProvider
	treasury  TreasuryConfigProvider
	contract  ClaimContractClient
	signer    VoucherSigner
	policy    ClaimPolicy
	metrics   *Metrics
	logger    *slog.Logger
	clock     clockwork.Clock

	workers    int
	pool       pond.Pool
	ranges     *rewards.RangeTracker
	interval   time.Duration
	decimals   int32
	voucherTTL time.Duration

	sessions *xsync.Map[string, *claimSession]

	mu      sync.Mutex
	paused  bool
	running bool
	lastRun *ledger.Run
}

// EngineOption customises the engine instance.
type EngineOption func(*RewardEngine)

// WithSigner supplies the calculator signer. Without one, claims are rejected.
func WithSigner(signer VoucherSigner) EngineOption {
	return func(e *RewardEngine) { e.signer = signer }
}

// WithClaimPolicy overrides the claim gate.
func WithClaimPolicy(policy ClaimPolicy) EngineOption {
	return func(e *RewardEngine) { e.policy = policy }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *RewardEngine) { e.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *RewardEngine) { e.logger = logger }
}

// WithClock sets the clock used for accrual and lock periods.
func WithClock(clock clockwork.Clock) EngineOption {
	return func(e *RewardEngine) { e.clock = clock }
}

// WithWorkers bounds the recalculation concurrency.
func WithWorkers(n int) EngineOption {
	return func(e *RewardEngine) { e.workers = n }
}

// WithRangeWindow sets how many recent tick samples feed the in-range multiplier.
func WithRangeWindow(samples int) EngineOption {
	return func(e *RewardEngine) { e.ranges = rewards.NewRangeTracker(samples) }
}

// WithScheduleInterval tells analytics how often passes are expected.
func WithScheduleInterval(interval time.Duration) EngineOption {
	return func(e *RewardEngine) { e.interval = interval }
}

// WithTokenDecimals sets the reward token precision.
func WithTokenDecimals(decimals int32) EngineOption {
	return func(e *RewardEngine) { e.decimals = decimals }
}

// WithVoucherTTL sets how long an unconsumed voucher blocks a new one.
func WithVoucherTTL(ttl time.Duration) EngineOption {
	return func(e *RewardEngine) { e.voucherTTL = ttl }
}

// NewRewardEngine wires the engine to its collaborators.
func NewRewardEngine(ledger Ledger, positions PositionProvider, treasury TreasuryConfigProvider, contract ClaimContractClient, opts ...EngineOption) (*RewardEngine, error) {
	if ledger == nil || positions == nil || treasury == nil || contract == nil {
		return nil, fmt.Errorf("rewardsd: ledger, positions, treasury and contract are required")
	}
	engine := &RewardEngine{
		ledger:     ledger,
		positions:  positions,
		treasury:   treasury,
		contract:   contract,
		policy:     ClaimPolicy{LockPeriod: 24 * time.Hour},
		workers:    4,
		interval:   4 * time.Hour,
		decimals:   rewards.DefaultTokenDecimals,
		voucherTTL: 15 * time.Minute,
		sessions:   xsync.NewMap[string, *claimSession](),
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.metrics == nil {
		engine.metrics = NewMetrics()
	}
	if engine.logger == nil {
		engine.logger = slog.Default()
	}
	if engine.clock == nil {
		engine.clock = clockwork.NewRealClock()
	}
	if engine.ranges == nil {
		engine.ranges = rewards.NewRangeTracker(12)
	}
	if engine.workers <= 0 {
		engine.workers = 1
	}
	engine.pool = pond.NewPool(engine.workers)
	engine.metrics.SetSigner(engine.signer != nil)
	return engine, nil
}

// Close stops the worker pool after in-flight tasks complete.
func (e *RewardEngine) Close() {
	e.pool.StopAndWait()
}

type resolvedPosition struct {
	snapshot rewards.PositionSnapshot
	source   rewards.DataSource
}

type passCounters struct {
	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	stale     atomic.Int64
}

// Recalculate runs one batch pass over every eligible position. Individual position
// failures are logged and counted; they never abort the pass.
func (e *RewardEngine) Recalculate(ctx context.Context) (ledger.Run, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ledger.Run{}, ErrRecalculationInProgress
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	ctx, span := tracer.Start(ctx, "rewardsd.recalculate")
	defer span.End()
	run, err := e.recalculate(ctx)
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.status", string(run.Status)),
		attribute.Int("run.processed", run.Processed),
		attribute.Int("run.failed", run.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return run, err
}

func (e *RewardEngine) recalculate(ctx context.Context) (ledger.Run, error) {
	started := e.clock.Now().UTC()
	window, err := e.treasury.CurrentWindow(ctx)
	if err != nil {
		return ledger.Run{}, fmt.Errorf("load treasury window: %w", err)
	}
	run, err := e.ledger.StartRun(ctx, started)
	if err != nil {
		return ledger.Run{}, err
	}
	logger := e.logger.With(slog.String("run_id", run.ID))

	if !window.Contains(started) {
		logger.Info("recalculation outside program window",
			slog.Time("start", window.StartDate),
			slog.Time("end", window.EndDate))
		run.Status = ledger.RunStatusSkipped
		return e.finish(ctx, run, nil)
	}

	snapshots, err := e.positions.ListEligiblePositions(ctx)
	if err != nil {
		run.Status = ledger.RunStatusFailed
		run.Error = err.Error()
		return e.finish(ctx, run, fmt.Errorf("list eligible positions: %w", err))
	}
	snapshots = dedupe(snapshots)

	var counters passCounters
	ticks := e.fetchTicks(ctx, logger, snapshots)
	resolved := e.resolve(ctx, logger, snapshots, ticks, &counters)

	total := 0.0
	for _, item := range resolved {
		total += item.snapshot.ValueUSD
	}
	calculator := rewards.NewCalculator(window.DurationDays,
		rewards.WithClock(func() time.Time { return started }),
		rewards.WithRangeHistory(e.ranges))
	e.accrue(ctx, logger, resolved, total, window, calculator, started, &counters)

	keep := make([]string, 0, len(snapshots))
	keepSet := make(map[string]struct{}, len(snapshots))
	for _, snapshot := range snapshots {
		keep = append(keep, snapshot.PositionID)
		keepSet[snapshot.PositionID] = struct{}{}
	}
	if deactivated, err := e.ledger.MarkInactive(ctx, keep); err != nil {
		logger.Warn("failed to mark inactive positions", slog.Any("error", err))
	} else if deactivated > 0 {
		logger.Info("positions left the program", slog.Int64("count", deactivated))
	}
	e.ranges.Retain(keepSet)

	run.Status = ledger.RunStatusCompleted
	run.Processed = int(counters.processed.Load())
	run.Skipped = int(counters.skipped.Load())
	run.Failed = int(counters.failed.Load())
	run.Stale = int(counters.stale.Load())
	e.metrics.RecordPositions("processed", run.Processed)
	e.metrics.RecordPositions("skipped", run.Skipped)
	e.metrics.RecordPositions("failed", run.Failed)
	e.refreshProgramGauges(ctx, window)
	return e.finish(ctx, run, nil)
}

func (e *RewardEngine) finish(ctx context.Context, run ledger.Run, cause error) (ledger.Run, error) {
	run.FinishedAt = e.clock.Now().UTC()
	if err := e.ledger.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Error("failed to record recalculation run", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	e.metrics.ObserveRecalculation(run.FinishedAt.Sub(run.StartedAt))
	if pruned := e.pruneSessions(run.FinishedAt); pruned > 0 {
		e.logger.Debug("pruned claim sessions", slog.Int("count", pruned))
	}
	e.mu.Lock()
	stored := run
	e.lastRun = &stored
	e.mu.Unlock()
	e.logger.Info("recalculation finished",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.Int("processed", run.Processed),
		slog.Int("skipped", run.Skipped),
		slog.Int("failed", run.Failed),
		slog.Int("stale", run.Stale))
	return run, cause
}

// fetchTicks reads the current tick once per pool referenced by a ranged position.
// Pools whose tick cannot be read are absent from the result.
func (e *RewardEngine) fetchTicks(ctx context.Context, logger *slog.Logger, snapshots []rewards.PositionSnapshot) *xsync.Map[string, int32] {
	ticks := xsync.NewMap[string, int32]()
	pools := make(map[string]struct{})
	for _, snapshot := range snapshots {
		if snapshot.IsFullRange || snapshot.PoolAddress == "" {
			continue
		}
		pools[snapshot.PoolAddress] = struct{}{}
	}
	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for pool := range pools {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			tick, err := e.positions.CurrentTick(groupCtx, pool)
			if err != nil {
				logger.Warn("pool tick unavailable, using snapshot range state",
					slog.String("pool", pool),
					slog.Any("error", err))
				return
			}
			ticks.Store(pool, tick)
		})
	}
	e.waitGroup(logger, group.Wait())
	return ticks
}

// resolve fills in live or cached inputs for every snapshot. A position with no
// live value and no ledger history cannot be priced and is skipped.
func (e *RewardEngine) resolve(ctx context.Context, logger *slog.Logger, snapshots []rewards.PositionSnapshot, ticks *xsync.Map[string, int32], counters *passCounters) []resolvedPosition {
	slots := make([]*resolvedPosition, len(snapshots))
	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, snapshot := range snapshots {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				counters.skipped.Add(1)
				return
			}
			pos := snapshot.Clone()
			source := rewards.DataSourceLive
			if pos.ValueStale {
				record, err := e.ledger.Get(groupCtx, pos.PositionID)
				switch {
				case errors.Is(err, ledger.ErrNotFound):
					logger.Warn("position value unavailable and no ledger history, skipping",
						slog.String("position_id", pos.PositionID))
					counters.skipped.Add(1)
					return
				case err != nil:
					logger.Warn("failed to load cached position value",
						slog.String("position_id", pos.PositionID),
						slog.Any("error", err))
					counters.failed.Add(1)
					return
				}
				pos.ValueUSD = record.PositionValueUSD
				source = rewards.DataSourceCached
			}
			if !pos.IsFullRange {
				if tick, ok := ticks.Load(pos.PoolAddress); ok {
					pos.IsInRange = rewards.TickInRange(tick, pos.TickLower, pos.TickUpper)
					e.ranges.Observe(pos.PositionID, pos.IsInRange)
				} else {
					source = rewards.DataSourceCached
				}
			}
			if source != rewards.DataSourceLive {
				counters.stale.Add(1)
			}
			slots[i] = &resolvedPosition{snapshot: pos, source: source}
		})
	}
	e.waitGroup(logger, group.Wait())

	out := make([]resolvedPosition, 0, len(slots))
	for _, slot := range slots {
		if slot != nil {
			out = append(out, *slot)
		}
	}
	return out
}

func (e *RewardEngine) accrue(ctx context.Context, logger *slog.Logger, resolved []resolvedPosition, total float64, window rewards.TreasuryWindow, calculator *rewards.Calculator, now time.Time, counters *passCounters) {
	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, item := range resolved {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				counters.skipped.Add(1)
				return
			}
			calc := calculator.Calculate(item.snapshot, total, window.DailyBudget)
			calc.Source = item.source
			if _, err := e.ledger.Upsert(groupCtx, item.snapshot, calc, window, now); err != nil {
				logger.Warn("failed to accrue position",
					slog.String("position_id", item.snapshot.PositionID),
					slog.Any("error", err))
				counters.failed.Add(1)
				return
			}
			e.metrics.RecordSource(string(calc.Source))
			counters.processed.Add(1)
		})
	}
	e.waitGroup(logger, group.Wait())
}

func (e *RewardEngine) waitGroup(logger *slog.Logger, err error) {
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("recalculation task group encountered error", slog.Any("error", err))
	}
}

func (e *RewardEngine) refreshProgramGauges(ctx context.Context, window rewards.TreasuryWindow) {
	records, err := e.ledger.Records(ctx)
	if err != nil {
		e.logger.Warn("failed to refresh program gauges", slog.Any("error", err))
		return
	}
	m := rewards.Aggregate(records, window, e.clock.Now())
	e.metrics.RecordProgram(m.DailyBudget, m.TotalActiveLiquidity, m.DistributedToDate)
}

func dedupe(snapshots []rewards.PositionSnapshot) []rewards.PositionSnapshot {
	seen := make(map[string]struct{}, len(snapshots))
	out := snapshots[:0]
	for _, snapshot := range snapshots {
		if _, ok := seen[snapshot.PositionID]; ok {
			continue
		}
		seen[snapshot.PositionID] = struct{}{}
		out = append(out, snapshot)
	}
	return out
}

// Pause halts voucher issuance. Recalculation continues.
func (e *RewardEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.metrics.SetPause(true)
}

// Resume re-enables voucher issuance.
func (e *RewardEngine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	e.metrics.SetPause(false)
}

func (e *RewardEngine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// RunSummary is the admin view of a recalculation pass.
type RunSummary struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Stale      int       `json:"stale"`
	Error      string    `json:"error,omitempty"`
}

// Status summarises engine state for administrative endpoints.
type Status struct {
	Paused           bool        `json:"paused"`
	Recalculating    bool        `json:"recalculating"`
	SignerConfigured bool        `json:"signer_configured"`
	SignerAddress    string      `json:"signer_address,omitempty"`
	TrackedPositions int         `json:"tracked_positions"`
	ClaimSessions    int         `json:"claim_sessions"`
	LastRun          *RunSummary `json:"last_run,omitempty"`
}

// Status reports the current engine status snapshot.
func (e *RewardEngine) Status(ctx context.Context) Status {
	e.mu.Lock()
	status := Status{
		Paused:           e.paused,
		Recalculating:    e.running,
		SignerConfigured: e.signer != nil,
	}
	last := e.lastRun
	e.mu.Unlock()
	if e.signer != nil {
		status.SignerAddress = e.signer.Address().Hex()
	}
	status.TrackedPositions = e.ranges.Len()
	status.ClaimSessions = e.sessions.Size()
	if last == nil {
		if run, err := e.ledger.LastRun(ctx); err == nil {
			last = &run
		}
	}
	if last != nil {
		summary := summarise(*last)
		status.LastRun = &summary
	}
	return status
}

func summarise(run ledger.Run) RunSummary {
	return RunSummary{
		ID:         run.ID,
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Processed:  run.Processed,
		Skipped:    run.Skipped,
		Failed:     run.Failed,
		Stale:      run.Stale,
		Error:      run.Error,
	}
}
