package rewardsd

import (
	"context"
	"errors"
	"fmt"

	"lpmining/core/rewards"
	"lpmining/services/rewardsd/ledger"
)

// Analytics aggregates the ledger on demand. The source tag is live when the last
// completed pass is recent, cached when only older ledger data exists, and fallback
// when nothing has been recorded yet.
func (e *RewardEngine) Analytics(ctx context.Context) (rewards.ProgramAnalytics, error) {
	window, err := e.treasury.CurrentWindow(ctx)
	if err != nil {
		return rewards.ProgramAnalytics{}, fmt.Errorf("load treasury window: %w", err)
	}
	records, err := e.ledger.Records(ctx)
	if err != nil {
		return rewards.ProgramAnalytics{}, fmt.Errorf("load ledger records: %w", err)
	}
	now := e.clock.Now().UTC()
	out := rewards.ProgramAnalytics{
		ProgramMetrics: rewards.Aggregate(records, window, now),
		ProgramStart:   window.StartDate,
		ProgramEnd:     window.EndDate,
		Source:         rewards.DataSourceFallback,
	}
	if len(records) > 0 {
		out.Source = rewards.DataSourceCached
	}
	run, err := e.ledger.LastRun(ctx, ledger.RunStatusCompleted)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return out, nil
	case err != nil:
		return rewards.ProgramAnalytics{}, fmt.Errorf("load last run: %w", err)
	}
	if run.FinishedAt.IsZero() {
		return out, nil
	}
	finished := run.FinishedAt.UTC()
	out.LastRecalculation = &finished
	if e.interval > 0 && now.Sub(finished) <= 2*e.interval {
		out.Source = rewards.DataSourceLive
	}
	return out, nil
}
