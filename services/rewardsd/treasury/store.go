package treasury

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"lpmining/core/claimable"
	"lpmining/core/rewards"
	"lpmining/services/rewardsd/ledger"
)

// Persistence is the durable backing of the treasury window.
type Persistence interface {
	LoadWindow(ctx context.Context) (rewards.TreasuryWindow, error)
	SaveWindow(ctx context.Context, window rewards.TreasuryWindow) error
}

// Update describes an administrative change. Nil fields keep their current value.
type Update struct {
	TotalAllocation *float64 `json:"totalAllocation,omitempty"`
	DurationDays    *int     `json:"durationDays,omitempty"`
}

// Store serves the active treasury window and applies administrative updates.
type Store struct {
	persist Persistence

	mu      sync.RWMutex
	current rewards.TreasuryWindow
	ready   bool
}

// NewStore constructs a store backed by persist.
func NewStore(persist Persistence) *Store {
	return &Store{persist: persist}
}

// Init loads the persisted window, seeding it on first start. A persisted window
// wins over the seed so administrative updates survive restarts.
func (s *Store) Init(ctx context.Context, seed rewards.TreasuryWindow) (rewards.TreasuryWindow, error) {
	window, err := s.persist.LoadWindow(ctx)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		if err := seed.Validate(); err != nil {
			return rewards.TreasuryWindow{}, err
		}
		if err := s.persist.SaveWindow(ctx, seed); err != nil {
			return rewards.TreasuryWindow{}, fmt.Errorf("seed treasury window: %w", err)
		}
		window = seed
	case err != nil:
		return rewards.TreasuryWindow{}, fmt.Errorf("load treasury window: %w", err)
	}
	s.mu.Lock()
	s.current = window
	s.ready = true
	s.mu.Unlock()
	return window, nil
}

// CurrentWindow returns the active treasury window.
func (s *Store) CurrentWindow(context.Context) (rewards.TreasuryWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return rewards.TreasuryWindow{}, fmt.Errorf("treasury window not initialised")
	}
	return s.current, nil
}

// Apply validates and persists an update, recomputing the daily budget.
func (s *Store) Apply(ctx context.Context, update Update) (rewards.TreasuryWindow, error) {
	if update.TotalAllocation == nil && update.DurationDays == nil {
		return rewards.TreasuryWindow{}, fmt.Errorf("%w: no treasury fields supplied", claimable.ErrValidation)
	}
	if update.TotalAllocation != nil {
		v := *update.TotalAllocation
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return rewards.TreasuryWindow{}, fmt.Errorf("%w: total allocation must be positive", claimable.ErrValidation)
		}
	}
	if update.DurationDays != nil && *update.DurationDays <= 0 {
		return rewards.TreasuryWindow{}, fmt.Errorf("%w: duration must be positive", claimable.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return rewards.TreasuryWindow{}, fmt.Errorf("treasury window not initialised")
	}
	next := s.current
	var err error
	if update.TotalAllocation != nil {
		if next, err = next.WithAllocation(*update.TotalAllocation); err != nil {
			return rewards.TreasuryWindow{}, fmt.Errorf("%w: %v", claimable.ErrValidation, err)
		}
	}
	if update.DurationDays != nil {
		if next, err = next.WithDuration(*update.DurationDays); err != nil {
			return rewards.TreasuryWindow{}, fmt.Errorf("%w: %v", claimable.ErrValidation, err)
		}
	}
	if err := s.persist.SaveWindow(ctx, next); err != nil {
		return rewards.TreasuryWindow{}, fmt.Errorf("persist treasury window: %w", err)
	}
	s.current = next
	return next, nil
}
