package rewards

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Day is the accrual unit used throughout the program.
const Day = 24 * time.Hour

// ErrInvalidWindow is returned when a treasury window fails validation.
var ErrInvalidWindow = errors.New("rewards: invalid treasury window")

// TreasuryWindow describes the fixed reward budget and the period it is spread over.
// DailyBudget is derived and recomputed whenever allocation or duration changes.
type TreasuryWindow struct {
	TotalAllocation float64
	DurationDays    int
	StartDate       time.Time
	EndDate         time.Time
	DailyBudget     float64
}

// NewTreasuryWindow builds a window starting at start and lasting durationDays.
func NewTreasuryWindow(totalAllocation float64, durationDays int, start time.Time) (TreasuryWindow, error) {
	w := TreasuryWindow{
		TotalAllocation: totalAllocation,
		DurationDays:    durationDays,
		StartDate:       start.UTC(),
	}
	if err := w.Validate(); err != nil {
		return TreasuryWindow{}, err
	}
	w.recompute()
	return w, nil
}

// Validate ensures the window is internally consistent.
func (w TreasuryWindow) Validate() error {
	if math.IsNaN(w.TotalAllocation) || math.IsInf(w.TotalAllocation, 0) || w.TotalAllocation < 0 {
		return fmt.Errorf("%w: total allocation must be a non-negative number", ErrInvalidWindow)
	}
	if w.DurationDays <= 0 {
		return fmt.Errorf("%w: duration must be at least one day", ErrInvalidWindow)
	}
	if w.StartDate.IsZero() {
		return fmt.Errorf("%w: start date required", ErrInvalidWindow)
	}
	return nil
}

// WithAllocation returns a copy with a new total allocation and recomputed budget.
func (w TreasuryWindow) WithAllocation(totalAllocation float64) (TreasuryWindow, error) {
	return NewTreasuryWindow(totalAllocation, w.DurationDays, w.StartDate)
}

// WithDuration returns a copy with a new duration, end date and budget.
func (w TreasuryWindow) WithDuration(durationDays int) (TreasuryWindow, error) {
	return NewTreasuryWindow(w.TotalAllocation, durationDays, w.StartDate)
}

func (w *TreasuryWindow) recompute() {
	w.EndDate = w.StartDate.Add(time.Duration(w.DurationDays) * Day)
	w.DailyBudget = 0
	if w.DurationDays > 0 && w.TotalAllocation > 0 {
		w.DailyBudget = w.TotalAllocation / float64(w.DurationDays)
	}
}

// Contains reports whether t lies within [StartDate, EndDate].
func (w TreasuryWindow) Contains(t time.Time) bool {
	return !t.Before(w.StartDate) && !t.After(w.EndDate)
}

// DaysRemaining returns the whole days left until EndDate, never negative.
func (w TreasuryWindow) DaysRemaining(now time.Time) int {
	remaining := w.EndDate.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(float64(remaining) / float64(Day)))
}

// Clip bounds the interval [from, to] to the window and returns its length.
func (w TreasuryWindow) Clip(from, to time.Time) time.Duration {
	if from.Before(w.StartDate) {
		from = w.StartDate
	}
	if to.After(w.EndDate) {
		to = w.EndDate
	}
	if !to.After(from) {
		return 0
	}
	return to.Sub(from)
}
