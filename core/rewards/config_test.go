package rewards

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"
)

func Test_TreasuryWindowDailyBudget(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	window, err := NewTreasuryWindow(500_000, 365, start)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if math.Abs(window.DailyBudget-1369.86) > 0.01 {
		t.Fatalf("daily budget: got %v", window.DailyBudget)
	}
	if !window.EndDate.Equal(start.Add(365 * Day)) {
		t.Fatalf("end date: got %v", window.EndDate)
	}

	longer, err := window.WithDuration(730)
	if err != nil {
		t.Fatalf("with duration: %v", err)
	}
	if math.Abs(longer.DailyBudget-684.93) > 0.01 {
		t.Fatalf("recomputed budget: got %v", longer.DailyBudget)
	}
	bigger, err := window.WithAllocation(730_000)
	if err != nil {
		t.Fatalf("with allocation: %v", err)
	}
	if bigger.DailyBudget != 2000 {
		t.Fatalf("recomputed budget: got %v", bigger.DailyBudget)
	}
}

func Test_TreasuryWindowValidation(t *testing.T) {
	start := time.Now()
	cases := []struct {
		name  string
		total float64
		days  int
		start time.Time
	}{
		{name: "negative allocation", total: -1, days: 10, start: start},
		{name: "zero duration", total: 10, days: 0, start: start},
		{name: "nan allocation", total: math.NaN(), days: 10, start: start},
		{name: "missing start", total: 10, days: 10},
	}
	for _, tc := range cases {
		if _, err := NewTreasuryWindow(tc.total, tc.days, tc.start); !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("%s: expected ErrInvalidWindow, got %v", tc.name, err)
		}
	}
}

func Test_TreasuryWindowDaysRemaining(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	window, _ := NewTreasuryWindow(100, 10, start)
	if got := window.DaysRemaining(start); got != 10 {
		t.Fatalf("at start: got %d", got)
	}
	if got := window.DaysRemaining(start.Add(9*Day + time.Hour)); got != 1 {
		t.Fatalf("partial day: got %d", got)
	}
	if got := window.DaysRemaining(start.Add(20 * Day)); got != 0 {
		t.Fatalf("after end: got %d", got)
	}
	if !window.Contains(start) || window.Contains(start.Add(-time.Second)) {
		t.Fatalf("contains bounds mismatch")
	}
}

func Test_BaseUnitConversion(t *testing.T) {
	got := ToBaseUnits(8.67, 18)
	want, _ := new(big.Int).SetString("8670000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("to base units: got %s", got)
	}
	if ToBaseUnits(-3, 18).Sign() != 0 || ToBaseUnits(math.NaN(), 18).Sign() != 0 {
		t.Fatalf("invalid inputs must convert to zero")
	}
	if back := FromBaseUnits(want, 18); math.Abs(back-8.67) > epsilon {
		t.Fatalf("from base units: got %v", back)
	}
	if FromBaseUnits(nil, 18) != 0 {
		t.Fatalf("nil amount must convert to zero")
	}
}
