package portfolio

import (
	"math"
	"testing"
	"time"

	"futures-agent/internal/model"
	"futures-agent/internal/session"
)

var day1 = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC) // 10:00 in UTC+7

func TestAccount_DailyBreaker_TripsOncePerDay(t *testing.T) {
	a := NewAccount(100, 0.03, session.Indochina, nil)
	a.Rollover(day1)

	a.Realize(-2)
	if halted, _ := a.Halted(); halted {
		t.Fatal("2% loss must not trip a 3% breaker")
	}

	a.Realize(-1.5)
	halted, tripped := a.Halted()
	if !halted || !tripped {
		t.Fatalf("3.5%% loss: halted=%v tripped=%v, want true/true", halted, tripped)
	}

	// recovery within the same day keeps the breaker tripped
	a.Realize(10)
	halted, tripped = a.Halted()
	if !halted || tripped {
		t.Errorf("same day after recovery: halted=%v tripped=%v, want true/false", halted, tripped)
	}

	// next calendar day in UTC+7 resets
	if !a.Rollover(day1.Add(24 * time.Hour)) {
		t.Fatal("expected a new day")
	}
	if halted, _ := a.Halted(); halted {
		t.Error("breaker must reset on a new day")
	}
	if got := a.State().DayStartBalance; got != 106.5 {
		t.Errorf("day start balance: got %v, want 106.5", got)
	}
}

func TestAccount_Rollover_SameDay(t *testing.T) {
	a := NewAccount(50, 0.03, session.Indochina, nil)
	if !a.Rollover(day1) {
		t.Fatal("first bar starts a day")
	}
	if a.Rollover(day1.Add(2 * time.Hour)) {
		t.Error("same calendar day must not roll over")
	}
}

func TestAccount_PeakNonDecreasing(t *testing.T) {
	a := NewAccount(100, 0, time.UTC, nil)
	prev := a.State().PeakBalance
	for _, pnl := range []float64{5, -3, 10, -20, 1, 30, -50} {
		a.Realize(pnl)
		a.EndBar()
		if a.State().PeakBalance < prev {
			t.Fatalf("peak decreased: %v -> %v", prev, a.State().PeakBalance)
		}
		prev = a.State().PeakBalance
	}
	if a.State().PeakBalance != 123 {
		t.Errorf("peak: got %v, want 123", a.State().PeakBalance)
	}
}

func TestAccount_CooldownFloorsAtZero(t *testing.T) {
	a := NewAccount(100, 0, time.UTC, nil)
	a.StartCooldown(2)
	for i := 0; i < 5; i++ {
		a.EndBar()
	}
	if a.Cooldown() != 0 {
		t.Errorf("cooldown: got %d, want 0", a.Cooldown())
	}
}

func TestSumRealized_FiltersByOpenTime(t *testing.T) {
	opened := day1
	fills := []model.Fill{
		{Time: opened.Add(-time.Minute), RealizedPnL: 100},
		{Time: opened, RealizedPnL: 1.5},
		{Time: opened.Add(time.Hour), RealizedPnL: -0.5},
	}
	if got := SumRealized(fills, opened, nil); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("got %v, want 1.0", got)
	}
}

func TestSumRealized_SkipsBookedOrders(t *testing.T) {
	fills := []model.Fill{
		{OrderID: "7", Time: day1, RealizedPnL: 3},
		{OrderID: "8", Time: day1.Add(time.Hour), RealizedPnL: 4.5},
	}
	// order 7 was the partial exit already realized locally
	if got := SumRealized(fills, day1, []string{"7"}); math.Abs(got-4.5) > 1e-12 {
		t.Errorf("got %v, want 4.5", got)
	}
}

func TestRealizedPnL_DirectionAware(t *testing.T) {
	if got := RealizedPnL(model.Long, 100, 110, 2); got != 20 {
		t.Errorf("long: got %v, want 20", got)
	}
	if got := RealizedPnL(model.Short, 100, 110, 2); got != -20 {
		t.Errorf("short: got %v, want -20", got)
	}
}
