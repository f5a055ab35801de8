package agg

import (
	"math/rand"
	"testing"
	"time"

	"futures-agent/internal/model"
)

var t0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// fiveMinute builds n 5m bars starting at start with the given closes.
func fiveMinute(start time.Time, closes ...float64) []model.Bar {
	bars := make([]model.Bar, len(closes))
	for i, c := range closes {
		open := start.Add(time.Duration(i) * 5 * time.Minute)
		bars[i] = model.Bar{
			OpenTime: open,
			Time:     open.Add(5*time.Minute - time.Millisecond),
			Open:     c - 1, High: c + 1, Low: c - 2, Close: c,
			Volume: 10,
		}
	}
	return bars
}

func TestAggregate_CombinesRuns(t *testing.T) {
	bars := fiveMinute(t0, 100, 105, 102, 110, 111, 108, 120)
	out := Aggregate(bars, 3)

	if len(out) != 2 {
		t.Fatalf("len: got %d, want 2 (trailing partial run dropped)", len(out))
	}

	first := out[0]
	if first.Open != 99 || first.Close != 102 {
		t.Errorf("first open/close: got %v/%v, want 99/102", first.Open, first.Close)
	}
	if first.High != 106 || first.Low != 98 {
		t.Errorf("first high/low: got %v/%v, want 106/98", first.High, first.Low)
	}
	if first.Volume != 30 {
		t.Errorf("first volume: got %v, want 30", first.Volume)
	}
	if !first.Time.Equal(bars[2].Time) || !first.OpenTime.Equal(bars[0].OpenTime) {
		t.Errorf("first times: got %v..%v", first.OpenTime, first.Time)
	}
	if !out[1].Time.Equal(bars[5].Time) {
		t.Errorf("second close time: got %v, want %v", out[1].Time, bars[5].Time)
	}
}

func TestAggregate_FactorOneCopies(t *testing.T) {
	bars := fiveMinute(t0, 1, 2, 3)
	out := Aggregate(bars, 1)
	if len(out) != 3 {
		t.Fatalf("len: got %d, want 3", len(out))
	}
	out[0].Close = 999
	if bars[0].Close == 999 {
		t.Error("Aggregate must not alias its input")
	}
}

func TestAggregate_LengthAndExtremaProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(60)
		factor := 1 + rng.Intn(5)
		closes := make([]float64, n)
		for i := range closes {
			closes[i] = 50 + rng.Float64()*50
		}
		bars := fiveMinute(t0, closes...)
		out := Aggregate(bars, factor)

		if want := n / factor; len(out) != want {
			t.Fatalf("n=%d factor=%d: len %d, want %d", n, factor, len(out), want)
		}
		for k, b := range out {
			for _, m := range bars[k*factor : (k+1)*factor] {
				if b.High < m.High || b.Low > m.Low {
					t.Fatalf("bar %d does not bound member %v", k, m)
				}
			}
		}
	}
}

func TestAggregate_IdempotentOnPrefix(t *testing.T) {
	bars := fiveMinute(t0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	a := Aggregate(bars[:6], 3)
	b := Aggregate(bars, 3)
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("bar %d differs when more input is appended: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestClosedOnly_DropsFormingBar(t *testing.T) {
	bars := fiveMinute(t0, 1, 2, 3)
	now := bars[1].Time.Add(time.Minute) // third bar still forming
	got := ClosedOnly(bars, now)
	if len(got) != 2 {
		t.Errorf("len: got %d, want 2", len(got))
	}
}

func TestAlignStart_SkipsToBoundary(t *testing.T) {
	// first bar opens at 00:05, the first 15m boundary is 00:15 (index 2)
	bars := fiveMinute(t0.Add(5*time.Minute), 1, 2, 3, 4, 5, 6)
	got := AlignStart(bars, 3, 5*time.Minute)
	if len(got) != 4 || !got[0].OpenTime.Equal(t0.Add(15*time.Minute)) {
		t.Fatalf("got %d bars starting %v", len(got), got[0].OpenTime)
	}
}

func TestWorking_StableAcrossPolls(t *testing.T) {
	now := t0.Add(61 * time.Minute)
	poll1 := fiveMinute(t0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13)
	poll2 := poll1[1:] // exchange window slid by one bar

	a := Working(poll1, 3, 5*time.Minute, now)
	b := Working(poll2, 3, 5*time.Minute, now)
	if len(a) == 0 || len(b) == 0 {
		t.Fatal("expected working bars")
	}
	if a[len(a)-1] != b[len(b)-1] {
		t.Errorf("last working bar changed with the window: %v vs %v", a[len(a)-1], b[len(b)-1])
	}
}
