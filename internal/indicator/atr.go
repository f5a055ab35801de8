package indicator

import (
	"math"

	"futures-agent/internal/model"
)

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
// Index 0 has no previous close and is undefined.
func TrueRange(bars []model.Bar) Series {
	out := make(Series, len(bars))
	for i := 1; i < len(bars); i++ {
		out[i] = Defined(trueRange(bars[i], bars[i-1].Close))
	}
	return out
}

func trueRange(b model.Bar, prevClose float64) float64 {
	return math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
}

// ATR calculates the Average True Range. The seed is the simple average of
// the true ranges at indices 1..period, so the first reading is at index
// period; Wilder smoothing follows.
func ATR(bars []model.Bar, period int) Series {
	out := make(Series, len(bars))
	if period <= 0 || len(bars) <= period {
		return out
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(bars[i], bars[i-1].Close)
	}
	atr := sum / float64(period)
	out[period] = Defined(atr)

	p := float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*(p-1) + trueRange(bars[i], bars[i-1].Close)) / p
		out[i] = Defined(atr)
	}
	return out
}
