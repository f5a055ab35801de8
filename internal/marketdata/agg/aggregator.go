// Package agg resamples fetched exchange bars into working-timeframe bars.
package agg

import (
	"time"

	"futures-agent/internal/model"
)

// Aggregate partitions bars into consecutive runs of exactly factor bars and
// combines each run into one bar. A trailing partial run is dropped.
//
// The combined bar takes the first member's open and open time, the last
// member's close and close time, the run's high/low extrema and the summed
// volume. factor <= 1 returns a copy of the input.
func Aggregate(bars []model.Bar, factor int) []model.Bar {
	if factor <= 1 {
		out := make([]model.Bar, len(bars))
		copy(out, bars)
		return out
	}

	out := make([]model.Bar, 0, len(bars)/factor)
	for start := 0; start+factor <= len(bars); start += factor {
		run := bars[start : start+factor]
		first, last := run[0], run[factor-1]

		b := model.Bar{
			OpenTime: first.OpenTime,
			Time:     last.Time,
			Open:     first.Open,
			High:     first.High,
			Low:      first.Low,
			Close:    last.Close,
		}
		for _, m := range run {
			if m.High > b.High {
				b.High = m.High
			}
			if m.Low < b.Low {
				b.Low = m.Low
			}
			b.Volume += m.Volume
		}
		out = append(out, b)
	}
	return out
}

// ClosedOnly drops trailing bars whose close time is after now. The exchange
// returns the still-forming bar last; it must never reach the indicators.
func ClosedOnly(bars []model.Bar, now time.Time) []model.Bar {
	end := len(bars)
	for end > 0 && bars[end-1].Time.After(now) {
		end--
	}
	return bars[:end]
}

// AlignStart drops leading bars until one opens on a working-timeframe
// boundary (a multiple of factor·interval since the Unix epoch), so every
// aggregated bar covers the same wall-clock window on each poll. Bars
// without an open time are returned unchanged.
func AlignStart(bars []model.Bar, factor int, interval time.Duration) []model.Bar {
	if factor <= 1 || interval <= 0 {
		return bars
	}
	span := int64(factor) * interval.Milliseconds()
	for i, b := range bars {
		if b.OpenTime.IsZero() {
			return bars
		}
		if b.OpenTime.UnixMilli()%span == 0 {
			return bars[i:]
		}
	}
	return nil
}

// Working turns a raw exchange bar sequence into closed, aligned,
// working-timeframe bars.
func Working(bars []model.Bar, factor int, interval time.Duration, now time.Time) []model.Bar {
	closed := ClosedOnly(bars, now)
	return Aggregate(AlignStart(closed, factor, interval), factor)
}
