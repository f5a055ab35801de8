package indicator

import "futures-agent/internal/model"

// AverageVolume is the mean volume of the period bars before index i, so a
// bar's own volume never dilutes its average. Defined from index period.
func AverageVolume(bars []model.Bar, period int) Series {
	out := make(Series, len(bars))
	if period <= 0 || len(bars) <= period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += bars[i].Volume
	}
	for i := period; i < len(bars); i++ {
		out[i] = Defined(sum / float64(period))
		sum += bars[i].Volume - bars[i-period].Volume
	}
	return out
}
