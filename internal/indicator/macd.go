package indicator

// MACDSeries holds the MACD line, its signal line and the histogram.
type MACDSeries struct {
	Line      Series
	Signal    Series
	Histogram Series
}

// MACD calculates EMA(fast) - EMA(slow) and its signal EMA. The signal EMA
// runs only over indices where the line is defined, so the histogram starts
// at index slow-1 + signal-1 (for slow >= fast).
func MACD(values []float64, fast, slow, signal int) MACDSeries {
	n := len(values)
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)

	line := make(Series, n)
	for i := 0; i < n; i++ {
		f, ok1 := fastEMA[i].Get()
		s, ok2 := slowEMA[i].Get()
		if ok1 && ok2 {
			line[i] = Defined(f - s)
		}
	}

	sig := EMAOf(line, signal)
	hist := make(Series, n)
	for i := 0; i < n; i++ {
		l, ok1 := line[i].Get()
		s, ok2 := sig[i].Get()
		if ok1 && ok2 {
			hist[i] = Defined(l - s)
		}
	}
	return MACDSeries{Line: line, Signal: sig, Histogram: hist}
}
