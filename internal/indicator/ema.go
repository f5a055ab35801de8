package indicator

// EMA calculates the Exponential Moving Average of values.
//
// The first reading, at index period-1, is the simple average of the first
// period values; after that ema = value*k + prev*(1-k) with k = 2/(period+1).
func EMA(values []float64, period int) Series {
	out := make(Series, len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	current := sum / float64(period)
	out[period-1] = Defined(current)

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		current = values[i]*k + current*(1-k)
		out[i] = Defined(current)
	}
	return out
}

// EMAOf computes an EMA over the defined run of s starting at its first
// defined reading. Readings after a gap in s stay undefined.
func EMAOf(s Series, period int) Series {
	out := make(Series, len(s))
	start := s.FirstDefined()
	if start < 0 {
		return out
	}

	values := make([]float64, 0, len(s)-start)
	for i := start; i < len(s); i++ {
		v, ok := s[i].Get()
		if !ok {
			break
		}
		values = append(values, v)
	}
	copy(out[start:], EMA(values, period))
	return out
}
