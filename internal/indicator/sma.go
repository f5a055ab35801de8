package indicator

import "math"

// SMA calculates the Simple Moving Average over a sliding window of period
// values. Defined from index period-1.
func SMA(values []float64, period int) Series {
	out := make(Series, len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = Defined(sum / float64(period))
		}
	}
	return out
}

// StdDev calculates the population standard deviation over the same window
// as SMA.
func StdDev(values []float64, period int) Series {
	out := make(Series, len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)

		variance := 0.0
		for _, v := range window {
			d := v - mean
			variance += d * d
		}
		out[i] = Defined(math.Sqrt(variance / float64(period)))
	}
	return out
}

// Bands holds Bollinger band series.
type Bands struct {
	Upper  Series
	Middle Series
	Lower  Series
}

// Bollinger calculates SMA ± mult·StdDev.
func Bollinger(values []float64, period int, mult float64) Bands {
	mid := SMA(values, period)
	sd := StdDev(values, period)

	b := Bands{
		Upper:  make(Series, len(values)),
		Middle: mid,
		Lower:  make(Series, len(values)),
	}
	for i := range values {
		m, ok1 := mid[i].Get()
		s, ok2 := sd[i].Get()
		if !ok1 || !ok2 {
			continue
		}
		b.Upper[i] = Defined(m + mult*s)
		b.Lower[i] = Defined(m - mult*s)
	}
	return b
}
