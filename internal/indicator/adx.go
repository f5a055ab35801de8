package indicator

import (
	"math"

	"futures-agent/internal/model"
)

// Directional holds the directional movement system series.
type Directional struct {
	PlusDI  Series
	MinusDI Series
	DX      Series
}

// DMI calculates +DI, -DI and DX with Wilder smoothing. All three are
// defined from index period. A zero smoothed true range gives DI = 0 and a
// zero DI sum gives DX = 0.
func DMI(bars []model.Bar, period int) Directional {
	n := len(bars)
	d := Directional{
		PlusDI:  make(Series, n),
		MinusDI: make(Series, n),
		DX:      make(Series, n),
	}
	if period <= 0 || n <= period {
		return d
	}

	var tr, plus, minus float64
	for i := 1; i <= period; i++ {
		t, p, m := movement(bars[i], bars[i-1])
		tr += t
		plus += p
		minus += m
	}
	pf := float64(period)
	tr, plus, minus = tr/pf, plus/pf, minus/pf
	d.set(period, tr, plus, minus)

	for i := period + 1; i < n; i++ {
		t, p, m := movement(bars[i], bars[i-1])
		tr = (tr*(pf-1) + t) / pf
		plus = (plus*(pf-1) + p) / pf
		minus = (minus*(pf-1) + m) / pf
		d.set(i, tr, plus, minus)
	}
	return d
}

func (d *Directional) set(i int, tr, plus, minus float64) {
	pdi, mdi := 0.0, 0.0
	if tr > 0 {
		pdi = 100 * plus / tr
		mdi = 100 * minus / tr
	}
	dx := 0.0
	if sum := pdi + mdi; sum > 0 {
		dx = 100 * math.Abs(pdi-mdi) / sum
	}
	d.PlusDI[i] = Defined(pdi)
	d.MinusDI[i] = Defined(mdi)
	d.DX[i] = Defined(dx)
}

// movement returns the true range and the +DM/-DM pair for cur against prev.
// Only the larger positive move counts; the other is zero.
func movement(cur, prev model.Bar) (tr, plusDM, minusDM float64) {
	up := cur.High - prev.High
	down := prev.Low - cur.Low
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	return trueRange(cur, prev.Close), plusDM, minusDM
}

// ADX calculates the Average Directional Index: the simple average of the
// first period DX readings, Wilder-smoothed thereafter. The first reading is
// at index 2·period-1.
func ADX(bars []model.Bar, period int) Series {
	out := make(Series, len(bars))
	if period <= 0 {
		return out
	}
	first := 2*period - 1
	if len(bars) <= first {
		return out
	}

	dx := DMI(bars, period).DX
	sum := 0.0
	for i := period; i <= first; i++ {
		v, _ := dx[i].Get()
		sum += v
	}
	adx := sum / float64(period)
	out[first] = Defined(adx)

	p := float64(period)
	for i := first + 1; i < len(bars); i++ {
		v, _ := dx[i].Get()
		adx = (adx*(p-1) + v) / p
		out[i] = Defined(adx)
	}
	return out
}
