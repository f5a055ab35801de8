package indicator

import (
	"fmt"

	"futures-agent/internal/model"
)

// Kind names an indicator family.
type Kind string

const (
	KindEMA       Kind = "EMA"
	KindATR       Kind = "ATR"
	KindRSI       Kind = "RSI"
	KindADX       Kind = "ADX"
	KindBollinger Kind = "BB"
	KindMACD      Kind = "MACD"
	KindVolumeAvg Kind = "VOL_AVG"
)

// Def specifies a single indicator to compute over a bar history.
// Mult is the Bollinger deviation multiplier; Fast/Slow/Signal are the MACD
// periods.
type Def struct {
	Kind   Kind
	Period int
	Mult   float64
	Fast   int
	Slow   int
	Signal int
}

func EMADef(period int) Def { return Def{Kind: KindEMA, Period: period} }
func ATRDef(period int) Def { return Def{Kind: KindATR, Period: period} }
func RSIDef(period int) Def { return Def{Kind: KindRSI, Period: period} }
func ADXDef(period int) Def { return Def{Kind: KindADX, Period: period} }

func VolumeAvgDef(period int) Def { return Def{Kind: KindVolumeAvg, Period: period} }

func BollingerDef(period int, mult float64) Def {
	return Def{Kind: KindBollinger, Period: period, Mult: mult}
}

func MACDDef(fast, slow, signal int) Def {
	return Def{Kind: KindMACD, Fast: fast, Slow: slow, Signal: signal}
}

// Name returns the snapshot key of a single-output indicator (e.g. "EMA_50").
func Name(kind Kind, period int) string {
	return fmt.Sprintf("%s_%d", kind, period)
}

// Bollinger and MACD snapshot keys.
func BollingerUpper(period int) string  { return fmt.Sprintf("BB_UPPER_%d", period) }
func BollingerMiddle(period int) string { return fmt.Sprintf("BB_MIDDLE_%d", period) }
func BollingerLower(period int) string  { return fmt.Sprintf("BB_LOWER_%d", period) }

const (
	MACDLine   = "MACD_LINE"
	MACDSignal = "MACD_SIGNAL"
	MACDHist   = "MACD_HIST"
)

// Snapshot maps indicator names to their reading at one bar index.
type Snapshot map[string]Value

// Get returns the named reading. Missing names are undefined.
func (s Snapshot) Get(name string) (float64, bool) {
	return s[name].Get()
}

// Defined reports whether every named reading is defined.
func (s Snapshot) Defined(names ...string) bool {
	for _, n := range names {
		if !s[n].OK() {
			return false
		}
	}
	return true
}

// Frame holds every configured series computed over one bar history.
type Frame struct {
	n      int
	series map[string]Series
}

// NewFrame computes all defs over bars. Duplicate defs are computed once.
func NewFrame(bars []model.Bar, defs ...Def) *Frame {
	f := &Frame{n: len(bars), series: make(map[string]Series, len(defs)+2)}
	closes := model.Closes(bars)

	for _, d := range defs {
		switch d.Kind {
		case KindEMA:
			f.put(Name(KindEMA, d.Period), func() Series { return EMA(closes, d.Period) })
		case KindATR:
			f.put(Name(KindATR, d.Period), func() Series { return ATR(bars, d.Period) })
		case KindRSI:
			f.put(Name(KindRSI, d.Period), func() Series { return RSI(closes, d.Period) })
		case KindADX:
			f.put(Name(KindADX, d.Period), func() Series { return ADX(bars, d.Period) })
		case KindVolumeAvg:
			f.put(Name(KindVolumeAvg, d.Period), func() Series { return AverageVolume(bars, d.Period) })
		case KindBollinger:
			if _, ok := f.series[BollingerUpper(d.Period)]; ok {
				continue
			}
			b := Bollinger(closes, d.Period, d.Mult)
			f.series[BollingerUpper(d.Period)] = b.Upper
			f.series[BollingerMiddle(d.Period)] = b.Middle
			f.series[BollingerLower(d.Period)] = b.Lower
		case KindMACD:
			if _, ok := f.series[MACDHist]; ok {
				continue
			}
			m := MACD(closes, d.Fast, d.Slow, d.Signal)
			f.series[MACDLine] = m.Line
			f.series[MACDSignal] = m.Signal
			f.series[MACDHist] = m.Histogram
		}
	}
	return f
}

func (f *Frame) put(name string, compute func() Series) {
	if _, ok := f.series[name]; ok {
		return
	}
	f.series[name] = compute()
}

// Len is the number of bars the frame was computed over.
func (f *Frame) Len() int { return f.n }

// Series returns the full named series, or nil when it was not configured.
func (f *Frame) Series(name string) Series {
	return f.series[name]
}

// At returns the snapshot of every series at bar index i.
func (f *Frame) At(i int) Snapshot {
	snap := make(Snapshot, len(f.series))
	for name, s := range f.series {
		snap[name] = s.At(i)
	}
	return snap
}
