package strategy

import (
	"fmt"

	"futures-agent/internal/indicator"
	"futures-agent/internal/model"
)

// Pullback trades a touch of the fast EMA in the direction of the slow EMA
// trend, filtered by ADX.
//
// LONG: close > EMA_slow, low <= EMA_fast < close.
// SHORT: close < EMA_slow, high >= EMA_fast > close.
// Both require ADX > ADXMin.
type Pullback struct {
	p    Params
	fast string
	slow string
	atr  string
	adx  string
}

func NewPullback(p Params) *Pullback {
	return &Pullback{
		p:    p,
		fast: indicator.Name(indicator.KindEMA, p.EMAFast),
		slow: indicator.Name(indicator.KindEMA, p.EMASlow),
		atr:  indicator.Name(indicator.KindATR, p.ATRPeriod),
		adx:  indicator.Name(indicator.KindADX, p.ADXPeriod),
	}
}

func (s *Pullback) Name() string { return PolicyPullback }

func (s *Pullback) Indicators() []indicator.Def {
	return []indicator.Def{
		indicator.EMADef(s.p.EMAFast),
		indicator.EMADef(s.p.EMASlow),
		indicator.ATRDef(s.p.ATRPeriod),
		indicator.ADXDef(s.p.ADXPeriod),
	}
}

func (s *Pullback) Evaluate(in Input) (Signal, bool) {
	snap := in.Now()
	if !snap.Defined(s.fast, s.slow, s.atr, s.adx) {
		return Signal{}, false
	}
	fast, _ := snap.Get(s.fast)
	slow, _ := snap.Get(s.slow)
	atr, _ := snap.Get(s.atr)
	adx, _ := snap.Get(s.adx)

	if adx <= s.p.ADXMin {
		return Signal{}, false
	}

	b := in.Bar()
	var dir model.Direction
	switch {
	case b.Close > slow && b.Low <= fast && b.Close > fast:
		dir = model.Long
	case b.Close < slow && b.High >= fast && b.Close < fast:
		dir = model.Short
	default:
		return Signal{}, false
	}

	stop, tp1, tp2 := levels(dir, b.Close, atr, s.p.SLATR, s.p.RR2)
	return Signal{
		Policy:      s.Name(),
		Direction:   dir,
		Entry:       b.Close,
		StopLoss:    stop,
		TakeProfit1: tp1,
		TakeProfit2: tp2,
		ATR:         atr,
		Reason:      fmt.Sprintf("pullback to EMA%d, ADX %.1f", s.p.EMAFast, adx),
	}, true
}

func (s *Pullback) Exit(Input, *model.Position) (string, bool) { return "", false }

func (s *Pullback) Rules() ExitRules {
	return ExitRules{StopLoss: true, TakeProfit: true, PartialAtTP1: true}
}

func (s *Pullback) Sizing() SizingMode { return SizeByStop }
