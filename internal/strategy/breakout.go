package strategy

import (
	"fmt"

	"futures-agent/internal/indicator"
	"futures-agent/internal/model"
)

// Breakout is a long-only Bollinger band breakout confirmed by trend,
// volume and momentum. It requires, on the closed bar:
//
//	close > BB_upper + BreakoutATR·ATR
//	close > EMA_trend
//	volume > VolumeMult · average volume of the previous VolumePeriod bars
//	MACD histogram > 0
//	RSI > RSIMin
//
// A position is also closed when the close crosses below EMA_exit.
type Breakout struct {
	p      Params
	upper  string
	trend  string
	exit   string
	atr    string
	rsi    string
	volAvg string
}

func NewBreakout(p Params) *Breakout {
	return &Breakout{
		p:      p,
		upper:  indicator.BollingerUpper(p.BBPeriod),
		trend:  indicator.Name(indicator.KindEMA, p.EMATrend),
		exit:   indicator.Name(indicator.KindEMA, p.EMAExit),
		atr:    indicator.Name(indicator.KindATR, p.ATRPeriod),
		rsi:    indicator.Name(indicator.KindRSI, p.RSIPeriod),
		volAvg: indicator.Name(indicator.KindVolumeAvg, p.VolumePeriod),
	}
}

func (s *Breakout) Name() string { return PolicyBreakout }

func (s *Breakout) Indicators() []indicator.Def {
	return []indicator.Def{
		indicator.BollingerDef(s.p.BBPeriod, s.p.BBMult),
		indicator.EMADef(s.p.EMATrend),
		indicator.EMADef(s.p.EMAExit),
		indicator.ATRDef(s.p.ATRPeriod),
		indicator.RSIDef(s.p.RSIPeriod),
		indicator.VolumeAvgDef(s.p.VolumePeriod),
		indicator.MACDDef(s.p.MACDFast, s.p.MACDSlow, s.p.MACDSignal),
	}
}

func (s *Breakout) Evaluate(in Input) (Signal, bool) {
	snap := in.Now()
	if !snap.Defined(s.upper, s.trend, s.atr, s.rsi, s.volAvg, indicator.MACDHist) {
		return Signal{}, false
	}
	upper, _ := snap.Get(s.upper)
	trend, _ := snap.Get(s.trend)
	atr, _ := snap.Get(s.atr)
	rsi, _ := snap.Get(s.rsi)
	volAvg, _ := snap.Get(s.volAvg)
	hist, _ := snap.Get(indicator.MACDHist)

	b := in.Bar()
	if b.Close <= upper+s.p.BreakoutATR*atr ||
		b.Close <= trend ||
		b.Volume <= s.p.VolumeMult*volAvg ||
		hist <= 0 ||
		rsi <= s.p.RSIMin {
		return Signal{}, false
	}

	stop, tp1, tp2 := levels(model.Long, b.Close, atr, s.p.SLATR, s.p.RR2)
	return Signal{
		Policy:      s.Name(),
		Direction:   model.Long,
		Entry:       b.Close,
		StopLoss:    stop,
		TakeProfit1: tp1,
		TakeProfit2: tp2,
		ATR:         atr,
		Reason:      fmt.Sprintf("band breakout, volume %.1fx, RSI %.1f", b.Volume/volAvg, rsi),
	}, true
}

// Exit closes when the close crosses below the short-horizon trend EMA.
func (s *Breakout) Exit(in Input, pos *model.Position) (string, bool) {
	if pos.Direction != model.Long || in.Index < 1 {
		return "", false
	}
	now, prev := in.Now(), in.Prev()
	if !now.Defined(s.exit) || !prev.Defined(s.exit) {
		return "", false
	}
	ema, _ := now.Get(s.exit)
	prevEMA, _ := prev.Get(s.exit)
	if in.Bars[in.Index-1].Close >= prevEMA && in.Bar().Close < ema {
		return fmt.Sprintf("close below EMA%d", s.p.EMAExit), true
	}
	return "", false
}

func (s *Breakout) Rules() ExitRules {
	return ExitRules{StopLoss: true, TakeProfit: true}
}

func (s *Breakout) Sizing() SizingMode { return SizeByMargin }
