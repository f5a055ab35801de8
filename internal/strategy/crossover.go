package strategy

import (
	"fmt"

	"futures-agent/internal/indicator"
	"futures-agent/internal/model"
)

// Crossover implements a fast/slow EMA crossover with a long-horizon trend
// filter.
//
// LONG: fast crosses above slow on this bar (prev fast <= slow, now
// fast > slow) and close > EMA_trend. SHORT mirrors it.
// There is no fixed stop or target: a position is closed on the reverse
// crossover. The ATR stop is used only to size the trade.
type Crossover struct {
	p     Params
	fast  string
	slow  string
	trend string
	atr   string
}

func NewCrossover(p Params) *Crossover {
	return &Crossover{
		p:     p,
		fast:  indicator.Name(indicator.KindEMA, p.EMAFast),
		slow:  indicator.Name(indicator.KindEMA, p.EMASlow),
		trend: indicator.Name(indicator.KindEMA, p.EMATrend),
		atr:   indicator.Name(indicator.KindATR, p.ATRPeriod),
	}
}

func (s *Crossover) Name() string { return PolicyCrossover }

func (s *Crossover) Indicators() []indicator.Def {
	return []indicator.Def{
		indicator.EMADef(s.p.EMAFast),
		indicator.EMADef(s.p.EMASlow),
		indicator.EMADef(s.p.EMATrend),
		indicator.ATRDef(s.p.ATRPeriod),
	}
}

// cross returns +1 when fast crossed above slow on this bar, -1 when it
// crossed below, 0 otherwise or when any reading is undefined.
func (s *Crossover) cross(in Input) int {
	now, prev := in.Now(), in.Prev()
	if !now.Defined(s.fast, s.slow) || !prev.Defined(s.fast, s.slow) {
		return 0
	}
	fast, _ := now.Get(s.fast)
	slow, _ := now.Get(s.slow)
	prevFast, _ := prev.Get(s.fast)
	prevSlow, _ := prev.Get(s.slow)

	switch {
	case prevFast <= prevSlow && fast > slow:
		return 1
	case prevFast >= prevSlow && fast < slow:
		return -1
	}
	return 0
}

func (s *Crossover) Evaluate(in Input) (Signal, bool) {
	snap := in.Now()
	if !snap.Defined(s.trend, s.atr) {
		return Signal{}, false
	}
	trend, _ := snap.Get(s.trend)
	atr, _ := snap.Get(s.atr)
	price := in.Bar().Close

	var dir model.Direction
	switch c := s.cross(in); {
	case c > 0 && price > trend:
		dir = model.Long
	case c < 0 && price < trend:
		dir = model.Short
	default:
		return Signal{}, false
	}

	stop, _, _ := levels(dir, price, atr, s.p.SLATR, s.p.RR2)
	return Signal{
		Policy:    s.Name(),
		Direction: dir,
		Entry:     price,
		StopLoss:  stop,
		ATR:       atr,
		Reason:    fmt.Sprintf("EMA%d/EMA%d crossover above/below EMA%d", s.p.EMAFast, s.p.EMASlow, s.p.EMATrend),
	}, true
}

// Exit closes on the crossover against the position.
func (s *Crossover) Exit(in Input, pos *model.Position) (string, bool) {
	c := s.cross(in)
	if (pos.Direction == model.Long && c < 0) || (pos.Direction == model.Short && c > 0) {
		return "reverse crossover", true
	}
	return "", false
}

func (s *Crossover) Rules() ExitRules { return ExitRules{} }

func (s *Crossover) Sizing() SizingMode { return SizeByStop }
