// Package strategy evaluates entry conditions on the latest closed bar and
// sizes the resulting signal.
//
// A Policy reads an indicator snapshot and either returns a Signal (entry,
// stop, targets) or nothing. Policies never mutate account or position
// state; the lifecycle manager owns both.
package strategy

import (
	"fmt"

	"futures-agent/internal/indicator"
	"futures-agent/internal/model"
)

// Policy names selectable from configuration.
const (
	PolicyPullback  = "pullback"
	PolicyCrossover = "crossover"
	PolicyBreakout  = "breakout"
)

// Signal is an entry decision. Quantity is zero until Size fills it.
// TakeProfit1 and TakeProfit2 are zero when the policy has no fixed target.
type Signal struct {
	Policy      string          `json:"policy"`
	Direction   model.Direction `json:"direction"`
	Entry       float64         `json:"entry"`
	StopLoss    float64         `json:"stop_loss"`
	TakeProfit1 float64         `json:"take_profit_1,omitempty"`
	TakeProfit2 float64         `json:"take_profit_2,omitempty"`
	ATR         float64         `json:"atr"`
	Quantity    float64         `json:"quantity"`
	Reason      string          `json:"reason"`
}

// StopDistance is |entry - stop|.
func (s Signal) StopDistance() float64 {
	d := s.Entry - s.StopLoss
	if d < 0 {
		return -d
	}
	return d
}

// ExitRules tells the lifecycle manager which price-level exits apply to
// positions opened by a policy.
type ExitRules struct {
	StopLoss     bool // exit when the stop (or trailing stop) is touched
	TakeProfit   bool // exit when the second target is touched
	PartialAtTP1 bool // take half off at the first target
}

// Input is the evaluated bar with the indicator frame computed over the
// full history ending at it.
type Input struct {
	Bars  []model.Bar
	Frame *indicator.Frame
	Index int
}

// NewInput evaluates the last bar of bars.
func NewInput(bars []model.Bar, frame *indicator.Frame) Input {
	return Input{Bars: bars, Frame: frame, Index: len(bars) - 1}
}

// Bar returns the evaluated bar.
func (in Input) Bar() model.Bar { return in.Bars[in.Index] }

// Now is the snapshot at the evaluated bar.
func (in Input) Now() indicator.Snapshot { return in.Frame.At(in.Index) }

// Prev is the snapshot one bar earlier.
func (in Input) Prev() indicator.Snapshot { return in.Frame.At(in.Index - 1) }

// Policy is one entry/exit rule set.
type Policy interface {
	// Name returns the policy name (e.g. "pullback").
	Name() string

	// Indicators lists the series the policy reads.
	Indicators() []indicator.Def

	// Evaluate returns an unsized entry signal when the entry condition
	// holds on in's bar. Undefined readings never produce a signal.
	Evaluate(in Input) (Signal, bool)

	// Exit reports a policy exit (reversal, trend break) for an open
	// position, evaluated at the bar's close.
	Exit(in Input, pos *model.Position) (reason string, ok bool)

	// Rules lists the price-level exits that apply.
	Rules() ExitRules

	// Sizing is the policy's default sizing convention.
	Sizing() SizingMode
}

// Params holds every policy's indicator periods and thresholds.
type Params struct {
	Policy string `yaml:"policy"`

	EMAFast   int `yaml:"ema_fast"`
	EMASlow   int `yaml:"ema_slow"`
	EMATrend  int `yaml:"ema_trend"`
	EMAExit   int `yaml:"ema_exit"`
	ATRPeriod int `yaml:"atr_period"`
	ADXPeriod int `yaml:"adx_period"`
	RSIPeriod int `yaml:"rsi_period"`

	ADXMin float64 `yaml:"adx_min"`
	RSIMin float64 `yaml:"rsi_min"`
	SLATR  float64 `yaml:"sl_atr"`
	RR2    float64 `yaml:"rr2"`

	BBPeriod    int     `yaml:"bb_period"`
	BBMult      float64 `yaml:"bb_mult"`
	BreakoutATR float64 `yaml:"breakout_atr"`

	MACDFast   int `yaml:"macd_fast"`
	MACDSlow   int `yaml:"macd_slow"`
	MACDSignal int `yaml:"macd_signal"`

	VolumePeriod int     `yaml:"volume_period"`
	VolumeMult   float64 `yaml:"volume_mult"`
}

// DefaultParams returns the EMA50/200 + ADX pullback configuration with the
// breakout and crossover periods at their usual values.
func DefaultParams() Params {
	return Params{
		Policy:       PolicyPullback,
		EMAFast:      50,
		EMASlow:      200,
		EMATrend:     200,
		EMAExit:      20,
		ATRPeriod:    14,
		ADXPeriod:    14,
		RSIPeriod:    14,
		ADXMin:       20,
		RSIMin:       55,
		SLATR:        1.6,
		RR2:          2.2,
		BBPeriod:     20,
		BBMult:       2,
		BreakoutATR:  0.5,
		MACDFast:     12,
		MACDSlow:     26,
		MACDSignal:   9,
		VolumePeriod: 20,
		VolumeMult:   2,
	}
}

// Validate rejects non-positive periods and multipliers.
func (p Params) Validate() error {
	periods := map[string]int{
		"ema_fast": p.EMAFast, "ema_slow": p.EMASlow, "ema_trend": p.EMATrend,
		"ema_exit": p.EMAExit, "atr_period": p.ATRPeriod, "adx_period": p.ADXPeriod,
		"rsi_period": p.RSIPeriod, "bb_period": p.BBPeriod, "macd_fast": p.MACDFast,
		"macd_slow": p.MACDSlow, "macd_signal": p.MACDSignal, "volume_period": p.VolumePeriod,
	}
	for name, v := range periods {
		if v <= 0 {
			return fmt.Errorf("strategy: %s must be positive, got %d", name, v)
		}
	}
	if p.SLATR <= 0 {
		return fmt.Errorf("strategy: sl_atr must be positive, got %v", p.SLATR)
	}
	if p.RR2 <= 0 {
		return fmt.Errorf("strategy: rr2 must be positive, got %v", p.RR2)
	}
	return nil
}

// Warmup is the longest warm-up among the series a policy reads.
func Warmup(p Policy) int {
	longest := 0
	for _, d := range p.Indicators() {
		w := d.Period
		switch d.Kind {
		case indicator.KindADX:
			w = 2 * d.Period
		case indicator.KindMACD:
			w = d.Slow + d.Signal
		case indicator.KindATR, indicator.KindRSI, indicator.KindVolumeAvg:
			w = d.Period + 1
		}
		if w > longest {
			longest = w
		}
	}
	return longest
}

// New builds the policy named by p.Policy.
func New(p Params) (Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Policy {
	case PolicyPullback, "":
		return NewPullback(p), nil
	case PolicyCrossover:
		return NewCrossover(p), nil
	case PolicyBreakout:
		return NewBreakout(p), nil
	default:
		return nil, fmt.Errorf("strategy: unknown policy %q", p.Policy)
	}
}

// levels fills stop and targets for a stop distance of atr·slATR.
func levels(dir model.Direction, entry, atr, slATR, rr2 float64) (stop, tp1, tp2 float64) {
	dist := atr * slATR
	s := dir.Sign()
	return entry - s*dist, entry + s*dist, entry + s*dist*rr2
}
