package strategy

import (
	"fmt"

	"futures-agent/internal/model"

	"github.com/shopspring/decimal"
)

// SizingMode selects the position sizing convention.
type SizingMode string

const (
	// SizeByStop risks balance·RiskPerTrade over the stop distance,
	// scaled by leverage.
	SizeByStop SizingMode = "stop_distance"
	// SizeByMargin commits balance·MarginFraction as margin at the given
	// leverage.
	SizeByMargin SizingMode = "margin_fraction"
)

// SizingParams configures Size. An empty Mode uses the policy default.
type SizingParams struct {
	Mode            SizingMode `yaml:"mode"`
	RiskPerTrade    float64    `yaml:"risk_per_trade"`
	MarginFraction  float64    `yaml:"margin_fraction"`
	Leverage        float64    `yaml:"leverage"`
	FeeRate         float64    `yaml:"fee_rate"`
	MaxRiskFraction float64    `yaml:"max_risk_fraction"`
}

// RejectError is returned when a signal cannot be sized into a valid order.
// It is a normal outcome, not a failure.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "sizing rejected: " + e.Reason
}

func reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// Size computes the order quantity for sig and returns the sized signal.
//
//	stop_distance:   qty = (balance·riskPerTrade / |entry-stop|) · leverage
//	margin_fraction: qty = balance·marginFraction·leverage / entry
//
// The quantity is floored to the instrument step. The signal is rejected
// when the entry fee would consume the balance, when the loss at the stop
// exceeds MaxRiskFraction of the balance, or when the quantity or notional
// is below the instrument minimum.
func Size(sig Signal, balance float64, p SizingParams, c model.InstrumentConstraints) (Signal, error) {
	if balance <= 0 {
		return sig, reject("non-positive balance %.4f", balance)
	}
	if sig.Entry <= 0 {
		return sig, reject("non-positive entry price %.8g", sig.Entry)
	}
	dist := sig.StopDistance()

	var raw float64
	switch p.Mode {
	case SizeByMargin:
		raw = balance * p.MarginFraction * p.Leverage / sig.Entry
	default:
		if dist <= 0 {
			return sig, reject("zero stop distance")
		}
		raw = balance * p.RiskPerTrade / dist * p.Leverage
	}

	qty := RoundQuantity(raw, c)
	if qty <= 0 || qty < c.MinQuantity {
		return sig, reject("quantity %.8g below minimum %.8g", qty, c.MinQuantity)
	}
	if notional := qty * sig.Entry; notional < c.MinNotional {
		return sig, reject("notional %.4f below minimum %.4f", notional, c.MinNotional)
	}
	if fee := sig.Entry * qty * p.FeeRate; fee >= balance {
		return sig, reject("entry fee %.4f exceeds balance %.4f", fee, balance)
	}
	if p.MaxRiskFraction > 0 && dist > 0 {
		if risk := dist * qty; risk > p.MaxRiskFraction*balance {
			return sig, reject("risk %.4f exceeds %.1f%% of balance", risk, p.MaxRiskFraction*100)
		}
	}

	sig.Quantity = qty
	return sig, nil
}

// RoundQuantity floors qty to the instrument step and precision. With no
// step configured the quantity is returned unchanged.
func RoundQuantity(qty float64, c model.InstrumentConstraints) float64 {
	if c.QuantityStep <= 0 || qty <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(c.QuantityStep)
	d := decimal.NewFromFloat(qty).Div(step).Floor().Mul(step)
	if c.QuantityPrecision > 0 {
		d = d.Truncate(int32(c.QuantityPrecision))
	}
	f, _ := d.Float64()
	return f
}

// RoundPrice rounds price to the nearest tick.
func RoundPrice(price float64, c model.InstrumentConstraints) float64 {
	if c.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(c.TickSize)
	d := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick)
	if c.PricePrecision > 0 {
		d = d.Round(int32(c.PricePrecision))
	}
	f, _ := d.Float64()
	return f
}

// SubtractQuantity returns a-b without binary floating point residue, so a
// remaining quantity never floors one step below its true value.
func SubtractQuantity(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Float64()
	return f
}
