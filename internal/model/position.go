package model

import "time"

// Direction is the side of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

// EntrySide is the order side that opens a position in this direction.
func (d Direction) EntrySide() Side {
	if d == Short {
		return SideSell
	}
	return SideBuy
}

// ExitSide is the order side that reduces a position in this direction.
func (d Direction) ExitSide() Side {
	return d.Opposite().EntrySide()
}

// Position is the single locally managed position.
// StopLoss, TakeProfit1, TakeProfit2 and TrailingStop are zero when unset.
type Position struct {
	Symbol            string    `json:"symbol"`
	Direction         Direction `json:"direction"`
	EntryPrice        float64   `json:"entry_price"`
	Quantity          float64   `json:"quantity"`
	InitialQuantity   float64   `json:"initial_quantity"`
	StopLoss          float64   `json:"stop_loss"`
	TakeProfit1       float64   `json:"take_profit_1"`
	TakeProfit2       float64   `json:"take_profit_2"`
	TrailingStop      float64   `json:"trailing_stop"`
	PartialExitTaken  bool      `json:"partial_exit_taken"`
	BarsHeld          int       `json:"bars_held"`
	OpenedAt          time.Time `json:"opened_at"`
	Notional          float64   `json:"notional"`
	MaintenanceMargin float64   `json:"maintenance_margin"`
	External          bool      `json:"external"`
	// BookedOrders are exit orders whose PnL was already realized locally.
	BookedOrders      []string  `json:"booked_orders,omitempty"`
}

// EffectiveStop returns the tighter of the stop-loss and the trailing stop,
// or 0 when neither is set.
func (p *Position) EffectiveStop() float64 {
	switch {
	case p.TrailingStop == 0:
		return p.StopLoss
	case p.StopLoss == 0:
		return p.TrailingStop
	case p.Direction == Short:
		if p.TrailingStop < p.StopLoss {
			return p.TrailingStop
		}
		return p.StopLoss
	default:
		if p.TrailingStop > p.StopLoss {
			return p.TrailingStop
		}
		return p.StopLoss
	}
}

// UnrealizedPnL at the given mark price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Direction.Sign() * p.Quantity
}

// ExchangePosition is a position as reported by the exchange.
type ExchangePosition struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
}

// Clone returns a copy that shares no slices with p.
func (p *Position) Clone() Position {
	c := *p
	c.BookedOrders = append([]string(nil), p.BookedOrders...)
	return c
}
