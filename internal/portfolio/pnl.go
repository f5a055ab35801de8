package portfolio

import (
	"time"

	"futures-agent/internal/model"
)

// RealizedPnL is the gross PnL of closing qty of a position in dir from
// entry to exit.
func RealizedPnL(dir model.Direction, entry, exit, qty float64) float64 {
	return (exit - entry) * dir.Sign() * qty
}

// Fee is the taker fee on a fill of qty at price.
func Fee(price, qty, rate float64) float64 {
	return price * qty * rate
}

// SumRealized totals the realized PnL of fills at or after since, skipping
// fills of the booked orders.
func SumRealized(fills []model.Fill, since time.Time, booked []string) float64 {
	skip := make(map[string]struct{}, len(booked))
	for _, id := range booked {
		skip[id] = struct{}{}
	}
	total := 0.0
	for _, f := range fills {
		if f.Time.Before(since) {
			continue
		}
		if _, ok := skip[f.OrderID]; ok {
			continue
		}
		total += f.RealizedPnL
	}
	return total
}
