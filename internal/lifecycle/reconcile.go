package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"futures-agent/internal/indicator"
	"futures-agent/internal/model"
	"futures-agent/internal/portfolio"
)

// Reconcile aligns the local position with the exchange's view. ext is nil
// when the exchange reports no open position; atr is used to rebuild levels
// for an adopted position.
//
//	local FLAT, exchange open  -> adopt (one EXTERNAL_OPEN)
//	local open, exchange FLAT  -> book realized PnL of fills since OpenedAt
//	                              not already booked by a partial exit
//	opposite directions        -> ErrPositionMismatch, nothing changes
//
// A fill lookup failure leaves the local position in place so the next
// call retries.
func (m *Manager) Reconcile(ctx context.Context, ext *model.ExchangePosition, atr indicator.Value, now time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ext != nil && ext.Quantity <= 0 {
		ext = nil
	}

	switch {
	case m.pos == nil && ext == nil:
		return nil, nil
	case m.pos == nil:
		return []Event{m.adopt(ext, atr, now)}, nil
	case ext == nil:
		ev, err := m.externalClose(ctx, now)
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	case ext.Direction != m.pos.Direction:
		return nil, fmt.Errorf("%w: local %s %.8g, exchange %s %.8g",
			ErrPositionMismatch, m.pos.Direction, m.pos.Quantity, ext.Direction, ext.Quantity)
	}

	if math.Abs(ext.Quantity-m.pos.Quantity) > 1e-9 {
		m.log.Warn("position quantity drift",
			slog.Float64("local", m.pos.Quantity),
			slog.Float64("exchange", ext.Quantity))
	}
	return nil, nil
}

func (m *Manager) adopt(ext *model.ExchangePosition, atr indicator.Value, now time.Time) Event {
	dist := ext.EntryPrice * m.params.FallbackStopPct
	if a, ok := atr.Get(); ok && a > 0 {
		dist = a * m.params.SLATR
	}
	sign := ext.Direction.Sign()
	rules := m.policy.Rules()

	pos := &model.Position{
		Symbol:          m.params.Symbol,
		Direction:       ext.Direction,
		EntryPrice:      ext.EntryPrice,
		Quantity:        ext.Quantity,
		InitialQuantity: ext.Quantity,
		OpenedAt:        now.Add(-m.params.AdoptLookback),
		External:        true,
	}
	if dist > 0 {
		if rules.StopLoss {
			pos.StopLoss = ext.EntryPrice - sign*dist
		}
		if rules.PartialAtTP1 {
			pos.TakeProfit1 = ext.EntryPrice + sign*dist
		}
		if rules.TakeProfit && m.params.RR2 > 0 {
			pos.TakeProfit2 = ext.EntryPrice + sign*dist*m.params.RR2
		}
	}
	m.fillMargin(pos)
	m.pos = pos

	m.log.Warn("adopted external position",
		slog.String("direction", string(pos.Direction)),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
		slog.Float64("stop", pos.StopLoss))

	return Event{
		Kind:       EventExternalOpen,
		Time:       now,
		Symbol:     m.params.Symbol,
		Direction:  pos.Direction,
		Price:      pos.EntryPrice,
		Quantity:   pos.Quantity,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit2,
		Balance:    m.account.Balance(),
		Reason:     "position opened outside the agent",
	}
}

func (m *Manager) externalClose(ctx context.Context, now time.Time) (Event, error) {
	fills, err := m.exec.FetchRecentFills(ctx, m.params.Symbol, m.params.FillLookup)
	if err != nil {
		return Event{}, fmt.Errorf("reconcile: fetch fills: %w", err)
	}
	pos := m.pos
	pnl := portfolio.SumRealized(fills, pos.OpenedAt, pos.BookedOrders)

	m.account.Realize(pnl)
	m.account.RefreshPeak()
	m.pos = nil
	m.log.Warn("position closed outside the agent",
		slog.String("direction", string(pos.Direction)),
		slog.Float64("pnl", pnl),
		slog.Float64("balance", m.account.Balance()))

	return Event{
		Kind:      EventExternalClose,
		Time:      now,
		Symbol:    m.params.Symbol,
		Direction: pos.Direction,
		Quantity:  pos.Quantity,
		PnL:       pnl,
		Balance:   m.account.Balance(),
		Reason:    "position closed outside the agent",
	}, nil
}
