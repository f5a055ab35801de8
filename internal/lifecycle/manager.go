// Package lifecycle owns the single position slot of the agent. On each
// newly closed bar it runs the fixed update sequence: partial take-profit,
// stop/target exit, trailing ratchet, policy and time exits, new entry,
// then cooldown and high-water bookkeeping.
//
// All mutation happens under one mutex so the trading driver and the
// reporting driver never observe a half-applied transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"futures-agent/internal/indicator"
	"futures-agent/internal/model"
	"futures-agent/internal/portfolio"
	"futures-agent/internal/strategy"
)

// Executor is the subset of the exchange gateway the manager needs.
type Executor interface {
	PlaceMarketOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	PlaceStopOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	PlaceTakeProfitOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	CancelOpenOrders(ctx context.Context, symbol string) error
	FetchRecentFills(ctx context.Context, symbol string, limit int) ([]model.Fill, error)
}

// Params configures the manager.
type Params struct {
	Symbol string
	// MinHistory is the minimum number of bars before any decision is made.
	MinHistory   int
	CooldownBars int
	FeeRate      float64
	// MaintenanceRate estimates maintenance margin as a fraction of notional.
	MaintenanceRate float64
	// TrailingTrigger arms the trailing stop once the favourable excursion
	// reaches this many ATRs; TrailingOffset is the trail distance in ATRs.
	// A zero trigger disables trailing.
	TrailingTrigger float64
	TrailingOffset  float64
	// MaxHoldBars closes a position after this many bars; zero disables.
	MaxHoldBars int
	ATRPeriod   int
	// SLATR and RR2 rebuild levels for adopted positions. FallbackStopPct is
	// used when ATR is undefined.
	SLATR           float64
	RR2             float64
	FallbackStopPct float64
	// AdoptLookback backdates OpenedAt of an adopted position so its
	// opening fill is included when the position later closes.
	AdoptLookback time.Duration
	// ProtectiveOrders places exchange-side stop and take-profit orders
	// after every entry.
	ProtectiveOrders bool
	FillLookup       int
	Sizing           strategy.SizingParams
}

// DefaultParams returns the production defaults for symbol.
func DefaultParams(symbol string) Params {
	return Params{
		Symbol:          symbol,
		MinHistory:      250,
		CooldownBars:    3,
		FeeRate:         0.0004,
		MaintenanceRate: 0.005,
		ATRPeriod:       14,
		SLATR:           1.6,
		RR2:             2.2,
		FallbackStopPct: 0.02,
		AdoptLookback:   time.Hour,
		FillLookup:      50,
		Sizing: strategy.SizingParams{
			RiskPerTrade:    0.006,
			MarginFraction:  0.5,
			Leverage:        10,
			FeeRate:         0.0004,
			MaxRiskFraction: 0.1,
		},
	}
}

// ErrPositionMismatch is returned by Reconcile when the exchange holds a
// position opposite to the local one.
var ErrPositionMismatch = errors.New("position mismatch")

// ErrInvalidBar is returned by Step when the last bar is malformed.
var ErrInvalidBar = errors.New("invalid bar")

// Manager runs the position lifecycle for one symbol.
type Manager struct {
	params      Params
	policy      strategy.Policy
	exec        Executor
	account     *portfolio.Account
	constraints model.InstrumentConstraints
	defs        []indicator.Def
	atrName     string
	log         *slog.Logger

	mu          sync.RWMutex
	pos         *model.Position
	lastBar     time.Time
	lastClose   float64
	lastATR     indicator.Value
	closedOnBar bool
}

// NewManager creates a manager. An empty sizing mode takes the policy's
// convention.
func NewManager(p Params, policy strategy.Policy, exec Executor, account *portfolio.Account, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = 14
	}
	if p.FillLookup <= 0 {
		p.FillLookup = 50
	}
	if p.Sizing.Mode == "" {
		p.Sizing.Mode = policy.Sizing()
	}
	if p.Sizing.FeeRate == 0 {
		p.Sizing.FeeRate = p.FeeRate
	}
	atr := indicator.ATRDef(p.ATRPeriod)
	return &Manager{
		params:  p,
		policy:  policy,
		exec:    exec,
		account: account,
		defs:    append(policy.Indicators(), atr),
		atrName: indicator.Name(indicator.KindATR, p.ATRPeriod),
		lastATR: indicator.Undefined,
		log: log.With(
			slog.String("component", "lifecycle"),
			slog.String("symbol", p.Symbol),
			slog.String("policy", policy.Name())),
	}
}

// SetConstraints installs the exchange trading rules used for sizing.
func (m *Manager) SetConstraints(c model.InstrumentConstraints) {
	m.mu.Lock()
	m.constraints = c
	m.mu.Unlock()
}

// Position returns a copy of the open position, or nil when flat.
func (m *Manager) Position() *model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pos == nil {
		return nil
	}
	p := m.pos.Clone()
	return &p
}

// LastATR returns the ATR at the last processed bar.
func (m *Manager) LastATR() indicator.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastATR
}

// LastProcessedBar returns the close time of the last processed bar.
func (m *Manager) LastProcessedBar() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastBar
}

// Step processes the most recent closed bar of bars. Bars must be ordered
// oldest first. A bar that is not newer than the last processed one, or a
// history shorter than MinHistory, is a no-op.
func (m *Manager) Step(ctx context.Context, bars []model.Bar) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(bars) < m.params.MinHistory || len(bars) == 0 {
		return nil, nil
	}
	last := bars[len(bars)-1]
	if !last.Time.After(m.lastBar) {
		return nil, nil
	}
	if !last.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBar, last)
	}
	m.lastBar = last.Time
	m.lastClose = last.Close
	m.closedOnBar = false
	m.account.Rollover(last.Time)

	frame := indicator.NewFrame(bars, m.defs...)
	in := strategy.NewInput(bars, frame)
	m.lastATR = frame.Series(m.atrName).At(in.Index)

	var evs []Event
	if m.pos != nil {
		m.pos.BarsHeld++
		evs = m.manage(ctx, in, evs)
	}
	if m.pos == nil && m.account.Cooldown() == 0 {
		evs = m.enter(ctx, in, evs)
	}
	m.account.EndBar()
	return evs, nil
}

func (m *Manager) manage(ctx context.Context, in strategy.Input, evs []Event) []Event {
	pos := m.pos
	b := in.Bar()
	rules := m.policy.Rules()
	stopBefore := pos.EffectiveStop()

	if rules.PartialAtTP1 && !pos.PartialExitTaken && pos.TakeProfit1 > 0 &&
		reachedTarget(pos.Direction, b, pos.TakeProfit1) {
		evs = m.partial(ctx, b, evs)
	}

	if stop := pos.EffectiveStop(); stop > 0 && hitStop(pos.Direction, b, stop) {
		return m.close(ctx, b, stop, stopReason(pos, stop), evs)
	}
	if rules.TakeProfit && pos.TakeProfit2 > 0 && reachedTarget(pos.Direction, b, pos.TakeProfit2) {
		return m.close(ctx, b, pos.TakeProfit2, "take profit", evs)
	}

	if atr, ok := m.lastATR.Get(); ok && m.params.TrailingTrigger > 0 {
		m.ratchet(b, atr)
	}

	if reason, ok := m.policy.Exit(in, pos); ok {
		return m.close(ctx, b, b.Close, reason, evs)
	}
	if m.params.MaxHoldBars > 0 && pos.BarsHeld >= m.params.MaxHoldBars {
		return m.close(ctx, b, b.Close, fmt.Sprintf("max hold %d bars", m.params.MaxHoldBars), evs)
	}
	if m.params.ProtectiveOrders && pos.EffectiveStop() != stopBefore {
		evs = m.reprotect(ctx, b.Time, pos, evs)
	}
	return evs
}

// reprotect replaces the exchange-side orders after the local stop moved.
func (m *Manager) reprotect(ctx context.Context, at time.Time, pos *model.Position, evs []Event) []Event {
	if err := m.exec.CancelOpenOrders(ctx, m.params.Symbol); err != nil {
		return append(evs, m.orderFailed(at, "cancel protective orders", err))
	}
	m.log.Info("protective stop moved", slog.Float64("stop", pos.EffectiveStop()))
	return m.protect(ctx, at, pos, evs)
}

// partial closes half the position at TP1 and moves the stop to break-even.
func (m *Manager) partial(ctx context.Context, b model.Bar, evs []Event) []Event {
	pos := m.pos
	tp := pos.TakeProfit1
	half := strategy.RoundQuantity(pos.Quantity/2, m.constraints)

	pos.PartialExitTaken = true
	if m.policy.Rules().StopLoss {
		pos.StopLoss = pos.EntryPrice
	}
	if half <= 0 || half >= pos.Quantity {
		m.log.Debug("partial size rounds to zero, stop moved only",
			slog.Float64("quantity", pos.Quantity))
		return evs
	}

	pnl := portfolio.RealizedPnL(pos.Direction, pos.EntryPrice, tp, half)
	fee := portfolio.Fee(tp, half, m.params.FeeRate)
	res, err := m.exec.PlaceMarketOrder(ctx, model.OrderRequest{
		Symbol:     m.params.Symbol,
		Side:       pos.Direction.ExitSide(),
		Quantity:   half,
		Price:      tp,
		ReduceOnly: true,
	})
	if err != nil {
		evs = append(evs, m.orderFailed(b.Time, "partial exit", err))
	} else if res.OrderID != "" {
		pos.BookedOrders = append(pos.BookedOrders, res.OrderID)
	}

	m.account.Realize(pnl - fee)
	pos.Quantity = strategy.SubtractQuantity(pos.Quantity, half)
	m.log.Info("partial take profit",
		slog.String("direction", string(pos.Direction)),
		slog.Float64("price", tp),
		slog.Float64("quantity", half),
		slog.Float64("pnl", pnl-fee),
		slog.Float64("remaining", pos.Quantity))

	return append(evs, Event{
		Kind:      EventPartialExit,
		Time:      b.Time,
		Symbol:    m.params.Symbol,
		Direction: pos.Direction,
		Price:     tp,
		Quantity:  half,
		StopLoss:  pos.StopLoss,
		PnL:       pnl - fee,
		Balance:   m.account.Balance(),
		Reason:    "take profit 1",
	})
}

// ratchet arms the trailing stop once the bar's favourable excursion
// reaches the trigger and only ever moves it toward the price.
func (m *Manager) ratchet(b model.Bar, atr float64) {
	pos := m.pos
	var excursion, candidate float64
	if pos.Direction == model.Short {
		excursion = pos.EntryPrice - b.Low
		candidate = b.Low + atr*m.params.TrailingOffset
	} else {
		excursion = b.High - pos.EntryPrice
		candidate = b.High - atr*m.params.TrailingOffset
	}
	if pos.TrailingStop == 0 && excursion < atr*m.params.TrailingTrigger {
		return
	}
	improves := pos.TrailingStop == 0 ||
		(pos.Direction == model.Long && candidate > pos.TrailingStop) ||
		(pos.Direction == model.Short && candidate < pos.TrailingStop)
	if improves {
		pos.TrailingStop = candidate
	}
}

// close exits the remaining quantity at price. Local state is committed
// even when the exit order fails.
func (m *Manager) close(ctx context.Context, b model.Bar, price float64, reason string, evs []Event) []Event {
	pos := m.pos
	qty := pos.Quantity
	pnl := portfolio.RealizedPnL(pos.Direction, pos.EntryPrice, price, qty)
	fee := portfolio.Fee(price, qty, m.params.FeeRate)

	if _, err := m.exec.PlaceMarketOrder(ctx, model.OrderRequest{
		Symbol:     m.params.Symbol,
		Side:       pos.Direction.ExitSide(),
		Quantity:   qty,
		Price:      price,
		ReduceOnly: true,
	}); err != nil {
		evs = append(evs, m.orderFailed(b.Time, "exit", err))
	}
	if m.params.ProtectiveOrders {
		if err := m.exec.CancelOpenOrders(ctx, m.params.Symbol); err != nil {
			m.log.Warn("cancel protective orders failed", slog.String("error", err.Error()))
		}
	}

	m.account.Realize(pnl - fee)
	m.account.StartCooldown(m.params.CooldownBars)
	m.pos = nil
	m.closedOnBar = true
	m.log.Info("position closed",
		slog.String("direction", string(pos.Direction)),
		slog.String("reason", reason),
		slog.Float64("price", price),
		slog.Float64("quantity", qty),
		slog.Float64("pnl", pnl-fee),
		slog.Float64("balance", m.account.Balance()))

	return append(evs, Event{
		Kind:      EventClosed,
		Time:      b.Time,
		Symbol:    m.params.Symbol,
		Direction: pos.Direction,
		Price:     price,
		Quantity:  qty,
		PnL:       pnl - fee,
		Balance:   m.account.Balance(),
		Reason:    reason,
	})
}

func (m *Manager) enter(ctx context.Context, in strategy.Input, evs []Event) []Event {
	b := in.Bar()
	if halted, tripped := m.account.Halted(); halted {
		if tripped {
			st := m.account.State()
			evs = append(evs, Event{
				Kind:    EventHalted,
				Time:    b.Time,
				Symbol:  m.params.Symbol,
				Balance: st.Balance,
				PnL:     st.Balance - st.DayStartBalance,
				Reason:  "daily loss limit reached",
			})
		}
		return evs
	}

	sig, ok := m.policy.Evaluate(in)
	if !ok {
		return evs
	}
	sized, err := strategy.Size(sig, m.account.Balance(), m.params.Sizing, m.constraints)
	if err != nil {
		var rej *strategy.RejectError
		if !errors.As(err, &rej) {
			rej = &strategy.RejectError{Reason: err.Error()}
		}
		m.log.Info("signal rejected",
			slog.String("direction", string(sig.Direction)),
			slog.String("reason", rej.Reason))
		return append(evs, Event{
			Kind:      EventRejected,
			Time:      b.Time,
			Symbol:    m.params.Symbol,
			Direction: sig.Direction,
			Price:     sig.Entry,
			Balance:   m.account.Balance(),
			Reason:    rej.Reason,
		})
	}

	res, err := m.exec.PlaceMarketOrder(ctx, model.OrderRequest{
		Symbol:   m.params.Symbol,
		Side:     sized.Direction.EntrySide(),
		Quantity: sized.Quantity,
		Price:    sized.Entry,
	})
	if err != nil {
		return append(evs, m.orderFailed(b.Time, "entry", err))
	}

	entry := sized.Entry
	if res.AvgPrice > 0 {
		entry = res.AvgPrice
	}
	m.account.Charge(portfolio.Fee(entry, sized.Quantity, m.params.FeeRate))

	rules := m.policy.Rules()
	pos := &model.Position{
		Symbol:          m.params.Symbol,
		Direction:       sized.Direction,
		EntryPrice:      entry,
		Quantity:        sized.Quantity,
		InitialQuantity: sized.Quantity,
		OpenedAt:        b.Time,
	}
	if rules.StopLoss {
		pos.StopLoss = sized.StopLoss
	}
	if rules.PartialAtTP1 {
		pos.TakeProfit1 = sized.TakeProfit1
	}
	if rules.TakeProfit {
		pos.TakeProfit2 = sized.TakeProfit2
	}
	m.fillMargin(pos)
	m.pos = pos

	m.log.Info("position opened",
		slog.String("direction", string(pos.Direction)),
		slog.Float64("entry", entry),
		slog.Float64("quantity", pos.Quantity),
		slog.Float64("stop", pos.StopLoss),
		slog.Float64("tp2", pos.TakeProfit2),
		slog.String("reason", sized.Reason))

	evs = append(evs, Event{
		Kind:       EventOpened,
		Time:       b.Time,
		Symbol:     m.params.Symbol,
		Direction:  pos.Direction,
		Price:      entry,
		Quantity:   pos.Quantity,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit2,
		Balance:    m.account.Balance(),
		Reason:     sized.Reason,
	})
	if m.params.ProtectiveOrders {
		evs = m.protect(ctx, b.Time, pos, evs)
	}
	return evs
}

// protect places exchange-side stop and take-profit orders for pos. The
// stop follows the effective stop, so it includes the trailing stop.
func (m *Manager) protect(ctx context.Context, at time.Time, pos *model.Position, evs []Event) []Event {
	if stop := pos.EffectiveStop(); stop > 0 {
		if _, err := m.exec.PlaceStopOrder(ctx, model.OrderRequest{
			Symbol:        m.params.Symbol,
			Side:          pos.Direction.ExitSide(),
			StopPrice:     strategy.RoundPrice(stop, m.constraints),
			ClosePosition: true,
		}); err != nil {
			evs = append(evs, m.orderFailed(at, "protective stop", err))
		}
	}
	if pos.TakeProfit2 > 0 {
		if _, err := m.exec.PlaceTakeProfitOrder(ctx, model.OrderRequest{
			Symbol:        m.params.Symbol,
			Side:          pos.Direction.ExitSide(),
			StopPrice:     strategy.RoundPrice(pos.TakeProfit2, m.constraints),
			ClosePosition: true,
		}); err != nil {
			evs = append(evs, m.orderFailed(at, "protective take profit", err))
		}
	}
	return evs
}

func (m *Manager) fillMargin(pos *model.Position) {
	pos.Notional = pos.EntryPrice * pos.Quantity
	pos.MaintenanceMargin = pos.Notional * m.params.MaintenanceRate
}

func (m *Manager) orderFailed(at time.Time, op string, err error) Event {
	m.log.Error("order failed", slog.String("op", op), slog.String("error", err.Error()))
	return Event{
		Kind:    EventOrderFailed,
		Time:    at,
		Symbol:  m.params.Symbol,
		Balance: m.account.Balance(),
		Reason:  op,
		Err:     err.Error(),
	}
}

func hitStop(dir model.Direction, b model.Bar, stop float64) bool {
	if dir == model.Short {
		return b.High >= stop
	}
	return b.Low <= stop
}

func reachedTarget(dir model.Direction, b model.Bar, target float64) bool {
	if dir == model.Short {
		return b.Low <= target
	}
	return b.High >= target
}

func stopReason(pos *model.Position, stop float64) string {
	switch {
	case pos.TrailingStop > 0 && stop == pos.TrailingStop:
		return "trailing stop"
	case pos.PartialExitTaken && stop == pos.EntryPrice:
		return "break-even stop"
	default:
		return "stop loss"
	}
}
