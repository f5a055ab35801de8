package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"futures-agent/internal/model"
	"futures-agent/internal/portfolio"
	"futures-agent/internal/strategy"
)

// MarketData is the read-only part of a gateway used by the paper gateway
// for prices and instrument rules.
type MarketData interface {
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Bar, error)
	FetchPrice(ctx context.Context, symbol string) (float64, error)
	FetchConstraints(ctx context.Context, symbol string) (model.InstrumentConstraints, error)
}

// PaperConfig configures the simulation.
type PaperConfig struct {
	InitialBalance float64
	FeeRate        float64
	// SlippageBps moves every fill against the order side (5 = 0.05%).
	SlippageBps float64
}

// PaperGateway simulates order execution without exchange calls. Market
// data still comes from md. It keeps its own position so reconciliation
// sees the same state the agent traded into.
type PaperGateway struct {
	md  MarketData
	cfg PaperConfig
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	orderSeq int64
	fills    []model.Fill
	pending  []model.OrderRequest
	balance  float64
	leverage int
	pos      *model.ExchangePosition
}

// NewPaperGateway creates a paper gateway over md.
func NewPaperGateway(md MarketData, cfg PaperConfig, log *slog.Logger) *PaperGateway {
	if log == nil {
		log = slog.Default()
	}
	return &PaperGateway{
		md:      md,
		cfg:     cfg,
		log:     log.With(slog.String("component", "paper")),
		now:     time.Now,
		fills:   make([]model.Fill, 0, 256),
		balance: cfg.InitialBalance,
	}
}

func (p *PaperGateway) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Bar, error) {
	return p.md.FetchKlines(ctx, symbol, interval, limit)
}

func (p *PaperGateway) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	return p.md.FetchPrice(ctx, symbol)
}

func (p *PaperGateway) FetchConstraints(ctx context.Context, symbol string) (model.InstrumentConstraints, error) {
	return p.md.FetchConstraints(ctx, symbol)
}

// FetchPosition returns the simulated position.
func (p *PaperGateway) FetchPosition(_ context.Context, _ string) (*model.ExchangePosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pos == nil {
		return nil, nil
	}
	cp := *p.pos
	return &cp, nil
}

// FetchRecentFills returns the newest limit simulated fills, oldest first.
func (p *PaperGateway) FetchRecentFills(_ context.Context, _ string, limit int) ([]model.Fill, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	start := 0
	if limit > 0 && len(p.fills) > limit {
		start = len(p.fills) - limit
	}
	cp := make([]model.Fill, len(p.fills)-start)
	copy(cp, p.fills[start:])
	return cp, nil
}

// FetchBalance returns the simulated wallet balance.
func (p *PaperGateway) FetchBalance(context.Context, string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance, nil
}

func (p *PaperGateway) SetLeverage(_ context.Context, _ string, leverage int) error {
	p.mu.Lock()
	p.leverage = leverage
	p.mu.Unlock()
	return nil
}

// PlaceMarketOrder fills immediately at the reference price (or the live
// price when none is given) adjusted for slippage.
func (p *PaperGateway) PlaceMarketOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	if req.Quantity <= 0 {
		return model.OrderResult{}, wrap("market order", fmt.Errorf("non-positive quantity %.8g", req.Quantity))
	}
	price := req.Price
	if price <= 0 {
		live, err := p.md.FetchPrice(ctx, req.Symbol)
		if err != nil {
			return model.OrderResult{}, err
		}
		price = live
	}

	slippage := price * p.cfg.SlippageBps / 10000
	if req.Side == model.SideBuy {
		price += slippage
	} else {
		price -= slippage
	}

	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)
	qty, pnl, err := p.apply(req, price)
	if err != nil {
		p.mu.Unlock()
		return model.OrderResult{}, wrap("market order", err)
	}
	fee := portfolio.Fee(price, qty, p.cfg.FeeRate)
	p.balance += pnl - fee
	p.fills = append(p.fills, model.Fill{
		OrderID:     orderID,
		Time:        p.now().UTC(),
		Side:        req.Side,
		Price:       price,
		Quantity:    qty,
		RealizedPnL: pnl,
	})
	p.mu.Unlock()

	p.log.Info("paper fill",
		slog.String("order_id", orderID),
		slog.String("side", string(req.Side)),
		slog.Float64("qty", qty),
		slog.Float64("price", price),
		slog.Float64("slippage", slippage),
		slog.Float64("realized_pnl", pnl))

	return model.OrderResult{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Status:        "FILLED",
		AvgPrice:      price,
		ExecutedQty:   qty,
	}, nil
}

// apply books a fill of req at price into the simulated position and
// returns the executed quantity and realized PnL. Callers hold p.mu.
func (p *PaperGateway) apply(req model.OrderRequest, price float64) (qty, pnl float64, err error) {
	dir := model.Long
	if req.Side == model.SideSell {
		dir = model.Short
	}
	qty = req.Quantity

	switch {
	case p.pos == nil:
		if req.ReduceOnly {
			return 0, 0, fmt.Errorf("reduce-only order with no position")
		}
		p.pos = &model.ExchangePosition{Symbol: req.Symbol, Direction: dir, Quantity: qty, EntryPrice: price}
	case p.pos.Direction == dir:
		if req.ReduceOnly {
			return 0, 0, fmt.Errorf("reduce-only %s order would increase the position", req.Side)
		}
		total := p.pos.Quantity + qty
		p.pos.EntryPrice = (p.pos.EntryPrice*p.pos.Quantity + price*qty) / total
		p.pos.Quantity = total
	default:
		closing := math.Min(qty, p.pos.Quantity)
		if req.ReduceOnly {
			qty = closing
		}
		pnl = portfolio.RealizedPnL(p.pos.Direction, p.pos.EntryPrice, price, closing)
		rest := strategy.SubtractQuantity(qty, closing)
		remaining := strategy.SubtractQuantity(p.pos.Quantity, closing)
		switch {
		case remaining > 0:
			p.pos.Quantity = remaining
		case rest > 0:
			p.pos = &model.ExchangePosition{Symbol: req.Symbol, Direction: dir, Quantity: rest, EntryPrice: price}
		default:
			p.pos = nil
		}
	}
	return qty, pnl, nil
}

// PlaceStopOrder records a protective order. Paper protective orders never
// trigger; the lifecycle manager exits on bar data.
func (p *PaperGateway) PlaceStopOrder(_ context.Context, req model.OrderRequest) (model.OrderResult, error) {
	return p.rest("stop", req), nil
}

// PlaceTakeProfitOrder records a protective order.
func (p *PaperGateway) PlaceTakeProfitOrder(_ context.Context, req model.OrderRequest) (model.OrderResult, error) {
	return p.rest("take profit", req), nil
}

func (p *PaperGateway) rest(kind string, req model.OrderRequest) model.OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orderSeq++
	p.pending = append(p.pending, req)
	p.log.Debug("paper protective order", slog.String("kind", kind), slog.Float64("stop_price", req.StopPrice))
	return model.OrderResult{
		OrderID:       fmt.Sprintf("PAPER-%d", p.orderSeq),
		ClientOrderID: req.ClientOrderID,
		Status:        "NEW",
	}
}

// CancelOpenOrders drops pending protective orders.
func (p *PaperGateway) CancelOpenOrders(context.Context, string) error {
	p.mu.Lock()
	p.pending = p.pending[:0]
	p.mu.Unlock()
	return nil
}

// PendingOrders returns the number of resting protective orders.
func (p *PaperGateway) PendingOrders() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}
