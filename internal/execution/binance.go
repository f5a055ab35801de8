package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"futures-agent/internal/model"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// BinanceConfig configures the futures client.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	// RequestsPerSecond paces every REST call; Burst allows short bursts.
	RequestsPerSecond float64
	Burst             int
}

// BinanceGateway implements Gateway on Binance USDⓈ-M futures.
type BinanceGateway struct {
	client  *futures.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewBinanceGateway creates a gateway. The testnet switch is package-global
// in the client library and must be set before the client is built.
func NewBinanceGateway(cfg BinanceConfig, log *slog.Logger) *BinanceGateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Testnet {
		futures.UseTestnet = true
		log.Warn("using binance futures testnet")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &BinanceGateway{
		client:  binance.NewFuturesClient(cfg.APIKey, cfg.SecretKey),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     log.With(slog.String("component", "binance")),
	}
}

func (g *BinanceGateway) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return wrap(op, err)
	}
	return nil
}

// FetchKlines implements Gateway.
func (g *BinanceGateway) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Bar, error) {
	if err := g.wait(ctx, "klines"); err != nil {
		return nil, err
	}
	klines, err := g.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, wrap("klines", err)
	}
	bars := make([]model.Bar, 0, len(klines))
	for _, k := range klines {
		b := model.Bar{
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Time:     time.UnixMilli(k.CloseTime).UTC(),
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// FetchPrice implements Gateway.
func (g *BinanceGateway) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.wait(ctx, "price"); err != nil {
		return 0, err
	}
	prices, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, wrap("price", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseFloat(p.Price), nil
		}
	}
	return 0, wrap("price", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol))
}

// FetchPosition implements Gateway. One-way mode is assumed: the first
// non-zero position amount is the position.
func (g *BinanceGateway) FetchPosition(ctx context.Context, symbol string) (*model.ExchangePosition, error) {
	if err := g.wait(ctx, "position"); err != nil {
		return nil, err
	}
	risks, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, wrap("position", err)
	}
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		pos := &model.ExchangePosition{
			Symbol:     r.Symbol,
			Direction:  model.Long,
			Quantity:   amt,
			EntryPrice: parseFloat(r.EntryPrice),
		}
		if amt < 0 {
			pos.Direction = model.Short
			pos.Quantity = -amt
		}
		return pos, nil
	}
	return nil, nil
}

// FetchRecentFills implements Gateway.
func (g *BinanceGateway) FetchRecentFills(ctx context.Context, symbol string, limit int) ([]model.Fill, error) {
	if err := g.wait(ctx, "fills"); err != nil {
		return nil, err
	}
	trades, err := g.client.NewListAccountTradeService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, wrap("fills", err)
	}
	fills := make([]model.Fill, 0, len(trades))
	for _, t := range trades {
		fills = append(fills, model.Fill{
			OrderID:     strconv.FormatInt(t.OrderID, 10),
			Time:        time.UnixMilli(t.Time).UTC(),
			Side:        model.Side(t.Side),
			Price:       parseFloat(t.Price),
			Quantity:    parseFloat(t.Quantity),
			RealizedPnL: parseFloat(t.RealizedPnl),
		})
	}
	return fills, nil
}

// FetchBalance implements Gateway.
func (g *BinanceGateway) FetchBalance(ctx context.Context, asset string) (float64, error) {
	if err := g.wait(ctx, "balance"); err != nil {
		return 0, err
	}
	balances, err := g.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, wrap("balance", err)
	}
	return availableBalance(balances, asset), nil
}

// availableBalance is the margin free for new positions, not the wallet
// balance.
func availableBalance(balances []*futures.Balance, asset string) float64 {
	for _, b := range balances {
		if b.Asset == asset {
			return parseFloat(b.AvailableBalance)
		}
	}
	return 0
}

// FetchConstraints implements Gateway.
func (g *BinanceGateway) FetchConstraints(ctx context.Context, symbol string) (model.InstrumentConstraints, error) {
	var c model.InstrumentConstraints
	if err := g.wait(ctx, "exchange info"); err != nil {
		return c, err
	}
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return c, wrap("exchange info", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		c = constraintsOf(s)
		g.log.Info("instrument constraints loaded",
			slog.String("symbol", symbol),
			slog.Float64("step", c.QuantityStep),
			slog.Float64("min_qty", c.MinQuantity),
			slog.Float64("min_notional", c.MinNotional),
			slog.Float64("tick", c.TickSize))
		return c, nil
	}
	return c, wrap("exchange info", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol))
}

// SetLeverage implements Gateway.
func (g *BinanceGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := g.wait(ctx, "leverage"); err != nil {
		return err
	}
	if _, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return wrap("leverage", err)
	}
	return nil
}

// PlaceMarketOrder implements Gateway.
func (g *BinanceGateway) PlaceMarketOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	return g.create(ctx, "market order", futures.OrderTypeMarket, req)
}

// PlaceStopOrder implements Gateway.
func (g *BinanceGateway) PlaceStopOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	return g.create(ctx, "stop order", futures.OrderTypeStopMarket, req)
}

// PlaceTakeProfitOrder implements Gateway.
func (g *BinanceGateway) PlaceTakeProfitOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	return g.create(ctx, "take profit order", futures.OrderTypeTakeProfitMarket, req)
}

func (g *BinanceGateway) create(ctx context.Context, op string, typ futures.OrderType, req model.OrderRequest) (model.OrderResult, error) {
	if err := g.wait(ctx, op); err != nil {
		return model.OrderResult{}, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = newClientOrderID()
	}
	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(typ).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else {
		svc = svc.Quantity(formatDecimal(req.Quantity))
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
	}
	if req.StopPrice > 0 {
		svc = svc.StopPrice(formatDecimal(req.StopPrice)).WorkingType(futures.WorkingTypeMarkPrice)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		g.log.Error("order rejected",
			slog.String("op", op),
			slog.String("side", string(req.Side)),
			slog.Float64("qty", req.Quantity),
			slog.String("error", err.Error()))
		return model.OrderResult{}, wrap(op, err)
	}
	out := model.OrderResult{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Status:        string(res.Status),
		AvgPrice:      parseFloat(res.AvgPrice),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
	}
	g.log.Info("order placed",
		slog.String("op", op),
		slog.String("order_id", out.OrderID),
		slog.String("side", string(req.Side)),
		slog.Float64("qty", req.Quantity),
		slog.Float64("avg_price", out.AvgPrice),
		slog.String("status", out.Status))
	return out, nil
}

// CancelOpenOrders implements Gateway.
func (g *BinanceGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	if err := g.wait(ctx, "cancel orders"); err != nil {
		return err
	}
	if err := g.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return wrap("cancel orders", err)
	}
	return nil
}

func newClientOrderID() string {
	// Binance caps client order ids at 36 characters.
	return "fa-" + uuid.NewString()[:32]
}

// formatDecimal renders v without exponent or float residue.
func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// DefaultMinNotional applies when the symbol has no MIN_NOTIONAL filter.
const DefaultMinNotional = 5.0

func constraintsOf(s futures.Symbol) model.InstrumentConstraints {
	c := model.InstrumentConstraints{
		QuantityPrecision: s.QuantityPrecision,
		PricePrecision:    s.PricePrecision,
		MinNotional:       DefaultMinNotional,
	}
	for _, f := range s.Filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			c.QuantityStep = filterFloat(f, "stepSize")
			c.MinQuantity = filterFloat(f, "minQty")
		case "MIN_NOTIONAL":
			if v := filterFloat(f, "notional"); v > 0 {
				c.MinNotional = v
			}
		case "PRICE_FILTER":
			c.TickSize = filterFloat(f, "tickSize")
		}
	}
	return c
}

func filterFloat(f map[string]interface{}, key string) float64 {
	s, _ := f[key].(string)
	return parseFloat(s)
}
