// Package execution connects the agent to the exchange. Gateway is the full
// exchange surface; BinanceGateway talks to USDⓈ-M futures and PaperGateway
// simulates fills against live prices with an in-process position.
package execution

import (
	"context"
	"errors"
	"fmt"

	"futures-agent/internal/model"

	"github.com/adshao/go-binance/v2/common"
)

// Gateway is the exchange surface used by the agent.
type Gateway interface {
	// FetchKlines returns up to limit bars, oldest first. The last bar may
	// still be forming.
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Bar, error)
	FetchPrice(ctx context.Context, symbol string) (float64, error)
	// FetchPosition returns nil when there is no open position.
	FetchPosition(ctx context.Context, symbol string) (*model.ExchangePosition, error)
	FetchRecentFills(ctx context.Context, symbol string, limit int) ([]model.Fill, error)
	FetchBalance(ctx context.Context, asset string) (float64, error)
	FetchConstraints(ctx context.Context, symbol string) (model.InstrumentConstraints, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	PlaceStopOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	PlaceTakeProfitOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	CancelOpenOrders(ctx context.Context, symbol string) error
}

// ErrUnknownSymbol is returned when the exchange does not list a symbol.
var ErrUnknownSymbol = errors.New("unknown symbol")

// GatewayError wraps a failed exchange call with the operation name and,
// for API rejections, the exchange error code.
type GatewayError struct {
	Op   string
	Code int64
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: code %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Rejected reports whether the exchange answered with an API error rather
// than the call failing in transport.
func (e *GatewayError) Rejected() bool { return e.Code != 0 }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	ge := &GatewayError{Op: op, Err: err}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		ge.Code = apiErr.Code
	}
	return ge
}

var (
	_ Gateway = (*BinanceGateway)(nil)
	_ Gateway = (*PaperGateway)(nil)
)
