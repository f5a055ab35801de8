package model

import "time"

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderRequest describes an order sent to the gateway. Price is the
// reference price the caller used for sizing; StopPrice applies to stop and
// take-profit orders.
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
	ClosePosition bool    `json:"close_position,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

// OrderResult is the gateway's acknowledgement. AvgPrice is zero when the
// fill price is not known yet.
type OrderResult struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	AvgPrice      float64 `json:"avg_price"`
	ExecutedQty   float64 `json:"executed_qty"`
}

// Fill is one account trade with its realized PnL.
type Fill struct {
	OrderID     string    `json:"order_id"`
	Time        time.Time `json:"time"`
	Side        Side      `json:"side"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	RealizedPnL float64   `json:"realized_pnl"`
}

// InstrumentConstraints are the exchange trading rules for a symbol.
type InstrumentConstraints struct {
	QuantityStep      float64 `json:"quantity_step"`
	MinQuantity       float64 `json:"min_quantity"`
	MinNotional       float64 `json:"min_notional"`
	QuantityPrecision int     `json:"quantity_precision"`
	TickSize          float64 `json:"tick_size"`
	PricePrecision    int     `json:"price_precision"`
}
