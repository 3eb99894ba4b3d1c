// Package broker defines the transport boundary to the brokerage. The
// execution engine, not the adapter, enforces the kill switch and the
// live-mode gate before PlaceOrder is ever invoked.
package broker

import (
	"context"
	"time"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// Quote is a current price for one symbol.
type Quote struct {
	Symbol string       `json:"symbol"`
	Price  float64      `json:"price"`
	Market types.Market `json:"market"`
}

// Balance is the account's cash and positions as the broker sees them.
type Balance struct {
	Cash      float64            `json:"cash"`
	Positions map[string]float64 `json:"positions"`
}

// OrderRequest is a single order intent handed to the broker.
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Market     types.Market    `json:"market"`
	Side       types.OrderSide `json:"side"`
	Quantity   float64         `json:"qty"`
	OrderType  string          `json:"order_type"`
	LimitPrice float64         `json:"limit_price,omitempty"`
}

// PlacedOrder is the broker's acknowledgement of an accepted order.
type PlacedOrder struct {
	BrokerOrderID string `json:"broker_order_id"`
}

// Fill is one executed portion of a placed order.
type Fill struct {
	BrokerOrderID string    `json:"broker_order_id"`
	Quantity      float64   `json:"qty"`
	Price         float64   `json:"price"`
	FilledAt      time.Time `json:"filled_at"`
	Raw           string    `json:"raw,omitempty"`
}

// OrderState is the broker-side view of a placed order.
type OrderState struct {
	BrokerOrderID string  `json:"broker_order_id"`
	Symbol        string  `json:"symbol"`
	FilledQty     float64 `json:"filled_qty"`
	Canceled      bool    `json:"canceled"`
}

// Broker is the full capability set consumed by the execution engine.
type Broker interface {
	GetToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	GetQuotes(ctx context.Context, symbols []string) ([]Quote, error)
	GetBalance(ctx context.Context) (Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (PlacedOrder, error)
	GetOrders(ctx context.Context) ([]OrderState, error)
	GetFills(ctx context.Context, brokerOrderID string) ([]Fill, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}
