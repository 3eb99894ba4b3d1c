package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// PaperBroker simulates a brokerage in-process. Latency, liquidity and
// transient failures are drawn from a seedable source so tests can pin
// the behavior down.
type PaperBroker struct {
	mu     sync.Mutex
	rng    *rand.Rand
	quotes map[string]Quote
	cash   float64

	// LiquidityFactor is the fraction of an order that fills immediately;
	// the remainder never fills, exercising the T+X cancel path.
	LiquidityFactor float64
	// FailureRate is the probability PlaceOrder returns a transient error.
	FailureRate float64
	// MinLatency/MaxLatency bound the simulated transport delay.
	MinLatency time.Duration
	MaxLatency time.Duration

	orders map[string]*paperOrder
	seq    int64
}

type paperOrder struct {
	req       OrderRequest
	filledQty float64
	price     float64
	canceled  bool
	fills     []Fill
}

// NewPaperBroker creates a paper broker with full immediate fills and no
// failures. Tests and the paper driver tune the knobs directly.
func NewPaperBroker(seed int64, quotes []Quote, cash float64) *PaperBroker {
	quoteMap := make(map[string]Quote, len(quotes))
	for _, q := range quotes {
		quoteMap[q.Symbol] = q
	}
	return &PaperBroker{
		rng:             rand.New(rand.NewSource(seed)),
		quotes:          quoteMap,
		cash:            cash,
		LiquidityFactor: 1.0,
		orders:          make(map[string]*paperOrder),
	}
}

// SetQuotes replaces the current quote book. The paper driver feeds prices
// through here between plan cycles.
func (b *PaperBroker) SetQuotes(quotes []Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range quotes {
		b.quotes[q.Symbol] = q
	}
}

func (b *PaperBroker) GetToken(ctx context.Context) (string, error) {
	return "paper-token", nil
}

func (b *PaperBroker) RefreshToken(ctx context.Context) (string, error) {
	return "paper-token", nil
}

func (b *PaperBroker) GetQuotes(ctx context.Context, symbols []string) ([]Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	quotes := make([]Quote, 0, len(symbols))
	for _, symbol := range symbols {
		if q, ok := b.quotes[symbol]; ok {
			quotes = append(quotes, q)
		}
	}
	return quotes, nil
}

func (b *PaperBroker) GetBalance(ctx context.Context) (Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make(map[string]float64)
	for _, o := range b.orders {
		if o.req.Side == types.SideBuy {
			positions[o.req.Symbol] += o.filledQty
		} else {
			positions[o.req.Symbol] -= o.filledQty
		}
	}
	return Balance{Cash: b.cash, Positions: positions}, nil
}

// PlaceOrder accepts the order and fills it up to the liquidity factor at
// the limit price. The unfilled remainder stays open until canceled.
func (b *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (PlacedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.MaxLatency > b.MinLatency {
		latency := b.MinLatency + time.Duration(b.rng.Int63n(int64(b.MaxLatency-b.MinLatency)))
		time.Sleep(latency)
	}

	if b.FailureRate > 0 && b.rng.Float64() < b.FailureRate {
		return PlacedOrder{}, types.NewTransientBrokerError("place_order",
			fmt.Errorf("simulated transport failure for %s", req.Symbol))
	}

	price := req.LimitPrice
	if price == 0 {
		if q, ok := b.quotes[req.Symbol]; ok {
			price = q.Price
		}
	}

	b.seq++
	id := fmt.Sprintf("PAPER-%d", b.seq)
	order := &paperOrder{req: req, price: price}

	filled := req.Quantity * b.LiquidityFactor
	if filled > 0 {
		raw, _ := json.Marshal(map[string]interface{}{
			"venue": "paper", "symbol": req.Symbol, "qty": filled, "price": price,
		})
		order.filledQty = filled
		order.fills = append(order.fills, Fill{
			BrokerOrderID: id,
			Quantity:      filled,
			Price:         price,
			FilledAt:      time.Now(),
			Raw:           string(raw),
		})

		if req.Side == types.SideBuy {
			b.cash -= filled * price
		} else {
			b.cash += filled * price
		}
	}

	b.orders[id] = order

	log.Debug().
		Str("broker_order_id", id).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("qty", req.Quantity).
		Float64("filled_qty", order.filledQty).
		Msg("paper order placed")

	return PlacedOrder{BrokerOrderID: id}, nil
}

func (b *PaperBroker) GetOrders(ctx context.Context) ([]OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make([]OrderState, 0, len(b.orders))
	for id, o := range b.orders {
		states = append(states, OrderState{
			BrokerOrderID: id,
			Symbol:        o.req.Symbol,
			FilledQty:     o.filledQty,
			Canceled:      o.canceled,
		})
	}
	return states, nil
}

func (b *PaperBroker) GetFills(ctx context.Context, brokerOrderID string) ([]Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, types.NewFatalBrokerError("get_fills",
			fmt.Errorf("unknown broker order %s", brokerOrderID))
	}
	return append([]Fill(nil), order.fills...), nil
}

func (b *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return types.NewFatalBrokerError("cancel_order",
			fmt.Errorf("unknown broker order %s", brokerOrderID))
	}
	order.canceled = true
	return nil
}
