package execution

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// Intent is one order the engine intends to emit, or has decided to skip.
type Intent struct {
	Symbol        string
	Market        types.Market
	Side          types.OrderSide
	Quantity      float64
	OrderType     string
	LimitPrice    float64
	EstimatedCost float64

	Skipped    bool
	SkipReason string
}

// BuildIntents converts plan items into a SELL batch and a rank-ordered BUY
// batch. Deltas are weights of NAV; quantities are priced at the current
// quote. BUY intents are sorted by estimated cost descending so cash flows to
// the highest-conviction names first.
func BuildIntents(items []types.PlanItem, prices map[string]float64, nav float64) (sells, buys []Intent) {
	for _, item := range items {
		price := prices[item.Symbol]
		if price <= 0 || item.DeltaWeight == 0 {
			continue
		}

		amount := decimal.NewFromFloat(item.DeltaWeight).Abs().
			Mul(decimal.NewFromFloat(nav))
		qty, _ := amount.Div(decimal.NewFromFloat(price)).Round(4).Float64()
		if qty <= 0 {
			continue
		}

		intent := Intent{
			Symbol:     item.Symbol,
			Market:     item.Market,
			Quantity:   qty,
			OrderType:  "LIMIT",
			LimitPrice: price,
		}
		cost, _ := amount.Float64()
		intent.EstimatedCost = cost

		if item.DeltaWeight < 0 {
			intent.Side = types.SideSell
			sells = append(sells, intent)
		} else {
			intent.Side = types.SideBuy
			buys = append(buys, intent)
		}
	}

	sort.SliceStable(buys, func(i, j int) bool {
		return buys[i].EstimatedCost > buys[j].EstimatedCost
	})
	return sells, buys
}

// RationBuys walks the rank-ordered BUY batch against the cash available
// after the SELL batch settled, marking every intent past the point of
// exhaustion as skipped with an explicit cash-shortage reason. Skipped
// intents are never sent to the broker. Decimal arithmetic keeps the
// skip boundary exact.
func RationBuys(buys []Intent, cashAvailable float64) []Intent {
	remaining := decimal.NewFromFloat(cashAvailable)

	rationed := make([]Intent, len(buys))
	for i, intent := range buys {
		cost := decimal.NewFromFloat(intent.EstimatedCost)
		if cost.LessThanOrEqual(remaining) {
			remaining = remaining.Sub(cost)
			rationed[i] = intent
			continue
		}

		intent.Skipped = true
		intent.SkipReason = fmt.Sprintf("insufficient cash: need %s, have %s",
			cost.StringFixed(2), remaining.StringFixed(2))
		rationed[i] = intent
	}
	return rationed
}
