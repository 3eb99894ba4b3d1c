// The paper driver runs full rebalance cycles in-process against the paper
// broker: seed a portfolio snapshot, generate a plan, approve it, execute it,
// and report what happened. Useful for exercising the whole lifecycle without
// a brokerage connection.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfolio/rebalance-api/internal/audit"
	"github.com/quantfolio/rebalance-api/internal/broker"
	"github.com/quantfolio/rebalance-api/internal/config"
	"github.com/quantfolio/rebalance-api/internal/constraint"
	"github.com/quantfolio/rebalance-api/internal/control"
	"github.com/quantfolio/rebalance-api/internal/database"
	"github.com/quantfolio/rebalance-api/internal/execution"
	"github.com/quantfolio/rebalance-api/internal/notify"
	"github.com/quantfolio/rebalance-api/internal/plan"
	"github.com/quantfolio/rebalance-api/internal/snapshot"
	"github.com/quantfolio/rebalance-api/internal/strategy"
	"github.com/quantfolio/rebalance-api/internal/types"
)

var (
	universeKR = []string{"005930", "000660", "035420", "051910", "005380"}
	universeUS = []string{"AAPL", "MSFT", "NVDA", "GOOG", "AMZN", "META", "TSLA", "AVGO"}
)

// init configures the logger for the paper driver with pretty printing
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase("paper.db")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	currentPrices, lookbackPrices := randomPrices(rng)

	paper := broker.NewPaperBroker(rng.Int63(), quoteList(currentPrices), cfg.PaperCash)
	// Partial liquidity and occasional transient failures exercise the
	// cancel and retry paths.
	paper.LiquidityFactor = 0.9
	paper.FailureRate = 0.05

	recorder := audit.NewRecorder(db)
	snapshots := snapshot.NewService(db)
	controls := control.NewService(db, recorder)
	notifier := notify.NewService(db, recorder, nil)

	plans := plan.NewService(db, recorder, snapshots, paper,
		strategy.NewDualMomentum(), constraint.DefaultLimits(), cfg.PlanExpiryHorizon)

	policy := execution.DefaultPolicy()
	policy.WaitWindow = 3 * time.Second
	policy.PollInterval = 500 * time.Millisecond
	engine := execution.NewEngine(db, recorder, controls, paper, snapshots,
		notifier, types.ModePaper, false, policy)

	if _, err := snapshots.CreatePortfolioSnapshot(types.ModePaper, nil, cfg.PaperCash, cfg.PaperCash, time.Now()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed portfolio snapshot")
	}

	configVersion, err := snapshots.CreateConfigVersion(types.ModePaper, "dual_momentum",
		strategy.NewDualMomentum(), constraint.DefaultLimits(), "paper")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create config version")
	}
	dataSnapshot, err := snapshots.CreateDataSnapshot("paper", time.Now(), map[string]interface{}{
		"universe_kr": universeKR,
		"universe_us": universeUS,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create data snapshot")
	}

	start := time.Now()

	proposed, err := plans.Generate(context.Background(), plan.GenerateInput{
		ConfigVersionID: configVersion.ConfigID,
		DataSnapshotID:  dataSnapshot.SnapshotID,
		UniverseKR:      universeKR,
		UniverseUS:      universeUS,
		LookbackPrices:  lookbackPrices,
		Actor:           "paper",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate plan")
	}
	log.Info().
		Str("plan_id", proposed.PlanID).
		Int("items", len(proposed.Items)).
		Msg("Plan generated")

	approved, err := plans.Approve(proposed.PlanID, "paper")
	if err != nil {
		log.Fatal().Err(err).Str("plan_id", proposed.PlanID).Msg("Failed to approve plan")
	}
	log.Info().Str("plan_id", approved.PlanID).Msg("Plan approved")

	result, err := engine.Start(context.Background(), approved.PlanID, "paper")
	if err != nil {
		log.Fatal().Err(err).Str("plan_id", approved.PlanID).Msg("Execution failed to start")
	}

	printSummary(approved, result, time.Since(start))
}

// randomPrices draws a current and a lookback price per symbol so the
// momentum ranking has something to chew on.
func randomPrices(rng *rand.Rand) (current, lookback map[string]float64) {
	current = make(map[string]float64)
	lookback = make(map[string]float64)
	for _, symbol := range append(append([]string{}, universeKR...), universeUS...) {
		base := 50 + rng.Float64()*450
		drift := 0.8 + rng.Float64()*0.5 // -20% to +30% over the lookback
		lookback[symbol] = base
		current[symbol] = base * drift
	}
	return current, lookback
}

func quoteList(prices map[string]float64) []broker.Quote {
	quotes := make([]broker.Quote, 0, len(prices))
	for symbol, price := range prices {
		quotes = append(quotes, broker.Quote{Symbol: symbol, Price: price})
	}
	return quotes
}

// printSummary outputs the cycle result in a readable report.
func printSummary(p *types.Plan, e *types.Execution, duration time.Duration) {
	counts := map[types.OrderStatus]int{}
	var filledValue float64
	for _, order := range e.Orders {
		counts[order.Status]++
		for _, fill := range order.Fills {
			filledValue += fill.FilledQty * fill.FilledPrice
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 72))
	fmt.Println("PAPER REBALANCE SUMMARY")
	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf(`
Plan:             %s
Execution:        %s (%s)
Plan Items:       %d
Orders:           %d
  Filled:         %d
  Partial:        %d
  Canceled:       %d
  Skipped:        %d
  Failed:         %d
Filled Value:     $%.2f
Duration:         %v
`, p.PlanID, e.ExecutionID, e.Status, len(p.Items), len(e.Orders),
		counts[types.OrderFilled], counts[types.OrderPartial],
		counts[types.OrderCanceled], counts[types.OrderSkipped],
		counts[types.OrderFailed], filledValue, duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 72))

	log.Info().
		Str("execution_id", e.ExecutionID).
		Str("status", string(e.Status)).
		Int("orders", len(e.Orders)).
		Float64("filled_value", filledValue).
		Dur("duration", duration).
		Msg("Paper cycle completed")
}
