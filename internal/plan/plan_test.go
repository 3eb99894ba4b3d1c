package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantfolio/rebalance-api/internal/audit"
	"github.com/quantfolio/rebalance-api/internal/broker"
	"github.com/quantfolio/rebalance-api/internal/constraint"
	"github.com/quantfolio/rebalance-api/internal/snapshot"
	"github.com/quantfolio/rebalance-api/internal/strategy"
	"github.com/quantfolio/rebalance-api/internal/types"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	err = db.AutoMigrate(
		&types.ConfigVersion{}, &types.DataSnapshot{}, &types.PortfolioSnapshot{},
		&types.Run{}, &types.Plan{}, &types.PlanItem{},
		&types.Execution{}, &types.Order{}, &types.Fill{},
		&types.AuditEvent{}, &types.AlertSent{}, &types.Control{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// quoteBroker serves static quotes; everything else is unused by the planner.
type quoteBroker struct {
	quotes map[string]float64
}

func (b *quoteBroker) GetToken(ctx context.Context) (string, error)     { return "test-token", nil }
func (b *quoteBroker) RefreshToken(ctx context.Context) (string, error) { return "test-token", nil }

func (b *quoteBroker) GetQuotes(ctx context.Context, symbols []string) ([]broker.Quote, error) {
	quotes := make([]broker.Quote, 0, len(symbols))
	for _, symbol := range symbols {
		if price, ok := b.quotes[symbol]; ok {
			quotes = append(quotes, broker.Quote{Symbol: symbol, Price: price})
		}
	}
	return quotes, nil
}

func (b *quoteBroker) GetBalance(ctx context.Context) (broker.Balance, error) {
	return broker.Balance{}, nil
}

func (b *quoteBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlacedOrder, error) {
	return broker.PlacedOrder{}, types.NewFatalBrokerError("place", errors.New("not supported"))
}

func (b *quoteBroker) GetOrders(ctx context.Context) ([]broker.OrderState, error) { return nil, nil }

func (b *quoteBroker) GetFills(ctx context.Context, brokerOrderID string) ([]broker.Fill, error) {
	return nil, nil
}

func (b *quoteBroker) CancelOrder(ctx context.Context, brokerOrderID string) error { return nil }

type planFixture struct {
	service   *Service
	db        *gorm.DB
	snapshots *snapshot.Service
	clock     time.Time
}

func newPlanFixture(t *testing.T, quotes map[string]float64) *planFixture {
	t.Helper()
	db := testDB(t)
	recorder := audit.NewRecorder(db)
	snapshots := snapshot.NewService(db)

	service := NewService(db, recorder, snapshots, &quoteBroker{quotes: quotes},
		strategy.NewDualMomentum(), constraint.DefaultLimits(), 24*time.Hour)

	f := &planFixture{
		service:   service,
		db:        db,
		snapshots: snapshots,
		clock:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	service.now = func() time.Time { return f.clock }
	return f
}

func portfolioWith(positions map[string]float64, cash, nav float64) *types.PortfolioSnapshot {
	raw, _ := json.Marshal(positions)
	return &types.PortfolioSnapshot{
		SnapshotID: "PRT_test",
		Positions:  string(raw),
		Cash:       cash,
		NAV:        nav,
		AsOf:       time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}

func sixTargets() []strategy.Target {
	// 40/60 KR/US split with every name at or under the 8% cap.
	return []strategy.Target{
		{Symbol: "005930", Market: types.MarketKR, TargetWeight: 0.08, Reason: "momentum"},
		{Symbol: "000660", Market: types.MarketKR, TargetWeight: 0.08, Reason: "momentum"},
		{Symbol: "AAPL", Market: types.MarketUS, TargetWeight: 0.06, Reason: "momentum"},
		{Symbol: "MSFT", Market: types.MarketUS, TargetWeight: 0.06, Reason: "momentum"},
		{Symbol: "NVDA", Market: types.MarketUS, TargetWeight: 0.06, Reason: "momentum"},
		{Symbol: "GOOG", Market: types.MarketUS, TargetWeight: 0.06, Reason: "momentum"},
	}
}

func targetPrices() map[string]float64 {
	return map[string]float64{
		"005930": 70, "000660": 180,
		"AAPL": 200, "MSFT": 400, "NVDA": 130, "GOOG": 170,
		"VTI": 250,
	}
}

func TestBuildPersistsProposedPlanWithExitItems(t *testing.T) {
	f := newPlanFixture(t, targetPrices())

	// VTI is held but no longer targeted; it must get an exit item.
	plan, err := f.service.Build(BuildInput{
		ConfigVersionID: "CFG_test",
		DataSnapshotID:  "SNP_test",
		Targets:         sixTargets(),
		Prices:          targetPrices(),
		Portfolio:       portfolioWith(map[string]float64{"VTI": 40}, 90_000, 100_000),
		Actor:           "tester",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if plan.Status != types.PlanProposed {
		t.Errorf("status = %s, want PROPOSED", plan.Status)
	}
	if want := f.clock.Add(24 * time.Hour); !plan.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %s, want %s", plan.ExpiresAt, want)
	}
	if len(plan.Items) != 7 {
		t.Fatalf("items = %d, want 6 targets + 1 exit", len(plan.Items))
	}

	exit := plan.Items[len(plan.Items)-1]
	if exit.Symbol != "VTI" || exit.TargetWeight != 0 {
		t.Errorf("expected trailing VTI exit item, got %+v", exit)
	}
	// 40 * 250 / 100000
	if exit.DeltaWeight != -0.1 {
		t.Errorf("exit delta = %v, want -0.1", exit.DeltaWeight)
	}

	var summary Summary
	if err := json.Unmarshal([]byte(plan.Summary), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if !summary.Approvable {
		t.Errorf("plan should be approvable: %v", summary.Reasons)
	}

	events, err := audit.NewRecorder(f.db).ListByRef("plan", plan.PlanID)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "plan_created" {
		t.Errorf("audit trail = %+v, want single plan_created", events)
	}
}

func TestBuildPersistsConstraintRejectedPlanAsUnapprovable(t *testing.T) {
	f := newPlanFixture(t, targetPrices())

	targets := sixTargets()
	targets[2].TargetWeight = 0.5 // far past the per-name cap

	plan, err := f.service.Build(BuildInput{
		ConfigVersionID: "CFG_test",
		DataSnapshotID:  "SNP_test",
		Targets:         targets,
		Prices:          targetPrices(),
		Portfolio:       portfolioWith(nil, 100_000, 100_000),
		Actor:           "tester",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if plan.Status != types.PlanProposed {
		t.Errorf("status = %s, want PROPOSED (persisted for the record)", plan.Status)
	}

	var summary Summary
	if err := json.Unmarshal([]byte(plan.Summary), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Approvable {
		t.Fatal("overweight plan must be unapprovable")
	}

	_, err = f.service.Approve(plan.PlanID, "tester")
	if !errors.Is(err, types.ErrValidationFailed) {
		t.Errorf("approve err = %v, want ErrValidationFailed", err)
	}
}

func TestBuildAbortsOnBadExitPrice(t *testing.T) {
	f := newPlanFixture(t, targetPrices())

	prices := targetPrices()
	delete(prices, "VTI") // held position with no price

	_, err := f.service.Build(BuildInput{
		ConfigVersionID: "CFG_test",
		DataSnapshotID:  "SNP_test",
		Targets:         sixTargets(),
		Prices:          prices,
		Portfolio:       portfolioWith(map[string]float64{"VTI": 40}, 90_000, 100_000),
		Actor:           "tester",
	})
	if !errors.Is(err, types.ErrDataQuality) {
		t.Fatalf("err = %v, want ErrDataQuality", err)
	}

	var count int64
	f.db.Model(&types.Plan{}).Count(&count)
	if count != 0 {
		t.Errorf("plan persisted despite data quality failure")
	}
}

func TestGenerateBuildsFromUniverseAndSnapshot(t *testing.T) {
	quotes := map[string]float64{
		"005930": 77, "000660": 190, "035420": 60, "051910": 400, "005380": 250, "068270": 180,
		"AAPL": 210, "MSFT": 410, "NVDA": 140, "GOOG": 180, "AMZN": 220,
		"META": 500, "TSLA": 260, "AVGO": 190, "ORCL": 120, "INTC": 20,
	}
	f := newPlanFixture(t, quotes)

	if _, err := f.snapshots.CreatePortfolioSnapshot(types.ModePaper, nil, 100_000, 100_000, f.clock); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	lookback := map[string]float64{
		"005930": 70, "000660": 180, "035420": 75, "051910": 380, "005380": 230, "068270": 170,
		"AAPL": 200, "MSFT": 400, "NVDA": 100, "GOOG": 170, "AMZN": 200,
		"META": 480, "TSLA": 250, "AVGO": 180, "ORCL": 130, "INTC": 25,
	}

	plan, err := f.service.Generate(context.Background(), GenerateInput{
		ConfigVersionID: "CFG_test",
		DataSnapshotID:  "SNP_test",
		UniverseKR:      []string{"005930", "000660", "035420", "051910", "005380", "068270"},
		UniverseUS:      []string{"AAPL", "MSFT", "NVDA", "GOOG", "AMZN", "META", "TSLA", "AVGO", "ORCL", "INTC"},
		LookbackPrices:  lookback,
		Actor:           "tester",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Dual momentum picks the top 5 KR and top 8 US names.
	if len(plan.Items) != 13 {
		t.Fatalf("items = %d, want 13", len(plan.Items))
	}
	symbols := map[string]bool{}
	for _, item := range plan.Items {
		symbols[item.Symbol] = true
	}
	// NVDA has the strongest US momentum (100 -> 140); the two declining US
	// names and the declining KR name fall outside the buckets.
	if !symbols["NVDA"] {
		t.Error("NVDA should be targeted")
	}
	if symbols["035420"] {
		t.Error("declining KR name should not be targeted")
	}
	if symbols["INTC"] || symbols["ORCL"] {
		t.Error("declining US names should not be targeted")
	}
}

// Two builds from identical inputs under the same clock must agree on every
// item field; item identifiers additionally derive from the plan and symbol.
func TestBuildIsReproducibleFromIdenticalInputs(t *testing.T) {
	f := newPlanFixture(t, targetPrices())

	build := func() *types.Plan {
		plan, err := f.service.Build(BuildInput{
			ConfigVersionID: "CFG_test",
			DataSnapshotID:  "SNP_test",
			Targets:         sixTargets(),
			Prices:          targetPrices(),
			Portfolio:       portfolioWith(map[string]float64{"VTI": 40}, 90_000, 100_000),
			Actor:           "tester",
		})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return plan
	}

	first := build()
	second := build()

	if len(first.Items) != len(second.Items) {
		t.Fatalf("item counts differ: %d vs %d", len(first.Items), len(second.Items))
	}
	for i := range first.Items {
		a, b := first.Items[i], second.Items[i]
		if a.Symbol != b.Symbol || a.Market != b.Market ||
			a.CurrentWeight != b.CurrentWeight || a.TargetWeight != b.TargetWeight ||
			a.DeltaWeight != b.DeltaWeight || a.Reason != b.Reason || a.Checks != b.Checks {
			t.Errorf("item %d differs:\n  %+v\n  %+v", i, a, b)
		}
	}
	if !first.ExpiresAt.Equal(second.ExpiresAt) {
		t.Errorf("expiries differ: %s vs %s", first.ExpiresAt, second.ExpiresAt)
	}

	for _, item := range first.Items {
		if item.ItemID != itemID(first.PlanID, item.Symbol) {
			t.Errorf("item %s id = %s, not derived from plan and symbol", item.Symbol, item.ItemID)
		}
	}
}

func TestListPlansFiltersByStatus(t *testing.T) {
	f := newPlanFixture(t, targetPrices())

	for i := 0; i < 3; i++ {
		_, err := f.service.Build(BuildInput{
			ConfigVersionID: "CFG_test",
			DataSnapshotID:  "SNP_test",
			Targets:         sixTargets(),
			Prices:          targetPrices(),
			Portfolio:       portfolioWith(nil, 100_000, 100_000),
			Actor:           "tester",
		})
		if err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
	}

	proposed, err := f.service.ListPlans(types.PlanProposed, nil, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(proposed) != 3 {
		t.Errorf("proposed plans = %d, want 3", len(proposed))
	}

	approved, err := f.service.ListPlans(types.PlanApproved, nil, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(approved) != 0 {
		t.Errorf("approved plans = %d, want 0", len(approved))
	}
}
