package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/audit"
	"github.com/quantfolio/rebalance-api/internal/broker"
	"github.com/quantfolio/rebalance-api/internal/constraint"
	"github.com/quantfolio/rebalance-api/internal/snapshot"
	"github.com/quantfolio/rebalance-api/internal/strategy"
	"github.com/quantfolio/rebalance-api/internal/types"
)

// Service builds rebalance plans and owns the approval gate.
type Service struct {
	db        *Database
	audit     *audit.Recorder
	validator *constraint.Validator
	snapshots *snapshot.Service
	broker    broker.Broker
	strategy  strategy.Strategy

	expiryHorizon time.Duration

	// now is injectable for tests; everything time-dependent flows through it.
	now func() time.Time
}

// NewService creates a new plan service with the given database connection
func NewService(gormDB *gorm.DB, recorder *audit.Recorder, snapshots *snapshot.Service, brk broker.Broker, strat strategy.Strategy, limits constraint.Limits, expiryHorizon time.Duration) *Service {
	return &Service{
		db:            NewDatabase(gormDB),
		audit:         recorder,
		validator:     constraint.NewValidator(limits),
		snapshots:     snapshots,
		broker:        brk,
		strategy:      strat,
		expiryHorizon: expiryHorizon,
		now:           time.Now,
	}
}

// Summary is the aggregate annotation persisted on every plan. Approvable is
// false for plans rejected by construction; the gate refuses to approve them.
type Summary struct {
	Approvable bool                     `json:"approvable"`
	Reasons    []string                 `json:"reasons,omitempty"`
	Checks     []constraint.CheckResult `json:"checks"`
	ItemCount  int                      `json:"item_count"`
	Turnover   float64                  `json:"turnover"`
}

// BuildInput carries everything a plan derives from. The builder is a pure
// function of this input plus the service clock.
type BuildInput struct {
	ConfigVersionID string
	DataSnapshotID  string
	Targets         []strategy.Target
	Prices          map[string]float64
	Portfolio       *types.PortfolioSnapshot
	Actor           string
}

// Build assembles plan items, validates the aggregate, and persists the plan
// as PROPOSED together with its run and audit event in one transaction.
// A constraint-rejected plan is still persisted, annotated unapprovable, so
// the rationale stays visible. Data-quality failures abort before persistence.
func (s *Service) Build(input BuildInput) (*types.Plan, error) {
	logger := log.With().Str("service", "plan").Logger()

	positions, err := snapshot.Positions(input.Portfolio)
	if err != nil {
		return nil, fmt.Errorf("decode portfolio positions: %w", err)
	}

	currentWeights := make(map[string]float64, len(positions))
	if input.Portfolio.NAV > 0 {
		for symbol, qty := range positions {
			currentWeights[symbol] = qty * input.Prices[symbol] / input.Portfolio.NAV
		}
	}

	items, candidates, err := s.assembleItems(input, positions, currentWeights)
	if err != nil {
		return nil, err
	}

	result := s.validator.Validate(candidates)
	for _, check := range result.Checks {
		if !check.Passed && check.Code == constraint.ReasonBadPrice {
			return nil, fmt.Errorf("%w: %s", types.ErrDataQuality, check.Reason)
		}
	}

	now := s.now()
	summary := Summary{
		Approvable: result.Accepted,
		Reasons:    result.Reasons(),
		Checks:     result.Checks,
		ItemCount:  len(items),
		Turnover:   turnover(items),
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		RunID:     "RUN_" + uuid.New().String(),
		Kind:      types.RunPlan,
		Status:    types.RunDone,
		StartedAt: now,
		EndedAt:   &now,
	}
	plan := &types.Plan{
		PlanID:          "PLN_" + uuid.New().String(),
		RunID:           run.RunID,
		ConfigVersionID: input.ConfigVersionID,
		DataSnapshotID:  input.DataSnapshotID,
		Status:          types.PlanProposed,
		Summary:         string(summaryJSON),
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.expiryHorizon),
	}
	for i := range items {
		items[i].PlanID = plan.PlanID
		items[i].ItemID = itemID(plan.PlanID, items[i].Symbol)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if err := tx.Create(plan).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		return s.audit.RecordTx(tx, "plan_created", input.Actor, "plan", plan.PlanID, map[string]interface{}{
			"approvable": result.Accepted,
			"item_count": len(items),
			"reasons":    result.Reasons(),
		})
	})
	if err != nil {
		return nil, err
	}

	plan.Items = items
	logger.Info().
		Str("plan_id", plan.PlanID).
		Bool("approvable", result.Accepted).
		Int("items", len(items)).
		Time("expires_at", plan.ExpiresAt).
		Msg("plan created")

	return plan, nil
}

// assembleItems builds one item per target plus an exit item for every held
// symbol the strategy dropped. Exit order is sorted for reproducibility.
func (s *Service) assembleItems(input BuildInput, positions map[string]float64, currentWeights map[string]float64) ([]types.PlanItem, []constraint.Candidate, error) {
	targeted := make(map[string]bool, len(input.Targets))
	items := make([]types.PlanItem, 0, len(input.Targets))
	candidates := make([]constraint.Candidate, 0, len(input.Targets))

	for _, target := range input.Targets {
		targeted[target.Symbol] = true
		current := currentWeights[target.Symbol]
		checks, err := json.Marshal(map[string]interface{}{"score": target.Score})
		if err != nil {
			return nil, nil, err
		}
		items = append(items, types.PlanItem{
			Symbol:        target.Symbol,
			Market:        target.Market,
			CurrentWeight: current,
			TargetWeight:  target.TargetWeight,
			DeltaWeight:   target.TargetWeight - current,
			Reason:        target.Reason,
			Checks:        string(checks),
		})
		candidates = append(candidates, constraint.Candidate{
			Symbol:       target.Symbol,
			Market:       target.Market,
			TargetWeight: target.TargetWeight,
			CurrentPrice: input.Prices[target.Symbol],
		})
	}

	var exits []string
	for symbol := range positions {
		if !targeted[symbol] {
			exits = append(exits, symbol)
		}
	}
	sort.Strings(exits)

	for _, symbol := range exits {
		price := input.Prices[symbol]
		if price <= 0 {
			return nil, nil, fmt.Errorf("%w: %s: missing or zero price for exit", types.ErrDataQuality, symbol)
		}
		current := currentWeights[symbol]
		items = append(items, types.PlanItem{
			Symbol:        symbol,
			Market:        marketOf(symbol),
			CurrentWeight: current,
			TargetWeight:  0,
			DeltaWeight:   -current,
			Reason:        "exited universe",
		})
	}

	return items, candidates, nil
}

// GenerateInput drives plan generation end to end: rank the universe with
// the strategy, price it through the broker, and build against the latest
// portfolio snapshot.
type GenerateInput struct {
	ConfigVersionID string
	DataSnapshotID  string
	UniverseKR      []string
	UniverseUS      []string
	LookbackPrices  map[string]float64
	Actor           string
}

// Generate runs the strategy over the universe and builds the plan.
func (s *Service) Generate(ctx context.Context, input GenerateInput) (*types.Plan, error) {
	portfolio, err := s.snapshots.LatestPortfolioSnapshot()
	if err != nil {
		return nil, fmt.Errorf("load portfolio snapshot: %w", err)
	}

	symbols := append(append([]string{}, input.UniverseKR...), input.UniverseUS...)
	positions, err := snapshot.Positions(portfolio)
	if err != nil {
		return nil, err
	}
	for symbol := range positions {
		symbols = append(symbols, symbol)
	}

	quotes, err := s.broker.GetQuotes(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}

	prices := make(map[string]float64, len(quotes))
	pairs := make(map[string]strategy.PricePair, len(quotes))
	for _, q := range quotes {
		prices[q.Symbol] = q.Price
		pairs[q.Symbol] = strategy.PricePair{
			Current:  q.Price,
			Lookback: input.LookbackPrices[q.Symbol],
		}
	}

	targets := s.strategy.Targets(input.UniverseKR, input.UniverseUS, pairs)

	return s.Build(BuildInput{
		ConfigVersionID: input.ConfigVersionID,
		DataSnapshotID:  input.DataSnapshotID,
		Targets:         targets,
		Prices:          prices,
		Portfolio:       portfolio,
		Actor:           input.Actor,
	})
}

// GetPlan retrieves a plan with its items.
func (s *Service) GetPlan(planID string) (*types.Plan, error) {
	return s.db.GetPlanWithItems(planID)
}

// ListPlans returns plans filtered by status and time range.
func (s *Service) ListPlans(status types.PlanStatus, from, to *time.Time) ([]types.Plan, error) {
	return s.db.ListPlans(status, from, to)
}

// itemID derives a stable item identifier from the plan and symbol, so a plan
// rebuilt from identical inputs reproduces its rows, identifiers included.
func itemID(planID, symbol string) string {
	return "ITM_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(planID+"/"+symbol)).String()
}

func turnover(items []types.PlanItem) float64 {
	var total float64
	for _, item := range items {
		total += math.Abs(item.DeltaWeight)
	}
	return total
}

// marketOf infers the market of a held symbol outside the universe lists.
// KR symbols are numeric codes; anything else trades in the US book.
func marketOf(symbol string) types.Market {
	for _, r := range symbol {
		if r < '0' || r > '9' {
			return types.MarketUS
		}
	}
	return types.MarketKR
}
