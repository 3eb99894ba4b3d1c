package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/audit"
	"github.com/quantfolio/rebalance-api/internal/broker"
	"github.com/quantfolio/rebalance-api/internal/control"
	"github.com/quantfolio/rebalance-api/internal/snapshot"
	"github.com/quantfolio/rebalance-api/internal/types"
)

// Notifier dispatches leveled, fire-and-forget notifications. Failures must
// never block or roll back the state transition that triggered them.
type Notifier interface {
	Send(level types.AlertLevel, channel, title string, body map[string]interface{})
}

// Engine consumes an APPROVED plan exactly once: it emits the SELL batch,
// rations the BUY batch against settled cash, and derives the terminal
// execution status from the terminal order statuses. The kill switch is
// re-read before every single order emission.
type Engine struct {
	db        *Database
	audit     *audit.Recorder
	control   *control.Service
	broker    broker.Broker
	snapshots *snapshot.Service
	notifier  Notifier

	mode        types.TradingMode
	liveEnabled bool
	policy      Policy

	// startMu makes "start execution" a single critical section so at most
	// one execution is RUNNING system-wide.
	startMu sync.Mutex

	now func() time.Time
}

// NewEngine creates a new execution engine.
func NewEngine(gormDB *gorm.DB, recorder *audit.Recorder, ctrl *control.Service, brk broker.Broker, snapshots *snapshot.Service, notifier Notifier, mode types.TradingMode, liveEnabled bool, policy Policy) *Engine {
	return &Engine{
		db:          NewDatabase(gormDB),
		audit:       recorder,
		control:     ctrl,
		broker:      brk,
		snapshots:   snapshots,
		notifier:    notifier,
		mode:        mode,
		liveEnabled: liveEnabled,
		policy:      policy,
		now:         time.Now,
	}
}

// Start creates and runs the execution for an approved plan. A second start
// for the same plan fails with ErrAlreadyExecuting/ErrAlreadyExecuted and
// never creates a duplicate row: the unique index on the plan reference
// backs the in-process checks.
func (e *Engine) Start(ctx context.Context, planID, actor string) (*types.Execution, error) {
	logger := log.With().Str("service", "execution").Str("plan_id", planID).Logger()

	plan, err := e.db.GetPlanWithItems(planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != types.PlanApproved {
		return nil, fmt.Errorf("%w: plan %s is %s", types.ErrNotApproved, planID, plan.Status)
	}
	if e.mode == types.ModeLive && !e.liveEnabled {
		return nil, types.ErrLiveTradingDisabled
	}
	if len(plan.Items) == 0 {
		return nil, fmt.Errorf("plan %s has no items", planID)
	}

	execution, err := e.createExecution(planID, actor)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("execution_id", execution.ExecutionID).Msg("execution created")
	return e.run(ctx, plan, execution, actor)
}

// createExecution inserts the PENDING execution under the global start lock.
// The unique plan_id index closes the crash-and-retry race the lock cannot.
func (e *Engine) createExecution(planID, actor string) (*types.Execution, error) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if existing, err := e.db.GetExecutionByPlan(planID); err == nil {
		return nil, executionExistsError(existing)
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	active, err := e.db.CountActive()
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, fmt.Errorf("%w: another execution is active", types.ErrAlreadyExecuting)
	}

	policyJSON, err := json.Marshal(e.policy)
	if err != nil {
		return nil, err
	}

	execution := &types.Execution{
		ExecutionID: "EXC_" + uuid.New().String(),
		PlanID:      planID,
		Status:      types.ExecutionPending,
		Policy:      string(policyJSON),
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(execution).Error; err != nil {
			return err
		}
		return e.audit.RecordTx(tx, "execution_created", actor, "execution", execution.ExecutionID, map[string]interface{}{
			"plan_id": planID,
		})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if existing, getErr := e.db.GetExecutionByPlan(planID); getErr == nil {
				return nil, executionExistsError(existing)
			}
		}
		return nil, err
	}
	return execution, nil
}

func executionExistsError(existing *types.Execution) error {
	if existing.Status.Terminal() {
		return fmt.Errorf("%w: execution %s is %s", types.ErrAlreadyExecuted, existing.ExecutionID, existing.Status)
	}
	return fmt.Errorf("%w: execution %s is %s", types.ErrAlreadyExecuting, existing.ExecutionID, existing.Status)
}

// run drives a freshly created execution to a terminal status.
func (e *Engine) run(ctx context.Context, plan *types.Plan, execution *types.Execution, actor string) (*types.Execution, error) {
	logger := log.With().
		Str("service", "execution").
		Str("execution_id", execution.ExecutionID).
		Logger()

	// Entry guard: the switch may have flipped since the caller checked.
	if on, reason, err := e.control.KillSwitchOn(); err != nil {
		return nil, err
	} else if on {
		logger.Warn().Str("reason", reason).Msg("kill switch on at start; canceling execution")
		if err := e.finish(execution, types.ExecutionPending, types.ExecutionCanceled, "kill switch on: "+reason); err != nil {
			return nil, err
		}
		e.notifier.Send(types.AlertWarn, "alerts", "Execution canceled by kill switch", map[string]interface{}{
			"execution_id": execution.ExecutionID,
			"plan_id":      plan.PlanID,
			"reason":       reason,
		})
		return e.db.GetExecution(execution.ExecutionID)
	}

	startedAt := e.now()
	run := &types.Run{
		RunID:     "RUN_" + uuid.New().String(),
		Kind:      types.RunExecute,
		Status:    types.RunStarted,
		StartedAt: startedAt,
	}

	err := e.db.Transaction(func(tx *gorm.DB) error {
		won, err := e.db.TransitionStatus(tx, execution.ExecutionID, types.ExecutionPending, types.ExecutionRunning, map[string]interface{}{
			"started_at": startedAt,
		})
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: execution %s left PENDING concurrently", types.ErrAlreadyExecuting, execution.ExecutionID)
		}
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		return e.audit.RecordTx(tx, "execution_started", actor, "execution", execution.ExecutionID, nil)
	})
	if err != nil {
		return nil, err
	}

	outcome := e.emitOrders(ctx, plan, execution)

	finalStatus, finalError := e.deriveOutcome(outcome)
	if err := e.finish(execution, types.ExecutionRunning, finalStatus, finalError); err != nil {
		return nil, err
	}

	endedAt := e.now()
	run.Status = types.RunDone
	if finalStatus == types.ExecutionFailed {
		run.Status = types.RunFailed
		run.Error = finalError
	}
	run.EndedAt = &endedAt
	if err := e.db.db.Save(run).Error; err != nil {
		logger.Error().Err(err).Msg("failed to update run")
	}

	e.notifyOutcome(plan, execution, finalStatus, outcome)

	logger.Info().
		Str("status", string(finalStatus)).
		Int("orders_emitted", outcome.emitted).
		Int("orders_failed", outcome.failed).
		Int("orders_skipped", outcome.skipped).
		Msg("execution finished")

	return e.db.GetExecution(execution.ExecutionID)
}

// outcome accumulates per-order results for terminal status derivation.
type outcome struct {
	emitted         int
	failed          int
	skipped         int
	killSwitchTrip  bool
	killSwitchError string
	// fatal records a failure before or outside order emission (missing
	// quotes, missing snapshot). It always fails the execution regardless
	// of the order-failure policy.
	fatal string
}

// emitOrders walks the SELL batch, settles it, then rations and walks the
// BUY batch. SELL outcomes are fully observed before any BUY is emitted.
func (e *Engine) emitOrders(ctx context.Context, plan *types.Plan, execution *types.Execution) outcome {
	var out outcome

	prices, err := e.quotePrices(ctx, plan)
	if err != nil {
		out.fatal = err.Error()
		log.Error().Err(err).Msg("failed to quote plan symbols")
		return out
	}

	portfolio, err := e.snapshots.LatestPortfolioSnapshot()
	if err != nil {
		out.fatal = "no portfolio snapshot: " + err.Error()
		log.Error().Err(err).Msg("no portfolio snapshot for execution")
		return out
	}

	sells, buys := BuildIntents(plan.Items, prices, portfolio.NAV)

	var proceeds float64
	for i, intent := range sells {
		if e.killSwitchTripped(&out) {
			e.skipRemaining(plan, execution, append(sells[i:], buys...), "kill switch", &out)
			return out
		}
		filledValue := e.emitOne(ctx, plan, execution, intent, &out)
		proceeds += filledValue
	}

	if e.killSwitchTripped(&out) {
		e.skipRemaining(plan, execution, buys, "kill switch", &out)
		return out
	}

	cashAvailable := portfolio.Cash + proceeds
	buys = RationBuys(buys, cashAvailable)

	for i, intent := range buys {
		if intent.Skipped {
			e.recordSkipped(plan, execution, intent, intent.SkipReason, &out)
			continue
		}
		if e.killSwitchTripped(&out) {
			e.skipRemaining(plan, execution, buys[i:], "kill switch", &out)
			return out
		}
		e.emitOne(ctx, plan, execution, intent, &out)
	}
	return out
}

// killSwitchTripped reads the freshest kill switch value before an emission.
func (e *Engine) killSwitchTripped(out *outcome) bool {
	on, reason, err := e.control.KillSwitchOn()
	if err != nil {
		log.Error().Err(err).Msg("failed to read kill switch; refusing to emit")
		out.killSwitchTrip = true
		out.killSwitchError = "kill switch unreadable: " + err.Error()
		return true
	}
	if on {
		out.killSwitchTrip = true
		if out.killSwitchError == "" {
			out.killSwitchError = "kill switch on: " + reason
		}
		return true
	}
	return false
}

// emitOne places a single order with bounded retry, waits out the fill
// window, and cancels any unfilled remainder. Returns the filled value so
// SELL proceeds can fund the BUY batch. A terminal order failure forces the
// kill switch on to demand human attention.
func (e *Engine) emitOne(ctx context.Context, plan *types.Plan, execution *types.Execution, intent Intent, out *outcome) float64 {
	logger := log.With().
		Str("execution_id", execution.ExecutionID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Logger()

	order := &types.Order{
		OrderUID:    "ORD_" + uuid.New().String(),
		PlanID:      plan.PlanID,
		ExecutionID: execution.ExecutionID,
		Symbol:      intent.Symbol,
		Market:      intent.Market,
		Side:        intent.Side,
		Quantity:    intent.Quantity,
		OrderType:   intent.OrderType,
		LimitPrice:  intent.LimitPrice,
		Status:      types.OrderCreated,
		CreatedAt:   e.now(),
	}
	if err := e.db.CreateOrder(order); err != nil {
		logger.Error().Err(err).Msg("failed to persist order")
		out.failed++
		return 0
	}
	out.emitted++

	var placed broker.PlacedOrder
	err := e.policy.retry(ctx, func() error {
		p, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:     intent.Symbol,
			Market:     intent.Market,
			Side:       intent.Side,
			Quantity:   intent.Quantity,
			OrderType:  intent.OrderType,
			LimitPrice: intent.LimitPrice,
		})
		if err != nil {
			return err
		}
		placed = p
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("order placement failed after retries")
		e.transitionOrder(order, types.OrderFailed, err.Error(), "order_failed")
		out.failed++
		e.tripKillSwitch(execution, order, err)
		return 0
	}

	order.BrokerOrderID = placed.BrokerOrderID
	e.transitionOrder(order, types.OrderSent, "", "order_sent")

	return e.awaitFills(ctx, order)
}

// awaitFills polls fills for the wait window, then cancels the unfilled
// remainder (T+X cancellation, no re-submission).
func (e *Engine) awaitFills(ctx context.Context, order *types.Order) float64 {
	logger := log.With().
		Str("order_uid", order.OrderUID).
		Str("broker_order_id", order.BrokerOrderID).
		Logger()

	deadline := e.now().Add(e.policy.WaitWindow)
	recorded := 0
	var filledQty, filledValue float64

	for {
		fills, err := e.broker.GetFills(ctx, order.BrokerOrderID)
		if err != nil {
			logger.Warn().Err(err).Msg("fill poll failed")
		} else {
			for _, f := range fills[recorded:] {
				qty := f.Quantity
				if filledQty+qty > order.Quantity {
					// Never record more than the order quantity.
					qty = order.Quantity - filledQty
				}
				if qty <= 0 {
					continue
				}
				fill := &types.Fill{
					FillID:      "FIL_" + uuid.New().String(),
					OrderUID:    order.OrderUID,
					FilledQty:   qty,
					FilledPrice: f.Price,
					FilledAt:    f.FilledAt,
					Raw:         f.Raw,
				}
				if err := e.db.CreateFill(fill); err != nil {
					logger.Error().Err(err).Msg("failed to persist fill")
					continue
				}
				filledQty += qty
				filledValue += qty * f.Price
			}
			recorded = len(fills)
		}

		if filledQty >= order.Quantity {
			e.transitionOrder(order, types.OrderFilled, "", "order_filled")
			return filledValue
		}
		if e.now().After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			logger.Warn().Msg("context canceled while awaiting fills")
			deadline = e.now() // force cancellation path
		case <-time.After(e.policy.PollInterval):
		}
		if e.now().After(deadline) {
			break
		}
	}

	if err := e.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		logger.Error().Err(err).Msg("failed to cancel unfilled remainder")
	}

	// The terminal status reflects the fills actually persisted, not the
	// in-memory tally.
	persisted, err := e.db.SumFilled(order.OrderUID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to sum persisted fills")
		persisted = filledQty
	}
	reason := fmt.Sprintf("wait window elapsed; canceled unfilled %.4f of %.4f",
		order.Quantity-persisted, order.Quantity)
	if persisted > 0 {
		e.transitionOrder(order, types.OrderPartial, reason, "order_partial")
	} else {
		e.transitionOrder(order, types.OrderCanceled, reason, "order_canceled")
	}
	return filledValue
}

// transitionOrder persists an order status move with its audit event in one
// transaction.
func (e *Engine) transitionOrder(order *types.Order, status types.OrderStatus, errText, eventType string) {
	order.Status = status
	if errText != "" {
		order.Error = errText
	}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		return e.audit.RecordTx(tx, eventType, "system", "order", order.OrderUID, map[string]interface{}{
			"symbol": order.Symbol,
			"side":   string(order.Side),
			"status": string(status),
		})
	})
	if err != nil {
		log.Error().Err(err).Str("order_uid", order.OrderUID).Msg("failed to persist order transition")
	}
}

// recordSkipped persists a skipped order that is never sent to the broker.
func (e *Engine) recordSkipped(plan *types.Plan, execution *types.Execution, intent Intent, reason string, out *outcome) {
	order := &types.Order{
		OrderUID:    "ORD_" + uuid.New().String(),
		PlanID:      plan.PlanID,
		ExecutionID: execution.ExecutionID,
		Symbol:      intent.Symbol,
		Market:      intent.Market,
		Side:        intent.Side,
		Quantity:    intent.Quantity,
		OrderType:   intent.OrderType,
		LimitPrice:  intent.LimitPrice,
		Status:      types.OrderSkipped,
		Error:       reason,
		CreatedAt:   e.now(),
	}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		return e.audit.RecordTx(tx, "order_skipped", "system", "order", order.OrderUID, map[string]interface{}{
			"symbol": order.Symbol,
			"side":   string(order.Side),
			"reason": reason,
		})
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", intent.Symbol).Msg("failed to persist skipped order")
		return
	}
	out.skipped++
}

func (e *Engine) skipRemaining(plan *types.Plan, execution *types.Execution, intents []Intent, reason string, out *outcome) {
	for _, intent := range intents {
		e.recordSkipped(plan, execution, intent, reason, out)
	}
}

// tripKillSwitch forces the kill switch on after a terminal order failure
// and raises an error-level notification.
func (e *Engine) tripKillSwitch(execution *types.Execution, order *types.Order, cause error) {
	reason := fmt.Sprintf("order %s failed: %v", order.OrderUID, cause)
	if _, err := e.control.Set(true, reason, "system"); err != nil {
		log.Error().Err(err).Msg("failed to force kill switch on")
	}
	e.notifier.Send(types.AlertError, "alerts", "Order failed; kill switch forced on", map[string]interface{}{
		"execution_id": execution.ExecutionID,
		"order_uid":    order.OrderUID,
		"symbol":       order.Symbol,
		"error":        cause.Error(),
	})
}

// deriveOutcome maps the set of terminal order statuses to the execution's
// terminal status, honoring the explicit fail-on-order-failure policy.
func (e *Engine) deriveOutcome(out outcome) (types.ExecutionStatus, string) {
	switch {
	case out.fatal != "":
		return types.ExecutionFailed, out.fatal
	case out.failed > 0 && e.policy.FailOnOrderFailure:
		return types.ExecutionFailed, out.killSwitchError
	case out.killSwitchTrip && out.failed == 0:
		return types.ExecutionCanceled, out.killSwitchError
	default:
		return types.ExecutionDone, ""
	}
}

// finish drives the execution to a terminal status with its audit event.
func (e *Engine) finish(execution *types.Execution, from, to types.ExecutionStatus, errText string) error {
	endedAt := e.now()
	updates := map[string]interface{}{"ended_at": endedAt}
	if errText != "" {
		updates["error"] = errText
	}

	return e.db.Transaction(func(tx *gorm.DB) error {
		won, err := e.db.TransitionStatus(tx, execution.ExecutionID, from, to, updates)
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: execution %s left %s concurrently", types.ErrInvalidTransition, execution.ExecutionID, from)
		}
		return e.audit.RecordTx(tx, "execution_"+strings.ToLower(string(to)), "system", "execution", execution.ExecutionID, map[string]interface{}{
			"error": errText,
		})
	})
}

func (e *Engine) notifyOutcome(plan *types.Plan, execution *types.Execution, status types.ExecutionStatus, out outcome) {
	level := types.AlertInfo
	if status == types.ExecutionFailed {
		level = types.AlertError
	} else if status == types.ExecutionCanceled {
		level = types.AlertWarn
	}
	e.notifier.Send(level, "dev", "Execution "+string(status), map[string]interface{}{
		"execution_id":   execution.ExecutionID,
		"plan_id":        plan.PlanID,
		"orders_emitted": out.emitted,
		"orders_failed":  out.failed,
		"orders_skipped": out.skipped,
	})
}

func (e *Engine) quotePrices(ctx context.Context, plan *types.Plan) (map[string]float64, error) {
	symbols := make([]string, 0, len(plan.Items))
	for _, item := range plan.Items {
		symbols = append(symbols, item.Symbol)
	}
	quotes, err := e.broker.GetQuotes(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}

	prices := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		prices[q.Symbol] = q.Price
	}
	for _, item := range plan.Items {
		if prices[item.Symbol] <= 0 {
			return nil, fmt.Errorf("%w: %s: missing or zero quote", types.ErrDataQuality, item.Symbol)
		}
	}
	return prices, nil
}

// GetExecution retrieves an execution with orders and fills.
func (e *Engine) GetExecution(executionID string) (*types.Execution, error) {
	return e.db.GetExecution(executionID)
}

// ListExecutions returns executions filtered by status and time range.
func (e *Engine) ListExecutions(status types.ExecutionStatus, from, to *time.Time) ([]types.Execution, error) {
	return e.db.ListExecutions(status, from, to)
}
