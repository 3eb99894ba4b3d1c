package types

// TradingMode selects how orders are ultimately routed.
type TradingMode string

const (
	ModeSimulation TradingMode = "SIMULATION"
	ModePaper      TradingMode = "PAPER"
	ModeLive       TradingMode = "LIVE"
)

// PlanStatus is the lifecycle status of a rebalance plan.
// PROPOSED is the only non-terminal state.
type PlanStatus string

const (
	PlanProposed PlanStatus = "PROPOSED"
	PlanApproved PlanStatus = "APPROVED"
	PlanRejected PlanStatus = "REJECTED"
	PlanExpired  PlanStatus = "EXPIRED"
)

// ExecutionStatus is the lifecycle status of an execution.
type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "PENDING"
	ExecutionRunning  ExecutionStatus = "RUNNING"
	ExecutionDone     ExecutionStatus = "DONE"
	ExecutionFailed   ExecutionStatus = "FAILED"
	ExecutionCanceled ExecutionStatus = "CANCELED"
)

// OrderStatus is the lifecycle status of a single order.
type OrderStatus string

const (
	OrderCreated  OrderStatus = "CREATED"
	OrderSent     OrderStatus = "SENT"
	OrderPartial  OrderStatus = "PARTIAL"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderFailed   OrderStatus = "FAILED"
	OrderSkipped  OrderStatus = "SKIPPED"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Market identifies the exchange venue of a symbol.
type Market string

const (
	MarketKR Market = "KR"
	MarketUS Market = "US"
)

// RunKind classifies a top-level unit of work.
type RunKind string

const (
	RunSimulation RunKind = "SIMULATION"
	RunPaper      RunKind = "PAPER"
	RunPlan       RunKind = "PLAN"
	RunExecute    RunKind = "EXECUTE"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStarted RunStatus = "STARTED"
	RunDone    RunStatus = "DONE"
	RunFailed  RunStatus = "FAILED"
)

// AlertLevel is the severity of an outbound notification.
type AlertLevel string

const (
	AlertInfo             AlertLevel = "INFO"
	AlertWarn             AlertLevel = "WARN"
	AlertError            AlertLevel = "ERROR"
	AlertDecisionRequired AlertLevel = "DECISION_REQUIRED"
)

// planTransitions is the allow-list of plan status moves. Anything not
// listed here is an invalid transition; terminal states have no entries.
var planTransitions = map[PlanStatus][]PlanStatus{
	PlanProposed: {PlanApproved, PlanRejected, PlanExpired},
}

// executionTransitions is the allow-list of execution status moves.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionCanceled, ExecutionFailed},
	ExecutionRunning: {ExecutionDone, ExecutionFailed, ExecutionCanceled},
}

// NextPlanStatus validates a plan status move against the allow-list.
// Returns ErrInvalidTransition for any pair not explicitly permitted.
func NextPlanStatus(current, next PlanStatus) (PlanStatus, error) {
	for _, allowed := range planTransitions[current] {
		if allowed == next {
			return next, nil
		}
	}
	return current, ErrInvalidTransition
}

// NextExecutionStatus validates an execution status move against the allow-list.
func NextExecutionStatus(current, next ExecutionStatus) (ExecutionStatus, error) {
	for _, allowed := range executionTransitions[current] {
		if allowed == next {
			return next, nil
		}
	}
	return current, ErrInvalidTransition
}

// Terminal reports whether a plan status is terminal.
func (s PlanStatus) Terminal() bool {
	return s == PlanApproved || s == PlanRejected || s == PlanExpired
}

// Terminal reports whether an execution status is terminal.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionDone || s == ExecutionFailed || s == ExecutionCanceled
}

// Terminal reports whether an order status is terminal.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderPartial, OrderFilled, OrderCanceled, OrderFailed, OrderSkipped:
		return true
	}
	return false
}
