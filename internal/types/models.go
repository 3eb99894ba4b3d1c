package types

import (
	"time"

	"gorm.io/gorm"
)

// ConfigVersion pins the strategy parameters and constraint limits a plan was
// built against. Rows are immutable; plans reference them for reproducibility.
type ConfigVersion struct {
	gorm.Model     `json:"-"`
	ConfigID       string      `gorm:"uniqueIndex" json:"config_id"`
	Mode           TradingMode `json:"mode"`
	StrategyName   string      `json:"strategy_name"`
	StrategyParams string      `json:"strategy_params"` // JSON
	Constraints    string      `json:"constraints"`     // JSON
	CreatedBy      string      `json:"created_by"`
	CreatedAt      time.Time   `json:"created_at"`
}

// DataSnapshot is a frozen view of market data with a source tag.
type DataSnapshot struct {
	gorm.Model `json:"-"`
	SnapshotID string    `gorm:"uniqueIndex" json:"snapshot_id"`
	Source     string    `json:"source"`
	AsOf       time.Time `json:"asof"`
	Meta       string    `json:"meta,omitempty"` // JSON
	CreatedAt  time.Time `json:"created_at"`
}

// PortfolioSnapshot is one observation of positions, cash and NAV.
type PortfolioSnapshot struct {
	gorm.Model `json:"-"`
	SnapshotID string      `gorm:"uniqueIndex" json:"snapshot_id"`
	AsOf       time.Time   `json:"asof"`
	Mode       TradingMode `json:"mode"`
	Positions  string      `json:"positions"` // JSON map symbol -> quantity
	Cash       float64     `json:"cash"`
	NAV        float64     `json:"nav"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Run is a top-level unit of work correlating audit events and notifications.
type Run struct {
	gorm.Model `json:"-"`
	RunID      string     `gorm:"uniqueIndex" json:"run_id"`
	Kind       RunKind    `json:"kind"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Meta       string     `json:"meta,omitempty"` // JSON
	Error      string     `json:"error,omitempty"`
}

// Plan is an immutable proposal to move the portfolio toward target weights.
// Only the status fields move, and only through the approval gate's
// compare-and-set transitions.
type Plan struct {
	gorm.Model      `json:"-"`
	PlanID          string     `gorm:"uniqueIndex" json:"plan_id"`
	RunID           string     `json:"run_id"`
	ConfigVersionID string     `json:"config_version_id"`
	DataSnapshotID  string     `json:"data_snapshot_id"`
	Status          PlanStatus `gorm:"index:idx_plans_status_created" json:"status"`
	Summary         string     `json:"summary"` // JSON
	CreatedAt       time.Time  `gorm:"index:idx_plans_status_created" json:"created_at"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectReason    string     `json:"reject_reason,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`

	Items []PlanItem `gorm:"foreignKey:PlanID;references:PlanID" json:"items,omitempty"`
}

// PlanItem is one symbol's current/target/delta weight within a plan.
// Immutable once the parent plan is persisted.
type PlanItem struct {
	gorm.Model    `json:"-"`
	ItemID        string  `gorm:"uniqueIndex" json:"item_id"`
	PlanID        string  `gorm:"index" json:"plan_id"`
	Symbol        string  `json:"symbol"`
	Market        Market  `json:"market"`
	CurrentWeight float64 `json:"current_weight"`
	TargetWeight  float64 `json:"target_weight"`
	DeltaWeight   float64 `json:"delta_weight"`
	Reason        string  `json:"reason,omitempty"`
	Checks        string  `json:"checks,omitempty"` // JSON
}

// Execution is the at-most-once enactment of an approved plan. The unique
// index on PlanID is the idempotency invariant: a crash-and-retry race cannot
// create a second row for the same plan.
type Execution struct {
	gorm.Model  `json:"-"`
	ExecutionID string          `gorm:"uniqueIndex" json:"execution_id"`
	PlanID      string          `gorm:"uniqueIndex" json:"plan_id"`
	Status      ExecutionStatus `gorm:"index:idx_executions_status_started" json:"status"`
	StartedAt   *time.Time      `gorm:"index:idx_executions_status_started" json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Policy      string          `json:"policy,omitempty"` // JSON snapshot of the execution policy
	Error       string          `json:"error,omitempty"`

	Orders []Order `gorm:"foreignKey:ExecutionID;references:ExecutionID" json:"orders,omitempty"`
}

// Order is a single sell/buy intent within an execution. Quantity is fixed at
// creation; only status, broker id and error are appended afterwards.
type Order struct {
	gorm.Model    `json:"-"`
	OrderUID      string      `gorm:"uniqueIndex" json:"order_uid"`
	PlanID        string      `gorm:"index:idx_orders_plan_status" json:"plan_id"`
	ExecutionID   string      `gorm:"index" json:"execution_id"`
	Symbol        string      `json:"symbol"`
	Market        Market      `json:"market"`
	Side          OrderSide   `json:"side"`
	Quantity      float64     `json:"quantity"`
	OrderType     string      `json:"order_type"` // MARKET or LIMIT
	LimitPrice    float64     `json:"limit_price,omitempty"`
	Status        OrderStatus `gorm:"index:idx_orders_plan_status" json:"status"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`

	Fills []Fill `gorm:"foreignKey:OrderUID;references:OrderUID" json:"fills,omitempty"`
}

// Fill records an executed portion of an order. The sum of FilledQty across
// an order's fills never exceeds the order quantity.
type Fill struct {
	gorm.Model  `json:"-"`
	FillID      string    `gorm:"uniqueIndex" json:"fill_id"`
	OrderUID    string    `gorm:"index" json:"order_uid"`
	FilledQty   float64   `json:"filled_qty"`
	FilledPrice float64   `json:"filled_price"`
	FilledAt    time.Time `json:"filled_at"`
	Raw         string    `json:"raw,omitempty"` // raw broker payload, JSON
}

// AuditEvent is an append-only record of a state transition. Rows are never
// updated or deleted.
type AuditEvent struct {
	gorm.Model `json:"-"`
	EventID    string    `gorm:"uniqueIndex" json:"event_id"`
	EventType  string    `gorm:"index" json:"event_type"`
	Actor      string    `json:"actor"`
	RefType    string    `json:"ref_type,omitempty"`
	RefID      string    `gorm:"index" json:"ref_id,omitempty"`
	Payload    string    `json:"payload,omitempty"` // JSON
	CreatedAt  time.Time `json:"created_at"`
}

// AlertSent records an outbound notification dispatch.
type AlertSent struct {
	gorm.Model `json:"-"`
	AlertID    string     `gorm:"uniqueIndex" json:"alert_id"`
	Level      AlertLevel `json:"level"`
	Channel    string     `json:"channel"`
	Title      string     `json:"title"`
	Body       string     `json:"body"` // JSON
	SentAt     time.Time  `json:"sent_at"`
}

// Control is the kill switch: a single globally mutable row (id 1). It must
// be re-read with the freshest value immediately before any order emission.
type Control struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	KillSwitch bool      `json:"kill_switch"`
	Reason     string    `json:"reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ControlRowID is the fixed primary key of the control row.
const ControlRowID = 1
