package execution

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn inside a database transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

func (d *Database) GetPlanWithItems(planID string) (*types.Plan, error) {
	var plan types.Plan
	err := d.db.Preload("Items").Where("plan_id = ?", planID).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &plan, nil
}

func (d *Database) GetExecution(executionID string) (*types.Execution, error) {
	var execution types.Execution
	err := d.db.Preload("Orders").Preload("Orders.Fills").
		Where("execution_id = ?", executionID).First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &execution, nil
}

func (d *Database) GetExecutionByPlan(planID string) (*types.Execution, error) {
	var execution types.Execution
	err := d.db.Where("plan_id = ?", planID).First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &execution, nil
}

// ListExecutions returns executions filtered by status and start time range,
// newest first.
func (d *Database) ListExecutions(status types.ExecutionStatus, from, to *time.Time) ([]types.Execution, error) {
	query := d.db.Preload("Orders")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if from != nil {
		query = query.Where("started_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("started_at <= ?", *to)
	}

	var executions []types.Execution
	if err := query.Order("started_at desc").Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}

// CountActive returns the number of executions not yet terminal. PENDING
// counts as active: a row sits there between creation and its RUNNING
// transition, and a start for another plan must not slip through that window.
func (d *Database) CountActive() (int64, error) {
	var count int64
	err := d.db.Model(&types.Execution{}).
		Where("status IN ?", []types.ExecutionStatus{types.ExecutionPending, types.ExecutionRunning}).
		Count(&count).Error
	return count, err
}

// TransitionStatus performs the atomic compare-and-set on execution status.
func (d *Database) TransitionStatus(tx *gorm.DB, executionID string, from, to types.ExecutionStatus, updates map[string]interface{}) (bool, error) {
	if _, err := types.NextExecutionStatus(from, to); err != nil {
		return false, err
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to

	result := tx.Model(&types.Execution{}).
		Where("execution_id = ? AND status = ?", executionID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) CreateFill(fill *types.Fill) error {
	return d.db.Create(fill).Error
}

// SumFilled returns the total filled quantity recorded for an order.
func (d *Database) SumFilled(orderUID string) (float64, error) {
	var total float64
	err := d.db.Model(&types.Fill{}).
		Where("order_uid = ?", orderUID).
		Select("COALESCE(SUM(filled_qty), 0)").Scan(&total).Error
	return total, err
}
