package plan

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

func (d *Database) GetPlan(planID string) (*types.Plan, error) {
	var plan types.Plan
	if err := d.db.Where("plan_id = ?", planID).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &plan, nil
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

// ListPlans returns plans filtered by status and creation time range,
// newest first. Served by the composite status+created_at index.
func (d *Database) ListPlans(status types.PlanStatus, from, to *time.Time) ([]types.Plan, error) {
	query := d.db.Preload("Items")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if from != nil {
		query = query.Where("created_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("created_at <= ?", *to)
	}

	var plans []types.Plan
	if err := query.Order("created_at desc").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

// ListDueForExpiry returns PROPOSED plans whose expiry has passed.
func (d *Database) ListDueForExpiry(now time.Time) ([]types.Plan, error) {
	var plans []types.Plan
	err := d.db.Where("status = ? AND expires_at < ?", types.PlanProposed, now).
		Find(&plans).Error
	return plans, err
}

// TransitionStatus performs the atomic compare-and-set keyed on the current
// status. Returns false when another writer won the race (zero rows matched);
// concurrent approve+reject resolve so exactly one terminal status wins.
func (d *Database) TransitionStatus(tx *gorm.DB, planID string, from, to types.PlanStatus, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to

	result := tx.Model(&types.Plan{}).
		Where("plan_id = ? AND status = ?", planID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
