package database

import (
	"github.com/quantfolio/rebalance-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection.
// TranslateError maps driver unique-constraint failures to
// gorm.ErrDuplicatedKey, which the execution idempotency check relies on.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.ConfigVersion{},
		&types.DataSnapshot{},
		&types.PortfolioSnapshot{},
		&types.Run{},
		&types.Plan{},
		&types.PlanItem{},
		&types.Execution{},
		&types.Order{},
		&types.Fill{},
		&types.AuditEvent{},
		&types.AlertSent{},
		&types.Control{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
