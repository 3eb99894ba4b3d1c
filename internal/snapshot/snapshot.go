package snapshot

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/types"
	"github.com/quantfolio/rebalance-api/pkg/response"
)

// Service stores the versioned inputs a plan is derived from: config
// versions, data snapshots and portfolio snapshots. All rows are immutable.
type Service struct {
	db *gorm.DB
}

// NewService creates a new snapshot service with the given database connection
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateConfigVersion persists a new immutable config version.
func (s *Service) CreateConfigVersion(mode types.TradingMode, strategyName string, strategyParams, constraints interface{}, createdBy string) (*types.ConfigVersion, error) {
	params, err := json.Marshal(strategyParams)
	if err != nil {
		return nil, err
	}
	limits, err := json.Marshal(constraints)
	if err != nil {
		return nil, err
	}

	config := &types.ConfigVersion{
		ConfigID:       "CFG_" + uuid.New().String(),
		Mode:           mode,
		StrategyName:   strategyName,
		StrategyParams: string(params),
		Constraints:    string(limits),
		CreatedBy:      createdBy,
		CreatedAt:      time.Now(),
	}
	if err := s.db.Create(config).Error; err != nil {
		return nil, err
	}
	return config, nil
}

// GetConfigVersion retrieves a config version by its ID.
func (s *Service) GetConfigVersion(configID string) (*types.ConfigVersion, error) {
	var config types.ConfigVersion
	if err := s.db.Where("config_id = ?", configID).First(&config).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &config, nil
}

// CreateDataSnapshot persists a frozen view of market data.
func (s *Service) CreateDataSnapshot(source string, asof time.Time, meta interface{}) (*types.DataSnapshot, error) {
	snapshot := &types.DataSnapshot{
		SnapshotID: "SNP_" + uuid.New().String(),
		Source:     source,
		AsOf:       asof,
		CreatedAt:  time.Now(),
	}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		snapshot.Meta = string(raw)
	}
	if err := s.db.Create(snapshot).Error; err != nil {
		return nil, err
	}
	return snapshot, nil
}

// GetDataSnapshot retrieves a data snapshot by its ID.
func (s *Service) GetDataSnapshot(snapshotID string) (*types.DataSnapshot, error) {
	var snapshot types.DataSnapshot
	if err := s.db.Where("snapshot_id = ?", snapshotID).First(&snapshot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

// CreatePortfolioSnapshot persists one observation of positions and cash.
func (s *Service) CreatePortfolioSnapshot(mode types.TradingMode, positions map[string]float64, cash, nav float64, asof time.Time) (*types.PortfolioSnapshot, error) {
	raw, err := json.Marshal(positions)
	if err != nil {
		return nil, err
	}

	snapshot := &types.PortfolioSnapshot{
		SnapshotID: "PRT_" + uuid.New().String(),
		AsOf:       asof,
		Mode:       mode,
		Positions:  string(raw),
		Cash:       cash,
		NAV:        nav,
		CreatedAt:  time.Now(),
	}
	if err := s.db.Create(snapshot).Error; err != nil {
		return nil, err
	}
	return snapshot, nil
}

// LatestPortfolioSnapshot returns the most recent portfolio observation.
func (s *Service) LatestPortfolioSnapshot() (*types.PortfolioSnapshot, error) {
	var snapshot types.PortfolioSnapshot
	if err := s.db.Order("as_of desc").First(&snapshot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

// Positions decodes a portfolio snapshot's positions map.
func Positions(snapshot *types.PortfolioSnapshot) (map[string]float64, error) {
	positions := make(map[string]float64)
	if snapshot.Positions == "" {
		return positions, nil
	}
	if err := json.Unmarshal([]byte(snapshot.Positions), &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GinHandlers contains HTTP handlers for snapshot endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for snapshot endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// LatestPortfolioHandler handles GET requests for the latest portfolio snapshot
func (h *GinHandlers) LatestPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot, err := h.service.LatestPortfolioSnapshot()
		response.Handle(c, snapshot, err)
	}
}
