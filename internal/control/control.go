package control

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/audit"
	"github.com/quantfolio/rebalance-api/internal/types"
	"github.com/quantfolio/rebalance-api/pkg/response"
)

// Service owns the kill switch: a single control row that every order
// emission must read fresh. Values are never cached across an execution.
type Service struct {
	db    *gorm.DB
	audit *audit.Recorder
}

// NewService creates a new control service with the given database connection
func NewService(db *gorm.DB, recorder *audit.Recorder) *Service {
	return &Service{db: db, audit: recorder}
}

// Get reads the control row, initializing it to OFF if absent.
func (s *Service) Get() (*types.Control, error) {
	var control types.Control
	err := s.db.Where("id = ?", types.ControlRowID).First(&control).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		control = types.Control{ID: types.ControlRowID, KillSwitch: false, UpdatedAt: time.Now()}
		if err := s.db.Create(&control).Error; err != nil {
			return nil, err
		}
		return &control, nil
	}
	if err != nil {
		return nil, err
	}
	return &control, nil
}

// KillSwitchOn reads the freshest kill switch value. Called immediately
// before every order emission, not once per execution.
func (s *Service) KillSwitchOn() (bool, string, error) {
	control, err := s.Get()
	if err != nil {
		return false, "", err
	}
	return control.KillSwitch, control.Reason, nil
}

// Set writes the kill switch. Last write wins; the toggle and its audit
// event commit in the same transaction.
func (s *Service) Set(on bool, reason, actor string) (*types.Control, error) {
	control := &types.Control{
		ID:         types.ControlRowID,
		KillSwitch: on,
		Reason:     reason,
		UpdatedAt:  time.Now(),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(control).Error; err != nil {
			return err
		}
		return s.audit.RecordTx(tx, "kill_switch_set", actor, "control", "", map[string]interface{}{
			"kill_switch": on,
			"reason":      reason,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Warn().
		Bool("kill_switch", on).
		Str("reason", reason).
		Str("actor", actor).
		Msg("kill switch updated")

	return control, nil
}

// GinHandlers contains HTTP handlers for control endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for control endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetControlsHandler handles GET requests for the kill switch state
func (h *GinHandlers) GetControlsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		control, err := h.service.Get()
		response.Handle(c, control, err)
	}
}

// SetKillSwitchHandler handles POST requests to toggle the kill switch
// Request body: {"on": bool, "reason": string}
func (h *GinHandlers) SetKillSwitchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			On     bool   `json:"on"`
			Reason string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		actor := c.GetString("clientID")
		if actor == "" {
			actor = "operator"
		}

		control, err := h.service.Set(request.On, request.Reason, actor)
		response.Handle(c, control, err)
	}
}
