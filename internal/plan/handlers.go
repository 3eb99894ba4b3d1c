package plan

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantfolio/rebalance-api/internal/types"
	"github.com/quantfolio/rebalance-api/pkg/response"
)

// GinHandlers contains HTTP handlers for plan endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for plan endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func actorFrom(c *gin.Context) string {
	if actor := c.GetString("clientID"); actor != "" {
		return actor
	}
	return "operator"
}

// GeneratePlanHandler handles POST requests to generate a new plan from the
// universe and the latest portfolio snapshot.
func (h *GinHandlers) GeneratePlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			ConfigVersionID string             `json:"config_version_id" binding:"required"`
			DataSnapshotID  string             `json:"data_snapshot_id" binding:"required"`
			UniverseKR      []string           `json:"universe_kr"`
			UniverseUS      []string           `json:"universe_us"`
			LookbackPrices  map[string]float64 `json:"lookback_prices"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		plan, err := h.service.Generate(c.Request.Context(), GenerateInput{
			ConfigVersionID: request.ConfigVersionID,
			DataSnapshotID:  request.DataSnapshotID,
			UniverseKR:      request.UniverseKR,
			UniverseUS:      request.UniverseUS,
			LookbackPrices:  request.LookbackPrices,
			Actor:           actorFrom(c),
		})
		response.Handle(c, plan, err)
	}
}

// ListPlansHandler handles GET requests listing plans by status and time range
// Query parameters: status, from, to (RFC 3339)
func (h *GinHandlers) ListPlansHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := types.PlanStatus(c.Query("status"))

		var from, to *time.Time
		if raw := c.Query("from"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "invalid 'from' timestamp")
				return
			}
			from = &parsed
		}
		if raw := c.Query("to"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "invalid 'to' timestamp")
				return
			}
			to = &parsed
		}

		plans, err := h.service.ListPlans(status, from, to)
		response.Handle(c, plans, err)
	}
}

// GetPlanHandler handles GET requests for a single plan with items
// URL parameter: plan_id
func (h *GinHandlers) GetPlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		plan, err := h.service.GetPlan(c.Param("plan_id"))
		response.Handle(c, plan, err)
	}
}

// ApprovePlanHandler handles POST requests to approve a plan
// URL parameter: plan_id
func (h *GinHandlers) ApprovePlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		plan, err := h.service.Approve(c.Param("plan_id"), actorFrom(c))
		response.Handle(c, plan, err)
	}
}

// RejectPlanHandler handles POST requests to reject a plan
// URL parameter: plan_id; body: {"reason": string}
func (h *GinHandlers) RejectPlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		plan, err := h.service.Reject(c.Param("plan_id"), actorFrom(c), request.Reason)
		response.Handle(c, plan, err)
	}
}

// ExpirePlanHandler handles POST requests to expire a plan past its horizon
// URL parameter: plan_id
func (h *GinHandlers) ExpirePlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		planID := c.Param("plan_id")
		if err := h.service.Expire(planID); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"status": "expired", "plan_id": planID})
	}
}
