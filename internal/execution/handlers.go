package execution

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantfolio/rebalance-api/internal/types"
	"github.com/quantfolio/rebalance-api/pkg/response"
)

// GinHandlers contains HTTP handlers for execution endpoints
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates a new set of HTTP handlers for execution endpoints
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

// StartExecutionHandler handles POST requests to execute an approved plan.
// URL parameter: plan_id. The request blocks until the execution reaches a
// terminal status.
func (h *GinHandlers) StartExecutionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetString("clientID")
		if actor == "" {
			actor = "operator"
		}

		execution, err := h.engine.Start(c.Request.Context(), c.Param("plan_id"), actor)
		response.Handle(c, execution, err)
	}
}

// GetExecutionHandler handles GET requests for one execution with its orders
// and fills. URL parameter: execution_id
func (h *GinHandlers) GetExecutionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		execution, err := h.engine.GetExecution(c.Param("execution_id"))
		response.Handle(c, execution, err)
	}
}

// ListExecutionsHandler handles GET requests listing executions
// Query parameters: status, from, to (RFC 3339)
func (h *GinHandlers) ListExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := types.ExecutionStatus(c.Query("status"))

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

		executions, err := h.engine.ListExecutions(status, from, to)
		response.Handle(c, executions, err)
	}
}
