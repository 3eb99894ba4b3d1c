package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"

	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeExpired             = "EXPIRED"
	ErrCodeNotApproved         = "NOT_APPROVED"
	ErrCodeAlreadyExecuted     = "ALREADY_EXECUTED"
	ErrCodeAlreadyExecuting    = "ALREADY_EXECUTING"
	ErrCodeKillSwitchOn        = "KILL_SWITCH_ON"
	ErrCodeLiveTradingDisabled = "LIVE_TRADING_DISABLED"
	ErrCodeDataQuality         = "DATA_QUALITY_ERROR"
	ErrCodeBrokerError         = "BROKER_ERROR"
)

// Handle processes the error and returns the appropriate response.
// Domain errors map to structured codes so callers always see a reason.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, types.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, types.ErrValidationFailed):
		fail(c, http.StatusUnprocessableEntity, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, types.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, types.ErrExpired):
		fail(c, http.StatusConflict, ErrCodeExpired, err.Error())
	case errors.Is(err, types.ErrNotApproved):
		fail(c, http.StatusForbidden, ErrCodeNotApproved, err.Error())
	case errors.Is(err, types.ErrAlreadyExecuted):
		fail(c, http.StatusConflict, ErrCodeAlreadyExecuted, err.Error())
	case errors.Is(err, types.ErrAlreadyExecuting):
		fail(c, http.StatusConflict, ErrCodeAlreadyExecuting, err.Error())
	case errors.Is(err, types.ErrKillSwitchOn):
		fail(c, http.StatusConflict, ErrCodeKillSwitchOn, err.Error())
	case errors.Is(err, types.ErrLiveTradingDisabled):
		fail(c, http.StatusForbidden, ErrCodeLiveTradingDisabled, err.Error())
	case errors.Is(err, types.ErrDataQuality):
		fail(c, http.StatusUnprocessableEntity, ErrCodeDataQuality, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		var be *types.BrokerError
		if errors.As(err, &be) {
			fail(c, http.StatusBadGateway, ErrCodeBrokerError, be.Error())
			return
		}
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
