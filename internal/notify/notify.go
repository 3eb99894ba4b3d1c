// Package notify dispatches leveled alerts to Slack webhooks. Delivery is
// fire-and-forget: a notification failure never blocks or rolls back the
// state transition that raised it.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/audit"
	"github.com/quantfolio/rebalance-api/internal/types"
	"github.com/quantfolio/rebalance-api/pkg/response"
)

// levelColors maps alert levels to Slack attachment colors.
var levelColors = map[types.AlertLevel]string{
	types.AlertInfo:             "#36a64f",
	types.AlertWarn:             "#f2c744",
	types.AlertError:            "#d00000",
	types.AlertDecisionRequired: "#4a90d9",
}

// Service sends alerts to per-channel Slack webhooks and records each
// dispatch. Channels with no webhook configured are logged and skipped.
type Service struct {
	db       *gorm.DB
	audit    *audit.Recorder
	webhooks map[string]string
	client   *http.Client
}

// NewService creates a notification service. The webhooks map is keyed by
// channel name ("dev", "alerts", "decisions").
func NewService(db *gorm.DB, recorder *audit.Recorder, webhooks map[string]string) *Service {
	return &Service{
		db:       db,
		audit:    recorder,
		webhooks: webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Send records the alert and posts it to the channel's webhook in the
// background. Implements the execution engine's notifier.
func (s *Service) Send(level types.AlertLevel, channel, title string, body map[string]interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Str("title", title).Msg("failed to encode alert body")
		return
	}

	alert := &types.AlertSent{
		AlertID: "ALT_" + uuid.New().String(),
		Level:   level,
		Channel: channel,
		Title:   title,
		Body:    string(raw),
		SentAt:  time.Now(),
	}
	if err := s.db.Create(alert).Error; err != nil {
		log.Error().Err(err).Str("title", title).Msg("failed to record alert")
	}

	// Every dispatch leaves exactly one audit event.
	err = s.audit.Record("notification_sent", "system", "alert", alert.AlertID, map[string]interface{}{
		"level":   string(level),
		"channel": channel,
		"title":   title,
	})
	if err != nil {
		log.Error().Err(err).Str("title", title).Msg("failed to audit alert dispatch")
	}

	webhook := s.webhooks[channel]
	if webhook == "" {
		log.Debug().Str("channel", channel).Str("title", title).Msg("no webhook configured; alert recorded only")
		return
	}

	go s.post(webhook, level, title, body)
}

func (s *Service) post(webhook string, level types.AlertLevel, title string, body map[string]interface{}) {
	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{{
			"color":  levelColors[level],
			"title":  fmt.Sprintf("[%s] %s", level, title),
			"text":   formatFields(body),
			"footer": "rebalance-api",
			"ts":     time.Now().Unix(),
		}},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode slack payload")
		return
	}

	resp, err := s.client.Post(webhook, "application/json", bytes.NewReader(raw))
	if err != nil {
		log.Error().Err(err).Str("title", title).Msg("slack webhook post failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Str("title", title).Msg("slack webhook rejected alert")
	}
}

// formatFields renders the body as sorted key/value lines.
func formatFields(body map[string]interface{}) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %v\n", k, body[k])
	}
	return buf.String()
}

// ListRecent returns the most recent alerts, newest first.
func (s *Service) ListRecent(limit int) ([]types.AlertSent, error) {
	if limit <= 0 {
		limit = 50
	}
	var alerts []types.AlertSent
	err := s.db.Order("sent_at desc").Limit(limit).Find(&alerts).Error
	return alerts, err
}

// GinHandlers contains HTTP handlers for notification endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for notification endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListAlertsHandler handles GET requests for the recent alert log
// Query parameter: limit (default 50)
func (h *GinHandlers) ListAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil {
			response.BadRequest(c, "invalid 'limit'")
			return
		}
		alerts, err := h.service.ListRecent(limit)
		response.Handle(c, alerts, err)
	}
}
