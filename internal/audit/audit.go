package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// Recorder appends audit events. Transition callers pass their open
// transaction so the audit write commits atomically with the state change;
// audit completeness is a correctness property here, not best-effort logging.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder creates a new audit recorder backed by the given database.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// RecordTx appends an audit event within the caller's transaction.
func (r *Recorder) RecordTx(tx *gorm.DB, eventType, actor, refType, refID string, payload map[string]interface{}) error {
	event := &types.AuditEvent{
		EventID:   "AUD_" + uuid.New().String(),
		EventType: eventType,
		Actor:     actor,
		RefType:   refType,
		RefID:     refID,
		CreatedAt: time.Now(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		event.Payload = string(raw)
	}

	if err := tx.Create(event).Error; err != nil {
		return err
	}

	log.Debug().
		Str("event_type", eventType).
		Str("actor", actor).
		Str("ref_type", refType).
		Str("ref_id", refID).
		Msg("audit event recorded")

	return nil
}

// Record appends an audit event outside any transaction. Used for events
// that do not accompany a state transition, such as notification dispatches.
func (r *Recorder) Record(eventType, actor, refType, refID string, payload map[string]interface{}) error {
	return r.RecordTx(r.db, eventType, actor, refType, refID, payload)
}

// ListByRef returns all audit events for a referenced entity, oldest first.
func (r *Recorder) ListByRef(refType, refID string) ([]types.AuditEvent, error) {
	var events []types.AuditEvent
	err := r.db.Where("ref_type = ? AND ref_id = ?", refType, refID).
		Order("created_at asc").
		Find(&events).Error
	return events, err
}
