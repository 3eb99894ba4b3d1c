package plan

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// Approve moves a PROPOSED plan to APPROVED. Legal only before expiry and
// only for plans that passed constraint validation at build time. The status
// write is a compare-and-set committed with its audit event; when a
// concurrent transition wins the race the caller sees ErrInvalidTransition.
func (s *Service) Approve(planID, actor string) (*types.Plan, error) {
	current, err := s.db.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	if current.Status != types.PlanProposed {
		return nil, fmt.Errorf("%w: plan %s is %s", types.ErrInvalidTransition, planID, current.Status)
	}

	now := s.now()
	if now.After(current.ExpiresAt) {
		// A late approval attempt expires the plan as a side effect.
		if expireErr := s.Expire(planID); expireErr != nil {
			log.Error().Err(expireErr).Str("plan_id", planID).Msg("failed to auto-expire plan")
		}
		return nil, fmt.Errorf("%w: plan %s expired at %s", types.ErrExpired, planID, current.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	// An unreadable summary cannot prove the plan passed validation, so it
	// is treated as unapprovable rather than waved through.
	var summary Summary
	if err := json.Unmarshal([]byte(current.Summary), &summary); err != nil {
		return nil, fmt.Errorf("%w: plan %s summary is unreadable: %v",
			types.ErrValidationFailed, planID, err)
	}
	if !summary.Approvable {
		return nil, fmt.Errorf("%w: plan %s was rejected by construction: %v",
			types.ErrValidationFailed, planID, summary.Reasons)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		won, err := s.db.TransitionStatus(tx, planID, types.PlanProposed, types.PlanApproved, map[string]interface{}{
			"approved_at": now,
			"approved_by": actor,
		})
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: plan %s left PROPOSED concurrently", types.ErrInvalidTransition, planID)
		}
		return s.audit.RecordTx(tx, "plan_approved", actor, "plan", planID, nil)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("plan_id", planID).Str("actor", actor).Msg("plan approved")
	return s.db.GetPlan(planID)
}

// Reject moves a PROPOSED plan to REJECTED with a recorded reason.
func (s *Service) Reject(planID, actor, reason string) (*types.Plan, error) {
	current, err := s.db.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	if current.Status != types.PlanProposed {
		return nil, fmt.Errorf("%w: plan %s is %s", types.ErrInvalidTransition, planID, current.Status)
	}

	now := s.now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		won, err := s.db.TransitionStatus(tx, planID, types.PlanProposed, types.PlanRejected, map[string]interface{}{
			"rejected_at":   now,
			"rejected_by":   actor,
			"reject_reason": reason,
		})
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: plan %s left PROPOSED concurrently", types.ErrInvalidTransition, planID)
		}
		return s.audit.RecordTx(tx, "plan_rejected", actor, "plan", planID, map[string]interface{}{
			"reason": reason,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("plan_id", planID).Str("actor", actor).Str("reason", reason).Msg("plan rejected")
	return s.db.GetPlan(planID)
}

// Expire moves a PROPOSED plan past its expiry to EXPIRED. Idempotent:
// expiring an already-expired plan is a no-op, not an error.
func (s *Service) Expire(planID string) error {
	current, err := s.db.GetPlan(planID)
	if err != nil {
		return err
	}
	switch current.Status {
	case types.PlanExpired:
		return nil
	case types.PlanProposed:
		// fall through to the CAS below
	default:
		return fmt.Errorf("%w: plan %s is %s", types.ErrInvalidTransition, planID, current.Status)
	}

	if s.now().Before(current.ExpiresAt) {
		return fmt.Errorf("%w: plan %s does not expire until %s",
			types.ErrInvalidTransition, planID, current.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		won, err := s.db.TransitionStatus(tx, planID, types.PlanProposed, types.PlanExpired, nil)
		if err != nil {
			return err
		}
		if !won {
			// Lost the race; re-read to keep expiry idempotent.
			latest, err := s.db.GetPlan(planID)
			if err != nil {
				return err
			}
			if latest.Status == types.PlanExpired {
				return nil
			}
			return fmt.Errorf("%w: plan %s left PROPOSED concurrently", types.ErrInvalidTransition, planID)
		}
		return s.audit.RecordTx(tx, "plan_expired", "system", "plan", planID, nil)
	})
}

// ExpireDue expires every PROPOSED plan past its expiry. Run periodically by
// the worker; returns the number of plans expired.
func (s *Service) ExpireDue() (int, error) {
	due, err := s.db.ListDueForExpiry(s.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range due {
		if err := s.Expire(p.PlanID); err != nil {
			log.Error().Err(err).Str("plan_id", p.PlanID).Msg("failed to expire plan")
			continue
		}
		expired++
	}
	return expired, nil
}
