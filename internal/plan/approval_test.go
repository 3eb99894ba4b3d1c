package plan

import (
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/quantfolio/rebalance-api/internal/audit"
	"github.com/quantfolio/rebalance-api/internal/types"
)

func buildProposedPlan(t *testing.T, f *planFixture) *types.Plan {
	t.Helper()
	plan, err := f.service.Build(BuildInput{
		ConfigVersionID: "CFG_test",
		DataSnapshotID:  "SNP_test",
		Targets:         sixTargets(),
		Prices:          targetPrices(),
		Portfolio:       portfolioWith(nil, 100_000, 100_000),
		Actor:           "tester",
	})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	return plan
}

func TestApproveMovesProposedToApproved(t *testing.T) {
	f := newPlanFixture(t, targetPrices())
	plan := buildProposedPlan(t, f)

	approved, err := f.service.Approve(plan.PlanID, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != types.PlanApproved {
		t.Errorf("status = %s, want APPROVED", approved.Status)
	}
	if approved.ApprovedBy != "alice" {
		t.Errorf("approved_by = %q, want alice", approved.ApprovedBy)
	}
	if approved.ApprovedAt == nil || !approved.ApprovedAt.Equal(f.clock) {
		t.Errorf("approved_at = %v, want fixture clock", approved.ApprovedAt)
	}

	events, err := audit.NewRecorder(f.db).ListByRef("plan", plan.PlanID)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	var sawApproval bool
	for _, e := range events {
		if e.EventType == "plan_approved" && e.Actor == "alice" {
			sawApproval = true
		}
	}
	if !sawApproval {
		t.Error("missing plan_approved audit event")
	}
}

func TestRejectRecordsReason(t *testing.T) {
	f := newPlanFixture(t, targetPrices())
	plan := buildProposedPlan(t, f)

	rejected, err := f.service.Reject(plan.PlanID, "bob", "turnover too high")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != types.PlanRejected {
		t.Errorf("status = %s, want REJECTED", rejected.Status)
	}
	if rejected.RejectReason != "turnover too high" {
		t.Errorf("reject_reason = %q", rejected.RejectReason)
	}
	if rejected.RejectedBy != "bob" {
		t.Errorf("rejected_by = %q, want bob", rejected.RejectedBy)
	}
}

func TestApproveRefusesUnreadableSummary(t *testing.T) {
	f := newPlanFixture(t, targetPrices())
	plan := buildProposedPlan(t, f)

	err := f.db.Model(&types.Plan{}).Where("plan_id = ?", plan.PlanID).
		Update("summary", "{not json").Error
	if err != nil {
		t.Fatalf("corrupt summary: %v", err)
	}

	if _, err := f.service.Approve(plan.PlanID, "alice"); !errors.Is(err, types.ErrValidationFailed) {
		t.Fatalf("approve err = %v, want ErrValidationFailed", err)
	}

	latest, err := f.service.GetPlan(plan.PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if latest.Status != types.PlanProposed {
		t.Errorf("status = %s, want PROPOSED untouched", latest.Status)
	}
}

func TestTerminalStatusesRefuseFurtherTransitions(t *testing.T) {
	f := newPlanFixture(t, targetPrices())
	plan := buildProposedPlan(t, f)

	if _, err := f.service.Approve(plan.PlanID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := f.service.Reject(plan.PlanID, "bob", "changed my mind"); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("reject after approve err = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.service.Approve(plan.PlanID, "alice"); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("double approve err = %v, want ErrInvalidTransition", err)
	}
}

func TestLateApprovalExpiresThePlan(t *testing.T) {
	f := newPlanFixture(t, targetPrices())
	plan := buildProposedPlan(t, f)

	f.clock = f.clock.Add(25 * time.Hour)

	_, err := f.service.Approve(plan.PlanID, "alice")
	if !errors.Is(err, types.ErrExpired) {
		t.Fatalf("late approve err = %v, want ErrExpired", err)
	}

	latest, err := f.service.GetPlan(plan.PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if latest.Status != types.PlanExpired {
		t.Errorf("status = %s, want EXPIRED after late approval attempt", latest.Status)
	}
}

func TestExpireBeforeHorizonIsRejected(t *testing.T) {
	f := newPlanFixture(t, targetPrices())
	plan := buildProposedPlan(t, f)

	err := f.service.Expire(plan.PlanID)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("early expire err = %v, want ErrInvalidTransition", err)
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	f := newPlanFixture(t, targetPrices())
	plan := buildProposedPlan(t, f)

	f.clock = f.clock.Add(25 * time.Hour)

	if err := f.service.Expire(plan.PlanID); err != nil {
		t.Fatalf("first expire: %v", err)
	}
	if err := f.service.Expire(plan.PlanID); err != nil {
		t.Fatalf("second expire should be a no-op, got %v", err)
	}

	latest, err := f.service.GetPlan(plan.PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if latest.Status != types.PlanExpired {
		t.Errorf("status = %s, want EXPIRED", latest.Status)
	}
}

func TestExpireDueSweepsOnlyPastHorizonPlans(t *testing.T) {
	f := newPlanFixture(t, targetPrices())

	stale1 := buildProposedPlan(t, f)
	stale2 := buildProposedPlan(t, f)

	f.clock = f.clock.Add(25 * time.Hour)
	fresh := buildProposedPlan(t, f)

	expired, err := f.service.ExpireDue()
	if err != nil {
		t.Fatalf("expire due: %v", err)
	}
	if expired != 2 {
		t.Errorf("expired = %d, want 2", expired)
	}

	for _, planID := range []string{stale1.PlanID, stale2.PlanID} {
		latest, err := f.service.GetPlan(planID)
		if err != nil {
			t.Fatalf("get plan: %v", err)
		}
		if latest.Status != types.PlanExpired {
			t.Errorf("plan %s status = %s, want EXPIRED", planID, latest.Status)
		}
	}

	latest, err := f.service.GetPlan(fresh.PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if latest.Status != types.PlanProposed {
		t.Errorf("fresh plan status = %s, want PROPOSED", latest.Status)
	}
}

// The compare-and-set refuses a transition whose precondition status was
// overtaken by a concurrent writer.
func TestTransitionStatusLosesWhenStatusMoved(t *testing.T) {
	f := newPlanFixture(t, targetPrices())
	plan := buildProposedPlan(t, f)

	if _, err := f.service.Approve(plan.PlanID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	err := f.db.Transaction(func(tx *gorm.DB) error {
		won, err := f.service.db.TransitionStatus(tx, plan.PlanID, types.PlanProposed, types.PlanRejected, nil)
		if err != nil {
			return err
		}
		if won {
			t.Error("stale compare-and-set should not win")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	latest, err := f.service.GetPlan(plan.PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if latest.Status != types.PlanApproved {
		t.Errorf("status = %s, want APPROVED untouched", latest.Status)
	}
}
