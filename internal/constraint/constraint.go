package constraint

import (
	"fmt"
	"math"
	"strings"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// Machine-readable reason codes carried on failed checks.
const (
	ReasonMaxPositionsExceeded = "max_positions_exceeded"
	ReasonMaxWeightExceeded    = "max_weight_exceeded"
	ReasonSplitOutOfBand       = "split_out_of_band"
	ReasonBadPrice             = "bad_price"
)

// Limits are the policy limits a candidate plan is validated against.
type Limits struct {
	MaxPositions     int     `json:"max_positions"`
	MaxWeightPerName float64 `json:"max_weight_per_name"`
	KRSplit          float64 `json:"kr_split"`
	USSplit          float64 `json:"us_split"`
	SplitTolerance   float64 `json:"split_tolerance"`
}

// DefaultLimits mirrors the production policy: 20 names max, 8% per name,
// 40/60 KR/US split with a 1% tolerance band.
func DefaultLimits() Limits {
	return Limits{
		MaxPositions:     20,
		MaxWeightPerName: 0.08,
		KRSplit:          0.40,
		USSplit:          0.60,
		SplitTolerance:   0.01,
	}
}

// Candidate is one proposed position the validator inspects.
type Candidate struct {
	Symbol       string
	Market       types.Market
	TargetWeight float64
	CurrentPrice float64
}

// CheckResult is the outcome of a single named rule.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Result is the aggregate validation outcome. Any failing rule rejects the
// whole candidate set; there is no partial acceptance.
type Result struct {
	Accepted bool          `json:"accepted"`
	Checks   []CheckResult `json:"checks"`
}

// Reasons returns the human-readable explanations of all failed checks.
func (r Result) Reasons() []string {
	var reasons []string
	for _, c := range r.Checks {
		if !c.Passed {
			reasons = append(reasons, c.Name+": "+c.Reason)
		}
	}
	return reasons
}

// Validator checks candidate target weights against policy limits.
// It is a pure function of its inputs.
type Validator struct {
	limits Limits
}

// NewValidator creates a validator with the given limits.
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate runs every rule and returns the itemized result.
func (v *Validator) Validate(candidates []Candidate) Result {
	checks := []CheckResult{
		v.checkPositions(candidates),
		v.checkWeightPerName(candidates),
		v.checkSplit(candidates),
		v.checkDataQuality(candidates),
	}

	accepted := true
	for _, c := range checks {
		if !c.Passed {
			accepted = false
		}
	}
	return Result{Accepted: accepted, Checks: checks}
}

func (v *Validator) checkPositions(candidates []Candidate) CheckResult {
	if len(candidates) > v.limits.MaxPositions {
		return CheckResult{
			Name:   "positions",
			Code:   ReasonMaxPositionsExceeded,
			Reason: fmt.Sprintf("positions count %d exceeds max %d", len(candidates), v.limits.MaxPositions),
		}
	}
	return CheckResult{Name: "positions", Passed: true}
}

func (v *Validator) checkWeightPerName(candidates []Candidate) CheckResult {
	var violations []string
	for _, c := range candidates {
		if c.TargetWeight > v.limits.MaxWeightPerName {
			violations = append(violations, fmt.Sprintf("%s: %.2f%% > %.2f%%",
				c.Symbol, c.TargetWeight*100, v.limits.MaxWeightPerName*100))
		}
	}
	if len(violations) > 0 {
		return CheckResult{
			Name:   "weight_per_name",
			Code:   ReasonMaxWeightExceeded,
			Reason: strings.Join(violations, "; "),
		}
	}
	return CheckResult{Name: "weight_per_name", Passed: true}
}

// checkSplit verifies the KR/US allocation sits inside the tolerance band.
// Tolerance absorbs rounding; exact equality is never required.
func (v *Validator) checkSplit(candidates []Candidate) CheckResult {
	var krWeight, usWeight float64
	for _, c := range candidates {
		switch c.Market {
		case types.MarketKR:
			krWeight += c.TargetWeight
		case types.MarketUS:
			usWeight += c.TargetWeight
		}
	}

	total := krWeight + usWeight
	if total == 0 {
		return CheckResult{Name: "kr_us_split", Passed: true}
	}

	krRatio := krWeight / total
	usRatio := usWeight / total
	krDiff := math.Abs(krRatio - v.limits.KRSplit)
	usDiff := math.Abs(usRatio - v.limits.USSplit)

	if krDiff > v.limits.SplitTolerance || usDiff > v.limits.SplitTolerance {
		return CheckResult{
			Name: "kr_us_split",
			Code: ReasonSplitOutOfBand,
			Reason: fmt.Sprintf("KR: %.2f%% (expected %.2f%%), US: %.2f%% (expected %.2f%%)",
				krRatio*100, v.limits.KRSplit*100, usRatio*100, v.limits.USSplit*100),
		}
	}
	return CheckResult{Name: "kr_us_split", Passed: true}
}

func (v *Validator) checkDataQuality(candidates []Candidate) CheckResult {
	var issues []string
	for _, c := range candidates {
		switch {
		case c.CurrentPrice == 0 || math.IsNaN(c.CurrentPrice):
			issues = append(issues, c.Symbol+": missing or zero price")
		case c.CurrentPrice < 0:
			issues = append(issues, c.Symbol+": negative price")
		}
	}
	if len(issues) > 0 {
		return CheckResult{
			Name:   "data_quality",
			Code:   ReasonBadPrice,
			Reason: strings.Join(issues, "; "),
		}
	}
	return CheckResult{Name: "data_quality", Passed: true}
}
