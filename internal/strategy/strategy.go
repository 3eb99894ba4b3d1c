// Package strategy ranks a trading universe into target weights. The plan
// builder treats the output as given; implementations must be pure so that a
// plan is reproducible from its config version and data snapshot.
package strategy

import (
	"fmt"
	"sort"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// PricePair holds the current and lookback price for one symbol.
type PricePair struct {
	Current  float64
	Lookback float64
}

// Target is one ranked target-weight output.
type Target struct {
	Symbol       string
	Market       types.Market
	Score        float64
	TargetWeight float64
	Reason       string
}

// Strategy produces ranked target weights from a universe and price history.
type Strategy interface {
	Name() string
	Targets(universeKR, universeUS []string, prices map[string]PricePair) []Target
}

// DualMomentum selects the top momentum names in each market and allocates
// the configured split equally within each bucket.
type DualMomentum struct {
	USTopN  int
	KRTopM  int
	KRSplit float64
	USSplit float64
}

// NewDualMomentum creates the default monthly dual momentum strategy:
// top 5 KR + top 8 US, 40/60 split. Bucket sizes keep the equal weights
// (8% KR, 7.5% US) inside the per-name cap.
func NewDualMomentum() *DualMomentum {
	return &DualMomentum{
		USTopN:  8,
		KRTopM:  5,
		KRSplit: 0.40,
		USSplit: 0.60,
	}
}

func (s *DualMomentum) Name() string { return "dual_momentum" }

// MomentumScore is (current / lookback) - 1, zero when lookback is missing.
func MomentumScore(current, lookback float64) float64 {
	if lookback == 0 {
		return 0
	}
	return current/lookback - 1
}

// Targets ranks both universes and returns the selected names with weights.
// Output order is deterministic: KR bucket first, then US, each sorted by
// score descending with symbol as tiebreak.
func (s *DualMomentum) Targets(universeKR, universeUS []string, prices map[string]PricePair) []Target {
	kr := s.rank(universeKR, types.MarketKR, prices)
	us := s.rank(universeUS, types.MarketUS, prices)

	if len(kr) > s.KRTopM {
		kr = kr[:s.KRTopM]
	}
	if len(us) > s.USTopN {
		us = us[:s.USTopN]
	}

	assignWeights(kr, s.KRSplit)
	assignWeights(us, s.USSplit)

	return append(kr, us...)
}

func (s *DualMomentum) rank(universe []string, market types.Market, prices map[string]PricePair) []Target {
	var scored []Target
	for _, symbol := range universe {
		pair, ok := prices[symbol]
		if !ok {
			continue
		}
		score := MomentumScore(pair.Current, pair.Lookback)
		scored = append(scored, Target{
			Symbol: symbol,
			Market: market,
			Score:  score,
			Reason: fmt.Sprintf("momentum score: %.2f%%", score*100),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Symbol < scored[j].Symbol
	})
	return scored
}

func assignWeights(targets []Target, split float64) {
	if len(targets) == 0 {
		return
	}
	per := split / float64(len(targets))
	for i := range targets {
		targets[i].TargetWeight = per
	}
}
