package gate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentmesh/mesh/internal/core"
)

// FrictionLevel is the advisory hesitation band for a delegation.
type FrictionLevel string

const (
	FrictionLow      FrictionLevel = "low"
	FrictionStandard FrictionLevel = "standard"
	FrictionElevated FrictionLevel = "elevated"
	FrictionHigh     FrictionLevel = "high"
	FrictionCritical FrictionLevel = "critical"
)

// FrictionContext is the delegator's current situation.
type FrictionContext struct {
	OutstandingDelegations int
	PeerTrust              float64
	RecentFailures         int
}

// FrictionAdvice is the engine's output. Advice only: the engine never
// blocks by itself.
type FrictionAdvice struct {
	Level  FrictionLevel `json:"level"`
	Score  float64       `json:"score"`
	Reason string        `json:"reason"`
}

// FrictionEngine maps task attributes and current context to a friction
// band. The composite score and reason are deterministic given the
// inputs.
type FrictionEngine struct{}

// NewFrictionEngine returns the engine.
func NewFrictionEngine() *FrictionEngine {
	return &FrictionEngine{}
}

// Assess computes the composite friction score:
//
//	0.30*criticality + 0.20*(1-reversibility) + 0.15*(1-verifiability)
//	+ 0.10*complexity + 0.10*min(1, outstanding/5)
//	+ 0.15*min(1, recentFailures/5) + 0.20*(0.5 - peerTrust)
//
// clamped to [0,1] and mapped to a band at 0.2/0.4/0.6/0.8.
func (e *FrictionEngine) Assess(attr core.TaskAttribute, ctx FrictionContext) FrictionAdvice {
	s := scoresFor(attr)

	outstanding := minf(1, float64(ctx.OutstandingDelegations)/5)
	failures := minf(1, float64(ctx.RecentFailures)/5)

	score := 0.30*s.Criticality +
		0.20*(1-s.Reversibility) +
		0.15*(1-s.Verifiability) +
		0.10*s.Complexity +
		0.10*outstanding +
		0.15*failures +
		0.20*(0.5-ctx.PeerTrust)
	score = clamp01(score)

	return FrictionAdvice{
		Level:  bandFor(score),
		Score:  score,
		Reason: reasonFor(attr, ctx, s),
	}
}

func bandFor(score float64) FrictionLevel {
	switch {
	case score < 0.2:
		return FrictionLow
	case score < 0.4:
		return FrictionStandard
	case score < 0.6:
		return FrictionElevated
	case score < 0.8:
		return FrictionHigh
	default:
		return FrictionCritical
	}
}

// reasonFor names the contributing factors in a fixed order so the same
// inputs always produce the same string.
func reasonFor(attr core.TaskAttribute, ctx FrictionContext, s attributeScores) string {
	var factors []string
	if attr.Criticality == core.LevelHigh {
		factors = append(factors, "high criticality")
	}
	if attr.Reversibility == core.LevelLow {
		factors = append(factors, "low reversibility")
	}
	if attr.Verifiability == core.LevelLow {
		factors = append(factors, "low verifiability")
	}
	if attr.Complexity == core.LevelHigh {
		factors = append(factors, "high complexity")
	}
	if ctx.OutstandingDelegations > 3 {
		factors = append(factors, fmt.Sprintf("%d outstanding delegations", ctx.OutstandingDelegations))
	}
	if ctx.RecentFailures > 0 {
		factors = append(factors, fmt.Sprintf("%d recent failures", ctx.RecentFailures))
	}
	if ctx.PeerTrust < 0.4 {
		factors = append(factors, fmt.Sprintf("peer trust %.2f", ctx.PeerTrust))
	}
	if len(factors) == 0 {
		return "no elevated risk factors"
	}
	sort.Strings(factors)
	return strings.Join(factors, "; ")
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
