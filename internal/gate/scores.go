// Package gate holds the pre-dispatch decision stack: the cognitive
// friction engine (advice), the liability firebreak (hard gate), the
// delegatee router (ai / human / any), and the graduated-authority
// mapping from trust tier to contract terms.
package gate

import "github.com/agentmesh/mesh/internal/core"

// levelScore buckets a categorical attribute level onto [0,1].
func levelScore(l core.AttributeLevel) float64 {
	switch l {
	case core.LevelLow:
		return 0.2
	case core.LevelHigh:
		return 0.9
	default:
		return 0.5
	}
}

// attributeScores are the numeric projections of a TaskAttribute used by
// the router and friction engine. Subjectivity is verifiability inverted.
type attributeScores struct {
	Complexity    float64
	Criticality   float64
	Verifiability float64
	Reversibility float64
	Subjectivity  float64
}

func scoresFor(attr core.TaskAttribute) attributeScores {
	v := levelScore(attr.Verifiability)
	return attributeScores{
		Complexity:    levelScore(attr.Complexity),
		Criticality:   levelScore(attr.Criticality),
		Verifiability: v,
		Reversibility: levelScore(attr.Reversibility),
		Subjectivity:  1 - v,
	}
}
