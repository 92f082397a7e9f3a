package gate

import "github.com/agentmesh/mesh/internal/core"

// RouteTarget is who a subtask should be delegated to.
type RouteTarget string

const (
	TargetAI    RouteTarget = "ai"
	TargetHuman RouteTarget = "human"
	TargetAny   RouteTarget = "any"
)

// RouteDecision is the router's output.
type RouteDecision struct {
	Target     RouteTarget `json:"target"`
	Confidence float64     `json:"confidence"`
	Reasons    []string    `json:"reasons"`
}

// Router maps a subtask to ai / human / any via a deterministic rule
// stack; the first matching rule wins.
type Router struct{}

// NewRouter returns the router.
func NewRouter() *Router {
	return &Router{}
}

// Route applies the rule stack in order:
//
//  1. explicit delegation_target=human
//  2. criticality > 0.7 and reversibility < 0.3       → human
//  3. verifiability < 0.3                             → human
//  4. subjectivity > 0.7                              → human
//  5. verifiability > 0.7 and criticality < 0.5       → ai
//  6. default                                         → any
func (r *Router) Route(attr core.TaskAttribute) RouteDecision {
	if attr.DelegationTarget == string(TargetHuman) {
		return RouteDecision{
			Target: TargetHuman, Confidence: 1.0,
			Reasons: []string{"explicitly marked for human delegation"},
		}
	}

	s := scoresFor(attr)

	if s.Criticality > 0.7 && s.Reversibility < 0.3 {
		return RouteDecision{
			Target: TargetHuman, Confidence: 0.9,
			Reasons: []string{"critical and hard to reverse"},
		}
	}
	if s.Verifiability < 0.3 {
		return RouteDecision{
			Target: TargetHuman, Confidence: 0.8,
			Reasons: []string{"outcome is hard to verify"},
		}
	}
	if s.Subjectivity > 0.7 {
		return RouteDecision{
			Target: TargetHuman, Confidence: 0.8,
			Reasons: []string{"subjective judgement required"},
		}
	}
	if s.Verifiability > 0.7 && s.Criticality < 0.5 {
		return RouteDecision{
			Target: TargetAI, Confidence: 0.85,
			Reasons: []string{"verifiable and low stakes"},
		}
	}
	return RouteDecision{
		Target: TargetAny, Confidence: 0.6,
		Reasons: []string{"no routing rule matched"},
	}
}
