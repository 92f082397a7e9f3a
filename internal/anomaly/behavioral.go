package anomaly

import "sync"

// Observation is one inferred per-turn behavioural signal for a peer.
type Observation struct {
	Compliant  bool // followed the contract's instructions
	Initiative bool // contributed beyond the literal ask
	SafetyFlag bool // tripped a safety heuristic
}

// BehavioralScorer folds per-turn observations into a composite score
// per peer. Informational: it sits alongside reputation, it does not
// replace it.
type BehavioralScorer struct {
	mu    sync.RWMutex
	peers map[string]*behaviorCounters
}

type behaviorCounters struct {
	turns       int
	compliant   int
	initiative  int
	safetyFlags int
}

// NewBehavioralScorer returns an empty scorer.
func NewBehavioralScorer() *BehavioralScorer {
	return &BehavioralScorer{peers: make(map[string]*behaviorCounters)}
}

// Observe records one turn's observation.
func (b *BehavioralScorer) Observe(nodeID string, obs Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.peers[nodeID]
	if !ok {
		c = &behaviorCounters{}
		b.peers[nodeID] = c
	}
	c.turns++
	if obs.Compliant {
		c.compliant++
	}
	if obs.Initiative {
		c.initiative++
	}
	if obs.SafetyFlag {
		c.safetyFlags++
	}
}

// Score returns the composite behavioural score in [0,1]:
//
//	0.6*complianceRate + 0.2*initiativeRate + 0.2*(1 - safetyFlagRate)
//
// Peers with no observations score the neutral 0.5.
func (b *BehavioralScorer) Score(nodeID string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.peers[nodeID]
	if !ok || c.turns == 0 {
		return 0.5
	}
	n := float64(c.turns)
	return 0.6*float64(c.compliant)/n +
		0.2*float64(c.initiative)/n +
		0.2*(1-float64(c.safetyFlags)/n)
}

// Turns returns how many observations exist for a peer.
func (b *BehavioralScorer) Turns(nodeID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c, ok := b.peers[nodeID]; ok {
		return c.turns
	}
	return 0
}
