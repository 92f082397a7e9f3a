package gate

import (
	"fmt"

	"github.com/agentmesh/mesh/internal/core"
)

// FirebreakAction is the hard gate's verdict, evaluated immediately
// before dispatch.
type FirebreakAction string

const (
	ActionAllow               FirebreakAction = "allow"
	ActionRequireConfirmation FirebreakAction = "require_confirmation"
	ActionBlock               FirebreakAction = "block"
)

// FirebreakDecision carries the verdict and its reason.
type FirebreakDecision struct {
	Action FirebreakAction `json:"action"`
	Reason string          `json:"reason"`
}

// Firebreak is the liability gate. Unlike friction, its verdict is
// binding.
type Firebreak struct {
	// MaxOutstanding is the outstanding-delegation count above which a
	// high-criticality low-reversibility task is blocked outright.
	MaxOutstanding int
}

// NewFirebreak returns a firebreak with the given outstanding threshold
// (default 3 when non-positive).
func NewFirebreak(maxOutstanding int) *Firebreak {
	if maxOutstanding <= 0 {
		maxOutstanding = 3
	}
	return &Firebreak{MaxOutstanding: maxOutstanding}
}

// Evaluate applies the gate rules:
//
//	block    - criticality high AND reversibility low AND outstanding > threshold
//	confirm  - criticality high OR reversibility low
//	allow    - otherwise
func (f *Firebreak) Evaluate(attr core.TaskAttribute, outstandingDelegations int) FirebreakDecision {
	highCrit := attr.Criticality == core.LevelHigh
	lowRev := attr.Reversibility == core.LevelLow

	if highCrit && lowRev && outstandingDelegations > f.MaxOutstanding {
		return FirebreakDecision{
			Action: ActionBlock,
			Reason: fmt.Sprintf("high criticality, low reversibility, and %d outstanding delegations exceed the limit of %d",
				outstandingDelegations, f.MaxOutstanding),
		}
	}
	if highCrit || lowRev {
		reason := "high criticality"
		if lowRev && !highCrit {
			reason = "low reversibility"
		} else if lowRev {
			reason = "high criticality and low reversibility"
		}
		return FirebreakDecision{Action: ActionRequireConfirmation, Reason: reason}
	}
	return FirebreakDecision{Action: ActionAllow, Reason: "within normal risk bounds"}
}
