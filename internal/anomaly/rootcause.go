package anomaly

import (
	"strings"
	"time"

	"github.com/agentmesh/mesh/internal/journal"
	"github.com/agentmesh/mesh/internal/reputation"
)

// RootCause classifies a delegation failure after the fact.
type RootCause string

const (
	CauseSLOTimeout       RootCause = "slo_timeout"
	CauseToolError        RootCause = "tool_error"
	CauseConsensusDissent RootCause = "consensus_dissent"
	CauseBondExhausted    RootCause = "bond_exhausted"
	CauseChronicFailure   RootCause = "chronic_failure"
	CauseUnknown          RootCause = "unknown"
)

// RootCauseAnalyzer classifies error events using the prior window of
// journal events and the peer's recent reputation, and journals a
// root_cause_identified event.
type RootCauseAnalyzer struct {
	reputation *reputation.Store
	recorder   Recorder
}

// NewRootCauseAnalyzer wires the analyzer. Either dependency may be nil.
func NewRootCauseAnalyzer(rep *reputation.Store, recorder Recorder) *RootCauseAnalyzer {
	return &RootCauseAnalyzer{reputation: rep, recorder: recorder}
}

// Analyze inspects the window of events preceding the failure, most
// recent last, and returns the classified cause.
func (a *RootCauseAnalyzer) Analyze(sessionID, taskID, peerNodeID string, window []*journal.Event) RootCause {
	cause := a.classify(peerNodeID, window)

	if a.recorder != nil {
		a.recorder.TryEmit(sessionID, "root_cause_identified", map[string]any{
			"task_id": taskID, "peer_node_id": peerNodeID,
			"root_cause": string(cause),
			"window":     len(window),
			"at":         time.Now().UTC().Format(time.RFC3339),
		})
	}
	return cause
}

func (a *RootCauseAnalyzer) classify(peerNodeID string, window []*journal.Event) RootCause {
	// Walk backwards: the most recent evidence wins.
	for i := len(window) - 1; i >= 0; i-- {
		ev := window[i]
		switch ev.Type {
		case "delegation_timeout":
			return CauseSLOTimeout
		case "slo_violation":
			if issuesMention(ev.Payload, "duration") {
				return CauseSLOTimeout
			}
			return CauseToolError
		case "consensus_failed":
			return CauseConsensusDissent
		case "bond_rejected":
			return CauseBondExhausted
		case "tool_error":
			return CauseToolError
		}
	}

	if a.reputation != nil {
		if rep, ok := a.reputation.Get(peerNodeID); ok && rep.ConsecutiveFailures >= 3 {
			return CauseChronicFailure
		}
	}
	return CauseUnknown
}

func issuesMention(payload map[string]any, substr string) bool {
	issues, ok := payload["issues"].([]any)
	if !ok {
		return false
	}
	for _, issue := range issues {
		if s, ok := issue.(string); ok && strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
