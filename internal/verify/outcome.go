// Package verify checks delegation results: OutcomeVerifier scores a
// single result against its contract's SLO, and ConsensusVerifier runs
// multi-voter agreement rounds over result hashes.
package verify

import (
	"fmt"

	"github.com/agentmesh/mesh/internal/core"
)

// Verification is the outcome of checking one result against a contract.
type Verification struct {
	Verified      bool     `json:"verified"`
	SLOCompliance bool     `json:"slo_compliance"`
	Issues        []string `json:"issues,omitempty"`
}

// OutcomeVerifier checks SLO compliance. In strict mode (the default)
// any violation fails verification; otherwise issues are reported but a
// completed result still verifies.
type OutcomeVerifier struct {
	Strict bool
}

// NewOutcomeVerifier returns a verifier in the given mode.
func NewOutcomeVerifier(strict bool) *OutcomeVerifier {
	return &OutcomeVerifier{Strict: strict}
}

// Verify checks the result's status, resource consumption, findings
// count, and tool usage against the contract.
func (v *OutcomeVerifier) Verify(contract core.DelegationContract, result core.SwarmTaskResult) Verification {
	var issues []string

	completed := result.Status == core.TaskCompleted
	if !completed {
		issues = append(issues, fmt.Sprintf("status is %s, not completed", result.Status))
	}

	// Compliance is judged on the SLO terms alone. A failed task that
	// stayed within every cap is non-verified but still compliant, and
	// escrow and reputation treat those two outcomes differently.
	var sloIssues []string
	if contract.SLO.MaxDurationMs > 0 && result.DurationMs > contract.SLO.MaxDurationMs {
		sloIssues = append(sloIssues, fmt.Sprintf("duration %dms exceeds SLO %dms",
			result.DurationMs, contract.SLO.MaxDurationMs))
	}
	if contract.SLO.MaxTokens > 0 && result.TokensUsed > contract.SLO.MaxTokens {
		sloIssues = append(sloIssues, fmt.Sprintf("tokens %d exceed SLO %d",
			result.TokensUsed, contract.SLO.MaxTokens))
	}
	if contract.SLO.MaxCostUSD > 0 && result.CostUSD > contract.SLO.MaxCostUSD {
		sloIssues = append(sloIssues, fmt.Sprintf("cost $%.4f exceeds SLO $%.4f",
			result.CostUSD, contract.SLO.MaxCostUSD))
	}
	if contract.SLO.MinFindings > 0 && len(result.Findings) < contract.SLO.MinFindings {
		sloIssues = append(sloIssues, fmt.Sprintf("%d findings below minimum %d",
			len(result.Findings), contract.SLO.MinFindings))
	}
	for _, f := range result.Findings {
		if !contract.Boundary.Allows(f.ToolName) {
			sloIssues = append(sloIssues, fmt.Sprintf("tool %q outside permission boundary", f.ToolName))
		}
	}
	issues = append(issues, sloIssues...)

	compliant := len(sloIssues) == 0
	verified := completed && compliant
	if !v.Strict {
		verified = completed
	}
	return Verification{Verified: verified, SLOCompliance: compliant, Issues: issues}
}
