package gate

import "github.com/agentmesh/mesh/internal/core"

// Authority is the tier-adjusted contract terms for a delegation.
type Authority struct {
	SLO        core.SLO        `json:"slo"`
	Monitoring core.Monitoring `json:"monitoring"`
}

// GraduatedAuthority derives tier-specific authority from a base SLO and
// monitoring requirement. Pure function, no hidden state:
//
//	low    - 0.5× duration, 0.5× tokens, 0.25× cost; verbose monitoring
//	         with mandatory checkpoints
//	medium - baseline SLO, standard monitoring
//	high   - 1.5× duration, 2× cost; checkpoints optional
//	elite  - high's SLO relaxation with non-essential monitoring removed
func GraduatedAuthority(tier core.TrustTier, base core.SLO, baseMon core.Monitoring) Authority {
	slo := base
	mon := baseMon

	switch tier {
	case core.TierLow:
		slo.MaxDurationMs = base.MaxDurationMs / 2
		slo.MaxTokens = base.MaxTokens / 2
		slo.MaxCostUSD = base.MaxCostUSD / 4
		mon.Level = core.MonitoringVerbose
		mon.RequireCheckpoints = true
	case core.TierMedium:
		mon.Level = core.MonitoringStandard
	case core.TierHigh:
		slo.MaxDurationMs = base.MaxDurationMs * 3 / 2
		slo.MaxCostUSD = base.MaxCostUSD * 2
		mon.RequireCheckpoints = false
	case core.TierElite:
		slo.MaxDurationMs = base.MaxDurationMs * 3 / 2
		slo.MaxCostUSD = base.MaxCostUSD * 2
		mon.Level = core.MonitoringNone
		mon.RequireCheckpoints = false
	}
	return Authority{SLO: slo, Monitoring: mon}
}
