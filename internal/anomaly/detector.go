// Package anomaly watches peer behaviour for cost and duration spikes,
// tool misuse, capability mismatches, and chronic failure, and maintains
// the quarantine set that excludes misbehaving peers from delegation.
package anomaly

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/core"
)

// Recorder is the journal surface the detector reports into. Satisfied
// by *journal.Journal.
type Recorder interface {
	TryEmit(sessionID, eventType string, payload map[string]any) bool
}

// Config holds the detection thresholds.
type Config struct {
	// CostSpikeThreshold is the result-cost / SLO-cost ratio that
	// raises a high-severity cost_spike; 1.5x that ratio is critical.
	CostSpikeThreshold float64
	// DurationSpikeThreshold is the analogous duration ratio; twice the
	// ratio is critical.
	DurationSpikeThreshold float64
	// FailureRateThreshold is the sliding-window failure rate that
	// raises repeated_failures; >= 0.8 marks critical.
	FailureRateThreshold float64
	// FailureRateWindow is the number of recent outcomes considered.
	FailureRateWindow int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		CostSpikeThreshold:     2.0,
		DurationSpikeThreshold: 2.0,
		FailureRateThreshold:   0.4,
		FailureRateWindow:      20,
	}
}

// Detector analyzes results and checkpoints. Safe for concurrent use.
type Detector struct {
	mu          sync.Mutex
	cfg         Config
	outcomes    map[string][]bool // node_id -> sliding window, true = failure
	quarantined map[string]time.Time

	recorder Recorder
	logger   *log.Logger
}

// NewDetector returns a detector with the given thresholds. recorder may
// be nil.
func NewDetector(cfg Config, recorder Recorder) *Detector {
	if cfg.CostSpikeThreshold <= 0 {
		cfg.CostSpikeThreshold = 2.0
	}
	if cfg.DurationSpikeThreshold <= 0 {
		cfg.DurationSpikeThreshold = 2.0
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.4
	}
	if cfg.FailureRateWindow <= 0 {
		cfg.FailureRateWindow = 20
	}
	return &Detector{
		cfg:         cfg,
		outcomes:    make(map[string][]bool),
		quarantined: make(map[string]time.Time),
		recorder:    recorder,
		logger:      log.New(log.Writer(), "[ANOMALY] ", log.LstdFlags),
	}
}

// AnalyzeResult checks one completed result against its contract and the
// peer's advertised capabilities, records the outcome into the failure
// window, and returns any reports. Critical reports auto-quarantine the
// peer.
func (d *Detector) AnalyzeResult(contract core.DelegationContract, result core.SwarmTaskResult, peer core.NodeIdentity) []core.AnomalyReport {
	var reports []core.AnomalyReport

	if contract.SLO.MaxCostUSD > 0 {
		ratio := result.CostUSD / contract.SLO.MaxCostUSD
		if ratio > d.cfg.CostSpikeThreshold {
			severity := core.SeverityHigh
			if ratio > d.cfg.CostSpikeThreshold*1.5 {
				severity = core.SeverityCritical
			}
			reports = append(reports, d.report(contract.TaskID, peer.NodeID, core.AnomalyCostSpike, severity,
				fmt.Sprintf("cost $%.4f is %.1fx the SLO cap $%.4f", result.CostUSD, ratio, contract.SLO.MaxCostUSD),
				map[string]any{"cost_usd": result.CostUSD, "max_cost_usd": contract.SLO.MaxCostUSD, "ratio": ratio}))
		}
	}

	if contract.SLO.MaxDurationMs > 0 {
		ratio := float64(result.DurationMs) / float64(contract.SLO.MaxDurationMs)
		if ratio > d.cfg.DurationSpikeThreshold {
			severity := core.SeverityHigh
			if ratio > d.cfg.DurationSpikeThreshold*2 {
				severity = core.SeverityCritical
			}
			reports = append(reports, d.report(contract.TaskID, peer.NodeID, core.AnomalyDurationSpike, severity,
				fmt.Sprintf("duration %dms is %.1fx the SLO cap %dms", result.DurationMs, ratio, contract.SLO.MaxDurationMs),
				map[string]any{"duration_ms": result.DurationMs, "max_duration_ms": contract.SLO.MaxDurationMs, "ratio": ratio}))
		}
	}

	for _, f := range result.Findings {
		if !contract.Boundary.Allows(f.ToolName) {
			reports = append(reports, d.report(contract.TaskID, peer.NodeID, core.AnomalySuspiciousFindings, core.SeverityHigh,
				fmt.Sprintf("finding used tool %q outside the permission boundary", f.ToolName),
				map[string]any{"tool_name": f.ToolName}))
		}
		if len(peer.Capabilities) > 0 && !peer.HasCapability(f.ToolName) {
			reports = append(reports, d.report(contract.TaskID, peer.NodeID, core.AnomalyCapabilityMismatch, core.SeverityMedium,
				fmt.Sprintf("finding used tool %q the peer never advertised", f.ToolName),
				map[string]any{"tool_name": f.ToolName, "advertised": peer.Capabilities}))
		}
	}

	if r := d.recordOutcome(peer.NodeID, result.Status != core.TaskCompleted, contract.TaskID); r != nil {
		reports = append(reports, *r)
	}

	d.finish(reports)
	return reports
}

// AnalyzeCheckpoint applies the duration rule to a still-running task
// using wall-clock elapsed time since dispatch.
func (d *Detector) AnalyzeCheckpoint(contract core.DelegationContract, cp core.TaskCheckpoint, dispatchedAt time.Time) []core.AnomalyReport {
	if contract.SLO.MaxDurationMs <= 0 {
		return nil
	}
	elapsed := time.Since(dispatchedAt).Milliseconds()
	ratio := float64(elapsed) / float64(contract.SLO.MaxDurationMs)
	if ratio <= d.cfg.DurationSpikeThreshold {
		return nil
	}

	severity := core.SeverityHigh
	if ratio > d.cfg.DurationSpikeThreshold*2 {
		severity = core.SeverityCritical
	}
	reports := []core.AnomalyReport{d.report(contract.TaskID, cp.PeerNodeID, core.AnomalyDurationSpike, severity,
		fmt.Sprintf("task still running after %dms, %.1fx the SLO cap %dms", elapsed, ratio, contract.SLO.MaxDurationMs),
		map[string]any{"elapsed_ms": elapsed, "max_duration_ms": contract.SLO.MaxDurationMs, "checkpoint_id": cp.CheckpointID})}
	d.finish(reports)
	return reports
}

// recordOutcome updates the peer's sliding failure window and returns a
// repeated_failures report when the rate crosses the threshold.
func (d *Detector) recordOutcome(nodeID string, failed bool, taskID string) *core.AnomalyReport {
	d.mu.Lock()
	window := append(d.outcomes[nodeID], failed)
	if len(window) > d.cfg.FailureRateWindow {
		window = window[len(window)-d.cfg.FailureRateWindow:]
	}
	d.outcomes[nodeID] = window
	d.mu.Unlock()

	if len(window) < 5 {
		return nil
	}
	failures := 0
	for _, f := range window {
		if f {
			failures++
		}
	}
	rate := float64(failures) / float64(len(window))
	if rate < d.cfg.FailureRateThreshold {
		return nil
	}

	severity := core.SeverityHigh
	if rate >= 0.8 {
		severity = core.SeverityCritical
	}
	r := d.report(taskID, nodeID, core.AnomalyRepeatedFailures, severity,
		fmt.Sprintf("failure rate %.0f%% over the last %d outcomes", rate*100, len(window)),
		map[string]any{"failure_rate": rate, "window": len(window)})
	return &r
}

// finish journals reports and quarantines peers named in critical ones.
func (d *Detector) finish(reports []core.AnomalyReport) {
	for _, r := range reports {
		if r.Severity == core.SeverityCritical {
			d.Quarantine(r.PeerNodeID, string(r.Type))
		}
		if d.recorder != nil {
			d.recorder.TryEmit("anomaly", "anomaly_detected", map[string]any{
				"anomaly_id": r.AnomalyID, "task_id": r.TaskID, "peer_node_id": r.PeerNodeID,
				"anomaly_type": string(r.Type), "severity": string(r.Severity), "description": r.Description,
			})
		}
	}
}

// Quarantine adds a peer to the quarantine set.
func (d *Detector) Quarantine(nodeID, reason string) {
	d.mu.Lock()
	_, already := d.quarantined[nodeID]
	if !already {
		d.quarantined[nodeID] = time.Now().UTC()
	}
	d.mu.Unlock()

	if !already {
		d.logger.Printf("quarantined peer %s: %s", nodeID, reason)
	}
}

// Unquarantine removes a peer from the quarantine set.
func (d *Detector) Unquarantine(nodeID string) {
	d.mu.Lock()
	delete(d.quarantined, nodeID)
	d.mu.Unlock()
}

// IsQuarantined reports whether the peer is excluded from delegation.
func (d *Detector) IsQuarantined(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.quarantined[nodeID]
	return ok
}

// QuarantinedPeers returns the current quarantine set.
func (d *Detector) QuarantinedPeers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.quarantined))
	for nodeID := range d.quarantined {
		out = append(out, nodeID)
	}
	return out
}

func (d *Detector) report(taskID, nodeID string, typ core.AnomalyType, severity core.Severity, desc string, evidence map[string]any) core.AnomalyReport {
	return core.AnomalyReport{
		AnomalyID:   uuid.New().String(),
		TaskID:      taskID,
		PeerNodeID:  nodeID,
		Type:        typ,
		Severity:    severity,
		Description: desc,
		Evidence:    evidence,
		Timestamp:   time.Now().UTC(),
	}
}
