package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/anomaly"
	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/decompose"
	"github.com/agentmesh/mesh/internal/gate"
	"github.com/agentmesh/mesh/internal/reputation"
)

// Request is one delegation ask from the planner.
type Request struct {
	SessionID            string
	TaskText             string
	Constraints          core.TaskConstraints
	RequiredCapabilities []string
	// Confirm acknowledges a firebreak require_confirmation verdict in
	// advance. Without it such subtasks are rejected, not dispatched.
	Confirm bool
}

// SubtaskOutcome is the terminal record of one subtask's pipeline run.
type SubtaskOutcome struct {
	SubTaskID  string                 `json:"sub_task_id"`
	TaskText   string                 `json:"task_text"`
	Route      gate.RouteDecision     `json:"route"`
	Friction   gate.FrictionAdvice    `json:"friction"`
	Firebreak  gate.FirebreakDecision `json:"firebreak"`
	Rejected   bool                   `json:"rejected"`
	Reason     string                 `json:"reason,omitempty"`
	PeerNodeID string                 `json:"peer_node_id,omitempty"`
	Contract   core.DelegationContract `json:"contract,omitempty"`
	Result     *core.SwarmTaskResult  `json:"result,omitempty"`
	Verified   bool                   `json:"verified"`
	SlashedUSD float64                `json:"slashed_usd,omitempty"`
	Attempts   int                    `json:"attempts"`
}

// Outcome is the terminal record of one Delegate call.
type Outcome struct {
	Skipped  bool             `json:"skipped"`
	Reason   string           `json:"reason,omitempty"`
	SubTasks []SubtaskOutcome `json:"sub_tasks,omitempty"`
}

// Delegate runs the full pipeline for one task. Groups from the
// decomposer run in order; subtasks inside a group run concurrently. A
// group with a terminally failed subtask stops the remaining groups,
// since they depend on it.
func (c *Core) Delegate(ctx context.Context, req Request) Outcome {
	peers := c.eligiblePeers(req.RequiredCapabilities)

	dec := c.svc.Decomposer.Decompose(req.TaskText, len(peers), req.Constraints)
	if dec.Skip {
		c.svc.Journal.TryEmit(req.SessionID, "delegation_skipped", map[string]any{
			"reason":    dec.Reason,
			"task_text": req.TaskText,
		})
		return Outcome{Skipped: true, Reason: dec.Reason}
	}

	byID := make(map[string]decompose.SubTask, len(dec.SubTasks))
	for _, st := range dec.SubTasks {
		byID[st.SubTaskID] = st
	}

	var outcomes []SubtaskOutcome
	for _, group := range dec.ExecutionOrder {
		results := make([]SubtaskOutcome, len(group))
		var wg sync.WaitGroup
		for i, id := range group {
			st, ok := byID[id]
			if !ok {
				continue
			}
			wg.Add(1)
			go func(i int, st decompose.SubTask) {
				defer wg.Done()
				results[i] = c.delegateSubtask(ctx, req, st)
			}(i, st)
		}
		wg.Wait()

		groupFailed := false
		for _, r := range results {
			outcomes = append(outcomes, r)
			if r.Rejected || (r.Result != nil && !r.Verified) {
				groupFailed = true
			}
		}
		if groupFailed {
			break
		}
	}
	return Outcome{SubTasks: outcomes}
}

// delegateSubtask runs route, gate, auction, bond, dispatch, verify and
// settle for one subtask, re-delegating on failure while the monitor
// allows it.
func (c *Core) delegateSubtask(ctx context.Context, req Request, st decompose.SubTask) SubtaskOutcome {
	out := SubtaskOutcome{SubTaskID: st.SubTaskID, TaskText: st.Text}

	out.Route = c.svc.Router.Route(st.Attributes)
	c.svc.Journal.TryEmit(req.SessionID, "delegation_routed", map[string]any{
		"sub_task_id": st.SubTaskID,
		"target":      string(out.Route.Target),
		"confidence":  out.Route.Confidence,
		"reasons":     out.Route.Reasons,
	})
	if out.Route.Target == gate.TargetHuman {
		out.Rejected = true
		out.Reason = "routed to a human operator"
		return out
	}

	requiredCaps := req.RequiredCapabilities
	if len(requiredCaps) == 0 {
		requiredCaps = st.Constraints.ToolAllowlist
	}

	peerID, ok := c.selectPeer(ctx, req.SessionID, st, requiredCaps, nil)
	if !ok {
		out.Rejected = true
		out.Reason = "no eligible peer"
		return out
	}

	trust := c.svc.Reputation.GetTrustScore(peerID)
	outstanding := c.OutstandingDelegations()

	out.Friction = c.svc.Friction.Assess(st.Attributes, gate.FrictionContext{
		OutstandingDelegations: outstanding,
		PeerTrust:              trust,
		RecentFailures:         c.recentFailureCount(),
	})
	c.svc.Journal.TryEmit(req.SessionID, "friction_assessed", map[string]any{
		"sub_task_id": st.SubTaskID,
		"level":       string(out.Friction.Level),
		"score":       out.Friction.Score,
		"reason":      out.Friction.Reason,
	})
	if c.svc.Metrics != nil {
		c.svc.Metrics.FrictionScore.Observe(out.Friction.Score)
	}

	out.Firebreak = c.svc.Firebreak.Evaluate(st.Attributes, outstanding)
	if c.svc.Metrics != nil {
		c.svc.Metrics.FirebreakActions.WithLabelValues(string(out.Firebreak.Action)).Inc()
	}
	switch out.Firebreak.Action {
	case gate.ActionBlock:
		c.svc.Journal.TryEmit(req.SessionID, "firebreak_blocked", map[string]any{
			"sub_task_id": st.SubTaskID,
			"reason":      out.Firebreak.Reason,
		})
		out.Rejected = true
		out.Reason = "firebreak: " + out.Firebreak.Reason
		return out
	case gate.ActionRequireConfirmation:
		if !req.Confirm {
			out.Rejected = true
			out.Reason = "firebreak requires confirmation: " + out.Firebreak.Reason
			return out
		}
	}

	taskID := uuid.New().String()
	tried := map[string]bool{}

	for {
		decision := c.svc.Redelegation.TrackDelegation(taskID, peerID)
		if !decision.Allowed && !decision.Terminal {
			// Cooldown still running; wait it out once and re-track.
			select {
			case <-time.After(time.Duration(c.cfg.Redelegation.RedelegationCooldownMs) * time.Millisecond):
			case <-ctx.Done():
				out.Reason = "delegation cancelled: " + ctx.Err().Error()
				return out
			}
			decision = c.svc.Redelegation.TrackDelegation(taskID, peerID)
		}
		if !decision.Allowed {
			if out.Reason == "" {
				out.Reason = decision.Reason
			}
			return out
		}
		out.Attempts++
		out.PeerNodeID = peerID
		tried[peerID] = true

		done, slashed := c.dispatchOnce(ctx, req, st, taskID, peerID, &out)
		out.SlashedUSD += slashed
		if done {
			return out
		}

		next, ok := c.selectPeer(ctx, req.SessionID, st, requiredCaps, tried)
		if !ok {
			out.Reason = "no eligible peer for re-delegation"
			return out
		}
		peerID = next
	}
}

// dispatchOnce holds the bond, dispatches, awaits the result, and
// settles. Returns done=false when the attempt failed in a way worth
// re-delegating.
func (c *Core) dispatchOnce(ctx context.Context, req Request, st decompose.SubTask, taskID, peerID string, out *SubtaskOutcome) (done bool, slashed float64) {
	peer, ok := c.svc.Mesh.GetPeer(peerID)
	if !ok {
		out.Reason = "peer left the mesh before dispatch"
		return false, 0
	}

	tier := c.svc.Reputation.Tier(peerID)
	authority := gate.GraduatedAuthority(tier, c.baseSLO(st.Constraints), core.Monitoring{
		Level:                core.MonitoringStandard,
		CheckpointIntervalMs: 5_000,
	})

	bond := c.cfg.Escrow.MinBondUSD
	if authority.SLO.MaxCostUSD > bond {
		bond = authority.SLO.MaxCostUSD
	}
	hold, err := c.svc.Escrow.HoldBond(taskID, peerID, bond)
	if err != nil || !hold.Accepted {
		reason := "bond hold failed"
		if err != nil {
			reason = err.Error()
		} else if hold.Reason != "" {
			reason = hold.Reason
		}
		c.svc.Journal.TryEmit(req.SessionID, "bond_rejected", map[string]any{
			"task_id": taskID,
			"node_id": peerID,
			"amount":  bond,
			"reason":  reason,
		})
		out.Rejected = true
		out.Reason = "bond rejected: " + reason
		return true, 0
	}

	contract := core.DelegationContract{
		ContractID: uuid.New().String(),
		Delegator:  c.svc.Mesh.Identity().NodeID,
		Delegatee:  peerID,
		TaskID:     taskID,
		TaskText:   st.Text,
		SLO:        authority.SLO,
		Boundary:   core.PermissionBoundary{ToolAllowlist: st.Constraints.ToolAllowlist},
		Monitoring: authority.Monitoring,
		Status:     core.ContractActive,
		CreatedAt:  time.Now().UTC(),
	}
	out.Contract = contract

	pending := &pendingDelegation{
		contract:     contract,
		sessionID:    req.SessionID,
		dispatchedAt: time.Now(),
		resultCh:     make(chan core.SwarmTaskResult, 1),
	}
	c.registerPending(pending)
	defer c.takePending(taskID)

	c.svc.Journal.TryEmit(req.SessionID, "delegation_dispatched", map[string]any{
		"task_id":     taskID,
		"contract_id": contract.ContractID,
		"node_id":     peerID,
		"slo":         contract.SLO,
		"tier":        string(tier),
	})

	taskReq := core.SwarmTaskRequest{
		TaskID:   taskID,
		TaskText: st.Text,
		Constraints: core.TaskConstraints{
			MaxDurationMs: authority.SLO.MaxDurationMs,
			MaxTokens:     authority.SLO.MaxTokens,
			MaxCostUSD:    authority.SLO.MaxCostUSD,
			ToolAllowlist: st.Constraints.ToolAllowlist,
		},
		Originator: c.svc.Mesh.Identity(),
		SessionID:  req.SessionID,
	}

	accept, err := c.dispatcher.SendTaskRequest(ctx, peer.Identity.APIURL, taskReq)
	if err != nil || !accept.Accepted {
		reason := "dispatch failed"
		if err != nil {
			reason = err.Error()
		} else if accept.Reason != "" {
			reason = accept.Reason
		}
		c.svc.Mesh.RecordFailure(peerID)
		c.svc.Escrow.ReleaseBond(taskID)
		c.svc.Journal.TryEmit(req.SessionID, "delegation_rejected", map[string]any{
			"task_id": taskID,
			"node_id": peerID,
			"reason":  reason,
		})
		out.Reason = reason
		return false, 0
	}

	deadline := c.outerDeadline(contract.SLO)
	select {
	case result := <-pending.resultCh:
		return c.settle(req.SessionID, pending, peer.Identity, result, out)
	case <-time.After(deadline):
		return false, c.settleTimeout(req.SessionID, pending, out)
	case <-ctx.Done():
		c.svc.Escrow.ReleaseBond(taskID)
		out.Contract.Status = core.ContractCancelled
		out.Reason = "delegation cancelled: " + ctx.Err().Error()
		return true, 0
	}
}

// settle verifies the result, runs anomaly and consensus, and resolves
// the bond and reputation.
func (c *Core) settle(sessionID string, p *pendingDelegation, peer core.NodeIdentity, result core.SwarmTaskResult, out *SubtaskOutcome) (done bool, slashed float64) {
	contract := p.contract
	out.Result = &result

	verification := c.svc.Outcome.Verify(contract, result)
	reports := c.svc.Anomaly.AnalyzeResult(contract, result, peer)
	c.runConsensus(sessionID, contract.TaskID, result)

	elapsed := time.Since(p.dispatchedAt).Seconds()

	if verification.Verified {
		out.Contract.Status = core.ContractCompleted
		c.svc.Escrow.ReleaseBond(contract.TaskID)
		c.svc.Reputation.RecordOutcome(reputation.Outcome{
			NodeID:     peer.NodeID,
			Status:     core.TaskCompleted,
			DurationMs: result.DurationMs,
			TokensUsed: result.TokensUsed,
			CostUSD:    result.CostUSD,
		})
		c.svc.Behavioral.Observe(peer.NodeID, anomalyObservation(true, reports))
		c.svc.Journal.TryEmit(sessionID, "delegation_completed", map[string]any{
			"task_id":     contract.TaskID,
			"contract_id": contract.ContractID,
			"node_id":     peer.NodeID,
			"duration_ms": result.DurationMs,
			"cost_usd":    result.CostUSD,
		})
		if c.svc.Metrics != nil {
			c.svc.Metrics.RecordDelegation("completed", peer.NodeID, elapsed)
			c.svc.Metrics.UpdatePeer(peer.NodeID, c.svc.Reputation.GetTrustScore(peer.NodeID), c.svc.Escrow.FreeBalance(peer.NodeID))
		}
		c.svc.Redelegation.Forget(contract.TaskID)
		c.noteOutcome(false)
		out.Verified = true
		return true, 0
	}

	// SLO violation or failed result: slash, attribute, classify.
	out.Contract.Status = core.ContractViolated
	slashed, _ = c.svc.Escrow.SlashBond(contract.TaskID, c.cfg.Escrow.SlashPctOnViolation)
	c.svc.Reputation.RecordOutcome(reputation.Outcome{
		NodeID:     peer.NodeID,
		Status:     core.TaskFailed,
		DurationMs: result.DurationMs,
		TokensUsed: result.TokensUsed,
		CostUSD:    result.CostUSD,
	})
	c.svc.Behavioral.Observe(peer.NodeID, anomalyObservation(false, reports))
	c.svc.Journal.TryEmit(sessionID, "slo_violation", map[string]any{
		"task_id":     contract.TaskID,
		"contract_id": contract.ContractID,
		"node_id":     peer.NodeID,
		"issues":      verification.Issues,
		"slashed_usd": slashed,
	})
	c.classifyFailure(sessionID, contract.TaskID, peer.NodeID)
	if c.svc.Metrics != nil {
		c.svc.Metrics.RecordDelegation("violated", peer.NodeID, elapsed)
		c.svc.Metrics.RecordSlash("slo_violation", c.svc.Escrow.SinkTotal())
	}
	c.noteOutcome(true)
	out.Reason = fmt.Sprintf("verification failed: %v", verification.Issues)
	return false, slashed
}

// settleTimeout handles an expired outer deadline: the contract is
// violated, the bond slashed per the timeout policy, and a failed
// outcome recorded.
func (c *Core) settleTimeout(sessionID string, p *pendingDelegation, out *SubtaskOutcome) (slashed float64) {
	contract := p.contract
	out.Contract.Status = core.ContractViolated

	slashed, _ = c.svc.Escrow.SlashBond(contract.TaskID, c.cfg.Escrow.SlashPctOnTimeout)
	c.svc.Reputation.RecordOutcome(reputation.Outcome{
		NodeID:     contract.Delegatee,
		Status:     core.TaskFailed,
		DurationMs: time.Since(p.dispatchedAt).Milliseconds(),
	})
	c.svc.Mesh.RecordFailure(contract.Delegatee)
	c.svc.Journal.TryEmit(sessionID, "delegation_timeout", map[string]any{
		"task_id":     contract.TaskID,
		"contract_id": contract.ContractID,
		"node_id":     contract.Delegatee,
		"slashed_usd": slashed,
	})
	c.classifyFailure(sessionID, contract.TaskID, contract.Delegatee)
	if c.svc.Metrics != nil {
		c.svc.Metrics.RecordDelegation("timeout", contract.Delegatee, time.Since(p.dispatchedAt).Seconds())
		c.svc.Metrics.RecordSlash("timeout", c.svc.Escrow.SinkTotal())
	}
	c.noteOutcome(true)
	out.Reason = "delegation timed out"
	return slashed
}

// runConsensus opens a round and submits the delegator's own vote. With
// required_voters=1 the round evaluates immediately; larger rounds wait
// for external voters via SubmitVerification.
func (c *Core) runConsensus(sessionID, taskID string, result core.SwarmTaskResult) {
	voters := c.cfg.Verification.RequiredVoters
	if voters < 1 {
		voters = 1
	}
	agreement := c.cfg.Verification.RequiredAgreement
	if agreement <= 0 || agreement > 1 {
		agreement = 0.67
	}
	if err := c.svc.Consensus.CreateRound(taskID, voters, agreement); err != nil {
		return
	}
	c.SubmitVerification(sessionID, taskID, c.svc.Mesh.Identity().NodeID, resultHash(result), 1.0)
}

// classifyFailure reads the session's recent events and journals the
// root cause.
func (c *Core) classifyFailure(sessionID, taskID, peerNodeID string) {
	window, err := c.svc.Journal.ReadSession(sessionID, 0, 0)
	if err != nil {
		return
	}
	if len(window) > 50 {
		window = window[len(window)-50:]
	}
	c.svc.RootCause.Analyze(sessionID, taskID, peerNodeID, window)
}

// selectPeer runs an auction over the eligible peers and returns the
// winner, falling back to the highest-trust peer when the auction draws
// no bids.
func (c *Core) selectPeer(ctx context.Context, sessionID string, st decompose.SubTask, requiredCaps []string, exclude map[string]bool) (string, bool) {
	peers := c.eligiblePeers(requiredCaps)
	candidates := peers[:0:0]
	for _, p := range peers {
		if !exclude[p.Identity.NodeID] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	record := c.svc.Auctions.CreateAuction(sessionID, st.Text, st.Constraints, requiredCaps, candidates, c.svc.Mesh.Identity())
	c.mu.Lock()
	c.auctionSessions[record.RFQ.RFQID] = sessionID
	c.mu.Unlock()

	award := c.svc.Auctions.AwaitAward(ctx, sessionID, record.RFQ.RFQID)
	if award.Awarded {
		return award.WinningNodeID, true
	}

	// No bids in time: pick by trust so a quiet mesh still makes progress.
	best := ""
	bestTrust := -1.0
	for _, p := range candidates {
		if t := c.svc.Reputation.GetTrustScore(p.Identity.NodeID); t > bestTrust {
			best, bestTrust = p.Identity.NodeID, t
		}
	}
	return best, best != ""
}

// eligiblePeers returns active, non-quarantined peers advertising every
// required capability.
func (c *Core) eligiblePeers(requiredCaps []string) []core.PeerEntry {
	peers := c.svc.Mesh.GetActivePeers()
	eligible := peers[:0:0]
	for _, p := range peers {
		if c.svc.Anomaly.IsQuarantined(p.Identity.NodeID) {
			continue
		}
		hasAll := true
		for _, required := range requiredCaps {
			if !p.Identity.HasCapability(required) {
				hasAll = false
				break
			}
		}
		if hasAll {
			eligible = append(eligible, p)
		}
	}
	return eligible
}

func (c *Core) baseSLO(constraints core.TaskConstraints) core.SLO {
	slo := core.SLO{
		MaxDurationMs: constraints.MaxDurationMs,
		MaxTokens:     constraints.MaxTokens,
		MaxCostUSD:    constraints.MaxCostUSD,
	}
	if slo.MaxDurationMs == 0 {
		slo.MaxDurationMs = c.cfg.Delegation.DelegationTimeoutMs
	}
	return slo
}

// outerDeadline is max(SLO duration, configured delegation timeout).
func (c *Core) outerDeadline(slo core.SLO) time.Duration {
	ms := c.cfg.Delegation.DelegationTimeoutMs
	if slo.MaxDurationMs > ms {
		ms = slo.MaxDurationMs
	}
	return time.Duration(ms) * time.Millisecond
}

func anomalyObservation(compliant bool, reports []core.AnomalyReport) anomaly.Observation {
	return anomaly.Observation{Compliant: compliant, SafetyFlag: len(reports) > 0}
}
