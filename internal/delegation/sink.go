package delegation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/auction"
	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/transport"
)

// The Core is the transport sink: inbound swarm traffic lands here.

// AcceptTask is the worker side of a dispatch. Duplicate task_ids are
// acknowledged idempotently without re-executing.
func (c *Core) AcceptTask(ctx context.Context, mode transport.Mode, req core.SwarmTaskRequest) transport.TaskAccept {
	if c.executor == nil {
		return transport.TaskAccept{TaskID: req.TaskID, Accepted: false, Reason: "node does not execute tasks"}
	}

	c.mu.Lock()
	if c.acceptedTasks[req.TaskID] {
		c.mu.Unlock()
		return transport.TaskAccept{TaskID: req.TaskID, Accepted: true}
	}
	c.acceptedTasks[req.TaskID] = true
	c.mu.Unlock()

	c.svc.Journal.TryEmit(req.SessionID, "task_accepted", map[string]any{
		"task_id":    req.TaskID,
		"originator": req.Originator.NodeID,
		"mode":       string(mode),
	})

	// Execution outlives the HTTP exchange; the result travels back on
	// its own callback.
	go c.executeAndReply(req)

	return transport.TaskAccept{TaskID: req.TaskID, Accepted: true}
}

func (c *Core) executeAndReply(req core.SwarmTaskRequest) {
	deadline := 60 * time.Second
	if req.Constraints.MaxDurationMs > 0 {
		deadline = time.Duration(req.Constraints.MaxDurationMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	start := time.Now()
	result, err := c.executor.Execute(ctx, req)
	if err != nil {
		result = core.SwarmTaskResult{
			TaskID:     req.TaskID,
			NodeID:     c.svc.Mesh.Identity().NodeID,
			Status:     core.TaskFailed,
			DurationMs: time.Since(start).Milliseconds(),
		}
		c.svc.Journal.TryEmit(req.SessionID, "task_failed", map[string]any{
			"task_id": req.TaskID,
			"error":   err.Error(),
		})
	}
	result.TaskID = req.TaskID
	result.NodeID = c.svc.Mesh.Identity().NodeID

	if req.Originator.APIURL == "" {
		return
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sendCancel()
	if err := c.dispatcher.SendTaskResult(sendCtx, req.Originator.APIURL, result.NodeID, result); err != nil {
		c.logger.Printf("result delivery to %s failed: %v", req.Originator.NodeID, err)
	}
}

// AcceptResult is the originator-side callback: it wakes the pipeline
// waiting on the task. Results for unknown tasks are duplicates or
// stragglers after a timeout; both are dropped without error.
func (c *Core) AcceptResult(workerNodeID string, result core.SwarmTaskResult) error {
	if result.TaskID == "" {
		return errors.New("result missing task_id")
	}

	p, ok := c.peekPending(result.TaskID)
	if !ok {
		return nil
	}
	select {
	case p.resultCh <- result:
	default:
	}
	return nil
}

// AcceptRFQ considers bidding on a peer's request for quotes. Nodes
// without an executor, or missing a required capability, stay silent.
func (c *Core) AcceptRFQ(rfq core.RFQ) error {
	if c.executor == nil {
		return nil
	}
	self := c.svc.Mesh.Identity()
	for _, required := range rfq.RequiredCapabilities {
		if !self.HasCapability(required) {
			return nil
		}
	}

	bid := c.buildBid(rfq, self)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.dispatcher.SendBid(ctx, rfq.Originator.APIURL, bid); err != nil {
			c.logger.Printf("bid on %s failed: %v", rfq.RFQID, err)
		}
	}()
	return nil
}

// buildBid estimates against the RFQ's constraints. Without caps to
// anchor on, the estimates are small fixed openers.
func (c *Core) buildBid(rfq core.RFQ, self core.NodeIdentity) core.Bid {
	costEstimate := 0.01
	if rfq.Constraints.MaxCostUSD > 0 {
		costEstimate = rfq.Constraints.MaxCostUSD / 2
	}
	durationEstimate := int64(2_000)
	if rfq.Constraints.MaxDurationMs > 0 {
		durationEstimate = rfq.Constraints.MaxDurationMs / 2
	}
	tokenEstimate := uint64(1_000)
	if rfq.Constraints.MaxTokens > 0 {
		tokenEstimate = rfq.Constraints.MaxTokens / 2
	}

	deadline := rfq.CreatedAt.Add(time.Duration(rfq.BidDeadlineMs) * time.Millisecond)
	return core.Bid{
		BidID:               uuid.New().String(),
		RFQID:               rfq.RFQID,
		BidderNodeID:        self.NodeID,
		EstimatedCostUSD:    costEstimate,
		EstimatedDurationMs: durationEstimate,
		EstimatedTokens:     tokenEstimate,
		CapabilitiesOffered: self.Capabilities,
		Round:               1,
		Nonce:               uuid.New().String(),
		ExpiresAt:           deadline,
	}
}

// AcceptBid routes a peer's bid into the owning auction.
func (c *Core) AcceptBid(bid core.Bid) auction.BidResult {
	c.mu.Lock()
	sessionID, ok := c.auctionSessions[bid.RFQID]
	c.mu.Unlock()
	if !ok {
		return auction.BidResult{Accepted: false, Reason: "unknown auction " + bid.RFQID}
	}
	return c.svc.Auctions.ReceiveBid(sessionID, bid)
}

// AcceptCheckpoint persists a worker's mid-task checkpoint and, when the
// task is still in flight here, checks its wall-clock burn rate.
func (c *Core) AcceptCheckpoint(workerNodeID string, cp core.TaskCheckpoint) error {
	if cp.TaskID == "" {
		return errors.New("checkpoint missing task_id")
	}
	if cp.PeerNodeID == "" {
		cp.PeerNodeID = workerNodeID
	}
	if _, err := c.svc.Checkpoints.Save(cp); err != nil {
		return err
	}
	if p, ok := c.peekPending(cp.TaskID); ok {
		c.svc.Anomaly.AnalyzeCheckpoint(p.contract, cp, p.dispatchedAt)
	}
	return nil
}
