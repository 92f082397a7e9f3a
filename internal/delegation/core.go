// Package delegation orchestrates one delegation end to end: decompose,
// route, gate, auction, bond, dispatch, verify, settle, and optionally
// re-delegate. The Core owns delegation contracts until they reach a
// terminal status; every other component is consulted, never mutated
// behind its own API.
package delegation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/anomaly"
	"github.com/agentmesh/mesh/internal/auction"
	"github.com/agentmesh/mesh/internal/checkpoint"
	"github.com/agentmesh/mesh/internal/config"
	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/decompose"
	"github.com/agentmesh/mesh/internal/escrow"
	"github.com/agentmesh/mesh/internal/gate"
	"github.com/agentmesh/mesh/internal/journal"
	"github.com/agentmesh/mesh/internal/mesh"
	"github.com/agentmesh/mesh/internal/metrics"
	"github.com/agentmesh/mesh/internal/redelegation"
	"github.com/agentmesh/mesh/internal/reputation"
	"github.com/agentmesh/mesh/internal/transport"
	"github.com/agentmesh/mesh/internal/verify"
)

// Dispatcher sends task traffic to peers. Implemented by the transport
// client; tests substitute their own.
type Dispatcher interface {
	SendTaskRequest(ctx context.Context, apiURL string, req core.SwarmTaskRequest) (*transport.TaskAccept, error)
	SendTaskResult(ctx context.Context, apiURL, selfNodeID string, result core.SwarmTaskResult) error
	SendBid(ctx context.Context, apiURL string, bid core.Bid) error
}

// Executor runs a task on the local node. The planner collaborator
// implements it; a node without one rejects incoming task requests.
type Executor interface {
	Execute(ctx context.Context, req core.SwarmTaskRequest) (core.SwarmTaskResult, error)
}

// Services aggregates every component the pipeline consults. Built once
// at process start; lifecycle equals process lifetime.
type Services struct {
	Journal      *journal.Journal
	Reputation   *reputation.Store
	Escrow       *escrow.Manager
	Outcome      *verify.OutcomeVerifier
	Consensus    *verify.ConsensusVerifier
	Friction     *gate.FrictionEngine
	Firebreak    *gate.Firebreak
	Router       *gate.Router
	Anomaly      *anomaly.Detector
	Behavioral   *anomaly.BehavioralScorer
	RootCause    *anomaly.RootCauseAnalyzer
	Redelegation *redelegation.Monitor
	Checkpoints  *checkpoint.Serializer
	Decomposer   *decompose.Decomposer
	Auctions     *auction.Manager
	Mesh         *mesh.Manager
	Metrics      *metrics.Metrics
}

// pendingDelegation is an in-flight dispatch awaiting its result
// callback.
type pendingDelegation struct {
	contract     core.DelegationContract
	sessionID    string
	dispatchedAt time.Time
	resultCh     chan core.SwarmTaskResult
}

// Core wires the services into the delegation pipeline and implements
// the transport sink for inbound swarm traffic.
type Core struct {
	cfg        *config.Config
	svc        Services
	dispatcher Dispatcher
	executor   Executor
	logger     *log.Logger

	mu              sync.Mutex
	pending         map[string]*pendingDelegation
	auctionSessions map[string]string // rfq_id -> session_id
	acceptedTasks   map[string]bool   // worker-side dedup by task_id
	recentOutcomes  []bool            // sliding window, true = failure
}

// New builds the core. executor may be nil for originate-only nodes.
func New(cfg *config.Config, svc Services, dispatcher Dispatcher, executor Executor) *Core {
	return &Core{
		cfg:             cfg,
		svc:             svc,
		dispatcher:      dispatcher,
		executor:        executor,
		logger:          log.New(log.Writer(), "[DELEGATE] ", log.LstdFlags),
		pending:         make(map[string]*pendingDelegation),
		auctionSessions: make(map[string]string),
		acceptedTasks:   make(map[string]bool),
	}
}

// OutstandingDelegations reports the number of in-flight dispatches.
func (c *Core) OutstandingDelegations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// recentFailureCount counts failures in the sliding outcome window.
func (c *Core) recentFailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, failed := range c.recentOutcomes {
		if failed {
			n++
		}
	}
	return n
}

func (c *Core) noteOutcome(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recentOutcomes = append(c.recentOutcomes, failed)
	if len(c.recentOutcomes) > 10 {
		c.recentOutcomes = c.recentOutcomes[len(c.recentOutcomes)-10:]
	}
}

func (c *Core) registerPending(p *pendingDelegation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[p.contract.TaskID] = p
}

func (c *Core) takePending(taskID string) (*pendingDelegation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[taskID]
	if ok {
		delete(c.pending, taskID)
	}
	return p, ok
}

func (c *Core) peekPending(taskID string) (*pendingDelegation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[taskID]
	return p, ok
}

// resultHash is the canonical digest voters agree on: status plus the
// finding summaries, independent of cost and timing.
func resultHash(result core.SwarmTaskResult) string {
	type digestBody struct {
		Status   core.TaskStatus `json:"status"`
		Findings []core.Finding  `json:"findings"`
	}
	data, err := json.Marshal(digestBody{Status: result.Status, Findings: result.Findings})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SubmitVerification routes an external voter's consensus vote and
// journals the round outcome when it evaluates.
func (c *Core) SubmitVerification(sessionID, taskID, voterNodeID, hash string, confidence float64) (*verify.RoundResult, error) {
	round, err := c.svc.Consensus.SubmitVerification(taskID, voterNodeID, hash, confidence)
	if err != nil {
		return nil, err
	}
	if round != nil {
		eventType := "consensus_agreed"
		if !round.Agreed {
			eventType = "consensus_failed"
		}
		c.svc.Journal.TryEmit(sessionID, eventType, map[string]any{
			"task_id":             taskID,
			"majority_count":      round.MajorityCount,
			"agreement_ratio":     round.AgreementRatio,
			"dissenting_node_ids": round.DissentingNodeIDs,
		})
	}
	return round, nil
}
