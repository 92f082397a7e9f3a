// Package core defines the shared domain types for the delegation mesh:
// node identities, peer entries, delegation contracts, task requests and
// results, auction records, checkpoints, and safety reports. All other
// packages consume these types; none of them carry behaviour beyond small
// pure helpers.
package core

import "time"

// NodeIdentity identifies a mesh node. Stable for the node's lifetime;
// copies flow between nodes via gossip.
type NodeIdentity struct {
	NodeID       string   `json:"node_id"`
	DisplayName  string   `json:"display_name"`
	APIURL       string   `json:"api_url"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// HasCapability reports whether the identity advertises the capability.
func (n NodeIdentity) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// PeerStatus is the membership state of a peer in the local peer table.
type PeerStatus string

const (
	PeerActive      PeerStatus = "active"
	PeerSuspected   PeerStatus = "suspected"
	PeerUnreachable PeerStatus = "unreachable"
	PeerLeft        PeerStatus = "left"
)

// PeerEntry is the mesh manager's view of one peer. Exclusively owned by
// the MeshManager; everyone else holds a node_id and looks up.
type PeerEntry struct {
	Identity            NodeIdentity `json:"identity"`
	Status              PeerStatus   `json:"status"`
	LastHeartbeatAt     time.Time    `json:"last_heartbeat_at"`
	LastLatencyMs       float64      `json:"last_latency_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	JoinedAt            time.Time    `json:"joined_at"`
}

// TaskConstraints caps the resources a task (or subtask) may consume.
// Zero values mean "no cap".
type TaskConstraints struct {
	MaxDurationMs int64    `json:"max_duration_ms,omitempty"`
	MaxTokens     uint64   `json:"max_tokens,omitempty"`
	MaxCostUSD    float64  `json:"max_cost_usd,omitempty"`
	ToolAllowlist []string `json:"tool_allowlist,omitempty"`
}

// AttributeLevel is a coarse categorical rating used by task attributes.
type AttributeLevel string

const (
	LevelLow    AttributeLevel = "low"
	LevelMedium AttributeLevel = "medium"
	LevelHigh   AttributeLevel = "high"
)

// TaskAttribute captures the decomposer's assessment of one subtask.
type TaskAttribute struct {
	Complexity        AttributeLevel `json:"complexity"`
	Criticality       AttributeLevel `json:"criticality"`
	Verifiability     AttributeLevel `json:"verifiability"`
	Reversibility     AttributeLevel `json:"reversibility"`
	EstimatedCostUSD  float64        `json:"estimated_cost_usd"`
	EstimatedDuration int64          `json:"estimated_duration_ms"`
	DelegationTarget  string         `json:"delegation_target,omitempty"` // "ai", "human", or "" (any)
}

// SLO is the per-contract service level objective.
type SLO struct {
	MaxDurationMs int64   `json:"max_duration_ms"`
	MaxTokens     uint64  `json:"max_tokens"`
	MaxCostUSD    float64 `json:"max_cost_usd"`
	MinFindings   int     `json:"min_findings,omitempty"`
}

// PermissionBoundary restricts which tools the delegatee may invoke.
type PermissionBoundary struct {
	ToolAllowlist []string `json:"tool_allowlist"`
}

// Allows reports whether the tool is inside the boundary. An empty
// allowlist permits everything.
func (pb PermissionBoundary) Allows(tool string) bool {
	if len(pb.ToolAllowlist) == 0 {
		return true
	}
	for _, t := range pb.ToolAllowlist {
		if t == tool {
			return true
		}
	}
	return false
}

// MonitoringLevel controls how closely a delegation is observed.
type MonitoringLevel string

const (
	MonitoringNone     MonitoringLevel = "none"
	MonitoringStandard MonitoringLevel = "standard"
	MonitoringVerbose  MonitoringLevel = "verbose"
)

// Monitoring is the contract's checkpointing requirement.
type Monitoring struct {
	Level                MonitoringLevel `json:"level"`
	RequireCheckpoints   bool            `json:"require_checkpoints"`
	CheckpointIntervalMs int64           `json:"checkpoint_interval_ms,omitempty"`
}

// ContractStatus is the lifecycle state of a delegation contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractViolated  ContractStatus = "violated"
	ContractCancelled ContractStatus = "cancelled"
)

// DelegationContract captures the authority granted for one delegation.
// Owned by the delegator until terminal.
type DelegationContract struct {
	ContractID string             `json:"contract_id"`
	Delegator  string             `json:"delegator"`
	Delegatee  string             `json:"delegatee"`
	TaskID     string             `json:"task_id"`
	TaskText   string             `json:"task_text"`
	SLO        SLO                `json:"slo"`
	Boundary   PermissionBoundary `json:"permission_boundary"`
	Monitoring Monitoring         `json:"monitoring"`
	Status     ContractStatus     `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt time.Time          `json:"resolved_at,omitempty"`
}

// TaskStatus is the terminal status of a dispatched task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskAborted   TaskStatus = "aborted"
)

// Finding is one step summary produced while executing a task.
type Finding struct {
	ToolName string `json:"tool_name"`
	Summary  string `json:"summary"`
}

// SwarmTaskRequest is the originator → worker dispatch body.
type SwarmTaskRequest struct {
	TaskID      string          `json:"task_id"`
	TaskText    string          `json:"task_text"`
	Constraints TaskConstraints `json:"constraints"`
	Originator  NodeIdentity    `json:"originator"`
	SessionID   string          `json:"session_id,omitempty"`
}

// SwarmTaskResult is the worker → originator callback body.
type SwarmTaskResult struct {
	TaskID     string     `json:"task_id"`
	NodeID     string     `json:"node_id"`
	Status     TaskStatus `json:"status"`
	Findings   []Finding  `json:"findings"`
	TokensUsed uint64     `json:"tokens_used"`
	CostUSD    float64    `json:"cost_usd"`
	DurationMs int64      `json:"duration_ms"`
}

// RFQ is a broadcast request-for-quotes inviting peers to bid on a task.
type RFQ struct {
	RFQID                string          `json:"rfq_id"`
	TaskText             string          `json:"task_text"`
	Originator           NodeIdentity    `json:"originator"`
	BidDeadlineMs        int64           `json:"bid_deadline_ms"`
	Constraints          TaskConstraints `json:"constraints"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Bid is a peer's offer to execute an RFQ's task.
type Bid struct {
	BidID               string    `json:"bid_id"`
	RFQID               string    `json:"rfq_id"`
	BidderNodeID        string    `json:"bidder_node_id"`
	EstimatedCostUSD    float64   `json:"estimated_cost_usd"`
	EstimatedDurationMs int64     `json:"estimated_duration_ms"`
	EstimatedTokens     uint64    `json:"estimated_tokens"`
	CapabilitiesOffered []string  `json:"capabilities_offered"`
	Round               int       `json:"round"`
	Nonce               string    `json:"nonce"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AuctionStatus is the lifecycle state of an auction record.
type AuctionStatus string

const (
	AuctionOpen       AuctionStatus = "open"
	AuctionCollecting AuctionStatus = "collecting"
	AuctionEvaluating AuctionStatus = "evaluating"
	AuctionAwarded    AuctionStatus = "awarded"
	AuctionExpired    AuctionStatus = "expired"
	AuctionCancelled  AuctionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionAwarded || s == AuctionExpired || s == AuctionCancelled
}

// AuctionRecord is one RFQ with its collected bids. Owned by TaskAuction
// until terminal, then archived.
type AuctionRecord struct {
	RFQ        RFQ           `json:"rfq"`
	Bids       []Bid         `json:"bids"`
	Status     AuctionStatus `json:"status"`
	WinningBid *Bid          `json:"winning_bid,omitempty"`
	Deadline   time.Time     `json:"deadline"`
	ResolvedAt time.Time     `json:"resolved_at,omitempty"`
}

// TaskCheckpoint is a durable snapshot of a still-running task.
type TaskCheckpoint struct {
	CheckpointID string    `json:"checkpoint_id"`
	TaskID       string    `json:"task_id"`
	PeerNodeID   string    `json:"peer_node_id"`
	State        []byte    `json:"state,omitempty"`
	Findings     []Finding `json:"findings_so_far"`
	TokensUsed   uint64    `json:"tokens_used"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// AnomalyType classifies a detected anomaly.
type AnomalyType string

const (
	AnomalyCostSpike          AnomalyType = "cost_spike"
	AnomalyDurationSpike      AnomalyType = "duration_spike"
	AnomalySuspiciousFindings AnomalyType = "suspicious_findings"
	AnomalyCapabilityMismatch AnomalyType = "capability_mismatch"
	AnomalyRepeatedFailures   AnomalyType = "repeated_failures"
)

// Severity grades an anomaly or sybil report.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AnomalyReport describes one detected anomaly on a peer's behaviour.
type AnomalyReport struct {
	AnomalyID   string         `json:"anomaly_id"`
	TaskID      string         `json:"task_id,omitempty"`
	PeerNodeID  string         `json:"peer_node_id"`
	Type        AnomalyType    `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// SybilIndicator classifies a suspected sybil pattern.
type SybilIndicator string

const (
	SybilCoordinatedJoin     SybilIndicator = "coordinated_join"
	SybilSameIPRange         SybilIndicator = "same_ip_range"
	SybilSimilarCapabilities SybilIndicator = "similar_capabilities"
)

// SybilAction is the recommended response to a sybil indicator.
type SybilAction string

const (
	SybilFlag       SybilAction = "flag"
	SybilChallenge  SybilAction = "challenge"
	SybilQuarantine SybilAction = "quarantine"
)

// SybilReport flags a cluster of suspect identities.
type SybilReport struct {
	Indicator      SybilIndicator `json:"indicator"`
	SuspectNodeIDs []string       `json:"suspect_node_ids"`
	Confidence     float64        `json:"confidence"`
	Action         SybilAction    `json:"action"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// TrustTier is the coarse bucket of a peer's trust score.
type TrustTier string

const (
	TierLow    TrustTier = "low"
	TierMedium TrustTier = "medium"
	TierHigh   TrustTier = "high"
	TierElite  TrustTier = "elite"
)

// TierForTrust maps a trust score to its tier. Monotonic in trust.
func TierForTrust(trust float64) TrustTier {
	switch {
	case trust < 0.4:
		return TierLow
	case trust < 0.7:
		return TierMedium
	case trust < 0.9:
		return TierHigh
	default:
		return TierElite
	}
}
