// Package transport implements the HTTP/JSON wire protocol between mesh
// peers: hello/heartbeat for membership, RFQ/bid for auctions, and
// task request/result/checkpoint for delegation, plus the operator query
// surface of the local node.
package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/mesh"
)

// Mode selects the dispatch deadline for task requests.
type Mode string

const (
	ModeFast        Mode = "fast"
	ModeInteractive Mode = "interactive"
	ModeSimulation  Mode = "simulation"
)

// DeadlineFor maps a mode to its dispatch deadline.
func DeadlineFor(mode Mode) time.Duration {
	switch mode {
	case ModeInteractive:
		return 60 * time.Second
	case ModeSimulation:
		return 15 * time.Second
	default:
		return 10 * time.Second
	}
}

// ErrorBody is the machine-readable 4xx rejection payload.
type ErrorBody struct {
	ErrorCode string `json:"error_code"`
	Reason    string `json:"reason"`
}

// HelloRequest is the first-contact identity exchange.
type HelloRequest struct {
	RequestID string            `json:"request_id"`
	Identity  core.NodeIdentity `json:"identity"`
	// Solution answers a previously issued proof-of-work challenge.
	Solution string `json:"solution,omitempty"`
}

// HelloResponse returns the receiver's identity and the join decision.
type HelloResponse struct {
	Identity core.NodeIdentity `json:"identity"`
	Decision mesh.JoinDecision `json:"decision"`
}

// HeartbeatRequest wraps a mesh heartbeat on the wire.
type HeartbeatRequest struct {
	RequestID string         `json:"request_id"`
	Beat      mesh.Heartbeat `json:"beat"`
}

// TaskRequestEnvelope wraps a dispatched task.
type TaskRequestEnvelope struct {
	RequestID string                `json:"request_id"`
	Mode      Mode                  `json:"mode,omitempty"`
	Request   core.SwarmTaskRequest `json:"request"`
}

// TaskAccept is the worker's accept/reject reply to a task request.
type TaskAccept struct {
	TaskID   string `json:"task_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// TaskResultEnvelope wraps the worker's result callback.
type TaskResultEnvelope struct {
	RequestID        string               `json:"request_id"`
	OriginatorNodeID string               `json:"originator_node_id"`
	Result           core.SwarmTaskResult `json:"result"`
}

// RFQEnvelope wraps a broadcast RFQ.
type RFQEnvelope struct {
	RequestID string   `json:"request_id"`
	RFQ       core.RFQ `json:"rfq"`
}

// BidEnvelope wraps a bid sent back to the originator.
type BidEnvelope struct {
	RequestID string   `json:"request_id"`
	Bid       core.Bid `json:"bid"`
}

// CheckpointEnvelope wraps a mid-task checkpoint callback.
type CheckpointEnvelope struct {
	RequestID        string              `json:"request_id"`
	OriginatorNodeID string              `json:"originator_node_id"`
	Checkpoint       core.TaskCheckpoint `json:"checkpoint"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, ErrorBody{ErrorCode: code, Reason: reason})
}
