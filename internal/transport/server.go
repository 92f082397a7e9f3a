package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/mesh/internal/auction"
	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/escrow"
	"github.com/agentmesh/mesh/internal/journal"
	"github.com/agentmesh/mesh/internal/mesh"
	"github.com/agentmesh/mesh/internal/middleware"
	"github.com/agentmesh/mesh/internal/reputation"
	"github.com/agentmesh/mesh/internal/websocket"
)

// Sink receives the swarm traffic the server cannot answer on its own.
// The delegation core implements it.
type Sink interface {
	// AcceptTask decides whether this node takes on a dispatched task.
	AcceptTask(ctx context.Context, mode Mode, req core.SwarmTaskRequest) TaskAccept
	// AcceptResult ingests a finished result from a worker peer.
	AcceptResult(workerNodeID string, result core.SwarmTaskResult) error
	// AcceptCheckpoint ingests a mid-task checkpoint from a worker peer.
	AcceptCheckpoint(workerNodeID string, cp core.TaskCheckpoint) error
	// AcceptRFQ lets the node consider bidding on a peer's request for quotes.
	AcceptRFQ(rfq core.RFQ) error
	// AcceptBid routes a peer's bid into the local auction.
	AcceptBid(bid core.Bid) auction.BidResult
}

// QuarantineView exposes the anomaly detector's quarantine list for
// status queries.
type QuarantineView interface {
	QuarantinedPeers() []string
}

// ServerOptions configure the listener and its middleware.
type ServerOptions struct {
	BindAddr          string
	Port              int
	APIToken          string
	MaxCallsPerMinute int
}

// Server is the node's HTTP surface: the peer-to-peer swarm endpoints,
// operator queries, the event stream, and Prometheus metrics.
type Server struct {
	opts       ServerOptions
	mesh       *mesh.Manager
	sink       Sink
	journal    *journal.Journal
	reputation *reputation.Store
	escrow     *escrow.Manager
	quarantine QuarantineView
	streamer   *websocket.EventStreamer
	httpServer *http.Server
	logger     *log.Logger
}

// NewServer wires the HTTP surface. quarantine may be nil.
func NewServer(opts ServerOptions, meshMgr *mesh.Manager, sink Sink, jrnl *journal.Journal, rep *reputation.Store, esc *escrow.Manager, quarantine QuarantineView, streamer *websocket.EventStreamer) *Server {
	return &Server{
		opts:       opts,
		mesh:       meshMgr,
		sink:       sink,
		journal:    jrnl,
		reputation: rep,
		escrow:     esc,
		quarantine: quarantine,
		streamer:   streamer,
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table. Exposed separately so tests can drive
// it through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.BearerAuth(s.opts.APIToken))
	rl := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: s.opts.MaxCallsPerMinute})
	api.Use(rl.Middleware)

	// Peer-to-peer swarm protocol
	api.HandleFunc("/swarm/hello", s.handleHello).Methods("POST")
	api.HandleFunc("/swarm/heartbeat", s.handleHeartbeat).Methods("POST")
	api.HandleFunc("/swarm/task.request", s.handleTaskRequest).Methods("POST")
	api.HandleFunc("/swarm/task.result", s.handleTaskResult).Methods("POST")
	api.HandleFunc("/swarm/rfq", s.handleRFQ).Methods("POST")
	api.HandleFunc("/swarm/bid", s.handleBid).Methods("POST")
	api.HandleFunc("/swarm/checkpoint", s.handleCheckpoint).Methods("POST")
	api.HandleFunc("/swarm/events", s.streamer.HandleWebSocket).Methods("GET")

	// Operator queries
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/peers", s.handlePeers).Methods("GET")
	api.HandleFunc("/reputation/{node_id}", s.handleReputation).Methods("GET")
	api.HandleFunc("/escrow/{node_id}", s.handleEscrow).Methods("GET")

	return r
}

// Start binds the listener and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.BindAddr, s.opts.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
	}
	s.logger.Printf("listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// --- Swarm handlers ---

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	var req HelloRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed hello body")
		return
	}

	if req.Solution != "" {
		if !s.mesh.VerifyJoinSolution(req.Identity.NodeID, req.Solution) {
			writeError(w, http.StatusForbidden, "pow_rejected", "proof of work solution did not verify")
			return
		}
		writeJSON(w, http.StatusOK, HelloResponse{
			Identity: s.mesh.Identity(),
			Decision: mesh.JoinDecision{Accepted: true},
		})
		return
	}

	decision := s.mesh.HandleHello(req.Identity)
	if !decision.Accepted && decision.Challenge == "" {
		writeError(w, http.StatusForbidden, "join_rejected", decision.Reason)
		return
	}
	writeJSON(w, http.StatusOK, HelloResponse{
		Identity: s.mesh.Identity(),
		Decision: decision,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed heartbeat body")
		return
	}
	if req.Beat.From.NodeID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "heartbeat missing sender identity")
		return
	}
	ack := s.mesh.HandleHeartbeat(req.Beat)
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleTaskRequest(w http.ResponseWriter, r *http.Request) {
	var env TaskRequestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed task request")
		return
	}
	if env.Request.TaskID == "" || env.Request.TaskText == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "task request missing task_id or task_text")
		return
	}

	accept := s.sink.AcceptTask(r.Context(), env.Mode, env.Request)
	writeJSON(w, http.StatusOK, accept)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	var env TaskResultEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed task result")
		return
	}
	if err := s.sink.AcceptResult(env.OriginatorNodeID, env.Result); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "result_rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleRFQ(w http.ResponseWriter, r *http.Request) {
	var env RFQEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed rfq")
		return
	}
	if err := s.sink.AcceptRFQ(env.RFQ); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "rfq_rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "considering"})
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	var env BidEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed bid")
		return
	}
	result := s.sink.AcceptBid(env.Bid)
	if !result.Accepted {
		writeError(w, http.StatusConflict, "bid_rejected", result.Reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var env CheckpointEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed checkpoint")
		return
	}
	if err := s.sink.AcceptCheckpoint(env.OriginatorNodeID, env.Checkpoint); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "checkpoint_rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

// --- Operator queries ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	peers := s.mesh.GetPeers()
	active := 0
	for _, p := range peers {
		if p.Status == core.PeerActive {
			active++
		}
	}

	status := map[string]any{
		"identity":        s.mesh.Identity(),
		"peers_known":     len(peers),
		"peers_active":    active,
		"journal":         s.journal.HealthCheck(),
		"escrow_sink_usd": s.escrow.SinkTotal(),
		"event_clients":   s.streamer.ClientCount(),
	}
	if s.quarantine != nil {
		status["quarantined_peers"] = s.quarantine.QuarantinedPeers()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mesh.GetPeers())
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	rep, ok := s.reputation.Get(nodeID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no reputation recorded for "+nodeID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reputation":  rep,
		"trust_score": s.reputation.GetTrustScore(nodeID),
		"tier":        s.reputation.Tier(nodeID),
	})
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	acct, ok := s.escrow.GetAccount(nodeID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no escrow account for "+nodeID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":      acct,
		"free_balance": s.escrow.FreeBalance(nodeID),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := s.journal.HealthCheck()
	if !health.Writable {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "journal": health})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
