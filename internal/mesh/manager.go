// Package mesh owns the local node identity and the peer table: joins,
// heartbeats, gossiped peer discovery, and the per-peer liveness state
// machine. Everything else in the process holds node IDs and looks peers
// up here.
package mesh

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/sybil"
)

// Recorder is the journal surface membership events go to.
type Recorder interface {
	TryEmit(sessionID, eventType string, payload map[string]any) bool
}

// Heartbeat is the liveness message exchanged between peers. KnownPeers
// carries the sender's active peer identities for gossip.
type Heartbeat struct {
	From       core.NodeIdentity   `json:"from"`
	KnownPeers []core.NodeIdentity `json:"known_peers,omitempty"`
	SentAt     time.Time           `json:"sent_at"`
}

// HeartbeatAck is the receiver's reply, carrying its own gossip.
type HeartbeatAck struct {
	From       core.NodeIdentity   `json:"from"`
	KnownPeers []core.NodeIdentity `json:"known_peers,omitempty"`
}

// Pinger sends heartbeats to a peer's api_url. Implemented by the
// transport client.
type Pinger interface {
	SendHeartbeat(ctx context.Context, apiURL string, beat Heartbeat) (*HeartbeatAck, error)
}

// JoinDecision is the outcome of a join request. A challenged join is
// admitted to the table but withheld from the active set until the
// proof of work verifies.
type JoinDecision struct {
	Accepted  bool   `json:"accepted"`
	Challenge string `json:"challenge,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Options are the membership timers.
type Options struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SuspectedAfter    time.Duration
	UnreachableAfter  time.Duration
	EvictAfter        time.Duration
}

// DefaultOptions mirrors the documented defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 5 * time.Second,
		SweepInterval:     2 * time.Second,
		SuspectedAfter:    15 * time.Second,
		UnreachableAfter:  45 * time.Second,
		EvictAfter:        5 * time.Minute,
	}
}

// Manager is the exclusive owner of the peer table. Safe for concurrent
// use.
type Manager struct {
	mu         sync.RWMutex
	self       core.NodeIdentity
	peers      map[string]*core.PeerEntry
	pendingPoW map[string]struct{}

	opts     Options
	sybil    *sybil.Detector
	pinger   Pinger
	recorder Recorder
	logger   *log.Logger
	now      func() time.Time

	stop chan struct{}
	done sync.WaitGroup
}

// NewManager wires the membership layer. pinger and recorder may be nil
// (a nil pinger disables the outbound heartbeat loop).
func NewManager(self core.NodeIdentity, opts Options, sybilDet *sybil.Detector, pinger Pinger, recorder Recorder) *Manager {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.SuspectedAfter <= 0 {
		opts.SuspectedAfter = def.SuspectedAfter
	}
	if opts.UnreachableAfter <= 0 {
		opts.UnreachableAfter = def.UnreachableAfter
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = def.EvictAfter
	}
	return &Manager{
		self:       self,
		peers:      make(map[string]*core.PeerEntry),
		pendingPoW: make(map[string]struct{}),
		opts:       opts,
		sybil:      sybilDet,
		pinger:     pinger,
		recorder:   recorder,
		logger:     log.New(log.Writer(), "[MESH] ", log.LstdFlags),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Identity returns the local node's identity.
func (m *Manager) Identity() core.NodeIdentity {
	return m.self
}

// Start launches the heartbeat and sweeper loops.
func (m *Manager) Start() {
	m.done.Add(1)
	go m.sweepLoop()
	if m.pinger != nil {
		m.done.Add(1)
		go m.heartbeatLoop()
	}
	m.logger.Printf("node %s (%s) up on %s", m.self.NodeID, m.self.DisplayName, m.self.APIURL)
}

// Stop halts the loops and waits for them to drain.
func (m *Manager) Stop() {
	close(m.stop)
	m.done.Wait()
}

// HandleHello processes a join request: the identity is screened by the
// sybil detector, admitted to the table, and either activated or held
// behind a proof-of-work challenge.
func (m *Manager) HandleHello(identity core.NodeIdentity) JoinDecision {
	if identity.NodeID == "" || identity.NodeID == m.self.NodeID {
		return JoinDecision{Reason: "invalid node_id"}
	}

	var reports []core.SybilReport
	challenged := false
	if m.sybil != nil {
		reports = m.sybil.InspectJoin(identity)
		challenged = m.sybil.RequiresChallenge(reports)
	}

	now := m.now().UTC()
	m.mu.Lock()
	entry, known := m.peers[identity.NodeID]
	if !known {
		entry = &core.PeerEntry{Identity: identity, JoinedAt: now}
		m.peers[identity.NodeID] = entry
	}
	entry.Identity = identity
	entry.LastHeartbeatAt = now
	if challenged {
		m.pendingPoW[identity.NodeID] = struct{}{}
		entry.Status = core.PeerSuspected
	} else {
		delete(m.pendingPoW, identity.NodeID)
		entry.Status = core.PeerActive
	}
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.TryEmit("mesh", "peer_joined", map[string]any{
			"node_id": identity.NodeID, "api_url": identity.APIURL, "challenged": challenged,
		})
	}

	if challenged {
		challenge, err := m.sybil.IssueChallenge(identity.NodeID)
		if err != nil {
			m.logger.Printf("challenge issue for %s failed: %v", identity.NodeID, err)
			return JoinDecision{Reason: "challenge unavailable, retry"}
		}
		return JoinDecision{Accepted: true, Challenge: challenge, Reason: "proof of work required"}
	}
	return JoinDecision{Accepted: true}
}

// VerifyJoinSolution checks a peer's proof-of-work answer and, when it
// verifies, releases the peer into the active set.
func (m *Manager) VerifyJoinSolution(nodeID, solution string) bool {
	if m.sybil == nil || !m.sybil.VerifySolution(nodeID, solution) {
		return false
	}

	m.mu.Lock()
	delete(m.pendingPoW, nodeID)
	if entry, ok := m.peers[nodeID]; ok {
		entry.Status = core.PeerActive
		entry.LastHeartbeatAt = m.now().UTC()
	}
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.TryEmit("mesh", "peer_pow_verified", map[string]any{"node_id": nodeID})
	}
	return true
}

// HandleHeartbeat processes an inbound heartbeat: the sender is marked
// active (unless withheld pending PoW), gossiped identities are merged,
// and the reply carries our own gossip.
func (m *Manager) HandleHeartbeat(beat Heartbeat) HeartbeatAck {
	m.touch(beat.From, 0)
	for _, id := range beat.KnownPeers {
		m.learn(id)
	}
	return HeartbeatAck{From: m.self, KnownPeers: m.activeIdentities()}
}

// HandleLeave transitions a peer to left on an explicit goodbye.
func (m *Manager) HandleLeave(nodeID string) {
	m.mu.Lock()
	entry, ok := m.peers[nodeID]
	if ok {
		entry.Status = core.PeerLeft
	}
	m.mu.Unlock()

	if ok && m.recorder != nil {
		m.recorder.TryEmit("mesh", "peer_left", map[string]any{"node_id": nodeID})
	}
}

// RecordSuccess notes a successful exchange with a peer: failures reset
// and the latency sample is kept.
func (m *Manager) RecordSuccess(nodeID string, latencyMs float64) {
	m.mu.Lock()
	if entry, ok := m.peers[nodeID]; ok {
		entry.ConsecutiveFailures = 0
		if latencyMs > 0 {
			entry.LastLatencyMs = latencyMs
		}
	}
	m.mu.Unlock()
}

// RecordFailure bumps a peer's consecutive transport failures.
func (m *Manager) RecordFailure(nodeID string) {
	m.mu.Lock()
	if entry, ok := m.peers[nodeID]; ok {
		entry.ConsecutiveFailures++
	}
	m.mu.Unlock()
}

// GetPeer returns a copy of one peer entry.
func (m *Manager) GetPeer(nodeID string) (core.PeerEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.peers[nodeID]
	if !ok {
		return core.PeerEntry{}, false
	}
	return *entry, true
}

// GetPeers returns copies of every tracked peer, sorted by node ID.
func (m *Manager) GetPeers() []core.PeerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.PeerEntry, 0, len(m.peers))
	for _, entry := range m.peers {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.NodeID < out[j].Identity.NodeID })
	return out
}

// GetActivePeers returns only peers in the active state.
func (m *Manager) GetActivePeers() []core.PeerEntry {
	all := m.GetPeers()
	out := all[:0]
	for _, entry := range all {
		if entry.Status == core.PeerActive {
			out = append(out, entry)
		}
	}
	return out
}

// touch marks a peer alive now. A fresh heartbeat reactivates any state
// except a pending-PoW hold.
func (m *Manager) touch(identity core.NodeIdentity, latencyMs float64) {
	if identity.NodeID == "" || identity.NodeID == m.self.NodeID {
		return
	}
	now := m.now().UTC()

	m.mu.Lock()
	entry, ok := m.peers[identity.NodeID]
	if !ok {
		entry = &core.PeerEntry{Identity: identity, JoinedAt: now}
		m.peers[identity.NodeID] = entry
	}
	entry.Identity = identity
	entry.LastHeartbeatAt = now
	entry.ConsecutiveFailures = 0
	if latencyMs > 0 {
		entry.LastLatencyMs = latencyMs
	}
	if _, withheld := m.pendingPoW[identity.NodeID]; !withheld {
		entry.Status = core.PeerActive
	}
	m.mu.Unlock()
}

// learn folds a gossiped identity into the table. Gossip introduces a
// peer as suspected; it turns active only on direct contact.
func (m *Manager) learn(identity core.NodeIdentity) {
	if identity.NodeID == "" || identity.NodeID == m.self.NodeID {
		return
	}

	m.mu.Lock()
	_, known := m.peers[identity.NodeID]
	m.mu.Unlock()
	if known {
		return
	}

	var challenged bool
	if m.sybil != nil {
		challenged = m.sybil.RequiresChallenge(m.sybil.InspectJoin(identity))
	}

	now := m.now().UTC()
	m.mu.Lock()
	if _, raced := m.peers[identity.NodeID]; !raced {
		m.peers[identity.NodeID] = &core.PeerEntry{
			Identity:        identity,
			Status:          core.PeerSuspected,
			LastHeartbeatAt: now,
			JoinedAt:        now,
		}
		if challenged {
			m.pendingPoW[identity.NodeID] = struct{}{}
		}
	}
	m.mu.Unlock()
}

func (m *Manager) activeIdentities() []core.NodeIdentity {
	peers := m.GetActivePeers()
	out := make([]core.NodeIdentity, 0, len(peers))
	for _, entry := range peers {
		out = append(out, entry.Identity)
	}
	return out
}

func (m *Manager) heartbeatLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.heartbeatOnce()
		}
	}
}

func (m *Manager) heartbeatOnce() {
	beat := Heartbeat{From: m.self, KnownPeers: m.activeIdentities(), SentAt: m.now().UTC()}

	for _, entry := range m.GetPeers() {
		if entry.Status == core.PeerLeft {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.HeartbeatInterval)
		start := m.now()
		ack, err := m.pinger.SendHeartbeat(ctx, entry.Identity.APIURL, beat)
		cancel()
		if err != nil {
			m.RecordFailure(entry.Identity.NodeID)
			continue
		}
		latency := float64(m.now().Sub(start).Milliseconds())
		m.touch(ack.From, latency)
		for _, id := range ack.KnownPeers {
			m.learn(id)
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep advances peer states from heartbeat age alone: active peers go
// suspected, then unreachable, and finally fall out of the table.
func (m *Manager) Sweep() {
	now := m.now().UTC()

	m.mu.Lock()
	var evicted, demoted []string
	for nodeID, entry := range m.peers {
		if entry.Status == core.PeerLeft {
			continue
		}
		age := now.Sub(entry.LastHeartbeatAt)
		switch {
		case age >= m.opts.EvictAfter:
			delete(m.peers, nodeID)
			delete(m.pendingPoW, nodeID)
			evicted = append(evicted, nodeID)
		case age >= m.opts.UnreachableAfter:
			if entry.Status != core.PeerUnreachable {
				entry.Status = core.PeerUnreachable
				demoted = append(demoted, nodeID)
			}
		case age >= m.opts.SuspectedAfter:
			if entry.Status == core.PeerActive {
				entry.Status = core.PeerSuspected
				demoted = append(demoted, nodeID)
			}
		}
	}
	m.mu.Unlock()

	for _, nodeID := range demoted {
		m.logger.Printf("peer %s demoted for missed heartbeats", nodeID)
	}
	for _, nodeID := range evicted {
		m.logger.Printf("peer %s evicted", nodeID)
		if m.recorder != nil {
			m.recorder.TryEmit("mesh", "peer_evicted", map[string]any{"node_id": nodeID})
		}
	}
}
