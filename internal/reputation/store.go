// Package reputation tracks per-peer delegation outcomes and derives the
// trust score used for routing, auction scoring, and graduated authority.
// Counters persist to a JSONL sidecar so trust survives restart; the
// derived trust score is never stored, only recomputed.
package reputation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/core"
)

// PeerReputation holds the outcome counters for one peer. Trust is
// derived from these; see Trust.
type PeerReputation struct {
	NodeID               string    `json:"node_id"`
	TasksCompleted       int       `json:"tasks_completed"`
	TasksFailed          int       `json:"tasks_failed"`
	TasksAborted         int       `json:"tasks_aborted"`
	TotalDurationMs      int64     `json:"total_duration_ms"`
	TotalTokensUsed      uint64    `json:"total_tokens_used"`
	TotalCostUSD         float64   `json:"total_cost_usd"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastOutcomeAt        time.Time `json:"last_outcome_at"`
}

// Outcomes returns the total number of recorded outcomes.
func (r PeerReputation) Outcomes() int {
	return r.TasksCompleted + r.TasksFailed + r.TasksAborted
}

// AvgLatencyMs is the mean task duration across all outcomes.
func (r PeerReputation) AvgLatencyMs() float64 {
	n := r.Outcomes()
	if n == 0 {
		return 0
	}
	return float64(r.TotalDurationMs) / float64(n)
}

// Trust derives the trust score in [0,1]:
//
//	successRate   = completed / max(1, outcomes)
//	streakBonus   = min(0.2, 0.02 * consecutive_successes)
//	streakPenalty = min(0.4, 0.05 * consecutive_failures)
//	latencyFactor = clamp(1 - avg_latency_ms/10000, 0, 1)
//	trust = clamp(0.6*successRate + 0.2*latencyFactor + bonus - penalty, 0, 1)
func (r PeerReputation) Trust() float64 {
	outcomes := r.Outcomes()
	denom := outcomes
	if denom < 1 {
		denom = 1
	}
	successRate := float64(r.TasksCompleted) / float64(denom)

	streakBonus := 0.02 * float64(r.ConsecutiveSuccesses)
	if streakBonus > 0.2 {
		streakBonus = 0.2
	}
	streakPenalty := 0.05 * float64(r.ConsecutiveFailures)
	if streakPenalty > 0.4 {
		streakPenalty = 0.4
	}

	latencyFactor := clamp01(1 - r.AvgLatencyMs()/10_000)

	return clamp01(0.6*successRate + 0.2*latencyFactor + streakBonus - streakPenalty)
}

// Outcome is one recorded delegation result.
type Outcome struct {
	NodeID     string          `json:"node_id"`
	Status     core.TaskStatus `json:"status"`
	DurationMs int64           `json:"duration_ms"`
	TokensUsed uint64          `json:"tokens_used"`
	CostUSD    float64         `json:"cost_usd"`
}

// UnknownTrust is the prior returned for peers with no history.
const UnknownTrust = 0.5

// Store keeps per-peer reputation with JSONL snapshot persistence. Safe
// for concurrent use.
type Store struct {
	mu     sync.RWMutex
	peers  map[string]*PeerReputation
	path   string // empty disables persistence
	logger *log.Logger
}

// NewStore opens the store, replaying the sidecar at path when it exists.
// Later snapshot lines for the same peer win, so the file is compacted to
// one line per peer on load. An empty path keeps the store in memory only.
func NewStore(path string) (*Store, error) {
	s := &Store{
		peers:  make(map[string]*PeerReputation),
		path:   path,
		logger: log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
	}
	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("reputation: create dir: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rep PeerReputation
		if err := json.Unmarshal(line, &rep); err != nil {
			s.logger.Printf("skipping corrupt sidecar line: %v", err)
			continue
		}
		repCopy := rep
		s.peers[rep.NodeID] = &repCopy
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := s.compact(); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordOutcome folds one outcome into the peer's counters and persists
// the updated snapshot. Consecutive failures reset on completion and
// vice versa; aborts break a success streak without counting as failure.
func (s *Store) RecordOutcome(o Outcome) (*PeerReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep, ok := s.peers[o.NodeID]
	if !ok {
		rep = &PeerReputation{NodeID: o.NodeID}
		s.peers[o.NodeID] = rep
	}

	switch o.Status {
	case core.TaskCompleted:
		rep.TasksCompleted++
		rep.ConsecutiveSuccesses++
		rep.ConsecutiveFailures = 0
	case core.TaskFailed:
		rep.TasksFailed++
		rep.ConsecutiveFailures++
		rep.ConsecutiveSuccesses = 0
	case core.TaskAborted:
		rep.TasksAborted++
		rep.ConsecutiveSuccesses = 0
	default:
		return nil, fmt.Errorf("reputation: unknown outcome status %q", o.Status)
	}

	rep.TotalDurationMs += o.DurationMs
	rep.TotalTokensUsed += o.TokensUsed
	rep.TotalCostUSD += o.CostUSD
	rep.LastOutcomeAt = time.Now().UTC()

	if err := s.appendSnapshot(rep); err != nil {
		return nil, err
	}

	snapshot := *rep
	return &snapshot, nil
}

// GetTrustScore returns the derived trust for a peer, or the 0.5 prior
// for unknown peers.
func (s *Store) GetTrustScore(nodeID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rep, ok := s.peers[nodeID]
	if !ok {
		return UnknownTrust
	}
	return rep.Trust()
}

// Tier returns the trust tier for a peer.
func (s *Store) Tier(nodeID string) core.TrustTier {
	return core.TierForTrust(s.GetTrustScore(nodeID))
}

// Get returns a copy of the peer's reputation record.
func (s *Store) Get(nodeID string) (PeerReputation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rep, ok := s.peers[nodeID]
	if !ok {
		return PeerReputation{}, false
	}
	return *rep, true
}

// All returns a snapshot of every known peer's reputation.
func (s *Store) All() []PeerReputation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeerReputation, 0, len(s.peers))
	for _, rep := range s.peers {
		out = append(out, *rep)
	}
	return out
}

// appendSnapshot writes the peer's current counters as one sidecar line.
// Caller holds the lock.
func (s *Store) appendSnapshot(rep *PeerReputation) error {
	if s.path == "" {
		return nil
	}
	line, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reputation: open sidecar: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("reputation: append sidecar: %w", err)
	}
	return nil
}

// compact rewrites the sidecar to one line per peer. Caller must not
// hold the lock (only used during NewStore).
func (s *Store) compact() error {
	if s.path == "" || len(s.peers) == 0 {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".reputation-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, rep := range s.peers {
		line, err := json.Marshal(rep)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
