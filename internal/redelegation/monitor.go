// Package redelegation tracks retry chains per task so a failing
// delegation cannot bounce between peers forever. Each retry is a hop;
// hops are rate limited by a cooldown and capped, after which the chain
// is terminal.
package redelegation

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Recorder is the journal surface chain events go to.
type Recorder interface {
	TryEmit(sessionID, eventType string, payload map[string]any) bool
}

// Config holds the chain limits.
type Config struct {
	// MaxRedelegations is the number of retries allowed after the first
	// attempt; exceeding it makes the chain terminal.
	MaxRedelegations int
	// Cooldown is the minimum gap between attempts, measured from the
	// previous attempt's timestamp.
	Cooldown time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{MaxRedelegations: 3, Cooldown: time.Second}
}

// Decision is the monitor's verdict on one attempt. A rejected attempt
// is normal control flow, not an error.
type Decision struct {
	Allowed  bool
	Reason   string
	Hop      int  // 0 for the first attempt
	Terminal bool // the chain accepts no further attempts
}

// Chain is the retry history for one task.
type Chain struct {
	TaskID        string
	Attempts      []Attempt
	Terminal      bool
	LastAttemptAt time.Time
}

// Attempt is one dispatch in a chain.
type Attempt struct {
	PeerNodeID string
	Hop        int
	At         time.Time
}

// Monitor enforces hop caps and cooldowns. Safe for concurrent use.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	chains map[string]*Chain

	recorder Recorder
	logger   *log.Logger
	now      func() time.Time
}

// NewMonitor returns a monitor with the given limits. recorder may be
// nil.
func NewMonitor(cfg Config, recorder Recorder) *Monitor {
	if cfg.MaxRedelegations <= 0 {
		cfg.MaxRedelegations = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Second
	}
	return &Monitor{
		cfg:      cfg,
		chains:   make(map[string]*Chain),
		recorder: recorder,
		logger:   log.New(log.Writer(), "[REDELEGATE] ", log.LstdFlags),
		now:      time.Now,
	}
}

// TrackDelegation records an attempt to delegate the task to the peer
// and returns whether the attempt may proceed. The first attempt for a
// task always passes; retries must respect the cooldown and the hop cap.
func (m *Monitor) TrackDelegation(taskID, peerNodeID string) Decision {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[taskID]
	if !ok {
		chain = &Chain{TaskID: taskID}
		m.chains[taskID] = chain
	}

	if chain.Terminal {
		return Decision{
			Reason:   fmt.Sprintf("chain for task %s is terminal after %d attempts", taskID, len(chain.Attempts)),
			Hop:      len(chain.Attempts) - 1,
			Terminal: true,
		}
	}

	hop := len(chain.Attempts)
	if hop > 0 {
		if elapsed := now.Sub(chain.LastAttemptAt); elapsed < m.cfg.Cooldown {
			return Decision{
				Reason: fmt.Sprintf("cooldown: %v since last attempt, need %v", elapsed.Round(time.Millisecond), m.cfg.Cooldown),
				Hop:    hop - 1,
			}
		}
		if hop > m.cfg.MaxRedelegations {
			chain.Terminal = true
			m.logger.Printf("task %s exhausted %d re-delegations, chain terminal", taskID, m.cfg.MaxRedelegations)
			if m.recorder != nil {
				m.recorder.TryEmit("delegation", "redelegation_exhausted", map[string]any{
					"task_id": taskID, "attempts": hop, "max_redelegations": m.cfg.MaxRedelegations,
				})
			}
			return Decision{
				Reason:   fmt.Sprintf("max re-delegations (%d) exceeded for task %s", m.cfg.MaxRedelegations, taskID),
				Hop:      hop - 1,
				Terminal: true,
			}
		}
	}

	chain.Attempts = append(chain.Attempts, Attempt{PeerNodeID: peerNodeID, Hop: hop, At: now})
	chain.LastAttemptAt = now

	if hop > 0 && m.recorder != nil {
		m.recorder.TryEmit("delegation", "redelegation_tracked", map[string]any{
			"task_id": taskID, "peer_node_id": peerNodeID, "hop": hop,
		})
	}
	return Decision{Allowed: true, Hop: hop}
}

// GetChain returns a copy of the chain for a task.
func (m *Monitor) GetChain(taskID string) (Chain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[taskID]
	if !ok {
		return Chain{}, false
	}
	out := *chain
	out.Attempts = make([]Attempt, len(chain.Attempts))
	copy(out.Attempts, chain.Attempts)
	return out, true
}

// Forget discards the chain for a finished task.
func (m *Monitor) Forget(taskID string) {
	m.mu.Lock()
	delete(m.chains, taskID)
	m.mu.Unlock()
}
