// Package escrow manages per-peer USD balances and the bonds held against
// in-flight delegations. Slashed amounts go to a sink, never to a
// counterparty. Every state change is journaled and balances survive
// restart via a JSONL sidecar.
package escrow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Recorder is the journal surface escrow reports into. Satisfied by
// *journal.Journal.
type Recorder interface {
	TryEmit(sessionID, eventType string, payload map[string]any) bool
}

// Account is one peer's escrow state.
type Account struct {
	NodeID      string             `json:"node_id"`
	FreeBalance float64            `json:"free_balance"`
	Held        map[string]float64 `json:"held"` // task_id -> held amount
}

// HeldTotal sums the bonds currently held against the account.
func (a Account) HeldTotal() float64 {
	var total float64
	for _, amt := range a.Held {
		total += amt
	}
	return total
}

// HoldResult is the outcome of a bond hold attempt. A rejected hold is a
// normal control-flow outcome, not an error.
type HoldResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Manager owns all escrow accounts. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	accounts map[string]*Account
	holds    map[string]string // task_id -> node_id, the single active hold per task
	sink     float64           // cumulative slashed
	minBond  float64

	path     string
	recorder Recorder
	logger   *log.Logger
}

type sidecarLine struct {
	Account *Account `json:"account,omitempty"`
	Sink    *float64 `json:"sink,omitempty"`
}

// NewManager opens the escrow manager, replaying the sidecar at path if
// present. recorder may be nil; path may be empty for in-memory use.
func NewManager(path string, minBond float64, recorder Recorder) (*Manager, error) {
	m := &Manager{
		accounts: make(map[string]*Account),
		holds:    make(map[string]string),
		minBond:  minBond,
		path:     path,
		recorder: recorder,
		logger:   log.New(log.Writer(), "[ESCROW] ", log.LstdFlags),
	}
	if path == "" {
		return m, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("escrow: create dir: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line sidecarLine
		if err := json.Unmarshal(raw, &line); err != nil {
			m.logger.Printf("skipping corrupt sidecar line: %v", err)
			continue
		}
		if line.Sink != nil {
			m.sink = *line.Sink
		}
		if line.Account != nil {
			acct := *line.Account
			if acct.Held == nil {
				acct.Held = make(map[string]float64)
			}
			m.accounts[acct.NodeID] = &acct
			for taskID := range acct.Held {
				m.holds[taskID] = acct.NodeID
			}
		}
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Deposit grows a peer's free balance.
func (m *Manager) Deposit(nodeID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow: deposit must be positive, got %.4f", amount)
	}

	m.mu.Lock()
	acct := m.accountLocked(nodeID)
	acct.FreeBalance += amount
	err := m.persistLocked(acct)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.record("escrow_deposit", map[string]any{
		"node_id": nodeID, "amount_usd": amount,
	})
	return nil
}

// HoldBond moves amount from free to held for the task. Rejected when the
// amount is below the minimum bond, the peer's free balance is
// insufficient, or the task already has an active hold.
func (m *Manager) HoldBond(taskID, nodeID string, amount float64) (HoldResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount < m.minBond {
		return HoldResult{Reason: fmt.Sprintf("bond %.4f below minimum %.4f", amount, m.minBond)}, nil
	}
	if holder, exists := m.holds[taskID]; exists {
		return HoldResult{Reason: fmt.Sprintf("task already has an active bond held from %s", holder)}, nil
	}

	acct := m.accountLocked(nodeID)
	if acct.FreeBalance < amount {
		return HoldResult{Reason: fmt.Sprintf("insufficient free balance: %.4f < %.4f", acct.FreeBalance, amount)}, nil
	}

	acct.FreeBalance -= amount
	acct.Held[taskID] = amount
	m.holds[taskID] = nodeID
	if err := m.persistLocked(acct); err != nil {
		return HoldResult{}, err
	}

	m.record("bond_held", map[string]any{
		"task_id": taskID, "node_id": nodeID, "amount_usd": amount,
	})
	return HoldResult{Accepted: true}, nil
}

// ReleaseBond returns the task's held bond to the peer's free balance.
// Idempotent: releasing a task with no active hold is a no-op.
func (m *Manager) ReleaseBond(taskID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodeID, exists := m.holds[taskID]
	if !exists {
		return 0, nil
	}
	acct := m.accounts[nodeID]
	amount := acct.Held[taskID]

	acct.FreeBalance += amount
	delete(acct.Held, taskID)
	delete(m.holds, taskID)
	if err := m.persistLocked(acct); err != nil {
		return 0, err
	}

	m.record("bond_released", map[string]any{
		"task_id": taskID, "node_id": nodeID, "amount_usd": amount,
	})
	return amount, nil
}

// SlashBond transfers pct% of the task's held bond to the sink and
// returns the remainder to the peer's free balance. Idempotent: a task
// with no active hold slashes nothing.
func (m *Manager) SlashBond(taskID string, pct float64) (float64, error) {
	if pct < 0 || pct > 100 {
		return 0, fmt.Errorf("escrow: slash pct out of range: %.2f", pct)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nodeID, exists := m.holds[taskID]
	if !exists {
		return 0, nil
	}
	acct := m.accounts[nodeID]
	held := acct.Held[taskID]

	slashed := held * pct / 100
	acct.FreeBalance += held - slashed
	m.sink += slashed
	delete(acct.Held, taskID)
	delete(m.holds, taskID)
	if err := m.persistLocked(acct); err != nil {
		return 0, err
	}

	m.record("bond_slashed", map[string]any{
		"task_id": taskID, "node_id": nodeID,
		"slashed_usd": slashed, "returned_usd": held - slashed, "pct": pct,
	})
	return slashed, nil
}

// GetAccount returns a copy of the peer's account.
func (m *Manager) GetAccount(nodeID string) (Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[nodeID]
	if !ok {
		return Account{}, false
	}
	return m.copyLocked(acct), true
}

// FreeBalance returns the peer's free balance (zero for unknown peers).
func (m *Manager) FreeBalance(nodeID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[nodeID]; ok {
		return acct.FreeBalance
	}
	return 0
}

// SinkTotal returns the cumulative slashed amount.
func (m *Manager) SinkTotal() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

// ActiveHold returns the peer and amount of the task's bond, if held.
func (m *Manager) ActiveHold(taskID string) (nodeID string, amount float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodeID, ok = m.holds[taskID]
	if !ok {
		return "", 0, false
	}
	return nodeID, m.accounts[nodeID].Held[taskID], true
}

func (m *Manager) accountLocked(nodeID string) *Account {
	acct, ok := m.accounts[nodeID]
	if !ok {
		acct = &Account{NodeID: nodeID, Held: make(map[string]float64)}
		m.accounts[nodeID] = acct
	}
	return acct
}

func (m *Manager) copyLocked(acct *Account) Account {
	held := make(map[string]float64, len(acct.Held))
	for k, v := range acct.Held {
		held[k] = v
	}
	return Account{NodeID: acct.NodeID, FreeBalance: acct.FreeBalance, Held: held}
}

// persistLocked appends the changed account and current sink total.
func (m *Manager) persistLocked(acct *Account) error {
	if m.path == "" {
		return nil
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("escrow: open sidecar: %w", err)
	}
	defer f.Close()

	snapshot := m.copyLocked(acct)
	sink := m.sink
	for _, line := range []sidecarLine{{Account: &snapshot}, {Sink: &sink}} {
		raw, err := json.Marshal(line)
		if err != nil {
			return err
		}
		if _, err := f.Write(append(raw, '\n')); err != nil {
			return fmt.Errorf("escrow: append sidecar: %w", err)
		}
	}
	return nil
}

func (m *Manager) record(eventType string, payload map[string]any) {
	if m.recorder == nil {
		return
	}
	payload["at"] = time.Now().UTC().Format(time.RFC3339)
	m.recorder.TryEmit("escrow", eventType, payload)
}
