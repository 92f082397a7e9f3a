package escrow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemManager(t *testing.T, minBond float64) *Manager {
	t.Helper()
	m, err := NewManager("", minBond, nil)
	require.NoError(t, err)
	return m
}

func TestHoldReleaseRoundTrip(t *testing.T) {
	m := newMemManager(t, 0.01)

	require.NoError(t, m.Deposit("peer", 1.0))

	res, err := m.HoldBond("task-1", "peer", 0.10)
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Reason)
	assert.InDelta(t, 0.90, m.FreeBalance("peer"), 1e-9)

	released, err := m.ReleaseBond("task-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.10, released, 1e-9)
	assert.InDelta(t, 1.0, m.FreeBalance("peer"), 1e-9)
}

func TestHoldRejections(t *testing.T) {
	m := newMemManager(t, 0.05)
	m.Deposit("peer", 0.20)

	res, _ := m.HoldBond("t1", "peer", 0.01)
	assert.False(t, res.Accepted, "below minimum bond")

	res, _ = m.HoldBond("t1", "peer", 0.50)
	assert.False(t, res.Accepted, "insufficient balance")

	res, _ = m.HoldBond("t1", "peer", 0.10)
	require.True(t, res.Accepted)

	res, _ = m.HoldBond("t1", "peer", 0.05)
	assert.False(t, res.Accepted, "only one active hold per task")
}

func TestSlashSendsToSinkNotCounterparty(t *testing.T) {
	m := newMemManager(t, 0.01)
	m.Deposit("slow", 1.0)

	res, _ := m.HoldBond("t", "slow", 0.10)
	require.True(t, res.Accepted)

	slashed, err := m.SlashBond("t", 50)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, slashed, 1e-9)
	assert.InDelta(t, 0.95, m.FreeBalance("slow"), 1e-9)
	assert.InDelta(t, 0.05, m.SinkTotal(), 1e-9)
}

func TestFullSlashLeavesFreeBalanceUnchangedNetOfDeposit(t *testing.T) {
	// deposit(a) then slash(100%, a) leaves free balance back where it
	// started before the deposit.
	m := newMemManager(t, 0.01)
	m.Deposit("n", 0.50)
	before := m.FreeBalance("n")

	m.Deposit("n", 0.25)
	res, _ := m.HoldBond("t", "n", 0.25)
	require.True(t, res.Accepted)
	_, err := m.SlashBond("t", 100)
	require.NoError(t, err)

	assert.InDelta(t, before, m.FreeBalance("n"), 1e-9)
	assert.InDelta(t, 0.25, m.SinkTotal(), 1e-9)
}

func TestReleaseAndSlashAreIdempotentTerminators(t *testing.T) {
	m := newMemManager(t, 0.01)
	m.Deposit("n", 1.0)
	m.HoldBond("t", "n", 0.10)

	released, _ := m.ReleaseBond("t")
	assert.InDelta(t, 0.10, released, 1e-9)

	released, _ = m.ReleaseBond("t")
	assert.Zero(t, released, "second release is a no-op")

	slashed, _ := m.SlashBond("t", 50)
	assert.Zero(t, slashed, "slash after release is a no-op")
	assert.InDelta(t, 1.0, m.FreeBalance("n"), 1e-9)
}

func TestBalanceConservation(t *testing.T) {
	// free + held = deposits - slashed, across a mixed history.
	m := newMemManager(t, 0.01)

	deposits := 0.0
	for _, amt := range []float64{0.5, 0.3, 0.2} {
		m.Deposit("n", amt)
		deposits += amt
	}

	m.HoldBond("t1", "n", 0.4)
	m.HoldBond("t2", "n", 0.3)
	slashed, _ := m.SlashBond("t1", 25)
	m.ReleaseBond("t2")

	acct, ok := m.GetAccount("n")
	require.True(t, ok)
	assert.InDelta(t, deposits-slashed, acct.FreeBalance+acct.HeldTotal(), 1e-9)
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.jsonl")

	m, err := NewManager(path, 0.01, nil)
	require.NoError(t, err)
	m.Deposit("n", 1.0)
	m.HoldBond("t-open", "n", 0.10)
	m.HoldBond("t-slashed", "n", 0.20)
	m.SlashBond("t-slashed", 50)

	m2, err := NewManager(path, 0.01, nil)
	require.NoError(t, err)

	assert.InDelta(t, m.FreeBalance("n"), m2.FreeBalance("n"), 1e-9)
	assert.InDelta(t, m.SinkTotal(), m2.SinkTotal(), 1e-9)

	nodeID, amount, ok := m2.ActiveHold("t-open")
	require.True(t, ok, "open hold survives restart")
	assert.Equal(t, "n", nodeID)
	assert.InDelta(t, 0.10, amount, 1e-9)

	_, _, ok = m2.ActiveHold("t-slashed")
	assert.False(t, ok)
}
