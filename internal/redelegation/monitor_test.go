package redelegation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMonitor returns a monitor with a controllable clock.
func newTestMonitor(cfg Config) (*Monitor, *time.Time) {
	m := NewMonitor(cfg, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestFirstAttemptAlwaysPasses(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())

	d := m.TrackDelegation("t1", "peer-a")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Hop)
}

func TestCooldownBetweenAttempts(t *testing.T) {
	m, now := newTestMonitor(Config{MaxRedelegations: 3, Cooldown: time.Second})

	require.True(t, m.TrackDelegation("t1", "peer-a").Allowed)

	*now = now.Add(300 * time.Millisecond)
	d := m.TrackDelegation("t1", "peer-b")
	assert.False(t, d.Allowed)
	assert.False(t, d.Terminal, "a cooldown rejection does not end the chain")
	assert.Contains(t, d.Reason, "cooldown")

	*now = now.Add(800 * time.Millisecond)
	d = m.TrackDelegation("t1", "peer-b")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Hop)
}

func TestCooldownMeasuredFromLastAttempt(t *testing.T) {
	m, now := newTestMonitor(Config{MaxRedelegations: 3, Cooldown: time.Second})

	require.True(t, m.TrackDelegation("t1", "peer-a").Allowed)

	// The rejected attempt at +900ms must not restart the clock.
	*now = now.Add(900 * time.Millisecond)
	require.False(t, m.TrackDelegation("t1", "peer-b").Allowed)

	*now = now.Add(200 * time.Millisecond)
	assert.True(t, m.TrackDelegation("t1", "peer-b").Allowed)
}

func TestMaxRedelegationsTerminal(t *testing.T) {
	m, now := newTestMonitor(Config{MaxRedelegations: 3, Cooldown: time.Second})

	// First attempt plus three retries are allowed.
	for hop := 0; hop <= 3; hop++ {
		d := m.TrackDelegation("t1", "peer")
		require.True(t, d.Allowed, "hop %d", hop)
		assert.Equal(t, hop, d.Hop)
		*now = now.Add(2 * time.Second)
	}

	d := m.TrackDelegation("t1", "peer")
	assert.False(t, d.Allowed)
	assert.True(t, d.Terminal)

	// Terminal chains reject immediately, cooldown or not.
	*now = now.Add(time.Hour)
	d = m.TrackDelegation("t1", "peer")
	assert.False(t, d.Allowed)
	assert.True(t, d.Terminal)
}

func TestChainsAreIndependent(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())

	require.True(t, m.TrackDelegation("t1", "peer-a").Allowed)
	d := m.TrackDelegation("t2", "peer-a")
	assert.True(t, d.Allowed, "a fresh task starts its own chain")
	assert.Equal(t, 0, d.Hop)
}

func TestGetChainAndForget(t *testing.T) {
	m, now := newTestMonitor(DefaultConfig())

	m.TrackDelegation("t1", "peer-a")
	*now = now.Add(2 * time.Second)
	m.TrackDelegation("t1", "peer-b")

	chain, ok := m.GetChain("t1")
	require.True(t, ok)
	require.Len(t, chain.Attempts, 2)
	assert.Equal(t, "peer-a", chain.Attempts[0].PeerNodeID)
	assert.Equal(t, "peer-b", chain.Attempts[1].PeerNodeID)
	assert.Equal(t, 1, chain.Attempts[1].Hop)

	m.Forget("t1")
	_, ok = m.GetChain("t1")
	assert.False(t, ok)
}
