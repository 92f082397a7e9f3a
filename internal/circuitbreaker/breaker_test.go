package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPeerDown = errors.New("peer down")

func failingConfig(name string, timeout time.Duration) *Config {
	cfg := DefaultConfig(name)
	cfg.Timeout = timeout
	cfg.OnStateChange = nil
	return cfg
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(failingConfig("peer-a", 30*time.Second))

	for i := 0; i < 3; i++ {
		require.Equal(t, StateClosed, cb.State())
		err := cb.Execute(func() error { return errPeerDown })
		require.ErrorIs(t, err, errPeerDown)
	}

	assert.Equal(t, StateOpen, cb.State())
	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsStreak(t *testing.T) {
	cb := New(failingConfig("peer-a", 30*time.Second))

	cb.Execute(func() error { return errPeerDown })
	cb.Execute(func() error { return errPeerDown })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errPeerDown })
	cb.Execute(func() error { return errPeerDown })

	assert.Equal(t, StateClosed, cb.State(), "streak broken by a success")
	assert.Equal(t, uint32(2), cb.Counts().ConsecutiveFailures)
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := New(failingConfig("peer-a", 20*time.Millisecond))

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return errPeerDown })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// MaxRequests consecutive probe successes close the breaker.
	require.NoError(t, cb.Execute(func() error { return nil }))
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(failingConfig("peer-a", 20*time.Millisecond))

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return errPeerDown })
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Execute(func() error { return errPeerDown })
	assert.Equal(t, StateOpen, cb.State())
}

func TestManagerPerPeerIsolation(t *testing.T) {
	m := NewManager(failingConfig("", 30*time.Second))

	a := m.Get("peer-a")
	b := m.Get("peer-b")
	assert.Same(t, a, m.Get("peer-a"))

	for i := 0; i < 3; i++ {
		a.Execute(func() error { return errPeerDown })
	}
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State(), "one peer's failures do not trip another's breaker")

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, StateOpen, stats["peer-a"].State)

	m.Remove("peer-a")
	assert.NotSame(t, a, m.Get("peer-a"), "removed breakers are recreated fresh")
}
