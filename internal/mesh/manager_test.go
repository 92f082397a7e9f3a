package mesh

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/sybil"
)

func testIdentity(n int) core.NodeIdentity {
	return core.NodeIdentity{
		NodeID:       fmt.Sprintf("node-%d", n),
		DisplayName:  fmt.Sprintf("peer %d", n),
		APIURL:       fmt.Sprintf("http://10.0.1.%d:9000", n),
		Capabilities: []string{fmt.Sprintf("cap-%d", n)},
	}
}

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	self := core.NodeIdentity{NodeID: "self", APIURL: "http://10.0.0.1:9000"}
	m := NewManager(self, Options{
		SuspectedAfter:   15 * time.Second,
		UnreachableAfter: 45 * time.Second,
		EvictAfter:       5 * time.Minute,
	}, nil, nil, nil)
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestHelloAdmitsPeer(t *testing.T) {
	m, _ := newTestManager(t)

	d := m.HandleHello(testIdentity(1))
	assert.True(t, d.Accepted)
	assert.Empty(t, d.Challenge)

	peers := m.GetActivePeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "node-1", peers[0].Identity.NodeID)
	assert.Equal(t, core.PeerActive, peers[0].Status)
}

func TestHelloRejectsSelfAndEmpty(t *testing.T) {
	m, _ := newTestManager(t)

	assert.False(t, m.HandleHello(core.NodeIdentity{NodeID: "self"}).Accepted)
	assert.False(t, m.HandleHello(core.NodeIdentity{}).Accepted)
	assert.Empty(t, m.GetPeers())
}

func TestLivenessStateMachine(t *testing.T) {
	m, now := newTestManager(t)
	m.HandleHello(testIdentity(1))

	*now = now.Add(16 * time.Second)
	m.Sweep()
	entry, ok := m.GetPeer("node-1")
	require.True(t, ok)
	assert.Equal(t, core.PeerSuspected, entry.Status)
	assert.Empty(t, m.GetActivePeers())

	*now = now.Add(31 * time.Second)
	m.Sweep()
	entry, _ = m.GetPeer("node-1")
	assert.Equal(t, core.PeerUnreachable, entry.Status)

	// A fresh heartbeat reactivates from any state.
	m.HandleHeartbeat(Heartbeat{From: testIdentity(1)})
	entry, _ = m.GetPeer("node-1")
	assert.Equal(t, core.PeerActive, entry.Status)

	*now = now.Add(6 * time.Minute)
	m.Sweep()
	_, ok = m.GetPeer("node-1")
	assert.False(t, ok, "evicted peers leave the table")
}

func TestHeartbeatGossipMerge(t *testing.T) {
	m, _ := newTestManager(t)
	m.HandleHello(testIdentity(1))

	ack := m.HandleHeartbeat(Heartbeat{
		From:       testIdentity(1),
		KnownPeers: []core.NodeIdentity{testIdentity(2), testIdentity(3), m.Identity()},
	})

	assert.Equal(t, "self", ack.From.NodeID)
	require.Len(t, ack.KnownPeers, 1, "only active peers are gossiped back")
	assert.Equal(t, "node-1", ack.KnownPeers[0].NodeID)

	// Gossip-learned peers are tracked but start suspected.
	entry, ok := m.GetPeer("node-2")
	require.True(t, ok)
	assert.Equal(t, core.PeerSuspected, entry.Status)

	_, selfTracked := m.GetPeer("self")
	assert.False(t, selfTracked)
}

func TestLeave(t *testing.T) {
	m, now := newTestManager(t)
	m.HandleHello(testIdentity(1))

	m.HandleLeave("node-1")
	entry, _ := m.GetPeer("node-1")
	assert.Equal(t, core.PeerLeft, entry.Status)
	assert.Empty(t, m.GetActivePeers())

	// Left peers are not demoted or evicted by the sweeper.
	*now = now.Add(time.Hour)
	m.Sweep()
	entry, ok := m.GetPeer("node-1")
	require.True(t, ok)
	assert.Equal(t, core.PeerLeft, entry.Status)
}

func TestTransportFailureCounting(t *testing.T) {
	m, _ := newTestManager(t)
	m.HandleHello(testIdentity(1))

	m.RecordFailure("node-1")
	m.RecordFailure("node-1")
	entry, _ := m.GetPeer("node-1")
	assert.Equal(t, 2, entry.ConsecutiveFailures)

	m.RecordSuccess("node-1", 120)
	entry, _ = m.GetPeer("node-1")
	assert.Equal(t, 0, entry.ConsecutiveFailures)
	assert.InDelta(t, 120, entry.LastLatencyMs, 1e-9)
}

func TestChallengedJoinWithheldUntilPoW(t *testing.T) {
	cfg := sybil.DefaultConfig()
	cfg.RequirePoW = true
	cfg.PowDifficulty = 1
	det := sybil.NewDetector(cfg, nil)

	self := core.NodeIdentity{NodeID: "self", APIURL: "http://10.0.0.1:9000"}
	m := NewManager(self, Options{}, det, nil, nil)

	d := m.HandleHello(testIdentity(1))
	require.True(t, d.Accepted)
	require.NotEmpty(t, d.Challenge)
	assert.Empty(t, m.GetActivePeers(), "withheld from active until verified")

	// Heartbeats do not bypass the hold.
	m.HandleHeartbeat(Heartbeat{From: testIdentity(1)})
	assert.Empty(t, m.GetActivePeers())

	assert.False(t, m.VerifyJoinSolution("node-1", "wrong"))

	solution := sybil.SolveChallenge(d.Challenge, cfg.PowDifficulty)
	require.True(t, m.VerifyJoinSolution("node-1", solution))
	require.Len(t, m.GetActivePeers(), 1)
}

type scriptedPinger struct {
	acks  map[string]*HeartbeatAck
	calls []string
}

func (p *scriptedPinger) SendHeartbeat(ctx context.Context, apiURL string, beat Heartbeat) (*HeartbeatAck, error) {
	p.calls = append(p.calls, apiURL)
	if ack, ok := p.acks[apiURL]; ok {
		return ack, nil
	}
	return nil, fmt.Errorf("peer %s unreachable", apiURL)
}

func TestHeartbeatRoundMarksOutcomes(t *testing.T) {
	self := core.NodeIdentity{NodeID: "self", APIURL: "http://10.0.0.1:9000"}
	pinger := &scriptedPinger{acks: map[string]*HeartbeatAck{
		testIdentity(1).APIURL: {From: testIdentity(1), KnownPeers: []core.NodeIdentity{testIdentity(3)}},
	}}
	m := NewManager(self, Options{}, nil, pinger, nil)

	m.HandleHello(testIdentity(1))
	m.HandleHello(testIdentity(2))
	m.heartbeatOnce()

	assert.Len(t, pinger.calls, 2)

	entry, _ := m.GetPeer("node-1")
	assert.Equal(t, 0, entry.ConsecutiveFailures)

	entry, _ = m.GetPeer("node-2")
	assert.Equal(t, 1, entry.ConsecutiveFailures)

	_, gossiped := m.GetPeer("node-3")
	assert.True(t, gossiped, "ack gossip is merged")
}

func TestStartStop(t *testing.T) {
	self := core.NodeIdentity{NodeID: "self"}
	m := NewManager(self, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
	}, nil, &scriptedPinger{}, nil)

	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
}
