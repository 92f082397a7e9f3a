package auction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/core"
)

type fixedTrust map[string]float64

func (f fixedTrust) GetTrustScore(nodeID string) float64 {
	if v, ok := f[nodeID]; ok {
		return v
	}
	return 0.5
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []string
}

func (b *recordingBroadcaster) SendRFQ(ctx context.Context, apiURL string, rfq core.RFQ) error {
	b.mu.Lock()
	b.sent = append(b.sent, apiURL)
	b.mu.Unlock()
	return nil
}

func peerEntry(nodeID, apiURL string) core.PeerEntry {
	return core.PeerEntry{
		Identity: core.NodeIdentity{NodeID: nodeID, APIURL: apiURL},
		Status:   core.PeerActive,
	}
}

func originator() core.NodeIdentity {
	return core.NodeIdentity{NodeID: "origin", APIURL: "http://origin:9000"}
}

func newTestManager(t *testing.T, trust TrustSource, transport Broadcaster) *Manager {
	t.Helper()
	m := NewManager(Options{BidDeadline: time.Minute}, trust, transport, nil)
	t.Cleanup(m.Close)
	return m
}

func TestCreateBroadcastsToPeers(t *testing.T) {
	b := &recordingBroadcaster{}
	m := newTestManager(t, nil, b)

	record := m.CreateAuction("s", "scan the repo", core.TaskConstraints{}, nil, []core.PeerEntry{
		peerEntry("origin", "http://origin:9000"),
		peerEntry("b", "http://b:9000"),
		peerEntry("c", "http://c:9000"),
	}, originator())

	assert.Equal(t, core.AuctionCollecting, record.Status)
	assert.NotEmpty(t, record.RFQ.RFQID)

	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.sent) == 2
	}, time.Second, 10*time.Millisecond, "broadcast skips the originator")
}

func TestReceiveBidValidation(t *testing.T) {
	m := newTestManager(t, nil, nil)
	record := m.CreateAuction("s", "task", core.TaskConstraints{}, nil, nil, originator())
	rfqID := record.RFQ.RFQID

	r := m.ReceiveBid("s", core.Bid{RFQID: "nope", BidderNodeID: "x"})
	assert.False(t, r.Accepted)

	r = m.ReceiveBid("s", core.Bid{RFQID: rfqID, BidderNodeID: "x", Round: 1})
	assert.True(t, r.Accepted)

	r = m.ReceiveBid("s", core.Bid{RFQID: rfqID, BidderNodeID: "x", Round: 1})
	assert.False(t, r.Accepted, "duplicate bidder x round rejected")
	assert.Contains(t, r.Reason, "duplicate")

	r = m.ReceiveBid("s", core.Bid{RFQID: rfqID, BidderNodeID: "x", Round: 2})
	assert.True(t, r.Accepted, "same bidder, next round is a fresh bid")
}

func TestDeadlinePassedRejectsBids(t *testing.T) {
	m := newTestManager(t, nil, nil)
	record := m.CreateAuction("s", "task", core.TaskConstraints{}, nil, nil, originator())

	m.now = func() time.Time { return record.Deadline.Add(time.Second) }
	r := m.ReceiveBid("s", core.Bid{RFQID: record.RFQ.RFQID, BidderNodeID: "x"})
	assert.False(t, r.Accepted)
	assert.Contains(t, r.Reason, "deadline")
}

func TestScoringPrefersTrustedCheapFastBidder(t *testing.T) {
	trust := fixedTrust{"x": 0.9, "y": 0.6}
	m := newTestManager(t, trust, nil)

	record := m.CreateAuction("s", "task", core.TaskConstraints{
		MaxCostUSD:    1.0,
		MaxDurationMs: 60_000,
	}, []string{"read-file"}, nil, originator())
	rfqID := record.RFQ.RFQID

	require.True(t, m.ReceiveBid("s", core.Bid{
		RFQID: rfqID, BidderNodeID: "x",
		EstimatedCostUSD: 0.1, EstimatedDurationMs: 5_000,
		CapabilitiesOffered: []string{"read-file"},
	}).Accepted)
	require.True(t, m.ReceiveBid("s", core.Bid{
		RFQID: rfqID, BidderNodeID: "y",
		EstimatedCostUSD: 0.9, EstimatedDurationMs: 50_000,
		CapabilitiesOffered: []string{"read-file"},
	}).Accepted)

	best, err := m.EvaluateBids(rfqID)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "x", best.BidderNodeID)

	result := m.AwardAuction("s", rfqID)
	assert.True(t, result.Awarded)
	assert.Equal(t, "x", result.WinningNodeID)
	assert.Equal(t, core.AuctionAwarded, result.Status)
}

func TestZeroBidsExpires(t *testing.T) {
	m := newTestManager(t, nil, nil)
	record := m.CreateAuction("s", "task", core.TaskConstraints{}, nil, nil, originator())

	result := m.AwardAuction("s", record.RFQ.RFQID)
	assert.False(t, result.Awarded)
	assert.Equal(t, core.AuctionExpired, result.Status)

	archived, ok := m.GetAuction(record.RFQ.RFQID)
	require.True(t, ok)
	assert.Equal(t, core.AuctionExpired, archived.Status)
}

func TestTerminalAuctionRejectsBids(t *testing.T) {
	m := newTestManager(t, nil, nil)
	record := m.CreateAuction("s", "task", core.TaskConstraints{}, nil, nil, originator())
	rfqID := record.RFQ.RFQID

	require.True(t, m.ReceiveBid("s", core.Bid{RFQID: rfqID, BidderNodeID: "x"}).Accepted)
	m.AwardAuction("s", rfqID)

	r := m.ReceiveBid("s", core.Bid{RFQID: rfqID, BidderNodeID: "y"})
	assert.False(t, r.Accepted, "awarded auctions collect no more bids")
}

func TestCancelOnlyBeforeEvaluation(t *testing.T) {
	m := newTestManager(t, nil, nil)

	record := m.CreateAuction("s", "task", core.TaskConstraints{}, nil, nil, originator())
	require.NoError(t, m.Cancel("s", record.RFQ.RFQID))
	archived, _ := m.GetAuction(record.RFQ.RFQID)
	assert.Equal(t, core.AuctionCancelled, archived.Status)

	record = m.CreateAuction("s", "task 2", core.TaskConstraints{}, nil, nil, originator())
	_, err := m.EvaluateBids(record.RFQ.RFQID)
	require.NoError(t, err)
	assert.Error(t, m.Cancel("s", record.RFQ.RFQID), "evaluating auctions cannot be cancelled")
}

func TestAwaitAwardReturnsOnceMinBidsArrive(t *testing.T) {
	m := NewManager(Options{BidDeadline: 10 * time.Second, MinBidsToAward: 1}, nil, nil, nil)
	t.Cleanup(m.Close)

	record := m.CreateAuction("s", "task", core.TaskConstraints{}, nil, nil, originator())
	rfqID := record.RFQ.RFQID

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.ReceiveBid("s", core.Bid{RFQID: rfqID, BidderNodeID: "x"})
	}()

	start := time.Now()
	result := m.AwaitAward(context.Background(), "s", rfqID)
	assert.True(t, result.Awarded)
	assert.Less(t, time.Since(start), 5*time.Second, "does not wait out the full deadline")
}

func TestAwaitAwardExpiresAtDeadline(t *testing.T) {
	m := NewManager(Options{BidDeadline: 100 * time.Millisecond, MinBidsToAward: 1}, nil, nil, nil)
	t.Cleanup(m.Close)

	record := m.CreateAuction("s", "task", core.TaskConstraints{}, nil, nil, originator())
	result := m.AwaitAward(context.Background(), "s", record.RFQ.RFQID)
	assert.False(t, result.Awarded)
	assert.Equal(t, core.AuctionExpired, result.Status)
}
