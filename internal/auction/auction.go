// Package auction runs the RFQ/bid cycle that picks a worker for a
// delegated task. The originator broadcasts an RFQ to active peers,
// collects bids until a deadline, scores them against trust and the
// RFQ's constraints, and awards the task to the best bidder.
package auction

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/agentmesh/mesh/internal/core"
)

// Recorder is the journal surface auction lifecycle events go to.
type Recorder interface {
	TryEmit(sessionID, eventType string, payload map[string]any) bool
}

// Broadcaster posts an RFQ to one peer. Implemented by the transport
// client; broadcast is fire-and-forget per peer.
type Broadcaster interface {
	SendRFQ(ctx context.Context, apiURL string, rfq core.RFQ) error
}

// TrustSource supplies trust scores for bid scoring. Implemented by the
// reputation store.
type TrustSource interface {
	GetTrustScore(nodeID string) float64
}

// Options tunes the auction manager.
type Options struct {
	// BidDeadline is how long an auction collects bids.
	BidDeadline time.Duration
	// MinBidsToAward is the minimum bid count for an award; fewer bids
	// at the deadline expire the auction.
	MinBidsToAward int
	// BroadcastWorkers bounds the RFQ fan-out pool.
	BroadcastWorkers int
	// ArchiveTTL is how long terminal auctions stay queryable.
	ArchiveTTL time.Duration
}

// DefaultOptions mirrors the documented defaults.
func DefaultOptions() Options {
	return Options{
		BidDeadline:      5 * time.Second,
		MinBidsToAward:   1,
		BroadcastWorkers: 4,
		ArchiveTTL:       time.Hour,
	}
}

// BidResult is the verdict on a submitted bid. A rejected bid is normal
// control flow, not an error.
type BidResult struct {
	Accepted bool
	Reason   string
}

// AwardResult is the outcome of closing an auction.
type AwardResult struct {
	Awarded       bool
	WinningBid    *core.Bid
	WinningNodeID string
	Status        core.AuctionStatus
	Reason        string
}

type broadcastJob struct {
	apiURL string
	rfq    core.RFQ
}

// Manager owns every live auction. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	active map[string]*core.AuctionRecord

	archive *gocache.Cache

	opts      Options
	trust     TrustSource
	transport Broadcaster
	recorder  Recorder
	logger    *log.Logger
	now       func() time.Time

	queue chan broadcastJob
	wg    sync.WaitGroup
}

// NewManager wires the auction layer. transport and recorder may be nil
// (nil transport disables broadcast, useful in tests).
func NewManager(opts Options, trust TrustSource, transport Broadcaster, recorder Recorder) *Manager {
	def := DefaultOptions()
	if opts.BidDeadline <= 0 {
		opts.BidDeadline = def.BidDeadline
	}
	if opts.MinBidsToAward <= 0 {
		opts.MinBidsToAward = def.MinBidsToAward
	}
	if opts.BroadcastWorkers <= 0 {
		opts.BroadcastWorkers = def.BroadcastWorkers
	}
	if opts.ArchiveTTL <= 0 {
		opts.ArchiveTTL = def.ArchiveTTL
	}

	m := &Manager{
		active:    make(map[string]*core.AuctionRecord),
		archive:   gocache.New(opts.ArchiveTTL, 10*time.Minute),
		opts:      opts,
		trust:     trust,
		transport: transport,
		recorder:  recorder,
		logger:    log.New(log.Writer(), "[AUCTION] ", log.LstdFlags),
		now:       time.Now,
		queue:     make(chan broadcastJob, 256),
	}
	for i := 0; i < opts.BroadcastWorkers; i++ {
		m.wg.Add(1)
		go m.broadcastWorker()
	}
	return m
}

// Close drains the broadcast pool.
func (m *Manager) Close() {
	close(m.queue)
	m.wg.Wait()
}

// CreateAuction opens an auction for the task and fans the RFQ out to
// the given peers. The returned record is a snapshot.
func (m *Manager) CreateAuction(sessionID, taskText string, constraints core.TaskConstraints, requiredCaps []string, peers []core.PeerEntry, originator core.NodeIdentity) core.AuctionRecord {
	now := m.now().UTC()
	rfq := core.RFQ{
		RFQID:                uuid.New().String(),
		TaskText:             taskText,
		Originator:           originator,
		BidDeadlineMs:        m.opts.BidDeadline.Milliseconds(),
		Constraints:          constraints,
		RequiredCapabilities: requiredCaps,
		CreatedAt:            now,
	}
	record := &core.AuctionRecord{
		RFQ:      rfq,
		Status:   core.AuctionCollecting,
		Deadline: now.Add(m.opts.BidDeadline),
	}

	m.mu.Lock()
	m.active[rfq.RFQID] = record
	m.mu.Unlock()

	targeted := 0
	if m.transport != nil {
		for _, peer := range peers {
			if peer.Identity.NodeID == originator.NodeID {
				continue
			}
			select {
			case m.queue <- broadcastJob{apiURL: peer.Identity.APIURL, rfq: rfq}:
				targeted++
			default:
				m.logger.Printf("broadcast queue full, skipping peer %s for rfq %s", peer.Identity.NodeID, rfq.RFQID)
			}
		}
	}

	if m.recorder != nil {
		m.recorder.TryEmit(sessionID, "auction_created", map[string]any{
			"rfq_id": rfq.RFQID, "task_text": taskText, "peers_targeted": targeted,
			"bid_deadline_ms": rfq.BidDeadlineMs,
		})
	}
	return *record
}

// ReceiveBid validates and records a bid: the auction must exist and be
// collecting, the deadline must not have passed, and a bidder may bid
// once per round.
func (m *Manager) ReceiveBid(sessionID string, bid core.Bid) BidResult {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.active[bid.RFQID]
	if !ok {
		return BidResult{Reason: fmt.Sprintf("unknown rfq_id %s", bid.RFQID)}
	}
	if record.Status != core.AuctionOpen && record.Status != core.AuctionCollecting {
		return BidResult{Reason: fmt.Sprintf("auction %s is %s", bid.RFQID, record.Status)}
	}
	if now.After(record.Deadline) {
		return BidResult{Reason: "bid deadline passed"}
	}
	for _, existing := range record.Bids {
		if existing.BidderNodeID == bid.BidderNodeID && existing.Round == bid.Round {
			return BidResult{Reason: fmt.Sprintf("duplicate bid from %s in round %d", bid.BidderNodeID, bid.Round)}
		}
	}

	if bid.BidID == "" {
		bid.BidID = uuid.New().String()
	}
	record.Bids = append(record.Bids, bid)

	if m.recorder != nil {
		m.recorder.TryEmit(sessionID, "bid_received", map[string]any{
			"rfq_id": bid.RFQID, "bid_id": bid.BidID, "bidder_node_id": bid.BidderNodeID,
			"estimated_cost_usd": bid.EstimatedCostUSD, "estimated_duration_ms": bid.EstimatedDurationMs,
		})
	}
	return BidResult{Accepted: true}
}

// EvaluateBids moves the auction to evaluating and returns the highest
// scoring bid, or nil when no bids arrived.
func (m *Manager) EvaluateBids(rfqID string) (*core.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.active[rfqID]
	if !ok {
		return nil, fmt.Errorf("unknown rfq_id %s", rfqID)
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("auction %s is %s", rfqID, record.Status)
	}
	record.Status = core.AuctionEvaluating
	return m.bestBidLocked(record), nil
}

// AwardAuction closes the auction: the best bid wins if at least
// MinBidsToAward arrived, otherwise the auction expires.
func (m *Manager) AwardAuction(sessionID, rfqID string) AwardResult {
	m.mu.Lock()
	record, ok := m.active[rfqID]
	if !ok {
		m.mu.Unlock()
		return AwardResult{Reason: fmt.Sprintf("unknown rfq_id %s", rfqID)}
	}
	if record.Status.Terminal() {
		status := record.Status
		m.mu.Unlock()
		return AwardResult{Status: status, Reason: fmt.Sprintf("auction already %s", status)}
	}

	var result AwardResult
	if len(record.Bids) < m.opts.MinBidsToAward {
		record.Status = core.AuctionExpired
		result = AwardResult{
			Status: core.AuctionExpired,
			Reason: fmt.Sprintf("%d bids, need %d", len(record.Bids), m.opts.MinBidsToAward),
		}
	} else {
		best := m.bestBidLocked(record)
		record.Status = core.AuctionAwarded
		record.WinningBid = best
		result = AwardResult{
			Awarded:       true,
			WinningBid:    best,
			WinningNodeID: best.BidderNodeID,
			Status:        core.AuctionAwarded,
		}
	}
	record.ResolvedAt = m.now().UTC()
	m.archiveLocked(record)
	m.mu.Unlock()

	if m.recorder != nil {
		payload := map[string]any{"rfq_id": rfqID, "status": string(result.Status), "awarded": result.Awarded}
		if result.Awarded {
			payload["winning_node_id"] = result.WinningNodeID
			payload["winning_bid_id"] = result.WinningBid.BidID
		}
		m.recorder.TryEmit(sessionID, "auction_awarded", payload)
	}
	return result
}

// AwaitAward blocks until the bid deadline passes or MinBidsToAward is
// reached, then awards.
func (m *Manager) AwaitAward(ctx context.Context, sessionID, rfqID string) AwardResult {
	m.mu.Lock()
	record, ok := m.active[rfqID]
	var deadline time.Time
	if ok {
		deadline = record.Deadline
	}
	m.mu.Unlock()
	if !ok {
		return AwardResult{Reason: fmt.Sprintf("unknown rfq_id %s", rfqID)}
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.AwardAuction(sessionID, rfqID)
		case <-ticker.C:
			m.mu.Lock()
			record, ok := m.active[rfqID]
			enough := ok && len(record.Bids) >= m.opts.MinBidsToAward
			m.mu.Unlock()
			if !ok || enough || m.now().UTC().After(deadline) {
				return m.AwardAuction(sessionID, rfqID)
			}
		}
	}
}

// Cancel aborts an auction. Only open or collecting auctions can be
// cancelled.
func (m *Manager) Cancel(sessionID, rfqID string) error {
	m.mu.Lock()
	record, ok := m.active[rfqID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown rfq_id %s", rfqID)
	}
	if record.Status != core.AuctionOpen && record.Status != core.AuctionCollecting {
		status := record.Status
		m.mu.Unlock()
		return fmt.Errorf("cannot cancel auction in state %s", status)
	}
	record.Status = core.AuctionCancelled
	record.ResolvedAt = m.now().UTC()
	m.archiveLocked(record)
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.TryEmit(sessionID, "auction_cancelled", map[string]any{"rfq_id": rfqID})
	}
	return nil
}

// GetAuction returns a snapshot of a live or archived auction.
func (m *Manager) GetAuction(rfqID string) (core.AuctionRecord, bool) {
	m.mu.Lock()
	if record, ok := m.active[rfqID]; ok {
		out := *record
		m.mu.Unlock()
		return out, true
	}
	m.mu.Unlock()

	if v, ok := m.archive.Get(rfqID); ok {
		return v.(core.AuctionRecord), true
	}
	return core.AuctionRecord{}, false
}

// Cleanup evicts archived auctions past their TTL.
func (m *Manager) Cleanup() {
	m.archive.DeleteExpired()
}

// archiveLocked moves a terminal record out of the active table. Caller
// holds m.mu.
func (m *Manager) archiveLocked(record *core.AuctionRecord) {
	delete(m.active, record.RFQ.RFQID)
	m.archive.Set(record.RFQ.RFQID, *record, gocache.DefaultExpiration)
}

// bestBidLocked returns the highest scoring bid, ties broken by bid ID
// for determinism. Caller holds m.mu.
func (m *Manager) bestBidLocked(record *core.AuctionRecord) *core.Bid {
	if len(record.Bids) == 0 {
		return nil
	}
	bids := make([]core.Bid, len(record.Bids))
	copy(bids, record.Bids)
	sort.Slice(bids, func(i, j int) bool {
		si := m.scoreBid(record.RFQ, bids[i])
		sj := m.scoreBid(record.RFQ, bids[j])
		if si != sj {
			return si > sj
		}
		return bids[i].BidID < bids[j].BidID
	})
	best := bids[0]
	return &best
}

// scoreBid rates a bid in [0,1]:
//
//	0.4*trust + 0.2*latency + 0.2*cost + 0.2*capability_match
//
// where latency and cost are the bid's estimates as a fraction of the
// RFQ's caps, clamped and inverted, and capability_match is the share
// of required capabilities the bidder offers.
func (m *Manager) scoreBid(rfq core.RFQ, bid core.Bid) float64 {
	trust := 0.5
	if m.trust != nil {
		trust = m.trust.GetTrustScore(bid.BidderNodeID)
	}

	latency := 1.0
	if rfq.Constraints.MaxDurationMs > 0 {
		latency = 1 - clamp01(float64(bid.EstimatedDurationMs)/float64(rfq.Constraints.MaxDurationMs))
	}
	cost := 1.0
	if rfq.Constraints.MaxCostUSD > 0 {
		cost = 1 - clamp01(bid.EstimatedCostUSD/rfq.Constraints.MaxCostUSD)
	}

	capMatch := 1.0
	if len(rfq.RequiredCapabilities) > 0 {
		offered := make(map[string]struct{}, len(bid.CapabilitiesOffered))
		for _, c := range bid.CapabilitiesOffered {
			offered[c] = struct{}{}
		}
		matched := 0
		for _, c := range rfq.RequiredCapabilities {
			if _, ok := offered[c]; ok {
				matched++
			}
		}
		capMatch = float64(matched) / float64(len(rfq.RequiredCapabilities))
	}

	return 0.4*trust + 0.2*latency + 0.2*cost + 0.2*capMatch
}

func (m *Manager) broadcastWorker() {
	defer m.wg.Done()
	for job := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.transport.SendRFQ(ctx, job.apiURL, job.rfq); err != nil {
			m.logger.Printf("rfq %s broadcast to %s failed: %v", job.rfq.RFQID, job.apiURL, err)
		}
		cancel()
	}
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
