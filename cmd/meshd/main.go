// meshd is the delegation mesh node daemon. It assembles the safety
// core (journal, reputation, escrow, gates, verifiers, anomaly
// detection), joins the configured seed peers, and serves the swarm
// protocol plus operator queries over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/agentmesh/mesh/internal/anomaly"
	"github.com/agentmesh/mesh/internal/auction"
	"github.com/agentmesh/mesh/internal/checkpoint"
	"github.com/agentmesh/mesh/internal/config"
	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/decompose"
	"github.com/agentmesh/mesh/internal/delegation"
	"github.com/agentmesh/mesh/internal/escrow"
	"github.com/agentmesh/mesh/internal/events"
	"github.com/agentmesh/mesh/internal/gate"
	"github.com/agentmesh/mesh/internal/journal"
	"github.com/agentmesh/mesh/internal/mesh"
	"github.com/agentmesh/mesh/internal/metrics"
	"github.com/agentmesh/mesh/internal/redelegation"
	"github.com/agentmesh/mesh/internal/reputation"
	"github.com/agentmesh/mesh/internal/sybil"
	"github.com/agentmesh/mesh/internal/transport"
	"github.com/agentmesh/mesh/internal/verify"
	"github.com/agentmesh/mesh/internal/websocket"
)

func main() {
	godotenv.Load()

	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg := mustLoadConfig(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
		log.Fatalf("journal dir: %v", err)
	}
	jrnl, err := journal.Open(journal.Options{
		Path:               cfg.Journal.Path,
		MaxSessionsIndexed: cfg.Journal.MaxSessionsIndexed,
		Fsync:              cfg.Journal.Fsync,
		Lock:               cfg.Journal.Lock,
		Redact:             cfg.Journal.Redact,
		Recovery:           cfg.Journal.Recovery,
	})
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer jrnl.Close()

	m := metrics.New()

	// Every journal append fans out to live consumers.
	bus := events.NewBus()
	unsubscribe := jrnl.Subscribe(func(ev *journal.Event) {
		m.JournalEvents.WithLabelValues(ev.Type).Inc()
		bus.Publish(events.FromJournal(ev, cfg.Node.NodeID))
	})
	defer unsubscribe()

	if cfg.Node.RedisAddr != "" {
		mirror, err := events.NewRedisMirror(ctx, cfg.Node.RedisAddr, "mesh")
		if err != nil {
			log.Fatalf("redis mirror: %v", err)
		}
		defer mirror.Close()
		mirrorCh := bus.Subscribe()
		go func() {
			for ev := range mirrorCh {
				mirror.Publish(ctx, ev)
			}
		}()
	}

	streamer := websocket.NewEventStreamer(bus)
	go streamer.Run()
	defer streamer.Stop()

	dataDir := filepath.Dir(cfg.Journal.Path)
	rep, err := reputation.NewStore(filepath.Join(dataDir, "reputation.jsonl"))
	if err != nil {
		log.Fatalf("open reputation store: %v", err)
	}
	esc, err := escrow.NewManager(filepath.Join(dataDir, "escrow.jsonl"), cfg.Escrow.MinBondUSD, jrnl)
	if err != nil {
		log.Fatalf("open escrow ledger: %v", err)
	}
	cps, err := checkpoint.New(cfg.Node.CheckpointDir, jrnl)
	if err != nil {
		log.Fatalf("open checkpoint store: %v", err)
	}

	self := core.NodeIdentity{
		NodeID:       cfg.Node.NodeID,
		DisplayName:  cfg.Node.DisplayName,
		APIURL:       cfg.Node.APIURL,
		Capabilities: cfg.Node.Capabilities,
	}

	sybilDet := sybil.NewDetector(sybil.Config{
		MaxJoinsInWindow: cfg.Sybil.MaxJoinsInWindow,
		JoinWindow:       time.Duration(cfg.Sybil.JoinWindowMs) * time.Millisecond,
		PowDifficulty:    cfg.Sybil.PowDifficulty,
		RequirePoW:       cfg.Sybil.RequireProofOfWork,
	}, jrnl)

	client := transport.NewClient(cfg.Node.APIToken, transport.ModeInteractive)

	meshMgr := mesh.NewManager(self, mesh.Options{
		HeartbeatInterval: time.Duration(cfg.Mesh.HeartbeatIntervalMs) * time.Millisecond,
		SweepInterval:     time.Duration(cfg.Mesh.SweepIntervalMs) * time.Millisecond,
		SuspectedAfter:    time.Duration(cfg.Mesh.SuspectedAfterMs) * time.Millisecond,
		UnreachableAfter:  time.Duration(cfg.Mesh.UnreachableAfterMs) * time.Millisecond,
		EvictAfter:        time.Duration(cfg.Mesh.EvictAfterMs) * time.Millisecond,
	}, sybilDet, client, jrnl)

	auctions := auction.NewManager(auction.Options{
		BidDeadline:    time.Duration(cfg.Auction.DefaultBidDeadlineMs) * time.Millisecond,
		MinBidsToAward: cfg.Auction.MinBidsToAward,
	}, rep, client, jrnl)
	defer auctions.Close()

	anomalyDet := anomaly.NewDetector(anomaly.Config{
		CostSpikeThreshold:     cfg.Anomaly.CostSpikeThreshold,
		DurationSpikeThreshold: cfg.Anomaly.DurationSpikeThreshold,
		FailureRateThreshold:   cfg.Anomaly.FailureRateThreshold,
		FailureRateWindow:      cfg.Anomaly.FailureRateWindow,
	}, jrnl)

	svc := delegation.Services{
		Journal:    jrnl,
		Reputation: rep,
		Escrow:     esc,
		Outcome:    verify.NewOutcomeVerifier(cfg.Verification.SLOStrict),
		Consensus:  verify.NewConsensusVerifier(),
		Friction:   gate.NewFrictionEngine(),
		Firebreak:  gate.NewFirebreak(3),
		Router:     gate.NewRouter(),
		Anomaly:    anomalyDet,
		Behavioral: anomaly.NewBehavioralScorer(),
		RootCause:  anomaly.NewRootCauseAnalyzer(rep, jrnl),
		Redelegation: redelegation.NewMonitor(redelegation.Config{
			MaxRedelegations: cfg.Redelegation.MaxRedelegations,
			Cooldown:         time.Duration(cfg.Redelegation.RedelegationCooldownMs) * time.Millisecond,
		}, jrnl),
		Checkpoints: cps,
		Decomposer: decompose.New(decompose.Options{
			ComplexityFloorWords: cfg.Decomposer.ComplexityFloorWords,
			MaxSubTasks:          cfg.Decomposer.MaxSubTasks,
		}),
		Auctions: auctions,
		Mesh:     meshMgr,
		Metrics:  m,
	}

	// The daemon hosts the safety core; task execution plugs in through
	// the delegation.Executor interface when a planner embeds this node.
	delegationCore := delegation.New(cfg, svc, client, nil)

	meshMgr.Start()
	defer meshMgr.Stop()

	go watchGauges(ctx, m, meshMgr, anomalyDet, esc)
	go joinSeeds(ctx, client, meshMgr, cfg.Mesh.SeedPeers, cfg.Sybil.PowDifficulty)

	server := transport.NewServer(transport.ServerOptions{
		BindAddr: cfg.Node.BindAddr,
		Port:     cfg.Node.Port,
		APIToken: cfg.Node.APIToken,
	}, meshMgr, delegationCore, jrnl, rep, esc, anomalyDet, streamer)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		log.Fatalf("server: %v", err)
	case <-ctx.Done():
	}

	log.Println("shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func mustLoadConfig(path string) *config.Config {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("load config %s: %v", path, err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		cfg.ApplyEnv()
	}

	if cfg.Node.NodeID == "" {
		cfg.Node.NodeID = "node-" + uuid.New().String()[:8]
	}
	if cfg.Node.APIURL == "" {
		host := cfg.Node.BindAddr
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		cfg.Node.APIURL = fmt.Sprintf("http://%s:%d", host, cfg.Node.Port)
	}
	return cfg
}

// joinSeeds greets each configured seed peer, solving the proof-of-work
// challenge when one comes back, and admits accepted seeds into the
// local peer table so heartbeats pick them up.
func joinSeeds(ctx context.Context, client *transport.Client, meshMgr *mesh.Manager, seeds []string, powDifficulty int) {
	self := meshMgr.Identity()
	for _, seed := range seeds {
		resp, err := client.Hello(ctx, seed, self, "")
		if err != nil {
			log.Printf("seed %s unreachable: %v", seed, err)
			continue
		}
		if resp.Decision.Challenge != "" {
			solution := sybil.SolveChallenge(resp.Decision.Challenge, powDifficulty)
			resp, err = client.Hello(ctx, seed, self, solution)
			if err != nil {
				log.Printf("seed %s rejected pow retry: %v", seed, err)
				continue
			}
		}
		if !resp.Decision.Accepted {
			log.Printf("seed %s refused join: %s", seed, resp.Decision.Reason)
			continue
		}
		meshMgr.HandleHello(resp.Identity)
		log.Printf("joined seed %s (%s)", resp.Identity.NodeID, seed)
	}
}

// watchGauges refreshes the point-in-time gauges the scrape endpoint
// reports.
func watchGauges(ctx context.Context, m *metrics.Metrics, meshMgr *mesh.Manager, det *anomaly.Detector, esc *escrow.Manager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ActivePeers.Set(float64(len(meshMgr.GetActivePeers())))
			m.QuarantinedPeers.Set(float64(len(det.QuarantinedPeers())))
			m.SinkBalance.Set(esc.SinkTotal())
		}
	}
}
