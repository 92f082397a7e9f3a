// Package config loads the node configuration from YAML with environment
// overrides for process-level settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Mesh         MeshConfig         `yaml:"mesh"`
	Delegation   DelegationConfig   `yaml:"delegation"`
	Escrow       EscrowConfig       `yaml:"escrow"`
	Verification VerificationConfig `yaml:"verification"`
	Anomaly      AnomalyConfig      `yaml:"anomaly"`
	Redelegation RedelegationConfig `yaml:"redelegation"`
	Decomposer   DecomposerConfig   `yaml:"decomposer"`
	Auction      AuctionConfig      `yaml:"auction"`
	Journal      JournalConfig      `yaml:"journal"`
	Sybil        SybilConfig        `yaml:"sybil"`
}

type NodeConfig struct {
	NodeID        string   `yaml:"node_id"`
	DisplayName   string   `yaml:"display_name"`
	BindAddr      string   `yaml:"bind_addr"`
	Port          int      `yaml:"port"`
	APIURL        string   `yaml:"api_url"`
	APIToken      string   `yaml:"api_token"`
	Capabilities  []string `yaml:"capabilities"`
	CheckpointDir string   `yaml:"checkpoint_dir"`
	RedisAddr     string   `yaml:"redis_addr"`
}

type MeshConfig struct {
	// SeedPeers are api_urls greeted at startup to bootstrap the
	// peer table.
	SeedPeers           []string `yaml:"seed_peers"`
	HeartbeatIntervalMs int64    `yaml:"heartbeat_interval_ms"`
	SweepIntervalMs     int64    `yaml:"sweep_interval_ms"`
	SuspectedAfterMs    int64    `yaml:"suspected_after_ms"`
	UnreachableAfterMs  int64    `yaml:"unreachable_after_ms"`
	EvictAfterMs        int64    `yaml:"evict_after_ms"`
}

type DelegationConfig struct {
	DelegationTimeoutMs int64 `yaml:"delegation_timeout_ms"`
}

type EscrowConfig struct {
	MinBondUSD          float64 `yaml:"min_bond_usd"`
	SlashPctOnViolation float64 `yaml:"slash_pct_on_violation"`
	SlashPctOnTimeout   float64 `yaml:"slash_pct_on_timeout"`
}

type VerificationConfig struct {
	SLOStrict         bool    `yaml:"slo_strict"`
	RequiredVoters    int     `yaml:"required_voters"`
	RequiredAgreement float64 `yaml:"required_agreement"`
}

type AnomalyConfig struct {
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold"`
	FailureRateWindow      int     `yaml:"failure_rate_window"`
	DurationSpikeThreshold float64 `yaml:"duration_spike_threshold"`
	CostSpikeThreshold     float64 `yaml:"cost_spike_threshold"`
}

type RedelegationConfig struct {
	MaxRedelegations       int   `yaml:"max_redelegations"`
	RedelegationCooldownMs int64 `yaml:"redelegation_cooldown_ms"`
}

type DecomposerConfig struct {
	ComplexityFloorWords int `yaml:"complexity_floor_words"`
	MaxSubTasks          int `yaml:"max_sub_tasks"`
}

type AuctionConfig struct {
	DefaultBidDeadlineMs int64 `yaml:"default_bid_deadline_ms"`
	MinBidsToAward       int   `yaml:"min_bids_to_award"`
}

type JournalConfig struct {
	Path               string `yaml:"path"`
	MaxSessionsIndexed int    `yaml:"max_sessions_indexed"`
	Fsync              bool   `yaml:"fsync"`
	Lock               bool   `yaml:"lock"`
	Redact             bool   `yaml:"redact"`
	Recovery           string `yaml:"recovery"` // "truncate" or "strict"
}

type SybilConfig struct {
	MaxJoinsInWindow   int   `yaml:"max_joins_in_window"`
	JoinWindowMs       int64 `yaml:"join_window_ms"`
	PowDifficulty      int   `yaml:"pow_difficulty"`
	RequireProofOfWork bool  `yaml:"require_proof_of_work"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DisplayName:   "mesh-node",
			BindAddr:      "0.0.0.0",
			Port:          7430,
			CheckpointDir: "data/checkpoints",
		},
		Mesh: MeshConfig{
			HeartbeatIntervalMs: 5_000,
			SweepIntervalMs:     2_000,
			SuspectedAfterMs:    15_000,
			UnreachableAfterMs:  45_000,
			EvictAfterMs:        300_000,
		},
		Delegation: DelegationConfig{
			DelegationTimeoutMs: 60_000,
		},
		Escrow: EscrowConfig{
			MinBondUSD:          0.01,
			SlashPctOnViolation: 50,
			SlashPctOnTimeout:   25,
		},
		Verification: VerificationConfig{
			SLOStrict:         true,
			RequiredVoters:    2,
			RequiredAgreement: 0.67,
		},
		Anomaly: AnomalyConfig{
			FailureRateThreshold:   0.4,
			FailureRateWindow:      20,
			DurationSpikeThreshold: 2.0,
			CostSpikeThreshold:     2.0,
		},
		Redelegation: RedelegationConfig{
			MaxRedelegations:       3,
			RedelegationCooldownMs: 1_000,
		},
		Decomposer: DecomposerConfig{
			ComplexityFloorWords: 20,
			MaxSubTasks:          8,
		},
		Auction: AuctionConfig{
			DefaultBidDeadlineMs: 5_000,
			MinBidsToAward:       1,
		},
		Journal: JournalConfig{
			Path:               "data/journal.jsonl",
			MaxSessionsIndexed: 10_000,
			Fsync:              false,
			Lock:               true,
			Redact:             true,
			Recovery:           "truncate",
		},
		Sybil: SybilConfig{
			MaxJoinsInWindow:   5,
			JoinWindowMs:       60_000,
			PowDifficulty:      4,
			RequireProofOfWork: false,
		},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays process-level environment variables:
//
//	MESH_NODE_ID        - stable node identifier
//	MESH_API_TOKEN      - bearer token required on peer endpoints
//	MESH_BIND_ADDR      - listen address (default 0.0.0.0)
//	MESH_PORT           - listen port (default 7430)
//	MESH_API_URL        - externally reachable base URL advertised to peers
//	MESH_SEEDS          - comma-separated peer api_urls greeted at startup
//	MESH_JOURNAL_PATH   - journal file (default data/journal.jsonl)
//	MESH_CHECKPOINT_DIR - checkpoint directory (default data/checkpoints)
//	REDIS_ADDR          - optional Redis address for the event mirror
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MESH_NODE_ID"); v != "" {
		c.Node.NodeID = v
	}
	if v := os.Getenv("MESH_API_TOKEN"); v != "" {
		c.Node.APIToken = v
	}
	if v := os.Getenv("MESH_BIND_ADDR"); v != "" {
		c.Node.BindAddr = v
	}
	if v := os.Getenv("MESH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Node.Port = p
		}
	}
	if v := os.Getenv("MESH_API_URL"); v != "" {
		c.Node.APIURL = v
	}
	if v := os.Getenv("MESH_SEEDS"); v != "" {
		c.Mesh.SeedPeers = c.Mesh.SeedPeers[:0]
		for _, seed := range strings.Split(v, ",") {
			if seed = strings.TrimSpace(seed); seed != "" {
				c.Mesh.SeedPeers = append(c.Mesh.SeedPeers, seed)
			}
		}
	}
	if v := os.Getenv("MESH_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("MESH_CHECKPOINT_DIR"); v != "" {
		c.Node.CheckpointDir = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Node.RedisAddr = v
	}
}
