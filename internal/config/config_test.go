package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 7430, cfg.Node.Port)
	assert.Equal(t, int64(60_000), cfg.Delegation.DelegationTimeoutMs)
	assert.Equal(t, 0.01, cfg.Escrow.MinBondUSD)
	assert.Equal(t, 50.0, cfg.Escrow.SlashPctOnViolation)
	assert.Equal(t, 25.0, cfg.Escrow.SlashPctOnTimeout)
	assert.Equal(t, 2, cfg.Verification.RequiredVoters)
	assert.Equal(t, 20, cfg.Decomposer.ComplexityFloorWords)
	assert.Equal(t, 3, cfg.Redelegation.MaxRedelegations)
	assert.Equal(t, "truncate", cfg.Journal.Recovery)
	assert.False(t, cfg.Sybil.RequireProofOfWork)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	yaml := `
node:
  node_id: node-test
  port: 9999
escrow:
  min_bond_usd: 0.5
mesh:
  seed_peers:
    - http://a.mesh.local:7430
    - http://b.mesh.local:7430
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-test", cfg.Node.NodeID)
	assert.Equal(t, 9999, cfg.Node.Port)
	assert.Equal(t, 0.5, cfg.Escrow.MinBondUSD)
	assert.Len(t, cfg.Mesh.SeedPeers, 2)
	// Untouched sections keep their defaults.
	assert.Equal(t, int64(60_000), cfg.Delegation.DelegationTimeoutMs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MESH_NODE_ID", "node-env")
	t.Setenv("MESH_API_TOKEN", "sekrit")
	t.Setenv("MESH_PORT", "8111")
	t.Setenv("MESH_API_URL", "http://edge.example:8111")
	t.Setenv("MESH_SEEDS", "http://a:7430, http://b:7430 ,")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, "node-env", cfg.Node.NodeID)
	assert.Equal(t, "sekrit", cfg.Node.APIToken)
	assert.Equal(t, 8111, cfg.Node.Port)
	assert.Equal(t, "http://edge.example:8111", cfg.Node.APIURL)
	assert.Equal(t, []string{"http://a:7430", "http://b:7430"}, cfg.Mesh.SeedPeers)
	assert.Equal(t, "localhost:6379", cfg.Node.RedisAddr)
}
