package decompose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/core"
)

func TestSkipWhenNoPeers(t *testing.T) {
	d := New(DefaultOptions())
	r := d.Decompose("Investigate the flaky integration suite and produce a full report on root causes", 0, core.TaskConstraints{})
	assert.True(t, r.Skip)
	assert.Contains(t, r.Reason, "no peers")
}

func TestSkipShortUnstructuredTask(t *testing.T) {
	d := New(DefaultOptions())
	r := d.Decompose("Rename the helper function", 3, core.TaskConstraints{})
	assert.True(t, r.Skip)
	assert.Contains(t, r.Reason, "complexity floor")
}

func TestSequentialConnectives(t *testing.T) {
	d := New(DefaultOptions())
	r := d.Decompose("First read the config, then run tests, and then deploy.", 3, core.TaskConstraints{
		MaxDurationMs: 60_000,
		MaxTokens:     9_000,
		MaxCostUSD:    0.30,
		ToolAllowlist: []string{"read-file", "shell-exec"},
	})

	require.False(t, r.Skip)
	require.Len(t, r.SubTasks, 3)
	assert.Equal(t, "read the config", r.SubTasks[0].Text)
	assert.Equal(t, "run tests", r.SubTasks[1].Text)
	assert.Equal(t, "deploy", r.SubTasks[2].Text)

	// Sequential: three groups of one, each depending on the previous.
	require.Len(t, r.ExecutionOrder, 3)
	for i, group := range r.ExecutionOrder {
		require.Len(t, group, 1)
		assert.Equal(t, r.SubTasks[i].SubTaskID, group[0])
	}
	assert.Empty(t, r.SubTasks[0].DependsOn)
	assert.Equal(t, []string{r.SubTasks[0].SubTaskID}, r.SubTasks[1].DependsOn)
	assert.Equal(t, []string{r.SubTasks[1].SubTaskID}, r.SubTasks[2].DependsOn)

	// Constraints divided by three; the allowlist propagates unchanged.
	for _, st := range r.SubTasks {
		assert.Equal(t, int64(20_000), st.Constraints.MaxDurationMs)
		assert.Equal(t, uint64(3_000), st.Constraints.MaxTokens)
		assert.InDelta(t, 0.10, st.Constraints.MaxCostUSD, 1e-9)
		assert.Equal(t, []string{"read-file", "shell-exec"}, st.Constraints.ToolAllowlist)
	}
}

func TestNumberedListIsParallel(t *testing.T) {
	d := New(DefaultOptions())
	r := d.Decompose("Work through the backlog:\n1. audit the login flow\n2. check the billing reconciliation\n3. validate the export job", 3, core.TaskConstraints{})

	require.False(t, r.Skip)
	require.Len(t, r.SubTasks, 3)
	assert.Equal(t, "audit the login flow", r.SubTasks[0].Text)

	require.Len(t, r.ExecutionOrder, 1, "list items run as one parallel group")
	assert.Len(t, r.ExecutionOrder[0], 3)
	for _, st := range r.SubTasks {
		assert.Empty(t, st.DependsOn)
	}
}

func TestBulletedList(t *testing.T) {
	d := New(DefaultOptions())
	r := d.Decompose("- grep for deprecated APIs\n- list affected packages", 2, core.TaskConstraints{})
	require.False(t, r.Skip)
	assert.Len(t, r.SubTasks, 2)
}

func TestAtomicLongTask(t *testing.T) {
	d := New(DefaultOptions())
	text := strings.Repeat("analyze the dependency graph of the service and report every cycle ", 4)
	r := d.Decompose(text, 2, core.TaskConstraints{})

	require.False(t, r.Skip)
	require.Len(t, r.SubTasks, 1)
	assert.Equal(t, text, r.SubTasks[0].Text)
	require.Len(t, r.ExecutionOrder, 1)
}

func TestMaxSubTasksCap(t *testing.T) {
	d := New(Options{ComplexityFloorWords: 20, MaxSubTasks: 2})
	r := d.Decompose("1. one\n2. two\n3. three\n4. four", 4, core.TaskConstraints{})
	require.False(t, r.Skip)
	assert.Len(t, r.SubTasks, 2)
}

func TestAnalyzeLexicons(t *testing.T) {
	attr := Analyze("deploy the release to production")
	assert.Equal(t, core.LevelHigh, attr.Criticality)
	assert.Equal(t, core.LevelLow, attr.Reversibility)

	attr = Analyze("run tests and validate the output schema")
	assert.Equal(t, core.LevelHigh, attr.Verifiability)
	assert.Equal(t, core.LevelHigh, attr.Reversibility)

	attr = Analyze("review the proposal and decide on the architecture direction")
	assert.Equal(t, core.LevelLow, attr.Verifiability)
	assert.Equal(t, "human", attr.DelegationTarget, "subjective work is pre-routed to a human")

	assert.Equal(t, core.LevelLow, Analyze("short task").Complexity)
	long := strings.Repeat("word ", 35)
	assert.Equal(t, core.LevelHigh, Analyze(long).Complexity)
}
