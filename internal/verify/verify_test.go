package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/core"
)

func testContract() core.DelegationContract {
	return core.DelegationContract{
		ContractID: "c1",
		TaskID:     "t1",
		SLO: core.SLO{
			MaxDurationMs: 1000,
			MaxTokens:     500,
			MaxCostUSD:    0.50,
			MinFindings:   1,
		},
		Boundary: core.PermissionBoundary{ToolAllowlist: []string{"read-file", "grep"}},
	}
}

func compliantResult() core.SwarmTaskResult {
	return core.SwarmTaskResult{
		TaskID:     "t1",
		Status:     core.TaskCompleted,
		Findings:   []core.Finding{{ToolName: "read-file", Summary: "read config"}},
		TokensUsed: 100,
		CostUSD:    0.10,
		DurationMs: 400,
	}
}

func TestCompliantResultVerifies(t *testing.T) {
	v := NewOutcomeVerifier(true)
	got := v.Verify(testContract(), compliantResult())
	assert.True(t, got.Verified)
	assert.True(t, got.SLOCompliance)
	assert.Empty(t, got.Issues)
}

func TestSLOViolationsAreReported(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.SwarmTaskResult)
	}{
		{"duration over cap", func(r *core.SwarmTaskResult) { r.DurationMs = 2800 }},
		{"tokens over cap", func(r *core.SwarmTaskResult) { r.TokensUsed = 501 }},
		{"cost over cap", func(r *core.SwarmTaskResult) { r.CostUSD = 0.51 }},
		{"too few findings", func(r *core.SwarmTaskResult) { r.Findings = nil }},
		{"tool outside boundary", func(r *core.SwarmTaskResult) {
			r.Findings = append(r.Findings, core.Finding{ToolName: "shell-exec"})
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := compliantResult()
			tc.mutate(&result)

			got := NewOutcomeVerifier(true).Verify(testContract(), result)
			assert.False(t, got.Verified)
			assert.False(t, got.SLOCompliance)
			assert.NotEmpty(t, got.Issues)
		})
	}
}

func TestFailedResultWithinCapsStaysCompliant(t *testing.T) {
	result := compliantResult()
	result.Status = core.TaskFailed

	got := NewOutcomeVerifier(true).Verify(testContract(), result)
	assert.False(t, got.Verified)
	assert.True(t, got.SLOCompliance, "status alone must not flip compliance")
	require.Len(t, got.Issues, 1)
	assert.Contains(t, got.Issues[0], "not completed")
}

func TestFailedResultOverCapViolatesBoth(t *testing.T) {
	result := compliantResult()
	result.Status = core.TaskFailed
	result.CostUSD = 0.75

	got := NewOutcomeVerifier(true).Verify(testContract(), result)
	assert.False(t, got.Verified)
	assert.False(t, got.SLOCompliance)
	assert.Len(t, got.Issues, 2)
}

func TestNonStrictModeVerifiesCompletedDespiteIssues(t *testing.T) {
	result := compliantResult()
	result.DurationMs = 5000

	got := NewOutcomeVerifier(false).Verify(testContract(), result)
	assert.True(t, got.Verified)
	assert.False(t, got.SLOCompliance)
	assert.NotEmpty(t, got.Issues)

	result.Status = core.TaskAborted
	got = NewOutcomeVerifier(false).Verify(testContract(), result)
	assert.False(t, got.Verified, "non-strict still requires completion")
}

func TestConsensusConverges(t *testing.T) {
	cv := NewConsensusVerifier()
	require.NoError(t, cv.CreateRound("t", 2, 0.67))

	res, err := cv.SubmitVerification("t", "voter-a", "H1", 0.95)
	require.NoError(t, err)
	assert.Nil(t, res, "round not full yet")

	res, err = cv.SubmitVerification("t", "voter-b", "H1", 0.90)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Agreed)
	assert.Equal(t, 2, res.MajorityCount)
	assert.Equal(t, "H1", res.MajorityHash)
	assert.Empty(t, res.DissentingNodeIDs)
	assert.InDelta(t, 1.0, res.AgreementRatio, 1e-9)
}

func TestConsensusDissent(t *testing.T) {
	cv := NewConsensusVerifier()
	require.NoError(t, cv.CreateRound("t", 3, 0.75))

	cv.SubmitVerification("t", "a", "H1", 0.9)
	cv.SubmitVerification("t", "b", "H1", 0.9)
	res, err := cv.SubmitVerification("t", "c", "H2", 0.8)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.Agreed, "2/3 below 0.75 agreement")
	assert.Equal(t, 2, res.MajorityCount)
	assert.Equal(t, []string{"c"}, res.DissentingNodeIDs)
}

func TestDuplicateVoteReplacesPrior(t *testing.T) {
	cv := NewConsensusVerifier()
	require.NoError(t, cv.CreateRound("t", 2, 0.5))

	cv.SubmitVerification("t", "a", "H1", 0.9)
	res, err := cv.SubmitVerification("t", "a", "H2", 0.7)
	require.NoError(t, err)
	assert.Nil(t, res, "replacement does not add a vote")

	round, ok := cv.GetRound("t")
	require.True(t, ok)
	require.Len(t, round.Votes, 1)
	assert.Equal(t, "H2", round.Votes[0].ResultHash)
}

func TestSubmitWithoutRoundFails(t *testing.T) {
	cv := NewConsensusVerifier()
	_, err := cv.SubmitVerification("missing", "a", "H1", 0.9)
	assert.Error(t, err)
}

func TestEvaluatedRoundRejectsLateVotes(t *testing.T) {
	cv := NewConsensusVerifier()
	require.NoError(t, cv.CreateRound("t", 1, 0.5))
	_, err := cv.SubmitVerification("t", "a", "H1", 0.9)
	require.NoError(t, err)

	_, err = cv.SubmitVerification("t", "late", "H1", 0.9)
	assert.Error(t, err)
}
