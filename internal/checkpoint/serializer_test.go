package checkpoint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/core"
)

type captureRecorder struct {
	events []string
}

func (c *captureRecorder) TryEmit(sessionID, eventType string, payload map[string]any) bool {
	c.events = append(c.events, eventType)
	return true
}

func TestSaveAssignsIDAndJournals(t *testing.T) {
	rec := &captureRecorder{}
	s, err := New(t.TempDir(), rec)
	require.NoError(t, err)

	cp, err := s.Save(core.TaskCheckpoint{TaskID: "t1", PeerNodeID: "peer", TokensUsed: 120})
	require.NoError(t, err)
	assert.NotEmpty(t, cp.CheckpointID)
	assert.False(t, cp.Timestamp.IsZero())
	assert.Equal(t, []string{"checkpoint_saved"}, rec.events)

	_, err = s.Save(core.TaskCheckpoint{})
	assert.Error(t, err, "task_id is required")
}

func TestFIFOCapPerTask(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	for i := 0; i < MaxPerTask+5; i++ {
		_, err := s.Save(core.TaskCheckpoint{
			TaskID:       "t1",
			CheckpointID: fmt.Sprintf("cp-%02d", i),
		})
		require.NoError(t, err)
	}

	list := s.List("t1")
	require.Len(t, list, MaxPerTask)
	assert.Equal(t, "cp-05", list[0].CheckpointID, "oldest five rolled off")
	assert.Equal(t, "cp-14", list[MaxPerTask-1].CheckpointID)

	latest, ok := s.Latest("t1")
	require.True(t, ok)
	assert.Equal(t, "cp-14", latest.CheckpointID)
}

func TestCanResume(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	assert.False(t, s.CanResume("t1"))
	_, err = s.Save(core.TaskCheckpoint{TaskID: "t1"})
	require.NoError(t, err)
	assert.True(t, s.CanResume("t1"))

	require.NoError(t, s.Drop("t1"))
	assert.False(t, s.CanResume("t1"))
}

func TestReloadAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Save(core.TaskCheckpoint{
			TaskID:       "t1",
			CheckpointID: fmt.Sprintf("cp-%d", i),
			CostUSD:      0.01 * float64(i),
		})
		require.NoError(t, err)
	}
	_, err = s.Save(core.TaskCheckpoint{TaskID: "t2", CheckpointID: "other"})
	require.NoError(t, err)

	reopened, err := New(dir, nil)
	require.NoError(t, err)
	assert.True(t, reopened.CanResume("t1"))
	assert.True(t, reopened.CanResume("t2"))

	list := reopened.List("t1")
	require.Len(t, list, 3)
	assert.Equal(t, "cp-2", list[2].CheckpointID)
	latest, ok := reopened.Latest("t1")
	require.True(t, ok)
	assert.InDelta(t, 0.02, latest.CostUSD, 1e-9)
}

func TestDropSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir, nil)
	require.NoError(t, err)
	_, err = s.Save(core.TaskCheckpoint{TaskID: "t1"})
	require.NoError(t, err)
	_, err = s.Save(core.TaskCheckpoint{TaskID: "t2"})
	require.NoError(t, err)
	require.NoError(t, s.Drop("t1"))

	reopened, err := New(dir, nil)
	require.NoError(t, err)
	assert.False(t, reopened.CanResume("t1"))
	assert.True(t, reopened.CanResume("t2"))
}
