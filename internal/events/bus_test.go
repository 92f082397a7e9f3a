package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/journal"
)

func TestTypedSubscription(t *testing.T) {
	b := NewBus()
	bonds := b.Subscribe("bond_held")
	all := b.Subscribe()

	b.Publish(&MeshEvent{ID: "e1", Type: "bond_held"})
	b.Publish(&MeshEvent{ID: "e2", Type: "peer_joined"})

	require.Len(t, bonds, 1)
	assert.Equal(t, "e1", (<-bonds).ID)

	require.Len(t, all, 2)
	assert.Equal(t, "e1", (<-all).ID)
	assert.Equal(t, "e2", (<-all).ID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("x")
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)

	b.Publish(&MeshEvent{Type: "x"})
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	ch := b.Subscribe()

	done := make(chan struct{})
	go func() {
		b.Publish(&MeshEvent{ID: "a", Type: "t"})
		b.Publish(&MeshEvent{ID: "b", Type: "t"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, "a", (<-ch).ID, "overflow is dropped, not queued")
	assert.Empty(t, ch)
}

func TestFromJournal(t *testing.T) {
	ev := &journal.Event{
		EventID:   "ev-1",
		SessionID: "s-1",
		Seq:       7,
		Timestamp: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Type:      "bond_slashed",
		Payload:   map[string]any{"task_id": "t1"},
	}

	me := FromJournal(ev, "node-a")
	assert.Equal(t, "ev-1", me.ID)
	assert.Equal(t, "bond_slashed", me.Type)
	assert.Equal(t, "node-a", me.Source)
	assert.Equal(t, "s-1", me.Subject)
	assert.Equal(t, int64(7), me.Seq)

	sse, err := me.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(sse), "event: bond_slashed")
	assert.Contains(t, string(sse), "id: ev-1")
}
