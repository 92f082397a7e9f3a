package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/mesh"
)

func TestDeadlineForModes(t *testing.T) {
	assert.Equal(t, 10*time.Second, DeadlineFor(ModeFast))
	assert.Equal(t, 60*time.Second, DeadlineFor(ModeInteractive))
	assert.Equal(t, 15*time.Second, DeadlineFor(ModeSimulation))
	assert.Equal(t, 10*time.Second, DeadlineFor(Mode("unknown")))
}

func TestClientDecodesRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(ErrorBody{ErrorCode: "bid_rejected", Reason: "bid deadline passed"})
	}))
	defer ts.Close()

	c := NewClient("", ModeFast)
	err := c.SendBid(context.Background(), ts.URL, core.Bid{BidID: "bid-1", RFQID: "rfq-1"})
	require.Error(t, err)

	var peerErr *PeerError
	require.ErrorAs(t, err, &peerErr)
	assert.Equal(t, http.StatusConflict, peerErr.StatusCode)
	assert.Equal(t, "bid_rejected", peerErr.ErrorCode)
	assert.Equal(t, "bid deadline passed", peerErr.Reason)
}

func TestClientRejectionDoesNotTripBreaker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusConflict, "bid_rejected", "duplicate bid")
	}))
	defer ts.Close()

	c := NewClient("", ModeFast)
	for i := 0; i < 5; i++ {
		err := c.SendBid(context.Background(), ts.URL, core.Bid{BidID: "bid-1"})
		var peerErr *PeerError
		require.ErrorAs(t, err, &peerErr)
	}
	assert.NoError(t, c.Breakers().Get(ts.URL).Allow())
}

func TestClientServerErrorsTripBreaker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewClient("", ModeFast)
	for i := 0; i < 3; i++ {
		err := c.SendRFQ(context.Background(), ts.URL, core.RFQ{RFQID: "rfq-1"})
		require.Error(t, err)
	}
	assert.Error(t, c.Breakers().Get(ts.URL).Allow())
}

func TestClientAttachesBearerToken(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, mesh.HeartbeatAck{From: core.NodeIdentity{NodeID: "node-b"}})
	}))
	defer ts.Close()

	c := NewClient("secret-token", ModeFast)
	ack, err := c.SendHeartbeat(context.Background(), ts.URL, mesh.Heartbeat{
		From: core.NodeIdentity{NodeID: "node-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "node-b", ack.From.NodeID)
}

func TestClientHelloRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req HelloRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "node-a", req.Identity.NodeID)
		writeJSON(w, http.StatusOK, HelloResponse{
			Identity: core.NodeIdentity{NodeID: "node-b"},
			Decision: mesh.JoinDecision{Accepted: true},
		})
	}))
	defer ts.Close()

	c := NewClient("", ModeFast)
	resp, err := c.Hello(context.Background(), ts.URL, core.NodeIdentity{NodeID: "node-a"}, "")
	require.NoError(t, err)
	assert.True(t, resp.Decision.Accepted)
	assert.Equal(t, "node-b", resp.Identity.NodeID)
}
