package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh/internal/circuitbreaker"
	"github.com/agentmesh/mesh/internal/core"
	"github.com/agentmesh/mesh/internal/mesh"
)

// PeerError is a 4xx rejection decoded from a peer's reply.
type PeerError struct {
	StatusCode int
	ErrorCode  string
	Reason     string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer rejected request (%d %s): %s", e.StatusCode, e.ErrorCode, e.Reason)
}

// Client talks to peer nodes. Every dispatch path runs through a
// per-peer circuit breaker so a dead peer stops consuming deadlines.
type Client struct {
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	token      string
	mode       Mode
	logger     *log.Logger
}

// NewClient builds a client. token is attached as a bearer credential on
// every request; mode picks the task dispatch deadline.
func NewClient(token string, mode Mode) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 90 * time.Second},
		breakers:   circuitbreaker.NewManager(nil),
		token:      token,
		mode:       mode,
		logger:     log.New(log.Writer(), "[TRANSPORT] ", log.LstdFlags),
	}
}

// Breakers exposes the per-peer breaker table for status queries.
func (c *Client) Breakers() *circuitbreaker.Manager {
	return c.breakers
}

// Hello performs the first-contact identity exchange with a peer.
func (c *Client) Hello(ctx context.Context, apiURL string, self core.NodeIdentity, solution string) (*HelloResponse, error) {
	var resp HelloResponse
	err := c.post(ctx, apiURL, "/api/swarm/hello", HelloRequest{
		RequestID: uuid.New().String(),
		Identity:  self,
		Solution:  solution,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendHeartbeat implements mesh.Pinger.
func (c *Client) SendHeartbeat(ctx context.Context, apiURL string, beat mesh.Heartbeat) (*mesh.HeartbeatAck, error) {
	var ack mesh.HeartbeatAck
	err := c.post(ctx, apiURL, "/api/swarm/heartbeat", HeartbeatRequest{
		RequestID: uuid.New().String(),
		Beat:      beat,
	}, &ack)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// SendTaskRequest dispatches a task to a worker with the mode-dependent
// deadline and returns the accept/reject envelope.
func (c *Client) SendTaskRequest(ctx context.Context, apiURL string, req core.SwarmTaskRequest) (*TaskAccept, error) {
	ctx, cancel := context.WithTimeout(ctx, DeadlineFor(c.mode))
	defer cancel()

	var accept TaskAccept
	err := c.post(ctx, apiURL, "/api/swarm/task.request", TaskRequestEnvelope{
		RequestID: uuid.New().String(),
		Mode:      c.mode,
		Request:   req,
	}, &accept)
	if err != nil {
		return nil, err
	}
	return &accept, nil
}

// SendTaskResult delivers a finished result back to the originator.
func (c *Client) SendTaskResult(ctx context.Context, apiURL, selfNodeID string, result core.SwarmTaskResult) error {
	return c.post(ctx, apiURL, "/api/swarm/task.result", TaskResultEnvelope{
		RequestID:        uuid.New().String(),
		OriginatorNodeID: selfNodeID,
		Result:           result,
	}, nil)
}

// SendRFQ implements auction.Broadcaster. Fire-and-forget per peer.
func (c *Client) SendRFQ(ctx context.Context, apiURL string, rfq core.RFQ) error {
	return c.post(ctx, apiURL, "/api/swarm/rfq", RFQEnvelope{
		RequestID: uuid.New().String(),
		RFQ:       rfq,
	}, nil)
}

// SendBid submits a bid to the RFQ's originator.
func (c *Client) SendBid(ctx context.Context, apiURL string, bid core.Bid) error {
	return c.post(ctx, apiURL, "/api/swarm/bid", BidEnvelope{
		RequestID: uuid.New().String(),
		Bid:       bid,
	}, nil)
}

// SendCheckpoint streams a mid-task checkpoint to the originator.
func (c *Client) SendCheckpoint(ctx context.Context, apiURL, selfNodeID string, cp core.TaskCheckpoint) error {
	return c.post(ctx, apiURL, "/api/swarm/checkpoint", CheckpointEnvelope{
		RequestID:        uuid.New().String(),
		OriginatorNodeID: selfNodeID,
		Checkpoint:       cp,
	}, nil)
}

// post sends one JSON request through the peer's circuit breaker. A 4xx
// reply decodes into *PeerError and does not count as a breaker failure;
// network errors and 5xx do.
func (c *Client) post(ctx context.Context, apiURL, path string, body, out any) error {
	endpoint, err := url.JoinPath(apiURL, path)
	if err != nil {
		return fmt.Errorf("bad api_url %q: %w", apiURL, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	breaker := c.breakers.Get(apiURL)
	var peerErr *PeerError
	err = breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return fmt.Errorf("decode reply: %w", err)
				}
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			var eb ErrorBody
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			if json.Unmarshal(data, &eb) != nil || eb.Reason == "" {
				eb = ErrorBody{ErrorCode: "rejected", Reason: string(data)}
			}
			// Rejections are protocol answers, not peer failures.
			peerErr = &PeerError{StatusCode: resp.StatusCode, ErrorCode: eb.ErrorCode, Reason: eb.Reason}
			return nil
		default:
			return fmt.Errorf("peer returned %d for %s", resp.StatusCode, path)
		}
	})
	if err != nil {
		return err
	}
	if peerErr != nil {
		return peerErr
	}
	return nil
}
