// Redis-backed event mirror for multi-process deployments.
//
// A single node delivers events in-process through the Bus. When several
// mesh processes share an operator dashboard, the mirror republishes
// every journal event on Redis Pub/Sub so consumers attached to one
// process observe the whole fleet.
package events

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisMirror republishes mesh events on Redis Pub/Sub. Publishing is
// best effort: a Redis outage degrades to local-only delivery.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects a mirror to the given Redis address. The
// connection is verified eagerly so a bad address fails at startup.
func NewRedisMirror(ctx context.Context, addr, channelPrefix string) (*RedisMirror, error) {
	if channelPrefix == "" {
		channelPrefix = "mesh:events:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	slog.Info("[RedisMirror] Connected", "addr", addr, "prefix", channelPrefix)
	return &RedisMirror{client: client, prefix: channelPrefix}, nil
}

// Publish sends the event to the per-type channel and the firehose
// channel. Failures are logged, never propagated.
func (m *RedisMirror) Publish(ctx context.Context, event *MeshEvent) {
	data, err := event.JSON()
	if err != nil {
		slog.Warn("[RedisMirror] Marshal failed", "type", event.Type, "error", err)
		return
	}
	if err := m.client.Publish(ctx, m.prefix+event.Type, data).Err(); err != nil {
		slog.Warn("[RedisMirror] Publish failed", "type", event.Type, "error", err)
		return
	}
	if err := m.client.Publish(ctx, m.prefix+"all", data).Err(); err != nil {
		slog.Warn("[RedisMirror] Firehose publish failed", "error", err)
	}
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
