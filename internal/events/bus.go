// Package events carries journal events to live consumers: in-process
// subscribers, websocket streams, and an optional Redis mirror for
// multi-process deployments.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentmesh/mesh/internal/journal"
)

// MeshEvent is the envelope streamed to consumers. Source is the
// emitting node, Subject the journal session.
type MeshEvent struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Subject string         `json:"subject,omitempty"`
	Time    time.Time      `json:"time"`
	Seq     int64          `json:"seq"`
	Data    map[string]any `json:"data,omitempty"`
}

// FromJournal wraps a journal event for streaming.
func FromJournal(ev *journal.Event, source string) *MeshEvent {
	return &MeshEvent{
		ID:      ev.EventID,
		Type:    ev.Type,
		Source:  source,
		Subject: ev.SessionID,
		Time:    ev.Timestamp,
		Seq:     ev.Seq,
		Data:    ev.Payload,
	}
}

// JSON serializes the event.
func (e *MeshEvent) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat returns the event in Server-Sent Events framing.
func (e *MeshEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Bus is an in-process pub/sub fan-out. Slow subscribers drop events
// rather than stall the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *MeshEvent
	allSubs     []chan *MeshEvent
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *MeshEvent),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel receiving events of the given types, or
// all events when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *MeshEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *MeshEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *MeshEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *MeshEvent, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := make([]chan *MeshEvent, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers an event to every matching subscriber. Full channels
// are skipped.
func (b *Bus) Publish(event *MeshEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
