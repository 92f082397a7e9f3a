package websocket

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/mesh/internal/events"
)

// EventStreamer fans mesh events out to WebSocket clients. It subscribes
// to the in-process event bus and relays every event it receives; clients
// that cannot keep up are disconnected rather than allowed to stall the
// hub.
type EventStreamer struct {
	bus        *events.Bus
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewEventStreamer creates a streamer wired to the given bus.
func NewEventStreamer(bus *events.Bus) *EventStreamer {
	return &EventStreamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
}

// Run starts the hub. It returns when Stop is called.
func (s *EventStreamer) Run() {
	feed := s.bus.Subscribe()
	defer s.bus.Unsubscribe(feed)

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected (total: %d)", total)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client disconnected (total: %d)", total)

		case event, ok := <-feed:
			if !ok {
				return
			}
			s.broadcast(event)

		case <-s.stop:
			s.mu.Lock()
			for client := range s.clients {
				client.Close()
			}
			s.clients = make(map[*websocket.Conn]bool)
			s.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and closes every client connection.
func (s *EventStreamer) Stop() {
	close(s.stop)
}

func (s *EventStreamer) broadcast(event *events.MeshEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if err := client.WriteJSON(event); err != nil {
			s.logger.Printf("write error, dropping client: %v", err)
			client.Close()
			delete(s.clients, client)
		}
	}
}

// HandleWebSocket upgrades the connection and registers it with the hub.
func (s *EventStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade error: %v", err)
		return
	}

	s.register <- conn

	// Drain reads so ping/pong and close frames are processed.
	go func() {
		defer func() {
			s.unregister <- conn
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// ClientCount reports the number of connected clients.
func (s *EventStreamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
