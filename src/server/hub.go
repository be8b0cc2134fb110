package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// -----------------------------------------------------------------------------
// Hub Pattern Implementation
// -----------------------------------------------------------------------------

// handleWebsockets is the main Hub loop. It only tracks membership; events
// reach clients through their own subscriptions.
func (s *RelayServer) handleWebsockets() {
	defer close(s.hubDone)

	for {
		select {
		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = struct{}{}
			s.clientsMu.Unlock()
			s.Logger.Debug("Client %s registered", client.id)

		case client := <-s.unregister:
			s.clientsMu.Lock()
			delete(s.clients, client)
			s.clientsMu.Unlock()

		case <-s.quit:
			s.clientsMu.Lock()
			for client := range s.clients {
				client.shutdown()
				delete(s.clients, client)
			}
			s.clientsMu.Unlock()
			return
		}
	}
}

// ConnectionCount is the number of registered clients.
func (s *RelayServer) ConnectionCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

func (s *RelayServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warning("Failed to upgrade websocket: %v", err)
		return
	}

	queue := s.Config.Relay.SendQueue
	if queue <= 0 {
		queue = 256
	}
	limit, burst := rate.Limit(s.Config.Relay.CommandRate), s.Config.Relay.CommandBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	id := uuid.NewString()
	client := &Client{
		id:      id,
		hub:     s,
		conn:    conn,
		send:    make(chan interface{}, queue),
		closed:  make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
		logger:  s.Logger.Named("Conn").With("conn", id),
		state:   StateIdle,
	}

	select {
	case s.register <- client:
	case <-s.quit:
		conn.Close()
		return
	}

	s.Logger.Info("Client %s connected from %s", id, c.ClientIP())

	// Start goroutines for reading/writing
	go client.writePump()
	go client.readPump()
}
