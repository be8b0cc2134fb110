package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/models"
	"market-relay/src/pubsub"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ConnState is the per-connection relay state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateStreaming
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

// -----------------------------------------------------------------------------
// Client Structure
// -----------------------------------------------------------------------------

type Client struct {
	id      string
	hub     *RelayServer
	conn    *websocket.Conn
	send    chan interface{}
	limiter *rate.Limiter
	logger  *logger.Logger

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	state    ConnState
	tickSub  *pubsub.Subscription[models.MTickUpdateEvent]
	batchSub *pubsub.Subscription[models.MBatchCandleEvent]
	lease    uint64 // 0 when no session reference is held
	starting bool
}

// State returns the current relay state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// -----------------------------------------------------------------------------
// readPump - handles incoming commands from the client
// -----------------------------------------------------------------------------

func (c *Client) readPump() {
	defer func() {
		c.disconnect()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.shutdown()
		c.logger.Info("Client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warning("WebSocket error: %v", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		cmd := parseCommand(message)
		// only start reaches the upstream; ping and close are always served
		if cmd == CommandStart && !c.limiter.Allow() {
			c.logger.Warning("Start rate exceeded, ignoring %q", truncate(message, 32))
			continue
		}
		if c.handleCommand(cmd) {
			return
		}
	}
}

// -----------------------------------------------------------------------------
// writePump - sends queued messages to the client
// -----------------------------------------------------------------------------

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case message := <-c.send:
			data, err := json.Marshal(message)
			if err != nil {
				c.logger.Error("Dropping unencodable message: %v", err)
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warning("Write error: %v", helpers.NewTransportError("write", err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// handleCommand applies one command; it reports whether the connection is done.
func (c *Client) handleCommand(cmd string) bool {
	switch cmd {
	case CommandStart:
		c.handleStart()
	case CommandPing:
		c.enqueue(models.MPongMessage{Topic: "pong", T: time.Now().UnixMilli()})
	case CommandClose:
		c.handleClose()
		return true
	}
	return false
}

// -----------------------------------------------------------------------------

func (c *Client) handleStart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return
	}

	if c.tickSub == nil {
		c.tickSub = c.hub.core.SubscribeTicks(func(ev models.MTickUpdateEvent) {
			c.enqueue(models.NewTickMessage(ev))
		})
		c.batchSub = c.hub.core.SubscribeBatches(func(ev models.MBatchCandleEvent) {
			c.enqueue(models.NewBatchMessage(ev))
		})
	}
	c.state = StateStreaming

	// a lease on a session that has since ended is stale: start again
	if c.starting || c.hub.core.Holds(c.lease) {
		return
	}
	c.lease = 0
	c.starting = true

	// login can take a while; keep serving ping meanwhile
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.closed:
				cancel()
			case <-ctx.Done():
			}
		}()

		lease, err := c.hub.core.Acquire(ctx)

		c.mu.Lock()
		c.starting = false
		if err != nil {
			c.mu.Unlock()
			c.logger.Error("Upstream session failed to start: %v", err)
			return
		}
		if c.state == StateClosed {
			c.mu.Unlock()
			// the connection went away during login
			if c.hub.policy == PolicyRefcounted {
				c.hub.core.Release(lease)
			}
			return
		}
		c.lease = lease
		c.mu.Unlock()
	}()
}

// -----------------------------------------------------------------------------

func (c *Client) handleClose() {
	c.mu.Lock()
	c.unsubscribeLocked()
	lease := c.lease
	c.lease = 0
	c.state = StateClosed
	c.mu.Unlock()

	switch c.hub.policy {
	case PolicyShared:
		c.hub.core.Stop()
	default:
		if lease != 0 {
			c.hub.core.Release(lease)
		}
	}

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// disconnect runs once the socket is gone, whatever the reason.
func (c *Client) disconnect() {
	c.mu.Lock()
	c.unsubscribeLocked()
	lease := c.lease
	c.lease = 0
	c.state = StateClosed
	c.mu.Unlock()

	if lease != 0 && c.hub.policy == PolicyRefcounted {
		c.hub.core.Release(lease)
	}
}

func (c *Client) unsubscribeLocked() {
	c.tickSub.Unsubscribe()
	c.batchSub.Unsubscribe()
	c.tickSub = nil
	c.batchSub = nil
}

// -----------------------------------------------------------------------------

// enqueue never blocks; a full queue drops the message.
func (c *Client) enqueue(message interface{}) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- message:
		return true
	case <-c.closed:
		return false
	default:
		c.logger.Warning("Send queue full, dropping %T", message)
		return false
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
