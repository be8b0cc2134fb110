package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// Session policies applied on close and disconnect.
const (
	PolicyRefcounted = "refcounted"
	PolicyShared     = "shared"
)

// -----------------------------------------------------------------------------
// RelayServer
// -----------------------------------------------------------------------------

type RelayServer struct {
	Config *models.MConfig
	Logger *logger.Logger
	engine *gin.Engine
	core   interfaces.IRelayEngine
	policy string

	// WebSocket clients, owned by the hub goroutine
	clients    map[*Client]struct{}
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	hubDone    chan struct{}
	stopOnce   sync.Once

	httpMu     sync.Mutex
	httpServer *http.Server
	startedAt  time.Time
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewRelayServer(cfg *models.MConfig, core interfaces.IRelayEngine, logger *logger.Logger) *RelayServer {
	// Set Gin mode
	if !strings.EqualFold(cfg.LogLevel, "DEBUG") {
		gin.SetMode(gin.ReleaseMode)
	}

	policy := cfg.Relay.SessionPolicy
	if policy == "" {
		policy = PolicyRefcounted
	}

	s := &RelayServer{
		Config:     cfg,
		Logger:     logger,
		engine:     gin.New(),
		core:       core,
		policy:     policy,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		hubDone:    make(chan struct{}),
		startedAt:  time.Now(),
	}

	s.engine.Use(gin.Recovery())

	// Add CORS Middleware
	s.engine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	s.setupRoutes()

	go s.handleWebsockets()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *RelayServer) setupRoutes() {
	// REST API endpoints
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/stats", s.getStats)
	s.engine.GET("/api/instruments", s.getInstruments)
	s.engine.GET("/api/instruments/:id", s.getInstrument)

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler exposes the router, e.g. for httptest.
func (s *RelayServer) Handler() http.Handler {
	return s.engine
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

// Start serves until Stop is called.
func (s *RelayServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.Logger.Info("Starting relay server on %s", addr)

	s.httpMu.Lock()
	select {
	case <-s.quit:
		s.httpMu.Unlock()
		return nil
	default:
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.httpMu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "relay server")
	}
	return nil
}

// -----------------------------------------------------------------------------

// Stop closes every client connection and shuts the HTTP server down.
func (s *RelayServer) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.quit)
		<-s.hubDone
	})

	s.httpMu.Lock()
	srv := s.httpServer
	s.httpMu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *RelayServer) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"connections":    s.ConnectionCount(),
		"running":        s.core.IsRunning(),
		"session_policy": s.policy,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// -----------------------------------------------------------------------------

func (s *RelayServer) getStats(c *gin.Context) {
	stats, err := s.core.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"engine":      stats,
		"connections": s.ConnectionCount(),
	})
}

// -----------------------------------------------------------------------------

func (s *RelayServer) getInstruments(c *gin.Context) {
	list, err := s.core.Instruments(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruments": list, "count": len(list)})
}

// -----------------------------------------------------------------------------

func (s *RelayServer) getInstrument(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument id must be an integer"})
		return
	}

	inst, ok, err := s.core.Instrument(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instrument not found"})
		return
	}
	c.JSON(http.StatusOK, inst)
}
