// Package server exposes the executor over a persistent WebSocket speaking
// JSON-RPC 2.0, plus plain HTTP endpoints for health, status, and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/grahama1970/cc-executor/internal/config"
	"github.com/grahama1970/cc-executor/internal/logging"
	"github.com/grahama1970/cc-executor/internal/observability"
	"github.com/grahama1970/cc-executor/internal/process"
	"github.com/grahama1970/cc-executor/internal/protocol"
	"github.com/grahama1970/cc-executor/internal/session"
	"github.com/grahama1970/cc-executor/internal/stream"
	"github.com/grahama1970/cc-executor/internal/timing"
	"github.com/grahama1970/cc-executor/internal/verify"
)

// Server ties every component together behind the WebSocket endpoint.
type Server struct {
	cfg    *config.Config
	logger logging.Logger
	clock  clock.Clock

	sessions   *session.Manager
	supervisor *process.Supervisor
	estimator  *timing.Estimator
	store      *timing.FileStore
	verifier   *verify.Verifier
	metrics    *observability.MetricsCollector
	mux        *stream.Multiplexer

	engine     *gin.Engine
	httpServer *http.Server
	wsUpgrader websocket.Upgrader

	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a server from its components. A nil clk uses the real clock.
func New(cfg *config.Config, store *timing.FileStore, clk clock.Clock, logger logging.Logger) (*Server, error) {
	logger = logging.OrNop(logger)
	if clk == nil {
		clk = clock.New()
	}

	metrics, err := observability.NewMetricsCollector(cfg.MetricsEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	estimator := timing.NewEstimator(store, timing.EstimatorConfig{
		Floor:         cfg.TimeoutFloor,
		SafetyFactor:  cfg.SafetyFactor,
		StallRatio:    cfg.StallRatio,
		LoadThreshold: cfg.LoadThreshold,
	}, logger)

	sessions := session.NewManager(session.ManagerConfig{
		MaxSessions:     cfg.MaxSessions,
		SessionTimeout:  cfg.SessionTimeout,
		SweepInterval:   cfg.SweepInterval,
		OutputBufferCap: cfg.OutputBufferCap,
	}, clk, logger)

	supervisor := process.NewSupervisor(cfg.GracePeriod, logger)

	ctx, cancel := context.WithCancel(context.Background())

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		sessions:   sessions,
		supervisor: supervisor,
		estimator:  estimator,
		store:      store,
		verifier:   verify.New(),
		metrics:    metrics,
		mux:        stream.NewMultiplexer(cfg.ChunkSize, logger),
		engine:     engine,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: clk.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	// A session the sweep expires still owns a live process group.
	sessions.OnExpire(func(sess *session.Session, h *process.Handle) {
		if h != nil {
			_ = supervisor.Cancel(h)
		}
	})

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/ws/mcp", s.handleWebSocket)

	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/sessions/:id/status", s.handleSessionStatus)

	if s.cfg.MetricsEnabled {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler exposes the routing tree, mainly for tests driving the server
// through httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Start runs the HTTP server and the session sweep. It blocks until the
// listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting executor server on %s:%d", s.cfg.Host, s.cfg.Port)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sessions.Run(s.ctx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop shuts the server down, cancelling every live session's process group.
func (s *Server) Stop() error {
	s.logger.Info("Stopping executor server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"uptime":          s.clock.Now().Sub(s.startTime).String(),
		"active_sessions": s.sessions.Active(),
		"max_sessions":    s.cfg.MaxSessions,
	})
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	snap := sess.SnapshotAt(s.clock.Now())
	c.JSON(http.StatusOK, protocol.StatusResult{
		SessionID:       snap.ID,
		State:           string(snap.State),
		ElapsedSeconds:  snap.Elapsed.Seconds(),
		LastActivityAge: snap.LastActivityAge.Seconds(),
	})
}

// handleWebSocket upgrades the request and serves the connection until the
// peer disconnects. Sessions are owned by their connection: when it drops,
// every session it started is cancelled.
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := s.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}

	conn := newConnection(s, ws)
	conn.serve(s.ctx)
}

func (s *Server) capabilities() []string {
	caps := []string{"execute", "cancel", "status"}
	if s.supervisor.SupportsPauseResume() {
		caps = append(caps, "pause", "resume")
	}
	return caps
}
