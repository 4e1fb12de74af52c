// Package api serves the dashboard over HTTP under /api/v1.
//
// Reads go through board.Board and writes through the optimistic
// coordinator, so HTTP clients observe the same cache as in-process callers.
// GET /api/v1/realtime streams change events over a websocket.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tally-io/tally/internal/auth"
	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/metric"
	"github.com/tally-io/tally/internal/optimistic"
	"github.com/tally-io/tally/internal/ordering"
)

// Reader serves dashboard reads. *board.Board implements it.
type Reader interface {
	Display(ctx context.Context, user *auth.User) ([]metric.Metric, error)
	Ordering(ctx context.Context, user *auth.User) ([]ordering.Entry, error)
	History(ctx context.Context, metricID string) ([]metric.HistoryPoint, error)
	HistoryDetailed(ctx context.Context, metricID string) (metric.HistoryDetail, error)
	Profile(ctx context.Context, user *auth.User) (auth.Profile, error)
}

// Mutator applies dashboard writes. *optimistic.Coordinator implements it.
type Mutator interface {
	CreateMetric(ctx context.Context, user *auth.User, in metric.CreateInput) (metric.Metric, error)
	EditValue(ctx context.Context, user *auth.User, metricID string, value float64) (*optimistic.Mutation, error)
	Reorder(ctx context.Context, user *auth.User, activeID, overID string) (*optimistic.Mutation, error)
}

// Options configures a Server.
type Options struct {
	Reader   Reader
	Mutator  Mutator
	Provider auth.Provider

	// Hub serves /realtime when set.
	Hub *Hub

	Checks           []ReadinessChecker
	ReadinessTimeout time.Duration
	AllowedOrigins   []string
	Recorder         RequestRecorder
	Logger           *logging.Logger
}

// Server is the HTTP API server.
type Server struct {
	engine    *gin.Engine
	reader    Reader
	mutator   Mutator
	validator *metric.Validator
	hub       *Hub
	logger    *logging.Logger

	checks           []ReadinessChecker
	readinessTimeout time.Duration
	shuttingDown     atomic.Bool

	mu        sync.RWMutex
	server    *http.Server
	boundAddr string
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Global().With(map[string]any{"component": "api"})
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = DefaultReadinessTimeout
	}

	s := &Server{
		engine:           gin.New(),
		reader:           opts.Reader,
		mutator:          opts.Mutator,
		validator:        metric.NewValidator(),
		hub:              opts.Hub,
		logger:           opts.Logger,
		checks:           opts.Checks,
		readinessTimeout: opts.ReadinessTimeout,
	}

	s.engine.Use(gin.Recovery(), requestContext(opts.Logger))
	if opts.Recorder != nil {
		s.engine.Use(recordRequests(opts.Recorder))
	}
	s.engine.Use(cors.New(corsConfig(opts.AllowedOrigins)))
	if opts.Provider != nil {
		s.engine.Use(authenticate(opts.Provider))
	}
	s.routes()
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", HeaderRequestID},
		ExposeHeaders: []string{"Content-Length", HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (s *Server) routes() {
	v1 := s.engine.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.HEAD("/health", s.handleHealth)

	v1.GET("/metrics", s.listMetrics)
	v1.POST("/metrics", s.createMetric)
	v1.PUT("/metrics/:id", s.updateMetricValue)
	v1.GET("/metrics/:id/history", s.metricHistory)
	v1.GET("/metrics/:id/history/detailed", s.metricHistoryDetailed)

	v1.GET("/ordering", s.getOrdering)
	v1.POST("/ordering/move", s.moveMetric)

	v1.GET("/profile", s.getProfile)

	if s.hub != nil {
		v1.GET("/realtime", s.hub.serve)
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Infof("api server listening", map[string]any{"addr": s.boundAddr})
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("api server stopped", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundAddr
}

// Shutdown marks the server unhealthy, disconnects realtime clients and waits
// for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	if s.hub != nil {
		s.hub.Close()
	}
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
