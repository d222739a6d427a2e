// Package api is the HTTP and WebSocket surface of the gateway. Handlers
// run the admission pipeline, route work to the direct or subprocess path,
// and translate every failure into the wire error taxonomy.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ccbridge/ccbridge/pkg/agentic"
	"github.com/ccbridge/ccbridge/pkg/audit"
	"github.com/ccbridge/ccbridge/pkg/auth"
	"github.com/ccbridge/ccbridge/pkg/budget"
	"github.com/ccbridge/ccbridge/pkg/cache"
	"github.com/ccbridge/ccbridge/pkg/config"
	"github.com/ccbridge/ccbridge/pkg/database"
	"github.com/ccbridge/ccbridge/pkg/metrics"
	"github.com/ccbridge/ccbridge/pkg/permission"
	"github.com/ccbridge/ccbridge/pkg/pool"
	"github.com/ccbridge/ccbridge/pkg/registry"
	"github.com/ccbridge/ccbridge/pkg/upstream"
)

// Server wires the subsystems behind the HTTP surface.
type Server struct {
	cfg       *config.Config
	dbClient  *database.Client
	authStore *auth.Store
	permStore *permission.Store
	ledger    *budget.Ledger
	pool      *pool.Pool
	upstream  *upstream.Client // nil when no provider key is configured
	executor  *agentic.Executor
	registry  *registry.Registry
	auditLog  *audit.Logger
	kv        *cache.Cache
	metrics   *metrics.Metrics
	promReg   *prometheus.Registry

	echo      *echo.Echo
	http      *http.Server
	startedAt time.Time
	draining  atomic.Bool

	// Hijacked WebSocket connections outlive http.Server.Shutdown, so open
	// sessions are tracked here and closed explicitly on drain.
	sessionMu sync.Mutex
	sessions  map[*streamSession]struct{}
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config    *config.Config
	DB        *database.Client
	AuthStore *auth.Store
	PermStore *permission.Store
	Ledger    *budget.Ledger
	Pool      *pool.Pool
	Upstream  *upstream.Client
	Executor  *agentic.Executor
	Registry  *registry.Registry
	AuditLog  *audit.Logger
	Cache     *cache.Cache
	Metrics   *metrics.Metrics
	PromReg   *prometheus.Registry
}

// NewServer creates the server and registers all routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		dbClient:  deps.DB,
		authStore: deps.AuthStore,
		permStore: deps.PermStore,
		ledger:    deps.Ledger,
		pool:      deps.Pool,
		upstream:  deps.Upstream,
		executor:  deps.Executor,
		registry:  deps.Registry,
		auditLog:  deps.AuditLog,
		kv:        deps.Cache,
		metrics:   deps.Metrics,
		promReg:   deps.PromReg,
		startedAt: time.Now(),
		sessions:  make(map[*streamSession]struct{}),
	}
	s.echo = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestID())

	e.GET("/health", s.healthHandler)
	e.GET("/ready", s.readyHandler)
	if s.promReg != nil {
		promHandler := promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})
		e.GET("/metrics", func(c *echo.Context) error {
			promHandler.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	v1 := e.Group("/v1", s.authenticate)
	v1.POST("/chat/completions", s.chatCompletionsHandler)
	v1.POST("/task", s.taskHandler)
	v1.POST("/process", s.processHandler)
	v1.POST("/batch", s.batchHandler)
	v1.GET("/usage", s.usageHandler)
	v1.GET("/capabilities", s.capabilitiesHandler)
	v1.GET("/tasks/:id", s.taskStatusHandler)
	v1.POST("/tasks/:id/cancel", s.taskCancelHandler)
	v1.GET("/stream", s.streamHandler)

	admin := e.Group("/admin", s.adminAuth)
	admin.POST("/keys", s.createKeyHandler)
	admin.GET("/keys", s.listKeysHandler)
	admin.DELETE("/keys/:key", s.revokeKeyHandler)
	admin.PUT("/keys/:key/permissions", s.setPermissionsHandler)
	admin.PUT("/projects/:id/quota", s.setQuotaHandler)

	return e
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// SetDraining flips readiness; submission handlers reject while draining and
// open streaming sessions are told to go away.
func (s *Server) SetDraining(v bool) {
	s.draining.Store(v)
	if v {
		s.closeSessions()
	}
}

func (s *Server) addSession(sess *streamSession) {
	s.sessionMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionMu.Unlock()
}

func (s *Server) removeSession(sess *streamSession) {
	s.sessionMu.Lock()
	delete(s.sessions, sess)
	s.sessionMu.Unlock()
}

// closeSessions sends a going-away close to every open streaming session.
// The read loops then unwind and cancel any in-flight children.
func (s *Server) closeSessions() {
	s.sessionMu.Lock()
	open := make([]*streamSession, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessionMu.Unlock()

	for _, sess := range open {
		sess.goAway()
	}
}

// Router exposes the echo instance for tests.
func (s *Server) Router() http.Handler {
	return s.echo
}
