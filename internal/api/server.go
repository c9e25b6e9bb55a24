// Package api exposes the engine over HTTP: pool lifecycle operations,
// deposits through the eligibility gate, risk-control actions, withdrawal
// flow, and a WebSocket feed of engine events.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"pool-capital-engine/config"
	"pool-capital-engine/internal/auth"
	"pool-capital-engine/internal/cache"
	"pool-capital-engine/internal/circuit"
	"pool-capital-engine/internal/database"
	"pool-capital-engine/internal/eligibility"
	"pool-capital-engine/internal/events"
	"pool-capital-engine/internal/lifecycle"
	"pool-capital-engine/internal/reinvest"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig

	repo        *database.Repository
	bus         *events.Bus
	authService *auth.Service
	jwtManager  *auth.JWTManager
	gate        *eligibility.Gate
	machine     *lifecycle.Machine
	monitor     *circuit.Monitor
	allocator   *reinvest.Engine
	cacheSvc    *cache.CacheService // nil when Redis is disabled
}

// Deps bundles the engine components the server fronts.
type Deps struct {
	Repo        *database.Repository
	Bus         *events.Bus
	AuthService *auth.Service
	JWTManager  *auth.JWTManager
	Gate        *eligibility.Gate
	Machine     *lifecycle.Machine
	Monitor     *circuit.Monitor
	Allocator   *reinvest.Engine
	CacheSvc    *cache.CacheService
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      cfg,
		repo:        deps.Repo,
		bus:         deps.Bus,
		authService: deps.AuthService,
		jwtManager:  deps.JWTManager,
		gate:        deps.Gate,
		machine:     deps.Machine,
		monitor:     deps.Monitor,
		allocator:   deps.Allocator,
		cacheSvc:    deps.CacheSvc,
	}

	server.setupRoutes()

	InitWebSocket(deps.Bus)

	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")

	// Public auth endpoints
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register", s.handleRegister)
		authGroup.POST("/login", s.handleLogin)
	}

	// Authenticated endpoints
	authed := api.Group("")
	authed.Use(auth.Middleware(s.jwtManager))
	{
		pools := authed.Group("/pools")
		{
			pools.GET("", s.handleListPools)
			pools.GET("/:id", s.handleGetPool)
			pools.GET("/:id/health", s.handlePoolHealth)

			pools.POST("", auth.RequireRole(database.RoleManager), s.handleCreatePool)
			pools.PUT("/:id", auth.RequireRole(database.RoleManager), s.handleUpdatePool)
			pools.DELETE("/:id", auth.RequireRole(database.RoleManager), s.handleDeletePool)
			pools.POST("/:id/publish", auth.RequireRole(database.RoleManager), s.handlePublishPool)
			pools.PUT("/:id/pnl", auth.RequireRole(database.RoleManager), s.handleUpdatePoolPnL)

			pools.POST("/:id/resume", auth.RequireAdmin(), s.handleResumePool)
			pools.POST("/:id/halt", auth.RequireAdmin(), s.handleHaltPool)
			pools.POST("/:id/archive", auth.RequireAdmin(), s.handleArchivePool)
		}

		investments := authed.Group("/investments")
		{
			investments.GET("", s.handleListInvestments)
			investments.GET("/stats", s.handleInvestmentStats)
			investments.POST("", s.handleCreateInvestment)
			investments.POST("/validate", s.handleValidateInvestment)
		}

		withdrawals := authed.Group("/withdrawals")
		{
			withdrawals.GET("", s.handleListWithdrawals)
			withdrawals.POST("", s.handleCreateWithdrawal)
			withdrawals.POST("/:id/process", auth.RequireAdmin(), s.handleProcessWithdrawal)
		}

		authed.PUT("/users/me/auto-reinvest", s.handleAutoReinvestPreference)

		admin := authed.Group("/admin")
		admin.Use(auth.RequireAdmin())
		{
			admin.POST("/emergency-stop", s.handleEmergencyStop)
			admin.POST("/reinvest/run", s.handleRunAllocation)
		}
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	readTimeout := time.Duration(s.config.ReadTimeout) * time.Second
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := time.Duration(s.config.WriteTimeout) * time.Second
	if writeTimeout == 0 {
		writeTimeout = 15 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	log.Printf("[API] Starting server on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.cacheSvc != nil {
		status["cache"] = s.cacheSvc.GetStats()
	}
	c.JSON(http.StatusOK, status)
}
