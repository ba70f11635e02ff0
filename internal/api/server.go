package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/db"
	"github.com/palboard-project/gateway/internal/events"
	"github.com/palboard-project/gateway/internal/health"
	"github.com/palboard-project/gateway/internal/network"
	"github.com/palboard-project/gateway/internal/palserver"
	"github.com/palboard-project/gateway/internal/steamcmd"
	"github.com/palboard-project/gateway/internal/util"
)

// HistoryReader lists recent gateway activity.
type HistoryReader interface {
	RecentCommands(ctx context.Context, limit int) ([]db.CommandRecord, error)
	RecentUpdates(ctx context.Context, limit int) ([]db.UpdateRecord, error)
	RecentTerminations(ctx context.Context, limit int) ([]db.TerminationRecord, error)
}

// HealthReporter exposes the last health check results.
type HealthReporter interface {
	Statuses() []health.Status
}

// Dependencies are the components the API drives. History and Health may
// be nil.
type Dependencies struct {
	Config   *config.Config
	EventBus *events.EventBus
	Sessions *palserver.Holder
	Updater  *steamcmd.Updater
	History  HistoryReader
	Health   HealthReporter
}

// Server is the HTTP and WebSocket front of the gateway.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	sessions *palserver.Holder
	updater  *steamcmd.Updater
	history  HistoryReader
	health   HealthReporter

	// lifetime bounds update sessions. It outlives any single request.
	lifetime context.Context

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and its router.
func NewServer(deps Dependencies) *Server {
	if deps.Config.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      deps.Config,
		eventBus: deps.EventBus,
		sessions: deps.Sessions,
		updater:  deps.Updater,
		history:  deps.History,
		health:   deps.Health,
		lifetime: context.Background(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is
// cancelled. Running update sessions are killed when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	gw := s.cfg.GetGateway()
	s.lifetime = ctx

	ln, err := network.Listen(ctx, gw.Address)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	gw := s.cfg.GetGateway()
	s.lifetime = ctx

	// No write timeout: update streams last as long as SteamCMD runs.
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if gw.TLSEnabled {
		host, _, _ := net.SplitHostPort(gw.Address)
		if err := util.EnsureSelfSignedCert(gw.TLSCertFile, gw.TLSKeyFile, []string{host, "localhost"}); err != nil {
			ln.Close()
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(gw.TLSCertFile, gw.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}

	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", gw.TLSEnabled).
		Msg("Listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(gw.ShutdownTimeoutSec))
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API server shutdown incomplete")
		}
	}()

	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	gw := s.cfg.GetGateway()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := gw.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		AllowWebSockets:  true,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(gw.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	router.GET("/version", s.handleVersion)
	router.GET("/ping", s.handlePing)

	pal := router.Group("/pal")
	{
		pal.POST("/shutdown", s.handleShutdown)
		pal.POST("/exit", s.handleExit)
		pal.POST("/broadcast", s.handleBroadcast)
		pal.POST("/kick", s.handleKick)
		pal.POST("/ban", s.handleBan)
		pal.GET("/players", s.handlePlayers)
		pal.GET("/info", s.handleInfo)
		pal.POST("/save", s.handleSave)
	}

	steam := router.Group("/steam")
	{
		steam.GET("/update", s.handleSteamUpdate)
	}

	gameConfig := router.Group("/game_config")
	{
		gameConfig.GET("/default", s.handleGameConfigDefault)
		gameConfig.GET("/current", s.handleGameConfigCurrent)
		gameConfig.POST("/save", s.handleGameConfigSave)
	}

	monitor := router.Group("/monitor")
	{
		monitor.GET("/history", s.handleHistory)
		monitor.GET("/system", s.handleSystem)
		monitor.GET("/session", s.handleSession)
		monitor.GET("/logs", s.handleLogEntries)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, palserver.ErrSessionTerminated):
		return http.StatusServiceUnavailable
	case errors.Is(err, steamcmd.ErrUpdateInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
