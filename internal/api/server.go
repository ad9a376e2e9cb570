// Package api serves the REST surface next to the WebSocket endpoint:
// conversation lists, history pages, unread badges and presence lookups.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"campuschat/internal/hub"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

const identityKey = "identity"

// StatsProvider reports counters for the health endpoint.
type StatsProvider interface {
	GetStats() map[string]int
}

// Config holds the HTTP layer settings the server needs.
type Config struct {
	AllowedOrigins []string
	HealthTimeout  time.Duration
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	echo        *echo.Echo
	store       interfaces.Store
	hub         *hub.Hub
	verifier    interfaces.IdentityVerifier
	connections StatsProvider
	cfg         Config
	logger      *zap.Logger
}

type validatorAdapter struct{}

func (validatorAdapter) Validate(i interface{}) error {
	return types.ValidateStruct(i)
}

// NewServer wires routes. ws serves the /ws upgrade endpoint.
func NewServer(store interfaces.Store, h *hub.Hub, verifier interfaces.IdentityVerifier, ws http.Handler, connections StatsProvider, cfg Config, logger *zap.Logger) *Server {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	s := &Server{
		echo:        echo.New(),
		store:       store,
		hub:         h,
		verifier:    verifier,
		connections: connections,
		cfg:         cfg,
		logger:      logger,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Validator = validatorAdapter{}
	s.echo.HTTPErrorHandler = errorHandler(logger)
	s.setupRoutes(ws)
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// CORS applied to all routes for web client compatibility
func (s *Server) setupRoutes(ws http.Handler) {
	s.echo.Pre(middleware.RemoveTrailingSlash())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
	}))

	s.echo.GET("/health", s.healthCheck)
	if ws != nil {
		s.echo.GET("/ws", echo.WrapHandler(ws))
	}

	api := s.echo.Group("/api", s.authenticate())
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id/messages", s.conversationHistory)
	api.GET("/unread", s.unread)
	api.GET("/presence/:userID", s.presence)
}

// authenticate verifies the bearer token (or ?token=) and stores the identity.
func (s *Server) authenticate() echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + echo.HeaderAuthorization + ":Bearer ,query:token",
		Validator: func(key string, c echo.Context) (bool, error) {
			identity, err := s.verifier.Verify(c.Request().Context(), key)
			if err != nil {
				return false, nil
			}
			c.Set(identityKey, identity)
			return true, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return errUnauthorized
		},
	})
}

func identityOf(c echo.Context) types.Identity {
	identity, _ := c.Get(identityKey).(types.Identity)
	return identity
}

// ServeHTTP implements http.Handler for the standard library server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Shutdown stops an echo-managed listener, if one was started.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
