package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campuschat/internal/api"
	"campuschat/internal/auth"
	"campuschat/internal/cache"
	"campuschat/internal/config"
	"campuschat/internal/database"
	"campuschat/internal/delivery"
	"campuschat/internal/fanout"
	"campuschat/internal/hub"
	"campuschat/internal/websocket"
	"campuschat/pkg/interfaces"
	pkgdatabase "campuschat/pkg/database"
)

const startupTimeout = 10 * time.Second

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	dbManager  *database.Manager
	redis      *redis.Client
	store      interfaces.Store
	registry   *websocket.Registry
	messageHub *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Redis → Verifier → Registry → Hub → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	// STEP 1: Initialize database manager (foundation layer)
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteTimeout = cfg.Database.Timeout
	dbConfig.MigrationsPath = cfg.Database.MigrationsPath

	dbManager, err := database.NewManager(dbConfig, logger.Named("database"))
	if err != nil {
		return nil, errors.Wrap(err, "initialize database manager")
	}

	// STEP 1.5: Apply database migrations to ensure schema is up to date
	if err := dbManager.Migrate(ctx); err != nil {
		_ = dbManager.Close()
		return nil, errors.Wrap(err, "migrate database")
	}

	app := &Application{config: cfg, logger: logger, dbManager: dbManager, store: dbManager}

	// STEP 2: Optional Redis layer for roster caching and unread counters
	var mirror delivery.CounterMirror
	if cfg.Redis.Addr != "" {
		redisCfg := cache.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB, RosterTTL: cfg.Redis.RosterTTL}
		client, err := cache.Connect(ctx, redisCfg)
		if err != nil {
			_ = dbManager.Close()
			return nil, errors.Wrap(err, "connect redis")
		}
		app.redis = client
		app.store = cache.NewRosterCache(dbManager, client, redisCfg.RosterTTL, logger.Named("cache"))
		mirror = cache.NewUnreadMirror(client)
		logger.Info("redis enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// STEP 3: Identity verification for both HTTP and WebSocket
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		app.closeStorage()
		return nil, errors.Wrap(err, "initialize verifier")
	}

	// STEP 4: Connection registry doubles as the hub's mailbox directory
	app.registry = websocket.NewRegistry()

	// STEP 5: Messaging core
	app.messageHub = hub.New(app.store, app.registry, hub.Config{
		TypingTimeout: cfg.Chat.TypingTimeout,
		NoticeBuffer:  cfg.Chat.NoticeBuffer,
		Fanout: fanout.Config{
			MaxContentLength: cfg.Chat.MaxContentLength,
			RateLimit:        cfg.Chat.RateLimitPerMinute,
		},
		Retention: cfg.Chat.Retention,
		Mirror:    mirror,
	}, logger.Named("hub"))

	// STEP 6: WebSocket endpoint
	wsHandler := websocket.NewHandler(verifier, app.messageHub, websocket.HandlerConfig{
		MailboxSize: cfg.WebSocket.BufferSize,
		ReadLimit:   cfg.WebSocket.ReadLimit,
		Timeouts: websocket.Timeouts{
			Write:        cfg.WebSocket.WriteTimeout,
			Read:         cfg.WebSocket.ReadTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
		},
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, logger.Named("websocket"))

	// STEP 7: HTTP API with the WebSocket endpoint mounted at /ws
	app.apiServer = api.NewServer(app.store, app.messageHub, verifier, wsHandler, app.registry,
		api.Config{AllowedOrigins: cfg.WebSocket.AllowedOrigins}, logger.Named("api"))

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           app.apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start begins application execution
// Startup coordination ensures all components ready before serving
// Hub starts first to handle messages, then HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	if err := app.messageHub.Start(ctx); err != nil {
		return errors.Wrap(err, "start message hub")
	}

	// TECHNICAL DISCOVERY: binding before serving surfaces port conflicts
	// synchronously and lets port 0 resolve to the real address
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return errors.Wrapf(err, "listen on %s", app.httpServer.Addr)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			app.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	app.logger.Info("campuschat started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → connections → Hub → Redis → Database
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down campuschat")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	// STEP 2: Hijacked WebSocket connections are not covered by Shutdown
	if n := app.registry.CloseAll(); n > 0 {
		app.logger.Info("closed live connections", zap.Int("count", n))
	}

	// STEP 3: Stop notice processing
	if err := app.messageHub.Stop(); err != nil && err != hub.ErrHubNotRunning {
		app.logger.Warn("message hub shutdown error", zap.Error(err))
	}

	// STEP 4: Close storage
	app.closeStorage()

	app.logger.Info("campuschat shutdown complete")
	return nil
}

func (app *Application) closeStorage() {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn("redis shutdown error", zap.Error(err))
		}
	}
	if err := app.dbManager.Close(); err != nil {
		app.logger.Warn("database shutdown error", zap.Error(err))
	}
}

// GetAddr returns the bound address once started, else the configured one.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Store exposes the configured store, e.g. for seeding enrollments.
func (app *Application) Store() interfaces.Store {
	return app.store
}

// Database exposes the SQLite manager.
func (app *Application) Database() *database.Manager {
	return app.dbManager
}

// Rosters manages course enrollments through the cache when one is
// configured, so cached rosters are dropped on every change.
func (app *Application) Rosters() interfaces.CourseRoster {
	if rosters, ok := app.store.(interfaces.CourseRoster); ok {
		return rosters
	}
	return app.dbManager
}
