package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ditto-gateway/gateway/config"
	"github.com/ditto-gateway/gateway/internal/cache"
	"github.com/ditto-gateway/gateway/internal/database"
	"github.com/ditto-gateway/gateway/internal/mcp"
	"github.com/ditto-gateway/gateway/internal/metrics"
	"github.com/ditto-gateway/gateway/internal/proxy"
	"github.com/ditto-gateway/gateway/internal/ratelimit"
	"github.com/ditto-gateway/gateway/internal/server"
	"github.com/ditto-gateway/gateway/internal/store"
	"github.com/ditto-gateway/gateway/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

// Server wires the gateway's subsystems onto the HTTP listeners.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers
	db         *gorm.DB

	httpManager    *server.Manager
	metricsManager *server.Manager

	gateway    *proxy.Gateway
	mcpHandler *mcp.Handler
	collector  *metrics.Collector

	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	gatewayStore store.Store
	redisClient  *redis.Client

	wg sync.WaitGroup
}

func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
		db:         db,
	}
}

// Start brings every subsystem up.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector(nil)

	if err := s.initGateway(); err != nil {
		return fmt.Errorf("failed to init gateway: %w", err)
	}
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)
	return nil
}

func (s *Server) initGateway() error {
	opts := proxy.Options{
		Config:  s.cfg,
		Logger:  s.logger,
		Metrics: s.collector,
	}

	if s.db != nil {
		pool, err := database.NewPoolManager(s.db, database.PoolConfig{
			MaxIdleConns:    s.cfg.Database.MaxIdleConns,
			MaxOpenConns:    s.cfg.Database.MaxOpenConns,
			ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
		}, s.logger)
		if err != nil {
			return err
		}
		st, err := store.NewGorm(pool, s.logger)
		if err != nil {
			return err
		}
		s.gatewayStore = st
		opts.Store = st
	}

	if s.cfg.Redis.Enabled && s.cfg.Redis.Addr != "" {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
		opts.Limiter = ratelimit.NewRedisLimiter(ratelimit.NewGoRedisStore(s.redisClient))
		if s.cfg.Cache.RedisTier {
			opts.RemoteCache = cache.NewRedisTierFromClient(s.redisClient, s.logger)
		}
		s.logger.Info("Redis connected", zap.String("addr", s.cfg.Redis.Addr))
	}

	g, err := proxy.New(opts)
	if err != nil {
		return err
	}
	if err := g.ReplayLedger(context.Background()); err != nil {
		s.logger.Warn("ledger replay failed", zap.Error(err))
	}
	s.gateway = g
	s.mcpHandler = mcp.NewHandler(g.MCPRegistry(), g.Keys(), s.collector, s.logger)

	s.logger.Info("Gateway initialized",
		zap.Int("backends", len(s.cfg.Backends)),
		zap.Int("virtual_keys", len(s.cfg.VirtualKeys)),
		zap.Int("mcp_servers", len(s.cfg.MCP.Servers)),
	)
	return nil
}

func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	if err := s.hotReloadManager.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)

	// MCP surface
	mux.Handle("/mcp", s.mcpHandler)
	mux.Handle("/mcp/", s.mcpHandler)
	mux.Handle("/v1/mcp/", s.mcpHandler)

	// admin plane: config API behind the admin token
	if s.configAPIHandler != nil {
		adminMux := http.NewServeMux()
		s.configAPIHandler.RegisterRoutes(adminMux)
		mux.Handle("/api/v1/config", AdminAuth(s.cfg.AdminToken, s.logger)(adminMux))
		mux.Handle("/api/v1/config/", AdminAuth(s.cfg.AdminToken, s.logger)(adminMux))
	}

	// everything else under /v1/ is the proxy surface
	mux.Handle("/v1/", s.gateway)

	skipLimitPaths := []string{"/health", "/healthz", "/ready", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		IPRateLimiter(context.Background(), s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, skipLimitPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// WaitForShutdown blocks until a termination signal, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops every subsystem in dependency order.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil && !strings.Contains(err.Error(), "not running") {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil && !strings.Contains(err.Error(), "not running") {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.gateway != nil {
		s.gateway.Close()
	}
	if s.gatewayStore != nil {
		if err := s.gatewayStore.Close(); err != nil {
			s.logger.Error("Store shutdown error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("Graceful shutdown completed")
}
