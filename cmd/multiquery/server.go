package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/multiquery/api/handlers"
	"github.com/BaSui01/multiquery/config"
	"github.com/BaSui01/multiquery/internal/cache"
	"github.com/BaSui01/multiquery/internal/database"
	"github.com/BaSui01/multiquery/internal/metrics"
	"github.com/BaSui01/multiquery/internal/migration"
	"github.com/BaSui01/multiquery/internal/server"
	"github.com/BaSui01/multiquery/internal/telemetry"
	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/llm/billing"
	"github.com/BaSui01/multiquery/llm/circuitbreaker"
	llmfactory "github.com/BaSui01/multiquery/llm/factory"
	"github.com/BaSui01/multiquery/llm/modelconfig"
	"github.com/BaSui01/multiquery/llm/ratelimit"
	"github.com/BaSui01/multiquery/llm/tokenizer"
	"github.com/BaSui01/multiquery/query"
)

const dbStatsInterval = 15 * time.Second

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装存储、编排与 HTTP 层
type Server struct {
	cfg        *config.Config
	loader     *config.Loader
	configPath string
	logger     *zap.Logger
	origin     string

	telemetry *telemetry.Providers
	pool      *database.PoolManager
	redis     *cache.Manager

	promRegistry *prometheus.Registry
	collector    *metrics.Collector

	staticStore  *modelconfig.StaticStore
	sharedStore  *modelconfig.RedisStore
	configCache  *modelconfig.Cache
	invalidator  *modelconfig.Invalidator
	billingStore billing.Store
	meter        *billing.Meter
	registry     *llm.ProviderRegistry
	breakers     *circuitbreaker.CooldownRegistry
	dispatcher   *query.Dispatcher

	healthHandler *handlers.HealthHandler

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 创建服务器。loader 用于模型配置热重载，与首次加载使用同一个。
func NewServer(cfg *config.Config, loader *config.Loader, configPath string, logger *zap.Logger) *Server {
	host, _ := os.Hostname()
	return &Server{
		cfg:        cfg,
		loader:     loader,
		configPath: configPath,
		logger:     logger,
		origin:     fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Init 按依赖顺序初始化所有组件；失败时已打开的资源由 Close 释放
func (s *Server) Init(ctx context.Context) error {
	var err error
	s.telemetry, err = telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	s.promRegistry = prometheus.NewRegistry()
	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("multiquery", s.promRegistry, s.logger)

	if err := s.initStorage(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := s.initModelConfigs(ctx); err != nil {
		return fmt.Errorf("model configs: %w", err)
	}
	if err := s.initBilling(); err != nil {
		return fmt.Errorf("billing: %w", err)
	}
	if err := s.initDispatcher(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	s.initHealth()
	return nil
}

// needsDatabase 账本或模型配置需要关系库
func (s *Server) needsDatabase() bool {
	return s.cfg.Billing.Backend == "gorm" || s.cfg.Orchestrator.ConfigStore != "static"
}

// needsRedis 账本或二级配置缓存需要 Redis
func (s *Server) needsRedis() bool {
	return s.cfg.Billing.Backend == "redis" || s.cfg.Orchestrator.ConfigStore == "redis"
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.needsDatabase() {
		if s.cfg.Database.AutoMigrate {
			if err := s.migrate(ctx); err != nil {
				return err
			}
		}
		pool, err := database.Open(s.cfg.Database.Driver, s.cfg.Database.DSN(), s.cfg.Database.Pool, s.logger)
		if err != nil {
			return err
		}
		s.pool = pool
	}

	if s.cfg.Redis.Addr == "" {
		if s.needsRedis() {
			return errors.New("redis address is required by the configured backends")
		}
		return nil
	}
	mgr, err := cache.NewManager(s.cfg.Redis, s.logger)
	if err != nil {
		if s.needsRedis() {
			return err
		}
		// 只用于失效广播时降级为单实例
		s.logger.Warn("redis unavailable, model config invalidation stays local", zap.Error(err))
		return nil
	}
	s.redis = mgr
	return nil
}

func (s *Server) migrate(ctx context.Context) error {
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return err
	}
	v, _, _ := m.Version(ctx)
	s.logger.Info("database migrated", zap.Uint("version", v))
	return nil
}

func (s *Server) initModelConfigs(ctx context.Context) error {
	var store modelconfig.Store
	switch s.cfg.Orchestrator.ConfigStore {
	case "static":
		s.staticStore = modelconfig.NewStaticStore(s.cfg.Models...)
		store = s.staticStore
	case "gorm", "redis":
		gs := modelconfig.NewGormStore(s.pool.DB())
		if len(s.cfg.Models) > 0 {
			if err := gs.Upsert(ctx, s.cfg.Models...); err != nil {
				return fmt.Errorf("seed model configs: %w", err)
			}
		}
		store = gs
		if s.cfg.Orchestrator.ConfigStore == "redis" {
			s.sharedStore = modelconfig.NewRedisStore(gs, s.redis, s.cfg.Orchestrator.SharedCacheTTL, s.logger)
			store = s.sharedStore
		}
	default:
		return fmt.Errorf("unsupported config store %q", s.cfg.Orchestrator.ConfigStore)
	}

	s.configCache = modelconfig.NewCache(store, s.cfg.Orchestrator.CacheOptions(), s.logger)
	if s.redis != nil {
		s.invalidator = modelconfig.NewInvalidator(s.redis, s.sharedStore, s.logger, s.configCache)
	}
	s.logger.Info("model config store ready",
		zap.String("store", s.cfg.Orchestrator.ConfigStore),
		zap.Duration("cache_ttl", s.configCache.TTL()))
	return nil
}

func (s *Server) initBilling() error {
	switch s.cfg.Billing.Backend {
	case "gorm":
		s.billingStore = billing.NewGormStore(s.pool, s.logger)
	case "redis":
		s.billingStore = billing.NewRedisStore(s.redis, s.logger)
	default:
		return fmt.Errorf("unsupported billing backend %q", s.cfg.Billing.Backend)
	}
	s.meter = billing.NewMeter(s.billingStore, s.logger).AutoOpen(s.cfg.Billing.InitialSeed)
	return nil
}

func (s *Server) initDispatcher() error {
	tokenizer.RegisterOpenAITokenizers()

	registry, err := llmfactory.BuildRegistry(s.cfg.Providers, s.logger)
	if err != nil {
		return err
	}
	s.registry = registry
	if len(registry.List()) == 0 {
		s.logger.Warn("no providers registered, every engine will be blocked")
	}

	cooldown := s.cfg.Orchestrator.Cooldown
	cooldown.OnStateChange = func(provider string, from, to circuitbreaker.State) {
		s.collector.RecordCooldownTransition(provider, from.String(), to.String())
		s.logger.Info("provider cooldown state changed",
			zap.String("provider", provider),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	s.breakers = circuitbreaker.NewCooldownRegistry(cooldown, s.logger)

	s.dispatcher, err = query.NewDispatcher(query.Options{
		Registry:    s.registry,
		Configs:     s.configCache,
		Meter:       s.meter,
		RetryPolicy: s.cfg.Orchestrator.Retry,
		Breakers:    s.breakers,
		Limiters:    ratelimit.New(s.logger),
		Metrics:     s.collector,
		Logger:      s.logger,
		IdleTimeout: s.cfg.Orchestrator.IdleTimeout,
		EventBuffer: s.cfg.Orchestrator.EventBuffer,
	})
	return err
}

func (s *Server) initHealth() {
	s.healthHandler = handlers.NewHealthHandler(handlers.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}, s.logger)
	if s.pool != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("database", s.pool.Ping))
	}
	if s.redis != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("redis", s.redis.Ping))
	}
}

// =============================================================================
// 🌐 路由
// =============================================================================

// Handler 返回套好中间件的路由
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion)
	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", s.metricsHandler())
	}

	queries := handlers.NewQueryHandler(s.dispatcher, s.logger,
		handlers.WithOriginPatterns(s.cfg.Server.CORSAllowedOrigins))
	mux.HandleFunc("POST /api/v1/queries", queries.HandleSubmit)
	mux.HandleFunc("GET /api/v1/queries/ws", queries.HandleWebSocket)

	credits := handlers.NewCreditsHandler(s.billingStore, s.cfg.Billing.InitialSeed, s.logger)
	mux.HandleFunc("GET /api/v1/credits", credits.HandleGet)

	providers := handlers.NewProvidersHandler(s.registry, s.breakers)
	mux.HandleFunc("GET /api/v1/providers", providers.HandleList)

	var publisher handlers.InvalidationPublisher
	if s.invalidator != nil {
		publisher = s.invalidator
	}
	invalidate := handlers.NewModelConfigHandler(publisher, s.origin, s.logger, s.configCache)
	mux.HandleFunc("POST /api/v1/modelconfig/invalidate", invalidate.HandleInvalidate)

	skipAuth := []string{"/health", "/healthz", "/ready", "/version", "/metrics"}
	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		Auth(s.cfg.Auth, skipAuth, s.logger),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{Registry: s.promRegistry})
}

// =============================================================================
// 🏃 运行
// =============================================================================

// Run 启动 HTTP 服务与后台任务，阻塞到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	serverCfg := server.Config{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   s.cfg.Server.ShutdownTimeout,
		TLSCertFile:       s.cfg.Server.TLSCertFile,
		TLSKeyFile:        s.cfg.Server.TLSKeyFile,
	}
	s.httpManager = server.NewManager(s.Handler(ctx), serverCfg, s.logger)
	g.Go(func() error { return s.httpManager.Run(ctx) })

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metricsHandler())
		s.metricsManager = server.NewManager(mux, server.Config{
			Addr:              fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:       s.cfg.Server.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   s.cfg.Server.ShutdownTimeout,
		}, s.logger)
		g.Go(func() error { return s.metricsManager.Run(ctx) })
	}

	if s.invalidator != nil {
		g.Go(func() error {
			if err := s.invalidator.Run(ctx, nil); err != nil {
				// 广播断开不影响查询服务
				s.logger.Error("model config invalidation listener stopped", zap.Error(err))
			}
			return nil
		})
	}

	if s.staticStore != nil && s.configPath != "" {
		g.Go(func() error { return s.watchModels(ctx) })
	}

	if s.pool != nil {
		g.Go(func() error {
			s.reportDBStats(ctx)
			return nil
		})
	}

	s.logger.Info("multiquery started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Strings("providers", s.registry.List()))

	return g.Wait()
}

// watchModels 配置文件变更时热重载 models 段
func (s *Server) watchModels(ctx context.Context) error {
	w, err := config.NewFileWatcher(s.configPath, config.WithWatcherLogger(s.logger))
	if err != nil {
		s.logger.Warn("model hot reload disabled", zap.Error(err))
		return nil
	}
	reloader := config.NewModelReloader(s.loader, s.staticStore, s.logger, s.configCache)
	if err := reloader.Watch(ctx, w); err != nil {
		s.logger.Warn("model hot reload disabled", zap.Error(err))
		return nil
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

func (s *Server) reportDBStats(ctx context.Context) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.pool.Stats()
			s.collector.RecordDBConnections(s.cfg.Database.Driver, st.OpenConnections, st.Idle)
		}
	}
}

// Close 释放存储与遥测资源
func (s *Server) Close() {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.telemetry.Shutdown(ctx))
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown cleanup failed", zap.Error(err))
	}
	s.logger.Info("multiquery stopped")
}
