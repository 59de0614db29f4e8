package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/BaSui01/taskcore/api/handlers"
	"github.com/BaSui01/taskcore/config"
	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/internal/database"
	"github.com/BaSui01/taskcore/internal/metrics"
	"github.com/BaSui01/taskcore/internal/server"
	"github.com/BaSui01/taskcore/internal/tlsutil"
	"github.com/BaSui01/taskcore/orchestrator"
	"github.com/BaSui01/taskcore/persistence"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 TaskCore 的主服务器，持有编排器及其全部依赖
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	metricsNamespace string
	collector        *metrics.Collector

	bus         *eventbus.MemoryBus
	redis       redis.UniversalClient
	store       persistence.StateStore
	pool        *database.PoolManager
	orch        *orchestrator.Orchestrator
	watcher     *config.Watcher
	health      *handlers.HealthHandler
	httpManager *server.Manager
	metricsMgr  *server.Manager

	cancel context.CancelFunc
}

// NewServer 创建新的服务器实例。level 是 logger 使用的动态级别，配置热更新时调整。
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:              cfg,
		configPath:       configPath,
		logger:           logger,
		level:            level,
		metricsNamespace: "taskcore",
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化依赖并启动 API 与 metrics 监听（非阻塞）
func (s *Server) Start(ctx context.Context) (err error) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer func() {
		if err == nil {
			return
		}
		if s.httpManager != nil {
			_ = s.httpManager.Shutdown(context.Background())
			return
		}
		s.cancel()
		_ = s.closeDeps(context.Background())
	}()

	s.collector = metrics.NewCollector(s.metricsNamespace, s.logger)
	s.health = handlers.NewHealthHandler(s.logger)

	if err := s.initEventBus(ctx); err != nil {
		return fmt.Errorf("failed to init event bus: %w", err)
	}
	if err := s.initStateStore(); err != nil {
		return fmt.Errorf("failed to init state store: %w", err)
	}

	s.orch, err = orchestrator.New(s.cfg.Orchestrator(), orchestrator.Deps{
		Bus:      s.bus,
		Store:    s.store,
		Observer: s.collector,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := s.orch.Run(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	if err := s.initWatcher(ctx); err != nil {
		return fmt.Errorf("failed to init config watcher: %w", err)
	}
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsMgr.Addr()),
		zap.String("state_store", string(s.cfg.Store.Type)),
		zap.Bool("event_mirror", s.cfg.EventBus.Mirror.Enabled),
		zap.Bool("hot_reload_enabled", s.watcher != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initEventBus(ctx context.Context) error {
	s.bus = eventbus.NewMemoryBus(s.logger,
		eventbus.WithReliableRetries(s.cfg.EventBus.ReliableRetries),
		eventbus.WithPublishObserver(s.collector),
	)

	mirror := s.cfg.EventBus.Mirror
	if !mirror.Enabled {
		return nil
	}
	rc := s.cfg.Redis
	opts := &redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
	}
	if rc.TLS {
		opts.TLSConfig = tlsutil.ClientConfig(rc.Addr)
	}
	s.redis = redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	eventbus.NewRedisMirror(s.redis, mirror.Stream, mirror.MaxLen, s.logger).Attach(s.bus)
	s.health.RegisterCheck(handlers.NewFuncCheck("redis", func(ctx context.Context) error {
		return s.redis.Ping(ctx).Err()
	}))

	s.logger.Info("Event mirror attached",
		zap.String("redis_addr", rc.Addr),
		zap.String("stream", mirror.Stream),
	)
	return nil
}

func (s *Server) initStateStore() error {
	if s.cfg.Store.Type == persistence.StoreTypeSQL {
		dbCfg := s.cfg.Database
		db, err := database.Open(dbCfg.Driver, dbCfg.DSN(), s.logger)
		if err != nil {
			return err
		}
		poolCfg := database.DefaultPoolConfig()
		if dbCfg.MaxOpenConns > 0 {
			poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
		}
		if dbCfg.MaxIdleConns > 0 {
			poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
		}
		if dbCfg.ConnMaxLifetime > 0 {
			poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
		}
		s.pool, err = database.NewPoolManager(dbCfg.Driver, db, poolCfg, s.collector, s.logger)
		if err != nil {
			return err
		}
		s.health.RegisterCheck(handlers.NewFuncCheck("database", s.pool.Ping))
	}

	store, err := persistence.NewStateStore(s.cfg.Store, s.dbOrNil())
	if err != nil {
		return err
	}
	s.store = store
	s.health.RegisterCheck(handlers.NewFuncCheck("state_store", store.Ping))
	return nil
}

func (s *Server) dbOrNil() *gorm.DB {
	if s.pool == nil {
		return nil
	}
	return s.pool.DB()
}

func (s *Server) initWatcher(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}
	loader := config.NewLoader().WithConfigPath(s.configPath)
	w, err := config.NewWatcher(loader, s.cfg, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnReload(s.applyConfig)
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// applyConfig 应用可热更新的配置项：日志级别与运行准入。其余变更需要重启。
func (s *Server) applyConfig(next *config.Config) {
	prev := s.cfg

	if lvl, err := zapcore.ParseLevel(next.Log.Level); err == nil {
		if lvl != s.level.Level() {
			s.level.SetLevel(lvl)
			s.logger.Info("Log level changed", zap.Stringer("level", lvl))
		}
	} else {
		s.logger.Warn("Ignoring invalid log level", zap.String("level", next.Log.Level))
	}

	if next.Admission != prev.Admission {
		if err := s.orch.UpdateAdmission(next.Admission); err != nil {
			s.logger.Error("Failed to apply admission config", zap.Error(err))
		}
	}

	if !reflect.DeepEqual(next.Server, prev.Server) ||
		next.Store != prev.Store ||
		next.Redis != prev.Redis ||
		next.Database != prev.Database ||
		next.Limits != prev.Limits ||
		next.Approval != prev.Approval ||
		next.EventBus != prev.EventBus {
		s.logger.Warn("Configuration changes outside log level and admission require a restart")
	}
	s.cfg = next
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// Router 构建 API 路由
func (s *Server) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.health.HandleHealth)
	r.Get("/healthz", s.health.HandleHealthz)
	r.Get("/ready", s.health.HandleReady)
	r.Get("/readyz", s.health.HandleReady)
	r.Get("/version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	r.Route("/api/v1", func(r chi.Router) {
		handlers.NewTaskHandler(s.orch, s.logger).Register(r)
		handlers.NewApprovalHandler(s.orch, s.logger).Register(r)
	})

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	return Chain(r,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger),
	)
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	sc := s.cfg.Server
	tlsCfg, err := tlsutil.ServerConfig(sc.TLSCertFile, sc.TLSKeyFile)
	if err != nil {
		return err
	}
	s.httpManager = server.NewManager("api", s.Router(ctx), server.Config{
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
		TLSConfig:       tlsCfg,
	}, s.logger)

	// 先停止接收请求，再按依赖倒序释放资源
	s.httpManager.OnShutdown(func(ctx context.Context) error {
		s.cancel()
		return s.closeDeps(ctx)
	})
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	sc := s.cfg.Server
	s.metricsMgr = server.NewManager("metrics", mux, server.Config{
		Addr:            fmt.Sprintf(":%d", sc.MetricsPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)
	s.httpManager.OnShutdown(s.metricsMgr.Shutdown)
	return s.metricsMgr.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Wait 阻塞直到 ctx 结束或 API 服务器异常退出，然后优雅关闭
func (s *Server) Wait(ctx context.Context) error {
	return s.httpManager.Wait(ctx)
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpManager == nil {
		return nil
	}
	return s.httpManager.Shutdown(ctx)
}

func (s *Server) closeDeps(ctx context.Context) error {
	var errs []error
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}
	if s.orch != nil {
		if err := s.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state store: %w", err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
