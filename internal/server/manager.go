package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// ShutdownHook runs after the HTTP server stopped accepting requests.
type ShutdownHook func(ctx context.Context) error

// Manager HTTP 服务器管理器
type Manager struct {
	name     string
	server   *http.Server
	listener net.Listener
	errCh    chan error
	hooks    []ShutdownHook
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时（含关闭钩子）
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// 非空时以 TLS 监听
	TLSConfig *tls.Config `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewManager 创建服务器管理器，name 用于日志区分 API 与 metrics 监听
func NewManager(name string, handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return &Manager{
		name:   name,
		server: server,
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", name)),
	}
}

// OnShutdown registers a hook. Hooks run in registration order after the
// server drained, sharing the shutdown deadline.
func (m *Manager) OnShutdown(hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动服务器（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server is closed")
	}

	if m.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}

	if m.config.TLSConfig != nil {
		listener = tls.NewListener(listener, m.config.TLSConfig)
	}

	m.listener = listener
	m.logger.Info("starting HTTP server",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", m.config.TLSConfig != nil))

	go m.serve(listener)

	return nil
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("HTTP server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 优雅关闭服务器，然后执行关闭钩子
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	hooks := append([]ShutdownHook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Info("shutting down HTTP server")

	// 创建带超时的上下文
	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		errs = append(errs, err)
	}
	for _, hook := range hooks {
		if err := hook(shutdownCtx); err != nil {
			m.logger.Error("shutdown hook failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	m.logger.Info("HTTP server stopped")
	return errors.Join(errs...)
}

// Wait blocks until ctx is done (e.g. a signal.NotifyContext) or the server
// fails, then shuts down. It returns the serve error, if any.
func (m *Manager) Wait(ctx context.Context) error {
	var serveErr error
	select {
	case <-ctx.Done():
		m.logger.Info("received shutdown signal", zap.Error(context.Cause(ctx)))
	case serveErr = <-m.errCh:
		m.logger.Error("server exited unexpectedly", zap.Error(serveErr))
	}

	if err := m.Shutdown(context.WithoutCancel(ctx)); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
	return serveErr
}

// Errors returns asynchronous server errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回实际监听地址，未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 检查服务器是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener != nil && !m.closed
}
