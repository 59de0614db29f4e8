// =============================================================================
// TaskCore 主入口
// =============================================================================
// 完整服务入口点，包含任务编排 HTTP 控制面、健康检查、Prometheus 指标
//
// 使用方法:
//
//	taskcore serve                       # 启动服务
//	taskcore serve --config config.yaml  # 指定配置文件（启用热更新）
//	taskcore version                     # 显示版本信息
//	taskcore health                      # 健康检查
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/taskcore/config"
	"github.com/BaSui01/taskcore/internal/telemetry"
	"github.com/BaSui01/taskcore/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "version":
		printVersion()
	case "health":
		os.Exit(runHealthCheck(os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting TaskCore",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetry.Init(ctx, cfg.Telemetry, logger,
		telemetry.WithAttributes(
			telemetry.StoreTypeKey.String(string(cfg.Store.Type)),
			telemetry.MirrorKey.Bool(cfg.EventBus.Mirror.Enabled),
		),
	)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv := NewServer(cfg, *configPath, logger, level)
	if err := srv.Start(ctx); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		return 1
	}

	code := 0
	if err := srv.Wait(ctx); err != nil {
		code = 1
	}

	if otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}

	logger.Info("TaskCore stopped")
	return code
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/ready", "Health endpoint path")
	_ = fs.Parse(args)

	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(*addr + *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("OK")
	return 0
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("TaskCore %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`TaskCore - Task execution orchestration core

Usage:
  taskcore <command> [options]

Commands:
  serve     Start the TaskCore server
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML), watched for changes

Options for 'health':
  --addr <url>      Server address (default http://localhost:8080)
  --path <path>     Endpoint to probe (default /ready)

Environment:
  TASKCORE_*        Overrides any config field, e.g. TASKCORE_SERVER_HTTP_PORT=9000

Examples:
  taskcore serve
  taskcore serve --config /etc/taskcore/config.yaml
  taskcore health --addr http://localhost:8080
  taskcore version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 构建 logger，返回的 AtomicLevel 供配置热更新调整级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomic := zap.NewAtomicLevelAt(level)

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             atomic,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger, atomic
}
