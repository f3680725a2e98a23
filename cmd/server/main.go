// veilgate 主进程：加载配置、初始化日志、运行入站监听直到收到退出信号。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/veilgate/internal/config"
	"github.com/Wei-Shaw/veilgate/internal/pkg/logger"
	"github.com/Wei-Shaw/veilgate/internal/server"
)

func main() {
	configPath := flag.String("config", "config.json", "配置文件路径")
	logLevel := flag.String("log-level", "info", "日志级别 (trace|debug|info|warn|error)")
	flag.Parse()

	// 环境变量优先于命令行参数（与 Rust 生态的 RUST_LOG 习惯保持一致）
	level := *logLevel
	if env := os.Getenv("RUST_LOG"); env != "" {
		level = env
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.Level != "" && level == "info" {
		level = cfg.Log.Level
	}
	if err := logger.Init(logger.Options{
		Level:    level,
		Format:   cfg.Log.Format,
		ToFile:   cfg.Log.ToFile,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.L()
	log.Info("starting veilgate",
		zap.String("config", *configPath),
		zap.Int("inbounds", len(cfg.Inbounds)))

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error("server init failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Error("server exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	log.Info("shutdown complete",
		zap.Int64("total_sessions", srv.ConnManager().Total()))
}
