// Package main is the entry point for the virttuned memory coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/virttuned/internal/config"
	"github.com/limiquantix/virttuned/internal/domain"
	"github.com/limiquantix/virttuned/internal/hypervisor"
	"github.com/limiquantix/virttuned/internal/memcoord"
	"github.com/limiquantix/virttuned/internal/metrics"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("virttuned memory coordinator")
		println("Version:", version)
		println("Commit:", commit)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	seconds, err := strconv.Atoi(flag.Arg(0))
	if err != nil || seconds <= 0 {
		usage()
		os.Exit(1)
	}
	interval := time.Duration(seconds) * time.Second

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting virttuned memory coordinator",
		zap.String("version", version),
		zap.Int("interval_secs", seconds),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := hypervisor.Connect(cfg.Hypervisor.URI, logger)
	if err != nil {
		exitStatus(logger, err)
	}

	var memMetrics *metrics.MemMetrics
	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		memMetrics = metrics.NewMemMetrics(reg)
		metrics.Serve(ctx, cfg.Metrics.Address, reg, logger)
	}

	engine, err := memcoord.New(conn, cfg, interval, logger, memMetrics)
	if err != nil {
		conn.Close()
		exitStatus(logger, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	err = engine.Start(ctx)
	engine.Teardown()
	if err != nil {
		exitStatus(logger, err)
	}

	logger.Info("Goodbye!")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:  %s <time interval>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        where <time interval> = time, in seconds, between cycles.\n")
}

// exitStatus reports the daemon status code on stderr and exits non-zero.
func exitStatus(logger *zap.Logger, err error) {
	logger.Sync()
	code := domain.ExitCode(err)
	fmt.Fprintf(os.Stderr, "Exit error code = %d\n", code)
	os.Exit(-code)
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
