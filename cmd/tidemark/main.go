// Package main implements the tidemark server: the rotation daemon, the
// administrative HTTP API and the gRPC health service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tidemark/tidemark/internal/app"
	"github.com/tidemark/tidemark/internal/config"
	"github.com/tidemark/tidemark/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		engineType  string
		httpAddr    string
		grpcAddr    string
		prefix      string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for range stores and archives")
	flag.StringVar(&engineType, "engine", "", "Index engine: memory or rest")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC health address")
	flag.StringVar(&prefix, "prefix", "", "Index name prefix")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Tidemark - index lifecycle management for search engines\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tidemark [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TIDEMARK_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  TIDEMARK_ENGINE_TYPE     Index engine (memory, rest)\n")
		fmt.Fprintf(os.Stderr, "  TIDEMARK_ENGINE_HOSTS    Comma separated engine URLs\n")
		fmt.Fprintf(os.Stderr, "  TIDEMARK_INDICES_PREFIX  Index name prefix\n")
		fmt.Fprintf(os.Stderr, "  TIDEMARK_LOG_LEVEL       debug, info, warn or error\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("tidemark version %s (commit: %s)\n", version, commit)
		return
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if engineType != "" {
		cfg.Engine.Type = engineType
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if prefix != "" {
		cfg.Indices.Prefix = prefix
	}

	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("tidemark stopped", "error", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting tidemark",
		"version", version,
		"data_dir", cfg.DataDir,
		"engine", cfg.Engine.Type,
		"http", cfg.HTTP.Addr)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// loadConfig loads the file, if any, and applies the environment.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
