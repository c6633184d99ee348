package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	permafrost "github.com/permafrostdb/permafrost-db"
	"github.com/permafrostdb/permafrost-db/internal/config"
	"github.com/permafrostdb/permafrost-db/pkg/logging"
)

const (
	logKeyDataPath = "dataPath"
	logKeySignal   = "signal"
	logKeyError    = "error"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.NewConsole(cfg.Debug)

	logger.InfoContext(context.Background(), "starting permafrost daemon",
		logKeyDataPath, cfg.DataPath)

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(
			ctx,
			"received shutdown signal",
			logKeySignal,
			sig.String(),
		)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// parseFlags parses the command line and merges it with the optional
// YAML configuration file. Flags win over the file.
func parseFlags() (config.Config, error) {
	var (
		configPath string
		dataPath   string
		debug      bool
	)

	flag.StringVar(&configPath, "config", "",
		"Path to YAML configuration file")
	flag.StringVar(&dataPath, "data", "",
		"Path to data directory (overrides config file)")
	flag.BoolVar(&debug, "debug", false,
		"Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if dataPath != "" {
		cfg.DataPath = dataPath
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// run is the main daemon logic, separated for testability.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	archive, err := permafrost.New(permafrost.Config{
		Paths:             []string{cfg.DataPath},
		MinimumFreeGB:     cfg.MinimumFreeGB,
		Logger:            logger,
		MemoryWarningMB:   cfg.MemoryWarningMB,
		MemoryCriticalMB:  cfg.MemoryCriticalMB,
		MigrationInterval: cfg.MigrationInterval.Std(),
	})
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	return archive.Run(ctx)
}
