package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tally-io/tally/internal/config"
	"github.com/tally-io/tally/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Handle version flag before subcommand parsing
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("tallyd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "serve":
		runServe(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "token":
		runToken(os.Args[2:])
	case "version":
		fmt.Printf("tallyd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: tallyd <command> [options]

Commands:
  serve       Start the dashboard API server
  export      Archive metric history to the object store
  token       Issue and revoke API tokens
  version     Print version information

Run 'tallyd <command> --help' for more information on a command.`)
}

// loadConfig reads path, or the default locations when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func mustLoadConfig(path string) *config.Config {
	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override listen address (e.g., :8080)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics endpoint address (e.g., :9090)")
	backend := fs.String("datastore", "", "Override datastore backend (oxia or memory)")

	fs.Usage = func() {
		fmt.Println(`Usage: tallyd serve [options]

Start the tally API server.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)

	// Apply CLI overrides
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *backend != "" {
		cfg.Datastore.Backend = *backend
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	app, err := NewApp(AppOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})
	if err != nil {
		logger.Errorf("failed to create server", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		logger.Errorf("failed to start server", map[string]any{"error": err.Error()})
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = app.Shutdown(shutdownCtx)
		shutdownCancel()
		os.Exit(1)
	}

	sig := <-sigCh
	logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})

	// Graceful shutdown
	logger.Info("initiating graceful shutdown")
	timeout := time.Duration(cfg.Server.ShutdownTimeoutMs) * time.Millisecond
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
