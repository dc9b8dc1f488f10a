package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/orchard/internal/logger"
	"github.com/marmos91/orchard/internal/server"
	"github.com/marmos91/orchard/pkg/config"
	"github.com/marmos91/orchard/pkg/gc"
	"github.com/marmos91/orchard/pkg/metrics"
	"github.com/marmos91/orchard/pkg/registry"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Override configured log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.SetFormat(cfg.Logging.Format)
	if *logLevel != "" {
		logger.SetLevel(*logLevel)
	} else {
		logger.SetLevel(cfg.Logging.Level)
	}
	defer logger.Sync()

	fmt.Println("Orchard - sync backend server")

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Prometheus metrics enabled at /metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := config.CreateStore(ctx, &cfg.Store)
	if err != nil {
		log.Fatalf("Failed to create item store: %v", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("Item store: %s", cfg.Store.Type)

	chunks, err := config.CreateChunkStore(ctx, &cfg.Chunks)
	if err != nil {
		log.Fatalf("Failed to create chunk store: %v", err)
	}
	defer func() { _ = chunks.Close() }()
	logger.Info("Chunk store: %s", cfg.Chunks.Type)

	reg := registry.New(st)
	if err := ensureAccount(ctx, reg); err != nil {
		log.Fatalf("Failed to prepare default account: %v", err)
	}

	if cfg.GC.Enabled {
		collector, err := gc.NewCollector(st, chunks, cfg.GC.CollectorConfig())
		if err != nil {
			log.Fatalf("Failed to create garbage collector: %v", err)
		}
		collector.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer stopCancel()
			_ = collector.Stop(stopCtx)
		}()
	}

	srv := server.New(st, reg, chunks, cfg.Server.DispatchConfig())
	defer srv.Close()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running on %s. Press Ctrl+C to stop.", cfg.Server.Addr)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}

// ensureAccount creates a default account on a fresh store so clients have
// something to connect to, and logs its credentials either way.
func ensureAccount(ctx context.Context, reg *registry.Registry) error {
	accounts, err := reg.ListAccounts(ctx)
	if err != nil {
		return err
	}

	if len(accounts) == 0 {
		account, err := reg.CreateAccount(ctx, "Orchard", nil)
		if err != nil {
			return err
		}
		logger.Info("Created default account: domain=%s secret=%s", account.Identifier, account.Secret)
		return nil
	}

	for _, account := range accounts {
		logger.Info("Account: domain=%s (%s)", account.Identifier, account.DisplayName)
	}
	return nil
}
