// Command chronolog runs the event-store service: it wires the chunk
// log, LSM index, stream catalog, and request processor together and
// keeps them running until terminated.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"chronolog/internal/catalog"
	"chronolog/internal/chunk"
	chunkfile "chronolog/internal/chunk/file"
	"chronolog/internal/config"
	"chronolog/internal/logging"
	"chronolog/internal/lsm"
	"chronolog/internal/store"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // ComponentFilterHandler does the real filtering
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "chronolog",
		Short: "Append-only event-store service",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the event-store service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return run(ctx, logger)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// components bundles the open, recovered system so callers (tests,
// future transport bindings) can exercise it without re-running main's
// wiring.
type components struct {
	log     chunk.Log
	index   *lsm.Engine
	catalog *catalog.Catalog
	store   *store.Store
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.log.Close(); err != nil {
			logger.Error("close chunk log", "error", err)
		}
	}()
	defer func() {
		if err := c.index.Close(); err != nil {
			logger.Error("close lsm engine", "error", err)
		}
	}()

	logger.Info("chronolog ready",
		"data_dir", cfg.DataDir,
		"listen", fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// open wires the chunk log, LSM index, stream catalog, and request
// processor together, running each component's own recovery path in
// order: the chunk log first (it recovers a torn tail write on
// construction), then the LSM engine and catalog, both of which replay
// the now-recovered chunk log to rebuild their in-memory state (spec
// §9: neither the memtable nor the catalog survive a restart).
func open(cfg config.Config, logger *slog.Logger) (*components, error) {
	log, err := chunkfile.NewManager(chunkfile.Config{
		Dir:            cfg.DataDir,
		RotationPolicy: chunk.NewSizePolicy(uint64(cfg.MaxChunkBytes)),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open chunk log: %w", err)
	}

	index, err := lsm.Open(lsm.Config{
		Dir:                   cfg.DataDir,
		MemtableCapacity:      cfg.MemtableCapacity,
		L0CompactionThreshold: cfg.L0CompactionThreshold,
		Logger:                logger,
	}, log)
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("open lsm engine: %w", err)
	}

	cat := catalog.New(logger)
	if err := cat.Rebuild(log); err != nil {
		_ = index.Close()
		_ = log.Close()
		return nil, fmt.Errorf("rebuild stream catalog: %w", err)
	}

	st := store.New(log, index, cat, logger)

	return &components{log: log, index: index, catalog: cat, store: st}, nil
}
