// Command agenttaskd runs the agent task engine: it connects the event
// bus, opens the workspace table, and drives the task lifecycle off
// gateway stream-end events until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agent"
	"github.com/kandev/agenttask/internal/agenttask"
	"github.com/kandev/agenttask/internal/artifacts"
	"github.com/kandev/agenttask/internal/busadapter"
	"github.com/kandev/agenttask/internal/common/config"
	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/db"
	"github.com/kandev/agenttask/internal/events"
	"github.com/kandev/agenttask/internal/history"
	"github.com/kandev/agenttask/internal/telemetry"
	"github.com/kandev/agenttask/internal/workspace/store"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agenttaskd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	dataDir := cfg.Engine.ExpandedDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	pool, err := db.Open(cfg.Database, dataDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = pool.Close() }()

	configStore, err := store.New(pool, dataDir, log)
	if err != nil {
		return fmt.Errorf("failed to create workspace store: %w", err)
	}

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	defer func() { _ = closeBus() }()

	catalog := agent.NewCatalog(log)
	if cfg.Agents.CatalogPath != "" {
		if err := catalog.LoadFromFile(cfg.Agents.CatalogPath); err != nil {
			return fmt.Errorf("failed to load agent catalog: %w", err)
		}
	}

	historyStore := history.New(configStore.SessionDir, log)
	artifactStore := artifacts.New(configStore.SessionDir, log)

	requestTimeout := cfg.NATS.RequestTimeout()
	svc, err := agenttask.NewService(agenttask.Config{
		MaxParallelAgentTasks: cfg.Engine.MaxParallelAgentTasks,
		MaxTaskNestingDepth:   cfg.Engine.MaxTaskNestingDepth,
		ReportWaitTimeout:     cfg.Engine.ReportWaitTimeoutDuration(),
		ReportCacheSize:       cfg.Engine.ReportCacheSize,
		AutoResumeLimit:       cfg.Engine.AutoResumeLimit,
		PlanHandoffRouting:    cfg.Engine.PlanHandoffRouting,
		ClassifierModel:       cfg.Engine.ClassifierModel,
		DefaultModelString:    cfg.Engine.DefaultModelString,
	}, agenttask.Dependencies{
		Logger:     log,
		Bus:        eventBus,
		Store:      configStore,
		Workspaces: busadapter.NewWorkspaceAdapter(eventBus, requestTimeout),
		Gateway:    busadapter.NewGatewayAdapter(eventBus, requestTimeout, log),
		History:    historyStore,
		Artifacts:  artifactStore,
		Runtime:    busadapter.NewRuntimeAdapter(eventBus, requestTimeout),
		Catalog:    catalog,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := svc.Initialize(ctx); err != nil {
		log.Warn("Recovery pass failed", zap.Error(err))
	}
	log.Info("agenttaskd ready", zap.String("data_dir", dataDir))

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Warn("Engine stop failed", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	return nil
}
