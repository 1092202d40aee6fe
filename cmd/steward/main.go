package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stewardhq/steward/internal/approval"
	"github.com/stewardhq/steward/internal/backend"
	"github.com/stewardhq/steward/internal/engine"
	"github.com/stewardhq/steward/internal/expressions"
	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/maintenance"
	"github.com/stewardhq/steward/internal/router"
	"github.com/stewardhq/steward/internal/stages"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/streaming"
	"github.com/stewardhq/steward/internal/validation"
	"github.com/stewardhq/steward/pkg/mcp"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("steward exited with error", "error", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr; the stdio transport owns stdout.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// crmTiers builds the tier list in the fixed fallback order:
// interactive, then batch, then the always-available direct API.
// Missing URLs drop the tier so partial deployments still work.
func crmTiers(cfg Config) []router.Tier {
	var tiers []router.Tier
	if cfg.CRMInteractiveURL != "" {
		tiers = append(tiers, backend.NewHTTPTier(backend.TierConfig{
			Name:      "interactive",
			BaseURL:   cfg.CRMInteractiveURL,
			AuthToken: cfg.CRMInteractiveToken,
		}))
	}
	if cfg.CRMBatchURL != "" {
		tiers = append(tiers, backend.NewHTTPTier(backend.TierConfig{
			Name:      "batch",
			BaseURL:   cfg.CRMBatchURL,
			AuthToken: cfg.CRMBatchToken,
		}))
	}
	if cfg.CRMDirectURL != "" {
		tiers = append(tiers, backend.NewHTTPTier(backend.TierConfig{
			Name:      "direct",
			BaseURL:   cfg.CRMDirectURL,
			AuthToken: cfg.CRMDirectToken,
		}))
	}
	return tiers
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	tiers := crmTiers(cfg)
	if len(tiers) == 0 {
		return errors.New("no CRM tiers configured: set STEWARD_CRM_INTERACTIVE_URL, STEWARD_CRM_BATCH_URL, or STEWARD_CRM_DIRECT_URL")
	}

	crm := backend.NewCRM(router.New(tiers, st, logger, router.DefaultConfig()))
	memory := backend.NewMemory(backend.MemoryConfig{
		BaseURL:   cfg.MemoryURL,
		AuthToken: cfg.MemoryToken,
	}, logger)

	guards := expressions.NewExprEngine()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init policy engine: %w", err)
	}

	registry := stages.NewRegistry()
	if err := stages.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register builtin stages: %w", err)
	}
	handle := &stages.Handle{CRM: crm, Memory: memory, JQ: expressions.NewGoJQEngine()}

	hub := streaming.NewMemoryHub()
	gate := approval.NewGate(st, hub, cel, logger, approval.Config{
		DefaultDeadline:   duration(cfg.ApprovalDeadline, 5*time.Minute),
		AutoApprovePolicy: cfg.AutoApprovePolicy,
	})
	orchestrator := engine.New(st, engine.NewStageRunner(registry, handle, guards, logger), gate, hub, logger, engine.Config{
		ActiveBudget: duration(cfg.ActiveBudget, 10*time.Minute),
		RunTTL:       duration(cfg.RunTTL, time.Hour),
	})

	validator, err := validation.NewPipelineValidator(registry, guards)
	if err != nil {
		return fmt.Errorf("init pipeline validator: %w", err)
	}

	sweeper := maintenance.NewSweeper(gate, orchestrator, duration(cfg.SweepInterval, 5*time.Second), logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start approval sweeper: %w", err)
	}
	defer sweeper.Stop()

	archiver := maintenance.NewArchiver(st, cfg.ArchiveSchedule, logger)
	if err := archiver.Start(ctx); err != nil {
		return fmt.Errorf("start run archiver: %w", err)
	}
	defer archiver.Stop()

	srv := mcp.NewStewardServer(mcp.StewardServerDeps{
		Orchestrator: orchestrator,
		Approvals:    gate,
		Store:        st,
		Validator:    validator,
		Hub:          hub,
		Logger:       logger,
	})
	if err := srv.StartEventBridge(ctx); err != nil {
		return fmt.Errorf("start event bridge: %w", err)
	}

	logger.Info("steward ready",
		"db_path", cfg.DBPath,
		"tiers", len(tiers),
		"approval_deadline", cfg.ApprovalDeadline,
	)
	return srv.Serve(ctx)
}
