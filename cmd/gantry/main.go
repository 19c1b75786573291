package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/engine"
	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/internal/expressions"
	"github.com/gantry-io/gantry/internal/handler"
	"github.com/gantry-io/gantry/internal/logging"
	"github.com/gantry-io/gantry/internal/scheduler"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/internal/validation"
	"github.com/gantry-io/gantry/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gantry:", err)
		os.Exit(1)
	}
}

// coordinatorRunner breaks the scheduler/coordinator construction cycle:
// the scheduler needs a pass runner before the coordinator exists.
type coordinatorRunner struct {
	coord *engine.Coordinator
}

func (r *coordinatorRunner) ProcessPass(ctx context.Context, taskID string) (*engine.PassResult, error) {
	return r.coord.ProcessPass(ctx, taskID)
}

func run() error {
	cfg := loadConfig()

	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore("file:"+cfg.DBPath, cfg.PoolSize)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	hub := events.NewMemoryHub()

	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return fmt.Errorf("building expression evaluator: %w", err)
	}

	registry := handler.NewRegistry()
	if err := registerHandlers(registry); err != nil {
		return fmt.Errorf("registering handlers: %w", err)
	}

	validator, err := validation.NewTemplateValidator(registry)
	if err != nil {
		return fmt.Errorf("building template validator: %w", err)
	}

	tun := cfg.Tunables()
	taskFSM := engine.NewTaskFSM(st, hub, logger)
	stepFSM := engine.NewStepFSM(st, hub, logger)

	runner := &coordinatorRunner{}
	passSched := scheduler.NewPassScheduler(runner, logger)

	executor := engine.NewExecutor(st, stepFSM, registry, evaluator, hub, st, tun, logger)
	discovery := engine.NewDiscovery(st, tun)
	reenqueuer := engine.NewReenqueuer(st, taskFSM, passSched, hub, logger)
	finalizer := engine.NewFinalizer(st, taskFSM, reenqueuer, hub, tun, logger)
	runner.coord = engine.NewCoordinator(st, taskFSM, discovery, executor, finalizer, logger)

	service := engine.NewService(st, registry, taskFSM, passSched, validator, hub, logger)

	if cfg.TemplateDir != "" {
		loader := config.NewTemplateLoader(st, validator, logger)
		if _, err := loader.LoadDirectory(ctx, cfg.TemplateDir); err != nil {
			return fmt.Errorf("loading templates: %w", err)
		}
	}

	if err := passSched.Start(ctx); err != nil {
		return err
	}
	defer passSched.Stop()

	recovered, err := passSched.RecoverPending(ctx, st)
	if err != nil {
		return fmt.Errorf("recovering pending tasks: %w", err)
	}
	if recovered > 0 {
		logger.InfoContext(ctx, "resumed tasks from previous run", "count", recovered)
	}

	if cfg.CronEnabled {
		cronSched := scheduler.NewCronScheduler(st, service, logger)
		if err := cronSched.Start(ctx); err != nil {
			return err
		}
		defer cronSched.Stop()
	}

	srv := mcp.NewGantryServer(mcp.GantryServerDeps{
		Service:   service,
		Store:     st,
		Validator: validator,
		Hub:       hub,
		Logger:    logger,
	})

	logger.InfoContext(ctx, "gantry engine started",
		"db_path", cfg.DBPath, "cron", cfg.CronEnabled)

	// Blocks until stdin closes or a signal arrives.
	return srv.Serve(ctx)
}

func registerHandlers(registry *handler.Registry) error {
	httpHandler := handler.WithCircuitBreaker(
		handler.NewHTTPRequestHandler(handler.HTTPConfig{}),
		handler.DefaultCircuitBreakerConfig())

	for _, h := range []handler.Handler{
		handler.NewNoopHandler(),
		handler.NewTransformHandler(nil),
		httpHandler,
	} {
		if err := registry.Register(h); err != nil {
			return err
		}
	}
	return nil
}
