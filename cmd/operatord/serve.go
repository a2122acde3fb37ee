package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/classify"
	"github.com/fyrsmithlabs/operatord/internal/config"
	"github.com/fyrsmithlabs/operatord/internal/ingest"
	"github.com/fyrsmithlabs/operatord/internal/logging"
	"github.com/fyrsmithlabs/operatord/internal/memory"
	"github.com/fyrsmithlabs/operatord/internal/orchestrate"
	"github.com/fyrsmithlabs/operatord/internal/store"
	"github.com/fyrsmithlabs/operatord/internal/telemetry"
	"github.com/fyrsmithlabs/operatord/pkg/server"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operatord daemon",
	Long: `Start the operatord daemon.

Configuration is loaded from the config file (default
~/.config/operatord/config.yaml), overridden by environment variables
(SERVER_PORT, PLANT_BASE_URL, ...). The daemon runs until SIGINT or
SIGTERM, then shuts down gracefully.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "config file path")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	zl.Info("starting operatord",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	tel, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:        cfg.Observability.TracingEnabled,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Insecure:       true,
	}, zl)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	st, err := store.Open(&store.Config{Path: cfg.Store.Path}, zl)
	if err != nil {
		return fmt.Errorf("opening context store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			zl.Warn("store close failed", zap.Error(err))
		}
	}()

	ing, err := ingest.NewService(&ingest.Config{
		RateLimit: cfg.Ingest.RateLimit,
		RateBurst: cfg.Ingest.RateBurst,
	}, st, zl)
	if err != nil {
		return fmt.Errorf("initializing ingest: %w", err)
	}

	cl, err := classify.New(&classify.Config{
		LatencyBudget: cfg.Classifier.LatencyBudget.Duration(),
		CostBudget:    cfg.Classifier.CostBudget,
	}, st, zl)
	if err != nil {
		return fmt.Errorf("initializing classifier: %w", err)
	}

	plant, err := orchestrate.NewPlantClient(cfg.Plant.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("initializing plant client: %w", err)
	}

	opts := &orchestrate.Options{
		Config: &orchestrate.Config{
			RunTimeout:      cfg.Orchestrator.PlantRunTimeout.Duration(),
			ValidateTimeout: cfg.Orchestrator.PlantValidateTimeout.Duration(),
			MaxPatchRetries: cfg.Orchestrator.MaxPatchRetries,
		},
		Store:      st,
		Classifier: cl,
		Ingest:     ing,
		Plant:      plant,
		Resolver:   plant,
		Gates:      orchestrate.NewDefaultGateRegistry(plant, st, ing, cfg.Orchestrator.PlantValidateTimeout.Duration()),
		Logger:     zl,
	}

	var mem *memory.Service
	if cfg.Memory.Enabled {
		mem, err = memory.New(&memory.Config{
			Path:       cfg.Memory.Path,
			Collection: cfg.Memory.Collection,
			VectorSize: cfg.Memory.VectorSize,
		}, zl)
		if err != nil {
			return fmt.Errorf("initializing incident memory: %w", err)
		}
		opts.Recorder = mem
	}

	orch, err := orchestrate.New(opts)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}

	if cfg.NATS.Enabled {
		sub, err := ingest.NewSubscriber(&ingest.SubscriberConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
		}, ing, zl)
		if err != nil {
			return fmt.Errorf("initializing nats subscriber: %w", err)
		}
		if err := sub.Start(ctx); err != nil {
			return fmt.Errorf("starting nats subscriber: %w", err)
		}
		defer func() {
			if err := sub.Close(); err != nil {
				zl.Warn("nats subscriber close failed", zap.Error(err))
			}
		}()
	}

	srv, err := server.New(&server.Options{
		Config: &server.Config{
			Port:            cfg.Server.Port,
			ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		},
		Store:        st,
		Ingest:       ing,
		Orchestrator: orch,
		Memory:       mem,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	zl.Info("operatord shutdown complete")
	return nil
}
