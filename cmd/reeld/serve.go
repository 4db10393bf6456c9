package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roea-ai/reel/internal/api"
	"github.com/roea-ai/reel/internal/catalog"
	"github.com/roea-ai/reel/internal/core/agent"
	"github.com/roea-ai/reel/internal/core/orchestrator"
	"github.com/roea-ai/reel/internal/core/resource"
	"github.com/roea-ai/reel/internal/crypto"
	localexec "github.com/roea-ai/reel/internal/executor/local"
	"github.com/roea-ai/reel/internal/executor/sim"
	"github.com/roea-ai/reel/internal/store"
	"github.com/roea-ai/reel/internal/telemetry"
	"github.com/roea-ai/reel/pkg/types"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := setupLogger(cfg.Log, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *types.Config, log zerolog.Logger) error {
	log.Info().Str("version", version).Msg("Starting Reel daemon")

	// Initialize crypto
	keyManager := crypto.NewKeyManager(cfg.Crypto.IdentityPath)
	if err := keyManager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize crypto: %w", err)
	}
	log.Info().Str("public_key", keyManager.PublicKeyHint()).Msg("Crypto initialized")

	// Initialize store
	st := store.NewStore(cfg.Store.Path)
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()
	log.Info().Str("path", cfg.Store.Path).Msg("Store initialized")

	// Initialize telemetry
	mp, shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, os.Stdout, version)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush metrics")
		}
	}()
	meter := mp.Meter(telemetry.ServiceName)
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	// Register agent kinds
	registry := agent.NewRegistry()
	if err := registerKinds(registry, cfg, log); err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg, registry, orchestrator.Options{
		Drivers: []agent.Driver{
			localexec.NewExecutor(cfg.Agents.StopTimeout, log.With().Str("component", "local").Logger()),
			sim.NewDriver(),
		},
		Sampler: resource.NewHostSampler(cfg.Resources.DiskPath),
		Sealer:  crypto.NewSealer(keyManager),
		Store:   st,
		Metrics: metrics,
	}, log)
	if err != nil {
		return err
	}

	gauges, err := telemetry.RegisterGauges(meter, telemetry.Gauges{
		Engine:    orch.Engine().Stats,
		Instances: orch.InstanceCounts,
		Resources: orch.Resources().Latest,
	})
	if err != nil {
		return fmt.Errorf("failed to register gauges: %w", err)
	}
	defer gauges.Unregister()

	if err := orch.Restore(); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	if err := registerDefinitions(orch, cfg, log); err != nil {
		return err
	}

	if cfg.Log.Level != "debug" && cfg.Log.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(orch, log.With().Str("component", "api").Logger())
	defer router.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Agents.Autodeploy {
		if err := orch.DeployAll(ctx); err != nil {
			log.Warn().Err(err).Msg("Autodeploy incomplete")
		}
	}

	log.Info().
		Str("api", fmt.Sprintf("http://%s/api/v1", addr)).
		Str("websocket", fmt.Sprintf("ws://%s/ws", addr)).
		Int("kinds", len(registry.Kinds())).
		Int("definitions", len(orch.Engine().Definitions())).
		Msg("Reel orchestrator ready")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

// registerKinds registers the built-in kinds, then those in the kinds
// directory. A file may not redefine a built-in.
func registerKinds(registry *agent.Registry, cfg *types.Config, log zerolog.Logger) error {
	if cfg.Agents.Builtins {
		for _, k := range agent.BuiltinKinds() {
			if err := registry.Register(k); err != nil {
				return err
			}
		}
	}

	kinds, err := catalog.LoadKinds(cfg.Agents.KindsDir)
	if err != nil {
		return err
	}
	for _, k := range kinds {
		if err := registry.Register(k); err != nil {
			return fmt.Errorf("failed to register agent kind %s: %w", k.Name, err)
		}
	}
	log.Info().Int("from_files", len(kinds)).Bool("builtins", cfg.Agents.Builtins).Msg("Agent kinds registered")
	return nil
}

// registerDefinitions registers the workflow files not already restored
// from the store.
func registerDefinitions(orch *orchestrator.Orchestrator, cfg *types.Config, log zerolog.Logger) error {
	defs, err := catalog.LoadDefinitions(cfg.Agents.WorkflowsDir)
	if err != nil {
		return err
	}
	for _, d := range defs {
		if err := orch.RegisterWorkflowDefinition(d.Name, d); err != nil {
			if errors.Is(err, types.ErrAlreadyRegistered) {
				continue
			}
			return fmt.Errorf("failed to register workflow %s: %w", d.Name, err)
		}
	}
	log.Info().Int("files", len(defs)).Msg("Workflow definitions loaded")
	return nil
}
