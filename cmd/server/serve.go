package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/z-korp/daydreams/dispatcher/internal/api"
	"github.com/z-korp/daydreams/dispatcher/internal/config"
	"github.com/z-korp/daydreams/dispatcher/internal/connector"
	"github.com/z-korp/daydreams/dispatcher/internal/engine"
	"github.com/z-korp/daydreams/dispatcher/internal/event"
	"github.com/z-korp/daydreams/dispatcher/internal/ledger"
	"github.com/z-korp/daydreams/dispatcher/internal/processor"
	"github.com/z-korp/daydreams/dispatcher/internal/scheduler"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingress, input handlers and task scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) error {
	if cfg.Processor.URL == "" {
		return errors.New("PROCESSOR_URL is required")
	}

	// 1. Task store
	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Session hooks
	hooks, closeHooks, err := openHooks(ctx, cfg.Session, store, logger)
	if err != nil {
		return err
	}
	defer closeHooks()

	// 3. Event bus and step ledger
	eventBus := event.NewBus(logger)
	steps := ledger.New().WithMaxSteps(cfg.Ledger.MaxSteps)
	detach := ledger.NewRecorder(steps, logger).Attach(eventBus)
	defer detach()

	// 4. Handlers
	client := newHTTPClient(cfg.Retry, logger)
	var natsConn connector.Conn
	if cfg.NATS.URL != "" {
		nc, err := connector.ConnectNATS(cfg.NATS.URL, appName, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		natsConn = nc
	}
	registry, err := buildRegistry(cfg, client, natsConn, logger)
	if err != nil {
		return err
	}

	// 5. Orchestrator
	proc := processor.NewHTTPProcessor(client, cfg.Processor.URL, cfg.Processor.Headers, logger)
	orchestrator := engine.NewOrchestrator(registry, proc, hooks, eventBus, logger, engine.Config{
		ItemDelay:        cfg.Dispatch.ItemDelay,
		MaxDepth:         cfg.Dispatch.MaxDepth,
		MaxItems:         cfg.Dispatch.MaxItems,
		ProcessorTimeout: cfg.Dispatch.ProcessorTimeout,
		HandlerTimeout:   cfg.Dispatch.HandlerTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)

	// 6. Scheduler (recovers stale state + polls for due tasks)
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(store, registry, orchestrator, eventBus, logger, scheduler.Config{
			PollInterval: cfg.Scheduler.PollInterval,
			BatchSize:    cfg.Scheduler.BatchSize,
			TaskTimeout:  cfg.Scheduler.TaskTimeout,
			StaleAfter:   cfg.Scheduler.StaleAfter,
		})
		if err := sched.Start(gctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	// 7. Input subscriptions
	stopInputs, err := orchestrator.StartInputs(gctx)
	if err != nil {
		return err
	}
	defer stopInputs()

	// 8. HTTP ingress
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           api.NewServer(orchestrator, store, steps, eventBus, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Infow("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	// 9. gRPC health
	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcServer := grpclib.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(appName, healthpb.HealthCheckResponse_SERVING)
	g.Go(func() error {
		logger.Infow("gRPC health server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})

	// 10. Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
