package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/medsummary/internal/async"
	"github.com/joseph-ayodele/medsummary/internal/bootstrap"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/export"
	"github.com/joseph-ayodele/medsummary/internal/ingest"
	"github.com/joseph-ayodele/medsummary/internal/server"
)

func main() {
	cfg := common.LoadConfig()
	logger := bootstrap.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("medsummaryd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *common.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	docs, err := ingest.NewStore(cfg.Upload.Dir, cfg.Upload.MaxBytes, logger)
	if err != nil {
		return err
	}
	completer, err := bootstrap.NewCompleter(cfg.LLM, logger)
	if err != nil {
		return err
	}
	ctrl := bootstrap.NewController(cfg, store.Visits, docs, completer, logger)

	queue := async.NewProcessorQueue(ctrl, logger,
		async.WithWorkers(cfg.Queue.Workers),
		async.WithQueueSize(cfg.Queue.Size),
		async.WithProcessTimeout(cfg.Queue.ProcessTimeout),
	)

	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: server.NewHTTPHandler(server.Deps{
			Controller: ctrl,
			Ingest:     ingest.NewUsecase(docs, store.Visits, logger),
			Visits:     store.Visits,
			Queue:      queue,
			Export:     export.NewService(store.Visits, logger),
			Health:     store.Health,
		}, server.HTTPOptions{CORSOrigins: cfg.Server.CORSOrigins}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcSrv, healthSrv := server.NewGRPCServer(ctrl, logger)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc listening", "addr", cfg.Server.GRPCAddr)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		grpcSrv.GracefulStop()
		queue.Shutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}
