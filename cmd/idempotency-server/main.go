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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VenkatGGG/idempotency-keys/internal/api"
	"github.com/VenkatGGG/idempotency-keys/internal/config"
	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
	"github.com/VenkatGGG/idempotency-keys/internal/idempotency/idemgrpc"
	"github.com/VenkatGGG/idempotency-keys/internal/order"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("idempotency server failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	routes, err := cfg.LoadRouteTable()
	if err != nil {
		return err
	}
	logger.Info("idempotent routes loaded", "routes", routes.Routes())

	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := idempotency.NewMetrics(reg)
	if err != nil {
		return err
	}

	mw := idempotency.NewMiddleware(backend.store, api.NewErrorResponder(logger),
		idempotency.WithLogger(logger),
		idempotency.WithMetrics(metrics),
		idempotency.WithCompleteTimeout(cfg.CompleteTimeout),
	)
	server := api.NewServer(order.NewInMemoryService(), mw, routes, api.Options{
		Logger:             logger,
		Metrics:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		APIKey:             cfg.APIKey,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if backend.sweep != nil {
		g.Go(func() error {
			return backend.sweep(gctx)
		})
	}
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "storage", cfg.StorageType)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.GRPCAddr != "" {
		grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
			idemgrpc.UnaryServerInterceptor(backend.store, routes,
				idemgrpc.WithLogger(logger),
				idemgrpc.WithMetrics(metrics),
				idemgrpc.WithCompleteTimeout(cfg.CompleteTimeout),
			),
		))
		healthpb.RegisterHealthServer(grpcServer, health.NewServer())

		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return err
			}
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}
