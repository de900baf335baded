package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cartridge/learner/internal/config"
	httpServer "github.com/cartridge/learner/internal/http"
	"github.com/cartridge/learner/internal/inference"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/rpc"
)

func main() {
	cfg := config.LoadServer()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "inference").Logger()

	var alloc inference.Allocator = inference.RuleAllocator{}
	collector := metrics.NewCollector(logger)

	h := httpServer.NewServer(alloc, collector, logger)
	httpAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(rpc.LoggingInterceptor(logger)))
	rpc.Register(grpcServer, rpc.NewService(alloc))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen for grpc")
	}

	httpDone := make(chan struct{})
	go func() {
		logger.Info().Str("addr", httpAddr).Msg("inference HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
		close(httpDone)
	}()

	grpcDone := make(chan struct{})
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("inference gRPC server starting")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal().Err(err).Msg("grpc server failed")
		}
		close(grpcDone)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutdown signal received")
	healthServer.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		logger.Warn().Msg("grpc graceful stop timed out, forcing")
		grpcServer.Stop()
	}

	<-httpDone
	<-grpcDone
	logger.Info().Msg("inference server stopped")
}
