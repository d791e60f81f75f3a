package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // US/Eastern for the scheduler without a system tz database.

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"stockdash/internal/config"
	"stockdash/internal/stocksvc"
	"stockdash/internal/util"
)

func main() {
	cfgPath := "config/stockdash.yaml"
	if p := os.Getenv("STOCKDASH_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage.
	store, err := stocksvc.OpenStore(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrating store: %v", err)
	}
	bars := stocksvc.NewBarStore(cfg.Storage.DataDir)

	// Optional collaborators.
	var src stocksvc.Source
	switch {
	case cfg.Alpaca.APIKey != "":
		src = stocksvc.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL,
			cfg.Alpaca.Feed, cfg.Alpaca.RateLimitPerMin, logger)
	case cfg.Polygon.APIKey != "":
		src = stocksvc.NewPolygonSource(cfg.Polygon.APIKey, cfg.Polygon.RateLimitPerMin, logger)
	default:
		logger.Warn("no market-data credentials; populate is disabled")
	}

	var cache *stocksvc.ResponseCache
	if cfg.Redis.Addr != "" {
		cache, err = stocksvc.NewResponseCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			log.Fatalf("connecting to redis: %v", err)
		}
		defer cache.Close()
	}

	svc := stocksvc.NewService(store, bars, src, cache, cfg.Alpaca.Symbols, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	api := stocksvc.NewServer(svc, reg, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr, "driver", cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Server.GRPCPort > 0 {
		health := stocksvc.NewHealth(store, logger)
		gs := grpc.NewServer()
		health.RegisterGRPC(gs)

		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
		if err != nil {
			log.Fatalf("listening for gRPC: %v", err)
		}
		g.Go(func() error {
			logger.Info("gRPC health listening", "addr", lis.Addr().String())
			return gs.Serve(lis)
		})
		g.Go(func() error {
			return health.Run(gctx, 15*time.Second)
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if cfg.Server.Schedule {
		sched := stocksvc.NewScheduler(svc, logger)
		g.Go(func() error { return sched.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
