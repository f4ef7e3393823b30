package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

import (
	"github.com/halverin/gatekeep/internal/api"
	"github.com/halverin/gatekeep/internal/apikeys"
	"github.com/halverin/gatekeep/internal/breaker"
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/core"
	"github.com/halverin/gatekeep/internal/identity"
	"github.com/halverin/gatekeep/internal/metrics"
	"github.com/halverin/gatekeep/internal/repo"
	"github.com/halverin/gatekeep/internal/store"
)

func main() {
	confPath := flag.String("c", "configs/gatekeep.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg)

	var (
		counters  store.CounterStore
		directory apikeys.Directory
		rdb       *repo.RedisRepo
	)
	switch cfg.Features.Store {
	case config.StoreMemory:
		mem := store.NewMemoryStore(store.WithSweepInterval(time.Minute))
		defer mem.Close()
		counters = mem
	default:
		rdb, err = repo.NewRedis(cfg.Redis, logger)
		if err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		counters = store.NewRedisStore(rdb)
	}

	if cfg.Breaker.Enabled {
		counters, err = breaker.Wrap(counters, "gatekeep_store", cfg.Breaker, logger)
		if err != nil {
			log.Fatalf("failed to init circuit breaker: %v", err)
		}
	}

	if cfg.APIKeys.Enabled {
		if rdb != nil {
			directory = apikeys.NewRedisDirectory(rdb, cfg.APIKeys.CacheTTL(), logger)
		} else {
			directory = apikeys.NewStaticDirectory(cfg.APIKeys.Static)
		}
	}

	engine, err := core.New(core.Options{
		Store:        counters,
		Directory:    directory,
		DefaultLimit: cfg.DefaultLimit,
		FailPolicy:   cfg.FailPolicy(),
		Metrics:      rec,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("failed to init engine: %v", err)
	}

	resolver := identity.NewResolver()
	if cfg.APIKeys.HeaderName != "" {
		resolver.APIKeyHeader = cfg.APIKeys.HeaderName
	}

	opts := []api.ServerOption{
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	if cfg.APIKeys.Enabled && cfg.APIKeys.Require {
		opts = append(opts, api.WithRequiredAPIKey())
	}
	// Demo downstream behind the admission middleware; real deployments
	// mount their own handler or reverse proxy here.
	opts = append(opts, api.WithGuardedHandler("/demo", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","request_id":"` + api.RequestIDFrom(r.Context()) + `"}`))
	})))
	if redisDir, ok := directory.(*apikeys.RedisDirectory); ok {
		opts = append(opts, api.WithAdminDirectory(redisDir))
	}
	srv := api.NewServer(cfg.Server, engine, resolver, logger, opts...)

	go func() {
		logger.Info("server is running", "addr", cfg.Server.HTTPAddr, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server shutdown failed: %v", err)
	}
	logger.Info("server exited properly")
}
