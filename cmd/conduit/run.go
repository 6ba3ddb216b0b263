package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/knnlabs/Conduit-sub015/internal/app"
	"github.com/knnlabs/Conduit-sub015/internal/cache"
	"github.com/knnlabs/Conduit-sub015/internal/capability"
	"github.com/knnlabs/Conduit-sub015/internal/circuitbreaker"
	"github.com/knnlabs/Conduit-sub015/internal/config"
	"github.com/knnlabs/Conduit-sub015/internal/provider"
	"github.com/knnlabs/Conduit-sub015/internal/ratelimit"
	"github.com/knnlabs/Conduit-sub015/internal/router"
	"github.com/knnlabs/Conduit-sub015/internal/server"
	"github.com/knnlabs/Conduit-sub015/internal/storage/sqlite"
	"github.com/knnlabs/Conduit-sub015/internal/telemetry"
	"github.com/knnlabs/Conduit-sub015/internal/vkey"
	"github.com/knnlabs/Conduit-sub015/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting conduit", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Telemetry
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Distributed cache tier. Absence or failure degrades to memory-only.
	instanceID := instanceID()
	var tier *cache.RedisTier
	if cfg.Redis.URL != "" {
		tier, err = cache.NewRedisTierFromURL(ctx, cfg.Redis.URL, instanceID, nil)
		if err != nil {
			slog.Warn("redis unavailable, running memory-only", "error", err)
			tier = nil
		} else {
			defer tier.Close()
		}
	} else {
		slog.Info("no REDIS_URL configured, running memory-only")
	}
	var collector *cache.Collector
	if tier != nil {
		collector = cache.NewCollector(instanceID, tier.Client())
	} else {
		collector = cache.NewCollector(instanceID, nil)
	}

	cacheMgr := cache.NewManager(tier, collector,
		cache.RegionConfig{
			Name:           cache.RegionDefault,
			DefaultTTL:     5 * time.Minute,
			UseMemory:      true,
			UseDistributed: true,
		},
		cache.RegionConfig{
			Name:           cache.RegionModelCapabilities,
			DefaultTTL:     time.Hour,
			UseMemory:      true,
			UseDistributed: true,
		},
		cache.RegionConfig{
			Name:           cache.RegionProviderResponses,
			DefaultTTL:     cfg.Cache.DefaultTTL,
			MaxTTL:         time.Hour,
			UseMemory:      cfg.Cache.Enabled,
			UseDistributed: cfg.Cache.Enabled,
			MaxEntries:     cfg.Cache.MaxSize,
			DetailedStats:  true,
		},
	)

	// Upstream plumbing
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)
	providers := provider.NewRegistry(resolver, providerBuilders(ctx))
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	routes := router.New(store, breakers)

	// Auth, budgets, capabilities
	auth, err := vkey.NewAuthenticator(store)
	if err != nil {
		return err
	}
	budget := vkey.NewBudgetManager(store, nil)
	caps := capability.NewService(store, cacheMgr)
	limits := ratelimit.NewRegistry()

	// Background workers
	recorder := worker.NewUsageRecorder(store, metrics)
	monitor := telemetry.NewHealthMonitor(collector, redisClient(tier), metrics,
		telemetry.ChannelsFromEnv(nil), telemetry.DefaultHealthConfig())
	runner := worker.NewRunner(
		recorder,
		worker.NewReservationSweeper(budget, metrics),
		worker.NewStatsPublisher(collector),
		worker.NewRegistryGC(limits, breakers),
		monitor,
	)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(workerCtx) }()

	// Request pipeline
	gateway := app.New(app.Deps{
		Router:       routes,
		Providers:    providers,
		Budget:       budget,
		Costs:        store,
		Capabilities: caps,
		Breakers:     breakers,
		Usage:        recorder,
		Traces:       telemetry.NewTraceLog(nil),
		Metrics:      metrics,
	})

	handler := server.New(server.Deps{
		Auth:           auth,
		Gateway:        gateway,
		Keys:           app.NewKeyManager(store),
		Store:          store,
		Models:         store,
		Providers:      providers,
		Routes:         routes,
		Limits:         limits,
		Health:         monitor,
		Metrics:        metrics,
		Gatherer:       reg,
		AdminKey:       cfg.Admin.Key,
		KeyInvalidator: auth,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("conduit ready", "addr", cfg.Server.Addr, "instance", instanceID)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		stopWorkers()
		<-workersDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the server so in-flight usage still lands.
	stopWorkers()
	<-workersDone

	slog.Info("conduit stopped")
	return nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "conduit"
	}
	return host + "-" + uuid.NewString()[:8]
}

func redisClient(tier *cache.RedisTier) *redis.Client {
	if tier == nil {
		return nil
	}
	return tier.Client()
}

// refreshDNS re-resolves cached DNS entries so long-lived connections do
// not pin dead upstream IPs.
func refreshDNS(ctx context.Context, r *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}
