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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	"github.com/palisade-ai/palisade/internal/analyze"
	"github.com/palisade-ai/palisade/internal/app"
	"github.com/palisade-ai/palisade/internal/auth"
	"github.com/palisade-ai/palisade/internal/cache"
	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/config"
	"github.com/palisade-ai/palisade/internal/controlplane"
	"github.com/palisade-ai/palisade/internal/keyring"
	"github.com/palisade-ai/palisade/internal/ratelimit"
	"github.com/palisade-ai/palisade/internal/route"
	"github.com/palisade-ai/palisade/internal/server"
	"github.com/palisade-ai/palisade/internal/storage/sqlite"
	"github.com/palisade-ai/palisade/internal/stream"
	"github.com/palisade-ai/palisade/internal/telemetry"
	"github.com/palisade-ai/palisade/internal/usage"
	"github.com/palisade-ai/palisade/internal/worker"
)

const dnsRefreshEvery = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store := config.NewStore(cfg, configPath)
	log := slog.Default()

	log.Info("starting palisade", "version", version,
		"gateway_addr", cfg.Gateway.Addr(), "admin_addr", cfg.Admin.Addr())

	cipher, err := config.NewCipher(os.Getenv("SECRETS_KEY"))
	if err != nil {
		return err
	}

	db, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, cipher, db); err != nil {
		return err
	}

	ring := keyring.NewManager(db, cipher)
	if err := ring.Load(ctx); err != nil {
		return err
	}

	engine := usage.NewEngine(db, log, usage.Config{})
	if len(cfg.Prices) > 0 {
		if _, _, err := engine.SetPrices(ctx, configRates(cfg.Prices)); err != nil {
			return err
		}
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: cfg.Breaker.FailRatio,
		MinSamples:     cfg.Breaker.MinSamples,
		WindowSeconds:  cfg.Breaker.WindowSeconds,
		Cooldown:       cfg.Breaker.Cooldown,
		MaxCooldown:    cfg.Breaker.MaxCooldown,
	})
	router := route.New(engine, ring, breakers, cfg.Routing.MaxCandidates, cfg.Routing.DecisionCacheTTL)

	var markers []string
	if len(cfg.Cache.VolatileMarkers) > 0 {
		markers = cfg.Cache.VolatileMarkers
	}
	analyzer := analyze.New(markers)

	respCache, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.ChatTTL)
	if err != nil {
		return err
	}

	hub := stream.NewHub(log, stream.Config{
		MaxPerTenant: cfg.Streams.MaxPerTenant,
		IdleTimeout:  cfg.Streams.IdleTimeout,
		NoticeBuffer: cfg.Streams.SendBuffer,
	})

	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)

	providers, err := buildProviders(ctx, cfg, resolver)
	if err != nil {
		return err
	}

	tenantAuth, err := auth.NewTenantKeyAuth(db)
	if err != nil {
		return err
	}

	quotas := ratelimit.NewTracker()
	dispatcher := app.NewDispatcher(app.Deps{
		Log:       log,
		Config:    store,
		Quotas:    quotas,
		Analyzer:  analyzer,
		Router:    router,
		Providers: providers,
		Breakers:  breakers,
		Keys:      ring,
		Cache:     respCache,
		Usage:     engine,
		Hub:       hub,
	})

	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, terr := telemetry.InitTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if terr != nil {
			return terr
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(sctx) //nolint:errcheck
		}()
	}

	gatewaySrv := &http.Server{
		Addr: cfg.Gateway.Addr(),
		Handler: server.New(server.Deps{
			Auth:       tenantAuth,
			Dispatcher: dispatcher,
			Config:     store,
			Metrics:    metrics,
			Gatherer:   gatherer,
			ReadyCheck: db.Ping,
			Tracing:    cfg.Telemetry.Tracing.Enabled,
		}),
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}
	adminSrv := &http.Server{
		Addr: cfg.Admin.Addr(),
		Handler: controlplane.New(controlplane.Deps{
			Config:     store,
			TenantKeys: app.NewTenantKeyService(db, tenantAuth),
			Keyring:    ring,
			Usage:      engine,
			Hub:        hub,
			Breakers:   breakers,
			Router:     router,
			Analyzer:   analyzer,
			Store:      db,
		}),
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
	}

	workers := []worker.Worker{
		worker.NewUsageRecorder(engine.Records(), db),
		worker.NewSweeper(sweepTargets(cfg, quotas, ring, breakers), hub, 0),
		worker.NewRotationWorker(ring),
	}
	if metrics != nil {
		workers = append(workers, worker.NewStatsPublisher(engine, hub, breakers, metrics, 0))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.NewRunner(workers...).Run(gctx) })
	g.Go(func() error {
		store.WatchSignals(gctx)
		return nil
	})
	g.Go(func() error { return serve(gctx, gatewaySrv, cfg.Gateway.ShutdownTimeout, log, "gateway") })
	g.Go(func() error { return serve(gctx, adminSrv, cfg.Admin.ShutdownTimeout, log, "admin") })

	log.Info("palisade ready")
	err = g.Wait()
	log.Info("palisade stopped")
	return err
}

// serve runs one HTTP listener until ctx is cancelled, then drains it
// within the shutdown budget.
func serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, log *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("listener up", "server", name, "addr", srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// refreshDNS keeps the shared resolver cache warm; stale entries otherwise
// pin dead upstream IPs after a provider failover.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	t := time.NewTicker(dnsRefreshEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			resolver.Refresh(true)
		}
	}
}

func configRates(entries []config.PriceEntry) []usage.Rate {
	rates := make([]usage.Rate, len(entries))
	for i, e := range entries {
		rates[i] = usage.Rate{
			Provider:    e.Provider,
			Model:       e.Model,
			InputPer1K:  e.InputPer1K,
			OutputPer1K: e.OutputPer1K,
			PerImage:    e.PerImage,
			PerMinute:   e.PerMinute,
		}
	}
	return rates
}

// sweepTargets builds the background eviction list. Retention must outlive
// the longest counter window: day quotas need more than 24h, breakers more
// than the maximum cooldown.
func sweepTargets(cfg *config.Config, quotas *ratelimit.Tracker, ring *keyring.Manager, breakers *circuitbreaker.Registry) []worker.SweepTarget {
	breakerAge := 2 * cfg.Breaker.MaxCooldown
	if breakerAge < time.Hour {
		breakerAge = time.Hour
	}
	return []worker.SweepTarget{
		{Name: "tenant_quotas", MaxAge: 48 * time.Hour, Evictor: quotas},
		{Name: "upstream_key_quotas", MaxAge: 48 * time.Hour, Evictor: ring},
		{Name: "breakers", MaxAge: breakerAge, Evictor: breakers},
	}
}
