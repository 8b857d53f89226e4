// Command orchestratord runs the control-plane HTTP/WebSocket server:
// scheduler, lease manager, run lifecycle, approval gate, and info
// request channel wired together over either the in-memory or
// Postgres store, depending on configuration. Graceful shutdown on
// SIGINT/SIGTERM follows the teacher's cmd/alex-server/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchestrator/controlplane/internal/approval"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/config"
	"github.com/orchestrator/controlplane/internal/crypto"
	"github.com/orchestrator/controlplane/internal/inforequest"
	"github.com/orchestrator/controlplane/internal/lease"
	"github.com/orchestrator/controlplane/internal/logbus"
	"github.com/orchestrator/controlplane/internal/logging"
	"github.com/orchestrator/controlplane/internal/observability"
	"github.com/orchestrator/controlplane/internal/quota"
	"github.com/orchestrator/controlplane/internal/retry"
	"github.com/orchestrator/controlplane/internal/runlifecycle"
	"github.com/orchestrator/controlplane/internal/scheduler"
	httpserver "github.com/orchestrator/controlplane/internal/server/http"
	"github.com/orchestrator/controlplane/internal/store"
	"github.com/orchestrator/controlplane/internal/store/memstore"
	"github.com/orchestrator/controlplane/internal/store/sqlstore"
)

// expireScanInterval is how often the lease manager sweeps for runs
// whose claim has lapsed. It is independent of any single run's TTL -
// shorter than the shortest realistic claim TTL so a reclaim is never
// far behind the lease actually expiring.
const expireScanInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a config file (optional; env vars and defaults otherwise)")
	flag.Parse()

	logger := logging.NewComponentLogger("orchestratord")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store: %v", err)
		os.Exit(1)
	}
	defer closeStore()

	clk := clock.Real
	bus := logbus.New(logger)
	meter := quota.New()
	gate := approval.New(st, clk, cfg.RequireApproval)

	defaultPolicy := retry.Policy{
		MaxRetries:         cfg.MaxRetries,
		BackoffBaseSeconds: cfg.BackoffBaseSeconds,
		JitterSeconds:      cfg.BackoffJitterSeconds,
	}

	sched := scheduler.New(st, gate, meter, clk, logger)

	budgetExceeded := func(ctx context.Context, workItemID string) (bool, error) {
		return runlifecycle.Exhausted(ctx, st, workItemID, defaultPolicy)
	}
	leaseMgr := lease.New(st, clk, bus, logger, budgetExceeded)
	lifecycle := runlifecycle.New(st, bus, leaseMgr, sched, clk, logger, defaultPolicy)

	var provider crypto.Provider = crypto.NoopProvider{}
	if cfg.SecretKey != "" {
		provider = crypto.NewAESGCMProvider(cfg.SecretKey)
	}
	infoChannel := inforequest.New(st, clk, provider, cfg.SecretKey)

	obs, err := observability.New(ctx, observability.Config{ServiceName: "orchestratord", OTLPEndpoint: cfg.OTLPEndpoint})
	if err != nil {
		logger.Error("observability: %v", err)
		os.Exit(1)
	}
	defer obs.Shutdown(context.Background())

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics(obs.Registry)
	}

	handler := httpserver.NewAPIHandler(
		st, sched, leaseMgr, lifecycle, gate, meter, infoChannel, bus, clk, logger, obs, metrics, cfg,
		httpserver.WithAuthToken(cfg.SecretKey),
		httpserver.WithCORSOrigins(cfg.CORSOrigins),
		httpserver.WithRateLimit(cfg.RateLimitPerMinute),
	)

	if cfg.SchedulerBackgroundInterval > 0 {
		sched.Start(ctx, cfg.SchedulerBackgroundInterval)
		defer sched.Stop()
	}
	go runExpireScan(ctx, lifecycle, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket log streams
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("orchestratord: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("orchestratord: server error: %v", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("orchestratord: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestratord: forced shutdown: %v", err)
		os.Exit(1)
	}
	logger.Info("orchestratord: stopped")
}

func runExpireScan(ctx context.Context, lifecycle *runlifecycle.Lifecycle, logger logging.Logger) {
	ticker := time.NewTicker(expireScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := lifecycle.ExpireScan(ctx); err != nil {
				logger.Warn("orchestratord: expire scan: %v", err)
			}
		}
	}
}

// buildStore picks the Postgres-backed store when a database URL is
// configured, falling back to the in-memory store for local/dev use;
// closeStore releases whatever resources the chosen backend opened.
func buildStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("orchestratord: using in-memory store (no database_url configured)")
		return memstore.New(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	st := sqlstore.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("orchestratord: using Postgres store")
	return st, pool.Close, nil
}
