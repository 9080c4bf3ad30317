// Command tenantstreamd runs one gateway instance of the presence and event
// distribution core: websocket gateway, presence registry, event publisher,
// cluster distribution adapter, and the presence query responders.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/example/tenantstream/internal/auth"
	"github.com/example/tenantstream/internal/cluster"
	"github.com/example/tenantstream/internal/config"
	"github.com/example/tenantstream/internal/event"
	"github.com/example/tenantstream/internal/gateway"
	"github.com/example/tenantstream/internal/presence"
	"github.com/example/tenantstream/internal/stats"
	"github.com/example/tenantstream/internal/store"
	"github.com/example/tenantstream/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars override)")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	otelShutdown, err := telemetry.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("tenantstream")

	slog.Info("Starting tenantstream gateway", "addr", cfg.Server.Addr, "store_url", cfg.Store.URL)

	// Connect the coordination store with bounded retries; when the store is
	// unreachable at startup, fall back to degraded single-instance mode so
	// local clients keep working.
	var st store.Store
	natsStore, err := store.ConnectNATS(ctx, store.NATSConfig{
		URL:            cfg.Store.URL,
		User:           cfg.Store.User,
		Password:       cfg.Store.Password,
		ConnectRetries: cfg.Store.ConnectRetries,
		RetryWait:      cfg.Store.RetryWait,
		MaxRetryWait:   cfg.Store.MaxRetryWait,
		Buckets:        store.Buckets(cfg.Presence.TTL),
	})
	if err != nil {
		slog.Warn("Coordination store unreachable — entering degraded single-instance mode", "error", err)
		st = store.NewMemoryStore(store.Buckets(cfg.Presence.TTL))
	} else {
		st = natsStore
	}
	defer st.Close()

	degraded := func() bool { return !st.Healthy() }

	registry := presence.NewRegistry(st, meter)
	publisher, err := event.NewPublisher(st, event.PublisherConfig{
		RecentSize: cfg.Events.RecentSize,
		MaxTenants: cfg.Events.MaxTenants,
		MaxPayload: cfg.Events.MaxPayload,
	}, meter)
	if err != nil {
		slog.Error("Failed to build event publisher", "error", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		JWKSURL:      cfg.Auth.JWKSURL,
		Issuer:       cfg.Auth.Issuer,
		ElevatedRole: cfg.Auth.ElevatedRole,
	})
	if err != nil {
		slog.Error("Failed to initialize credential verifier", "error", err)
		os.Exit(1)
	}
	defer verifier.Close()

	var sessions auth.SessionValidator = auth.AllowAll{}
	if cfg.Sessions.Mode == "sql" {
		sqlSessions, err := auth.NewSQLSessionValidator(cfg.Sessions.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect session database", "error", err)
			os.Exit(1)
		}
		defer sqlSessions.Close()
		sessions = auth.NewGuardedSessionValidator(sqlSessions,
			cfg.Sessions.BreakerThreshold, cfg.Sessions.BreakerCooldown)
	}

	gw := gateway.New(gateway.Config{
		SendBuffer:    cfg.Server.SendBuffer,
		SlowStrikes:   cfg.Server.SlowStrikes,
		TouchInterval: cfg.Presence.TouchInterval,
	}, registry, publisher, gateway.NewHub(), verifier, sessions, degraded, meter)

	adapter := cluster.NewAdapter(st, gw, meter)
	if err := adapter.Start(); err != nil {
		slog.Error("Failed to subscribe cluster event channels", "error", err)
		os.Exit(1)
	}
	defer adapter.Stop()

	queries := gateway.NewQueryResponder(registry, degraded)
	if err := queries.Start(st); err != nil {
		slog.Error("Failed to start presence query responders", "error", err)
		os.Exit(1)
	}
	defer queries.Stop()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	broadcaster := stats.NewBroadcaster(registry, publisher, cfg.Server.StatsInterval, 5)
	go broadcaster.Run(sigCtx)

	go runOrphanSweep(sigCtx, registry, cfg.Presence.CleanupInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	mux.HandleFunc("/healthz", gw.HandleHealth)
	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	go func() {
		slog.Info("Gateway listening", "addr", cfg.Server.Addr, "degraded", degraded())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-sigCtx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	gw.Close()

	slog.Info("Shutdown complete")
}

// runOrphanSweep periodically removes presence leftovers from crashed
// instances. The KV TTL is the correctness backstop; the sweep keeps the
// reverse and rank buckets tidy between expirations.
func runOrphanSweep(ctx context.Context, registry *presence.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := registry.CleanupOrphans(ctx); err != nil {
				slog.Warn("Orphan sweep failed", "error", err)
			} else if removed > 0 {
				slog.Info("Orphan sweep removed stale entries", "removed", removed)
			}
		}
	}
}
