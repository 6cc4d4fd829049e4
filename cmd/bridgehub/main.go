// Command bridgehub starts the state-first integration hub: it dials the
// Companion Satellite upstream, accepts application WebSocket clients, and
// routes envelopes between them (spec.md §6 "external interfaces").
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bridgehub/internal/config"
	"bridgehub/internal/router"
	"bridgehub/internal/state"
	"bridgehub/internal/subscription"
	"bridgehub/internal/transport"
	"bridgehub/internal/upstream"
)

const version = "1.0.0"

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML configuration file")
		validate   = flag.Bool("validate", false, "validate the configuration and exit")
		showVer    = flag.Bool("v", false, "print the version and exit")
	)
	flag.StringVar(configPath, "c", *configPath, "path to a YAML configuration file (shorthand)")
	flag.BoolVar(showVer, "version", false, "print the version and exit (long form)")
	flag.Parse()

	if *showVer {
		fmt.Println("bridgehub " + version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Error loading configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	if *validate {
		fmt.Println("✅ Configuration is valid")
		return
	}

	fmt.Println("🚀 Starting bridgehub...")
	fmt.Print(cfg.Summary())

	startedAt := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════
	// FASE 1: Store, suscripciones y router (núcleo del sistema)
	// ═══════════════════════════════════════════════════════════
	fmt.Println("\n📦 Initializing state store and router...")
	store := state.New(nil)
	subs := subscription.NewManager(nil)
	r := router.NewRouter(store, subs, router.Config{
		IdempotencyEnabled: cfg.Router.IdempotencyEnabled,
		IdempotencyTTLMs:   cfg.Router.IdempotencyTTLMs,
	}, nil)
	r.Start(ctx)
	fmt.Println("✅ Router started")

	// ═══════════════════════════════════════════════════════════
	// FASE 2: Adaptador upstream hacia Companion Satellite
	// ═══════════════════════════════════════════════════════════
	fmt.Printf("\n🔌 Connecting to Companion Satellite at %s:%d...\n", cfg.Companion.Host, cfg.Companion.Port)
	adapter := upstream.New(upstream.Config{
		Host:                 cfg.Companion.Host,
		Port:                 cfg.Companion.Port,
		DeviceID:             cfg.Companion.DeviceID,
		ProductName:          cfg.Companion.ProductName,
		KeysPerRow:           cfg.Companion.KeysPerRow,
		KeysTotal:            cfg.Companion.KeysTotal,
		BitmapSize:           cfg.Companion.BitmapSize,
		AutoReconnect:        cfg.Companion.AutoReconnect,
		ReconnectDelayMs:     cfg.Companion.ReconnectDelayMs,
		MaxReconnectAttempts: cfg.Companion.MaxReconnectAttempts,
		HeartbeatIntervalMs:  cfg.Companion.HeartbeatIntervalMs,
		ConnectionTimeoutMs:  cfg.Companion.ConnectionTimeoutMs,
	}, store, r, nil)

	if err := r.RegisterTarget(adapter); err != nil {
		log.Fatalf("❌ Error registering upstream adapter: %v", err)
	}
	if err := adapter.Start(ctx); err != nil {
		log.Fatalf("❌ Error starting upstream adapter: %v", err)
	}
	fmt.Println("✅ Upstream adapter started (reconnects in the background if the dial fails)")

	// ═══════════════════════════════════════════════════════════
	// FASE 3: Transporte de clientes de aplicación
	// ═══════════════════════════════════════════════════════════
	fmt.Printf("\n🌐 Starting client transport on %s:%d...\n", cfg.Transport.Host, cfg.Transport.Port)
	tsrv := transport.NewServer(transport.Config{
		Host:                         cfg.Transport.Host,
		Port:                         cfg.Transport.Port,
		MaxClients:                   cfg.Transport.MaxClients,
		RateLimit:                    cfg.Transport.RateLimit,
		RateLimitWindow:              time.Duration(cfg.Transport.RateLimitWindowMs) * time.Millisecond,
		IdleTimeout:                  time.Duration(cfg.Transport.IdleTimeoutMs) * time.Millisecond,
		RequireAuth:                  cfg.Transport.RequireAuth,
		AuthTokens:                   cfg.Transport.AuthTokens,
		EnableCompression:            cfg.Transport.EnableCompression,
		MaxMessageSize:               cfg.Transport.MaxMessageSize,
		HeartbeatInterval:            time.Duration(cfg.Transport.HeartbeatIntervalMs) * time.Millisecond,
		ConnectionRateLimitEnabled:   cfg.Transport.ConnectionRateLimitEnabled,
		ConnectionRateLimitPerSecond: cfg.Transport.ConnectionRateLimitPerSecond,
		ConnectionRateLimitBurst:     cfg.Transport.ConnectionRateLimitBurst,
	}, r, r, nil)

	clientMux := http.NewServeMux()
	clientMux.Handle("/", tsrv)
	clientServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port), Handler: clientMux}
	go func() {
		if err := clientServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Client transport server error: %v", err)
		}
	}()
	fmt.Println("✅ Client transport started")

	// ═══════════════════════════════════════════════════════════
	// FASE 4: Endpoints de observabilidad (/health, /metrics)
	// ═══════════════════════════════════════════════════════════
	fmt.Printf("\n📊 Starting observability endpoints on %s:%d...\n", cfg.Observability.Host, cfg.Observability.Port)
	obsMux := http.NewServeMux()
	obsMux.HandleFunc("/health", healthHandler(adapter, startedAt))
	obsMux.Handle("/metrics", promhttp.Handler())
	obsServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Observability.Host, cfg.Observability.Port), Handler: obsMux}
	go func() {
		if err := obsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Observability server error: %v", err)
		}
	}()
	fmt.Println("✅ Observability endpoints started")

	fmt.Println("\n═══════════════════════════════════════════════════")
	fmt.Printf("🏥 Health: http://%s:%d/health\n", cfg.Observability.Host, cfg.Observability.Port)
	fmt.Printf("📈 Metrics: http://%s:%d/metrics\n", cfg.Observability.Host, cfg.Observability.Port)
	fmt.Printf("🔗 Client WebSocket: ws://%s:%d/\n", cfg.Transport.Host, cfg.Transport.Port)
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Println("🔥 Press Ctrl+C to stop")

	// ═══════════════════════════════════════════════════════════
	// Cierre graceful
	// ═══════════════════════════════════════════════════════════
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("\n🛑 Shutting down bridgehub...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	tsrv.Shutdown()
	_ = clientServer.Shutdown(shutdownCtx)
	_ = obsServer.Shutdown(shutdownCtx)
	_ = adapter.Stop()
	r.Stop()

	fmt.Println("✅ bridgehub stopped gracefully")
}

// healthResponse matches the teacher's APIResponse-derived health body
// shape (spec.md §6: "a JSON body {status, uptime, checks}").
type healthResponse struct {
	Status  string                 `json:"status"`
	Uptime  string                 `json:"uptime"`
	Version string                 `json:"version"`
	Checks  map[string]checkResult `json:"checks"`
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// healthChecker is the slice of *upstream.Adapter a health check needs.
type healthChecker interface {
	CheckHealth() (string, error)
}

func healthHandler(adapter healthChecker, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		companionStatus, err := adapter.CheckHealth()

		checks := map[string]checkResult{
			"companion": {Status: companionStatus},
		}
		if err != nil {
			checks["companion"] = checkResult{Status: companionStatus, Error: err.Error()}
		}

		overall := "healthy"
		for _, c := range checks {
			if c.Status == "unhealthy" {
				overall = "unhealthy"
				break
			}
			if c.Status == "degraded" {
				overall = "degraded"
			}
		}

		resp := healthResponse{
			Status:  overall,
			Uptime:  time.Since(startedAt).Round(time.Second).String(),
			Version: version,
			Checks:  checks,
		}

		w.Header().Set("Content-Type", "application/json")
		switch overall {
		case "healthy":
			w.WriteHeader(http.StatusOK)
		case "degraded":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
