// Package main is the entrypoint for the shard cache proxy. It loads
// configuration, wires up the backend pools, router, and client listener,
// and handles graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rvasconcelos/shardcache-proxy/internal/admission"
	"github.com/rvasconcelos/shardcache-proxy/internal/config"
	"github.com/rvasconcelos/shardcache-proxy/internal/coordinator"
	"github.com/rvasconcelos/shardcache-proxy/internal/health"
	"github.com/rvasconcelos/shardcache-proxy/internal/metrics"
	"github.com/rvasconcelos/shardcache-proxy/internal/pipeline"
	"github.com/rvasconcelos/shardcache-proxy/internal/pool"
	"github.com/rvasconcelos/shardcache-proxy/internal/router"
)

var configPath = flag.String("config", "configs/proxy.yaml", "Path to proxy configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] starting shard cache proxy")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] failed to load configuration: %v", err)
	}
	log.Printf("[main] configuration loaded: %d pools, instance=%s, routing=%s",
		len(cfg.Pools), cfg.InstanceID, cfg.Listener.RoutingType)
	for name, p := range cfg.Pools {
		log.Printf("[main]   pool %s: %d backends, conns=%d, cooloff=%v",
			name, len(p.Addresses), p.Conns, p.CooloffEnabled)
	}

	// ─── Initialize Metrics ──────────────────────────────────────────
	metrics.InstanceHeartbeat.WithLabelValues(cfg.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] metrics server listening on %s/metrics", cfg.Metrics.ListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] metrics server error: %v", err)
		}
	}()

	// ─── Phase 1 — Initialize Redis Coordinator ───────────────────────
	log.Println("[main] initializing coordinator...")
	bc, err := coordinator.NewBroadcaster(context.Background(), cfg.Coordinator.RedisAddr, cfg.InstanceID)
	if err != nil {
		log.Fatalf("[main] failed to initialize coordinator: %v", err)
	}
	defer func() {
		log.Println("[main] closing coordinator...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := bc.Close(shutCtx); err != nil {
			log.Printf("[main] coordinator close error: %v", err)
		}
	}()
	if bc.IsFallback() {
		log.Println("[main] coordinator started in FALLBACK mode (redis unavailable)")
	} else {
		log.Println("[main] coordinator ready (redis connected)")
	}

	hb := coordinator.NewHeartbeat(bc, cfg.InstanceID)
	hb.Start(context.Background())
	defer hb.Stop()

	// ─── Phase 2 — Initialize Backend Pools ───────────────────────────
	log.Println("[main] initializing backend pools...")
	poolMgr, err := pool.NewManager(context.Background(), cfg, bc)
	if err != nil {
		log.Fatalf("[main] failed to initialize pool manager: %v", err)
	}
	defer func() {
		log.Println("[main] closing pool manager...")
		poolMgr.Close()
	}()

	// ─── Phase 3 — Initialize Health Checker ──────────────────────────
	log.Println("[main] initializing health checker...")
	checker := buildChecker(cfg, poolMgr)
	healthServer := checker.ServeHTTP(cfg.Health.ListenAddr)

	log.Println("[main] running initial health check...")
	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		status := "ok"
		if comp.Status == health.StatusUnhealthy {
			status = "unhealthy"
		}
		log.Printf("[main]   %s %s: %s (latency: %s)", status, comp.Name, comp.Message, comp.Latency)
	}
	log.Printf("[main] overall health: %s", report.Status)

	healthCtx, healthCancel := context.WithCancel(context.Background())
	go checker.Run(healthCtx, cfg.Health.CheckInterval())
	defer healthCancel()

	// ─── Phase 4 — Initialize Router ──────────────────────────────────
	rt, err := router.New(cfg, poolMgr)
	if err != nil {
		log.Fatalf("[main] failed to initialize router: %v", err)
	}

	// ─── Phase 5 — Initialize Admission Gate ──────────────────────────
	gate := admission.NewGate("default", cfg.Listener.MaxInFlight, cfg.Listener.QueueTimeout())
	log.Printf("[main] admission gate ready (max_in_flight=%d, queue_timeout=%s)",
		cfg.Listener.MaxInFlight, cfg.Listener.QueueTimeout())

	// ─── Phase 6 — Start Client Listener ──────────────────────────────
	proxyServer := pipeline.NewServer(cfg.Listener.Address, rt, gate)
	if err := proxyServer.Start(context.Background()); err != nil {
		log.Fatalf("[main] failed to start listener: %v", err)
	}
	defer func() {
		log.Println("[main] stopping listener...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutCancel()
		if err := proxyServer.Stop(shutCtx); err != nil {
			log.Printf("[main] listener stop error: %v", err)
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] proxy is ready, waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.InstanceID).Set(0)

	// Deferred shutdown runs in reverse declaration order: listener,
	// router's router-owned goroutines die with the pools they wrap, pool
	// manager, coordinator. The health and metrics servers shut down here
	// explicitly since their Shutdown takes a context this scope controls.
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] metrics server shutdown error: %v", err)
	}
	if err := checker.Close(); err != nil {
		log.Printf("[main] health checker close error: %v", err)
	}

	log.Println("[main] shutdown complete")
}

// buildChecker assembles one active PING probe per backend across every
// configured pool, wired to that backend's passive cool-off health.State so
// active and passive signals feed the same state machine.
func buildChecker(cfg *config.Config, mgr *pool.Manager) *health.Checker {
	var probes []health.Probe
	for _, name := range mgr.Names() {
		p, ok := mgr.Pool(name)
		if !ok {
			continue
		}
		for addr, st := range p.States() {
			client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 2 * time.Second})
			probes = append(probes, health.Probe{
				Name:   fmt.Sprintf("%s/%s", name, addr),
				Client: client,
				State:  st,
			})
		}
	}
	return health.NewChecker(cfg.InstanceID, probes)
}
