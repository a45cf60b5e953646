// Command omnitak runs the tactical message aggregator: a TAK-protocol
// endpoint pool, deduplicating aggregator, rule-based distributor, health
// monitor, and read-only admin HTTP surface, wired together per SPEC_FULL.md.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"omnitak/filter"
	"omnitak/metrics"
	"omnitak/pool"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 && RunCLI(os.Args[1:]) {
		return
	}

	var (
		listenAddr     = flag.String("addr", defaultListenAddr, "TAK TLS listener address")
		adminAddr      = flag.String("admin-addr", defaultAdminAddr, "admin HTTP surface address")
		registryPath   = flag.String("db", defaultRegistryPath, "certificate fingerprint registry path")
		certValidity   = flag.Duration("cert-validity", defaultCertValidity, "self-signed certificate validity window")
		hostname       = flag.String("hostname", "omnitak", "self-signed certificate common name / SNI")
		maxConnections = flag.Int("max-connections", 1000, "maximum simultaneous endpoint connections")
		maxConcurrent  = flag.Int64("max-concurrent", 1000, "maximum simultaneous in-flight admissions")
		requireMTLS    = flag.Bool("require-client-cert", false, "require and verify client certificates on the listener")
		autoReconnect  = flag.Bool("auto-reconnect", true, "request reconnect when a client endpoint's breaker opens")
		routeStrategy  = flag.String("route-strategy", "all", "route evaluation strategy: all|first-match")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)
	log.Info("starting omnitak", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := pool.OpenRegistry(*registryPath, log)
	if err != nil {
		log.Error("open registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, *hostname, *listenAddr, *adminAddr)
	if err != nil {
		log.Error("generate tls config", "error", err)
		os.Exit(1)
	}
	if err := registry.Observe(fingerprint, *hostname); err != nil {
		log.Warn("observe self fingerprint", "error", err)
	}
	log.Info("self-signed certificate ready", "fingerprint", fingerprint)

	strategy := filter.All
	if *routeStrategy == "first-match" {
		strategy = filter.FirstMatch
	}

	metricsReg := metrics.NewRegistry()

	srv := NewServer(DaemonConfig{
		ListenAddr:        *listenAddr,
		AdminAddr:         *adminAddr,
		MaxConnections:    *maxConnections,
		MaxConcurrent:     *maxConcurrent,
		RequireClientCert: *requireMTLS,
		AutoReconnect:     *autoReconnect,
		RouteStrategy:     strategy,
		TLSConfig:         tlsConfig,
	}, registry, metricsReg, log)

	go RunMetrics(ctx, srv.Pool(), srv.Aggregator(), srv.Distributor(), metricsLogInterval, log)

	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
