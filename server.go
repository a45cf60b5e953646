package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"omnitak/adminapi"
	"omnitak/aggregator"
	"omnitak/concurrency"
	"omnitak/distributor"
	"omnitak/filter"
	"omnitak/framer"
	"omnitak/health"
	"omnitak/metrics"
	"omnitak/pool"
	"omnitak/transport"
)

// DaemonConfig bundles every flag-derived setting the daemon needs to wire
// its components together.
type DaemonConfig struct {
	ListenAddr        string
	AdminAddr         string
	MaxConnections    int
	MaxConcurrent     int64
	RequireClientCert bool
	AutoReconnect     bool
	RouteStrategy     filter.Strategy
	TLSConfig         *tls.Config
}

// Server owns every long-running component of the omnitak daemon — the
// endpoint pool, aggregator, distributor, health monitor, TLS listener, and
// admin HTTP surface — and runs them together until the context is
// cancelled.
type Server struct {
	cfg        DaemonConfig
	log        *slog.Logger
	registry   *pool.Registry
	metricsReg *metrics.Registry

	pool     *pool.Pool
	routes   *filter.RouteTable
	agg      *aggregator.Aggregator
	dist     *distributor.Distributor
	monitor  *health.Monitor
	limiter  *concurrency.Limiter
	listener *transport.Listener
	admin    *adminapi.Server
}

// NewServer wires every component per cfg. registry must already be open.
// metricsReg may be nil, in which case every component's metrics hooks are
// no-ops and only the plain atomic counters (Stats()) are recorded.
func NewServer(cfg DaemonConfig, registry *pool.Registry, metricsReg *metrics.Registry, log *slog.Logger) *Server {
	routes := filter.NewRouteTable(cfg.RouteStrategy)
	limiter := concurrency.New(cfg.MaxConcurrent)
	dedup := aggregator.NewDeduplicationCache()

	s := &Server{cfg: cfg, log: log, registry: registry, metricsReg: metricsReg, routes: routes, limiter: limiter}

	s.pool = pool.New(cfg.MaxConnections, func(data []byte, source pool.ConnectionID, receivedAt time.Time) {
		s.agg.Submit(data, string(source), receivedAt)
	}, log)
	s.pool.AttachMetrics(metricsReg)

	s.monitor = health.NewMonitor(s.pool, nil, log, health.WithAutoReconnect(cfg.AutoReconnect))
	s.dist = distributor.New(s.pool, routes, log, distributor.WithMetrics(metricsReg))
	s.agg = aggregator.New(dedup, s.dist.Sink(), log, aggregator.WithMetrics(metricsReg))
	s.admin = adminapi.New(s.pool, routes, registry)
	s.listener = transport.NewListener(transport.ListenerConfig{
		Addr:              cfg.ListenAddr,
		MaxConnections:    cfg.MaxConnections,
		TLSConfig:         cfg.TLSConfig,
		RequireClientCert: cfg.RequireClientCert,
		FramerMode:        framer.ModeXML,
	}, s.pool, log)
	s.listener.AttachMetrics(metricsReg)

	return s
}

// Pool exposes the underlying connection pool, e.g. for RunMetrics.
func (s *Server) Pool() *pool.Pool { return s.pool }

// Aggregator exposes the underlying aggregator, e.g. for RunMetrics.
func (s *Server) Aggregator() *aggregator.Aggregator { return s.agg }

// Distributor exposes the underlying distributor, e.g. for RunMetrics.
func (s *Server) Distributor() *distributor.Distributor { return s.dist }

// Run starts every component and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.agg.Run(ctx)
	go s.monitor.Run(ctx)
	go s.dist.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := s.listener.Run(ctx); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	go func() {
		if err := s.admin.Run(ctx, s.cfg.AdminAddr); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down omnitak")
		return nil
	case err := <-errCh:
		return err
	}
}
