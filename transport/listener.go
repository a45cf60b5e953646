package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"omnitak/framer"
	"omnitak/metrics"
	"omnitak/pool"
)

// ListenerConfig configures an inbound accept loop.
type ListenerConfig struct {
	Addr              string
	MaxConnections    int
	TLSConfig         *tls.Config // nil accepts plain TCP
	RequireClientCert bool        // mutual TLS: reject handshakes without a verified client cert
	FramerMode        framer.Mode
	MaxFrameSize      int
	Priority          uint8
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = framer.DefaultMaxFrameSize
	}
	if c.Priority == 0 {
		c.Priority = 128
	}
	return c
}

// Listener accepts inbound TCP/TLS connections and registers each as a Pool
// endpoint under a synthetic ConnectionID (spec §4.4).
type Listener struct {
	cfg  ListenerConfig
	pool *pool.Pool
	log  *slog.Logger

	accepted atomic.Uint64
	rejected atomic.Uint64

	metricAccepted metrics.Counter
	metricRejected metrics.Counter
}

// NewListener constructs a Listener bound to p, the Pool new connections
// will be registered into.
func NewListener(cfg ListenerConfig, p *pool.Pool, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Listener{cfg: cfg.withDefaults(), pool: p, log: log}
}

// AttachMetrics registers the Listener's accepted/rejected counters against
// reg. nil is safe to pass (no-op). Call once, before Run.
func (l *Listener) AttachMetrics(reg *metrics.Registry) {
	if reg == nil {
		return
	}
	l.metricAccepted = reg.NewCounter("omnitak_listener_accepted_total", "inbound connections accepted")
	l.metricRejected = reg.NewCounter("omnitak_listener_rejected_total", "inbound connections rejected")
}

// Stats returns cumulative accepted and rejected connection counts.
func (l *Listener) Stats() (accepted, rejected uint64) {
	return l.accepted.Load(), l.rejected.Load()
}

func (l *Listener) recordRejected() {
	l.rejected.Add(1)
	if l.metricRejected != nil {
		l.metricRejected.Inc()
	}
}

// Run binds the listen address and accepts connections until ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", l.cfg.Addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.log.Info("listener accepting connections", "addr", l.cfg.Addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.log.Warn("accept failed", "error", err)
			continue
		}
		l.accepted.Add(1)
		if l.metricAccepted != nil {
			l.metricAccepted.Inc()
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	if l.pool.Len() >= l.cfg.MaxConnections {
		l.recordRejected()
		conn.Close()
		return
	}

	if l.cfg.TLSConfig != nil {
		serverCfg := l.cfg.TLSConfig.Clone()
		if l.cfg.RequireClientCert {
			serverCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
		tlsConn := tls.Server(conn, serverCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			l.recordRejected()
			l.log.Warn("tls handshake failed, dropping connection", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			return
		}
		conn = tlsConn
	}

	id := pool.ConnectionID(uuid.New().String())
	addr := conn.RemoteAddr().String()

	ep, err := l.pool.AddConnection(id, addr, addr, l.cfg.Priority, conn, nil)
	if err != nil {
		l.recordRejected()
		conn.Close()
		return
	}
	defer l.pool.RemoveConnection(ep.ID)

	fr := framer.New(conn, l.cfg.FramerMode, l.cfg.MaxFrameSize, l.log)
	for {
		frame, err := fr.Next()
		if err != nil {
			return
		}
		l.pool.SendToConnection(id, frame)
	}
}
