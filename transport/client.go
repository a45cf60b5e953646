package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"omnitak/certutil"
	"omnitak/framer"
	"omnitak/metrics"
	"omnitak/pool"
)

// ClientConfig configures one outbound ClientEndpoint.
type ClientConfig struct {
	ID       pool.ConnectionID
	Name     string
	Addr     string // host:port
	Priority uint8

	FramerMode   framer.Mode // ignored when WebSocket is true
	MaxFrameSize int

	TLSConfig      *tls.Config // nil dials plain TCP, useful for tests
	ConnectTimeout time.Duration

	WebSocket      bool
	WSPath         string
	WSPingInterval time.Duration
	WSPongTimeout  time.Duration

	Reconnect ReconnectPolicy
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = framer.DefaultMaxFrameSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WSPingInterval == 0 {
		c.WSPingInterval = 30 * time.Second
	}
	if c.WSPongTimeout == 0 {
		c.WSPongTimeout = 10 * time.Second
	}
	if c.Reconnect == (ReconnectPolicy{}) {
		c.Reconnect = DefaultReconnectPolicy()
	}
	if c.Priority == 0 {
		c.Priority = 128
	}
	return c
}

// ClientEndpoint owns one outbound connection's lifecycle: dial, handshake,
// registration with the Pool, framed reads, and reconnect-with-backoff on
// transient failure (spec §4.3).
type ClientEndpoint struct {
	cfg  ClientConfig
	pool *pool.Pool
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	attempt int
	conn    net.Conn
	forceCh chan struct{}

	stop chan struct{}

	metricReconnects metrics.Counter
	metricFailures   metrics.Counter
}

// AttachMetrics registers the ClientEndpoint's reconnect-attempt and
// permanent-failure counters against reg. nil is safe to pass (no-op). Call
// once, before Run.
func (c *ClientEndpoint) AttachMetrics(reg *metrics.Registry) {
	if reg == nil {
		return
	}
	c.metricReconnects = reg.NewCounter("omnitak_client_reconnects_total", "reconnect attempts by a ClientEndpoint")
	c.metricFailures = reg.NewCounter("omnitak_client_failures_total", "ClientEndpoint runs ending in a permanent or exhausted-retry failure")
}

// NewClientEndpoint constructs a ClientEndpoint. p is the Pool it will
// register into once connected.
func NewClientEndpoint(cfg ClientConfig, p *pool.Pool, log *slog.Logger) *ClientEndpoint {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ClientEndpoint{
		cfg:     cfg.withDefaults(),
		pool:    p,
		log:     log,
		state:   Disconnected,
		stop:    make(chan struct{}),
		forceCh: make(chan struct{}, 1),
	}
}

// State returns the endpoint's current lifecycle state.
func (c *ClientEndpoint) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the endpoint currently believes it is
// connected (spec §4.3, is_connected).
func (c *ClientEndpoint) IsConnected() bool {
	return c.State() == Connected
}

func (c *ClientEndpoint) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send forwards data to this endpoint's outbound channel via the Pool
// (spec §4.3, send(event_bytes)).
func (c *ClientEndpoint) Send(data []byte) error {
	return c.pool.SendOutbound(c.cfg.ID, data)
}

// HealthCheck probes liveness via the Pool (spec §4.3, health_check).
func (c *ClientEndpoint) HealthCheck(ctx context.Context, timeout time.Duration) error {
	return c.pool.Ping(ctx, string(c.cfg.ID), timeout)
}

// RequestReconnect satisfies health.Reconnector: force the current
// connection closed so the Run loop's reader unblocks and the reconnect
// path takes over. id is ignored beyond identity (a ClientEndpoint only
// ever represents one connection).
func (c *ClientEndpoint) RequestReconnect(id string) {
	if id != string(c.cfg.ID) {
		return
	}
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Disconnect stops the Run loop permanently.
func (c *ClientEndpoint) Disconnect() {
	close(c.stop)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.pool.RemoveConnection(c.cfg.ID)
}

// Run drives the Disconnected → Connecting → Connected → (Reconnecting →
// Connecting → …) → Failed state machine until ctx is cancelled, Disconnect
// is called, or the retry budget is exhausted (spec §4.3).
func (c *ClientEndpoint) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return ctx.Err()
		case <-c.stop:
			c.setState(Disconnected)
			return nil
		default:
		}

		c.setState(Connecting)
		err := c.connectAndServe(ctx)
		if err == nil {
			c.setState(Disconnected)
			return nil
		}

		if isPermanent(err) {
			c.log.Error("client endpoint hit a permanent error, not reconnecting", "id", c.cfg.ID, "error", err)
			c.setState(Failed)
			if c.metricFailures != nil {
				c.metricFailures.Inc()
			}
			return err
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()
		if c.metricReconnects != nil {
			c.metricReconnects.Inc()
		}

		if c.cfg.Reconnect.exhausted(attempt) {
			c.log.Error("client endpoint exhausted its reconnect budget", "id", c.cfg.ID, "attempts", attempt)
			c.setState(Failed)
			if c.metricFailures != nil {
				c.metricFailures.Inc()
			}
			return fmt.Errorf("transport: %s exhausted reconnect budget after %d attempts: %w", c.cfg.ID, attempt, err)
		}

		c.setState(Reconnecting)
		d := c.cfg.Reconnect.delay(attempt)
		c.log.Warn("client endpoint reconnecting", "id", c.cfg.ID, "attempt", attempt, "delay", d, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-time.After(d):
		}
	}
}

// connectAndServe dials, registers with the Pool, and blocks on the read
// loop until a fatal error. A nil return means a clean explicit
// disconnect; any other return is classified by the caller as permanent or
// transient.
func (c *ClientEndpoint) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if c.cfg.WebSocket {
		return c.connectAndServeWebSocket(dialCtx)
	}
	return c.connectAndServeRaw(dialCtx)
}

func (c *ClientEndpoint) connectAndServeRaw(dialCtx context.Context) error {
	var d net.Dialer
	rawConn, err := d.DialContext(dialCtx, "tcp", c.cfg.Addr)
	if err != nil {
		return err
	}

	conn := net.Conn(rawConn)
	if c.cfg.TLSConfig != nil {
		tlsConn := tls.Client(rawConn, c.cfg.TLSConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			rawConn.Close()
			return err
		}
		conn = tlsConn
	}

	c.mu.Lock()
	c.conn = conn
	c.attempt = 0 // Supplemented: resets on every successful Connected transition, not just at process start.
	c.mu.Unlock()
	c.setState(Connected)

	ep, err := c.pool.AddConnection(c.cfg.ID, c.cfg.Name, c.cfg.Addr, c.cfg.Priority, conn, nil)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.pool.RemoveConnection(ep.ID)

	fr := framer.New(conn, c.cfg.FramerMode, c.cfg.MaxFrameSize, c.log)
	for {
		frame, err := fr.Next()
		if err != nil {
			return err
		}
		c.pool.SendToConnection(c.cfg.ID, frame)
	}
}

// wsWriter adapts a *websocket.Conn into pool.Writer by sending each
// payload as a single WebSocket message.
type wsWriter struct {
	conn        *websocket.Conn
	mu          sync.Mutex
	messageType int
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(w.messageType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *ClientEndpoint) connectAndServeWebSocket(dialCtx context.Context) error {
	dialer := websocket.Dialer{
		TLSClientConfig:  c.cfg.TLSConfig,
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	scheme := "ws"
	if c.cfg.TLSConfig != nil {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, c.cfg.Addr, c.cfg.WSPath)

	wsConn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = wsConn.UnderlyingConn()
	c.attempt = 0
	c.mu.Unlock()
	c.setState(Connected)

	// Arm the read deadline now, covering the first ping cycle — the
	// SetPongHandler below only re-arms it once a pong actually arrives, so
	// without this a pong that never comes would block ReadMessage forever.
	if err := wsConn.SetReadDeadline(time.Now().Add(c.cfg.WSPingInterval + c.cfg.WSPongTimeout)); err != nil {
		wsConn.Close()
		return err
	}

	messageType := websocket.TextMessage
	writer := &wsWriter{conn: wsConn, messageType: messageType}

	pingFunc := func() error {
		return wsConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WSPongTimeout))
	}

	pongDeadlineExceeded := make(chan struct{}, 1)
	wsConn.SetPongHandler(func(string) error {
		c.pool.NotifyPong(c.cfg.ID)
		return wsConn.SetReadDeadline(time.Now().Add(c.cfg.WSPingInterval + c.cfg.WSPongTimeout))
	})

	ep, err := c.pool.AddConnection(c.cfg.ID, c.cfg.Name, c.cfg.Addr, c.cfg.Priority, writer, pingFunc)
	if err != nil {
		wsConn.Close()
		return err
	}
	defer c.pool.RemoveConnection(ep.ID)

	stopPinger := make(chan struct{})
	defer close(stopPinger)
	go func() {
		ticker := time.NewTicker(c.cfg.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPinger:
				return
			case <-ticker.C:
				if err := pingFunc(); err != nil {
					select {
					case pongDeadlineExceeded <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()

	for {
		select {
		case <-pongDeadlineExceeded:
			return fmt.Errorf("transport: websocket ping failed for %s", c.cfg.ID)
		default:
		}
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return err
		}
		c.pool.SendToConnection(c.cfg.ID, data)
	}
}

// BuildTLSConfigFromSource is a convenience wrapper combining certutil's
// bundle loader and TLS config builder for ClientConfig construction.
func BuildTLSConfigFromSource(src certutil.CertSource, serverName string) (*tls.Config, error) {
	bundle, err := certutil.Load(src)
	if err != nil {
		return nil, err
	}
	return certutil.BuildTLSConfig(bundle, serverName)
}
