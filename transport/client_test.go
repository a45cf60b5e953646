package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"omnitak/framer"
	"omnitak/pool"
)

func TestClientEndpointConnectsAndForwardsFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	var received []byte
	var source pool.ConnectionID
	done := make(chan struct{})
	sink := func(data []byte, src pool.ConnectionID, _ time.Time) {
		received = data
		source = src
		close(done)
	}
	p := pool.New(10, sink, nil)

	cfg := ClientConfig{
		ID:           "srv1",
		Name:         "srv1",
		Addr:         ln.Addr().String(),
		FramerMode:   framer.ModeNewline,
		ConnectTimeout: time.Second,
	}
	ce := NewClientEndpoint(cfg, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ce.Run(ctx)

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the client connection")
	}
	defer serverConn.Close()

	deadline := time.Now().Add(time.Second)
	for ce.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ce.State() != Connected {
		t.Fatalf("ClientEndpoint state = %v, want Connected", ce.State())
	}

	if _, err := serverConn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("inbound sink was never called")
	}
	if string(received) != "hello" || source != "srv1" {
		t.Errorf("got data=%q source=%q", received, source)
	}
}

func TestClientEndpointResetsAttemptCounterOnReconnect(t *testing.T) {
	// Supplemented feature: the attempt counter resets to zero on every
	// successful Connected transition, not just at process start.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	connCount := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			connCount <- conn
		}
	}()

	p := pool.New(10, nil, nil)
	cfg := ClientConfig{
		ID:             "srv1",
		Addr:           ln.Addr().String(),
		FramerMode:     framer.ModeNewline,
		ConnectTimeout: time.Second,
		Reconnect:      ReconnectPolicy{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2},
	}
	ce := NewClientEndpoint(cfg, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ce.Run(ctx)

	var first net.Conn
	select {
	case first = <-connCount:
	case <-time.After(time.Second):
		t.Fatal("first connection never accepted")
	}
	first.Close() // force a transient disconnect

	select {
	case <-connCount:
	case <-time.After(time.Second):
		t.Fatal("client never reconnected after the first connection was closed")
	}

	deadline := time.Now().Add(time.Second)
	for ce.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ce.mu.Lock()
	attempt := ce.attempt
	ce.mu.Unlock()
	if attempt != 0 {
		t.Errorf("attempt counter = %d after successful reconnect, want 0", attempt)
	}
}

// TestWebSocketSurvivesPingPongCycle exercises the happy path: a server that
// keeps reading (so gorilla/websocket auto-replies to our ping control
// frames with a pong) should keep the endpoint Connected across several
// ping/pong cycles.
func TestWebSocketSurvivesPingPongCycle(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")
	p := pool.New(10, nil, nil)
	cfg := ClientConfig{
		ID:             "ws1",
		Addr:           addr,
		WebSocket:      true,
		ConnectTimeout: time.Second,
		WSPingInterval: 20 * time.Millisecond,
		WSPongTimeout:  50 * time.Millisecond,
	}
	ce := NewClientEndpoint(cfg, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ce.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for ce.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ce.State() != Connected {
		t.Fatalf("ClientEndpoint state = %v, want Connected", ce.State())
	}

	// Survive several ping/pong cycles without dropping.
	time.Sleep(150 * time.Millisecond)
	if ce.State() != Connected {
		t.Fatalf("ClientEndpoint state = %v after several ping cycles, want Connected", ce.State())
	}
}

// TestWebSocketDisconnectsWhenPongNeverArrives exercises spec §4.3's
// pong-deadline requirement: a server that upgrades but never reads (so no
// pong, automatic or otherwise, is ever sent back) must cause the read
// deadline armed immediately after dial to expire and the endpoint to leave
// Connected, rather than blocking forever in ReadMessage.
func TestWebSocketDisconnectsWhenPongNeverArrives(t *testing.T) {
	upgrader := websocket.Upgrader{}
	accepted := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		close(accepted)
		// Deliberately never call ReadMessage: no control-frame handling,
		// so the client's pings are never acknowledged.
		<-r.Context().Done()
		conn.Close()
	}))
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")
	p := pool.New(10, nil, nil)
	cfg := ClientConfig{
		ID:             "ws2",
		Addr:           addr,
		WebSocket:      true,
		ConnectTimeout: time.Second,
		WSPingInterval: 20 * time.Millisecond,
		WSPongTimeout:  20 * time.Millisecond,
	}
	ce := NewClientEndpoint(cfg, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ce.Run(ctx)

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the websocket upgrade")
	}

	deadline := time.Now().Add(2 * time.Second)
	for ce.State() == Connected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ce.State() == Connected {
		t.Fatal("ClientEndpoint stayed Connected after the pong deadline elapsed, read deadline was never armed")
	}
}
