package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"omnitak/framer"
	"omnitak/pool"
)

func TestListenerAcceptsAndRegisters(t *testing.T) {
	var received []byte
	done := make(chan struct{})
	sink := func(data []byte, _ pool.ConnectionID, _ time.Time) {
		received = data
		close(done)
	}
	p := pool.New(10, sink, nil)

	l := NewListener(ListenerConfig{
		Addr:           "127.0.0.1:0",
		MaxConnections: 10,
		FramerMode:     framer.ModeNewline,
	}, p, nil)

	// Bind first so we can discover the ephemeral port before starting Run
	// in the background.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	l.cfg.Addr = addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var conn net.Conn
	deadline := time.Now().Add(time.Second)
	for {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial never succeeded: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("world\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener never forwarded the frame to the sink")
	}
	if string(received) != "world" {
		t.Errorf("received = %q, want world", received)
	}

	accepted, _ := l.Stats()
	if accepted == 0 {
		t.Error("expected at least one accepted connection to be recorded")
	}
}

func TestListenerRejectsBeyondMaxConnections(t *testing.T) {
	p := pool.New(10, nil, nil)
	l := NewListener(ListenerConfig{MaxConnections: 0}, p, nil)

	server, client := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		l.handle(context.Background(), server)
		close(done)
	}()

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err := client.Read(buf)
	if err == nil {
		t.Error("expected the connection to be closed immediately when at capacity")
	}
	<-done
	if _, rejected := l.Stats(); rejected != 1 {
		t.Errorf("rejected = %d, want 1", rejected)
	}
}
