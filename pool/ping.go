package pool

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// pingMarker is the generic liveness-probe payload used when an endpoint
// supplies no transport-specific PingFunc (e.g. WebSocket ping frames).
// pongMarker is what a cooperating peer is expected to loop back; in
// practice the transport layer intercepts genuine wire pongs and calls
// notifyPong directly, bypassing the Out channel below.
var pingMarker = []byte("\x00OMNITAK-PING\x00")
var pongMarkerBytes = []byte("\x00OMNITAK-PONG\x00")

func isPongMarker(b []byte) bool { return bytes.Equal(b, pongMarkerBytes) }

// Ping implements health.Pinger: it probes id's liveness, preferring the
// endpoint's own PingFunc (set by a WebSocket transport.ClientEndpoint to a
// WebSocket ping) and falling back to a generic
// marker-and-wait probe otherwise.
func (p *Pool) Ping(ctx context.Context, id string, timeout time.Duration) error {
	ep, ok := p.get(ConnectionID(id))
	if !ok {
		return ErrNotFound
	}

	wait := make(chan struct{}, 1)
	ep.pongMu.Lock()
	ep.pongWait = wait
	ep.pongMu.Unlock()
	defer func() {
		ep.pongMu.Lock()
		if ep.pongWait == wait {
			ep.pongWait = nil
		}
		ep.pongMu.Unlock()
	}()

	if ep.ping != nil {
		// A transport-specific ping (e.g. a WebSocket control frame) only
		// confirms the write succeeded — it still must wait for the peer's
		// pong (delivered via NotifyPong) within timeout, exactly like the
		// generic marker-and-wait probe below, or a stalled connection whose
		// writes keep succeeding would never trip the breaker.
		if err := ep.ping(); err != nil {
			return err
		}
	} else {
		select {
		case ep.Out <- pingMarker:
		default:
			return fmt.Errorf("pool: outbound channel full, cannot probe %s", id)
		}
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("pool: ping to %s timed out after %s", id, timeout)
	}
}

// NotifyPong is called by the transport layer when a genuine wire-level pong
// arrives for id, resolving any in-flight generic probe.
func (p *Pool) NotifyPong(id ConnectionID) {
	p.notifyPong(id)
}

func (p *Pool) notifyPong(id ConnectionID) {
	ep, ok := p.get(id)
	if !ok {
		return
	}
	ep.pongMu.Lock()
	if ep.pongWait != nil {
		select {
		case ep.pongWait <- struct{}{}:
		default:
		}
	}
	ep.pongMu.Unlock()
}
