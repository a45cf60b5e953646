// Package pool implements the process-wide registry of live endpoints: the
// sole owner of every connection's channels, task, and state (spec §4.5).
// Every other component holds only a ConnectionID and clones of channel
// senders, never the Endpoint itself — see §9 "Shared ownership".
package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionID is the stable string identity of one live endpoint, in
// either direction (outbound ClientEndpoint or inbound Listener accept).
type ConnectionID string

// DefaultChannelCapacity is the default bound on each endpoint's inbound and
// outbound channels (§3, Endpoint).
const DefaultChannelCapacity = 1000

// ConnectionState holds the atomics and small mutex-protected fields that
// make up an endpoint's liveness record (§3, Endpoint).
type ConnectionState struct {
	active           atomic.Bool
	lastMessageMicro atomic.Int64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	errorCount       atomic.Uint64

	mu        sync.Mutex
	lastError string
}

func newConnectionState() *ConnectionState {
	s := &ConnectionState{}
	s.active.Store(true)
	s.lastMessageMicro.Store(time.Now().UnixMicro())
	return s
}

func (s *ConnectionState) Active() bool { return s.active.Load() }

func (s *ConnectionState) LastMessageAt() time.Time {
	return time.UnixMicro(s.lastMessageMicro.Load())
}

func (s *ConnectionState) RecordSent() {
	s.messagesSent.Add(1)
	s.lastMessageMicro.Store(time.Now().UnixMicro())
}

func (s *ConnectionState) RecordReceived() {
	s.messagesReceived.Add(1)
	s.lastMessageMicro.Store(time.Now().UnixMicro())
}

func (s *ConnectionState) RecordError(reason string) {
	s.errorCount.Add(1)
	s.mu.Lock()
	s.lastError = reason
	s.mu.Unlock()
}

func (s *ConnectionState) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Counters is a point-in-time snapshot of a ConnectionState, for operator
// surfaces that want a consistent read without holding references.
type Counters struct {
	Active           bool
	LastMessageAt    time.Time
	MessagesSent     uint64
	MessagesReceived uint64
	Errors           uint64
	LastError        string
}

func (s *ConnectionState) Snapshot() Counters {
	return Counters{
		Active:           s.Active(),
		LastMessageAt:    s.LastMessageAt(),
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		Errors:           s.errorCount.Load(),
		LastError:        s.LastError(),
	}
}

// Writer is the capability Endpoint needs from its underlying socket: an
// outbound byte sink. transport.ClientEndpoint and transport.Listener supply
// their net.Conn (or, for WebSocket, a message writer) as the Writer.
type Writer interface {
	Write(p []byte) (int, error)
}

// PingFunc is an endpoint-specific health probe, e.g. a WebSocket ping frame
// or a zero-length TCP write; supplied by the transport layer at
// AddConnection time. If nil, Pool.Ping falls back to a generic
// marker-and-pong-channel probe.
type PingFunc func() error

// Endpoint is one live connection, owned exclusively by the Pool.
type Endpoint struct {
	ID       ConnectionID
	Name     string
	Addr     string
	Priority uint8

	In  chan []byte
	Out chan []byte

	State     *ConnectionState
	CreatedAt time.Time

	writer Writer
	ping   PingFunc

	stop chan struct{}
	done chan struct{}

	pongMu   sync.Mutex
	pongWait chan struct{}
}

// Done returns a channel closed once the endpoint's handler task has fully
// exited, for callers (e.g. the Distributor's BlockOnFull strategy) that
// need to stop waiting on a dead endpoint's Out channel.
func (ep *Endpoint) Done() <-chan struct{} { return ep.done }

func newEndpoint(id ConnectionID, name, addr string, priority uint8, w Writer, ping PingFunc, capacity int) *Endpoint {
	return &Endpoint{
		ID:        id,
		Name:      name,
		Addr:      addr,
		Priority:  priority,
		In:        make(chan []byte, capacity),
		Out:       make(chan []byte, capacity),
		State:     newConnectionState(),
		CreatedAt: time.Now(),
		writer:    w,
		ping:      ping,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}
