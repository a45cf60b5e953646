package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"omnitak/metrics"
)

// ErrAtCapacity is returned by AddConnection when the pool already holds
// MaxConnections live endpoints.
var ErrAtCapacity = errors.New("pool: at max connections")

// ErrExists is returned by AddConnection when id is already registered.
var ErrExists = errors.New("pool: connection id already exists")

// ErrNotFound is returned when an operation names an unknown ConnectionID.
var ErrNotFound = errors.New("pool: connection not found")

// ErrRemoveTimeout is returned by RemoveConnection when the handler task did
// not finish within the shutdown grace period.
var ErrRemoveTimeout = errors.New("pool: handler task did not stop within grace period")

// RemoveGracePeriod bounds how long RemoveConnection waits for a handler
// task before giving up on it (§4.5).
const RemoveGracePeriod = 5 * time.Second

// InboundSink receives every message read off any endpoint's socket, tagged
// with its source, for the Aggregator to consume. Kept as a narrow function
// type (rather than importing the aggregator package) so pool has no
// dependency on it.
type InboundSink func(data []byte, source ConnectionID, receivedAt time.Time)

// Pool is the process-wide registry of live endpoints (§4.5).
type Pool struct {
	maxConnections int
	inbound        InboundSink
	log            *slog.Logger

	mu   sync.RWMutex
	byID map[ConnectionID]*Endpoint

	metricConnections metrics.Gauge
	metricAccepted    metrics.Counter
	metricRemoved     metrics.Counter
}

// AttachMetrics registers the Pool's connection-count gauge and
// accepted/removed counters against reg. nil is safe to pass (no-op). Call
// once, before the Pool starts accepting connections.
func (p *Pool) AttachMetrics(reg *metrics.Registry) {
	if reg == nil {
		return
	}
	p.metricConnections = reg.NewGauge("omnitak_pool_connections", "current registered endpoint count")
	p.metricAccepted = reg.NewCounter("omnitak_pool_connections_accepted_total", "endpoints ever registered")
	p.metricRemoved = reg.NewCounter("omnitak_pool_connections_removed_total", "endpoints ever removed")
}

// New constructs a Pool. inbound may be nil (inbound frames are dropped,
// useful in tests that only exercise Broadcast/SendToConnection).
func New(maxConnections int, inbound InboundSink, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		maxConnections: maxConnections,
		inbound:        inbound,
		log:            log,
		byID:           make(map[ConnectionID]*Endpoint),
	}
}

// AddConnection registers a new endpoint and spawns its handler task
// (pumping In into the Aggregator and Out onto the socket). Fails if the
// pool is at capacity or id already exists — both checks are atomic with
// respect to concurrent adds (testable property 8).
func (p *Pool) AddConnection(id ConnectionID, name, addr string, priority uint8, w Writer, ping PingFunc) (*Endpoint, error) {
	p.mu.Lock()
	if len(p.byID) >= p.maxConnections {
		p.mu.Unlock()
		return nil, ErrAtCapacity
	}
	if _, exists := p.byID[id]; exists {
		p.mu.Unlock()
		return nil, ErrExists
	}
	ep := newEndpoint(id, name, addr, priority, w, ping, DefaultChannelCapacity)
	p.byID[id] = ep
	p.mu.Unlock()

	if p.metricAccepted != nil {
		p.metricAccepted.Inc()
	}
	if p.metricConnections != nil {
		p.metricConnections.Inc()
	}

	go p.runHandler(ep)
	return ep, nil
}

func (p *Pool) runHandler(ep *Endpoint) {
	defer close(ep.done)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case msg, ok := <-ep.In:
				if !ok {
					return
				}
				ep.State.RecordReceived()
				if p.inbound != nil {
					p.inbound(msg, ep.ID, time.Now())
				}
			case <-ep.stop:
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case msg, ok := <-ep.Out:
				if !ok {
					return
				}
				if isPongMarker(msg) {
					p.notifyPong(ep.ID)
					continue
				}
				if _, err := ep.writer.Write(msg); err != nil {
					ep.State.RecordError(err.Error())
					p.log.Warn("endpoint write failed", "endpoint", ep.ID, "error", err)
				} else {
					ep.State.RecordSent()
				}
			case <-ep.stop:
				return
			}
		}
	}()

	wg.Wait()
}

// RemoveConnection signals the endpoint's handler task to stop, deactivates
// its state, and awaits completion under RemoveGracePeriod; on timeout it
// gives up waiting (the task is left to exit on its own, since Go provides
// no hard abort) and returns ErrRemoveTimeout.
func (p *Pool) RemoveConnection(id ConnectionID) error {
	p.mu.Lock()
	ep, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	delete(p.byID, id)
	p.mu.Unlock()

	if p.metricRemoved != nil {
		p.metricRemoved.Inc()
	}
	if p.metricConnections != nil {
		p.metricConnections.Dec()
	}

	ep.State.active.Store(false)
	close(ep.stop)

	select {
	case <-ep.done:
		return nil
	case <-time.After(RemoveGracePeriod):
		return ErrRemoveTimeout
	}
}

// SendToConnection forwards msg onto id's inbound channel (i.e. as if it had
// arrived from id, used to inject synthetic traffic such as pings) via a
// non-blocking send; a full channel is recorded as a drop, never a block.
func (p *Pool) SendToConnection(id ConnectionID, msg []byte) error {
	ep, ok := p.get(id)
	if !ok {
		return ErrNotFound
	}
	select {
	case ep.In <- msg:
		return nil
	default:
		ep.State.RecordError("inbound channel full, message dropped")
		return fmt.Errorf("pool: inbound channel full for %s", id)
	}
}

// SendOutbound enqueues msg for delivery to id over its socket, via the
// endpoint's outbound channel. Non-blocking; a full channel is a drop.
func (p *Pool) SendOutbound(id ConnectionID, msg []byte) error {
	ep, ok := p.get(id)
	if !ok {
		return ErrNotFound
	}
	select {
	case ep.Out <- msg:
		return nil
	default:
		ep.State.RecordError("outbound channel full, message dropped")
		return fmt.Errorf("pool: outbound channel full for %s", id)
	}
}

// Broadcast best-effort sends msg to every active endpoint's outbound
// channel, skipping (and counting as a per-endpoint drop) any that are full.
func (p *Pool) Broadcast(msg []byte) {
	for _, ep := range p.activeSnapshot() {
		select {
		case ep.Out <- msg:
		default:
			ep.State.RecordError("outbound channel full during broadcast")
		}
	}
}

// GetActiveConnections returns a snapshot of active endpoint ids.
func (p *Pool) GetActiveConnections() []ConnectionID {
	eps := p.activeSnapshot()
	ids := make([]ConnectionID, 0, len(eps))
	for _, ep := range eps {
		ids = append(ids, ep.ID)
	}
	return ids
}

// Get returns the endpoint for id, if present.
func (p *Pool) Get(id ConnectionID) (*Endpoint, bool) {
	return p.get(id)
}

func (p *Pool) get(id ConnectionID) (*Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ep, ok := p.byID[id]
	return ep, ok
}

func (p *Pool) activeSnapshot() []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Endpoint, 0, len(p.byID))
	for _, ep := range p.byID {
		if ep.State.Active() {
			out = append(out, ep)
		}
	}
	return out
}

// Len returns the current number of registered endpoints (active or not).
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}
