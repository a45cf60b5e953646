// Package distributor drains unique messages handed off by the Aggregator,
// evaluates the FilterEngine/RouteTable against each, and enqueues the
// message onto every matching endpoint's outbound channel under a
// configurable backpressure policy (spec §4.7).
package distributor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"omnitak/aggregator"
	"omnitak/cot"
	"omnitak/filter"
	"omnitak/metrics"
	"omnitak/pool"
)

const (
	DefaultInboundCapacity = 10_000
	DefaultWorkers         = 16
	DefaultBatchSize       = 100
	DefaultFlushInterval   = 10 * time.Millisecond
)

// Strategy selects how a send to a full outbound channel is handled.
type Strategy int

const (
	// DropOnFull try-sends; a full channel increments the drop counter and
	// is never retried.
	DropOnFull Strategy = iota
	// BlockOnFull awaits channel space (or the endpoint's handler exiting).
	BlockOnFull
	// TryForTimeout races the send against a timer, treating expiry as a
	// drop.
	TryForTimeout
)

// Sender is the narrow view of the Pool the Distributor needs: enough to
// snapshot active endpoints and place a message on one's outbound channel
// without taking a hard dependency on Pool's full API.
type Sender interface {
	GetActiveConnections() []pool.ConnectionID
	Get(id pool.ConnectionID) (*pool.Endpoint, bool)
}

// Distributor drains a bounded inbound channel with a worker pool, batching
// arrivals before evaluating routes (§4.7).
type Distributor struct {
	in     chan aggregator.DistributionMessage
	sender Sender
	routes *filter.RouteTable
	log    *slog.Logger

	workers       int
	batchSize     int
	flushInterval time.Duration
	strategy      Strategy
	tryTimeout    time.Duration

	delivered atomic.Uint64
	dropped   atomic.Uint64

	metricDelivered metrics.Counter
	metricDropped   metrics.Counter
	metricBatchSize metrics.Histogram
}

// Option configures a Distributor at construction.
type Option func(*Distributor)

func WithWorkers(n int) Option             { return func(d *Distributor) { d.workers = n } }
func WithBatchSize(n int) Option           { return func(d *Distributor) { d.batchSize = n } }
func WithFlushInterval(dur time.Duration) Option {
	return func(d *Distributor) { d.flushInterval = dur }
}
func WithStrategy(s Strategy) Option { return func(d *Distributor) { d.strategy = s } }

// WithTryTimeout sets the race timeout used by the TryForTimeout strategy.
func WithTryTimeout(dur time.Duration) Option { return func(d *Distributor) { d.tryTimeout = dur } }

// WithMetrics registers the Distributor's delivered/dropped counters and a
// batch-size histogram against reg, in addition to the plain atomics
// Stats() already exposes. nil is safe to pass (no-op).
func WithMetrics(reg *metrics.Registry) Option {
	return func(d *Distributor) {
		if reg == nil {
			return
		}
		d.metricDelivered = reg.NewCounter("omnitak_distributor_delivered_total", "messages delivered to a destination endpoint")
		d.metricDropped = reg.NewCounter("omnitak_distributor_dropped_total", "messages dropped by the distributor")
		d.metricBatchSize = reg.NewHistogram("omnitak_distributor_batch_size", "distributor flush batch sizes", metrics.BatchSizeBuckets)
	}
}

// New constructs a Distributor. sender provides the active-endpoint view;
// routes is consulted per message to compute the destination set.
func New(sender Sender, routes *filter.RouteTable, log *slog.Logger, opts ...Option) *Distributor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	d := &Distributor{
		in:            make(chan aggregator.DistributionMessage, DefaultInboundCapacity),
		sender:        sender,
		routes:        routes,
		log:           log,
		workers:       DefaultWorkers,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		strategy:      DropOnFull,
		tryTimeout:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sink returns an aggregator.Sink bound to this Distributor's inbound
// channel, for wiring directly into an Aggregator without either package
// importing the other's concrete types.
func (d *Distributor) Sink() aggregator.Sink {
	return func(msg aggregator.DistributionMessage) {
		select {
		case d.in <- msg:
		default:
			d.dropped.Add(1)
			if d.metricDropped != nil {
				d.metricDropped.Inc()
			}
			d.log.Warn("distributor inbound channel full, message dropped", "source", msg.Source)
		}
	}
}

// Run starts the worker pool; it returns once ctx is cancelled and every
// worker has drained.
func (d *Distributor) Run(ctx context.Context) {
	done := make(chan struct{}, d.workers)
	for i := 0; i < d.workers; i++ {
		go func() {
			d.worker(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < d.workers; i++ {
		<-done
	}
}

// worker accumulates a batch (by count or flush interval, whichever first)
// and processes each message in the batch.
func (d *Distributor) worker(ctx context.Context) {
	batch := make([]aggregator.DistributionMessage, 0, d.batchSize)
	timer := time.NewTimer(d.flushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if d.metricBatchSize != nil {
			d.metricBatchSize.Observe(float64(len(batch)))
		}
		for _, msg := range batch {
			d.deliver(msg)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case msg, ok := <-d.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= d.batchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(d.flushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(d.flushInterval)
		}
	}
}

// deliver routes one message to every accepting, non-loopback endpoint.
func (d *Distributor) deliver(msg aggregator.DistributionMessage) {
	ev, err := cot.ParseAny(msg.Data)
	if err != nil {
		d.log.Warn("distributor could not parse message for routing, dropping", "error", err)
		d.dropped.Add(1)
		if d.metricDropped != nil {
			d.metricDropped.Inc()
		}
		return
	}

	destinations, _ := d.routes.Route(ev)
	if len(destinations) == 0 {
		return
	}

	for _, destID := range destinations {
		if destID == msg.Source {
			continue // loop prevention: never deliver back to the source (testable property 5)
		}
		ep, ok := d.sender.Get(pool.ConnectionID(destID))
		if !ok {
			continue
		}
		d.send(ep, msg.Data)
	}
}

func (d *Distributor) send(ep *pool.Endpoint, data []byte) {
	switch d.strategy {
	case BlockOnFull:
		select {
		case ep.Out <- data:
			d.recordDelivered()
		case <-ep.Done():
			d.recordDropped()
		}
	case TryForTimeout:
		timer := time.NewTimer(d.tryTimeout)
		defer timer.Stop()
		select {
		case ep.Out <- data:
			d.recordDelivered()
		case <-timer.C:
			d.recordDropped()
			ep.State.RecordError("distribution timed out waiting for outbound space")
		case <-ep.Done():
			d.recordDropped()
		}
	default: // DropOnFull
		select {
		case ep.Out <- data:
			d.recordDelivered()
		default:
			d.recordDropped()
			ep.State.RecordError("distribution dropped: outbound channel full")
		}
	}
}

func (d *Distributor) recordDelivered() {
	d.delivered.Add(1)
	if d.metricDelivered != nil {
		d.metricDelivered.Inc()
	}
}

func (d *Distributor) recordDropped() {
	d.dropped.Add(1)
	if d.metricDropped != nil {
		d.metricDropped.Inc()
	}
}

// Stats returns cumulative delivered and dropped message counts.
func (d *Distributor) Stats() (delivered, dropped uint64) {
	return d.delivered.Load(), d.dropped.Load()
}
