package aggregator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"omnitak/cot"
	"omnitak/metrics"
)

const (
	DefaultInboundCapacity = 10_000
	DefaultWorkers         = 4
)

// InboundMessage is one raw frame received from any endpoint, tagged with
// its source and arrival time (§4.6).
type InboundMessage struct {
	Data      []byte
	Source    string
	Timestamp time.Time
}

// DistributionMessage is what the Aggregator hands to the Distributor once
// a message has cleared dedup (§4.6).
type DistributionMessage struct {
	Data      []byte
	Source    string
	Timestamp time.Time
}

// Sink is the Distributor's submission entry point.
type Sink func(DistributionMessage)

// Aggregator drains a single bounded inbound channel with N worker tasks,
// deduplicating by uid before forwarding to the Distributor.
type Aggregator struct {
	in    chan InboundMessage
	cache *DeduplicationCache
	sink  Sink
	log   *slog.Logger

	workers int

	noUID        atomic.Uint64
	forwarded    atomic.Uint64
	syntheticUID bool

	metricForwarded  metrics.Counter
	metricNoUID      metrics.Counter
	metricDuplicates metrics.Counter
}

// AggOption configures an Aggregator at construction.
type AggOption func(*Aggregator)

func WithWorkers(n int) AggOption { return func(a *Aggregator) { a.workers = n } }

// WithSyntheticUID enables §9's optional synthetic-uid behaviour: messages
// with no uid attribute are hashed and the hash used as a stand-in dedup
// key, subjecting them to the same window semantics as uid-bearing
// messages. Disabled by default, matching the source's "forward without
// deduplication" behaviour for such messages (see DESIGN.md).
func WithSyntheticUID(enabled bool) AggOption {
	return func(a *Aggregator) { a.syntheticUID = enabled }
}

// WithMetrics registers the Aggregator's forwarded/no-uid/duplicate
// counters against reg, in addition to the plain atomics Stats() already
// exposes. nil is safe to pass (no-op).
func WithMetrics(reg *metrics.Registry) AggOption {
	return func(a *Aggregator) {
		if reg == nil {
			return
		}
		a.metricForwarded = reg.NewCounter("omnitak_aggregator_forwarded_total", "messages forwarded to the distributor")
		a.metricNoUID = reg.NewCounter("omnitak_aggregator_no_uid_total", "messages with no uid attribute")
		a.metricDuplicates = reg.NewCounter("omnitak_aggregator_duplicates_total", "messages dropped as duplicates")
	}
}

// New constructs an Aggregator. cache may be freshly built via
// NewDeduplicationCache; sink receives every non-duplicate message.
func New(cache *DeduplicationCache, sink Sink, log *slog.Logger, opts ...AggOption) *Aggregator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	a := &Aggregator{
		in:      make(chan InboundMessage, DefaultInboundCapacity),
		cache:   cache,
		sink:    sink,
		log:     log,
		workers: DefaultWorkers,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit enqueues an inbound message, matching pool.InboundSink's signature
// so a Pool can be wired directly to an Aggregator without either package
// importing the other.
func (a *Aggregator) Submit(data []byte, source string, receivedAt time.Time) {
	select {
	case a.in <- InboundMessage{Data: data, Source: source, Timestamp: receivedAt}:
	default:
		a.log.Warn("aggregator inbound channel full, message dropped", "source", source)
	}
}

// Run starts the worker pool; it returns when ctx is cancelled and every
// worker has exited.
func (a *Aggregator) Run(ctx context.Context) {
	done := make(chan struct{}, a.workers)
	for i := 0; i < a.workers; i++ {
		go func() {
			a.worker(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < a.workers; i++ {
		<-done
	}
}

func (a *Aggregator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.in:
			if !ok {
				return
			}
			a.process(msg)
		}
	}
}

func (a *Aggregator) process(msg InboundMessage) {
	uid, ok := cot.ExtractUID(msg.Data)
	hash := xxhash.Sum64(msg.Data)

	if !ok {
		a.noUID.Add(1)
		if a.metricNoUID != nil {
			a.metricNoUID.Inc()
		}
		if !a.syntheticUID {
			a.forward(msg)
			return
		}
		uid = syntheticUID(hash)
	}

	if a.cache.Observe(uid, hash, msg.Source, time.Now()) {
		if a.metricDuplicates != nil {
			a.metricDuplicates.Inc()
		}
		return
	}
	a.forward(msg)
}

func (a *Aggregator) forward(msg InboundMessage) {
	a.forwarded.Add(1)
	if a.metricForwarded != nil {
		a.metricForwarded.Inc()
	}
	a.sink(DistributionMessage{Data: msg.Data, Source: msg.Source, Timestamp: msg.Timestamp})
}

func syntheticUID(hash uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[hash&0xf]
		hash >>= 4
	}
	return "xxh-" + string(buf)
}

// Stats returns cumulative no-uid and forwarded counts.
func (a *Aggregator) Stats() (noUID, forwarded uint64) {
	return a.noUID.Load(), a.forwarded.Load()
}
