// Package concurrency implements the global admission limiter: a counting
// semaphore bounding simultaneous endpoints, a priority queue for pending
// admissions, and an optional token-bucket rate limiter.
package concurrency

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxQueueSize = 1000
	DefaultQueueTimeout = 30 * time.Second
)

// ErrQueueFull is returned by Enqueue when the pending queue is at capacity.
var ErrQueueFull = errors.New("concurrency: admission queue full")

// ErrQueueTimeout is returned when a queued request ages out before being
// dequeued.
var ErrQueueTimeout = errors.New("concurrency: admission request timed out in queue")

// ConnectionRequest is one pending admission request.
type ConnectionRequest struct {
	ID          string
	Name        string
	Addr        string
	Priority    int
	RequestedAt time.Time
}

// requestQueue is a priority queue ordered by descending Priority, ties
// broken by earlier RequestedAt (FIFO within a priority band).
type requestQueue []*ConnectionRequest

func (q requestQueue) Len() int { return len(q) }
func (q requestQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].RequestedAt.Before(q[j].RequestedAt)
}
func (q requestQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *requestQueue) Push(x any)        { *q = append(*q, x.(*ConnectionRequest)) }
func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Limiter enforces max_concurrent simultaneous admissions via a counting
// semaphore, backed by a bounded priority queue for requests that cannot be
// admitted immediately, and an optional token-bucket rate limiter.
type Limiter struct {
	sem *semaphore.Weighted

	maxQueueSize int
	queueTimeout time.Duration

	mu    sync.Mutex
	queue requestQueue

	rateLimiter *rate.Limiter

	queueTimeouts  int64
	queueRejects   int64
}

// Option configures a Limiter at construction.
type Option func(*Limiter)

func WithMaxQueueSize(n int) Option { return func(l *Limiter) { l.maxQueueSize = n } }
func WithQueueTimeout(d time.Duration) Option { return func(l *Limiter) { l.queueTimeout = d } }

// WithRateLimit adds a token-bucket limiter holding at most opsPerSec tokens
// and refilling continuously at opsPerSec tokens per second; the bucket is
// not restored to full capacity all at once on a one-second tick.
func WithRateLimit(opsPerSec int) Option {
	return func(l *Limiter) {
		l.rateLimiter = rate.NewLimiter(rate.Limit(opsPerSec), opsPerSec)
	}
}

// New constructs a Limiter admitting at most maxConcurrent simultaneous
// holders of its semaphore.
func New(maxConcurrent int64, opts ...Option) *Limiter {
	l := &Limiter{
		sem:          semaphore.NewWeighted(maxConcurrent),
		maxQueueSize: DefaultMaxQueueSize,
		queueTimeout: DefaultQueueTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	heap.Init(&l.queue)
	return l
}

// TryAcquire attempts immediate admission without blocking.
func (l *Limiter) TryAcquire() bool {
	if l.rateLimiter != nil && !l.rateLimiter.Allow() {
		return false
	}
	return l.sem.TryAcquire(1)
}

// Acquire blocks until a permit is available or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.rateLimiter != nil {
		if err := l.rateLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	return l.sem.Acquire(ctx, 1)
}

// AcquireTimeout blocks up to d for a permit.
func (l *Limiter) AcquireTimeout(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return l.Acquire(ctx)
}

// Release returns a permit to the semaphore.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// Enqueue records a pending admission request when immediate acquisition
// failed. It does not itself wait; Dequeue (invoked by the caller's own
// scheduling loop, e.g. on every Release) pulls the next eligible request.
func (l *Limiter) Enqueue(req *ConnectionRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) >= l.maxQueueSize {
		l.queueRejects++
		return ErrQueueFull
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	heap.Push(&l.queue, req)
	return nil
}

// Dequeue pops the highest-priority request, discarding (and counting as
// timeouts) any requests that have aged past queueTimeout along the way.
// Returns nil if the queue is empty after discarding stale entries.
func (l *Limiter) Dequeue() *ConnectionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) > 0 {
		req := heap.Pop(&l.queue).(*ConnectionRequest)
		if time.Since(req.RequestedAt) > l.queueTimeout {
			l.queueTimeouts++
			continue
		}
		return req
	}
	return nil
}

// QueueLen returns the number of requests currently queued.
func (l *Limiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stats returns cumulative queue-timeout and queue-reject counts.
func (l *Limiter) Stats() (timeouts, rejects int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queueTimeouts, l.queueRejects
}
