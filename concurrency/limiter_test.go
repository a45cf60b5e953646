package concurrency

import (
	"context"
	"testing"
	"time"
)

func TestLimiterTryAcquireRespectsCeiling(t *testing.T) {
	l := New(2)
	if !l.TryAcquire() {
		t.Fatal("first TryAcquire should succeed")
	}
	if !l.TryAcquire() {
		t.Fatal("second TryAcquire should succeed")
	}
	if l.TryAcquire() {
		t.Fatal("third TryAcquire should fail at ceiling 2")
	}
	l.Release()
	if !l.TryAcquire() {
		t.Fatal("TryAcquire should succeed after a Release")
	}
}

func TestLimiterAcquireBlocksUntilRelease(t *testing.T) {
	l := New(1)
	if !l.TryAcquire() {
		t.Fatal("initial acquire failed")
	}
	done := make(chan struct{})
	go func() {
		ctx := context.Background()
		if err := l.Acquire(ctx); err != nil {
			t.Errorf("Acquire: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Acquire returned before Release")
	case <-time.After(20 * time.Millisecond):
	}
	l.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestLimiterQueuePriorityOrder(t *testing.T) {
	l := New(1)
	now := time.Now()
	low := &ConnectionRequest{ID: "low", Priority: 1, RequestedAt: now}
	high := &ConnectionRequest{ID: "high", Priority: 10, RequestedAt: now.Add(time.Millisecond)}
	if err := l.Enqueue(low); err != nil {
		t.Fatalf("Enqueue(low): %v", err)
	}
	if err := l.Enqueue(high); err != nil {
		t.Fatalf("Enqueue(high): %v", err)
	}
	first := l.Dequeue()
	if first == nil || first.ID != "high" {
		t.Fatalf("first dequeued = %+v, want high (higher priority wins)", first)
	}
	second := l.Dequeue()
	if second == nil || second.ID != "low" {
		t.Fatalf("second dequeued = %+v, want low", second)
	}
}

func TestLimiterQueueFull(t *testing.T) {
	l := New(1, WithMaxQueueSize(1))
	if err := l.Enqueue(&ConnectionRequest{ID: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := l.Enqueue(&ConnectionRequest{ID: "b"}); err != ErrQueueFull {
		t.Fatalf("second enqueue = %v, want ErrQueueFull", err)
	}
}

func TestLimiterDequeueDiscardsStale(t *testing.T) {
	l := New(1, WithQueueTimeout(10*time.Millisecond))
	if err := l.Enqueue(&ConnectionRequest{ID: "stale", RequestedAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := l.Dequeue(); got != nil {
		t.Fatalf("Dequeue() = %+v, want nil (stale request discarded)", got)
	}
	if timeouts, _ := l.Stats(); timeouts != 1 {
		t.Errorf("queueTimeouts = %d, want 1", timeouts)
	}
}

func TestLimiterRateLimit(t *testing.T) {
	l := New(100, WithRateLimit(1))
	if !l.TryAcquire() {
		t.Fatal("first TryAcquire under rate limit should succeed")
	}
	if l.TryAcquire() {
		t.Fatal("second immediate TryAcquire should be throttled by rate limiter")
	}
}
