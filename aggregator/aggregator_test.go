package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"
)

func collectSink() (Sink, func() []DistributionMessage) {
	var mu sync.Mutex
	var got []DistributionMessage
	return func(m DistributionMessage) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, m)
		}, func() []DistributionMessage {
			mu.Lock()
			defer mu.Unlock()
			out := make([]DistributionMessage, len(got))
			copy(out, got)
			return out
		}
}

func xmlEvent(uid string) []byte {
	return []byte(`<event version="2.0" uid="` + uid + `" type="a-f-G" time="2026-01-01T00:00:00Z" start="2026-01-01T00:00:00Z" stale="2026-01-01T00:05:00Z" how="m-g"><point lat="1" lon="2" hae="0" ce="1" le="1"/><detail/></event>`)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestAggregatorForwardsUniqueMessages(t *testing.T) {
	sink, results := collectSink()
	a := New(NewDeduplicationCache(), sink, nil, WithWorkers(2))

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	defer cancel()

	a.Submit(xmlEvent("u1"), "src-A", time.Now())
	a.Submit(xmlEvent("u2"), "src-A", time.Now())

	waitFor(t, func() bool { return len(results()) == 2 })
}

func TestAggregatorDropsDuplicateWithinWindow(t *testing.T) {
	sink, results := collectSink()
	a := New(NewDeduplicationCache(WithWindow(time.Minute)), sink, nil, WithWorkers(1))

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	defer cancel()

	a.Submit(xmlEvent("dup"), "src-A", time.Now())
	waitFor(t, func() bool { return len(results()) == 1 })
	a.Submit(xmlEvent("dup"), "src-B", time.Now())

	time.Sleep(50 * time.Millisecond)
	if got := results(); len(got) != 1 {
		t.Fatalf("got %d forwarded messages, want 1 (duplicate should be dropped)", len(got))
	}
	if _, forwarded := a.Stats(); forwarded != 1 {
		t.Errorf("Stats().forwarded = %d, want 1", forwarded)
	}
}

func TestAggregatorNoUIDForwardsByDefault(t *testing.T) {
	sink, results := collectSink()
	a := New(NewDeduplicationCache(), sink, nil, WithWorkers(1))

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	defer cancel()

	noUIDFrame := []byte("not-a-cot-event")
	a.Submit(noUIDFrame, "src-A", time.Now())
	a.Submit(noUIDFrame, "src-A", time.Now())

	waitFor(t, func() bool { return len(results()) == 2 })
	if noUID, _ := a.Stats(); noUID != 2 {
		t.Errorf("Stats().noUID = %d, want 2", noUID)
	}
}

func TestAggregatorSyntheticUIDDeduplicatesIdenticalPayloads(t *testing.T) {
	sink, results := collectSink()
	a := New(NewDeduplicationCache(WithWindow(time.Minute)), sink, nil, WithWorkers(1), WithSyntheticUID(true))

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	defer cancel()

	frame := []byte("not-a-cot-event-identical-bytes")
	a.Submit(frame, "src-A", time.Now())
	waitFor(t, func() bool { return len(results()) == 1 })
	a.Submit(append([]byte(nil), frame...), "src-B", time.Now())

	time.Sleep(50 * time.Millisecond)
	if got := results(); len(got) != 1 {
		t.Fatalf("got %d forwarded messages with synthetic uid enabled, want 1", len(got))
	}
}

func TestAggregatorSubmitDropsWhenChannelFull(t *testing.T) {
	// No Run loop draining a.in, so the channel fills and Submit must not block.
	sink, _ := collectSink()
	a := New(NewDeduplicationCache(), sink, nil)
	for i := 0; i < DefaultInboundCapacity+10; i++ {
		a.Submit(xmlEvent("u"), "src", time.Now())
	}
}
