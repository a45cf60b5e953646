package distributor

import (
	"context"
	"testing"
	"time"

	"omnitak/aggregator"
	"omnitak/cot"
	"omnitak/filter"
	"omnitak/pool"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func xmlEvent(typ string, lat, lon float64) []byte {
	return []byte(`<event version="2.0" uid="u1" type="` + typ + `" time="2026-01-01T00:00:00Z" start="2026-01-01T00:00:00Z" stale="2026-01-01T00:05:00Z" how="m-g"><point lat="` +
		floatStr(lat) + `" lon="` + floatStr(lon) + `" hae="0" ce="1" le="1"/><detail/></event>`)
}

func floatStr(f float64) string {
	// Avoid pulling in strconv formatting surprises; these tests only use
	// whole or simple decimal values.
	neg := ""
	if f < 0 {
		neg = "-"
		f = -f
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 10)
	return neg + itoa(whole) + "." + itoa(frac)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func drainBatch(t *testing.T, p *pool.Pool, id pool.ConnectionID, want int, timeout time.Duration) [][]byte {
	t.Helper()
	ep, ok := p.Get(id)
	if !ok {
		t.Fatalf("endpoint %s not found", id)
	}
	var got [][]byte
	deadline := time.Now().Add(timeout)
	for len(got) < want && time.Now().Before(deadline) {
		select {
		case msg := <-ep.Out:
			got = append(got, msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
	return got
}

// TestS3UnicastDistribution implements spec scenario S3 end-to-end through
// the Distributor: FirstMatch strategy, friend-affiliation route wins over
// a geo-bbox route for the same event, so only "blue" receives it.
func TestS3UnicastDistribution(t *testing.T) {
	p := pool.New(10, nil, nil)
	p.AddConnection("blue", "blue", "addr", 0, discardWriter{}, nil)
	p.AddConnection("nyc", "nyc", "addr", 0, discardWriter{}, nil)

	affiliationRule := filter.NewByAffiliation(cot.AffiliationFriend)
	geoRule, err := filter.NewByGeoBBox(40.0, 41.0, -75.0, -73.0)
	if err != nil {
		t.Fatalf("NewByGeoBBox: %v", err)
	}

	routes := filter.NewRouteTable(filter.FirstMatch)
	routes.AddRoute(&filter.Route{ID: "r1", Filter: affiliationRule, Destinations: []string{"blue"}, Priority: 100, Enabled: true})
	routes.AddRoute(&filter.Route{ID: "r2", Filter: geoRule, Destinations: []string{"nyc"}, Priority: 90, Enabled: true})

	d := New(p, routes, nil, WithFlushInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	d.Sink()(aggregator.DistributionMessage{Data: xmlEvent("a-f-G", 40.5, -74.0), Source: "other", Timestamp: time.Now()})

	blueMsgs := drainBatch(t, p, "blue", 1, time.Second)
	if len(blueMsgs) != 1 {
		t.Fatalf("blue got %d messages, want 1", len(blueMsgs))
	}

	ep, _ := p.Get("nyc")
	select {
	case <-ep.Out:
		t.Fatal("nyc should not have received a message under FirstMatch with blue winning")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestS5BackpressureDrop(t *testing.T) {
	p := pool.New(10, nil, nil)
	slowEP, err := p.AddConnection("slow", "slow", "addr", 0, discardWriter{}, nil)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	// Fill the outbound channel so it never drains, per the scenario.
	for len(slowEP.Out) < cap(slowEP.Out) {
		slowEP.Out <- []byte("x")
	}

	routes := filter.NewRouteTable(filter.All)
	routes.AddRoute(&filter.Route{ID: "r1", Filter: filter.AlwaysSend{}, Destinations: []string{"slow"}, Priority: 0, Enabled: true})

	d := New(p, routes, nil, WithStrategy(DropOnFull), WithFlushInterval(5*time.Millisecond), WithBatchSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	for i := 0; i < 100; i++ {
		d.Sink()(aggregator.DistributionMessage{Data: xmlEvent("a-f-G", 1, 1), Source: "other", Timestamp: time.Now()})
	}

	time.Sleep(200 * time.Millisecond)
	_, dropped := d.Stats()
	if dropped == 0 {
		t.Error("expected drops to be recorded once the slow endpoint's channel stayed full")
	}
}

func TestLoopPrevention(t *testing.T) {
	p := pool.New(10, nil, nil)
	p.AddConnection("self", "self", "addr", 0, discardWriter{}, nil)

	routes := filter.NewRouteTable(filter.All)
	routes.AddRoute(&filter.Route{ID: "r1", Filter: filter.AlwaysSend{}, Destinations: []string{"self"}, Priority: 0, Enabled: true})

	d := New(p, routes, nil, WithFlushInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	d.Sink()(aggregator.DistributionMessage{Data: xmlEvent("a-f-G", 1, 1), Source: "self", Timestamp: time.Now()})

	ep, _ := p.Get("self")
	select {
	case <-ep.Out:
		t.Fatal("source endpoint must never receive its own message back")
	case <-time.After(50 * time.Millisecond):
	}
}
