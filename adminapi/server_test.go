package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"omnitak/filter"
	"omnitak/pool"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHealthzAndConnections(t *testing.T) {
	p := pool.New(10, nil, nil)
	if _, err := p.AddConnection("a", "A", "addr", 0, discardWriter{}, nil); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	routes := filter.NewRouteTable(filter.All)
	routes.AddRoute(&filter.Route{ID: "r1", Description: "catch-all", Filter: filter.AlwaysSend{}, Destinations: []string{"a"}, Priority: 0, Enabled: true})

	s := New(p, routes, nil)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", healthResp.StatusCode)
	}
	var hz healthzResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&hz); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hz.Status != "ok" || hz.Connections != 1 {
		t.Fatalf("unexpected healthz payload: %#v", hz)
	}

	connResp, err := http.Get(ts.URL + "/api/connections")
	if err != nil {
		t.Fatalf("GET /api/connections: %v", err)
	}
	defer connResp.Body.Close()
	var conns []connectionView
	if err := json.NewDecoder(connResp.Body).Decode(&conns); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(conns) != 1 || conns[0].ID != "a" {
		t.Fatalf("unexpected connections payload: %#v", conns)
	}

	routeResp, err := http.Get(ts.URL + "/api/routes")
	if err != nil {
		t.Fatalf("GET /api/routes: %v", err)
	}
	defer routeResp.Body.Close()
	var routeViews []routeView
	if err := json.NewDecoder(routeResp.Body).Decode(&routeViews); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(routeViews) != 1 || routeViews[0].ID != "r1" {
		t.Fatalf("unexpected routes payload: %#v", routeViews)
	}
}

func TestRegistryEndpointAbsentWhenNil(t *testing.T) {
	p := pool.New(10, nil, nil)
	routes := filter.NewRouteTable(filter.All)
	s := New(p, routes, nil)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/registry")
	if err != nil {
		t.Fatalf("GET /api/registry: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when registry is nil, got %d", resp.StatusCode)
	}
}

func TestRegistryEndpointDumpsFingerprints(t *testing.T) {
	p := pool.New(10, nil, nil)
	routes := filter.NewRouteTable(filter.All)
	reg, err := pool.OpenRegistry(":memory:", nil)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer reg.Close()
	if err := reg.Observe("abc123", "CN=test"); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	s := New(p, routes, reg)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/registry")
	if err != nil {
		t.Fatalf("GET /api/registry: %v", err)
	}
	defer resp.Body.Close()
	var views []fingerprintView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].Fingerprint != "abc123" {
		t.Fatalf("unexpected registry payload: %#v", views)
	}
}
