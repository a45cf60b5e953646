package filter

import (
	"reflect"
	"testing"

	"omnitak/cot"
)

// TestS3UnicastRouting implements spec scenario S3.
func TestS3UnicastRouting(t *testing.T) {
	table := NewRouteTable(FirstMatch)
	bbox, err := NewByGeoBBox(40, 41, -75, -73)
	if err != nil {
		t.Fatalf("NewByGeoBBox: %v", err)
	}
	table.AddRoute(&Route{ID: "R1", Priority: 100, Enabled: true,
		Filter: NewByAffiliation(cot.AffiliationFriend), Destinations: []string{"blue"}})
	table.AddRoute(&Route{ID: "R2", Priority: 90, Enabled: true,
		Filter: bbox, Destinations: []string{"nyc"}})

	ev := cot.Event{Type: "a-f-G", Point: cot.Point{Lat: 40.5, Lon: -74.0}}
	dest, matched := table.Route(ev)
	if !reflect.DeepEqual(dest, []string{"blue"}) {
		t.Errorf("destinations = %v, want [blue]", dest)
	}
	if !reflect.DeepEqual(matched, []string{"R1"}) {
		t.Errorf("matched = %v, want [R1]", matched)
	}
}

// TestS4MulticastRouting implements spec scenario S4.
func TestS4MulticastRouting(t *testing.T) {
	table := NewRouteTable(All)
	bbox, err := NewByGeoBBox(40, 41, -75, -73)
	if err != nil {
		t.Fatalf("NewByGeoBBox: %v", err)
	}
	table.AddRoute(&Route{ID: "R1", Priority: 100, Enabled: true,
		Filter: NewByAffiliation(cot.AffiliationFriend), Destinations: []string{"blue"}})
	table.AddRoute(&Route{ID: "R2", Priority: 90, Enabled: true,
		Filter: bbox, Destinations: []string{"nyc"}})

	ev := cot.Event{Type: "a-f-G", Point: cot.Point{Lat: 40.5, Lon: -74.0}}
	dest, _ := table.Route(ev)
	if !reflect.DeepEqual(dest, []string{"blue", "nyc"}) {
		t.Errorf("destinations = %v, want [blue, nyc] in priority order", dest)
	}
}

func TestRouteTablePriorityOrderingWithTies(t *testing.T) {
	table := NewRouteTable(FirstMatch)
	table.AddRoute(&Route{ID: "first", Priority: 50, Enabled: true, Filter: AlwaysSend{}, Destinations: []string{"a"}})
	table.AddRoute(&Route{ID: "second", Priority: 50, Enabled: true, Filter: AlwaysSend{}, Destinations: []string{"b"}})

	routes := table.Routes()
	if len(routes) != 2 || routes[0].ID != "first" || routes[1].ID != "second" {
		t.Fatalf("expected insertion-order tiebreak, got %v, %v", routes[0].ID, routes[1].ID)
	}
}

func TestRouteTableDefaultDestination(t *testing.T) {
	table := NewRouteTable(FirstMatch)
	table.DefaultDestination = "fallback"
	table.AddRoute(&Route{ID: "R1", Priority: 1, Enabled: true, Filter: NeverSend{}, Destinations: []string{"x"}})

	dest, matched := table.Route(cot.Event{})
	if !reflect.DeepEqual(dest, []string{"fallback"}) {
		t.Errorf("destinations = %v, want [fallback]", dest)
	}
	if len(matched) != 0 {
		t.Errorf("matched = %v, want none", matched)
	}
}

func TestRouteTableSkipsDisabled(t *testing.T) {
	table := NewRouteTable(FirstMatch)
	table.AddRoute(&Route{ID: "R1", Priority: 100, Enabled: false, Filter: AlwaysSend{}, Destinations: []string{"x"}})
	table.AddRoute(&Route{ID: "R2", Priority: 50, Enabled: true, Filter: AlwaysSend{}, Destinations: []string{"y"}})

	dest, matched := table.Route(cot.Event{})
	if !reflect.DeepEqual(dest, []string{"y"}) {
		t.Errorf("destinations = %v, want [y] (R1 disabled)", dest)
	}
	if !reflect.DeepEqual(matched, []string{"R2"}) {
		t.Errorf("matched = %v, want [R2]", matched)
	}
}
