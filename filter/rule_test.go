package filter

import (
	"testing"

	"omnitak/cot"
)

func eventWithTypeAndPoint(typ string, lat, lon float64) cot.Event {
	return cot.Event{Type: typ, Point: cot.Point{Lat: lat, Lon: lon}}
}

func TestByAffiliation(t *testing.T) {
	r := NewByAffiliation(cot.AffiliationFriend)
	if !r.Evaluate(eventWithTypeAndPoint("a-f-G", 0, 0)) {
		t.Error("expected friend event to match")
	}
	if r.Evaluate(eventWithTypeAndPoint("a-h-G", 0, 0)) {
		t.Error("expected hostile event not to match friend-only rule")
	}
}

func TestByGeoBBoxValidation(t *testing.T) {
	if _, err := NewByGeoBBox(41, 40, -75, -73); err == nil {
		t.Error("expected error for min_lat >= max_lat")
	}
	if _, err := NewByGeoBBox(40, 41, -73, -75); err == nil {
		t.Error("expected error for min_lon >= max_lon")
	}
	if _, err := NewByGeoBBox(-91, 41, -75, -73); err == nil {
		t.Error("expected error for out-of-range latitude")
	}
	if _, err := NewByGeoBBox(40, 41, -75, -73); err != nil {
		t.Errorf("expected valid bbox to construct cleanly, got %v", err)
	}
}

func TestByGeoBBoxEvaluate(t *testing.T) {
	bbox, err := NewByGeoBBox(40, 41, -75, -73)
	if err != nil {
		t.Fatalf("NewByGeoBBox: %v", err)
	}
	if !bbox.Evaluate(eventWithTypeAndPoint("a-f-G", 40.5, -74.0)) {
		t.Error("expected point inside bbox to match")
	}
	if bbox.Evaluate(eventWithTypeAndPoint("a-f-G", 50, -74.0)) {
		t.Error("expected point outside bbox not to match")
	}
}

func TestByTeam(t *testing.T) {
	r := NewByTeam("Blue")
	ev := cot.Event{Detail: &cot.Detail{Group: &cot.Group{Name: "Blue"}}}
	if !r.Evaluate(ev) {
		t.Error("expected Blue team to match")
	}
	ev2 := cot.Event{Detail: &cot.Detail{Group: &cot.Group{Name: "Red"}}}
	if r.Evaluate(ev2) {
		t.Error("expected Red team not to match")
	}
	if r.Evaluate(cot.Event{}) {
		t.Error("expected event with no group not to match")
	}
}

func TestComposite(t *testing.T) {
	friend := NewByAffiliation(cot.AffiliationFriend)
	ground := NewByDimension(cot.DimensionGround)
	and := And{Rules: []Rule{friend, ground}}
	or := Or{Rules: []Rule{friend, ground}}
	not := Not{Rule: friend}

	friendGround := eventWithTypeAndPoint("a-f-G", 0, 0)
	friendAir := eventWithTypeAndPoint("a-f-A", 0, 0)
	hostileGround := eventWithTypeAndPoint("a-h-G", 0, 0)

	if !and.Evaluate(friendGround) {
		t.Error("And: friend+ground should match")
	}
	if and.Evaluate(friendAir) {
		t.Error("And: friend+air should not match (not ground)")
	}
	if !or.Evaluate(hostileGround) {
		t.Error("Or: hostile+ground should match (ground)")
	}
	if not.Evaluate(friendGround) {
		t.Error("Not(friend): friend event should be rejected")
	}
	if !not.Evaluate(hostileGround) {
		t.Error("Not(friend): hostile event should be accepted")
	}
}

func TestFilterPurity(t *testing.T) {
	r := And{Rules: []Rule{NewByAffiliation(cot.AffiliationFriend), NewByDimension(cot.DimensionGround)}}
	ev := eventWithTypeAndPoint("a-f-G", 1, 1)
	first := r.Evaluate(ev)
	for i := 0; i < 100; i++ {
		if r.Evaluate(ev) != first {
			t.Fatal("filter evaluation is not pure across repeated calls")
		}
	}
}
