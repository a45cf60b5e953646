// Package filter compiles routing rule configurations into the decision
// structure the Distributor consults for every unique message (spec §4.8).
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"omnitak/cot"
)

// Rule is the tagged-union contract every filter variant satisfies.
// Evaluate must be pure and allocation-free on the hot path for the common
// rules (affiliation, dimension, bbox, team/uid set membership) — no I/O, no
// locking beyond what a precompiled regexp itself does internally.
type Rule interface {
	Evaluate(ev cot.Event) bool
}

// AlwaysSend accepts every message.
type AlwaysSend struct{}

func (AlwaysSend) Evaluate(cot.Event) bool { return true }

// NeverSend rejects every message.
type NeverSend struct{}

func (NeverSend) Evaluate(cot.Event) bool { return false }

// ByType accepts when the event's Type has any of Prefixes as a prefix.
type ByType struct {
	Prefixes []string
}

func (r ByType) Evaluate(ev cot.Event) bool {
	for _, p := range r.Prefixes {
		if strings.HasPrefix(ev.Type, p) {
			return true
		}
	}
	return false
}

// ByCallsign matches on the event's contact callsign, either by plain
// substring or by a precompiled regular expression. Exactly one of Substring
// or Regex is set; use NewByCallsignSubstring / NewByCallsignRegex.
type ByCallsign struct {
	Substring string
	Regex     *regexp.Regexp
}

func NewByCallsignSubstring(s string) ByCallsign { return ByCallsign{Substring: s} }

func NewByCallsignRegex(pattern string) (ByCallsign, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ByCallsign{}, fmt.Errorf("filter: compile callsign pattern %q: %w", pattern, err)
	}
	return ByCallsign{Regex: re}, nil
}

func (r ByCallsign) Evaluate(ev cot.Event) bool {
	if ev.Detail == nil || ev.Detail.Contact == nil {
		return false
	}
	callsign := ev.Detail.Contact.Callsign
	if r.Regex != nil {
		return r.Regex.MatchString(callsign)
	}
	return strings.Contains(callsign, r.Substring)
}

// ByGeoBBox accepts when the event's point lies within the inclusive
// latitude/longitude rectangle. Construct via NewByGeoBBox, which validates
// min < max on both axes and that both bounds lie within the valid
// geographic range (§4.8, Supplemented: validated at construction rather
// than left to fail silently at evaluation time).
type ByGeoBBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func NewByGeoBBox(minLat, maxLat, minLon, maxLon float64) (ByGeoBBox, error) {
	b := ByGeoBBox{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}
	if minLat >= maxLat {
		return ByGeoBBox{}, fmt.Errorf("filter: GeoBBox min_lat %v must be < max_lat %v", minLat, maxLat)
	}
	if minLon >= maxLon {
		return ByGeoBBox{}, fmt.Errorf("filter: GeoBBox min_lon %v must be < max_lon %v", minLon, maxLon)
	}
	for _, lat := range []float64{minLat, maxLat} {
		if lat < -90 || lat > 90 {
			return ByGeoBBox{}, fmt.Errorf("filter: GeoBBox latitude %v out of range [-90,90]", lat)
		}
	}
	for _, lon := range []float64{minLon, maxLon} {
		if lon < -180 || lon > 180 {
			return ByGeoBBox{}, fmt.Errorf("filter: GeoBBox longitude %v out of range [-180,180]", lon)
		}
	}
	return b, nil
}

func (r ByGeoBBox) Evaluate(ev cot.Event) bool {
	p := ev.Point
	return r.MinLat <= p.Lat && p.Lat <= r.MaxLat && r.MinLon <= p.Lon && p.Lon <= r.MaxLon
}

// ByAffiliation accepts iff the event's parsed affiliation is in Set.
type ByAffiliation struct {
	Set map[cot.Affiliation]bool
}

func NewByAffiliation(values ...cot.Affiliation) ByAffiliation {
	set := make(map[cot.Affiliation]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return ByAffiliation{Set: set}
}

func (r ByAffiliation) Evaluate(ev cot.Event) bool {
	return r.Set[ev.Affiliation()]
}

// ByDimension accepts iff the event's parsed dimension is in Set.
type ByDimension struct {
	Set map[cot.Dimension]bool
}

func NewByDimension(values ...cot.Dimension) ByDimension {
	set := make(map[cot.Dimension]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return ByDimension{Set: set}
}

func (r ByDimension) Evaluate(ev cot.Event) bool {
	return r.Set[ev.Dimension()]
}

// ByTeam accepts iff detail.group.name is in Set.
type ByTeam struct {
	Set map[string]bool
}

func NewByTeam(names ...string) ByTeam {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return ByTeam{Set: set}
}

func (r ByTeam) Evaluate(ev cot.Event) bool {
	if ev.Detail == nil || ev.Detail.Group == nil {
		return false
	}
	return r.Set[ev.Detail.Group.Name]
}

// ByUid accepts iff the event's UID is in Set.
type ByUid struct {
	Set map[string]bool
}

func NewByUid(uids ...string) ByUid {
	set := make(map[string]bool, len(uids))
	for _, u := range uids {
		set[u] = true
	}
	return ByUid{Set: set}
}

func (r ByUid) Evaluate(ev cot.Event) bool {
	return r.Set[ev.UID]
}

// ByGroupPattern accepts iff detail.group.name matches a precompiled regex.
type ByGroupPattern struct {
	Regex *regexp.Regexp
}

func NewByGroupPattern(pattern string) (ByGroupPattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ByGroupPattern{}, fmt.Errorf("filter: compile group pattern %q: %w", pattern, err)
	}
	return ByGroupPattern{Regex: re}, nil
}

func (r ByGroupPattern) Evaluate(ev cot.Event) bool {
	if ev.Detail == nil || ev.Detail.Group == nil {
		return false
	}
	return r.Regex.MatchString(ev.Detail.Group.Name)
}

// Custom wraps an arbitrary predicate supplied by the embedding application.
type Custom struct {
	Predicate func(cot.Event) bool
}

func (r Custom) Evaluate(ev cot.Event) bool { return r.Predicate(ev) }

// And accepts iff every sub-rule accepts, short-circuiting on the first
// rejection.
type And struct {
	Rules []Rule
}

func (r And) Evaluate(ev cot.Event) bool {
	for _, sub := range r.Rules {
		if !sub.Evaluate(ev) {
			return false
		}
	}
	return true
}

// Or accepts iff any sub-rule accepts, short-circuiting on the first
// acceptance.
type Or struct {
	Rules []Rule
}

func (r Or) Evaluate(ev cot.Event) bool {
	for _, sub := range r.Rules {
		if sub.Evaluate(ev) {
			return true
		}
	}
	return false
}

// Not negates a sub-rule.
type Not struct {
	Rule Rule
}

func (r Not) Evaluate(ev cot.Event) bool { return !r.Rule.Evaluate(ev) }
