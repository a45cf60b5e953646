package filter

import (
	"sort"
	"sync"
	"sync/atomic"

	"omnitak/cot"
)

// Strategy selects how RouteTable.Route combines matching routes.
type Strategy int

const (
	// All unions the destinations of every accepting route (multicast).
	All Strategy = iota
	// FirstMatch takes only the destinations of the single highest-priority
	// accepting route (unicast).
	FirstMatch
)

// RouteStats tracks how often a route has matched, for operator surfaces.
type RouteStats struct {
	Matched atomic.Uint64
}

// Route binds a filter rule to a destination set with a priority used to
// order evaluation and break ties among accepting routes.
type Route struct {
	ID          string
	Description string
	Filter      Rule
	Destinations []string
	Priority    int32
	Enabled     bool
	Stats       *RouteStats

	insertionOrder int
}

// RouteTable holds routes sorted by descending priority (insertion order as
// tiebreak) and evaluates them per the configured Strategy (§4.8). Safe for
// concurrent use: the Distributor evaluates routes from worker goroutines
// while an admin surface may add or remove routes concurrently.
type RouteTable struct {
	Strategy          Strategy
	DefaultDestination string

	mu      sync.RWMutex
	routes  []*Route
	nextSeq int
}

// NewRouteTable constructs an empty table using the given strategy.
func NewRouteTable(strategy Strategy) *RouteTable {
	return &RouteTable{Strategy: strategy}
}

// AddRoute inserts r, maintaining descending-priority order with
// insertion-order tiebreak (testable property 7). r.Stats is allocated if
// nil.
func (t *RouteTable) AddRoute(r *Route) {
	if r.Stats == nil {
		r.Stats = &RouteStats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r.insertionOrder = t.nextSeq
	t.nextSeq++
	t.routes = append(t.routes, r)
	sort.SliceStable(t.routes, func(i, j int) bool {
		if t.routes[i].Priority != t.routes[j].Priority {
			return t.routes[i].Priority > t.routes[j].Priority
		}
		return t.routes[i].insertionOrder < t.routes[j].insertionOrder
	})
}

// RemoveRoute deletes the route with the given id, if present.
func (t *RouteTable) RemoveRoute(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.routes {
		if r.ID == id {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return
		}
	}
}

// Routes returns a snapshot of the current routes in evaluation order.
func (t *RouteTable) Routes() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Route evaluates ev against the table and returns the destination set
// (deduplicated, preserving first-seen order) along with the ids of the
// routes that matched, for audit. Falls back to DefaultDestination when no
// rule matches and one is configured.
func (t *RouteTable) Route(ev cot.Event) (destinations []string, matchedRouteIDs []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)

	for _, r := range t.routes {
		if !r.Enabled {
			continue
		}
		if !r.Filter.Evaluate(ev) {
			continue
		}
		r.Stats.Matched.Add(1)
		matchedRouteIDs = append(matchedRouteIDs, r.ID)
		for _, d := range r.Destinations {
			if !seen[d] {
				seen[d] = true
				destinations = append(destinations, d)
			}
		}
		if t.Strategy == FirstMatch {
			break
		}
	}

	if len(destinations) == 0 && t.DefaultDestination != "" {
		destinations = []string{t.DefaultDestination}
	}
	return destinations, matchedRouteIDs
}
