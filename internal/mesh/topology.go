package mesh

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default topology parameters (spec §6).
const (
	DefaultRouteFreshnessThreshold = 60 * time.Second
	DefaultRouteCacheTTL           = 5 * time.Second
	DefaultMaxRouteCacheEntries    = 500
	maxNeighborClaims              = 20
	defaultMaxHops                 = 10
)

type routeCacheValue struct {
	found    bool
	hops     []string // interior hops, hex-encoded, excluding src/dst
	cachedAt time.Time
}

// TopologyTracker maintains the two-hop-verified neighbor topology: who
// claims whom, freshness of those claims, and a bounded cache of BFS routes
// (spec §4.C). Every operation is total — malformed input is silently
// ignored rather than erroring.
type TopologyTracker struct {
	mu            sync.Mutex
	claims        map[string]map[string]struct{}
	neighborOrder map[string][]string // insertion order, for BFS tie-break
	lastSeen      map[string]time.Time
	routeCache    *lruCache[string, routeCacheValue]

	routeFreshnessThreshold time.Duration
	routeCacheTTL           time.Duration
}

// NewTopologyTracker builds a tracker with the given route-cache capacity,
// node-freshness window, and cached-route validity window. Zero values fall
// back to spec defaults.
func NewTopologyTracker(maxRouteCacheEntries int, routeFreshnessThreshold, routeCacheTTL time.Duration) *TopologyTracker {
	if maxRouteCacheEntries <= 0 {
		maxRouteCacheEntries = DefaultMaxRouteCacheEntries
	}
	if routeFreshnessThreshold <= 0 {
		routeFreshnessThreshold = DefaultRouteFreshnessThreshold
	}
	if routeCacheTTL <= 0 {
		routeCacheTTL = DefaultRouteCacheTTL
	}
	return &TopologyTracker{
		claims:                  make(map[string]map[string]struct{}),
		neighborOrder:           make(map[string][]string),
		lastSeen:                make(map[string]time.Time),
		routeCache:              newLRUCache[string, routeCacheValue](maxRouteCacheEntries),
		routeFreshnessThreshold: routeFreshnessThreshold,
		routeCacheTTL:           routeCacheTTL,
	}
}

// sanitizeNeighbors validates each raw neighbor id, drops self-loops and
// duplicates, and truncates to the spec's per-node neighbor cap.
func sanitizeNeighbors(raw [][]byte, self PeerID) []PeerID {
	seen := make(map[PeerID]struct{}, len(raw))
	out := make([]PeerID, 0, maxNeighborClaims)
	for _, b := range raw {
		id, ok := PeerIDFromBytes(b)
		if !ok {
			continue
		}
		if id == self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if len(out) >= maxNeighborClaims {
			break
		}
	}
	return out
}

// UpdateNeighbors records source's neighbor claim, overwriting any previous
// claim. A source id that is not exactly 32 bytes is rejected wholesale —
// not padded or truncated (spec §4.C, property 9).
func (t *TopologyTracker) UpdateNeighbors(source []byte, neighbors [][]byte, now time.Time) {
	srcID, ok := PeerIDFromBytes(source)
	if !ok {
		return
	}
	sanitized := sanitizeNeighbors(neighbors, srcID)

	t.mu.Lock()
	defer t.mu.Unlock()

	srcHex := srcID.Hex()
	set := make(map[string]struct{}, len(sanitized))
	order := make([]string, 0, len(sanitized))
	for _, n := range sanitized {
		h := n.Hex()
		set[h] = struct{}{}
		order = append(order, h)
	}
	t.claims[srcHex] = set
	t.neighborOrder[srcHex] = order
	t.lastSeen[srcHex] = now
	t.invalidateRoutesTouchingLocked(srcHex)
}

// RemovePeer drops a node's claim and freshness record entirely.
func (t *TopologyTracker) RemovePeer(peer []byte) {
	id, ok := PeerIDFromBytes(peer)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	hex := id.Hex()
	delete(t.claims, hex)
	delete(t.neighborOrder, hex)
	delete(t.lastSeen, hex)
	t.invalidateRoutesTouchingLocked(hex)
}

// Prune removes nodes whose claim is older than age and clears the whole
// route cache, since freshness gating for every cached route may now differ.
func (t *TopologyTracker) Prune(age time.Duration, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-age)
	for hex, seen := range t.lastSeen {
		if seen.Before(cutoff) {
			delete(t.claims, hex)
			delete(t.neighborOrder, hex)
			delete(t.lastSeen, hex)
		}
	}
	t.routeCache.Clear()
}

// Reset clears all tracker state.
func (t *TopologyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claims = make(map[string]map[string]struct{})
	t.neighborOrder = make(map[string][]string)
	t.lastSeen = make(map[string]time.Time)
	t.routeCache.Clear()
}

// NodeCount reports how many distinct sources currently hold a claim.
func (t *TopologyTracker) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.claims)
}

// Neighbors returns a snapshot of the (ordered) neighbor claim for peer, if any.
func (t *TopologyTracker) Neighbors(peer PeerID) ([]PeerID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.neighborOrder[peer.Hex()]
	if !ok {
		return nil, false
	}
	out := make([]PeerID, 0, len(order))
	for _, hex := range order {
		id, err := PeerIDFromHex(hex)
		if err == nil {
			out = append(out, id)
		}
	}
	return out, true
}

// Snapshot returns every node's claimed neighbor list, keyed by hex peer id,
// for operator introspection. It does not apply the freshness gate that
// ComputeRoute does — callers that need "currently routable" should pair this
// with lastSeen semantics of their own.
func (t *TopologyTracker) Snapshot() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]string, len(t.neighborOrder))
	for hex, order := range t.neighborOrder {
		cp := make([]string, len(order))
		copy(cp, order)
		out[hex] = cp
	}
	return out
}

// ComputeRoute finds a bidirectionally-verified, freshness-gated path from
// start to goal via BFS, returning the interior hops (excluding start and
// goal) and whether a route was found at all (spec §4.C).
func (t *TopologyTracker) ComputeRoute(start, goal []byte, maxHops int, now time.Time) ([]PeerID, bool) {
	startID, ok1 := PeerIDFromBytes(start)
	goalID, ok2 := PeerIDFromBytes(goal)
	if !ok1 || !ok2 {
		return nil, false
	}
	if startID == goalID {
		return []PeerID{}, true
	}
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cacheKey := routeCacheKey(startID.Hex(), goalID.Hex(), maxHops)
	if cached, ok := t.routeCache.Get(cacheKey); ok && now.Sub(cached.cachedAt) <= t.routeCacheTTL {
		return hexSliceToPeerIDs(cached.hops), cached.found
	}

	found, hops := t.bfsLocked(startID.Hex(), goalID.Hex(), maxHops, now)
	t.routeCache.Set(cacheKey, routeCacheValue{found: found, hops: hops, cachedAt: now})
	return hexSliceToPeerIDs(hops), found
}

func routeCacheKey(srcHex, dstHex string, maxHops int) string {
	return srcHex + ":" + dstHex + ":" + strconv.Itoa(maxHops)
}

func hexSliceToPeerIDs(hexes []string) []PeerID {
	if hexes == nil {
		return nil
	}
	out := make([]PeerID, 0, len(hexes))
	for _, h := range hexes {
		if id, err := PeerIDFromHex(h); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func (t *TopologyTracker) freshLocked(hex string, now time.Time) bool {
	seen, ok := t.lastSeen[hex]
	if !ok {
		return false
	}
	return now.Sub(seen) <= t.routeFreshnessThreshold
}

// bfsLocked runs the bidirectional-edge-gated breadth-first search. Ties
// between equally-short paths are broken by the insertion order of
// neighbors in each node's claim set, since that is the order the BFS
// queue visits them in.
func (t *TopologyTracker) bfsLocked(startHex, goalHex string, maxHops int, now time.Time) (bool, []string) {
	type queued struct {
		hex   string
		depth int
	}

	visited := map[string]bool{startHex: true}
	parent := map[string]string{}
	queue := []queued{{hex: startHex, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.hex == goalHex {
			return true, reconstructInterior(parent, startHex, goalHex)
		}
		if cur.depth >= maxHops {
			continue
		}
		if !t.freshLocked(cur.hex, now) {
			continue
		}

		for _, nb := range t.neighborOrder[cur.hex] {
			if visited[nb] {
				continue
			}
			nbClaims, ok := t.claims[nb]
			if !ok {
				continue
			}
			if _, claimsBack := nbClaims[cur.hex]; !claimsBack {
				continue
			}
			if !t.freshLocked(nb, now) {
				continue
			}
			visited[nb] = true
			parent[nb] = cur.hex
			if nb == goalHex {
				return true, reconstructInterior(parent, startHex, goalHex)
			}
			queue = append(queue, queued{hex: nb, depth: cur.depth + 1})
		}
	}

	return false, nil
}

func reconstructInterior(parent map[string]string, startHex, goalHex string) []string {
	var path []string
	for cur := goalHex; cur != startHex; {
		prev, ok := parent[cur]
		if !ok {
			break
		}
		path = append(path, cur)
		cur = prev
	}
	// path is goal..start (exclusive of start); reverse and drop goal itself.
	interior := make([]string, 0, len(path))
	for i := len(path) - 1; i >= 1; i-- {
		interior = append(interior, path[i])
	}
	return interior
}

// invalidateRoutesTouchingLocked drops every cached route whose key names x
// as source/dest, or whose interior hop list passes through x. Comparisons
// are plain string equality against hex-encoded ids, never re-encoding.
func (t *TopologyTracker) invalidateRoutesTouchingLocked(xHex string) {
	t.routeCache.DeleteMatching(func(key string, val routeCacheValue) bool {
		if keyNamesPeer(key, xHex) {
			return true
		}
		for _, hop := range val.hops {
			if hop == xHex {
				return true
			}
		}
		return false
	})
}

func keyNamesPeer(key, xHex string) bool {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return false
	}
	return parts[0] == xHex || parts[1] == xHex
}
