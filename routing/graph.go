package routing

import (
	"bytes"
	"sort"

	"github.com/stephensong/offst/fwire"
)

// CapacityEdge is the pair of capacities the owner of a directed edge
// reports: how much it is able to send to the neighbor, and how much it is
// able to receive from it.
type CapacityEdge struct {
	Send uint64
	Recv uint64
}

// CapacityGraph is the directed multi-hop graph of announced capacities
// between nodes. Each node owns its outgoing edges; the effective send
// capacity of a hop combines the owner's send report with the far side's
// recv report.
type CapacityGraph struct {
	nodes map[fwire.PublicKey]map[fwire.PublicKey]CapacityEdge
}

// NewCapacityGraph creates an empty capacity graph.
func NewCapacityGraph() *CapacityGraph {
	return &CapacityGraph{
		nodes: make(map[fwire.PublicKey]map[fwire.PublicKey]CapacityEdge),
	}
}

// UpdateEdge inserts or replaces the directed edge from a to b, returning
// the previous edge if one existed.
func (g *CapacityGraph) UpdateEdge(a, b fwire.PublicKey,
	edge CapacityEdge) (CapacityEdge, bool) {

	aMap, ok := g.nodes[a]
	if !ok {
		aMap = make(map[fwire.PublicKey]CapacityEdge)
		g.nodes[a] = aMap
	}

	prevEdge, hadPrev := aMap[b]
	aMap[b] = edge
	return prevEdge, hadPrev
}

// RemoveEdge removes the directed edge from a to b, returning the removed
// edge if one existed. An emptied adjacency map is pruned.
func (g *CapacityGraph) RemoveEdge(a, b fwire.PublicKey) (CapacityEdge, bool) {
	aMap, ok := g.nodes[a]
	if !ok {
		return CapacityEdge{}, false
	}

	oldEdge, ok := aMap[b]
	if !ok {
		return CapacityEdge{}, false
	}

	delete(aMap, b)
	if len(aMap) == 0 {
		delete(g.nodes, a)
	}

	return oldEdge, true
}

// RemoveNode removes all edges owned by a.
//
// NOTE: Edges owned by other nodes pointing at a remain in place. Nodes
// announce their own outgoing edges and cannot authoritatively delete the
// inbound ones, so the surviving neighbors' announcements stay intact.
func (g *CapacityGraph) RemoveNode(a fwire.PublicKey) bool {
	if _, ok := g.nodes[a]; !ok {
		return false
	}
	delete(g.nodes, a)
	return true
}

// NumNodes returns the number of nodes currently owning outgoing edges.
func (g *CapacityGraph) NumNodes() int {
	return len(g.nodes)
}

// getEdge returns the directed edge from a to b, if it exists.
func (g *CapacityGraph) getEdge(a, b fwire.PublicKey) (CapacityEdge, bool) {
	aMap, ok := g.nodes[a]
	if !ok {
		return CapacityEdge{}, false
	}
	edge, ok := aMap[b]
	return edge, ok
}

// SendCapacity returns the effective capacity for sending from a to its
// direct neighbor b: the minimum of the send capacity a reports towards b
// and the recv capacity b reports from a. A missing edge in either
// direction yields zero.
func (g *CapacityGraph) SendCapacity(a, b fwire.PublicKey) uint64 {
	abEdge, ok := g.getEdge(a, b)
	if !ok {
		return 0
	}
	baEdge, ok := g.getEdge(b, a)
	if !ok {
		return 0
	}

	if abEdge.Send < baEdge.Recv {
		return abEdge.Send
	}
	return baEdge.Recv
}

// neighborsWithSendCapacity returns a's neighbors towards which at least
// the passed capacity can be sent, in a deterministic order.
func (g *CapacityGraph) neighborsWithSendCapacity(a fwire.PublicKey,
	capacity uint64) []fwire.PublicKey {

	aMap, ok := g.nodes[a]
	if !ok {
		return nil
	}

	neighbors := make([]fwire.PublicKey, 0, len(aMap))
	for b := range aMap {
		if g.SendCapacity(a, b) >= capacity {
			neighbors = append(neighbors, b)
		}
	}

	// Map iteration order is randomized, so impose a deterministic
	// tie-break for equal-length routes.
	sort.Slice(neighbors, func(i, j int) bool {
		return bytes.Compare(neighbors[i][:], neighbors[j][:]) < 0
	})

	return neighbors
}

// routeCapacity returns the amount of capacity that can be sent through the
// passed route: the minimum send capacity over its consecutive hops.
func (g *CapacityGraph) routeCapacity(route []fwire.PublicKey) uint64 {
	capacity := uint64(0)
	for i := 0; i+1 < len(route); i++ {
		hop := g.SendCapacity(route[i], route[i+1])
		if i == 0 || hop < capacity {
			capacity = hop
		}
	}
	return capacity
}

// edgeFilter restricts which directed edges a BFS expansion may traverse.
type edgeFilter func(cur, next fwire.PublicKey) bool

// bfs searches for a shortest route from src to dst traversing only hops
// with at least the passed send capacity and admitted by the filter. When
// src equals dst, the search looks for a cycle of length at least two
// rather than the trivial route.
func (g *CapacityGraph) bfs(src, dst fwire.PublicKey, capacity uint64,
	filter edgeFilter) []fwire.PublicKey {

	parents := make(map[fwire.PublicKey]fwire.PublicKey)
	visited := map[fwire.PublicKey]struct{}{src: {}}

	queue := []fwire.PublicKey{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, next := range g.neighborsWithSendCapacity(cur, capacity) {
			if filter != nil && !filter(cur, next) {
				continue
			}

			// Arrival at the destination is checked before the
			// visited set, so that cycles back to the source are
			// found.
			if next == dst {
				route := []fwire.PublicKey{dst}
				for node := cur; ; node = parents[node] {
					route = append(route, node)
					if node == src {
						break
					}
				}
				for i, j := 0, len(route)-1; i < j; i, j = i+1, j-1 {
					route[i], route[j] = route[j], route[i]
				}
				return route
			}

			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			parents[next] = cur
			queue = append(queue, next)
		}
	}

	return nil
}

// Route returns a shortest route from a to b whose every hop can carry at
// least the passed capacity, together with the actual capacity the route
// can carry.
func (g *CapacityGraph) Route(a, b fwire.PublicKey,
	capacity uint64) ([]fwire.PublicKey, uint64, bool) {

	route := g.bfs(a, b, capacity, nil)
	if route == nil {
		return nil, 0, false
	}
	return route, g.routeCapacity(route), true
}

// LoopFrom returns a shortest cycle from a through the passed neighbor
// back to itself, with the direct return edge neighbor -> a disallowed:
//
//	a -> neighbor -> ... -> a
func (g *CapacityGraph) LoopFrom(a, neighbor fwire.PublicKey,
	capacity uint64) ([]fwire.PublicKey, uint64, bool) {

	filter := func(cur, next fwire.PublicKey) bool {
		return !(cur == neighbor && next == a)
	}

	if g.SendCapacity(a, neighbor) < capacity {
		return nil, 0, false
	}
	rest := g.bfs(neighbor, a, capacity, filter)
	if rest == nil {
		return nil, 0, false
	}
	route := append([]fwire.PublicKey{a}, rest...)
	return route, g.routeCapacity(route), true
}

// LoopTo returns a shortest cycle from a back to itself through the passed
// neighbor, with the direct first hop a -> neighbor disallowed:
//
//	a -> ... -> neighbor -> a
func (g *CapacityGraph) LoopTo(a, neighbor fwire.PublicKey,
	capacity uint64) ([]fwire.PublicKey, uint64, bool) {

	filter := func(cur, next fwire.PublicKey) bool {
		return !(cur == a && next == neighbor)
	}

	if g.SendCapacity(neighbor, a) < capacity {
		return nil, 0, false
	}
	route := g.bfs(a, neighbor, capacity, filter)
	if route == nil {
		return nil, 0, false
	}
	route = append(route, a)
	return route, g.routeCapacity(route), true
}
