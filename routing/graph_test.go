package routing

import (
	"reflect"
	"testing"

	"github.com/stephensong/offst/fwire"
)

// testPk builds a distinct public key from a small integer, so graph tests
// can speak in terms of node numbers.
func testPk(n byte) fwire.PublicKey {
	var pk fwire.PublicKey
	pk[0] = n
	pk[1] = 0xfe
	return pk
}

// testRoute converts a list of node numbers into the expected route.
func testRoute(nodes ...byte) []fwire.PublicKey {
	route := make([]fwire.PublicKey, 0, len(nodes))
	for _, n := range nodes {
		route = append(route, testPk(n))
	}
	return route
}

// TestSendCapacityBasic asserts that the effective send capacity combines
// the send report of one side with the recv report of the other.
func TestSendCapacityBasic(t *testing.T) {
	g := NewCapacityGraph()

	g.UpdateEdge(testPk(0), testPk(1), CapacityEdge{Send: 10, Recv: 20})
	g.UpdateEdge(testPk(1), testPk(0), CapacityEdge{Send: 15, Recv: 5})

	if cap := g.SendCapacity(testPk(0), testPk(1)); cap != 5 {
		t.Fatalf("send capacity 0->1: expected 5, got %v", cap)
	}
	if cap := g.SendCapacity(testPk(1), testPk(0)); cap != 15 {
		t.Fatalf("send capacity 1->0: expected 15, got %v", cap)
	}
}

// TestSendCapacityOneSided asserts that a hop with a missing reverse edge
// carries no capacity at all.
func TestSendCapacityOneSided(t *testing.T) {
	g := NewCapacityGraph()

	g.UpdateEdge(testPk(0), testPk(1), CapacityEdge{Send: 10, Recv: 20})

	if cap := g.SendCapacity(testPk(0), testPk(1)); cap != 0 {
		t.Fatalf("send capacity 0->1: expected 0, got %v", cap)
	}
	if cap := g.SendCapacity(testPk(1), testPk(0)); cap != 0 {
		t.Fatalf("send capacity 1->0: expected 0, got %v", cap)
	}
}

// TestAddRemoveEdge exercises edge replacement, removal with submap
// pruning, and the deliberate asymmetry of RemoveNode.
func TestAddRemoveEdge(t *testing.T) {
	g := NewCapacityGraph()

	if _, ok := g.RemoveEdge(testPk(0), testPk(1)); ok {
		t.Fatalf("removed an edge from an empty graph")
	}

	g.UpdateEdge(testPk(0), testPk(1), CapacityEdge{Send: 10, Recv: 20})
	if g.NumNodes() != 1 {
		t.Fatalf("expected 1 node, got %v", g.NumNodes())
	}

	prev, ok := g.RemoveEdge(testPk(0), testPk(1))
	if !ok || prev != (CapacityEdge{Send: 10, Recv: 20}) {
		t.Fatalf("unexpected removed edge: %v (ok=%v)", prev, ok)
	}
	if g.NumNodes() != 0 {
		t.Fatalf("empty adjacency map was not pruned")
	}

	// Removing node 1 must not delete the edge owned by node 0.
	g.UpdateEdge(testPk(0), testPk(1), CapacityEdge{Send: 10, Recv: 20})
	g.RemoveNode(testPk(1))
	if g.NumNodes() != 1 {
		t.Fatalf("RemoveNode deleted an inbound edge")
	}
}

// buildTestGraph assembles the routing vector:
//
//	0 --> 1 --> 2 --> 5
//	      |     ^
//	      V     |
//	      3 --> 4
func buildTestGraph() *CapacityGraph {
	g := NewCapacityGraph()

	g.UpdateEdge(testPk(0), testPk(1), CapacityEdge{Send: 30, Recv: 10})
	g.UpdateEdge(testPk(1), testPk(0), CapacityEdge{Send: 10, Recv: 30})

	g.UpdateEdge(testPk(1), testPk(2), CapacityEdge{Send: 10, Recv: 10})
	g.UpdateEdge(testPk(2), testPk(1), CapacityEdge{Send: 10, Recv: 10})

	g.UpdateEdge(testPk(2), testPk(5), CapacityEdge{Send: 30, Recv: 5})
	g.UpdateEdge(testPk(5), testPk(2), CapacityEdge{Send: 5, Recv: 30})

	g.UpdateEdge(testPk(1), testPk(3), CapacityEdge{Send: 30, Recv: 8})
	g.UpdateEdge(testPk(3), testPk(1), CapacityEdge{Send: 8, Recv: 30})

	g.UpdateEdge(testPk(3), testPk(4), CapacityEdge{Send: 30, Recv: 6})
	g.UpdateEdge(testPk(4), testPk(3), CapacityEdge{Send: 6, Recv: 30})

	g.UpdateEdge(testPk(4), testPk(2), CapacityEdge{Send: 30, Recv: 18})
	g.UpdateEdge(testPk(2), testPk(4), CapacityEdge{Send: 18, Recv: 30})

	return g
}

// TestGetRoute asserts the routing vector: the short path through node 2
// cannot carry 25 credits, so the search detours through 3 and 4.
func TestGetRoute(t *testing.T) {
	g := buildTestGraph()

	route, capacity, ok := g.Route(testPk(0), testPk(5), 25)
	if !ok {
		t.Fatalf("expected a route from 0 to 5")
	}
	if !reflect.DeepEqual(route, testRoute(0, 1, 3, 4, 2, 5)) {
		t.Fatalf("unexpected route: %v", route)
	}
	if capacity != 30 {
		t.Fatalf("expected capacity 30, got %v", capacity)
	}
}

// TestGetRouteNone asserts that an unsatisfiable capacity yields no route,
// and that the returned capacity always equals the route's actual minimum.
func TestGetRouteNone(t *testing.T) {
	g := buildTestGraph()

	if _, _, ok := g.Route(testPk(0), testPk(5), 31); ok {
		t.Fatalf("found a route beyond every edge's capacity")
	}

	// At capacity 5 the short path through node 2 opens up.
	route, capacity, ok := g.Route(testPk(0), testPk(5), 5)
	if !ok {
		t.Fatalf("expected a route from 0 to 5")
	}
	if !reflect.DeepEqual(route, testRoute(0, 1, 2, 5)) {
		t.Fatalf("unexpected route: %v", route)
	}
	if capacity != 10 {
		t.Fatalf("expected capacity 10, got %v", capacity)
	}
}

// TestLoops asserts that both loop queries return cycles of length at
// least two and honor their forbidden edge.
func TestLoops(t *testing.T) {
	g := NewCapacityGraph()

	// A triangle 0 <-> 1 <-> 2 <-> 0 with ample symmetric capacity.
	for _, pair := range [][2]byte{{0, 1}, {1, 2}, {2, 0}} {
		a, b := testPk(pair[0]), testPk(pair[1])
		g.UpdateEdge(a, b, CapacityEdge{Send: 50, Recv: 50})
		g.UpdateEdge(b, a, CapacityEdge{Send: 50, Recv: 50})
	}

	route, capacity, ok := g.LoopFrom(testPk(0), testPk(1), 10)
	if !ok {
		t.Fatalf("expected a loop from 0 through 1")
	}
	if len(route) < 3 || route[0] != testPk(0) ||
		route[len(route)-1] != testPk(0) {

		t.Fatalf("malformed loop route: %v", route)
	}
	// The direct return edge 1 -> 0 is forbidden.
	for i := 0; i+1 < len(route); i++ {
		if route[i] == testPk(1) && route[i+1] == testPk(0) {
			t.Fatalf("loop used forbidden edge 1 -> 0: %v", route)
		}
	}
	if capacity != 50 {
		t.Fatalf("expected capacity 50, got %v", capacity)
	}

	route, _, ok = g.LoopTo(testPk(0), testPk(1), 10)
	if !ok {
		t.Fatalf("expected a loop to 0 through 1")
	}
	if route[0] != testPk(0) || route[1] == testPk(1) {
		t.Fatalf("loop used forbidden first hop 0 -> 1: %v", route)
	}
}
