package routing

import (
	"github.com/go-errors/errors"

	"github.com/stephensong/offst/fwire"
)

var (
	// ErrStaleAnnouncement is returned when an announcement fails the
	// freshness or ordering checks.
	ErrStaleAnnouncement = errors.New("stale or replayed announcement")
)

// AnnouncedEdge is one capacity update carried by an announcement: the
// announcing node's directed edge towards a neighbor, or its removal.
type AnnouncedEdge struct {
	// Neighbor is the far end of the edge.
	Neighbor fwire.PublicKey

	// Edge carries the announced capacities. Ignored when Remove is set.
	Edge CapacityEdge

	// Remove indicates the edge is being withdrawn.
	Remove bool
}

// Announcement is a node's signed-and-transported statement of its current
// outgoing capacities, stamped with freshness proof material.
type Announcement struct {
	// Node is the announcing node. Only edges owned by it are affected.
	Node fwire.PublicKey

	// SessionID identifies the announcing node's current session.
	SessionID fwire.Uid

	// Counter strictly increases within a session.
	Counter uint64

	// OriginTickHash and ExpansionChain prove the announcement is recent
	// with respect to our hash clock.
	OriginTickHash TickHash
	ExpansionChain [][]TickHash

	// Edges is the list of capacity updates.
	Edges []AnnouncedEdge

	// Offline indicates the node is going away: all of its outgoing
	// edges are removed and Edges is ignored.
	Offline bool
}

// Router answers route queries for an index server: announcements are
// verified for freshness, folded into the capacity graph, and routes of
// requested capacity served from it.
type Router struct {
	verifier *Verifier
	graph    *CapacityGraph
}

// NewRouter creates a router whose verifier keeps the passed number of
// ticks of live history.
func NewRouter(ticksToLive int) *Router {
	return &Router{
		verifier: NewVerifier(ticksToLive),
		graph:    NewCapacityGraph(),
	}
}

// ApplyAnnouncement verifies an announcement and mutates the capacity
// graph accordingly. The expansion material for relaying the announcement
// onwards is returned.
func (r *Router) ApplyAnnouncement(ann *Announcement) ([]TickHash, error) {
	expansion, ok := r.verifier.Verify(ann.OriginTickHash,
		ann.ExpansionChain, ann.Node, ann.SessionID, ann.Counter)
	if !ok {
		log.Debugf("Dropping announcement from %v with counter %d: "+
			"stale or replayed", ann.Node, ann.Counter)
		return nil, ErrStaleAnnouncement
	}

	if ann.Offline {
		log.Infof("Node %v went offline, removing its edges", ann.Node)
		r.graph.RemoveNode(ann.Node)
		r.verifier.RemoveNeighbor(ann.Node)
		return expansion, nil
	}

	for _, edge := range ann.Edges {
		if edge.Remove {
			r.graph.RemoveEdge(ann.Node, edge.Neighbor)
			continue
		}
		r.graph.UpdateEdge(ann.Node, edge.Neighbor, edge.Edge)
	}

	log.Tracef("Applied announcement from %v: %d edge updates",
		ann.Node, len(ann.Edges))

	return expansion, nil
}

// Tick advances the router's clock with the passed random value.
func (r *Router) Tick(randValue fwire.RandValue) TickHash {
	return r.verifier.Tick(randValue)
}

// NeighborTick records a neighbor index server's tick hash.
func (r *Router) NeighborTick(neighbor fwire.PublicKey,
	tickHash TickHash) (TickHash, bool) {

	return r.verifier.NeighborTick(neighbor, tickHash)
}

// Route returns a route from a to b able to carry at least the passed
// capacity.
func (r *Router) Route(a, b fwire.PublicKey,
	capacity uint64) ([]fwire.PublicKey, uint64, bool) {

	return r.graph.Route(a, b, capacity)
}

// LoopFrom returns a rebalancing cycle a -> neighbor -> ... -> a.
func (r *Router) LoopFrom(a, neighbor fwire.PublicKey,
	capacity uint64) ([]fwire.PublicKey, uint64, bool) {

	return r.graph.LoopFrom(a, neighbor, capacity)
}

// LoopTo returns a rebalancing cycle a -> ... -> neighbor -> a.
func (r *Router) LoopTo(a, neighbor fwire.PublicKey,
	capacity uint64) ([]fwire.PublicKey, uint64, bool) {

	return r.graph.LoopTo(a, neighbor, capacity)
}

// Graph exposes the underlying capacity graph.
func (r *Router) Graph() *CapacityGraph {
	return r.graph
}
