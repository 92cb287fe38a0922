package routing

import (
	"testing"

	"github.com/stephensong/offst/fwire"
)

// testRand builds a deterministic random value from a seed byte.
func testRand(n byte) fwire.RandValue {
	var rv fwire.RandValue
	rv[0] = n
	return rv
}

// TestRatchetMonotonic asserts that per (node, session) counters must
// strictly increase, while distinct sessions track independently.
func TestRatchetMonotonic(t *testing.T) {
	pool := NewRatchetPool(4)

	node := testPk(1)
	session := fwire.Uid{1}

	if !pool.Update(node, session, 5) {
		t.Fatalf("first counter rejected")
	}
	if pool.Update(node, session, 5) {
		t.Fatalf("replayed counter accepted")
	}
	if pool.Update(node, session, 4) {
		t.Fatalf("stale counter accepted")
	}
	if !pool.Update(node, session, 6) {
		t.Fatalf("increasing counter rejected")
	}

	// A fresh session starts its own ratchet.
	otherSession := fwire.Uid{2}
	if !pool.Update(node, otherSession, 1) {
		t.Fatalf("fresh session rejected")
	}
}

// TestRatchetAging asserts that an unrefreshed ratchet is forgotten after
// its lifetime, after which any counter is fresh again.
func TestRatchetAging(t *testing.T) {
	pool := NewRatchetPool(2)

	node := testPk(1)
	session := fwire.Uid{1}

	pool.Update(node, session, 10)

	pool.Tick()
	if pool.Update(node, session, 3) {
		t.Fatalf("stale counter accepted while ratchet alive")
	}

	pool.Tick()
	pool.Tick()
	if pool.NumRatchets() != 0 {
		t.Fatalf("expired ratchet not forgotten")
	}

	// Note that the failed update above refreshed nothing; the counter 3
	// is acceptable once the ratchet is gone.
	if !pool.Update(node, session, 3) {
		t.Fatalf("counter rejected after ratchet expiry")
	}
}

// TestHashClockExpansion asserts that a neighbor-reported hash is provable
// through an expansion chain while the covering tick hash is live, and
// rejected once it ages out.
func TestHashClockExpansion(t *testing.T) {
	clock := NewHashClock(3)

	neighborHash := TickHash{0xaa}
	clock.NeighborTick(testPk(9), neighborHash)

	tickHash := clock.Tick(testRand(1))

	expansion, ok := clock.GetExpansion(tickHash)
	if !ok {
		t.Fatalf("expansion of live tick hash missing")
	}

	// The neighbor proves freshness by exhibiting the expansion that
	// folds its hash into our live tick hash.
	if _, ok := clock.VerifyExpansionChain(
		neighborHash, [][]TickHash{expansion}); !ok {

		t.Fatalf("valid expansion chain rejected")
	}

	// An unrelated origin is not contained in the expansion.
	if _, ok := clock.VerifyExpansionChain(
		TickHash{0xbb}, [][]TickHash{expansion}); ok {

		t.Fatalf("foreign origin accepted")
	}

	// Age the covering tick hash out of the live window.
	clock.Tick(testRand(2))
	clock.Tick(testRand(3))
	clock.Tick(testRand(4))

	if _, ok := clock.VerifyExpansionChain(
		neighborHash, [][]TickHash{expansion}); ok {

		t.Fatalf("aged out expansion chain accepted")
	}
}

// TestVerifierFreshCounters asserts the combined behavior: a fresh proof
// with an increasing counter passes exactly once.
func TestVerifierFreshCounters(t *testing.T) {
	v := NewVerifier(4)

	node := testPk(7)
	session := fwire.Uid{7}

	originHash := TickHash{0x07}
	v.NeighborTick(node, originHash)
	tickHash := v.Tick(testRand(1))

	expansion, ok := v.hashClock.GetExpansion(tickHash)
	if !ok {
		t.Fatalf("expansion of live tick hash missing")
	}
	chain := [][]TickHash{expansion}

	if _, ok := v.Verify(originHash, chain, node, session, 1); !ok {
		t.Fatalf("fresh announcement rejected")
	}

	// Same counter again: replay.
	if _, ok := v.Verify(originHash, chain, node, session, 1); ok {
		t.Fatalf("replayed announcement accepted")
	}

	// Higher counter with the still-live proof passes.
	if _, ok := v.Verify(originHash, chain, node, session, 2); !ok {
		t.Fatalf("newer announcement rejected")
	}

	// Age the proof out; even a fresh counter must now fail.
	for i := byte(2); i < 7; i++ {
		v.Tick(testRand(i))
	}
	if _, ok := v.Verify(originHash, chain, node, session, 3); ok {
		t.Fatalf("aged out announcement accepted")
	}
}
