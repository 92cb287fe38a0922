package routing

import (
	"github.com/stephensong/offst/fwire"
)

// Verifier validates that routing announcements are fresh and in order,
// combining the hash clock's freshness proof with the ratchet pool's
// monotonic counters. Only messages that pass both checks reach the
// capacity graph.
//
// Both components share one ticksToLive value with the following
// convention: an entry created or refreshed during tick t stays live
// through ticksToLive-1 subsequent Tick calls, and is dropped by the call
// that starts tick t+ticksToLive.
type Verifier struct {
	hashClock   *HashClock
	ratchetPool *RatchetPool
}

// NewVerifier creates a verifier with the passed shared lifetime.
func NewVerifier(ticksToLive int) *Verifier {
	return &Verifier{
		hashClock:   NewHashClock(ticksToLive),
		ratchetPool: NewRatchetPool(ticksToLive),
	}
}

// Verify checks an announcement's freshness proof and counter. On success
// the ratchet advances and the expansion of the tick hash the chain landed
// on is returned, for the caller to forward as its own proof material.
func (v *Verifier) Verify(originTickHash TickHash,
	expansionChain [][]TickHash, node fwire.PublicKey,
	sessionID fwire.Uid, counter uint64) ([]TickHash, bool) {

	// Check the hash time stamp.
	tickHash, ok := v.hashClock.VerifyExpansionChain(
		originTickHash, expansionChain)
	if !ok {
		return nil, false
	}

	// Update ratchets. This protects against out of order messages.
	if !v.ratchetPool.Update(node, sessionID, counter) {
		return nil, false
	}

	// If we got here, the message was new.
	expansion, _ := v.hashClock.GetExpansion(tickHash)
	return expansion, true
}

// Tick advances the hash clock with the passed random value and ages every
// ratchet.
func (v *Verifier) Tick(randValue fwire.RandValue) TickHash {
	v.ratchetPool.Tick()
	return v.hashClock.Tick(randValue)
}

// NeighborTick records a neighbor's reported tick hash into the current
// clock window.
func (v *Verifier) NeighborTick(neighbor fwire.PublicKey,
	tickHash TickHash) (TickHash, bool) {

	return v.hashClock.NeighborTick(neighbor, tickHash)
}

// RemoveNeighbor drops the pending tick hash of the passed neighbor.
func (v *Verifier) RemoveNeighbor(neighbor fwire.PublicKey) {
	v.hashClock.RemoveNeighbor(neighbor)
}
