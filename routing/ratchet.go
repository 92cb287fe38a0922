package routing

import (
	"github.com/stephensong/offst/fwire"
)

// ratchetKey identifies the monotonic counter of one announcement session.
type ratchetKey struct {
	node      fwire.PublicKey
	sessionID fwire.Uid
}

// ratchet is a single monotonic counter with a bounded lifetime.
type ratchet struct {
	counter   uint64
	ticksLeft int
}

// RatchetPool protects against replay of stale announcements: per node and
// session it accepts only strictly increasing counters. A ratchet that is
// not refreshed within its lifetime is forgotten, after which any counter
// for a fresh session is accepted again.
type RatchetPool struct {
	ticksToLive int

	ratchets map[ratchetKey]*ratchet
}

// NewRatchetPool creates an empty ratchet pool with the passed lifetime.
// See NewVerifier for the exact aging convention.
func NewRatchetPool(ticksToLive int) *RatchetPool {
	if ticksToLive <= 0 {
		panic("ratchet pool requires a positive ticks to live")
	}

	return &RatchetPool{
		ticksToLive: ticksToLive,
		ratchets:    make(map[ratchetKey]*ratchet),
	}
}

// Update advances the ratchet of the passed node and session. It returns
// true if the counter is new for the session or strictly exceeds the stored
// one; the ratchet's lifetime is refreshed in that case.
func (p *RatchetPool) Update(node fwire.PublicKey, sessionID fwire.Uid,
	counter uint64) bool {

	key := ratchetKey{node: node, sessionID: sessionID}

	r, ok := p.ratchets[key]
	if !ok {
		p.ratchets[key] = &ratchet{
			counter:   counter,
			ticksLeft: p.ticksToLive,
		}
		return true
	}

	if counter <= r.counter {
		return false
	}

	r.counter = counter
	r.ticksLeft = p.ticksToLive
	return true
}

// Tick ages every ratchet by one tick, forgetting the ones whose lifetime
// elapsed without an update.
func (p *RatchetPool) Tick() {
	for key, r := range p.ratchets {
		r.ticksLeft--
		if r.ticksLeft <= 0 {
			delete(p.ratchets, key)
		}
	}
}

// NumRatchets returns the number of live ratchets.
func (p *RatchetPool) NumRatchets() int {
	return len(p.ratchets)
}
