package routing

import (
	"bytes"
	"sort"

	"github.com/btcsuite/fastsha256"

	"github.com/stephensong/offst/fwire"
)

// TickHash is the digest a node's hash clock produces once per tick.
type TickHash [32]byte

// HashClock bounds the freshness of messages a node accepts. Every tick
// the clock folds a random value and all neighbor-reported tick hashes
// into a new local tick hash, keeping a bounded history. A remote message
// proves its freshness with an expansion chain leading from its origin tick
// hash into a hash that is still within the live history.
type HashClock struct {
	ticksToLive int

	// history keeps the live local tick hashes, oldest first.
	history []TickHash

	// expansions maps each live local tick hash to the hashes it was
	// derived from.
	expansions map[TickHash][]TickHash

	// pending collects the hashes reported by neighbors during the
	// current tick's window, keyed by reporting neighbor.
	pending map[fwire.PublicKey]TickHash
}

// NewHashClock creates a hash clock keeping the passed number of ticks of
// live history. See NewVerifier for the exact aging convention.
func NewHashClock(ticksToLive int) *HashClock {
	if ticksToLive <= 0 {
		panic("hash clock requires a positive ticks to live")
	}

	return &HashClock{
		ticksToLive: ticksToLive,
		expansions:  make(map[TickHash][]TickHash),
		pending:     make(map[fwire.PublicKey]TickHash),
	}
}

// hashExpansion folds a list of hashes into a single digest.
func hashExpansion(hashes []TickHash) TickHash {
	h := fastsha256.New()
	for _, hash := range hashes {
		h.Write(hash[:])
	}

	var digest TickHash
	copy(digest[:], h.Sum(nil))
	return digest
}

// NeighborTick records the current tick hash a neighbor reported, to be
// folded into our next local tick hash. The hash it displaces from the same
// neighbor, if any, is returned.
func (c *HashClock) NeighborTick(neighbor fwire.PublicKey,
	tickHash TickHash) (TickHash, bool) {

	displaced, hadPrev := c.pending[neighbor]
	c.pending[neighbor] = tickHash
	return displaced, hadPrev
}

// RemoveNeighbor drops any pending hash reported by the passed neighbor.
func (c *HashClock) RemoveNeighbor(neighbor fwire.PublicKey) {
	delete(c.pending, neighbor)
}

// Tick advances the clock: the passed random value and every pending
// neighbor hash become the expansion of a new local tick hash, and the
// oldest history entry beyond the live window is forgotten.
func (c *HashClock) Tick(randValue fwire.RandValue) TickHash {
	seed := TickHash(fastsha256.Sum256(randValue[:]))

	neighbors := make([]fwire.PublicKey, 0, len(c.pending))
	for neighbor := range c.pending {
		neighbors = append(neighbors, neighbor)
	}
	sort.Slice(neighbors, func(i, j int) bool {
		return bytes.Compare(neighbors[i][:], neighbors[j][:]) < 0
	})

	expansion := make([]TickHash, 0, len(neighbors)+1)
	expansion = append(expansion, seed)
	for _, neighbor := range neighbors {
		expansion = append(expansion, c.pending[neighbor])
	}
	c.pending = make(map[fwire.PublicKey]TickHash)

	tickHash := hashExpansion(expansion)
	c.history = append(c.history, tickHash)
	c.expansions[tickHash] = expansion

	for len(c.history) > c.ticksToLive {
		expired := c.history[0]
		c.history = c.history[1:]
		delete(c.expansions, expired)
	}

	return tickHash
}

// LastTickHash returns the most recent local tick hash.
func (c *HashClock) LastTickHash() (TickHash, bool) {
	if len(c.history) == 0 {
		return TickHash{}, false
	}
	return c.history[len(c.history)-1], true
}

// GetExpansion returns the hashes a live local tick hash was derived from.
func (c *HashClock) GetExpansion(tickHash TickHash) ([]TickHash, bool) {
	expansion, ok := c.expansions[tickHash]
	return expansion, ok
}

// VerifyExpansionChain walks an expansion chain from the passed origin tick
// hash: every level must contain the hash reached so far and folds into the
// hash carried forward, and the final hash must be a live local tick hash,
// which is returned. An empty chain requires the origin itself to be live.
func (c *HashClock) VerifyExpansionChain(originTickHash TickHash,
	expansionChain [][]TickHash) (TickHash, bool) {

	cur := originTickHash
	for _, level := range expansionChain {
		found := false
		for _, hash := range level {
			if hash == cur {
				found = true
				break
			}
		}
		if !found {
			return TickHash{}, false
		}

		cur = hashExpansion(level)
	}

	if _, ok := c.expansions[cur]; !ok {
		return TickHash{}, false
	}
	return cur, true
}
