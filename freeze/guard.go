package freeze

import (
	"github.com/holiman/uint256"

	"github.com/stephensong/offst/fwire"
)

// pairKey identifies one directed hop of a route passing through this node.
type pairKey struct {
	prev fwire.PublicKey
	next fwire.PublicKey
}

// Guard accounts for the credits this node has frozen on behalf of
// in-flight routed requests, attributed to every upstream hop pair of each
// request's route. It is the node's protection against frozen-credit
// exhaustion: before relaying a new request, the whole freeze chain is
// re-validated against the budgets declared by the chain's freeze links.
//
// The guard is logically part of the funder state and is only touched from
// the handler, so it requires no locking of its own.
type Guard struct {
	localPubKey fwire.PublicKey

	// frozen maps a directed hop pair to the sum of credits this node
	// froze for requests whose route traverses that pair upstream of us.
	frozen map[pairKey]uint64
}

// NewGuard creates an empty freeze guard for the passed local key.
func NewGuard(localPubKey fwire.PublicKey) *Guard {
	return &Guard{
		localPubKey: localPubKey,
		frozen:      make(map[pairKey]uint64),
	}
}

// localCredits returns the credits this node freezes for the passed pending
// request, together with the upstream hop pairs of its route.
func (g *Guard) localCredits(pending *fwire.PendingRequest) (uint64, []pairKey) {
	localIndex, ok := pending.Route.PkToIndex(g.localPubKey)
	if !ok {
		return 0, nil
	}

	credits := pending.CreditsToFreeze(localIndex)

	pairs := make([]pairKey, 0, localIndex)
	for i := 0; i < localIndex; i++ {
		pairs = append(pairs, pairKey{
			prev: pending.Route.PublicKeys[i],
			next: pending.Route.PublicKeys[i+1],
		})
	}

	return credits, pairs
}

// AddFrozenCredit records the credits frozen for a newly pending request
// against every upstream hop pair of its route.
func (g *Guard) AddFrozenCredit(pending *fwire.PendingRequest) {
	credits, pairs := g.localCredits(pending)
	for _, pair := range pairs {
		g.frozen[pair] += credits
	}
}

// SubFrozenCredit releases the credits recorded for a settled or cancelled
// pending request. It is the exact inverse of AddFrozenCredit.
func (g *Guard) SubFrozenCredit(pending *fwire.PendingRequest) {
	credits, pairs := g.localCredits(pending)
	for _, pair := range pairs {
		remaining := g.frozen[pair] - credits
		if remaining == 0 {
			delete(g.frozen, pair)
			continue
		}
		g.frozen[pair] = remaining
	}
}

// FrozenCredits returns the credits currently frozen and attributed to the
// passed directed hop pair.
func (g *Guard) FrozenCredits(prev, next fwire.PublicKey) uint64 {
	return g.frozen[pairKey{prev: prev, next: next}]
}

// VerifyFreezingLinks checks an incoming request's freeze chain against the
// guard's accounting. For every link already on the chain, the credits this
// node would hold frozen and attributed to that link's hop pair — including
// the new request — must stay within the link's declared budget: its shared
// credits attenuated by the usable ratios of itself and every link after
// it. A false return means the request must be refused with a signed
// failure.
func (g *Guard) VerifyFreezingLinks(req *fwire.RequestSendFunds) bool {
	localIndex, ok := req.Route.PkToIndex(g.localPubKey)
	if !ok {
		return false
	}

	// The chain must carry exactly one link per hop already traversed.
	if len(req.FreezeLinks) != localIndex {
		log.Debugf("Request %x carries %d freeze links at hop %d",
			req.RequestID, len(req.FreezeLinks), localIndex)
		return false
	}

	pending := req.CreatePendingRequest()
	newCredits := pending.CreditsToFreeze(localIndex)

	for i, link := range req.FreezeLinks {
		allowed := applyRatios(
			link.SharedCredits, req.FreezeLinks[i:])

		pair := pairKey{
			prev: req.Route.PublicKeys[i],
			next: req.Route.PublicKeys[i+1],
		}
		total := g.frozen[pair] + newCredits
		if total < newCredits {
			// Overflow always exceeds any budget.
			return false
		}

		if total > allowed {
			log.Debugf("Request %x would freeze %d credits "+
				"against link %d, budget is %d",
				req.RequestID, total, i, allowed)
			return false
		}
	}

	return true
}

// applyRatios attenuates the passed credit amount by the usable ratios of
// every link in the slice, in order.
func applyRatios(credits uint64, links []fwire.FreezeLink) uint64 {
	acc := uint256.NewInt(credits)

	for _, link := range links {
		if link.UsableRatio.One {
			continue
		}

		var numerator uint256.Int
		numerator.SetBytes(link.UsableRatio.Numerator[:])

		// acc = acc * numerator / 2^128.
		acc.Mul(acc, &numerator)
		acc.Rsh(acc, 128)
	}

	return acc.Uint64()
}

// CalcUsableRatio computes the ratio a relay attaches to its own freeze
// link: the share of its previous-hop trust the downstream route may
// freeze, scaled against the forward trust relative to the total trust not
// already committed to the previous hop. The result is clamped to one when
// the numerator overflows 128 bits or the denominator vanishes.
func CalcUsableRatio(forwardTrust, totalTrust, prevTrust uint64) fwire.Ratio {
	if totalTrust <= prevTrust {
		return fwire.RatioOne()
	}
	denom := totalTrust - prevTrust

	// numerator = 2^128 * forwardTrust / denom.
	numerator := uint256.NewInt(forwardTrust)
	numerator.Lsh(numerator, 128)
	numerator.Div(numerator, uint256.NewInt(denom))

	if numerator.BitLen() > 128 {
		return fwire.RatioOne()
	}

	bytes32 := numerator.Bytes32()

	var ratio fwire.Ratio
	copy(ratio.Numerator[:], bytes32[16:])
	return ratio
}
