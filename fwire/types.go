package fwire

import (
	"bytes"
	"fmt"
)

const (
	// PubKeyLen is the length of a serialized compressed public key.
	PubKeyLen = 33

	// UidLen is the length of a request or payment identifier.
	UidLen = 16

	// RandValueLen is the length of a random nonce.
	RandValueLen = 16

	// TokenLen is the length of a channel token fingerprint.
	TokenLen = 32

	// InvoiceIDLen is the length of an invoice identifier.
	InvoiceIDLen = 32
)

// PublicKey is the serialized compressed public key of a node. It is used
// as the canonical identity of a friend throughout the funder, and as a map
// key wherever per-friend state is indexed.
type PublicKey [PubKeyLen]byte

// String returns a hex prefix of the public key, suitable for logging.
func (p PublicKey) String() string {
	return fmt.Sprintf("%x", p[:8])
}

// Uid uniquely identifies a request as it travels along a route. The origin
// of a request generates it, and every hop refers to the request by it.
type Uid [UidLen]byte

// RandValue is a random nonce mixed into token derivation and signature
// buffers to prevent replay of otherwise identical payloads.
type RandValue [RandValueLen]byte

// ChannelToken is the fingerprint of a move token message. Consecutive move
// tokens form a hash chain: each message carries the token of its
// predecessor as old token, and its own fingerprint as new token.
type ChannelToken [TokenLen]byte

// InvoiceID identifies the invoice a payment request settles.
type InvoiceID [InvoiceIDLen]byte

// Signature is a DER encoded signature over one of the canonical signature
// buffers. Signatures are variable length and are length prefixed on the
// wire.
type Signature []byte

// Ratio is a fraction of at most one. Unless One is set, the fraction is
// Numerator / 2^128, with Numerator interpreted as a 128-bit big-endian
// integer. A relay uses a Ratio to bound how much of its shared credits each
// downstream hop may freeze.
type Ratio struct {
	// One marks the ratio as exactly one. When set, Numerator is ignored
	// and must be all zeroes.
	One bool

	// Numerator is the 128-bit big-endian numerator of the fraction over
	// 2^128.
	Numerator [16]byte
}

// RatioOne is the ratio exactly equal to one.
func RatioOne() Ratio {
	return Ratio{One: true}
}

// FreezeLink is one hop's contribution to a route-wide credit reservation
// proof. Each relay appends a link describing how many credits it shares
// with the next hop, and which fraction of those the downstream route is
// permitted to freeze.
type FreezeLink struct {
	// SharedCredits is the amount of credits the relay shares with the
	// next hop on the route.
	SharedCredits uint64

	// UsableRatio is the fraction of SharedCredits the downstream hops
	// may freeze.
	UsableRatio Ratio
}

// Route is an ordered sequence of distinct public keys a request travels
// along. The first key is the origin of the request and the last key is the
// destination.
type Route struct {
	PublicKeys []PublicKey
}

// Len returns the number of nodes on the route.
func (r *Route) Len() int {
	return len(r.PublicKeys)
}

// IsValid returns true if the route is non-empty and contains no repeated
// public keys.
func (r *Route) IsValid() bool {
	if len(r.PublicKeys) == 0 {
		return false
	}

	seen := make(map[PublicKey]struct{}, len(r.PublicKeys))
	for _, pk := range r.PublicKeys {
		if _, ok := seen[pk]; ok {
			return false
		}
		seen[pk] = struct{}{}
	}

	return true
}

// PkToIndex returns the position of the passed public key on the route.
func (r *Route) PkToIndex(pk PublicKey) (int, bool) {
	for i, routePk := range r.PublicKeys {
		if routePk == pk {
			return i, true
		}
	}
	return 0, false
}

// IndexToPk returns the public key at the passed position of the route.
func (r *Route) IndexToPk(index int) (PublicKey, bool) {
	if index < 0 || index >= len(r.PublicKeys) {
		return PublicKey{}, false
	}
	return r.PublicKeys[index], true
}

// Dest returns the public key of the final node on the route.
func (r *Route) Dest() PublicKey {
	return r.PublicKeys[len(r.PublicKeys)-1]
}

// Bytes returns the canonical serialization of the route, as used inside
// signature buffers and token derivation.
func (r *Route) Bytes() []byte {
	var b bytes.Buffer
	if err := writeElement(&b, *r); err != nil {
		// A bytes.Buffer write cannot fail.
		panic(err)
	}
	return b.Bytes()
}

// PendingRequest is the immutable record of an in-flight request, as stored
// within the pending tables of a token channel ledger. It carries everything
// needed to later validate the matching response or failure, and to compute
// the credits frozen at each hop.
type PendingRequest struct {
	RequestID   Uid
	Route       Route
	DestPayment uint64
	FeePerHop   uint64
	InvoiceID   InvoiceID
	FreezeLinks []FreezeLink
}

// CreditsToFreeze returns the amount of credits frozen for this request on
// the channel whose receiving side sits at the passed route index. The
// amount covers the destination payment plus one hop fee for every remaining
// intermediate relay, so that each relay earns one fee when the request
// settles.
func (p *PendingRequest) CreditsToFreeze(index int) uint64 {
	remainingHops := uint64(p.Route.Len() - index - 1)
	return p.DestPayment + remainingHops*p.FeePerHop
}
