package tokenchannel

import (
	"math"

	"github.com/go-errors/errors"

	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/identity"
)

var (
	// ErrRequestsDisabled is returned when a request arrives while the
	// receiving side has not opened its requests status.
	ErrRequestsDisabled = errors.New("requests are disabled")

	// ErrRequestAlreadyExists is returned when a request id collides with
	// an in-flight request on the same channel.
	ErrRequestAlreadyExists = errors.New("request id already pending")

	// ErrUnknownRequest is returned when a response or failure refers to
	// a request id with no matching pending entry.
	ErrUnknownRequest = errors.New("unknown request id")

	// ErrInsufficientTrust is returned when freezing the credits of a
	// request would push a side beyond its maximum allowed debt.
	ErrInsufficientTrust = errors.New("insufficient trust to freeze credits")

	// ErrMaxDebtTooLow is returned when a max debt update would undercut
	// credits that are already frozen.
	ErrMaxDebtTooLow = errors.New("max debt below pending debt")

	// ErrInvalidRoute is returned when a request's route does not place
	// the two sides of this channel on adjacent hops.
	ErrInvalidRoute = errors.New("invalid route for this channel")

	// ErrInvalidSignature is returned when a response or failure carries
	// a signature that does not verify over its canonical buffer.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidReportingNode is returned when a failure names a
	// reporting node that is not strictly downstream on the route.
	ErrInvalidReportingNode = errors.New("invalid reporting node")

	// ErrCreditOverflow is returned when an amount exceeds the
	// representable credit range.
	ErrCreditOverflow = errors.New("credit amount overflow")
)

// RequestsStatus indicates whether a side of a token channel is currently
// accepting new requests.
type RequestsStatus uint8

const (
	// RequestsClosed indicates the side refuses new requests.
	RequestsClosed RequestsStatus = 0

	// RequestsOpen indicates the side accepts new requests.
	RequestsOpen RequestsStatus = 1
)

// String returns a human readable representation of the requests status.
func (s RequestsStatus) String() string {
	if s == RequestsOpen {
		return "open"
	}
	return "closed"
}

// Ledger is the pair-local credit ledger of a single token channel. The
// balance is signed with positive meaning the remote side owes the local
// side. Both sides of a channel apply identical operation batches and hold
// mirror-image ledgers at every step.
//
// The ledger maintains these invariants after every applied operation:
//
//	-localMaxDebt <= balance - localPendingDebt
//	balance + remotePendingDebt <= remoteMaxDebt
//
// with each pending debt equal to the sum of the frozen credits of the
// matching pending table.
type Ledger struct {
	localPubKey  fwire.PublicKey
	remotePubKey fwire.PublicKey

	balance int64

	localMaxDebt  uint64
	remoteMaxDebt uint64

	localPendingDebt  uint64
	remotePendingDebt uint64

	pendingLocalRequests  map[fwire.Uid]*fwire.PendingRequest
	pendingRemoteRequests map[fwire.Uid]*fwire.PendingRequest

	localRequestsStatus  RequestsStatus
	remoteRequestsStatus RequestsStatus
}

// NewLedger creates a fresh ledger between the two passed keys with the
// passed starting balance, no trust extended in either direction, and both
// request statuses closed.
func NewLedger(localPubKey, remotePubKey fwire.PublicKey,
	balance int64) *Ledger {

	return &Ledger{
		localPubKey:           localPubKey,
		remotePubKey:          remotePubKey,
		balance:               balance,
		pendingLocalRequests:  make(map[fwire.Uid]*fwire.PendingRequest),
		pendingRemoteRequests: make(map[fwire.Uid]*fwire.PendingRequest),
	}
}

// copy returns a deep copy of the ledger, used to apply an operation batch
// tentatively before committing it.
func (l *Ledger) copy() *Ledger {
	c := *l

	c.pendingLocalRequests = make(
		map[fwire.Uid]*fwire.PendingRequest, len(l.pendingLocalRequests))
	for id, pending := range l.pendingLocalRequests {
		c.pendingLocalRequests[id] = pending
	}

	c.pendingRemoteRequests = make(
		map[fwire.Uid]*fwire.PendingRequest, len(l.pendingRemoteRequests))
	for id, pending := range l.pendingRemoteRequests {
		c.pendingRemoteRequests[id] = pending
	}

	return &c
}

// Balance returns the current signed balance. Positive means the remote
// side owes the local side.
func (l *Ledger) Balance() int64 { return l.balance }

// LocalMaxDebt returns the maximum debt the local side may carry.
func (l *Ledger) LocalMaxDebt() uint64 { return l.localMaxDebt }

// RemoteMaxDebt returns the maximum debt the remote side may carry.
func (l *Ledger) RemoteMaxDebt() uint64 { return l.remoteMaxDebt }

// LocalPendingDebt returns the sum of credits currently frozen by requests
// the local side forwarded into this channel.
func (l *Ledger) LocalPendingDebt() uint64 { return l.localPendingDebt }

// RemotePendingDebt returns the sum of credits currently frozen by requests
// the remote side forwarded into this channel.
func (l *Ledger) RemotePendingDebt() uint64 { return l.remotePendingDebt }

// LocalRequestsStatus returns whether the local side accepts new requests.
func (l *Ledger) LocalRequestsStatus() RequestsStatus {
	return l.localRequestsStatus
}

// RemoteRequestsStatus returns whether the remote side accepts new requests.
func (l *Ledger) RemoteRequestsStatus() RequestsStatus {
	return l.remoteRequestsStatus
}

// PendingLocalRequest returns the pending entry for a request the local
// side forwarded, if one exists.
func (l *Ledger) PendingLocalRequest(id fwire.Uid) (*fwire.PendingRequest, bool) {
	pending, ok := l.pendingLocalRequests[id]
	return pending, ok
}

// PendingRemoteRequest returns the pending entry for a request the remote
// side forwarded, if one exists.
func (l *Ledger) PendingRemoteRequest(id fwire.Uid) (*fwire.PendingRequest, bool) {
	pending, ok := l.pendingRemoteRequests[id]
	return pending, ok
}

// PendingLocalRequests returns a copy of the local pending table.
func (l *Ledger) PendingLocalRequests() map[fwire.Uid]*fwire.PendingRequest {
	pendings := make(
		map[fwire.Uid]*fwire.PendingRequest, len(l.pendingLocalRequests))
	for id, pending := range l.pendingLocalRequests {
		pendings[id] = pending
	}
	return pendings
}

// NumPendingLocal returns the number of in-flight requests the local side
// forwarded into this channel.
func (l *Ledger) NumPendingLocal() int { return len(l.pendingLocalRequests) }

// NumPendingRemote returns the number of in-flight requests the remote side
// forwarded into this channel.
func (l *Ledger) NumPendingRemote() int { return len(l.pendingRemoteRequests) }

// channelCredits locates the two sides of this ledger on the passed route
// and returns the credits frozen on this channel for the pending request,
// together with the local side's index. The downstream side of the channel
// determines the frozen amount: it still owes one hop fee less than the
// upstream side paid.
func (l *Ledger) channelCredits(pending *fwire.PendingRequest,
	localIsUpstream bool) (uint64, int, error) {

	localIndex, ok := pending.Route.PkToIndex(l.localPubKey)
	if !ok {
		return 0, 0, ErrInvalidRoute
	}

	var remoteIndex int
	if localIsUpstream {
		remoteIndex = localIndex + 1
	} else {
		remoteIndex = localIndex - 1
	}

	remotePk, ok := pending.Route.IndexToPk(remoteIndex)
	if !ok || remotePk != l.remotePubKey {
		return 0, 0, ErrInvalidRoute
	}

	downstreamIndex := localIndex
	if localIsUpstream {
		downstreamIndex = remoteIndex
	}

	return pending.CreditsToFreeze(downstreamIndex), localIndex, nil
}

// applyRemoteOp applies a single operation composed by the remote side.
// An error leaves the ledger untouched; batch atomicity is enforced by the
// caller applying the batch onto a copy.
func (l *Ledger) applyRemoteOp(op fwire.Op) error {
	switch o := op.(type) {
	case *fwire.SetRemoteMaxDebt:
		// The remote side bounds the debt we may accumulate against
		// it, which mirrors into our local max debt.
		if o.MaxDebt < l.localPendingDebt {
			return ErrMaxDebtTooLow
		}
		l.localMaxDebt = o.MaxDebt

	case *fwire.EnableRequests:
		l.remoteRequestsStatus = RequestsOpen

	case *fwire.DisableRequests:
		l.remoteRequestsStatus = RequestsClosed

	case *fwire.RequestSendFunds:
		return l.applyRemoteRequest(o)

	case *fwire.ResponseSendFunds:
		return l.applyRemoteResponse(o)

	case *fwire.FailureSendFunds:
		return l.applyRemoteFailure(o)

	default:
		return errors.Errorf("unknown operation type %T", op)
	}

	return nil
}

// applyRemoteRequest freezes credits for a request relayed to us by the
// remote side and records it within the remote pending table.
func (l *Ledger) applyRemoteRequest(o *fwire.RequestSendFunds) error {
	if l.localRequestsStatus != RequestsOpen {
		return ErrRequestsDisabled
	}
	if !o.Route.IsValid() {
		return ErrInvalidRoute
	}
	if _, ok := l.pendingRemoteRequests[o.RequestID]; ok {
		return ErrRequestAlreadyExists
	}

	pending := o.CreatePendingRequest()
	credits, _, err := l.channelCredits(pending, false)
	if err != nil {
		return err
	}

	newPendingDebt := l.remotePendingDebt + credits
	if newPendingDebt < l.remotePendingDebt ||
		newPendingDebt > math.MaxInt64 {

		return ErrCreditOverflow
	}

	// Once the request settles, the remote side will owe us the frozen
	// credits on top of the current balance. Refuse to freeze beyond the
	// trust we extended.
	if l.balance+int64(newPendingDebt) > int64(l.remoteMaxDebt) {
		return ErrInsufficientTrust
	}

	l.pendingRemoteRequests[o.RequestID] = pending
	l.remotePendingDebt = newPendingDebt
	return nil
}

// applyRemoteResponse settles a request we forwarded: the frozen credits
// move out of our pending debt and into the balance we owe.
func (l *Ledger) applyRemoteResponse(o *fwire.ResponseSendFunds) error {
	pending, ok := l.pendingLocalRequests[o.RequestID]
	if !ok {
		return ErrUnknownRequest
	}

	sigBuffer := fwire.CreateResponseSignatureBuffer(o, pending)
	if !identity.VerifySignature(sigBuffer, o.Signature, pending.Route.Dest()) {
		return ErrInvalidSignature
	}

	credits, _, err := l.channelCredits(pending, true)
	if err != nil {
		return err
	}

	delete(l.pendingLocalRequests, o.RequestID)
	l.localPendingDebt -= credits
	l.balance -= int64(credits)
	return nil
}

// applyRemoteFailure cancels a request we forwarded: the frozen credits are
// released with no balance movement.
func (l *Ledger) applyRemoteFailure(o *fwire.FailureSendFunds) error {
	pending, ok := l.pendingLocalRequests[o.RequestID]
	if !ok {
		return ErrUnknownRequest
	}

	// The reporting node must sit strictly downstream of us, and cannot
	// be the destination: a destination willing to settle signs a
	// response instead.
	localIndex, ok := pending.Route.PkToIndex(l.localPubKey)
	if !ok {
		return ErrInvalidRoute
	}
	reportIndex, ok := pending.Route.PkToIndex(o.ReportingPK)
	if !ok || reportIndex <= localIndex ||
		reportIndex == pending.Route.Len()-1 {

		return ErrInvalidReportingNode
	}

	sigBuffer := fwire.CreateFailureSignatureBuffer(o, pending)
	if !identity.VerifySignature(sigBuffer, o.Signature, o.ReportingPK) {
		return ErrInvalidSignature
	}

	credits, _, err := l.channelCredits(pending, true)
	if err != nil {
		return err
	}

	delete(l.pendingLocalRequests, o.RequestID)
	l.localPendingDebt -= credits
	return nil
}

// applyLocalOp applies a single operation composed by the local side. It is
// the exact mirror of applyRemoteOp: after both sides process the same
// batch, their ledgers remain mirror images.
func (l *Ledger) applyLocalOp(op fwire.Op) error {
	switch o := op.(type) {
	case *fwire.SetRemoteMaxDebt:
		if o.MaxDebt < l.remotePendingDebt {
			return ErrMaxDebtTooLow
		}
		l.remoteMaxDebt = o.MaxDebt

	case *fwire.EnableRequests:
		l.localRequestsStatus = RequestsOpen

	case *fwire.DisableRequests:
		l.localRequestsStatus = RequestsClosed

	case *fwire.RequestSendFunds:
		return l.applyLocalRequest(o)

	case *fwire.ResponseSendFunds:
		return l.applyLocalResponse(o)

	case *fwire.FailureSendFunds:
		return l.applyLocalFailure(o)

	default:
		return errors.Errorf("unknown operation type %T", op)
	}

	return nil
}

// applyLocalRequest freezes credits for a request we are sending towards
// the remote side.
func (l *Ledger) applyLocalRequest(o *fwire.RequestSendFunds) error {
	if l.remoteRequestsStatus != RequestsOpen {
		return ErrRequestsDisabled
	}
	if !o.Route.IsValid() {
		return ErrInvalidRoute
	}
	if _, ok := l.pendingLocalRequests[o.RequestID]; ok {
		return ErrRequestAlreadyExists
	}

	pending := o.CreatePendingRequest()
	credits, _, err := l.channelCredits(pending, true)
	if err != nil {
		return err
	}

	newPendingDebt := l.localPendingDebt + credits
	if newPendingDebt < l.localPendingDebt ||
		newPendingDebt > math.MaxInt64 {

		return ErrCreditOverflow
	}

	// Once the request settles we will owe the frozen credits. Refuse to
	// freeze beyond the debt the remote side allows us.
	if l.balance-int64(newPendingDebt) < -int64(l.localMaxDebt) {
		return ErrInsufficientTrust
	}

	l.pendingLocalRequests[o.RequestID] = pending
	l.localPendingDebt = newPendingDebt
	return nil
}

// applyLocalResponse settles a request the remote side forwarded to us:
// their frozen credits become balance in our favor.
func (l *Ledger) applyLocalResponse(o *fwire.ResponseSendFunds) error {
	pending, ok := l.pendingRemoteRequests[o.RequestID]
	if !ok {
		return ErrUnknownRequest
	}

	credits, _, err := l.channelCredits(pending, false)
	if err != nil {
		return err
	}

	delete(l.pendingRemoteRequests, o.RequestID)
	l.remotePendingDebt -= credits
	l.balance += int64(credits)
	return nil
}

// applyLocalFailure cancels a request the remote side forwarded to us,
// releasing the frozen credits with no balance movement.
func (l *Ledger) applyLocalFailure(o *fwire.FailureSendFunds) error {
	pending, ok := l.pendingRemoteRequests[o.RequestID]
	if !ok {
		return ErrUnknownRequest
	}

	credits, _, err := l.channelCredits(pending, false)
	if err != nil {
		return err
	}

	delete(l.pendingRemoteRequests, o.RequestID)
	l.remotePendingDebt -= credits
	return nil
}

// CanAffordLocalRequest reports whether queueing the passed request towards
// the remote side would pass the ledger's freezing preconditions. It is
// consulted by the funder before committing to relay a request, so that an
// unaffordable hop is refused with a signed failure rather than discovered
// at compose time.
func (l *Ledger) CanAffordLocalRequest(o *fwire.RequestSendFunds) bool {
	tentative := l.copy()
	return tentative.applyLocalRequest(o) == nil
}
