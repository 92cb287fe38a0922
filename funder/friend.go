package funder

import (
	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/tokenchannel"
)

// FriendStatus indicates whether we currently maintain a transport channel
// towards a friend.
type FriendStatus uint8

const (
	// StatusDisabled means no transport is kept towards the friend. The
	// friend's state, including its token channel, is retained.
	StatusDisabled FriendStatus = 0

	// StatusEnabled means the channeler is instructed to keep an
	// authenticated stream towards the friend.
	StatusEnabled FriendStatus = 1
)

// String returns a human readable representation of the friend status.
func (s FriendStatus) String() string {
	if s == StatusEnabled {
		return "enabled"
	}
	return "disabled"
}

// ResetTerms is one side's deterministic proposal for reopening an
// inconsistent channel: the reset token derived from its view of the
// channel, and the balance the other side should adopt.
type ResetTerms struct {
	ResetToken      fwire.ChannelToken
	BalanceForReset int64
}

// OutgoingInconsistency tracks the progress of an inconsistency
// notification we sent.
type OutgoingInconsistency uint8

const (
	// OutgoingInconsistencyEmpty means no notification is in flight.
	OutgoingInconsistencyEmpty OutgoingInconsistency = 0

	// OutgoingInconsistencySent means our terms were sent and not yet
	// acknowledged; they are retransmitted on a timer.
	OutgoingInconsistencySent OutgoingInconsistency = 1

	// OutgoingInconsistencyAcked means the remote side acknowledged our
	// terms.
	OutgoingInconsistencyAcked OutgoingInconsistency = 2
)

// InconsistencyStatus carries both directions of an ongoing inconsistency
// recovery with a friend.
type InconsistencyStatus struct {
	// IncomingTerms holds the friend's reset terms, when an
	// InconsistencyError was received. Nil means none.
	IncomingTerms *ResetTerms

	// Outgoing is the progress of our own notification.
	Outgoing OutgoingInconsistency

	// OutgoingTerms holds the terms we sent, when Outgoing is not empty.
	OutgoingTerms *ResetTerms
}

// IsClear returns true if no inconsistency is being tracked in either
// direction.
func (s *InconsistencyStatus) IsClear() bool {
	return s.IncomingTerms == nil &&
		s.Outgoing == OutgoingInconsistencyEmpty
}

// ResponseOp is a response or failure waiting to be sent back through a
// friend's token channel. Exactly one field is set.
type ResponseOp struct {
	Response *fwire.ResponseSendFunds
	Failure  *fwire.FailureSendFunds
}

// FriendState is everything the funder tracks for a single friend: the
// directional token channel, the outbound queues, the configuration the
// local application wants pushed to the channel, inconsistency recovery
// progress and liveness counters.
type FriendState struct {
	// RemotePubKey is the friend's identity.
	RemotePubKey fwire.PublicKey

	// Address is the transport address handed to the channeler.
	Address string

	// Status indicates whether a transport is maintained.
	Status FriendStatus

	// Channel is the directional token channel shared with the friend.
	Channel *tokenchannel.DirectionalChannel

	// WantedRemoteMaxDebt is the maximum debt the local application wants
	// to let the friend accumulate. It is pushed onto the channel as a
	// SetRemoteMaxDebt operation whenever it differs from the ledger.
	WantedRemoteMaxDebt uint64

	// WantedLocalRequestsStatus is whether the local application wants to
	// accept requests arriving from this friend. Pushed onto the channel
	// as Enable/DisableRequests whenever it differs from the ledger.
	WantedLocalRequestsStatus tokenchannel.RequestsStatus

	// PendingUserRequests queues requests originated by the local
	// application, awaiting a slot in an outgoing move token.
	PendingUserRequests []*fwire.RequestSendFunds

	// PendingRequests queues requests relayed from other friends.
	PendingRequests []*fwire.RequestSendFunds

	// PendingResponses queues responses and failures travelling back
	// towards their origin. Drained before any request queue.
	PendingResponses []*ResponseOp

	// Inconsistency tracks an ongoing inconsistency recovery.
	Inconsistency InconsistencyStatus

	// Liveness tracks per-friend retransmission and keepalive timing.
	Liveness *Liveness
}

// newFriendState creates the state for a newly added friend, with the
// deterministic starting token channel.
func newFriendState(localPubKey, remotePubKey fwire.PublicKey,
	address string) (*FriendState, error) {

	channel, err := tokenchannel.NewDirectionalChannel(
		localPubKey, remotePubKey)
	if err != nil {
		return nil, err
	}

	return &FriendState{
		RemotePubKey: remotePubKey,
		Address:      address,
		Channel:      channel,
		Liveness:     newLiveness(),
	}, nil
}

// ResetTermsFromChannel derives the reset terms we would currently offer
// for this friend's channel.
func (f *FriendState) ResetTermsFromChannel() *ResetTerms {
	return &ResetTerms{
		ResetToken:      f.Channel.CalcResetToken(),
		BalanceForReset: f.Channel.BalanceForReset(),
	}
}
