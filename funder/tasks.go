package funder

import (
	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/tokenchannel"
)

// FriendMessageTask asks the transport layer to deliver a wire message to
// a friend.
type FriendMessageTask struct {
	RemotePubKey fwire.PublicKey
	Message      fwire.Message
}

// ChannelerConfigTask asks the transport layer to start or stop
// maintaining an authenticated stream towards a friend.
type ChannelerConfigTask struct {
	RemotePubKey fwire.PublicKey

	// Address is the friend's transport address. Only meaningful when
	// adding.
	Address string

	// Remove indicates the stream should be torn down instead.
	Remove bool
}

// ResponseReceivedTask reports the final outcome of a locally originated
// request to the application. Exactly one of Receipt and ReportingPubKey
// is set: a receipt proves success, a reporting key identifies the relay
// that refused the request.
type ResponseReceivedTask struct {
	RequestID fwire.Uid

	// Receipt is the canonical signed proof of a settled payment.
	Receipt *fwire.Receipt

	// ReportingPubKey identifies the node that reported failure.
	ReportingPubKey *fwire.PublicKey
}

// Task is a single outbound effect produced by handling one event. Exactly
// one field is set.
type Task struct {
	FriendMessage    *FriendMessageTask
	ChannelerConfig  *ChannelerConfigTask
	ResponseReceived *ResponseReceivedTask
}

// AppCommand is a single command arriving from the application manager.
// Exactly one field is set.
type AppCommand struct {
	AddFriend              *AddFriendCmd
	RemoveFriend           *RemoveFriendCmd
	SetFriendStatus        *SetFriendStatusCmd
	SetFriendRemoteMaxDebt *SetFriendRemoteMaxDebtCmd
	ResetFriendChannel     *ResetFriendChannelCmd
	OpenFriendChannel      *OpenFriendChannelCmd
	CloseFriendChannel     *CloseFriendChannelCmd
	SetFriendAddr          *SetFriendAddrCmd
	SendFunds              *SendFundsCmd
}

// AddFriendCmd starts tracking a new friend.
type AddFriendCmd struct {
	RemotePubKey fwire.PublicKey
	Address      string
}

// RemoveFriendCmd stops tracking a friend, cancelling every in-flight
// request routed through it.
type RemoveFriendCmd struct {
	RemotePubKey fwire.PublicKey
}

// SetFriendStatusCmd enables or disables a friend's transport.
type SetFriendStatusCmd struct {
	RemotePubKey fwire.PublicKey
	Status       FriendStatus
}

// SetFriendRemoteMaxDebtCmd adjusts the debt ceiling extended to a friend.
type SetFriendRemoteMaxDebtCmd struct {
	RemotePubKey fwire.PublicKey
	MaxDebt      uint64
}

// ResetFriendChannelCmd accepts the friend's previously received reset
// terms and reopens the channel.
type ResetFriendChannelCmd struct {
	RemotePubKey fwire.PublicKey
}

// OpenFriendChannelCmd starts accepting requests from a friend.
type OpenFriendChannelCmd struct {
	RemotePubKey fwire.PublicKey
}

// CloseFriendChannelCmd stops accepting requests from a friend.
type CloseFriendChannelCmd struct {
	RemotePubKey fwire.PublicKey
}

// SetFriendAddrCmd updates a friend's transport address.
type SetFriendAddrCmd struct {
	RemotePubKey fwire.PublicKey
	Address      string
}

// SendFundsCmd originates a payment along the passed route, whose first
// node must be the local identity.
type SendFundsCmd struct {
	RequestID   fwire.Uid
	Route       fwire.Route
	DestPayment uint64
	FeePerHop   uint64
	InvoiceID   fwire.InvoiceID
}

// FriendSnapshot is a compact, copyable view of one friend's state,
// published to observers after events that touched the friend.
type FriendSnapshot struct {
	RemotePubKey fwire.PublicKey
	Address      string
	Status       FriendStatus

	Balance           int64
	LocalMaxDebt      uint64
	RemoteMaxDebt     uint64
	LocalPendingDebt  uint64
	RemotePendingDebt uint64

	LocalRequestsStatus  tokenchannel.RequestsStatus
	RemoteRequestsStatus tokenchannel.RequestsStatus

	NumPendingLocal  int
	NumPendingRemote int

	WantedRemoteMaxDebt       uint64
	WantedLocalRequestsStatus tokenchannel.RequestsStatus

	IsConsistent bool
}

// Snapshot captures the compact view of a friend's current state.
func (f *FriendState) Snapshot() *FriendSnapshot {
	ledger := f.Channel.Ledger()
	return &FriendSnapshot{
		RemotePubKey:              f.RemotePubKey,
		Address:                   f.Address,
		Status:                    f.Status,
		Balance:                   ledger.Balance(),
		LocalMaxDebt:              ledger.LocalMaxDebt(),
		RemoteMaxDebt:             ledger.RemoteMaxDebt(),
		LocalPendingDebt:          ledger.LocalPendingDebt(),
		RemotePendingDebt:         ledger.RemotePendingDebt(),
		LocalRequestsStatus:       ledger.LocalRequestsStatus(),
		RemoteRequestsStatus:      ledger.RemoteRequestsStatus(),
		NumPendingLocal:           ledger.NumPendingLocal(),
		NumPendingRemote:          ledger.NumPendingRemote(),
		WantedRemoteMaxDebt:       f.WantedRemoteMaxDebt,
		WantedLocalRequestsStatus: f.WantedLocalRequestsStatus,
		IsConsistent:              f.Inconsistency.IsClear(),
	}
}
