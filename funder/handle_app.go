package funder

import (
	"github.com/go-errors/errors"

	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/tokenchannel"
)

var (
	// ErrNoIncomingResetTerms is returned when a channel reset is
	// requested without reset terms from the friend on record.
	ErrNoIncomingResetTerms = errors.New("no incoming reset terms")

	// ErrInvalidSendFundsRoute is returned when a payment's route does
	// not start at the local node followed by a friend.
	ErrInvalidSendFundsRoute = errors.New("invalid send funds route")
)

// HandleAppCommand processes one command from the application manager to
// completion, returning the mutations applied and the outbound tasks to
// perform.
func (h *Handler) HandleAppCommand(
	cmd *AppCommand) ([]Mutation, []Task, error) {

	h.beginEvent()

	var err error
	switch {
	case cmd.AddFriend != nil:
		err = h.appAddFriend(cmd.AddFriend)
	case cmd.RemoveFriend != nil:
		err = h.appRemoveFriend(cmd.RemoveFriend)
	case cmd.SetFriendStatus != nil:
		err = h.appSetFriendStatus(cmd.SetFriendStatus)
	case cmd.SetFriendRemoteMaxDebt != nil:
		err = h.appSetFriendRemoteMaxDebt(cmd.SetFriendRemoteMaxDebt)
	case cmd.ResetFriendChannel != nil:
		err = h.appResetFriendChannel(cmd.ResetFriendChannel)
	case cmd.OpenFriendChannel != nil:
		err = h.appSetRequestsStatus(
			cmd.OpenFriendChannel.RemotePubKey,
			tokenchannel.RequestsOpen)
	case cmd.CloseFriendChannel != nil:
		err = h.appSetRequestsStatus(
			cmd.CloseFriendChannel.RemotePubKey,
			tokenchannel.RequestsClosed)
	case cmd.SetFriendAddr != nil:
		err = h.appSetFriendAddr(cmd.SetFriendAddr)
	case cmd.SendFunds != nil:
		err = h.appSendFunds(cmd.SendFunds)
	default:
		err = errors.New("empty app command")
	}

	mutations, tasks := h.finishEvent()
	return mutations, tasks, err
}

// appAddFriend starts tracking a new friend in the disabled state.
func (h *Handler) appAddFriend(cmd *AddFriendCmd) error {
	if _, ok := h.state.Friend(cmd.RemotePubKey); ok {
		return ErrFriendAlreadyExists
	}

	h.applyMutation(&AddFriendMutation{
		RemotePubKey: cmd.RemotePubKey,
		Address:      cmd.Address,
	})

	log.Infof("Added friend %v at %v", cmd.RemotePubKey, cmd.Address)
	return nil
}

// appRemoveFriend destroys a friend's state, cancelling every request we
// forwarded through it, and tears down its transport.
func (h *Handler) appRemoveFriend(cmd *RemoveFriendCmd) error {
	if _, ok := h.state.Friend(cmd.RemotePubKey); !ok {
		return ErrFriendDoesNotExist
	}

	if err := h.cancelLocalPendingRequests(cmd.RemotePubKey); err != nil {
		return err
	}

	h.applyMutation(&RemoveFriendMutation{
		RemotePubKey: cmd.RemotePubKey,
	})

	h.addTask(Task{ChannelerConfig: &ChannelerConfigTask{
		RemotePubKey: cmd.RemotePubKey,
		Remove:       true,
	}})

	log.Infof("Removed friend %v", cmd.RemotePubKey)
	return nil
}

// appSetFriendStatus enables or disables a friend's transport.
func (h *Handler) appSetFriendStatus(cmd *SetFriendStatusCmd) error {
	friend, ok := h.state.Friend(cmd.RemotePubKey)
	if !ok {
		return ErrFriendDoesNotExist
	}

	h.applyMutation(&SetFriendStatusMutation{
		friendMutation: friendMutation{RemotePubKey: cmd.RemotePubKey},
		Status:         cmd.Status,
	})

	if cmd.Status == StatusEnabled {
		h.addTask(Task{ChannelerConfig: &ChannelerConfigTask{
			RemotePubKey: cmd.RemotePubKey,
			Address:      friend.Address,
		}})
	} else {
		h.addTask(Task{ChannelerConfig: &ChannelerConfigTask{
			RemotePubKey: cmd.RemotePubKey,
			Remove:       true,
		}})
	}

	return nil
}

// appSetFriendRemoteMaxDebt adjusts the debt ceiling we extend to a
// friend and pushes it onto the channel when possible.
func (h *Handler) appSetFriendRemoteMaxDebt(
	cmd *SetFriendRemoteMaxDebtCmd) error {

	if _, ok := h.state.Friend(cmd.RemotePubKey); !ok {
		return ErrFriendDoesNotExist
	}

	h.applyMutation(&SetWantedRemoteMaxDebtMutation{
		friendMutation: friendMutation{RemotePubKey: cmd.RemotePubKey},
		MaxDebt:        cmd.MaxDebt,
	})

	_, err := h.sendThroughTokenChannel(cmd.RemotePubKey)
	return err
}

// appSetRequestsStatus opens or closes our side of a friend's channel for
// incoming requests and pushes the change onto the channel when possible.
func (h *Handler) appSetRequestsStatus(remotePubKey fwire.PublicKey,
	status tokenchannel.RequestsStatus) error {

	if _, ok := h.state.Friend(remotePubKey); !ok {
		return ErrFriendDoesNotExist
	}

	h.applyMutation(&SetWantedLocalRequestsStatusMutation{
		friendMutation: friendMutation{RemotePubKey: remotePubKey},
		RequestsStatus: status,
	})

	_, err := h.sendThroughTokenChannel(remotePubKey)
	return err
}

// appSetFriendAddr updates the transport address of a friend and, for an
// enabled friend, instructs the channeler to reconnect to it.
func (h *Handler) appSetFriendAddr(cmd *SetFriendAddrCmd) error {
	friend, ok := h.state.Friend(cmd.RemotePubKey)
	if !ok {
		return ErrFriendDoesNotExist
	}

	h.applyMutation(&SetFriendAddrMutation{
		friendMutation: friendMutation{RemotePubKey: cmd.RemotePubKey},
		Address:        cmd.Address,
	})

	if friend.Status == StatusEnabled {
		h.addTask(Task{ChannelerConfig: &ChannelerConfigTask{
			RemotePubKey: cmd.RemotePubKey,
			Remove:       true,
		}})
		h.addTask(Task{ChannelerConfig: &ChannelerConfigTask{
			RemotePubKey: cmd.RemotePubKey,
			Address:      cmd.Address,
		}})
	}

	return nil
}

// appResetFriendChannel accepts the reset terms previously received from a
// friend: requests we forwarded through the channel are failed, and the
// first move token of the new chain is transmitted over the friend's reset
// token.
func (h *Handler) appResetFriendChannel(cmd *ResetFriendChannelCmd) error {
	friend, ok := h.state.Friend(cmd.RemotePubKey)
	if !ok {
		return ErrFriendDoesNotExist
	}

	terms := friend.Inconsistency.IncomingTerms
	if terms == nil {
		return ErrNoIncomingResetTerms
	}

	if err := h.cancelLocalPendingRequests(cmd.RemotePubKey); err != nil {
		return err
	}

	h.applyMutation(&LocalResetMutation{
		friendMutation:   friendMutation{RemotePubKey: cmd.RemotePubKey},
		RemoteResetToken: terms.ResetToken,
		BalanceForReset:  terms.BalanceForReset,
		RandNonce:        h.newRandValue(),
	})

	outgoing, ok := friend.Channel.OutgoingMoveTokenMsg()
	if !ok {
		panic("reset outgoing move token is missing")
	}

	h.addTask(Task{FriendMessage: &FriendMessageTask{
		RemotePubKey: cmd.RemotePubKey,
		Message:      outgoing,
	}})
	friend.Liveness.ResetTokenMsg()
	friend.Liveness.MessageSent()

	log.Infof("Reset channel with %v, balance=%v",
		cmd.RemotePubKey, terms.BalanceForReset)
	return nil
}

// appSendFunds originates a payment along the passed route: the request is
// stamped with our origin freeze link and queued towards the first hop.
// An unaffordable request fails immediately with a local report.
func (h *Handler) appSendFunds(cmd *SendFundsCmd) error {
	route := cmd.Route
	if route.Len() < 2 || !route.IsValid() {
		return ErrInvalidSendFundsRoute
	}
	if route.PublicKeys[0] != h.state.LocalPubKey() {
		return ErrInvalidSendFundsRoute
	}

	nextPubKey := route.PublicKeys[1]
	nextFriend, ok := h.state.Friend(nextPubKey)
	if !ok {
		return ErrFriendDoesNotExist
	}

	// The origin link shares the full debt capacity the next hop extends
	// to us.
	req := &fwire.RequestSendFunds{
		RequestID:   cmd.RequestID,
		Route:       route,
		DestPayment: cmd.DestPayment,
		FeePerHop:   cmd.FeePerHop,
		InvoiceID:   cmd.InvoiceID,
		FreezeLinks: []fwire.FreezeLink{{
			SharedCredits: nextFriend.Channel.Ledger().LocalMaxDebt(),
			UsableRatio:   fwire.RatioOne(),
		}},
	}

	if !nextFriend.Channel.Ledger().CanAffordLocalRequest(req) {
		reportingPK := h.state.LocalPubKey()
		h.addTask(Task{ResponseReceived: &ResponseReceivedTask{
			RequestID:       cmd.RequestID,
			ReportingPubKey: &reportingPK,
		}})
		return nil
	}

	h.applyMutation(&PushBackPendingUserRequestMutation{
		friendMutation: friendMutation{RemotePubKey: nextPubKey},
		Request:        req,
	})

	_, err := h.sendThroughTokenChannel(nextPubKey)
	return err
}
