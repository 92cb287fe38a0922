package funder

import (
	"github.com/stephensong/offst/fwire"
)

// HandleTimerTick advances every enabled friend's liveness counters and
// performs what they ask for: retransmission of unacknowledged move
// tokens, retransmission of unacknowledged inconsistency notifications,
// and keepalive emission over idle channels.
func (h *Handler) HandleTimerTick() ([]Mutation, []Task) {
	h.beginEvent()

	for pk, friend := range h.state.Friends() {
		if friend.Status != StatusEnabled {
			continue
		}

		outcome := friend.Liveness.Tick()

		if outcome.RetransmitToken {
			if outgoing, ok := friend.Channel.OutgoingMoveTokenMsg(); ok {
				h.addTask(Task{FriendMessage: &FriendMessageTask{
					RemotePubKey: pk,
					Message:      outgoing,
				}})
				friend.Liveness.ResetTokenMsg()
			}
		}

		if outcome.RetransmitInconsistency {
			h.retransmitInconsistency(pk, friend)
		}

		if h.hasFriendMessageTask(pk) {
			friend.Liveness.MessageSent()
			continue
		}

		if outcome.SendKeepalive {
			h.addTask(Task{FriendMessage: &FriendMessageTask{
				RemotePubKey: pk,
				Message:      &fwire.KeepAlive{},
			}})
			friend.Liveness.MessageSent()
		}
	}

	return h.finishEvent()
}

// retransmitInconsistency resends our inconsistency notification while it
// awaits acknowledgement, echoing the friend's terms if we have them.
func (h *Handler) retransmitInconsistency(pk fwire.PublicKey,
	friend *FriendState) {

	if friend.Inconsistency.Outgoing != OutgoingInconsistencySent {
		return
	}
	terms := friend.Inconsistency.OutgoingTerms
	if terms == nil {
		return
	}

	msg := &fwire.InconsistencyError{
		CurrentToken:    terms.ResetToken,
		BalanceForReset: terms.BalanceForReset,
	}
	if incoming := friend.Inconsistency.IncomingTerms; incoming != nil {
		msg.HasAck = true
		msg.OptAck = incoming.ResetToken
	}

	h.addTask(Task{FriendMessage: &FriendMessageTask{
		RemotePubKey: pk,
		Message:      msg,
	}})
	friend.Liveness.ResetInconsistency()
}
