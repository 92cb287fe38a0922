package funder

import (
	"github.com/go-errors/errors"

	"github.com/stephensong/offst/freeze"
	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/tokenchannel"
)

var (
	// ErrNoMoveTokenToAck is returned for an acknowledgement arriving
	// while no outgoing move token is in flight.
	ErrNoMoveTokenToAck = errors.New("no outgoing move token to ack")

	// ErrIncorrectAckedToken is returned when an acknowledgement names a
	// token that does not match the outgoing move token.
	ErrIncorrectAckedToken = errors.New("incorrect acked token")

	// ErrTokenNotOwned is returned when a token request arrives while the
	// remote side holds the token itself.
	ErrTokenNotOwned = errors.New("token not owned by local side")

	// ErrIncorrectLastToken is returned when a token request names a
	// stale chain position.
	ErrIncorrectLastToken = errors.New("incorrect last token")
)

// HandleFriendMessage processes one inbound message from a friend to
// completion, returning the mutations applied and the outbound tasks to
// perform. Messages from unknown friends are ignored.
func (h *Handler) HandleFriendMessage(remotePubKey fwire.PublicKey,
	msg fwire.Message) ([]Mutation, []Task, error) {

	h.beginEvent()

	friend, ok := h.state.Friend(remotePubKey)
	if !ok {
		log.Debugf("Ignoring message from unknown friend %v",
			remotePubKey)
		mutations, tasks := h.finishEvent()
		return mutations, tasks, nil
	}

	friend.Liveness.MessageReceived()

	var err error
	switch m := msg.(type) {
	case *fwire.MoveToken:
		err = h.handleMoveToken(remotePubKey, m)

	case *fwire.InconsistencyError:
		err = h.handleInconsistencyError(remotePubKey, m)

	case *fwire.MoveTokenAck:
		err = h.handleMoveTokenAck(remotePubKey, m)

	case *fwire.RequestToken:
		err = h.handleRequestToken(remotePubKey, m)

	case *fwire.KeepAlive:
		// Liveness was already refreshed above.

	default:
		err = errors.Errorf("unexpected friend message type %T", msg)
	}

	// Any outbound message queued during this event pushes back the next
	// keepalive towards this friend.
	if h.hasFriendMessageTask(remotePubKey) {
		friend.Liveness.MessageSent()
	}

	mutations, tasks := h.finishEvent()
	return mutations, tasks, err
}

// handleMoveToken processes an incoming move token: a reset attempt, a
// duplicate, a retransmission trigger, a clean application or a protocol
// violation entering inconsistency recovery.
func (h *Handler) handleMoveToken(remotePubKey fwire.PublicKey,
	mt *fwire.MoveToken) error {

	friend, _ := h.state.Friend(remotePubKey)

	// A move token built over our reset token is the friend's agreement
	// to reopen the channel from our terms.
	if mt.OldToken == friend.Channel.CalcResetToken() {
		return h.handleChannelReset(remotePubKey, mt)
	}

	outcome, err := friend.Channel.SimulateReceive(mt)
	if err != nil {
		log.Warnf("Move token from %v rejected: %v", remotePubKey, err)
		h.handleMoveTokenError(remotePubKey)
		return nil
	}

	switch outcome.Kind {
	case tokenchannel.OutcomeDuplicate:
		// The friend retransmitted a message we already applied; our
		// reaction to it must have been lost. Acknowledge so the
		// friend stops retransmitting.
		h.addTask(Task{FriendMessage: &FriendMessageTask{
			RemotePubKey: remotePubKey,
			Message:      &fwire.MoveTokenAck{AckedToken: mt.OldToken},
		}})
		return nil

	case tokenchannel.OutcomeRetransmit:
		// Retransmit last sent token channel message.
		h.addTask(Task{FriendMessage: &FriendMessageTask{
			RemotePubKey: remotePubKey,
			Message:      outcome.Retransmit,
		}})
		friend.Liveness.ResetTokenMsg()
		friend.Liveness.CancelInconsistency()
		return nil

	case tokenchannel.OutcomeReceived:
		return h.handleMoveTokenReceived(
			remotePubKey, mt, outcome.Received)
	}

	return errors.Errorf("unknown receive outcome %v", outcome.Kind)
}

// handleChannelReset applies a move token that reopens the channel from
// our reset terms: all local pending requests through this friend are
// cancelled first, then the incoming message starts a fresh chain.
func (h *Handler) handleChannelReset(remotePubKey fwire.PublicKey,
	mt *fwire.MoveToken) error {

	friend, _ := h.state.Friend(remotePubKey)

	received, err := friend.Channel.SimulateReset(mt)
	if err != nil {
		log.Warnf("Reset move token from %v rejected: %v",
			remotePubKey, err)
		h.handleMoveTokenError(remotePubKey)
		return nil
	}

	// The channel is being reset; we will never obtain a response for
	// requests we forwarded through it, so fail them towards their
	// origins now.
	if err := h.cancelLocalPendingRequests(remotePubKey); err != nil {
		return err
	}

	h.clearInconsistencyStatus(remotePubKey)

	log.Infof("Channel with %v reset, balance_for_reset=%v",
		remotePubKey, friend.Channel.Ledger().Balance())

	return h.commitReceived(remotePubKey, mt, received)
}

// handleMoveTokenReceived commits a cleanly applying move token and runs
// the post-receive pipeline.
func (h *Handler) handleMoveTokenReceived(remotePubKey fwire.PublicKey,
	mt *fwire.MoveToken,
	received *tokenchannel.MoveTokenReceived) error {

	h.clearInconsistencyStatus(remotePubKey)

	friend, _ := h.state.Friend(remotePubKey)
	friend.Liveness.CancelInconsistency()
	friend.Liveness.CancelTokenMsg()

	return h.commitReceived(remotePubKey, mt, received)
}

// commitReceived adopts a staged incoming move token, processes the
// messages extracted from its batch, and answers the friend: a composed
// move token when we have operations to send, an acknowledgement when the
// applied batch was nonempty, or nothing at all.
func (h *Handler) commitReceived(remotePubKey fwire.PublicKey,
	mt *fwire.MoveToken,
	received *tokenchannel.MoveTokenReceived) error {

	incomingMessages := received.IncomingMessages

	h.applyMutation(&CommitReceiveMutation{
		friendMutation: friendMutation{RemotePubKey: remotePubKey},
		Received:       received,
	})

	for _, incoming := range incomingMessages {
		var err error
		switch {
		case incoming.Request != nil:
			err = h.processIncomingRequest(
				remotePubKey, incoming.Request)
		case incoming.Response != nil:
			err = h.processIncomingResponse(incoming.Response)
		case incoming.Failure != nil:
			err = h.processIncomingFailure(incoming.Failure)
		}
		if err != nil {
			return err
		}
	}

	sent, err := h.sendThroughTokenChannel(remotePubKey)
	if err != nil {
		return err
	}

	if !sent && len(mt.Operations) > 0 {
		h.addTask(Task{FriendMessage: &FriendMessageTask{
			RemotePubKey: remotePubKey,
			Message:      &fwire.MoveTokenAck{AckedToken: mt.OldToken},
		}})
	}

	return nil
}

// handleMoveTokenError enters inconsistency recovery: our reset terms are
// derived from the current channel view, transmitted, and retransmitted
// until acknowledged.
func (h *Handler) handleMoveTokenError(remotePubKey fwire.PublicKey) {
	// Clear current incoming inconsistency details.
	h.applyMutation(&SetIncomingInconsistencyMutation{
		friendMutation: friendMutation{RemotePubKey: remotePubKey},
		Terms:          nil,
	})

	friend, _ := h.state.Friend(remotePubKey)
	resetTerms := friend.ResetTermsFromChannel()

	h.addTask(Task{FriendMessage: &FriendMessageTask{
		RemotePubKey: remotePubKey,
		Message: &fwire.InconsistencyError{
			CurrentToken:    resetTerms.ResetToken,
			BalanceForReset: resetTerms.BalanceForReset,
		},
	}})

	friend.Liveness.ResetInconsistency()
	friend.Liveness.CancelTokenMsg()

	// Keep the outgoing inconsistency details in memory.
	h.applyMutation(&SetOutgoingInconsistencyMutation{
		friendMutation: friendMutation{RemotePubKey: remotePubKey},
		Outgoing:       OutgoingInconsistencySent,
		Terms:          resetTerms,
	})
}

// clearInconsistencyStatus clears both directions of inconsistency
// tracking, if set.
func (h *Handler) clearInconsistencyStatus(remotePubKey fwire.PublicKey) {
	friend, _ := h.state.Friend(remotePubKey)

	if friend.Inconsistency.IncomingTerms != nil {
		h.applyMutation(&SetIncomingInconsistencyMutation{
			friendMutation: friendMutation{RemotePubKey: remotePubKey},
			Terms:          nil,
		})
	}

	if friend.Inconsistency.Outgoing != OutgoingInconsistencyEmpty {
		h.applyMutation(&SetOutgoingInconsistencyMutation{
			friendMutation: friendMutation{RemotePubKey: remotePubKey},
			Outgoing:       OutgoingInconsistencyEmpty,
			Terms:          nil,
		})
	}
}

// handleInconsistencyError records the friend's reset terms and answers
// with our own, acknowledging theirs. Once our terms are acknowledged in
// turn, either side may reopen the channel.
func (h *Handler) handleInconsistencyError(remotePubKey fwire.PublicKey,
	m *fwire.InconsistencyError) error {

	// Save incoming inconsistency details.
	h.applyMutation(&SetIncomingInconsistencyMutation{
		friendMutation: friendMutation{RemotePubKey: remotePubKey},
		Terms: &ResetTerms{
			ResetToken:      m.CurrentToken,
			BalanceForReset: m.BalanceForReset,
		},
	})

	// We stop resending token messages, because an inconsistency was
	// received.
	friend, _ := h.state.Friend(remotePubKey)
	friend.Liveness.CancelTokenMsg()

	resetTerms := friend.ResetTermsFromChannel()

	shouldSend := false
	switch friend.Inconsistency.Outgoing {
	case OutgoingInconsistencyEmpty:
		h.applyMutation(&SetOutgoingInconsistencyMutation{
			friendMutation: friendMutation{RemotePubKey: remotePubKey},
			Outgoing:       OutgoingInconsistencySent,
			Terms:          resetTerms,
		})
		shouldSend = true

	case OutgoingInconsistencySent:
		ackValid := m.HasAck && m.OptAck == resetTerms.ResetToken
		if ackValid {
			h.applyMutation(&SetOutgoingInconsistencyMutation{
				friendMutation: friendMutation{
					RemotePubKey: remotePubKey,
				},
				Outgoing: OutgoingInconsistencyAcked,
				Terms:    friend.Inconsistency.OutgoingTerms,
			})
		} else {
			shouldSend = true
		}

	case OutgoingInconsistencyAcked:
	}

	if shouldSend {
		h.addTask(Task{FriendMessage: &FriendMessageTask{
			RemotePubKey: remotePubKey,
			Message: &fwire.InconsistencyError{
				HasAck:          true,
				OptAck:          m.CurrentToken,
				CurrentToken:    resetTerms.ResetToken,
				BalanceForReset: resetTerms.BalanceForReset,
			},
		}})
		friend.Liveness.ResetInconsistency()
	}

	return nil
}

// handleMoveTokenAck processes an explicit acknowledgement: the token
// passes back to us and retransmission stops. With the token back in hand,
// anything queued meanwhile is composed and sent.
func (h *Handler) handleMoveTokenAck(remotePubKey fwire.PublicKey,
	m *fwire.MoveTokenAck) error {

	friend, _ := h.state.Friend(remotePubKey)

	outgoing, ok := friend.Channel.OutgoingMoveTokenMsg()
	if !ok {
		return ErrNoMoveTokenToAck
	}
	if outgoing.OldToken != m.AckedToken {
		return ErrIncorrectAckedToken
	}

	h.applyMutation(&AckOutgoingMutation{
		friendMutation: friendMutation{RemotePubKey: remotePubKey},
		AckedToken:     m.AckedToken,
	})

	// Cancel retransmission of the move token message, because we have
	// received a valid ack.
	friend.Liveness.CancelTokenMsg()

	_, err := h.sendThroughTokenChannel(remotePubKey)
	return err
}

// handleRequestToken passes the token to the friend by composing a move
// token, provided we actually hold it at the named chain position.
func (h *Handler) handleRequestToken(remotePubKey fwire.PublicKey,
	m *fwire.RequestToken) error {

	friend, _ := h.state.Friend(remotePubKey)

	if friend.Channel.Direction() != tokenchannel.DirectionIncoming {
		return ErrTokenNotOwned
	}
	if friend.Channel.ChainTip() != m.LastToken {
		return ErrIncorrectLastToken
	}

	// Compose a move token, empty if need be, to pass the token.
	return h.sendTokenChannelMessage(remotePubKey, true)
}

// processIncomingRequest handles a request extracted from an applied
// batch: settle it if we are the destination, otherwise verify the freeze
// chain and the affordability of the next hop, then relay it with our
// freeze link appended — or refuse it with a signed failure.
func (h *Handler) processIncomingRequest(remotePubKey fwire.PublicKey,
	req *fwire.RequestSendFunds) error {

	pending := req.CreatePendingRequest()

	localIndex, ok := req.Route.PkToIndex(h.state.LocalPubKey())
	if !ok {
		// The ledger already rejected routes not traversing us; this
		// cannot happen for an applied batch.
		panic("applied request with route not traversing local node")
	}

	// The request is for us: settle it with a signed response queued
	// back to the sending friend.
	if localIndex == req.Route.Len()-1 {
		response, err := h.createResponseMessage(pending)
		if err != nil {
			return err
		}

		h.applyMutation(&PushBackPendingResponseMutation{
			friendMutation: friendMutation{RemotePubKey: remotePubKey},
			ResponseOp:     &ResponseOp{Response: response},
		})
		return nil
	}

	nextPubKey, _ := req.Route.IndexToPk(localIndex + 1)

	// The next node on the route has to be one of our friends.
	nextFriend, ok := h.state.Friend(nextPubKey)
	if !ok {
		return h.replyWithFailure(remotePubKey, pending)
	}

	// Perform the DoS protection check over the freeze chain.
	if !h.guard.VerifyFreezingLinks(req) {
		log.Debugf("Refusing request %x: freeze chain rejected",
			req.RequestID)
		return h.replyWithFailure(remotePubKey, pending)
	}

	forwarded := h.appendFreezeLink(remotePubKey, nextPubKey, req)

	// The next hop channel must be able to afford freezing the request's
	// credits right now, otherwise the request is refused rather than
	// discovered unaffordable at compose time.
	if !nextFriend.Channel.Ledger().CanAffordLocalRequest(forwarded) {
		log.Debugf("Refusing request %x: next hop cannot afford it",
			req.RequestID)
		return h.replyWithFailure(remotePubKey, pending)
	}

	h.guard.AddFrozenCredit(pending)

	h.applyMutation(&PushBackPendingRequestMutation{
		friendMutation: friendMutation{RemotePubKey: nextPubKey},
		Request:        forwarded,
	})

	_, err := h.sendThroughTokenChannel(nextPubKey)
	return err
}

// appendFreezeLink clones a request and appends our own freeze link: the
// credits we share with the previous hop, attenuated for the downstream
// route in proportion to the trust extended to the next hop.
func (h *Handler) appendFreezeLink(prevPubKey, nextPubKey fwire.PublicKey,
	req *fwire.RequestSendFunds) *fwire.RequestSendFunds {

	prevFriend, _ := h.state.Friend(prevPubKey)
	nextFriend, _ := h.state.Friend(nextPubKey)

	prevTrust := prevFriend.Channel.Ledger().RemoteMaxDebt()
	forwardTrust := nextFriend.Channel.Ledger().RemoteMaxDebt()
	totalTrust := h.state.TotalTrust()

	link := fwire.FreezeLink{
		SharedCredits: prevTrust,
		UsableRatio: freeze.CalcUsableRatio(
			forwardTrust, totalTrust, prevTrust),
	}

	pending := req.CreatePendingRequest()
	forwarded := &fwire.RequestSendFunds{
		RequestID:   pending.RequestID,
		Route:       pending.Route,
		DestPayment: pending.DestPayment,
		FeePerHop:   pending.FeePerHop,
		InvoiceID:   pending.InvoiceID,
		FreezeLinks: append(pending.FreezeLinks, link),
	}

	return forwarded
}

// replyWithFailure queues a locally signed failure for the passed pending
// request back to the sending friend.
func (h *Handler) replyWithFailure(remotePubKey fwire.PublicKey,
	pending *fwire.PendingRequest) error {

	failure, err := h.createFailureMessage(pending)
	if err != nil {
		return err
	}

	h.applyMutation(&PushBackPendingResponseMutation{
		friendMutation: friendMutation{RemotePubKey: remotePubKey},
		ResponseOp:     &ResponseOp{Failure: failure},
	})

	return nil
}

// processIncomingResponse handles a response extracted from an applied
// batch: the frozen credits are released, and the response either settles
// a request we originated or travels one hop further towards its origin.
func (h *Handler) processIncomingResponse(
	incoming *tokenchannel.IncomingResponse) error {

	h.guard.SubFrozenCredit(incoming.Pending)

	originPubKey, ok := h.state.FindRequestOrigin(
		incoming.Response.RequestID)
	if !ok {
		// We are the origin of this request, and we got a response.
		receipt := fwire.PrepareReceipt(
			incoming.Response, incoming.Pending)

		h.addTask(Task{ResponseReceived: &ResponseReceivedTask{
			RequestID: incoming.Pending.RequestID,
			Receipt:   receipt,
		}})
		return nil
	}

	// Queue the response towards the friend that relayed the request to
	// us.
	h.applyMutation(&PushBackPendingResponseMutation{
		friendMutation: friendMutation{RemotePubKey: originPubKey},
		ResponseOp:     &ResponseOp{Response: incoming.Response},
	})

	_, err := h.sendThroughTokenChannel(originPubKey)
	return err
}

// processIncomingFailure handles a failure extracted from an applied
// batch: the frozen credits are released, and the failure either reports
// to the application for a request we originated or travels one hop
// further towards its origin.
func (h *Handler) processIncomingFailure(
	incoming *tokenchannel.IncomingFailure) error {

	h.guard.SubFrozenCredit(incoming.Pending)

	originPubKey, ok := h.state.FindRequestOrigin(
		incoming.Failure.RequestID)
	if !ok {
		// We are the origin of this request, and we got a failure.
		reportingPK := incoming.Failure.ReportingPK
		h.addTask(Task{ResponseReceived: &ResponseReceivedTask{
			RequestID:       incoming.Pending.RequestID,
			ReportingPubKey: &reportingPK,
		}})
		return nil
	}

	h.applyMutation(&PushBackPendingResponseMutation{
		friendMutation: friendMutation{RemotePubKey: originPubKey},
		ResponseOp:     &ResponseOp{Failure: incoming.Failure},
	})

	_, err := h.sendThroughTokenChannel(originPubKey)
	return err
}

// cancelLocalPendingRequests fails every request we forwarded into the
// passed friend's channel: the channel is being reset or removed, so no
// response can ever arrive for them.
func (h *Handler) cancelLocalPendingRequests(
	remotePubKey fwire.PublicKey) error {

	friend, _ := h.state.Friend(remotePubKey)
	pendings := friend.Channel.Ledger().PendingLocalRequests()

	for _, pending := range pendings {
		h.guard.SubFrozenCredit(pending)

		originPubKey, ok := h.state.FindRequestOrigin(pending.RequestID)
		if !ok {
			// We are the origin of this request. Report the
			// failure locally.
			reportingPK := h.state.LocalPubKey()
			h.addTask(Task{ResponseReceived: &ResponseReceivedTask{
				RequestID:       pending.RequestID,
				ReportingPubKey: &reportingPK,
			}})
			continue
		}

		// We have found the friend that is the origin of this
		// request; send it a locally signed failure.
		failure, err := h.createFailureMessage(pending)
		if err != nil {
			return err
		}

		h.applyMutation(&PushBackPendingResponseMutation{
			friendMutation: friendMutation{RemotePubKey: originPubKey},
			ResponseOp:     &ResponseOp{Failure: failure},
		})

		if _, err := h.sendThroughTokenChannel(originPubKey); err != nil {
			return err
		}
	}

	return nil
}

// sendThroughTokenChannel composes as large a move token as possible for
// the passed friend and transmits it. When the remote side holds the
// token, the last outgoing message is retransmitted instead so the
// conversation keeps moving; queued operations go out once the token
// returns.
func (h *Handler) sendThroughTokenChannel(
	remotePubKey fwire.PublicKey) (bool, error) {

	friend, _ := h.state.Friend(remotePubKey)

	if friend.Channel.Direction() != tokenchannel.DirectionIncoming {
		if h.friendHasQueuedWork(friend) {
			if outgoing, ok := friend.Channel.OutgoingMoveTokenMsg(); ok &&
				!h.hasFriendMessageTask(remotePubKey) {

				h.addTask(Task{FriendMessage: &FriendMessageTask{
					RemotePubKey: remotePubKey,
					Message:      outgoing,
				}})
				friend.Liveness.ResetTokenMsg()
			}
		}
		return false, nil
	}

	return true, h.sendTokenChannelMessage(remotePubKey, false)
}

// friendHasQueuedWork returns whether anything is waiting to enter the
// friend's token channel.
func (h *Handler) friendHasQueuedWork(friend *FriendState) bool {
	ledger := friend.Channel.Ledger()
	return len(friend.PendingResponses) > 0 ||
		len(friend.PendingRequests) > 0 ||
		len(friend.PendingUserRequests) > 0 ||
		friend.WantedRemoteMaxDebt != ledger.RemoteMaxDebt() ||
		friend.WantedLocalRequestsStatus != ledger.LocalRequestsStatus()
}

// sendTokenChannelMessage composes and transmits the next outgoing move
// token. Unless sendIfEmpty is set, an empty batch sends nothing.
func (h *Handler) sendTokenChannelMessage(remotePubKey fwire.PublicKey,
	sendIfEmpty bool) error {

	friend, _ := h.state.Friend(remotePubKey)

	builder, err := friend.Channel.BeginOutgoingMoveToken(
		h.cfg.MaxMoveTokenLength)
	if err != nil {
		return err
	}

	if err := h.queueOutgoingOperations(remotePubKey, builder); err != nil {
		return err
	}

	if builder.IsEmpty() && !sendIfEmpty {
		return nil
	}

	h.applyMutation(&CommitOutgoingMutation{
		friendMutation: friendMutation{RemotePubKey: remotePubKey},
		Builder:        builder,
		RandNonce:      h.newRandValue(),
	})

	outgoing, ok := friend.Channel.OutgoingMoveTokenMsg()
	if !ok {
		panic("committed outgoing move token is missing")
	}

	h.addTask(Task{FriendMessage: &FriendMessageTask{
		RemotePubKey: remotePubKey,
		Message:      outgoing,
	}})
	friend.Liveness.ResetTokenMsg()

	return nil
}

// queueOutgoingOperations drains as much queued work as fits into the move
// token being composed: configuration deltas first, then responses and
// failures, then relayed requests, then application requests.
func (h *Handler) queueOutgoingOperations(remotePubKey fwire.PublicKey,
	builder *tokenchannel.OutgoingMoveToken) error {

	friend, _ := h.state.Friend(remotePubKey)
	ledger := friend.Channel.Ledger()

	// Set remote max debt if needed.
	if friend.WantedRemoteMaxDebt != ledger.RemoteMaxDebt() {
		err := builder.QueueOperation(&fwire.SetRemoteMaxDebt{
			MaxDebt: friend.WantedRemoteMaxDebt,
		})
		if err == tokenchannel.ErrMaxLengthReached {
			return nil
		}
		if err != nil {
			panic(errors.Errorf("set remote max debt refused "+
				"by own ledger: %v", err))
		}
	}

	// Open or close requests if needed.
	if friend.WantedLocalRequestsStatus != ledger.LocalRequestsStatus() {
		var op fwire.Op
		if friend.WantedLocalRequestsStatus == tokenchannel.RequestsOpen {
			op = &fwire.EnableRequests{}
		} else {
			op = &fwire.DisableRequests{}
		}

		err := builder.QueueOperation(op)
		if err == tokenchannel.ErrMaxLengthReached {
			return nil
		}
		if err != nil {
			panic(errors.Errorf("requests status change refused "+
				"by own ledger: %v", err))
		}
	}

	// Send pending responses and failures.
	for len(friend.PendingResponses) > 0 {
		responseOp := friend.PendingResponses[0]

		var op fwire.Op
		if responseOp.Response != nil {
			op = responseOp.Response
		} else {
			op = responseOp.Failure
		}

		err := builder.QueueOperation(op)
		if err == tokenchannel.ErrMaxLengthReached {
			return nil
		}
		if err != nil {
			// An operation our own pipeline produced is refused by
			// our own ledger: local bug.
			panic(errors.Errorf("queued response refused by own "+
				"ledger: %v", err))
		}

		h.applyMutation(&PopFrontPendingResponseMutation{
			friendMutation: friendMutation{RemotePubKey: remotePubKey},
		})
	}

	// Send pending relayed requests.
	for len(friend.PendingRequests) > 0 {
		req := friend.PendingRequests[0]

		err := builder.QueueOperation(req)
		if err == tokenchannel.ErrMaxLengthReached {
			return nil
		}

		h.applyMutation(&PopFrontPendingRequestMutation{
			friendMutation: friendMutation{RemotePubKey: remotePubKey},
		})

		if err != nil {
			// The channel can no longer afford the request (its
			// state moved since the affordability check). Fail it
			// back to its origin.
			log.Warnf("Dropping relayed request %x at compose "+
				"time: %v", req.RequestID, err)
			if err := h.failRelayedRequest(req); err != nil {
				return err
			}
		}
	}

	// Send as many pending user requests as possible.
	for len(friend.PendingUserRequests) > 0 {
		req := friend.PendingUserRequests[0]

		err := builder.QueueOperation(req)
		if err == tokenchannel.ErrMaxLengthReached {
			return nil
		}

		h.applyMutation(&PopFrontPendingUserRequestMutation{
			friendMutation: friendMutation{RemotePubKey: remotePubKey},
		})

		if err != nil {
			log.Warnf("Dropping user request %x at compose "+
				"time: %v", req.RequestID, err)
			reportingPK := h.state.LocalPubKey()
			h.addTask(Task{ResponseReceived: &ResponseReceivedTask{
				RequestID:       req.RequestID,
				ReportingPubKey: &reportingPK,
			}})
		}
	}

	return nil
}

// failRelayedRequest releases the guard accounting of a relayed request
// that can no longer be forwarded, and queues a locally signed failure
// towards its origin.
func (h *Handler) failRelayedRequest(req *fwire.RequestSendFunds) error {
	pending := req.CreatePendingRequest()
	h.guard.SubFrozenCredit(pending)

	originPubKey, ok := h.state.FindRequestOrigin(req.RequestID)
	if !ok {
		reportingPK := h.state.LocalPubKey()
		h.addTask(Task{ResponseReceived: &ResponseReceivedTask{
			RequestID:       req.RequestID,
			ReportingPubKey: &reportingPK,
		}})
		return nil
	}

	failure, err := h.createFailureMessage(pending)
	if err != nil {
		return err
	}

	h.applyMutation(&PushBackPendingResponseMutation{
		friendMutation: friendMutation{RemotePubKey: originPubKey},
		ResponseOp:     &ResponseOp{Failure: failure},
	})

	return nil
}
