package tokenchannel

import (
	"bytes"

	"github.com/btcsuite/fastsha256"
	"github.com/go-errors/errors"

	"github.com/stephensong/offst/fwire"
)

var (
	// ErrChainInconsistent is returned when an incoming move token does
	// not continue the token chain known to this side.
	ErrChainInconsistent = errors.New("token chain inconsistent")

	// ErrInvalidTransaction is returned when an operation inside an
	// incoming batch fails its ledger preconditions. The batch as a whole
	// has no effect.
	ErrInvalidTransaction = errors.New("invalid transaction in batch")

	// ErrTokenNotOwned is returned when the remote side transmits a move
	// token it has no right to send at the current chain position.
	ErrTokenNotOwned = errors.New("move token sent without token ownership")
)

// Direction records which side moved last on the token channel.
type Direction uint8

const (
	// DirectionIncoming means the last move token was received, so the
	// local side currently holds the token and may compose the next
	// batch.
	DirectionIncoming Direction = 0

	// DirectionOutgoing means the last move token was sent, so the local
	// side is waiting for the remote side to move.
	DirectionOutgoing Direction = 1
)

// String returns a human readable representation of the direction.
func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// resetTokenSuffix is appended to the chain tip when deriving a channel
// reset token.
var resetTokenSuffix = []byte("RESET")

// initTokenPrefix seeds the genesis token both sides derive independently
// when a channel is created.
var initTokenPrefix = []byte("TOKEN_CHANNEL_INIT")

// DirectionalChannel wraps a token channel ledger with the half-duplex
// conversation state: which side holds the token, the fingerprint chain of
// exchanged move tokens, and the last outgoing message kept around for
// retransmission.
type DirectionalChannel struct {
	localPubKey  fwire.PublicKey
	remotePubKey fwire.PublicKey

	ledger *Ledger

	direction Direction

	// chainTip is the NewToken of the latest move token on the chain,
	// whether it was sent or received.
	chainTip fwire.ChannelToken

	// outgoing is the last move token we sent. It is only set while the
	// direction is outgoing, and is retransmitted until implicitly or
	// explicitly acknowledged.
	outgoing *fwire.MoveToken

	// moveTokenCounter is the position of chainTip within the chain. It
	// restarts from zero when the channel is reopened from reset terms.
	moveTokenCounter uint64
}

// initialToken derives the deterministic genesis token of a channel between
// the two passed keys. Both sides derive the same value regardless of which
// side they sit on.
func initialToken(a, b fwire.PublicKey) fwire.ChannelToken {
	low, high := a, b
	if bytes.Compare(b[:], a[:]) < 0 {
		low, high = b, a
	}

	h := fastsha256.New()
	h.Write(initTokenPrefix)
	h.Write(low[:])
	h.Write(high[:])

	var token fwire.ChannelToken
	copy(token[:], h.Sum(nil))
	return token
}

// NewDirectionalChannel creates the deterministic starting state of a token
// channel between the two passed keys. The side with the lower public key
// begins in the outgoing direction, holding a synthetic empty genesis move
// token; the other side begins as if it had already received that message.
// Both sides therefore agree on the chain without any communication.
func NewDirectionalChannel(localPubKey,
	remotePubKey fwire.PublicKey) (*DirectionalChannel, error) {

	if localPubKey == remotePubKey {
		return nil, errors.New("channel requires two distinct keys")
	}

	t0 := initialToken(localPubKey, remotePubKey)
	genesisToken, err := fwire.DeriveNewToken(t0, nil, fwire.RandValue{}, 0)
	if err != nil {
		return nil, err
	}

	d := &DirectionalChannel{
		localPubKey:  localPubKey,
		remotePubKey: remotePubKey,
		ledger:       NewLedger(localPubKey, remotePubKey, 0),
		chainTip:     genesisToken,
	}

	if bytes.Compare(localPubKey[:], remotePubKey[:]) < 0 {
		d.direction = DirectionOutgoing
		d.outgoing = &fwire.MoveToken{
			OldToken: t0,
			NewToken: genesisToken,
		}
	} else {
		d.direction = DirectionIncoming
	}

	return d, nil
}

// Ledger returns the current ledger of the channel.
func (d *DirectionalChannel) Ledger() *Ledger { return d.ledger }

// Direction returns which side moved last.
func (d *DirectionalChannel) Direction() Direction { return d.direction }

// ChainTip returns the fingerprint of the latest move token on the chain.
func (d *DirectionalChannel) ChainTip() fwire.ChannelToken { return d.chainTip }

// MoveTokenCounter returns the chain position of the latest move token.
func (d *DirectionalChannel) MoveTokenCounter() uint64 {
	return d.moveTokenCounter
}

// OutgoingMoveTokenMsg returns the last sent move token, if the direction
// is currently outgoing.
func (d *DirectionalChannel) OutgoingMoveTokenMsg() (*fwire.MoveToken, bool) {
	if d.direction != DirectionOutgoing || d.outgoing == nil {
		return nil, false
	}
	return d.outgoing, true
}

// CalcResetToken derives the deterministic reset token of the channel from
// the current chain tip. An incoming move token carrying this value as its
// old token is an agreement to reopen the channel from reset terms.
func (d *DirectionalChannel) CalcResetToken() fwire.ChannelToken {
	h := fastsha256.New()
	h.Write(d.chainTip[:])
	h.Write(resetTokenSuffix)

	var token fwire.ChannelToken
	copy(token[:], h.Sum(nil))
	return token
}

// BalanceForReset returns the balance we propose for a reopened channel,
// expressed from the remote side's perspective.
func (d *DirectionalChannel) BalanceForReset() int64 {
	return -d.ledger.balance
}

// IncomingMessage is a single extracted message produced by applying an
// incoming move token batch. Exactly one of the fields is set.
type IncomingMessage struct {
	// Request is a request relayed to us by the remote side.
	Request *fwire.RequestSendFunds

	// Response settles a request we previously forwarded. The pending
	// record is captured before removal from the ledger.
	Response *IncomingResponse

	// Failure cancels a request we previously forwarded. The pending
	// record is captured before removal from the ledger.
	Failure *IncomingFailure
}

// IncomingResponse pairs an incoming response with the pending record it
// settles.
type IncomingResponse struct {
	Response *fwire.ResponseSendFunds
	Pending  *fwire.PendingRequest
}

// IncomingFailure pairs an incoming failure with the pending record it
// cancels.
type IncomingFailure struct {
	Failure *fwire.FailureSendFunds
	Pending *fwire.PendingRequest
}

// MoveTokenReceived is the staged outcome of successfully simulating an
// incoming move token. It carries the messages extracted from the batch and
// the post-state of the channel, and has no effect until committed.
type MoveTokenReceived struct {
	// IncomingMessages lists the requests, responses and failures
	// extracted from the batch, in batch order.
	IncomingMessages []IncomingMessage

	newLedger *Ledger
	newTip    fwire.ChannelToken
	counter   uint64
}

// ReceiveOutcomeKind enumerates the non-error outcomes of simulating an
// incoming move token.
type ReceiveOutcomeKind uint8

const (
	// OutcomeDuplicate means the move token was already applied; it is
	// ignored.
	OutcomeDuplicate ReceiveOutcomeKind = 0

	// OutcomeRetransmit means the remote side never received our last
	// outgoing move token; it must be retransmitted.
	OutcomeRetransmit ReceiveOutcomeKind = 1

	// OutcomeReceived means the batch applied cleanly and is staged for
	// commit.
	OutcomeReceived ReceiveOutcomeKind = 2
)

// ReceiveOutcome is the result of simulating an incoming move token.
type ReceiveOutcome struct {
	Kind ReceiveOutcomeKind

	// Retransmit is the move token to resend. Set when Kind is
	// OutcomeRetransmit.
	Retransmit *fwire.MoveToken

	// Received is the staged application of the batch. Set when Kind is
	// OutcomeReceived.
	Received *MoveTokenReceived
}

// SimulateReceive processes an incoming move token against the current
// channel state without mutating it. A successful application is staged
// within the returned outcome and only takes effect once CommitReceive is
// invoked.
func (d *DirectionalChannel) SimulateReceive(
	mt *fwire.MoveToken) (*ReceiveOutcome, error) {

	switch d.direction {
	case DirectionOutgoing:
		// A duplicate of the message our own outgoing move token was
		// built upon means the remote side never saw ours.
		if mt.NewToken == d.outgoing.OldToken {
			return &ReceiveOutcome{
				Kind:       OutcomeRetransmit,
				Retransmit: d.outgoing,
			}, nil
		}

		// A message chained onto our outgoing move token implicitly
		// acknowledges it.
		if mt.OldToken == d.outgoing.NewToken {
			received, err := d.simulateApply(mt)
			if err != nil {
				return nil, err
			}
			return &ReceiveOutcome{
				Kind:     OutcomeReceived,
				Received: received,
			}, nil
		}

		return nil, ErrChainInconsistent

	case DirectionIncoming:
		if mt.NewToken == d.chainTip {
			return &ReceiveOutcome{Kind: OutcomeDuplicate}, nil
		}

		if mt.OldToken == d.chainTip {
			received, err := d.simulateApply(mt)
			if err != nil {
				return nil, err
			}
			return &ReceiveOutcome{
				Kind:     OutcomeReceived,
				Received: received,
			}, nil
		}

		return nil, ErrTokenNotOwned
	}

	return nil, errors.Errorf("unknown direction %v", d.direction)
}

// simulateApply tentatively applies the batch of an incoming move token
// onto a copy of the ledger, verifying the token fingerprint along the way.
func (d *DirectionalChannel) simulateApply(
	mt *fwire.MoveToken) (*MoveTokenReceived, error) {

	return applyBatch(d.ledger, mt, d.moveTokenCounter+1)
}

// applyBatch verifies the fingerprint of an incoming move token at the
// passed chain position and applies its operations onto a copy of the
// passed ledger, extracting the incoming messages as it goes.
func applyBatch(ledger *Ledger, mt *fwire.MoveToken,
	counter uint64) (*MoveTokenReceived, error) {

	expectedToken, err := fwire.DeriveNewToken(
		mt.OldToken, mt.Operations, mt.RandNonce, counter)
	if err != nil {
		return nil, err
	}
	if expectedToken != mt.NewToken {
		log.Debugf("Move token #%d fingerprint mismatch: derived %x, "+
			"carried %x", counter, expectedToken[:8], mt.NewToken[:8])
		return nil, ErrChainInconsistent
	}

	working := ledger.copy()

	var incoming []IncomingMessage
	for _, op := range mt.Operations {
		// Capture the pending record a response or failure refers to
		// before the operation removes it from the ledger.
		var pending *fwire.PendingRequest
		switch o := op.(type) {
		case *fwire.ResponseSendFunds:
			pending, _ = working.PendingLocalRequest(o.RequestID)
		case *fwire.FailureSendFunds:
			pending, _ = working.PendingLocalRequest(o.RequestID)
		}

		if err := working.applyRemoteOp(op); err != nil {
			return nil, errors.WrapPrefix(
				ErrInvalidTransaction, err.Error(), 0)
		}

		switch o := op.(type) {
		case *fwire.RequestSendFunds:
			incoming = append(incoming, IncomingMessage{Request: o})
		case *fwire.ResponseSendFunds:
			incoming = append(incoming, IncomingMessage{
				Response: &IncomingResponse{
					Response: o,
					Pending:  pending,
				},
			})
		case *fwire.FailureSendFunds:
			incoming = append(incoming, IncomingMessage{
				Failure: &IncomingFailure{
					Failure: o,
					Pending:  pending,
				},
			})
		}
	}

	return &MoveTokenReceived{
		IncomingMessages: incoming,
		newLedger:        working,
		newTip:           mt.NewToken,
		counter:          counter,
	}, nil
}

// CommitReceive applies a staged receive outcome: the channel adopts the
// post-batch ledger, flips to the incoming direction and advances the
// chain.
func (d *DirectionalChannel) CommitReceive(received *MoveTokenReceived) {
	d.ledger = received.newLedger
	d.direction = DirectionIncoming
	d.chainTip = received.newTip
	d.moveTokenCounter = received.counter
	d.outgoing = nil

	log.Tracef("Channel with %v advanced to move token #%d, balance=%v",
		d.remotePubKey, d.moveTokenCounter, d.ledger.balance)
}

// AckOutgoing processes an explicit acknowledgement of our last outgoing
// move token: the remote side has applied it but has nothing to send, so
// the token passes back to us.
func (d *DirectionalChannel) AckOutgoing(
	ackedToken fwire.ChannelToken) error {

	if d.direction != DirectionOutgoing {
		return errors.New("no outgoing move token to acknowledge")
	}
	if ackedToken != d.outgoing.OldToken {
		return errors.New("incorrect acknowledged token")
	}

	d.direction = DirectionIncoming
	d.outgoing = nil
	return nil
}

// SimulateReset verifies and stages an incoming move token that reopens the
// channel from our reset terms: its old token must equal our reset token,
// its chain position restarts at zero, and its batch applies onto a fresh
// ledger that keeps our current balance with all pending requests dropped.
func (d *DirectionalChannel) SimulateReset(
	mt *fwire.MoveToken) (*MoveTokenReceived, error) {

	freshLedger := NewLedger(
		d.localPubKey, d.remotePubKey, d.ledger.balance)

	return applyBatch(freshLedger, mt, 0)
}

// ResetFromLocal reopens the channel from the remote side's reset terms:
// we adopt the proposed balance, drop all pending state and transmit the
// first move token of the new chain, built over the remote's reset token.
func (d *DirectionalChannel) ResetFromLocal(remoteResetToken fwire.ChannelToken,
	balanceForReset int64, randNonce fwire.RandValue) (*fwire.MoveToken, error) {

	newToken, err := fwire.DeriveNewToken(
		remoteResetToken, nil, randNonce, 0)
	if err != nil {
		return nil, err
	}

	mt := &fwire.MoveToken{
		OldToken:  remoteResetToken,
		RandNonce: randNonce,
		NewToken:  newToken,
	}

	d.ledger = NewLedger(d.localPubKey, d.remotePubKey, balanceForReset)
	d.direction = DirectionOutgoing
	d.outgoing = mt
	d.chainTip = newToken
	d.moveTokenCounter = 0

	log.Infof("Channel with %v reopened from reset terms, balance=%v",
		d.remotePubKey, balanceForReset)

	return mt, nil
}
