package tokenchannel

import (
	"github.com/go-errors/errors"

	"github.com/stephensong/offst/fwire"
)

var (
	// ErrMaxLengthReached is returned by QueueOperation when the next
	// operation would not fit within the move token size budget. It is
	// the only benign queueing error: anything else means the composer
	// queued an operation its own ledger refuses, which is a local bug.
	ErrMaxLengthReached = errors.New("move token size budget reached")

	// ErrTokenNotHeld is returned when attempting to compose an outgoing
	// move token while the remote side holds the token.
	ErrTokenNotHeld = errors.New("token currently held by remote side")
)

// OutgoingMoveToken accumulates operations for the next outgoing move
// token, applying each to a working copy of the ledger as it is queued so
// that every queued operation is known to be valid, and enforcing the
// encoded size budget.
type OutgoingMoveToken struct {
	workingLedger *Ledger

	operations []fwire.Op

	bytesUsed int
	maxLength int
}

// BeginOutgoingMoveToken starts composing the next outgoing move token.
// The channel must currently hold the token.
func (d *DirectionalChannel) BeginOutgoingMoveToken(
	maxLength int) (*OutgoingMoveToken, error) {

	if d.direction != DirectionIncoming {
		return nil, ErrTokenNotHeld
	}

	return &OutgoingMoveToken{
		workingLedger: d.ledger.copy(),
		maxLength:     maxLength,
	}, nil
}

// QueueOperation appends an operation to the batch being composed. The
// operation is applied to the working ledger immediately, so a queued
// failure releases its frozen credits and a queued request freezes them.
// ErrMaxLengthReached indicates the batch is full; any other error means
// the operation violates the composer's own ledger.
func (o *OutgoingMoveToken) QueueOperation(op fwire.Op) error {
	opLen, err := fwire.OpEncodedLen(op)
	if err != nil {
		return err
	}
	if o.bytesUsed+opLen > o.maxLength {
		return ErrMaxLengthReached
	}

	if err := o.workingLedger.applyLocalOp(op); err != nil {
		return err
	}

	o.operations = append(o.operations, op)
	o.bytesUsed += opLen
	return nil
}

// IsEmpty returns true if no operations have been queued.
func (o *OutgoingMoveToken) IsEmpty() bool {
	return len(o.operations) == 0
}

// Operations returns the operations queued so far, in order.
func (o *OutgoingMoveToken) Operations() []fwire.Op {
	return o.operations
}

// CommitOutgoing finalizes the composed batch into a move token message,
// adopts the working ledger, flips the channel to the outgoing direction
// and advances the chain. The returned message is what must be transmitted,
// and retransmitted until acknowledged.
func (d *DirectionalChannel) CommitOutgoing(o *OutgoingMoveToken,
	randNonce fwire.RandValue) (*fwire.MoveToken, error) {

	if d.direction != DirectionIncoming {
		return nil, ErrTokenNotHeld
	}

	counter := d.moveTokenCounter + 1
	newToken, err := fwire.DeriveNewToken(
		d.chainTip, o.operations, randNonce, counter)
	if err != nil {
		return nil, err
	}

	mt := &fwire.MoveToken{
		Operations: o.operations,
		OldToken:   d.chainTip,
		RandNonce:  randNonce,
		NewToken:   newToken,
	}

	d.ledger = o.workingLedger
	d.direction = DirectionOutgoing
	d.outgoing = mt
	d.chainTip = newToken
	d.moveTokenCounter = counter

	log.Tracef("Composed move token #%d for %v with %d operations "+
		"(%d bytes)", counter, d.remotePubKey, len(o.operations),
		o.bytesUsed)

	return mt, nil
}
