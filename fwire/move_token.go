package fwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/fastsha256"
)

// MoveToken is one batch of operations sent by the current token holder.
// Consecutive move tokens form a hash chain: OldToken is the fingerprint of
// the previous message on the chain, and NewToken is the fingerprint of this
// one. Two parties derive an identical NewToken if and only if they applied
// an identical batch over an identical OldToken.
type MoveToken struct {
	// Operations is the ordered batch of ledger operations. Application
	// is atomic: either every operation succeeds, or the batch is
	// rejected with no effect.
	Operations []Op

	// OldToken is the NewToken of the previous message on the chain.
	OldToken ChannelToken

	// RandNonce is mixed into the NewToken derivation.
	RandNonce RandValue

	// NewToken is the fingerprint of this message, as derived by
	// DeriveNewToken over the fields above and the channel's move token
	// counter.
	NewToken ChannelToken
}

// A compile time check to ensure MoveToken implements the fwire.Message
// interface.
var _ Message = (*MoveToken)(nil)

// Decode deserializes the serialized MoveToken stored in the passed
// io.Reader into the target MoveToken.
//
// This is part of the fwire.Message interface.
func (m *MoveToken) Decode(r io.Reader, pver uint32) error {
	var numOps uint16
	if err := readElement(r, &numOps); err != nil {
		return err
	}

	m.Operations = make([]Op, 0, numOps)
	for i := uint16(0); i < numOps; i++ {
		op, err := ReadOp(r)
		if err != nil {
			return err
		}
		m.Operations = append(m.Operations, op)
	}

	return readElements(r,
		&m.OldToken,
		&m.RandNonce,
		&m.NewToken)
}

// Encode serializes the target MoveToken into the passed io.Writer.
//
// This is part of the fwire.Message interface.
func (m *MoveToken) Encode(w io.Writer, pver uint32) error {
	if len(m.Operations) > 0xffff {
		return fmt.Errorf("too many operations: %v", len(m.Operations))
	}

	if err := writeElement(w, uint16(len(m.Operations))); err != nil {
		return err
	}
	for _, op := range m.Operations {
		if err := WriteOp(w, op); err != nil {
			return err
		}
	}

	return writeElements(w,
		m.OldToken,
		m.RandNonce,
		m.NewToken)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the fwire.Message interface.
func (m *MoveToken) MsgType() MessageType {
	return MsgMoveToken
}

// MaxPayloadLength returns the maximum allowed payload size for a MoveToken
// complete message observing the operations size budget.
//
// This is part of the fwire.Message interface.
func (m *MoveToken) MaxPayloadLength(uint32) uint32 {
	// NumOps + operations budget + OldToken + RandNonce + NewToken.
	return 2 + MaxMoveTokenLength + TokenLen + RandValueLen + TokenLen
}

// DeriveNewToken computes the fingerprint of a move token from the previous
// token on the chain, the canonical encoding of the batch, the random nonce
// and the position of the message within the chain. Both sides of a channel
// derive this value independently; a mismatch means the batch or its
// ancestry diverged.
func DeriveNewToken(oldToken ChannelToken, operations []Op,
	randNonce RandValue, counter uint64) (ChannelToken, error) {

	h := fastsha256.New()
	h.Write(oldToken[:])
	for _, op := range operations {
		if err := WriteOp(h, op); err != nil {
			return ChannelToken{}, err
		}
	}
	h.Write(randNonce[:])

	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)
	h.Write(counterBytes[:])

	var token ChannelToken
	copy(token[:], h.Sum(nil))
	return token, nil
}
