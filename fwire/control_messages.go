package fwire

import (
	"io"
)

// InconsistencyError reports that the sender could not apply an incoming
// move token, and carries the sender's terms for a cooperative channel
// reset. The receiver answers with its own InconsistencyError carrying
// OptAck set to the token it received; once both sides have seen each
// other's terms, either side may reopen the channel by sending a MoveToken
// whose OldToken equals the peer's reset token.
type InconsistencyError struct {
	// HasAck indicates whether OptAck carries an acknowledged token.
	HasAck bool

	// OptAck echoes the reset token previously received from the peer,
	// acknowledging its terms. Only meaningful when HasAck is set.
	OptAck ChannelToken

	// CurrentToken is the sender's reset token, deterministically derived
	// from its view of the channel.
	CurrentToken ChannelToken

	// BalanceForReset is the channel balance the sender proposes for the
	// reopened channel, from the receiver's perspective.
	BalanceForReset int64
}

// A compile time check to ensure InconsistencyError implements the
// fwire.Message interface.
var _ Message = (*InconsistencyError)(nil)

// Decode deserializes the serialized InconsistencyError stored in the passed
// io.Reader into the target InconsistencyError.
//
// This is part of the fwire.Message interface.
func (m *InconsistencyError) Decode(r io.Reader, pver uint32) error {
	return readElements(r,
		&m.HasAck,
		&m.OptAck,
		&m.CurrentToken,
		&m.BalanceForReset)
}

// Encode serializes the target InconsistencyError into the passed io.Writer.
//
// This is part of the fwire.Message interface.
func (m *InconsistencyError) Encode(w io.Writer, pver uint32) error {
	return writeElements(w,
		m.HasAck,
		m.OptAck,
		m.CurrentToken,
		m.BalanceForReset)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the fwire.Message interface.
func (m *InconsistencyError) MsgType() MessageType {
	return MsgInconsistencyError
}

// MaxPayloadLength returns the maximum allowed payload size for an
// InconsistencyError complete message.
//
// This is part of the fwire.Message interface.
func (m *InconsistencyError) MaxPayloadLength(uint32) uint32 {
	// HasAck + OptAck + CurrentToken + BalanceForReset.
	return 1 + TokenLen + TokenLen + 8
}

// MoveTokenAck acknowledges receipt of a move token without passing any
// operations back. It is sent when the receiver of a nonempty batch has
// nothing of its own to say, keeping the token on the receiving side.
type MoveTokenAck struct {
	// AckedToken is the OldToken of the move token being acknowledged.
	AckedToken ChannelToken
}

// A compile time check to ensure MoveTokenAck implements the fwire.Message
// interface.
var _ Message = (*MoveTokenAck)(nil)

// Decode deserializes the serialized MoveTokenAck stored in the passed
// io.Reader into the target MoveTokenAck.
//
// This is part of the fwire.Message interface.
func (m *MoveTokenAck) Decode(r io.Reader, pver uint32) error {
	return readElement(r, &m.AckedToken)
}

// Encode serializes the target MoveTokenAck into the passed io.Writer.
//
// This is part of the fwire.Message interface.
func (m *MoveTokenAck) Encode(w io.Writer, pver uint32) error {
	return writeElement(w, m.AckedToken)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the fwire.Message interface.
func (m *MoveTokenAck) MsgType() MessageType {
	return MsgMoveTokenAck
}

// MaxPayloadLength returns the maximum allowed payload size for a
// MoveTokenAck complete message.
//
// This is part of the fwire.Message interface.
func (m *MoveTokenAck) MaxPayloadLength(uint32) uint32 {
	return TokenLen
}

// RequestToken asks the current token holder to pass the token by sending
// a move token message, so that the sender may transmit its own queued
// operations.
type RequestToken struct {
	// LastToken is the NewToken of the latest move token on the chain,
	// which the sender itself sent, proving it knows the current chain
	// position.
	LastToken ChannelToken
}

// A compile time check to ensure RequestToken implements the fwire.Message
// interface.
var _ Message = (*RequestToken)(nil)

// Decode deserializes the serialized RequestToken stored in the passed
// io.Reader into the target RequestToken.
//
// This is part of the fwire.Message interface.
func (m *RequestToken) Decode(r io.Reader, pver uint32) error {
	return readElement(r, &m.LastToken)
}

// Encode serializes the target RequestToken into the passed io.Writer.
//
// This is part of the fwire.Message interface.
func (m *RequestToken) Encode(w io.Writer, pver uint32) error {
	return writeElement(w, m.LastToken)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the fwire.Message interface.
func (m *RequestToken) MsgType() MessageType {
	return MsgRequestToken
}

// MaxPayloadLength returns the maximum allowed payload size for a
// RequestToken complete message.
//
// This is part of the fwire.Message interface.
func (m *RequestToken) MaxPayloadLength(uint32) uint32 {
	return TokenLen
}

// KeepAlive carries no payload. It refreshes the liveness of the sending
// friend without touching the token channel.
type KeepAlive struct{}

// A compile time check to ensure KeepAlive implements the fwire.Message
// interface.
var _ Message = (*KeepAlive)(nil)

// Decode deserializes the serialized KeepAlive stored in the passed
// io.Reader into the target KeepAlive.
//
// This is part of the fwire.Message interface.
func (m *KeepAlive) Decode(r io.Reader, pver uint32) error {
	return nil
}

// Encode serializes the target KeepAlive into the passed io.Writer.
//
// This is part of the fwire.Message interface.
func (m *KeepAlive) Encode(w io.Writer, pver uint32) error {
	return nil
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the fwire.Message interface.
func (m *KeepAlive) MsgType() MessageType {
	return MsgKeepAlive
}

// MaxPayloadLength returns the maximum allowed payload size for a KeepAlive
// complete message.
//
// This is part of the fwire.Message interface.
func (m *KeepAlive) MaxPayloadLength(uint32) uint32 {
	return 0
}
