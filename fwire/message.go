package fwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessagePayload is the maximum bytes a message can be regardless of other
// individual limits imposed by messages themselves.
const MaxMessagePayload = 65535 // 65KB

// MaxMoveTokenLength is the size budget, in encoded bytes, for the batch of
// operations carried by a single MoveToken message. Composing stops once the
// next operation would not fit within the budget, and the per-type frame cap
// of MoveToken is derived from it.
const MaxMoveTokenLength = 4096

// messageHeaderLen is the size of the type tag leading every frame.
const messageHeaderLen = 2

// MessageType is the unique 2 byte big-endian integer that leads a frame and
// indicates the message it carries. There is no length field or checksum:
// the friend protocol travels in keepalive frames over an authenticated
// channel, so every frame holds exactly one whole message.
type MessageType uint16

// The currently defined message types exchanged between friends, after the
// channel handshake and below the keepalive wrapper.
const (
	MsgMoveToken          MessageType = 16
	MsgInconsistencyError MessageType = 17
	MsgMoveTokenAck       MessageType = 18
	MsgRequestToken       MessageType = 19
	MsgKeepAlive          MessageType = 20
)

// String returns the protocol name of the message type, for logging.
func (t MessageType) String() string {
	switch t {
	case MsgMoveToken:
		return "MoveToken"
	case MsgInconsistencyError:
		return "InconsistencyError"
	case MsgMoveTokenAck:
		return "MoveTokenAck"
	case MsgRequestToken:
		return "RequestToken"
	case MsgKeepAlive:
		return "KeepAlive"
	}
	return fmt.Sprintf("Unknown(%d)", uint16(t))
}

// UnknownMessageError is returned when a frame leads with a message type
// this node does not speak.
type UnknownMessageError struct {
	MsgType MessageType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown friend message type %v", e.MsgType)
}

// Message is an interface that defines a friend wire protocol message. The
// interface is general in order to allow implementing types full control over
// the representation of its data.
type Message interface {
	Decode(io.Reader, uint32) error
	Encode(io.Writer, uint32) error
	MsgType() MessageType
	MaxPayloadLength(uint32) uint32
}

// messageMakers maps each known message type to a constructor of its empty
// concrete message.
var messageMakers = map[MessageType]func() Message{
	MsgMoveToken:          func() Message { return &MoveToken{} },
	MsgInconsistencyError: func() Message { return &InconsistencyError{} },
	MsgMoveTokenAck:       func() Message { return &MoveTokenAck{} },
	MsgRequestToken:       func() Message { return &RequestToken{} },
	MsgKeepAlive:          func() Message { return &KeepAlive{} },
}

// EncodeMessage serializes a message into a single self-contained frame:
// the type tag followed by the message payload. The payload must respect
// both the overall frame limit and the message type's own cap — for a
// MoveToken that cap embeds the operations budget, so an overfull batch is
// caught here even if a composer failed to enforce it.
func EncodeMessage(msg Message, pver uint32) ([]byte, error) {
	maxPayload := msg.MaxPayloadLength(pver)
	if maxPayload > MaxMessagePayload {
		maxPayload = MaxMessagePayload
	}

	b := bytes.NewBuffer(make([]byte, 0, messageHeaderLen+maxPayload))

	var tag [messageHeaderLen]byte
	binary.BigEndian.PutUint16(tag[:], uint16(msg.MsgType()))
	b.Write(tag[:])

	if err := msg.Encode(b, pver); err != nil {
		return nil, err
	}

	payloadLen := uint32(b.Len() - messageHeaderLen)
	if payloadLen > maxPayload {
		return nil, fmt.Errorf("%v payload of %d bytes spills its "+
			"%d byte cap", msg.MsgType(), payloadLen, maxPayload)
	}

	return b.Bytes(), nil
}

// DecodeMessage parses a single frame back into a message. The payload cap
// of the tagged type is enforced before any decoding happens, and a frame
// with bytes left over after its message is rejected: with one message per
// frame, trailing garbage means the peer's framing disagrees with ours.
func DecodeMessage(frame []byte, pver uint32) (Message, error) {
	if len(frame) < messageHeaderLen {
		return nil, fmt.Errorf("frame of %d bytes is too short to "+
			"carry a message type", len(frame))
	}

	msgType := MessageType(binary.BigEndian.Uint16(frame[:messageHeaderLen]))
	payload := frame[messageHeaderLen:]

	makeMsg, ok := messageMakers[msgType]
	if !ok {
		log.Debugf("Rejecting frame with unknown message type %d",
			uint16(msgType))
		return nil, &UnknownMessageError{MsgType: msgType}
	}

	msg := makeMsg()
	if maxPayload := msg.MaxPayloadLength(pver); uint32(len(payload)) > maxPayload {
		log.Debugf("Rejecting oversized %v frame: %d > %d bytes",
			msgType, len(payload), maxPayload)
		return nil, fmt.Errorf("%v payload of %d bytes spills its "+
			"%d byte cap", msgType, len(payload), maxPayload)
	}

	r := bytes.NewReader(payload)
	if err := msg.Decode(r, pver); err != nil {
		return nil, err
	}

	if r.Len() != 0 {
		log.Debugf("Rejecting %v frame with %d trailing bytes",
			msgType, r.Len())
		return nil, fmt.Errorf("%v frame carries %d trailing bytes",
			msgType, r.Len())
	}

	return msg, nil
}
