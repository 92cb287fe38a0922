package fwire

import (
	"bytes"
	"fmt"
	"io"
)

// OpType is the single byte tag that identifies a token channel operation on
// the wire.
type OpType uint8

// The currently defined operation types carried inside a MoveToken batch.
const (
	OpSetRemoteMaxDebt OpType = 1
	OpEnableRequests   OpType = 2
	OpDisableRequests  OpType = 3
	OpRequestSendFunds OpType = 4
	OpResponseSendFunds OpType = 5
	OpFailureSendFunds OpType = 6
)

// Op is a single token channel operation. Operations are applied to the
// shared ledger in the order they appear within a MoveToken batch, and the
// entire batch is atomic: if any operation fails its preconditions, the
// batch has no effect.
type Op interface {
	// OpType returns the wire tag of the operation.
	OpType() OpType

	// Encode serializes the operation payload (without the tag) into the
	// passed io.Writer.
	Encode(io.Writer) error

	// Decode deserializes the operation payload (without the tag) from
	// the passed io.Reader.
	Decode(io.Reader) error
}

// SetRemoteMaxDebt announces the maximum debt the sender is willing to let
// the receiver accumulate against it.
type SetRemoteMaxDebt struct {
	MaxDebt uint64
}

// OpType returns the wire tag of the operation.
func (o *SetRemoteMaxDebt) OpType() OpType { return OpSetRemoteMaxDebt }

// Encode serializes the operation payload into the passed io.Writer.
func (o *SetRemoteMaxDebt) Encode(w io.Writer) error {
	return writeElement(w, o.MaxDebt)
}

// Decode deserializes the operation payload from the passed io.Reader.
func (o *SetRemoteMaxDebt) Decode(r io.Reader) error {
	return readElement(r, &o.MaxDebt)
}

// EnableRequests announces that the sender is willing to accept and relay
// requests arriving from the receiver.
type EnableRequests struct{}

// OpType returns the wire tag of the operation.
func (o *EnableRequests) OpType() OpType { return OpEnableRequests }

// Encode serializes the operation payload into the passed io.Writer.
func (o *EnableRequests) Encode(io.Writer) error { return nil }

// Decode deserializes the operation payload from the passed io.Reader.
func (o *EnableRequests) Decode(io.Reader) error { return nil }

// DisableRequests announces that the sender refuses further requests from
// the receiver. In-flight requests are unaffected.
type DisableRequests struct{}

// OpType returns the wire tag of the operation.
func (o *DisableRequests) OpType() OpType { return OpDisableRequests }

// Encode serializes the operation payload into the passed io.Writer.
func (o *DisableRequests) Encode(io.Writer) error { return nil }

// Decode deserializes the operation payload from the passed io.Reader.
func (o *DisableRequests) Decode(io.Reader) error { return nil }

// RequestSendFunds asks the receiver to freeze credits and relay the request
// one hop further along the carried route, ultimately paying DestPayment to
// the final node. Every relay already traversed has appended a FreezeLink to
// the freeze chain.
type RequestSendFunds struct {
	RequestID   Uid
	Route       Route
	DestPayment uint64
	FeePerHop   uint64
	InvoiceID   InvoiceID
	FreezeLinks []FreezeLink
}

// OpType returns the wire tag of the operation.
func (o *RequestSendFunds) OpType() OpType { return OpRequestSendFunds }

// Encode serializes the operation payload into the passed io.Writer.
func (o *RequestSendFunds) Encode(w io.Writer) error {
	return writeElements(w,
		o.RequestID,
		o.Route,
		o.DestPayment,
		o.FeePerHop,
		o.InvoiceID,
		o.FreezeLinks)
}

// Decode deserializes the operation payload from the passed io.Reader.
func (o *RequestSendFunds) Decode(r io.Reader) error {
	return readElements(r,
		&o.RequestID,
		&o.Route,
		&o.DestPayment,
		&o.FeePerHop,
		&o.InvoiceID,
		&o.FreezeLinks)
}

// CreatePendingRequest extracts the immutable pending record of the request,
// as inserted into the pending tables of the ledger on both sides of a
// channel.
func (o *RequestSendFunds) CreatePendingRequest() *PendingRequest {
	route := Route{
		PublicKeys: make([]PublicKey, len(o.Route.PublicKeys)),
	}
	copy(route.PublicKeys, o.Route.PublicKeys)

	links := make([]FreezeLink, len(o.FreezeLinks))
	copy(links, o.FreezeLinks)

	return &PendingRequest{
		RequestID:   o.RequestID,
		Route:       route,
		DestPayment: o.DestPayment,
		FeePerHop:   o.FeePerHop,
		InvoiceID:   o.InvoiceID,
		FreezeLinks: links,
	}
}

// ResponseSendFunds settles a pending request. It is composed by the
// destination of the route and travels back towards the origin, moving the
// frozen credits of each hop into the hop's balance. The signature covers
// the canonical response buffer and is verifiable by any hop against the
// destination's public key.
type ResponseSendFunds struct {
	RequestID              Uid
	RandNonce              RandValue
	ProcessingFeeCollected uint64
	Signature              Signature
}

// OpType returns the wire tag of the operation.
func (o *ResponseSendFunds) OpType() OpType { return OpResponseSendFunds }

// Encode serializes the operation payload into the passed io.Writer.
func (o *ResponseSendFunds) Encode(w io.Writer) error {
	return writeElements(w,
		o.RequestID,
		o.RandNonce,
		o.ProcessingFeeCollected,
		o.Signature)
}

// Decode deserializes the operation payload from the passed io.Reader.
func (o *ResponseSendFunds) Decode(r io.Reader) error {
	return readElements(r,
		&o.RequestID,
		&o.RandNonce,
		&o.ProcessingFeeCollected,
		&o.Signature)
}

// FailureSendFunds cancels a pending request without moving any balance.
// ReportingPK identifies the relay that refused the request; the signature
// is produced by that relay over the canonical failure buffer, proving to
// every upstream hop that the refusal is authentic.
type FailureSendFunds struct {
	RequestID   Uid
	ReportingPK PublicKey
	RandNonce   RandValue
	Signature   Signature
}

// OpType returns the wire tag of the operation.
func (o *FailureSendFunds) OpType() OpType { return OpFailureSendFunds }

// Encode serializes the operation payload into the passed io.Writer.
func (o *FailureSendFunds) Encode(w io.Writer) error {
	return writeElements(w,
		o.RequestID,
		o.ReportingPK,
		o.RandNonce,
		o.Signature)
}

// Decode deserializes the operation payload from the passed io.Reader.
func (o *FailureSendFunds) Decode(r io.Reader) error {
	return readElements(r,
		&o.RequestID,
		&o.ReportingPK,
		&o.RandNonce,
		&o.Signature)
}

// makeEmptyOp creates a new empty operation of the proper concrete type
// based on the passed operation type.
func makeEmptyOp(opType OpType) (Op, error) {
	var op Op

	switch opType {
	case OpSetRemoteMaxDebt:
		op = &SetRemoteMaxDebt{}
	case OpEnableRequests:
		op = &EnableRequests{}
	case OpDisableRequests:
		op = &DisableRequests{}
	case OpRequestSendFunds:
		op = &RequestSendFunds{}
	case OpResponseSendFunds:
		op = &ResponseSendFunds{}
	case OpFailureSendFunds:
		op = &FailureSendFunds{}
	default:
		return nil, fmt.Errorf("unknown operation type [%d]", opType)
	}

	return op, nil
}

// WriteOp writes a tagged operation to the passed io.Writer.
func WriteOp(w io.Writer, op Op) error {
	if err := writeElement(w, uint8(op.OpType())); err != nil {
		return err
	}
	return op.Encode(w)
}

// ReadOp reads a single tagged operation from the passed io.Reader.
func ReadOp(r io.Reader) (Op, error) {
	var opType uint8
	if err := readElement(r, &opType); err != nil {
		return nil, err
	}

	op, err := makeEmptyOp(OpType(opType))
	if err != nil {
		return nil, err
	}
	if err := op.Decode(r); err != nil {
		return nil, err
	}

	return op, nil
}

// OpEncodedLen returns the number of bytes the tagged encoding of the passed
// operation occupies on the wire. It is used to enforce the MoveToken size
// budget while composing a batch.
func OpEncodedLen(op Op) (int, error) {
	var b bytes.Buffer
	if err := WriteOp(&b, op); err != nil {
		return 0, err
	}
	return b.Len(), nil
}
