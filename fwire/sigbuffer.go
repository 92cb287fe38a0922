package fwire

import (
	"github.com/btcsuite/fastsha256"
)

// Prefixes mixed into the canonical signature buffers, so that a signature
// produced for one purpose can never be replayed for another.
var (
	fundSuccessPrefix = []byte("FUND_SUCCESS")
	fundFailurePrefix = []byte("FUND_FAILURE")
)

// ResponseHash computes the digest binding a response to the request it
// settles: the request id, the responder's nonce and the full route. The
// digest is what a receipt carries in place of the raw request data.
func ResponseHash(pending *PendingRequest, randNonce RandValue) [32]byte {
	h := fastsha256.New()
	h.Write(pending.RequestID[:])
	h.Write(randNonce[:])
	h.Write(pending.Route.Bytes())

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// CreateResponseSignatureBuffer assembles the canonical buffer the
// destination of a request signs when settling it. Every hop on the way
// back verifies the response signature over this exact buffer against the
// destination's public key.
func CreateResponseSignatureBuffer(response *ResponseSendFunds,
	pending *PendingRequest) []byte {

	return responseBuffer(ResponseHash(pending, response.RandNonce),
		pending.InvoiceID, pending.DestPayment,
		response.ProcessingFeeCollected)
}

// ReceiptSignatureBuffer reassembles the canonical response buffer from a
// receipt alone, so that any third party holding the destination's public
// key can check the receipt's signature.
func ReceiptSignatureBuffer(receipt *Receipt) []byte {
	return responseBuffer(receipt.ResponseHash, receipt.InvoiceID,
		receipt.DestPayment, receipt.ProcessingFeeCollected)
}

// responseBuffer assembles the digest both the response signature and the
// receipt signature cover.
func responseBuffer(responseHash [32]byte, invoiceID InvoiceID,
	destPayment, processingFeeCollected uint64) []byte {

	h := fastsha256.New()
	h.Write(fundSuccessPrefix)
	h.Write(responseHash[:])
	h.Write(invoiceID[:])
	writeElement(h, destPayment)
	writeElement(h, processingFeeCollected)
	return h.Sum(nil)
}

// CreateFailureSignatureBuffer assembles the canonical buffer the reporting
// relay signs when refusing a request. Every upstream hop verifies the
// failure signature over this exact buffer against the reporting public
// key, so it covers only the request fields all hops share: the freeze
// chain grows per hop and cannot be part of it.
func CreateFailureSignatureBuffer(failure *FailureSendFunds,
	pending *PendingRequest) []byte {

	h := fastsha256.New()
	h.Write(fundFailurePrefix)
	h.Write(pending.RequestID[:])
	h.Write(pending.Route.Dest().Bytes())
	h.Write(pending.InvoiceID[:])
	writeElement(h, pending.DestPayment)
	h.Write(failure.ReportingPK[:])
	h.Write(failure.RandNonce[:])
	return h.Sum(nil)
}

// Bytes returns the raw bytes of the public key.
func (p PublicKey) Bytes() []byte {
	return p[:]
}

// Receipt is the transferable proof of a settled payment: the canonical
// signed tuple the origin hands to the application once a response arrives.
// Anyone holding the destination's public key can verify it.
type Receipt struct {
	// ResponseHash binds the receipt to a specific request and route.
	ResponseHash [32]byte

	// InvoiceID identifies the invoice the payment settles.
	InvoiceID InvoiceID

	// DestPayment is the amount paid to the destination.
	DestPayment uint64

	// ProcessingFeeCollected is the fee the destination reported
	// collecting while processing the payment.
	ProcessingFeeCollected uint64

	// Signature is the destination's signature over the canonical
	// response buffer.
	Signature Signature
}

// PrepareReceipt assembles the receipt for a settled request from the
// incoming response and the matching pending record.
func PrepareReceipt(response *ResponseSendFunds,
	pending *PendingRequest) *Receipt {

	sig := make(Signature, len(response.Signature))
	copy(sig, response.Signature)

	return &Receipt{
		ResponseHash:           ResponseHash(pending, response.RandNonce),
		InvoiceID:              pending.InvoiceID,
		DestPayment:            pending.DestPayment,
		ProcessingFeeCollected: response.ProcessingFeeCollected,
		Signature:              sig,
	}
}
