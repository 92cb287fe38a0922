package fwire

import (
	"bytes"
	"reflect"
	"testing"
)

// testRequest assembles a representative request operation touching every
// field, including a multi-link freeze chain.
func testRequest() *RequestSendFunds {
	var route Route
	for i := byte(1); i <= 3; i++ {
		var pk PublicKey
		pk[0] = i
		route.PublicKeys = append(route.PublicKeys, pk)
	}

	var ratio Ratio
	ratio.Numerator[0] = 0x80

	return &RequestSendFunds{
		RequestID:   Uid{0x01, 0x02},
		Route:       route,
		DestPayment: 10,
		FeePerHop:   1,
		InvoiceID:   InvoiceID{0xaa},
		FreezeLinks: []FreezeLink{
			{SharedCredits: 100, UsableRatio: RatioOne()},
			{SharedCredits: 50, UsableRatio: ratio},
		},
	}
}

// TestMoveTokenFrameRoundTrip encodes a move token carrying one operation
// of every kind into a frame and decodes it back.
func TestMoveTokenFrameRoundTrip(t *testing.T) {
	msg := &MoveToken{
		Operations: []Op{
			&SetRemoteMaxDebt{MaxDebt: 100},
			&EnableRequests{},
			&DisableRequests{},
			testRequest(),
			&ResponseSendFunds{
				RequestID:              Uid{0x03},
				RandNonce:              RandValue{0x04},
				ProcessingFeeCollected: 2,
				Signature:              Signature{0x30, 0x01, 0x02},
			},
			&FailureSendFunds{
				RequestID:   Uid{0x05},
				ReportingPK: PublicKey{0x06},
				RandNonce:   RandValue{0x07},
				Signature:   Signature{0x30, 0x08},
			},
		},
		OldToken:  ChannelToken{0x11},
		RandNonce: RandValue{0x22},
		NewToken:  ChannelToken{0x33},
	}

	frame, err := EncodeMessage(msg, 0)
	if err != nil {
		t.Fatalf("unable to encode message: %v", err)
	}

	decoded, err := DecodeMessage(frame, 0)
	if err != nil {
		t.Fatalf("unable to decode frame: %v", err)
	}

	if !reflect.DeepEqual(msg, decoded) {
		t.Fatalf("decoded message differs:\nhave %v\nwant %v",
			decoded, msg)
	}
}

// TestControlMessagesRoundTrip encodes each of the small control messages
// and decodes them back.
func TestControlMessagesRoundTrip(t *testing.T) {
	msgs := []Message{
		&InconsistencyError{
			HasAck:          true,
			OptAck:          ChannelToken{0x01},
			CurrentToken:    ChannelToken{0x02},
			BalanceForReset: -42,
		},
		&MoveTokenAck{AckedToken: ChannelToken{0x03}},
		&RequestToken{LastToken: ChannelToken{0x04}},
		&KeepAlive{},
	}

	for _, msg := range msgs {
		frame, err := EncodeMessage(msg, 0)
		if err != nil {
			t.Fatalf("unable to encode %T: %v", msg, err)
		}

		decoded, err := DecodeMessage(frame, 0)
		if err != nil {
			t.Fatalf("unable to decode %T: %v", msg, err)
		}

		if !reflect.DeepEqual(msg, decoded) {
			t.Fatalf("decoded %T differs:\nhave %v\nwant %v",
				msg, decoded, msg)
		}
	}
}

// TestFrameStrictness asserts the framing rules: a frame must carry
// exactly one whole known message within its type's payload cap.
func TestFrameStrictness(t *testing.T) {
	// A runt frame cannot even name a message type.
	if _, err := DecodeMessage([]byte{0x00}, 0); err == nil {
		t.Fatalf("runt frame accepted")
	}

	// An unknown message type is reported as such.
	_, err := DecodeMessage([]byte{0xff, 0xff}, 0)
	if _, ok := err.(*UnknownMessageError); !ok {
		t.Fatalf("expected UnknownMessageError, got %v", err)
	}

	frame, err := EncodeMessage(
		&MoveTokenAck{AckedToken: ChannelToken{0x01}}, 0)
	if err != nil {
		t.Fatalf("unable to encode message: %v", err)
	}

	// Trailing bytes after the message mean the peer's framing
	// disagrees with ours.
	if _, err := DecodeMessage(append(frame, 0x00), 0); err == nil {
		t.Fatalf("frame with trailing bytes accepted")
	}

	// A payload beyond the tagged type's cap is rejected before any
	// decoding.
	oversized := append([]byte{}, frame...)
	oversized = append(oversized, bytes.Repeat([]byte{0x00}, TokenLen+1)...)
	if _, err := DecodeMessage(oversized, 0); err == nil {
		t.Fatalf("oversized frame accepted")
	}
}

// TestEncodeEnforcesBudget asserts that an overfull MoveToken batch is
// refused at encode time, even when a composer failed to keep within the
// operations budget.
func TestEncodeEnforcesBudget(t *testing.T) {
	mt := &MoveToken{}
	for i := 0; i < MaxMoveTokenLength; i++ {
		mt.Operations = append(mt.Operations,
			&SetRemoteMaxDebt{MaxDebt: uint64(i)})
	}

	if _, err := EncodeMessage(mt, 0); err == nil {
		t.Fatalf("overfull move token encoded")
	}
}

// TestCreditsToFreeze asserts the per-hop freezing schedule of a routed
// request: the destination payment plus one fee per remaining relay.
func TestCreditsToFreeze(t *testing.T) {
	pending := testRequest().CreatePendingRequest()

	// Route of three nodes, payment 10, fee 1: the first hop freezes
	// 11, the second 10.
	if credits := pending.CreditsToFreeze(1); credits != 11 {
		t.Fatalf("hop 1: expected 11 frozen credits, got %v", credits)
	}
	if credits := pending.CreditsToFreeze(2); credits != 10 {
		t.Fatalf("hop 2: expected 10 frozen credits, got %v", credits)
	}
}

// TestDeriveNewToken asserts that the token fingerprint is deterministic
// in its inputs and sensitive to each of them.
func TestDeriveNewToken(t *testing.T) {
	ops := []Op{&SetRemoteMaxDebt{MaxDebt: 7}}
	oldToken := ChannelToken{0x01}
	nonce := RandValue{0x02}

	token1, err := DeriveNewToken(oldToken, ops, nonce, 3)
	if err != nil {
		t.Fatalf("unable to derive token: %v", err)
	}
	token2, err := DeriveNewToken(oldToken, ops, nonce, 3)
	if err != nil {
		t.Fatalf("unable to derive token: %v", err)
	}
	if token1 != token2 {
		t.Fatalf("identical inputs derived distinct tokens")
	}

	token3, err := DeriveNewToken(oldToken, ops, nonce, 4)
	if err != nil {
		t.Fatalf("unable to derive token: %v", err)
	}
	if token1 == token3 {
		t.Fatalf("distinct counters derived identical tokens")
	}

	token4, err := DeriveNewToken(oldToken, nil, nonce, 3)
	if err != nil {
		t.Fatalf("unable to derive token: %v", err)
	}
	if token1 == token4 {
		t.Fatalf("distinct batches derived identical tokens")
	}
}

// TestRouteValidity asserts the route sanity rules: non-empty and free of
// repeated keys.
func TestRouteValidity(t *testing.T) {
	var empty Route
	if empty.IsValid() {
		t.Fatalf("empty route considered valid")
	}

	route := testRequest().Route
	if !route.IsValid() {
		t.Fatalf("distinct route considered invalid")
	}

	route.PublicKeys = append(route.PublicKeys, route.PublicKeys[0])
	if route.IsValid() {
		t.Fatalf("route with repeated key considered valid")
	}
}
