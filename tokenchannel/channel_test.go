package tokenchannel

import (
	"testing"

	"github.com/roasbeef/btcd/btcec"
	"github.com/stretchr/testify/require"

	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/identity"
)

// testIdentity spins up an identity service over a deterministic key.
func testIdentity(t *testing.T, seed byte) *identity.Service {
	t.Helper()

	keyBytes := make([]byte, 32)
	keyBytes[0] = seed
	keyBytes[31] = 0x01
	privKey, _ := btcec.PrivKeyFromBytes(btcec.S256(), keyBytes)

	s := identity.NewService(privKey)
	t.Cleanup(s.Stop)
	return s
}

// testNonce builds a deterministic nonce from a seed byte.
func testNonce(n byte) fwire.RandValue {
	var rv fwire.RandValue
	rv[0] = n
	return rv
}

// testChannelPair creates the two mirrored halves of a token channel,
// with the synthetic genesis acknowledged on the side that starts
// outgoing, so either side may compose.
func testChannelPair(t *testing.T, idA, idB *identity.Service) (
	*DirectionalChannel, *DirectionalChannel) {

	t.Helper()

	chA, err := NewDirectionalChannel(idA.PublicKey(), idB.PublicKey())
	require.NoError(t, err)
	chB, err := NewDirectionalChannel(idB.PublicKey(), idA.PublicKey())
	require.NoError(t, err)

	for _, ch := range []*DirectionalChannel{chA, chB} {
		if outgoing, ok := ch.OutgoingMoveTokenMsg(); ok {
			require.NoError(t, ch.AckOutgoing(outgoing.OldToken))
		}
	}

	return chA, chB
}

// deliver applies a move token on the receiving channel and requires a
// clean application.
func deliver(t *testing.T, ch *DirectionalChannel,
	mt *fwire.MoveToken) *MoveTokenReceived {

	t.Helper()

	outcome, err := ch.SimulateReceive(mt)
	require.NoError(t, err)
	require.Equal(t, OutcomeReceived, outcome.Kind)
	ch.CommitReceive(outcome.Received)
	return outcome.Received
}

// compose queues the passed operations and commits the outgoing move
// token.
func compose(t *testing.T, ch *DirectionalChannel, nonce fwire.RandValue,
	ops ...fwire.Op) *fwire.MoveToken {

	t.Helper()

	builder, err := ch.BeginOutgoingMoveToken(fwire.MaxMoveTokenLength)
	require.NoError(t, err)
	for _, op := range ops {
		require.NoError(t, builder.QueueOperation(op))
	}

	mt, err := ch.CommitOutgoing(builder, nonce)
	require.NoError(t, err)
	return mt
}

// openBothDirections pushes symmetric trust and open request statuses
// through both channel halves.
func openBothDirections(t *testing.T, chA, chB *DirectionalChannel,
	maxDebtA, maxDebtB uint64) {

	t.Helper()

	mtA := compose(t, chA, testNonce(0x01),
		&fwire.SetRemoteMaxDebt{MaxDebt: maxDebtA},
		&fwire.EnableRequests{})
	deliver(t, chB, mtA)

	mtB := compose(t, chB, testNonce(0x02),
		&fwire.SetRemoteMaxDebt{MaxDebt: maxDebtB},
		&fwire.EnableRequests{})
	deliver(t, chA, mtB)
}

// testRequestOp builds a request from A to B over their direct channel.
func testRequestOp(idA, idB *identity.Service, destPayment,
	feePerHop uint64) *fwire.RequestSendFunds {

	return &fwire.RequestSendFunds{
		RequestID: fwire.Uid{0x01},
		Route: fwire.Route{PublicKeys: []fwire.PublicKey{
			idA.PublicKey(), idB.PublicKey(),
		}},
		DestPayment: destPayment,
		FeePerHop:   feePerHop,
		InvoiceID:   fwire.InvoiceID{0x0a},
		FreezeLinks: []fwire.FreezeLink{
			{SharedCredits: 100, UsableRatio: fwire.RatioOne()},
		},
	}
}

// TestMirrorBatch asserts that both sides applying the same batch reach
// mirror-image ledgers.
func TestMirrorBatch(t *testing.T) {
	idA, idB := testIdentity(t, 0x01), testIdentity(t, 0x02)
	chA, chB := testChannelPair(t, idA, idB)

	openBothDirections(t, chA, chB, 100, 80)

	require.Equal(t, uint64(100), chA.Ledger().RemoteMaxDebt())
	require.Equal(t, uint64(100), chB.Ledger().LocalMaxDebt())
	require.Equal(t, uint64(80), chB.Ledger().RemoteMaxDebt())
	require.Equal(t, uint64(80), chA.Ledger().LocalMaxDebt())

	require.Equal(t, RequestsOpen, chA.Ledger().LocalRequestsStatus())
	require.Equal(t, RequestsOpen, chA.Ledger().RemoteRequestsStatus())
	require.Equal(t, RequestsOpen, chB.Ledger().LocalRequestsStatus())
	require.Equal(t, RequestsOpen, chB.Ledger().RemoteRequestsStatus())

	require.Equal(t, chA.Ledger().Balance(), -chB.Ledger().Balance())
	require.Equal(t, chA.ChainTip(), chB.ChainTip())
}

// TestDuplicateMoveToken asserts that receiving the same move token twice
// is detected and has no effect.
func TestDuplicateMoveToken(t *testing.T) {
	idA, idB := testIdentity(t, 0x01), testIdentity(t, 0x02)
	chA, chB := testChannelPair(t, idA, idB)

	mtA := compose(t, chA, testNonce(0x01),
		&fwire.SetRemoteMaxDebt{MaxDebt: 100})
	deliver(t, chB, mtA)

	outcome, err := chB.SimulateReceive(mtA)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome.Kind)
	require.Equal(t, uint64(100), chB.Ledger().LocalMaxDebt())
}

// TestRetransmitOutcome asserts that a duplicate of the message our own
// outgoing move token was built upon asks for retransmission.
func TestRetransmitOutcome(t *testing.T) {
	idA, idB := testIdentity(t, 0x01), testIdentity(t, 0x02)
	chA, chB := testChannelPair(t, idA, idB)

	mtA := compose(t, chA, testNonce(0x01),
		&fwire.SetRemoteMaxDebt{MaxDebt: 100})
	deliver(t, chB, mtA)

	// B answers, but the answer is lost; A retransmits mtA.
	mtB := compose(t, chB, testNonce(0x02),
		&fwire.SetRemoteMaxDebt{MaxDebt: 80})

	outcome, err := chB.SimulateReceive(mtA)
	require.NoError(t, err)
	require.Equal(t, OutcomeRetransmit, outcome.Kind)
	require.Equal(t, mtB, outcome.Retransmit)
}

// TestBatchAtomicity asserts that a batch containing one failing
// operation has no effect at all.
func TestBatchAtomicity(t *testing.T) {
	idA, idB := testIdentity(t, 0x01), testIdentity(t, 0x02)
	_, chB := testChannelPair(t, idA, idB)

	// Craft a batch whose first operation is fine and whose second is
	// refused: B has not enabled requests, so a request must be
	// rejected.
	req := testRequestOp(idA, idB, 10, 0)
	ops := []fwire.Op{
		&fwire.SetRemoteMaxDebt{MaxDebt: 50},
		req,
	}

	newToken, err := fwire.DeriveNewToken(
		chB.ChainTip(), ops, testNonce(0x03),
		chB.MoveTokenCounter()+1)
	require.NoError(t, err)

	mt := &fwire.MoveToken{
		Operations: ops,
		OldToken:   chB.ChainTip(),
		RandNonce:  testNonce(0x03),
		NewToken:   newToken,
	}

	_, err = chB.SimulateReceive(mt)
	require.Error(t, err)
	require.Equal(t, uint64(0), chB.Ledger().LocalMaxDebt())
	require.Equal(t, 0, chB.Ledger().NumPendingRemote())
}

// TestRequestResponseSettlement runs a full request/response exchange over
// one channel and asserts the conservation of frozen credits and the
// final mirrored balances.
func TestRequestResponseSettlement(t *testing.T) {
	idA, idB := testIdentity(t, 0x01), testIdentity(t, 0x02)
	chA, chB := testChannelPair(t, idA, idB)

	openBothDirections(t, chA, chB, 100, 100)

	req := testRequestOp(idA, idB, 10, 1)

	// A freezes the credits and transmits the request.
	mtReq := compose(t, chA, testNonce(0x03), req)
	require.Equal(t, uint64(10), chA.Ledger().LocalPendingDebt())
	require.Equal(t, 1, chA.Ledger().NumPendingLocal())

	received := deliver(t, chB, mtReq)
	require.Len(t, received.IncomingMessages, 1)
	require.NotNil(t, received.IncomingMessages[0].Request)
	require.Equal(t, uint64(10), chB.Ledger().RemotePendingDebt())

	// B, the destination, settles with a signed response.
	pending, ok := chB.Ledger().PendingRemoteRequest(req.RequestID)
	require.True(t, ok)

	response := &fwire.ResponseSendFunds{
		RequestID: req.RequestID,
		RandNonce: testNonce(0x04),
	}
	sigBuffer := fwire.CreateResponseSignatureBuffer(response, pending)
	sig, err := idB.RequestSignature(sigBuffer)
	require.NoError(t, err)
	response.Signature = sig

	mtResp := compose(t, chB, testNonce(0x05), response)
	require.Equal(t, int64(10), chB.Ledger().Balance())
	require.Equal(t, uint64(0), chB.Ledger().RemotePendingDebt())

	received = deliver(t, chA, mtResp)
	require.Len(t, received.IncomingMessages, 1)
	require.NotNil(t, received.IncomingMessages[0].Response)

	// Frozen credits moved into the balance; nothing stays pending.
	require.Equal(t, int64(-10), chA.Ledger().Balance())
	require.Equal(t, uint64(0), chA.Ledger().LocalPendingDebt())
	require.Equal(t, 0, chA.Ledger().NumPendingLocal())
	require.Equal(t, 0, chB.Ledger().NumPendingRemote())

	// The balance stays within the agreed bounds.
	require.GreaterOrEqual(t, chA.Ledger().Balance(),
		-int64(chA.Ledger().LocalMaxDebt()))
	require.LessOrEqual(t, chB.Ledger().Balance(),
		int64(chB.Ledger().RemoteMaxDebt()))
}

// TestTamperedResponseRejected asserts that a response signed over the
// wrong buffer poisons its whole batch.
func TestTamperedResponseRejected(t *testing.T) {
	idA, idB := testIdentity(t, 0x01), testIdentity(t, 0x02)
	chA, chB := testChannelPair(t, idA, idB)

	openBothDirections(t, chA, chB, 100, 100)

	req := testRequestOp(idA, idB, 10, 1)
	deliver(t, chB, compose(t, chA, testNonce(0x03), req))

	pending, ok := chB.Ledger().PendingRemoteRequest(req.RequestID)
	require.True(t, ok)

	// Sign over a response with a different nonce than the one sent.
	response := &fwire.ResponseSendFunds{
		RequestID: req.RequestID,
		RandNonce: testNonce(0x04),
	}
	sigBuffer := fwire.CreateResponseSignatureBuffer(response, pending)
	sig, err := idB.RequestSignature(sigBuffer)
	require.NoError(t, err)
	response.Signature = sig
	response.RandNonce = testNonce(0x05)

	mtResp := compose(t, chB, testNonce(0x06), response)

	_, err = chA.SimulateReceive(mtResp)
	require.Error(t, err)

	// A's view is untouched: the request stays pending.
	require.Equal(t, 1, chA.Ledger().NumPendingLocal())
	require.Equal(t, uint64(10), chA.Ledger().LocalPendingDebt())
}

// TestResetTokenAgreement asserts that synchronized channels derive
// identical reset tokens, and that the proposed reset balances mirror.
func TestResetTokenAgreement(t *testing.T) {
	idA, idB := testIdentity(t, 0x01), testIdentity(t, 0x02)
	chA, chB := testChannelPair(t, idA, idB)

	openBothDirections(t, chA, chB, 100, 100)

	require.Equal(t, chA.CalcResetToken(), chB.CalcResetToken())
	require.Equal(t, chA.BalanceForReset(), -chA.Ledger().Balance())
	require.Equal(t, chB.BalanceForReset(), -chB.Ledger().Balance())
}

// TestOverFreezeRefused asserts that composing a request beyond the local
// debt ceiling is refused at queue time.
func TestOverFreezeRefused(t *testing.T) {
	idA, idB := testIdentity(t, 0x01), testIdentity(t, 0x02)
	chA, chB := testChannelPair(t, idA, idB)

	// B extends only 5 credits of trust to A.
	openBothDirections(t, chA, chB, 100, 5)

	builder, err := chA.BeginOutgoingMoveToken(fwire.MaxMoveTokenLength)
	require.NoError(t, err)

	err = builder.QueueOperation(testRequestOp(idA, idB, 10, 0))
	require.Equal(t, ErrInsufficientTrust, err)
}
