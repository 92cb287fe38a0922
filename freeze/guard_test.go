package freeze

import (
	"testing"

	"github.com/stephensong/offst/fwire"
)

// testPk builds a distinct public key from a small integer.
func testPk(n byte) fwire.PublicKey {
	var pk fwire.PublicKey
	pk[0] = n
	return pk
}

// testRequest builds a request over the route 1 -> 2 -> 3 carrying the
// passed freeze chain, as seen by node 2.
func testRequest(destPayment, feePerHop uint64,
	links []fwire.FreezeLink) *fwire.RequestSendFunds {

	return &fwire.RequestSendFunds{
		RequestID: fwire.Uid{0x01},
		Route: fwire.Route{PublicKeys: []fwire.PublicKey{
			testPk(1), testPk(2), testPk(3),
		}},
		DestPayment: destPayment,
		FeePerHop:   feePerHop,
		FreezeLinks: links,
	}
}

// TestAddSubSymmetry asserts that releasing a pending request exactly
// undoes its accounting.
func TestAddSubSymmetry(t *testing.T) {
	g := NewGuard(testPk(2))

	pending := testRequest(10, 1, nil).CreatePendingRequest()

	g.AddFrozenCredit(pending)
	if frozen := g.FrozenCredits(testPk(1), testPk(2)); frozen != 11 {
		t.Fatalf("expected 11 frozen credits, got %v", frozen)
	}

	g.AddFrozenCredit(pending)
	if frozen := g.FrozenCredits(testPk(1), testPk(2)); frozen != 22 {
		t.Fatalf("expected 22 frozen credits, got %v", frozen)
	}

	g.SubFrozenCredit(pending)
	g.SubFrozenCredit(pending)
	if frozen := g.FrozenCredits(testPk(1), testPk(2)); frozen != 0 {
		t.Fatalf("expected 0 frozen credits, got %v", frozen)
	}
}

// TestVerifyFreezingLinks asserts that the freeze chain budget admits a
// request within the declared shared credits and refuses one beyond them.
func TestVerifyFreezingLinks(t *testing.T) {
	g := NewGuard(testPk(2))

	// Node 2 freezes 11 for this request. A generous upstream budget
	// admits it.
	generous := testRequest(10, 1, []fwire.FreezeLink{
		{SharedCredits: 100, UsableRatio: fwire.RatioOne()},
	})
	if !g.VerifyFreezingLinks(generous) {
		t.Fatalf("request within budget refused")
	}

	// A budget below the frozen credits refuses it.
	tight := testRequest(10, 1, []fwire.FreezeLink{
		{SharedCredits: 10, UsableRatio: fwire.RatioOne()},
	})
	if g.VerifyFreezingLinks(tight) {
		t.Fatalf("request beyond budget admitted")
	}

	// A half usable ratio halves the admissible credits.
	var half fwire.Ratio
	half.Numerator[0] = 0x80
	halved := testRequest(10, 1, []fwire.FreezeLink{
		{SharedCredits: 20, UsableRatio: half},
	})
	if g.VerifyFreezingLinks(halved) {
		t.Fatalf("request beyond attenuated budget admitted")
	}

	// Already frozen credits count against the budget.
	pending := generous.CreatePendingRequest()
	for i := 0; i < 9; i++ {
		g.AddFrozenCredit(pending)
	}
	if g.VerifyFreezingLinks(generous) {
		t.Fatalf("request admitted beyond accumulated frozen credits")
	}

	// A chain whose length does not match our route position is
	// malformed.
	malformed := testRequest(10, 1, nil)
	if g.VerifyFreezingLinks(malformed) {
		t.Fatalf("malformed freeze chain admitted")
	}
}

// TestCalcUsableRatio asserts the clamping and scaling behavior of the
// relay ratio formula.
func TestCalcUsableRatio(t *testing.T) {
	// Forward trust equal to the remaining trust saturates to one.
	if ratio := CalcUsableRatio(5, 105, 100); !ratio.One {
		t.Fatalf("saturating ratio not clamped to one")
	}

	// A vanishing denominator clamps to one.
	if ratio := CalcUsableRatio(10, 100, 100); !ratio.One {
		t.Fatalf("vanishing denominator not clamped to one")
	}

	// Half the remaining trust yields one half: numerator 2^127.
	ratio := CalcUsableRatio(50, 200, 100)
	if ratio.One {
		t.Fatalf("proper fraction clamped to one")
	}
	if ratio.Numerator[0] != 0x80 {
		t.Fatalf("expected numerator 2^127, got %x", ratio.Numerator)
	}
	for _, b := range ratio.Numerator[1:] {
		if b != 0 {
			t.Fatalf("expected numerator 2^127, got %x",
				ratio.Numerator)
		}
	}
}
