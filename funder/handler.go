package funder

import (
	"io"

	"github.com/go-errors/errors"

	"github.com/stephensong/offst/freeze"
	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/identity"
)

// Config houses the collaborators and tuning of the funder handler. ALL
// elements within the configuration MUST be non-nil for the handler to
// carry out its duties.
type Config struct {
	// Identity signs canonical buffers on the handler's behalf. The
	// handler holds no key material itself.
	Identity identity.Signer

	// Rand supplies nonces. Tests inject a deterministic source.
	Rand io.Reader

	// MaxMoveTokenLength is the encoded size budget of one outgoing
	// operation batch.
	MaxMoveTokenLength int
}

// Handler is the funder state machine. It owns the authoritative state and
// the freeze guard, and processes exactly one event at a time: an incoming
// friend message, an application command or a timer tick. Each event yields
// the mutations applied to the state and the outbound tasks to perform.
//
// The handler is single-threaded cooperative: the caller must serialize
// calls into it. Between events the state is never touched.
type Handler struct {
	cfg *Config

	state *State
	guard *freeze.Guard

	// mutations and tasks accumulate during the processing of one event
	// and are handed back when it completes.
	mutations []Mutation
	tasks     []Task
}

// NewHandler creates a funder handler around an empty state for the
// configured identity.
func NewHandler(cfg *Config) *Handler {
	localPubKey := cfg.Identity.PublicKey()

	return &Handler{
		cfg:   cfg,
		state: NewState(localPubKey),
		guard: freeze.NewGuard(localPubKey),
	}
}

// State exposes the authoritative state for reading between events. The
// caller must not retain references across events.
func (h *Handler) State() *State {
	return h.state
}

// LocalPubKey returns the handler's identity.
func (h *Handler) LocalPubKey() fwire.PublicKey {
	return h.state.LocalPubKey()
}

// beginEvent resets the per-event accumulators.
func (h *Handler) beginEvent() {
	h.mutations = nil
	h.tasks = nil
}

// finishEvent hands back what the event produced.
func (h *Handler) finishEvent() ([]Mutation, []Task) {
	mutations, tasks := h.mutations, h.tasks
	h.mutations = nil
	h.tasks = nil
	return mutations, tasks
}

// applyMutation applies a mutation to the state and records it. A mutation
// the handler itself composed must never fail; failure indicates a local
// bug and panics.
func (h *Handler) applyMutation(m Mutation) {
	if err := h.state.Apply(m); err != nil {
		panic(errors.Errorf("mutation failed: %v", err))
	}
	h.mutations = append(h.mutations, m)
}

// addTask records an outbound task produced by the current event.
func (h *Handler) addTask(task Task) {
	h.tasks = append(h.tasks, task)
}

// hasFriendMessageTask returns whether the current event queued an
// outbound message towards the passed friend.
func (h *Handler) hasFriendMessageTask(pk fwire.PublicKey) bool {
	for _, task := range h.tasks {
		if task.FriendMessage != nil &&
			task.FriendMessage.RemotePubKey == pk {

			return true
		}
	}
	return false
}

// newRandValue draws a fresh nonce from the configured source.
func (h *Handler) newRandValue() fwire.RandValue {
	var rv fwire.RandValue
	if _, err := io.ReadFull(h.cfg.Rand, rv[:]); err != nil {
		panic(errors.Errorf("rand source failed: %v", err))
	}
	return rv
}

// HandleInit emits the startup tasks: a channeler configuration for every
// enabled friend, so the transport layer establishes authenticated
// streams.
func (h *Handler) HandleInit() []Task {
	h.beginEvent()

	for pk, friend := range h.state.Friends() {
		if friend.Status != StatusEnabled {
			continue
		}

		h.addTask(Task{ChannelerConfig: &ChannelerConfigTask{
			RemotePubKey: pk,
			Address:      friend.Address,
		}})
	}

	_, tasks := h.finishEvent()
	return tasks
}

// createFailureMessage composes a signed failure for the passed pending
// request with the local node as the reporting side. Obtaining the
// signature suspends the handler on the identity service.
func (h *Handler) createFailureMessage(
	pending *fwire.PendingRequest) (*fwire.FailureSendFunds, error) {

	failure := &fwire.FailureSendFunds{
		RequestID:   pending.RequestID,
		ReportingPK: h.state.LocalPubKey(),
		RandNonce:   h.newRandValue(),
	}

	sigBuffer := fwire.CreateFailureSignatureBuffer(failure, pending)
	sig, err := h.cfg.Identity.RequestSignature(sigBuffer)
	if err != nil {
		return nil, err
	}

	failure.Signature = sig
	return failure, nil
}

// createResponseMessage composes the signed response settling a request
// for which we are the destination.
func (h *Handler) createResponseMessage(
	pending *fwire.PendingRequest) (*fwire.ResponseSendFunds, error) {

	response := &fwire.ResponseSendFunds{
		RequestID: pending.RequestID,
		RandNonce: h.newRandValue(),
	}

	sigBuffer := fwire.CreateResponseSignatureBuffer(response, pending)
	sig, err := h.cfg.Identity.RequestSignature(sigBuffer)
	if err != nil {
		return nil, err
	}

	response.Signature = sig
	return response, nil
}
