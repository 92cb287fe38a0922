package funder

import (
	"github.com/go-errors/errors"

	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/tokenchannel"
)

var (
	// ErrFriendDoesNotExist is returned for operations referencing an
	// unknown friend.
	ErrFriendDoesNotExist = errors.New("friend does not exist")

	// ErrFriendAlreadyExists is returned when adding a friend that is
	// already tracked.
	ErrFriendAlreadyExists = errors.New("friend already exists")
)

// State is the authoritative funder state: the local identity and the
// record of every friend, keyed by public key. Friends refer to each other
// only through public key lookups into this map, never through direct
// pointers.
type State struct {
	localPubKey fwire.PublicKey

	friends map[fwire.PublicKey]*FriendState
}

// NewState creates an empty funder state for the passed local identity.
func NewState(localPubKey fwire.PublicKey) *State {
	return &State{
		localPubKey: localPubKey,
		friends:     make(map[fwire.PublicKey]*FriendState),
	}
}

// LocalPubKey returns the local identity.
func (s *State) LocalPubKey() fwire.PublicKey {
	return s.localPubKey
}

// Friend returns the state of the passed friend, if tracked.
func (s *State) Friend(pk fwire.PublicKey) (*FriendState, bool) {
	friend, ok := s.friends[pk]
	return friend, ok
}

// Friends returns the friend map. Callers must not mutate it directly;
// all mutation goes through Apply.
func (s *State) Friends() map[fwire.PublicKey]*FriendState {
	return s.friends
}

// NumFriends returns the number of tracked friends.
func (s *State) NumFriends() int {
	return len(s.friends)
}

// TotalTrust returns the sum of the maximum debts we allow across all
// friends. It is the denominator base of the usable ratio a relay attaches
// to its freeze links.
func (s *State) TotalTrust() uint64 {
	var total uint64
	for _, friend := range s.friends {
		total += friend.Channel.Ledger().RemoteMaxDebt()
	}
	return total
}

// FindRequestOrigin returns the friend that relayed the passed request to
// us, by searching every friend's remote pending table for the id's
// presence. False means we originated the request ourselves.
func (s *State) FindRequestOrigin(requestID fwire.Uid) (fwire.PublicKey, bool) {
	for pk, friend := range s.friends {
		ledger := friend.Channel.Ledger()
		if _, ok := ledger.PendingRemoteRequest(requestID); ok {
			return pk, true
		}
	}
	return fwire.PublicKey{}, false
}

// Mutation is a single deterministic change to the funder state. Every
// event the handler processes yields the list of mutations it applied, so
// outside observers can reconstruct state instead of reaching into it.
type Mutation interface {
	// Apply performs the change on the passed state.
	Apply(s *State) error
}

// AddFriendMutation creates the state of a new friend.
type AddFriendMutation struct {
	RemotePubKey fwire.PublicKey
	Address      string
}

// Apply performs the change on the passed state.
func (m *AddFriendMutation) Apply(s *State) error {
	if _, ok := s.friends[m.RemotePubKey]; ok {
		return ErrFriendAlreadyExists
	}

	friend, err := newFriendState(s.localPubKey, m.RemotePubKey, m.Address)
	if err != nil {
		return err
	}

	s.friends[m.RemotePubKey] = friend
	return nil
}

// RemoveFriendMutation destroys the state of a friend.
type RemoveFriendMutation struct {
	RemotePubKey fwire.PublicKey
}

// Apply performs the change on the passed state.
func (m *RemoveFriendMutation) Apply(s *State) error {
	if _, ok := s.friends[m.RemotePubKey]; !ok {
		return ErrFriendDoesNotExist
	}
	delete(s.friends, m.RemotePubKey)
	return nil
}

// friendMutation is the common base of mutations addressing one friend.
type friendMutation struct {
	RemotePubKey fwire.PublicKey
}

func (m *friendMutation) friend(s *State) (*FriendState, error) {
	friend, ok := s.friends[m.RemotePubKey]
	if !ok {
		return nil, ErrFriendDoesNotExist
	}
	return friend, nil
}

// SetFriendStatusMutation enables or disables a friend's transport.
type SetFriendStatusMutation struct {
	friendMutation
	Status FriendStatus
}

// Apply performs the change on the passed state.
func (m *SetFriendStatusMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.Status = m.Status
	return nil
}

// SetFriendAddrMutation updates the transport address of a friend.
type SetFriendAddrMutation struct {
	friendMutation
	Address string
}

// Apply performs the change on the passed state.
func (m *SetFriendAddrMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.Address = m.Address
	return nil
}

// SetWantedRemoteMaxDebtMutation records the debt ceiling the application
// wants pushed onto a friend's channel.
type SetWantedRemoteMaxDebtMutation struct {
	friendMutation
	MaxDebt uint64
}

// Apply performs the change on the passed state.
func (m *SetWantedRemoteMaxDebtMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.WantedRemoteMaxDebt = m.MaxDebt
	return nil
}

// SetWantedLocalRequestsStatusMutation records whether the application
// wants requests from a friend accepted.
type SetWantedLocalRequestsStatusMutation struct {
	friendMutation
	RequestsStatus tokenchannel.RequestsStatus
}

// Apply performs the change on the passed state.
func (m *SetWantedLocalRequestsStatusMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.WantedLocalRequestsStatus = m.RequestsStatus
	return nil
}

// PushBackPendingUserRequestMutation appends an application-originated
// request to a friend's user queue.
type PushBackPendingUserRequestMutation struct {
	friendMutation
	Request *fwire.RequestSendFunds
}

// Apply performs the change on the passed state.
func (m *PushBackPendingUserRequestMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.PendingUserRequests = append(
		friend.PendingUserRequests, m.Request)
	return nil
}

// PopFrontPendingUserRequestMutation removes the head of a friend's user
// queue.
type PopFrontPendingUserRequestMutation struct {
	friendMutation
}

// Apply performs the change on the passed state.
func (m *PopFrontPendingUserRequestMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	if len(friend.PendingUserRequests) == 0 {
		return errors.New("user request queue is empty")
	}
	friend.PendingUserRequests = friend.PendingUserRequests[1:]
	return nil
}

// PushBackPendingRequestMutation appends a relayed request to a friend's
// request queue.
type PushBackPendingRequestMutation struct {
	friendMutation
	Request *fwire.RequestSendFunds
}

// Apply performs the change on the passed state.
func (m *PushBackPendingRequestMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.PendingRequests = append(friend.PendingRequests, m.Request)
	return nil
}

// PopFrontPendingRequestMutation removes the head of a friend's relayed
// request queue.
type PopFrontPendingRequestMutation struct {
	friendMutation
}

// Apply performs the change on the passed state.
func (m *PopFrontPendingRequestMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	if len(friend.PendingRequests) == 0 {
		return errors.New("request queue is empty")
	}
	friend.PendingRequests = friend.PendingRequests[1:]
	return nil
}

// PushBackPendingResponseMutation appends a response or failure to a
// friend's response queue.
type PushBackPendingResponseMutation struct {
	friendMutation
	ResponseOp *ResponseOp
}

// Apply performs the change on the passed state.
func (m *PushBackPendingResponseMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.PendingResponses = append(friend.PendingResponses, m.ResponseOp)
	return nil
}

// PopFrontPendingResponseMutation removes the head of a friend's response
// queue.
type PopFrontPendingResponseMutation struct {
	friendMutation
}

// Apply performs the change on the passed state.
func (m *PopFrontPendingResponseMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	if len(friend.PendingResponses) == 0 {
		return errors.New("response queue is empty")
	}
	friend.PendingResponses = friend.PendingResponses[1:]
	return nil
}

// SetIncomingInconsistencyMutation records (or clears) the reset terms
// received from a friend.
type SetIncomingInconsistencyMutation struct {
	friendMutation
	Terms *ResetTerms
}

// Apply performs the change on the passed state.
func (m *SetIncomingInconsistencyMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.Inconsistency.IncomingTerms = m.Terms
	return nil
}

// SetOutgoingInconsistencyMutation records the progress of our own
// inconsistency notification.
type SetOutgoingInconsistencyMutation struct {
	friendMutation
	Outgoing OutgoingInconsistency
	Terms    *ResetTerms
}

// Apply performs the change on the passed state.
func (m *SetOutgoingInconsistencyMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.Inconsistency.Outgoing = m.Outgoing
	friend.Inconsistency.OutgoingTerms = m.Terms
	return nil
}

// CommitReceiveMutation commits a staged incoming move token onto a
// friend's channel.
type CommitReceiveMutation struct {
	friendMutation
	Received *tokenchannel.MoveTokenReceived
}

// Apply performs the change on the passed state.
func (m *CommitReceiveMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	friend.Channel.CommitReceive(m.Received)
	return nil
}

// CommitOutgoingMutation commits a composed batch onto a friend's channel,
// flipping it to the outgoing direction. The resulting move token message
// is retrievable from the channel afterwards.
type CommitOutgoingMutation struct {
	friendMutation
	Builder   *tokenchannel.OutgoingMoveToken
	RandNonce fwire.RandValue
}

// Apply performs the change on the passed state.
func (m *CommitOutgoingMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	_, err = friend.Channel.CommitOutgoing(m.Builder, m.RandNonce)
	return err
}

// AckOutgoingMutation processes an explicit move token acknowledgement on
// a friend's channel.
type AckOutgoingMutation struct {
	friendMutation
	AckedToken fwire.ChannelToken
}

// Apply performs the change on the passed state.
func (m *AckOutgoingMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}
	return friend.Channel.AckOutgoing(m.AckedToken)
}

// LocalResetMutation reopens a friend's channel from the remote side's
// reset terms, transmitting the first move token of the new chain.
type LocalResetMutation struct {
	friendMutation
	RemoteResetToken fwire.ChannelToken
	BalanceForReset  int64
	RandNonce        fwire.RandValue
}

// Apply performs the change on the passed state.
func (m *LocalResetMutation) Apply(s *State) error {
	friend, err := m.friend(s)
	if err != nil {
		return err
	}

	_, err = friend.Channel.ResetFromLocal(
		m.RemoteResetToken, m.BalanceForReset, m.RandNonce)
	if err != nil {
		return err
	}

	friend.Inconsistency = InconsistencyStatus{}
	return nil
}

// Apply applies a mutation to the state. It is the only mutation entry
// point; the handler records every mutation it applies so observers can
// replay them.
func (s *State) Apply(m Mutation) error {
	return m.Apply(s)
}
