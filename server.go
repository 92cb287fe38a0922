package main

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-errors/errors"

	"github.com/stephensong/offst/funder"
	"github.com/stephensong/offst/funderdb"
	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/identity"
	"github.com/stephensong/offst/overwrite"
	"github.com/stephensong/offst/tokenchannel"
)

// friendMsgEvent is an inbound message from a connected friend.
type friendMsgEvent struct {
	pubKey fwire.PublicKey
	msg    fwire.Message
}

// appCmdEvent is a command from the control surface, answered on done.
type appCmdEvent struct {
	cmd  *funder.AppCommand
	done chan error
}

// timerTickEvent drives the funder's liveness timers.
type timerTickEvent struct{}

// peerConnectedEvent registers a peer whose hello exchange completed.
type peerConnectedEvent struct {
	p *peer
}

// peerGoneEvent unregisters a disconnected peer.
type peerGoneEvent struct {
	p *peer
}

// server owns the funder handler and serializes every event into it: peer
// messages, control commands and timer ticks all funnel through one event
// loop, so the handler never observes concurrent access.
type server struct {
	started  int32
	shutdown int32

	cfg      *config
	identity *identity.Service
	handler  *funder.Handler
	db       *funderdb.DB

	// peers holds the active connection per friend. Only the event loop
	// touches it.
	peers map[fwire.PublicKey]*peer

	events chan interface{}

	// snapshotIn feeds the latest friend snapshots to the persister
	// through an overwrite channel: only the most recent batch matters.
	snapshotIn  chan<- []*funder.FriendSnapshot
	snapshotOut <-chan []*funder.FriendSnapshot

	friendListener net.Listener
	ctlListener    net.Listener

	// payResults keeps the final outcome of locally originated payments
	// for the control surface to query.
	resultsMtx sync.Mutex
	payResults map[fwire.Uid]*funder.ResponseReceivedTask

	quit chan struct{}
	wg   sync.WaitGroup
}

// storePaymentResult records the outcome of a locally originated payment.
func (s *server) storePaymentResult(result *funder.ResponseReceivedTask) {
	s.resultsMtx.Lock()
	defer s.resultsMtx.Unlock()
	s.payResults[result.RequestID] = result
}

// fetchPaymentResult returns the recorded outcome of a payment, if any.
func (s *server) fetchPaymentResult(
	id fwire.Uid) (*funder.ResponseReceivedTask, bool) {

	s.resultsMtx.Lock()
	defer s.resultsMtx.Unlock()
	result, ok := s.payResults[id]
	return result, ok
}

// newServer creates the funder daemon around its collaborators.
func newServer(cfg *config, idService *identity.Service,
	db *funderdb.DB) *server {

	snapshotIn, snapshotOut := overwrite.Channel[[]*funder.FriendSnapshot]()

	return &server{
		cfg:      cfg,
		identity: idService,
		handler: funder.NewHandler(&funder.Config{
			Identity:           idService,
			Rand:               cryptoRandReader{},
			MaxMoveTokenLength: fwire.MaxMoveTokenLength,
		}),
		db:          db,
		peers:       make(map[fwire.PublicKey]*peer),
		payResults:  make(map[fwire.Uid]*funder.ResponseReceivedTask),
		events:      make(chan interface{}),
		snapshotIn:  snapshotIn,
		snapshotOut: snapshotOut,
		quit:        make(chan struct{}),
	}
}

// Start launches the listeners, the event loop and the persister, then
// replays the stored friend configuration and runs the funder's init.
func (s *server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("server already started")
	}

	var err error
	s.friendListener, err = net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ctlListener, err = net.Listen("tcp", s.cfg.CtlAddr)
	if err != nil {
		s.friendListener.Close()
		return err
	}

	// Replay the stored configuration and run the funder's init strictly
	// before the event loop starts, so the handler is never touched from
	// two goroutines.
	if err := s.restoreFriends(); err != nil {
		srvrLog.Warnf("Unable to restore friends: %v", err)
	}

	// Ask the transport layer to reach every enabled friend.
	s.processTasks(s.handler.HandleInit())

	s.wg.Add(4)
	go s.eventLoop()
	go s.timerLoop()
	go s.acceptLoop()
	go s.persistLoop()

	go s.ctlAcceptLoop()

	srvrLog.Infof("Server listening on %v (ctl %v)",
		s.cfg.ListenAddr, s.cfg.CtlAddr)
	return nil
}

// Stop tears down the listeners, peers and event loop.
func (s *server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return errors.New("server already stopped")
	}

	close(s.quit)
	s.friendListener.Close()
	s.ctlListener.Close()
	close(s.snapshotIn)
	s.wg.Wait()

	return nil
}

// cryptoRandReader adapts crypto/rand for the funder config.
type cryptoRandReader struct{}

func (cryptoRandReader) Read(p []byte) (int, error) {
	return readCryptoRand(p)
}

// restoreFriends replays the persisted friend configuration into the
// handler. Persisted channel balances are not restored into the handler; a
// restarted node rebuilds them through the inconsistency protocol if views
// diverged.
func (s *server) restoreFriends() error {
	snapshots, err := s.db.FetchAllFriendSnapshots()
	if err != nil {
		return err
	}

	for _, snapshot := range snapshots {
		cmds := []*funder.AppCommand{
			{AddFriend: &funder.AddFriendCmd{
				RemotePubKey: snapshot.RemotePubKey,
				Address:      snapshot.Address,
			}},
			{SetFriendRemoteMaxDebt: &funder.SetFriendRemoteMaxDebtCmd{
				RemotePubKey: snapshot.RemotePubKey,
				MaxDebt:      snapshot.WantedRemoteMaxDebt,
			}},
			{SetFriendStatus: &funder.SetFriendStatusCmd{
				RemotePubKey: snapshot.RemotePubKey,
				Status:       snapshot.Status,
			}},
		}
		if snapshot.WantedLocalRequestsStatus == tokenchannel.RequestsOpen {
			cmds = append(cmds, &funder.AppCommand{
				OpenFriendChannel: &funder.OpenFriendChannelCmd{
					RemotePubKey: snapshot.RemotePubKey,
				},
			})
		}

		for _, cmd := range cmds {
			_, tasks, err := s.handler.HandleAppCommand(cmd)
			if err != nil {
				srvrLog.Warnf("Restore command failed for "+
					"%v: %v", snapshot.RemotePubKey, err)
				break
			}
			s.processTasks(tasks)
		}
	}

	return nil
}

// eventLoop is the single entry point into the funder handler.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case event := <-s.events:
			s.handleEvent(event)

		case <-s.quit:
			for _, p := range s.peers {
				p.Disconnect()
			}
			return
		}
	}
}

// handleEvent dispatches one serialized event into the handler and
// performs its effects.
func (s *server) handleEvent(event interface{}) {
	switch e := event.(type) {
	case *friendMsgEvent:
		mutations, tasks, err := s.handler.HandleFriendMessage(
			e.pubKey, e.msg)
		if err != nil {
			srvrLog.Debugf("Friend message from %v rejected: %v",
				e.pubKey, err)
		}
		s.processTasks(tasks)
		s.publishSnapshots(mutations)

	case *appCmdEvent:
		mutations, tasks, err := s.handler.HandleAppCommand(e.cmd)
		s.processTasks(tasks)
		s.publishSnapshots(mutations)
		e.done <- err

	case timerTickEvent:
		_, tasks := s.handler.HandleTimerTick()
		s.processTasks(tasks)

	case *peerConnectedEvent:
		if old, ok := s.peers[e.p.pubKey]; ok {
			old.Disconnect()
		}
		s.peers[e.p.pubKey] = e.p

	case *peerGoneEvent:
		if s.peers[e.p.pubKey] == e.p {
			delete(s.peers, e.p.pubKey)
		}

	default:
		srvrLog.Errorf("Unknown event type %T", event)
	}
}

// processTasks performs the outbound effects of one handler event.
func (s *server) processTasks(tasks []funder.Task) {
	for _, task := range tasks {
		switch {
		case task.FriendMessage != nil:
			t := task.FriendMessage
			p, ok := s.peers[t.RemotePubKey]
			if !ok {
				srvrLog.Debugf("No connection to %v, message "+
					"dropped", t.RemotePubKey)
				continue
			}
			p.queueMsg(t.Message)

		case task.ChannelerConfig != nil:
			t := task.ChannelerConfig
			if t.Remove {
				if p, ok := s.peers[t.RemotePubKey]; ok {
					p.Disconnect()
					delete(s.peers, t.RemotePubKey)
				}
				continue
			}
			go s.connectToFriend(t.RemotePubKey, t.Address)

		case task.ResponseReceived != nil:
			t := task.ResponseReceived
			if t.Receipt != nil {
				srvrLog.Infof("Payment %x settled: %v",
					t.RequestID, spew.Sdump(t.Receipt))
			} else {
				srvrLog.Infof("Payment %x failed, reported "+
					"by %v", t.RequestID, *t.ReportingPubKey)
			}
			s.storePaymentResult(t)
		}
	}
}

// publishSnapshots hands the latest view of every friend to the persister
// whenever an event mutated state.
func (s *server) publishSnapshots(mutations []funder.Mutation) {
	if len(mutations) == 0 {
		return
	}

	state := s.handler.State()
	snapshots := make([]*funder.FriendSnapshot, 0, state.NumFriends())
	for _, friend := range state.Friends() {
		snapshots = append(snapshots, friend.Snapshot())
	}

	select {
	case s.snapshotIn <- snapshots:
	case <-s.quit:
	}
}

// persistLoop writes published snapshot batches to disk. The overwrite
// channel in front of it guarantees the loop always stores the most recent
// batch, skipping intermediates when the disk is slow.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) persistLoop() {
	defer s.wg.Done()

	for snapshots := range s.snapshotOut {
		for _, snapshot := range snapshots {
			if err := s.db.PutFriendSnapshot(snapshot); err != nil {
				srvrLog.Errorf("Unable to persist friend "+
					"%v: %v", snapshot.RemotePubKey, err)
			}
		}
	}
}

// timerLoop converts wall-clock time into funder timer ticks.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) timerLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case s.events <- timerTickEvent{}:
			case <-s.quit:
				return
			}
		case <-s.quit:
			return
		}
	}
}

// acceptLoop admits inbound friend connections.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.friendListener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				srvrLog.Errorf("Accept failed: %v", err)
				continue
			}
		}

		go func() {
			p := newPeer(s, conn, true)
			if err := p.start(); err != nil {
				srvrLog.Debugf("Inbound peer setup failed: %v",
					err)
				return
			}
			s.queueEvent(&peerConnectedEvent{p: p})
		}()
	}
}

// connectToFriend dials a friend and registers the resulting peer.
func (s *server) connectToFriend(pubKey fwire.PublicKey, address string) {
	conn, err := net.DialTimeout("tcp", address, helloTimeout)
	if err != nil {
		srvrLog.Debugf("Unable to reach friend %v at %v: %v",
			pubKey, address, err)
		return
	}

	p := newPeer(s, conn, false)
	p.pubKey = pubKey
	if err := p.start(); err != nil {
		srvrLog.Debugf("Outbound peer setup failed: %v", err)
		return
	}

	s.queueEvent(&peerConnectedEvent{p: p})
}

// queueEvent hands an event to the event loop.
func (s *server) queueEvent(event interface{}) {
	select {
	case s.events <- event:
	case <-s.quit:
	}
}

// queueFriendMessage hands an inbound friend message to the event loop.
func (s *server) queueFriendMessage(pubKey fwire.PublicKey,
	msg fwire.Message) {

	s.queueEvent(&friendMsgEvent{pubKey: pubKey, msg: msg})
}

// peerDisconnected unregisters a peer whose connection tore down.
func (s *server) peerDisconnected(p *peer) {
	s.queueEvent(&peerGoneEvent{p: p})
}

// execAppCommand runs a control command through the event loop and waits
// for its outcome.
func (s *server) execAppCommand(cmd *funder.AppCommand) error {
	done := make(chan error, 1)

	select {
	case s.events <- &appCmdEvent{cmd: cmd, done: done}:
	case <-s.quit:
		return errors.New("server shutting down")
	}

	select {
	case err := <-done:
		return err
	case <-s.quit:
		return errors.New("server shutting down")
	}
}
