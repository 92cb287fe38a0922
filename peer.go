package main

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-errors/errors"

	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/keepalive"
)

const (
	// maxFrameSize bounds the size of one length-prefixed frame on the
	// wire.
	maxFrameSize = fwire.MaxMessagePayload + 16

	// outgoingQueueLen is the buffer size of the channel which houses
	// messages to be sent across the wire, requested by objects outside
	// this struct.
	outgoingQueueLen = 50

	// helloTimeout bounds how long connection setup may take before the
	// nascent connection is torn down.
	helloTimeout = 5 * time.Second
)

// peer is an active friend connection. The raw TCP stream is wrapped by a
// keepalive channel; above it, fwire messages travel in both directions.
// Identification happens through a hello frame carrying the peer's public
// key, standing in for the channeler's authenticated handshake.
type peer struct {
	started    int32
	disconnect int32

	server *server
	conn   net.Conn

	pubKey  fwire.PublicKey
	inbound bool

	ka *keepalive.Channel

	// sendQueue carries encoded messages awaiting transmission through
	// the keepalive channel.
	sendQueue chan []byte

	tickQuit chan struct{}
	quit     chan struct{}
	wg       sync.WaitGroup
}

// newPeer wraps an established connection. For outbound connections the
// expected public key is known up front and verified against the hello.
func newPeer(server *server, conn net.Conn, inbound bool) *peer {
	return &peer{
		server:    server,
		conn:      conn,
		inbound:   inbound,
		sendQueue: make(chan []byte, outgoingQueueLen),
		tickQuit:  make(chan struct{}),
		quit:      make(chan struct{}),
	}
}

// start wires the connection into a keepalive channel, exchanges hello
// frames and launches the per-peer goroutines. It blocks until the hello
// exchange completes or times out.
func (p *peer) start() error {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return errors.New("peer already started")
	}

	rawToRemote := make(chan []byte)
	rawFromRemote := make(chan []byte)
	timerTick := make(chan struct{})

	p.ka = keepalive.NewChannel(rawToRemote, rawFromRemote, timerTick,
		p.server.cfg.KeepaliveTicks)

	p.wg.Add(3)
	go p.writeRawHandler(rawToRemote)
	go p.readRawHandler(rawFromRemote)
	go p.tickHandler(timerTick)

	// Exchange hello frames: each side announces its public key as the
	// first application frame.
	localPK := p.server.identity.PublicKey()

	helloTimer := time.NewTimer(helloTimeout)
	defer helloTimer.Stop()

	select {
	case p.ka.SendChan() <- localPK[:]:
	case <-helloTimer.C:
		p.Disconnect()
		return errors.New("hello send timeout")
	}

	select {
	case hello, ok := <-p.ka.RecvChan():
		if !ok || len(hello) != fwire.PubKeyLen {
			p.Disconnect()
			return errors.New("invalid hello frame")
		}
		var remotePK fwire.PublicKey
		copy(remotePK[:], hello)

		// An outbound connection must reach the friend we dialed.
		if !p.inbound && remotePK != p.pubKey {
			p.Disconnect()
			return errors.New("hello public key mismatch")
		}
		p.pubKey = remotePK

	case <-helloTimer.C:
		p.Disconnect()
		return errors.New("hello receive timeout")
	}

	p.wg.Add(2)
	go p.queueHandler()
	go p.inHandler()

	peerLog.Infof("Peer %v connected (inbound=%v)", p.pubKey, p.inbound)
	return nil
}

// writeRawHandler writes length-prefixed frames onto the wire.
//
// NOTE: This MUST be run as a goroutine.
func (p *peer) writeRawHandler(rawToRemote <-chan []byte) {
	defer p.wg.Done()
	defer p.conn.Close()

	var lenBuf [4]byte
	broken := false
	for frame := range rawToRemote {
		// After a write error the channel is still drained, so the
		// keepalive goroutine never blocks on a dead sink.
		if broken {
			continue
		}

		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
		if _, err := p.conn.Write(lenBuf[:]); err != nil {
			peerLog.Debugf("Peer %v write error: %v", p.pubKey, err)
			p.conn.Close()
			broken = true
			continue
		}
		if _, err := p.conn.Write(frame); err != nil {
			peerLog.Debugf("Peer %v write error: %v", p.pubKey, err)
			p.conn.Close()
			broken = true
		}
	}
}

// readRawHandler reads length-prefixed frames off the wire.
//
// NOTE: This MUST be run as a goroutine.
func (p *peer) readRawHandler(rawFromRemote chan<- []byte) {
	defer p.wg.Done()
	defer close(rawFromRemote)

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(p.conn, lenBuf[:]); err != nil {
			peerLog.Debugf("Peer %v read error: %v", p.pubKey, err)
			return
		}

		frameLen := binary.BigEndian.Uint32(lenBuf[:])
		if frameLen > maxFrameSize {
			peerLog.Warnf("Peer %v oversized frame: %v bytes",
				p.pubKey, frameLen)
			return
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(p.conn, frame); err != nil {
			peerLog.Debugf("Peer %v read error: %v", p.pubKey, err)
			return
		}

		rawFromRemote <- frame
	}
}

// tickHandler feeds the keepalive channel's timer.
//
// NOTE: This MUST be run as a goroutine.
func (p *peer) tickHandler(timerTick chan<- struct{}) {
	defer p.wg.Done()
	defer close(timerTick)

	ticker := time.NewTicker(p.server.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case timerTick <- struct{}{}:
			case <-p.ka.Done():
				return
			case <-p.tickQuit:
				return
			}
		case <-p.tickQuit:
			return
		}
	}
}

// queueHandler moves encoded outbound messages into the keepalive channel.
//
// NOTE: This MUST be run as a goroutine.
func (p *peer) queueHandler() {
	defer p.wg.Done()

	for {
		select {
		case msgBytes := <-p.sendQueue:
			select {
			case p.ka.SendChan() <- msgBytes:
			case <-p.ka.Done():
				return
			case <-p.quit:
				return
			}
		case <-p.ka.Done():
			return
		case <-p.quit:
			return
		}
	}
}

// inHandler decodes inbound application frames and hands them to the
// server's event loop.
//
// NOTE: This MUST be run as a goroutine.
func (p *peer) inHandler() {
	defer p.wg.Done()
	defer p.server.peerDisconnected(p)

	for payload := range p.ka.RecvChan() {
		msg, err := fwire.DecodeMessage(payload, 0)
		if err != nil {
			peerLog.Warnf("Peer %v sent unparseable message: %v",
				p.pubKey, err)
			continue
		}

		p.server.queueFriendMessage(p.pubKey, msg)
	}

	if err := p.ka.Err(); err != nil {
		peerLog.Infof("Peer %v channel closed: %v", p.pubKey, err)
	}
}

// queueMsg encodes a message and queues it for transmission. A full queue
// drops the message; the funder retransmits anything that matters.
func (p *peer) queueMsg(msg fwire.Message) {
	frame, err := fwire.EncodeMessage(msg, 0)
	if err != nil {
		peerLog.Errorf("Unable to encode message for %v: %v",
			p.pubKey, err)
		return
	}

	select {
	case p.sendQueue <- frame:
	default:
		peerLog.Debugf("Send queue for %v full, dropping message",
			p.pubKey)
	}
}

// Disconnect tears the peer down.
func (p *peer) Disconnect() {
	if !atomic.CompareAndSwapInt32(&p.disconnect, 0, 1) {
		return
	}

	close(p.quit)
	close(p.tickQuit)
	p.conn.Close()
}

// WaitForDisconnect blocks until every peer goroutine has exited.
func (p *peer) WaitForDisconnect() {
	p.wg.Wait()
}
