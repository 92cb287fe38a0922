package keepalive

import (
	"sync"

	"github.com/go-errors/errors"
)

var (
	// ErrRemoteTimeout is reported when the remote side stays silent for
	// a full keepalive period.
	ErrRemoteTimeout = errors.New("remote side timed out")

	// ErrTimerClosed is reported when the timer feeding the channel is
	// torn down.
	ErrTimerClosed = errors.New("timer closed")

	// ErrDeserialize is reported when an inbound frame cannot be parsed.
	ErrDeserialize = errors.New("unable to deserialize frame")
)

// Frame kind tags. A keepalive channel speaks in tagged frames so that
// keepalives can be injected and stripped transparently to the layer
// above.
const (
	frameKeepAlive byte = 0x00
	frameMessage   byte = 0x01
)

// serializeFrame wraps an application payload, or nothing for a keepalive,
// into a tagged frame.
func serializeFrame(kind byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, kind)
	return append(frame, payload...)
}

// deserializeFrame splits a tagged frame into its kind and payload.
func deserializeFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, ErrDeserialize
	}

	kind := frame[0]
	if kind != frameKeepAlive && kind != frameMessage {
		return 0, nil, ErrDeserialize
	}

	return kind, frame[1:], nil
}

// Channel wraps a duplex stream of byte frames, taking care of keepalives:
// after half a keepalive period with no outbound traffic a KeepAlive frame
// is emitted, and after a full period with no inbound traffic the channel
// is declared dead. Keepalive frames are consumed internally; only
// application frames surface on the receive side.
//
// Either side closing either direction tears the channel down.
type Channel struct {
	toRemote   chan<- []byte
	fromRemote <-chan []byte
	timerTick  <-chan struct{}

	keepaliveTicks int

	fromUser chan []byte
	toUser   chan []byte

	errMtx sync.Mutex
	err    error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewChannel wraps the passed remote-facing channels and starts the
// keepalive maintenance goroutine. The returned channel's SendChan and
// RecvChan carry raw application frames.
func NewChannel(toRemote chan<- []byte, fromRemote <-chan []byte,
	timerTick <-chan struct{}, keepaliveTicks int) *Channel {

	c := &Channel{
		toRemote:       toRemote,
		fromRemote:     fromRemote,
		timerTick:      timerTick,
		keepaliveTicks: keepaliveTicks,
		fromUser:       make(chan []byte),
		toUser:         make(chan []byte),
		done:           make(chan struct{}),
	}

	c.wg.Add(1)
	go c.maintenanceLoop()

	return c
}

// SendChan is where the layer above writes outbound application frames.
// It must be closed by the user to tear the channel down locally.
func (c *Channel) SendChan() chan<- []byte {
	return c.fromUser
}

// RecvChan surfaces inbound application frames. It is closed when the
// channel tears down.
func (c *Channel) RecvChan() <-chan []byte {
	return c.toUser
}

// Done is closed once the channel has fully torn down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the channel tore down, or nil for a clean
// closure.
func (c *Channel) Err() error {
	c.errMtx.Lock()
	defer c.errMtx.Unlock()
	return c.err
}

// setErr records the first teardown reason.
func (c *Channel) setErr(err error) {
	c.errMtx.Lock()
	defer c.errMtx.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// maintenanceLoop multiplexes the timer, the remote side and the user
// side, injecting and stripping keepalive frames.
//
// NOTE: This MUST be run as a goroutine.
func (c *Channel) maintenanceLoop() {
	defer c.wg.Done()
	defer close(c.done)
	defer close(c.toUser)
	defer close(c.toRemote)

	// Amount of ticks remaining until we decide to close this connection
	// because the remote side is idle.
	ticksToClose := c.keepaliveTicks

	// Amount of ticks remaining until we need to send a new keepalive,
	// to make sure the remote side knows we are alive.
	ticksToSendKeepalive := c.keepaliveTicks / 2

	for {
		select {
		case frame, ok := <-c.fromRemote:
			if !ok {
				return
			}

			kind, payload, err := deserializeFrame(frame)
			if err != nil {
				log.Warnf("Tearing down channel on "+
					"malformed frame: %v", err)
				c.setErr(err)
				return
			}

			ticksToClose = c.keepaliveTicks

			if kind != frameMessage {
				continue
			}
			c.toUser <- payload

		case payload, ok := <-c.fromUser:
			if !ok {
				return
			}

			c.toRemote <- serializeFrame(frameMessage, payload)
			ticksToSendKeepalive = c.keepaliveTicks / 2

		case _, ok := <-c.timerTick:
			if !ok {
				c.setErr(ErrTimerClosed)
				return
			}

			ticksToClose--
			if ticksToClose <= 0 {
				log.Debugf("Remote side silent for %d ticks, "+
					"closing channel", c.keepaliveTicks)
				c.setErr(ErrRemoteTimeout)
				return
			}

			ticksToSendKeepalive--
			if ticksToSendKeepalive <= 0 {
				c.toRemote <- serializeFrame(frameKeepAlive, nil)
				ticksToSendKeepalive = c.keepaliveTicks / 2
			}
		}
	}
}

// WaitForShutdown blocks until the maintenance goroutine has exited.
func (c *Channel) WaitForShutdown() {
	c.wg.Wait()
}
