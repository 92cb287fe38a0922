package keepalive

import (
	"bytes"
	"testing"
	"time"
)

// testChannel assembles a keepalive channel over plain in-memory
// channels, returning the remote-facing ends and the tick feeder.
func testChannel(keepaliveTicks int) (*Channel, chan []byte, chan []byte,
	chan struct{}) {

	toRemote := make(chan []byte)
	fromRemote := make(chan []byte)
	timerTick := make(chan struct{})

	c := NewChannel(toRemote, fromRemote, timerTick, keepaliveTicks)
	return c, toRemote, fromRemote, timerTick
}

// TestMessagePassing asserts that application frames traverse the wrapper
// in both directions, and that keepalive frames never surface.
func TestMessagePassing(t *testing.T) {
	c, toRemote, fromRemote, _ := testChannel(16)
	defer close(c.SendChan())

	// User to remote.
	go func() { c.SendChan() <- []byte{1, 2, 3} }()
	frame := <-toRemote
	if !bytes.Equal(frame, []byte{frameMessage, 1, 2, 3}) {
		t.Fatalf("unexpected outbound frame: %x", frame)
	}

	// Keepalives from remote are consumed internally.
	fromRemote <- []byte{frameKeepAlive}

	// Remote to user.
	fromRemote <- []byte{frameMessage, 3, 2, 1}
	payload := <-c.RecvChan()
	if !bytes.Equal(payload, []byte{3, 2, 1}) {
		t.Fatalf("unexpected inbound payload: %x", payload)
	}
}

// TestKeepaliveEmission asserts that half a period of outbound silence
// produces a keepalive frame.
func TestKeepaliveEmission(t *testing.T) {
	c, toRemote, _, timerTick := testChannel(16)
	defer close(c.SendChan())

	for i := 0; i < 8; i++ {
		timerTick <- struct{}{}
	}

	frame := <-toRemote
	if !bytes.Equal(frame, []byte{frameKeepAlive}) {
		t.Fatalf("expected keepalive frame, got %x", frame)
	}
}

// TestRemoteTimeout asserts that a full period of inbound silence tears
// the channel down with ErrRemoteTimeout, with a keepalive emitted along
// the way.
func TestRemoteTimeout(t *testing.T) {
	c, toRemote, _, timerTick := testChannel(16)

	// Drain outbound frames so keepalive emission never blocks the
	// maintenance loop.
	sawKeepalive := make(chan struct{}, 1)
	go func() {
		for frame := range toRemote {
			if len(frame) == 1 && frame[0] == frameKeepAlive {
				select {
				case sawKeepalive <- struct{}{}:
				default:
				}
			}
		}
	}()

	for i := 0; i < 16; i++ {
		select {
		case timerTick <- struct{}{}:
		case <-c.Done():
			t.Fatalf("channel closed early at tick %v", i)
		}
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("channel did not close after %v silent ticks", 16)
	}

	if err := c.Err(); err != ErrRemoteTimeout {
		t.Fatalf("expected ErrRemoteTimeout, got %v", err)
	}

	select {
	case <-sawKeepalive:
	case <-time.After(time.Second):
		t.Fatalf("no keepalive emitted before the timeout")
	}
}

// TestInboundTrafficRefreshesTimeout asserts that inbound frames push the
// idle deadline back.
func TestInboundTrafficRefreshesTimeout(t *testing.T) {
	c, toRemote, fromRemote, timerTick := testChannel(4)
	defer close(c.SendChan())

	go func() {
		for range toRemote {
		}
	}()

	for round := 0; round < 5; round++ {
		// Stay short of the timeout, then show life.
		for i := 0; i < 3; i++ {
			timerTick <- struct{}{}
		}
		fromRemote <- []byte{frameKeepAlive}
	}

	select {
	case <-c.Done():
		t.Fatalf("channel closed despite inbound traffic")
	default:
	}
}

// TestUserCloseTearsDown asserts that closing the user's send side tears
// the whole channel down cleanly.
func TestUserCloseTearsDown(t *testing.T) {
	c, toRemote, _, _ := testChannel(16)

	go func() {
		for range toRemote {
		}
	}()

	close(c.SendChan())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("channel did not tear down on user close")
	}
	if err := c.Err(); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
}
