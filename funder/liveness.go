package funder

// Default liveness timing, in timer ticks.
const (
	// defaultKeepaliveTicks is how long a friend may stay silent before
	// we consider sending a keepalive; a keepalive is emitted after half
	// of it elapses with no outbound traffic.
	defaultKeepaliveTicks = 16

	// defaultRetransmitTicks is how long we wait for a reaction to an
	// outgoing move token or inconsistency notification before
	// retransmitting it.
	defaultRetransmitTicks = 8
)

// Liveness tracks the per-friend tick countdowns that drive retransmission
// of unacknowledged messages and keepalive emission. All counters are
// manipulated exclusively from the handler.
type Liveness struct {
	keepaliveTicks  int
	retransmitTicks int

	// ticksToSendKeepalive counts down while nothing is sent; reaching
	// zero emits a keepalive.
	ticksToSendKeepalive int

	// ticksToRetransmitToken counts down while an outgoing move token is
	// unacknowledged. Zero when inactive.
	ticksToRetransmitToken int

	// ticksToRetransmitInconsistency counts down while an inconsistency
	// notification awaits acknowledgement. Zero when inactive.
	ticksToRetransmitInconsistency int
}

// newLiveness creates liveness counters with the default timing.
func newLiveness() *Liveness {
	return &Liveness{
		keepaliveTicks:       defaultKeepaliveTicks,
		retransmitTicks:      defaultRetransmitTicks,
		ticksToSendKeepalive: defaultKeepaliveTicks / 2,
	}
}

// MessageReceived notes inbound traffic from the friend.
func (l *Liveness) MessageReceived() {
	// Inbound traffic carries no obligation of ours; only outbound
	// silence schedules keepalives.
}

// MessageSent notes outbound traffic, pushing back the next keepalive.
func (l *Liveness) MessageSent() {
	l.ticksToSendKeepalive = l.keepaliveTicks / 2
}

// ResetTokenMsg (re)arms retransmission of the outgoing move token.
func (l *Liveness) ResetTokenMsg() {
	l.ticksToRetransmitToken = l.retransmitTicks
}

// CancelTokenMsg disarms retransmission of the outgoing move token.
func (l *Liveness) CancelTokenMsg() {
	l.ticksToRetransmitToken = 0
}

// ResetInconsistency (re)arms retransmission of the inconsistency
// notification.
func (l *Liveness) ResetInconsistency() {
	l.ticksToRetransmitInconsistency = l.retransmitTicks
}

// CancelInconsistency disarms retransmission of the inconsistency
// notification.
func (l *Liveness) CancelInconsistency() {
	l.ticksToRetransmitInconsistency = 0
}

// TickOutcome reports what a single timer tick asks the handler to do for
// one friend.
type TickOutcome struct {
	RetransmitToken         bool
	RetransmitInconsistency bool
	SendKeepalive           bool
}

// Tick advances every active countdown by one tick.
func (l *Liveness) Tick() TickOutcome {
	var outcome TickOutcome

	if l.ticksToRetransmitToken > 0 {
		l.ticksToRetransmitToken--
		if l.ticksToRetransmitToken == 0 {
			outcome.RetransmitToken = true
		}
	}

	if l.ticksToRetransmitInconsistency > 0 {
		l.ticksToRetransmitInconsistency--
		if l.ticksToRetransmitInconsistency == 0 {
			outcome.RetransmitInconsistency = true
		}
	}

	l.ticksToSendKeepalive--
	if l.ticksToSendKeepalive <= 0 {
		outcome.SendKeepalive = true
		l.ticksToSendKeepalive = l.keepaliveTicks / 2
	}

	return outcome
}
