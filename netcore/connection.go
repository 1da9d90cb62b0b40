package netcore

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/bchhub/hub/logger"
	"github.com/bchhub/hub/wire"
)

var log, _ = logger.Get(logger.SubsystemTags.NETC)

// State is a connection's position in the per-connection state machine
// from spec §4.D.1.
type State int32

// Connection states. Inbound connections only ever pass through
// Connecting→Connected→Disconnected once; only outbound ones reconnect.
// No code path sets StateResolving: Dial resolves and connects in a
// single net.Dial call before any Connection state is set.
const (
	StateDisconnected State = iota
	StateResolving
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

const (
	mainQueueCapacity     = 2000
	priorityQueueCapacity = 20

	sendBatchLimit = 250 * 1024

	pingInterval       = 90 * time.Second
	pingRetryInterval  = 2 * time.Second
	inboundIdleTimeout = 120 * time.Second

	l1Fraction = 0.50
	l2Fraction = 0.75
	l3Fraction = 0.95
	kickFraction = 3.0 / 8.0

	l1Delay = 2 * time.Millisecond
	l2Delay = 10 * time.Millisecond
	l3Delay = 30 * time.Millisecond
)

// reconnectDelayForStep implements the Hub's reconnectTimeoutForStep:
// step^3/2 for the first 4 attempts, 44s afterward.
func reconnectDelayForStep(step int) time.Duration {
	if step < 5 {
		return time.Duration(step*step*step/2) * time.Second
	}
	return 44 * time.Second
}

// OnMessageHandler is invoked once per fully reassembled inbound message.
type OnMessageHandler func(c *Connection, msg *wire.Message)

// OnStateChangeHandler is invoked whenever a connection's state changes.
type OnStateChangeHandler func(c *Connection, old, current State)

// Connection is one peer socket: its queues, state machine, and
// ping/idle-timeout bookkeeping. Outbound connections additionally carry
// reconnect backoff state; see spec §4.D.1/§4.D.5.
type Connection struct {
	id       uint64
	conn     net.Conn
	outbound bool
	addr     string // dial target for outbound connections, empty for inbound

	state int32 // atomic State

	mainQueue     *Route
	priorityQueue *Route

	onMessage      OnMessageHandler
	onStateChange  OnStateChangeHandler
	onInvalidFrame func(c *Connection, err error)

	reconnectStep int32 // atomic

	lastPingReceived atomic.Value // time.Time, inbound idle watchdog
	stopCh           chan struct{}
	stopOnce         sync.Once
	kickCh           chan struct{}
}

// NewConnection wraps an already-established net.Conn. addr is the
// original dial target for an outbound connection (used for reconnects)
// and is empty for an inbound one.
func NewConnection(id uint64, conn net.Conn, outbound bool, addr string) *Connection {
	c := &Connection{
		id:            id,
		conn:          conn,
		outbound:      outbound,
		addr:          addr,
		state:         int32(StateConnecting),
		mainQueue:     NewRoute(mainQueueCapacity),
		priorityQueue: NewRoute(priorityQueueCapacity),
		stopCh:        make(chan struct{}),
		kickCh:        make(chan struct{}, 1),
	}
	c.lastPingReceived.Store(time.Now())
	return c
}

// ID returns the connection's local identifier.
func (c *Connection) ID() uint64 { return c.id }

// IsOutbound reports whether this connection was dialed by us.
func (c *Connection) IsOutbound() bool { return c.outbound }

// Addr returns the remote address string.
func (c *Connection) Addr() string {
	if c.conn != nil {
		return c.conn.RemoteAddr().String()
	}
	return c.addr
}

// State returns the connection's current state.
func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// SetOnMessageHandler installs the inbound message callback.
func (c *Connection) SetOnMessageHandler(f OnMessageHandler) { c.onMessage = f }

// SetOnStateChangeHandler installs the state-transition callback.
func (c *Connection) SetOnStateChangeHandler(f OnStateChangeHandler) { c.onStateChange = f }

// SetOnInvalidFrameHandler installs the callback invoked when the first
// inbound bytes fail the framing check (spec §4.D.1's "first inbound
// packet" rule).
func (c *Connection) SetOnInvalidFrameHandler(f func(c *Connection, err error)) {
	c.onInvalidFrame = f
}

func (c *Connection) setState(s State) {
	old := State(atomic.SwapInt32(&c.state, int32(s)))
	if old == s {
		return
	}
	if c.onStateChange != nil {
		c.onStateChange(c, old, s)
	}
}

// Enqueue routes msg to the priority queue if isPriority is set, else the
// main queue.
func (c *Connection) Enqueue(msg *wire.Message, isPriority bool) error {
	if isPriority {
		return c.priorityQueue.Enqueue(msg)
	}
	return c.mainQueue.Enqueue(msg)
}

// queueOccupancy returns main_queue.len + priority_queue.len, the metric
// spec §4.D.2's receive-side throttling keys on.
func (c *Connection) queueOccupancy() int {
	return c.mainQueue.Len() + c.priorityQueue.Len()
}

// ReceiveThrottleDelay returns the delay the receive loop should apply
// before its next read, per the L1/L2/L3 thresholds in spec §4.D.2.
func (c *Connection) ReceiveThrottleDelay() time.Duration {
	occupancy := float64(c.queueOccupancy())
	capacity := float64(c.mainQueue.Cap())
	switch {
	case occupancy > capacity*l3Fraction:
		return l3Delay
	case occupancy > capacity*l2Fraction:
		return l2Delay
	case occupancy > capacity*l1Fraction:
		return l1Delay
	}
	return 0
}

// ShouldKickSendLoop reports whether queue occupancy has crossed the 3/8
// mark, at which point the send loop should be woken to drain faster
// instead of waiting for its next scheduled batch.
func (c *Connection) ShouldKickSendLoop() bool {
	return float64(c.queueOccupancy()) > float64(c.mainQueue.Cap())*kickFraction
}

// NoteMessageReceived records that the connection received data just now,
// resetting the inbound idle-timeout watchdog.
func (c *Connection) NoteMessageReceived() {
	c.lastPingReceived.Store(time.Now())
}

// IsIdle reports whether the inbound idle timeout has elapsed since the
// last received message (spec §4.D.3: "Inbound: reset a 120s timer on
// every received ping; on expiry, disconnect").
func (c *Connection) IsIdle() bool {
	last := c.lastPingReceived.Load().(time.Time)
	return time.Since(last) > inboundIdleTimeout
}

// SendPing enqueues a ping message via the priority queue. If the
// priority queue is full, the caller should retry after pingRetryInterval
// per spec §4.D.3.
func (c *Connection) SendPing(ping *wire.Message) error {
	return c.priorityQueue.Enqueue(ping)
}

// Close tears down the connection's queues and underlying socket exactly
// once.
func (c *Connection) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mainQueue.Close()
		c.priorityQueue.Close()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.setState(StateDisconnected)
	})
}

// Stopped returns a channel closed when Close has been called.
func (c *Connection) Stopped() <-chan struct{} { return c.stopCh }

// Start launches the connection's receive loop, send loop, and (for
// inbound connections) idle-timeout watchdog, each panic-guarded via the
// server's spawn wrapper.
func (c *Connection) Start(spawn func(func())) {
	c.setState(StateConnected)
	spawn(c.startReceiveLoop)
	spawn(c.startSendLoop)
	if !c.outbound {
		spawn(c.idleWatchdog)
	}
}

// idleWatchdog disconnects an inbound connection once it has gone
// inboundIdleTimeout without a received message, per spec §4.D.3.
func (c *Connection) idleWatchdog() {
	ticker := time.NewTicker(inboundIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.IsIdle() {
				log.Debugf("netcore: %s idle past %s, disconnecting", c.Addr(), inboundIdleTimeout)
				c.Close()
				return
			}
		}
	}
}

// Reset wipes connection-specific state so the object can be recycled for
// a different endpoint, per spec §4.D.5.
func (c *Connection) Reset(conn net.Conn, addr string) {
	c.conn = conn
	c.addr = addr
	c.mainQueue = NewRoute(mainQueueCapacity)
	c.priorityQueue = NewRoute(priorityQueueCapacity)
	c.stopCh = make(chan struct{})
	c.stopOnce = sync.Once{}
	c.kickCh = make(chan struct{}, 1)
	atomic.StoreInt32(&c.reconnectStep, 0)
	c.lastPingReceived.Store(time.Now())
	atomic.StoreInt32(&c.state, int32(StateConnecting))
}

// NextReconnectDelay advances and returns this connection's reconnect
// backoff, per spec §4.D.1 ("schedule reconnect with backoff step^3/2
// capped at 44s").
func (c *Connection) NextReconnectDelay() time.Duration {
	step := atomic.AddInt32(&c.reconnectStep, 1)
	return reconnectDelayForStep(int(step))
}

// ResetReconnectBackoff clears the reconnect step counter, called once a
// connection attempt succeeds.
func (c *Connection) ResetReconnectBackoff() {
	atomic.StoreInt32(&c.reconnectStep, 0)
}

// validateFirstFrame checks that the first bytes of an inbound stream
// look like a wire frame: a plausible little-endian length prefix
// followed by a positive-int ServiceId field header, per spec §4.D.1's
// framing check.
func validateFirstFrame(prefix []byte) error {
	if len(prefix) < 3 {
		return errors.New("netcore: frame prefix too short")
	}
	length := wire.FrameLength([2]byte{prefix[0], prefix[1]})
	if length < 3 || length > wire.MaxFrameSize {
		return errors.Errorf("netcore: implausible frame length %d in first packet", length)
	}
	serviceIdHeader := byte(uint32(wire.TagServiceId)<<3 | uint32(wire.TypePositiveInt))
	if prefix[2] != serviceIdHeader {
		return errors.Errorf("netcore: first packet's first field header is 0x%02x, not a positive-int ServiceId", prefix[2])
	}
	return nil
}
