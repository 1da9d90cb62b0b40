package netcore

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/bchhub/hub/wire"
)

var framePool = wire.NewBufferPool(wire.MaxFrameSize)

// startReceiveLoop reads frames off the socket, reassembles chunked
// messages, and invokes the connection's onMessage handler, applying the
// receive-side throttling from spec §4.D.2.
func (c *Connection) startReceiveLoop() {
	defer c.Close()

	reassembler := wire.NewReassembler()
	first := true

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if delay := c.ReceiveThrottleDelay(); delay > 0 {
			time.Sleep(delay)
		}
		if c.ShouldKickSendLoop() {
			c.kickSendLoop()
		}

		frame, err := c.readFrame()
		if err != nil {
			if err != io.EOF {
				log.Warnf("netcore: read from %s failed: %s", c.Addr(), err)
			}
			return
		}

		if first {
			first = false
			if err := validateFirstFrame(frame); err != nil {
				log.Warnf("netcore: rejecting %s, bad framing: %s", c.Addr(), err)
				if c.onInvalidFrame != nil {
					c.onInvalidFrame(c, err)
				}
				return
			}
		}

		msg, complete, err := reassembler.Feed(frame)
		if err != nil {
			log.Warnf("netcore: reassembly from %s failed: %s", c.Addr(), err)
			return
		}
		if !complete {
			continue
		}
		reassembler = wire.NewReassembler()

		c.NoteMessageReceived()
		if c.onMessage != nil {
			c.onMessage(c, msg)
		}
	}
}

// readFrame reads the 2-byte length prefix, then the remainder of one
// frame, from the connection's socket.
func (c *Connection) readFrame() ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
		return nil, err
	}
	total := wire.FrameLength(prefix)
	if total < 2 || total > wire.MaxFrameSize {
		return nil, errors.Errorf("netcore: frame length %d out of bounds", total)
	}

	buf := framePool.Get()
	if cap(buf) < total {
		buf = make([]byte, 0, total)
	}
	buf = buf[:total]
	copy(buf, prefix[:])
	if _, err := io.ReadFull(c.conn, buf[2:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// kickSendLoop wakes a send loop that may be idling on an empty batch
// wait, per spec §4.D.2's 3/8 kick threshold.
func (c *Connection) kickSendLoop() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

// startSendLoop drains the priority queue (always first) and then the
// main queue into socket-write batches, per spec §4.D.2; a batch stops
// taking messages once it has reached sendBatchLimit bytes, so the last
// message's frames can carry it past that size.
func (c *Connection) startSendLoop() {
	defer c.Close()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-pingTicker.C:
			c.sendPingOrRetry()
		case <-c.kickCh:
		case <-time.After(50 * time.Millisecond):
		}

		if err := c.drainOneBatch(); err != nil {
			log.Warnf("netcore: write to %s failed: %s", c.Addr(), err)
			return
		}
	}
}

// drainOneBatch writes queued messages to the socket, priority queue
// first, adding whole messages until the batch has reached sendBatchLimit
// bytes or both queues are empty for this pass.
func (c *Connection) drainOneBatch() error {
	var batch []byte
	for len(batch) < sendBatchLimit {
		msg, ok := c.nextQueuedMessage()
		if !ok {
			break
		}
		frames, err := msg.EncodeFrames()
		if err != nil {
			return errors.Wrap(err, "netcore: encoding outgoing message")
		}
		for _, f := range frames {
			batch = append(batch, f...)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	_, err := c.conn.Write(batch)
	return err
}

func (c *Connection) nextQueuedMessage() (*wire.Message, bool) {
	select {
	case msg, ok := <-c.priorityQueue.messages:
		if !ok {
			return nil, false
		}
		return msg, true
	default:
	}
	select {
	case msg, ok := <-c.mainQueue.messages:
		if !ok {
			return nil, false
		}
		return msg, true
	default:
	}
	return nil, false
}

func (c *Connection) sendPingOrRetry() {
	ping := pingMessage(c.outbound)
	if err := c.SendPing(ping); err != nil {
		time.AfterFunc(pingRetryInterval, func() {
			if err := c.SendPing(ping); err != nil {
				log.Debugf("netcore: ping retry to %s also dropped: %s", c.Addr(), err)
			}
		})
	}
}

// pingServiceId is the reserved system service id pings/pongs travel
// under, mirroring the Hub's Network::SystemServiceId.
const pingServiceId = 0

// pingMessageId/pongMessageId distinguish an outbound ping from the
// inbound side's pong, per the Hub's buildPingMessage.
const (
	pingMessageId = 1
	pongMessageId = 2
)

func pingMessage(outbound bool) *wire.Message {
	id := int32(pongMessageId)
	if outbound {
		id = pingMessageId
	}
	return &wire.Message{ServiceId: pingServiceId, MessageId: id}
}
