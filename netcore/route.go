// Package netcore implements the connection layer of the API server: a
// per-connection state machine, the main/priority send queues with
// backpressure, idle/ping timeouts, and the NetProtect flood-protection
// component.
package netcore

import (
	"time"

	"github.com/pkg/errors"

	"github.com/bchhub/hub/wire"
)

// ErrQueueFull is returned by Route.Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("netcore: queue full")

// ErrRouteClosed is returned by Route.Enqueue/Dequeue once Close has been
// called.
var ErrRouteClosed = errors.New("netcore: route closed")

// Route is a fixed-capacity ring buffer of outgoing messages. Connection
// keeps two of these: a 2000-slot main_queue and a 20-slot priority_queue.
type Route struct {
	messages chan *wire.Message
	closed   chan struct{}

	onFull func()
}

// NewRoute returns a Route with the given slot capacity.
func NewRoute(capacity int) *Route {
	return &Route{
		messages: make(chan *wire.Message, capacity),
		closed:   make(chan struct{}),
	}
}

// SetOnFullHandler installs a callback invoked (from Enqueue's goroutine)
// every time Enqueue finds the queue already at capacity.
func (r *Route) SetOnFullHandler(f func()) {
	r.onFull = f
}

// Enqueue appends msg to the queue. It never blocks: a full queue returns
// ErrQueueFull immediately rather than applying backpressure to the
// caller, matching spec §4.D.2's "QueueFull" behavior.
func (r *Route) Enqueue(msg *wire.Message) error {
	select {
	case <-r.closed:
		return ErrRouteClosed
	default:
	}

	select {
	case r.messages <- msg:
		return nil
	default:
		if r.onFull != nil {
			r.onFull()
		}
		return ErrQueueFull
	}
}

// Dequeue blocks until a message is available or the route is closed.
func (r *Route) Dequeue() (*wire.Message, error) {
	select {
	case msg, ok := <-r.messages:
		if !ok {
			return nil, ErrRouteClosed
		}
		return msg, nil
	case <-r.closed:
		return nil, ErrRouteClosed
	}
}

// DequeueWithTimeout is Dequeue with an upper bound on how long it will
// wait for a message to arrive.
func (r *Route) DequeueWithTimeout(timeout time.Duration) (*wire.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-r.messages:
		if !ok {
			return nil, ErrRouteClosed
		}
		return msg, nil
	case <-r.closed:
		return nil, ErrRouteClosed
	case <-timer.C:
		return nil, nil
	}
}

// Len reports how many messages are currently queued.
func (r *Route) Len() int { return len(r.messages) }

// Cap reports the queue's slot capacity.
func (r *Route) Cap() int { return cap(r.messages) }

// Close marks the route closed. Pending Dequeue calls return
// ErrRouteClosed; further Enqueue calls also fail.
func (r *Route) Close() {
	select {
	case <-r.closed:
		return
	default:
		close(r.closed)
	}
}
