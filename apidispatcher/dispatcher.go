// Package apidispatcher routes inbound API messages to the Parser
// registered for their (service id, message id) pair, in one of three
// dispatch styles, and formats the uniform CommandFailed reply on error.
// It never itself blocks the network thread on validation or disk work.
package apidispatcher

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/bchhub/hub/logger"
	"github.com/bchhub/hub/netcore"
	"github.com/bchhub/hub/util/panics"
	"github.com/bchhub/hub/wire"
)

var log, _ = logger.Get(logger.SubsystemTags.APID)

// Reserved service ids. 0 is owned by netcore for ping/pong traffic and
// never reaches the dispatcher; 1 is the synthetic control service that
// answers Version without a registered Parser.
const (
	pingServiceId    int32 = 0
	apiServiceId     int32 = 1
	versionMessageId int32 = 0

	// maxCoreServiceId is the upper bound (exclusive) of service ids this
	// dispatcher handles; anything at or above it is left untouched.
	maxCoreServiceId int32 = 16
)

// CommandFailedMessageId is the reply message id every CommandFailed reply
// carries, distinguishing it from a Parser's own ReplyMessageId.
const CommandFailedMessageId int32 = -1

// VersionString is the synthetic reply body to APIService.Version.
var VersionString = "dev"

// RPCBridge is the external legacy RPC table an RpcBridge Parser calls
// into; its implementation lives outside this module.
type RPCBridge interface {
	Call(method string, params interface{}) (interface{}, error)
}

// Dispatcher owns the Parser registry, the per-connection session slots
// and async worker pools, and the buffer-writer pool Direct/Async parsers
// build their replies into.
type Dispatcher struct {
	registry *Registry
	rpc      RPCBridge
	spawn    func(func())

	mu    sync.Mutex
	conns map[uint64]*connectionState

	stop     chan struct{}
	stopOnce sync.Once
}

// NewDispatcher returns a Dispatcher serving registry's Parsers, bridging
// RpcBridge parsers through rpc (which may be nil if none are registered).
func NewDispatcher(registry *Registry, rpc RPCBridge) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		rpc:      rpc,
		spawn:    panics.GoroutineWrapperFunc(log),
		conns:    make(map[uint64]*connectionState),
		stop:     make(chan struct{}),
	}
}

// Shutdown sets the shutdown flag Async parsers poll while waiting for a
// worker slot, causing queued acquisitions to give up.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *Dispatcher) stateFor(c *netcore.Connection) *connectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.conns[c.ID()]
	if !ok {
		cs = newConnectionState()
		d.conns[c.ID()] = cs
	}
	return cs
}

// Forget drops a disconnected connection's session slots and worker pool.
// Callers wire this from the connection's OnStateChangeHandler.
func (d *Dispatcher) Forget(c *netcore.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, c.ID())
}

// HandleMessage is wired as a Connection's OnMessageHandler. It dispatches
// every message whose ServiceId is below maxCoreServiceId, negative ids
// included, except the ping/pong service 0; messages with a ServiceId of
// maxCoreServiceId or more (a future extension service) are left alone.
func (d *Dispatcher) HandleMessage(c *netcore.Connection, msg *wire.Message) {
	if msg.ServiceId == pingServiceId || msg.ServiceId >= maxCoreServiceId {
		return
	}

	if msg.ServiceId == apiServiceId && msg.MessageId == versionMessageId {
		d.replyVersion(c, msg)
		return
	}

	parser, ok := d.registry.lookup(msg.ServiceId, msg.MessageId)
	if !ok {
		d.sendFailed(requestFrom(c, msg), errors.New("unsupported command"))
		return
	}

	cs := d.stateFor(c)
	req := requestFrom(c, msg)
	req.Session = cs.sessionFor(msg.ServiceId, msg.MessageId)

	switch parser.Kind {
	case Direct:
		d.dispatchDirect(req, parser)
	case RpcBridge:
		d.dispatchRPC(req, parser)
	case Async:
		d.dispatchAsync(cs, req, parser)
	default:
		d.sendFailed(req, errors.Errorf("apidispatcher: parser for %d/%d has an unknown kind", msg.ServiceId, msg.MessageId))
	}
}

func requestFrom(c *netcore.Connection, msg *wire.Message) Request {
	return Request{
		Conn:         c,
		ServiceId:    msg.ServiceId,
		MessageId:    msg.MessageId,
		RequestId:    msg.RequestId,
		HasRequestId: msg.HasRequestId,
		Body:         msg.Body,
	}
}

func (d *Dispatcher) dispatchDirect(req Request, parser *Parser) {
	size := defaultReplyBudget
	if parser.CalculateSize != nil {
		size = parser.CalculateSize(req)
	}
	rw := acquireWriter(size)

	if err := parser.BuildReply(req, rw); err != nil {
		finishWriter(rw)
		d.sendFailed(req, err)
		return
	}
	body := finishWriter(rw)
	if len(body) > size {
		log.Warnf("apidispatcher: reply for %d/%d built %d bytes, exceeding its %d-byte reservation",
			req.ServiceId, req.MessageId, len(body), size)
	}
	d.sendReply(req, parser.ReplyMessageId, body)
}

func (d *Dispatcher) dispatchRPC(req Request, parser *Parser) {
	if d.rpc == nil {
		d.sendFailed(req, errors.New("no RPC bridge configured"))
		return
	}
	params, err := parser.BuildRPCParams(req)
	if err != nil {
		d.sendFailed(req, err)
		return
	}
	result, err := d.rpc.Call(parser.Method, params)
	if err != nil {
		d.sendFailed(req, err)
		return
	}

	rw := acquireWriter(defaultReplyBudget)
	if err := parser.BuildReplyFromRPC(req, result, rw); err != nil {
		finishWriter(rw)
		d.sendFailed(req, err)
		return
	}
	d.sendReply(req, parser.ReplyMessageId, finishWriter(rw))
}

func (d *Dispatcher) dispatchAsync(cs *connectionState, req Request, parser *Parser) {
	slot, ok := cs.acquireAsyncSlot(d.stop)
	if !ok {
		return
	}
	d.spawn(func() {
		defer cs.releaseAsyncSlot(slot)

		rw := acquireWriter(defaultReplyBudget)
		if err := parser.Run(req, rw); err != nil {
			finishWriter(rw)
			d.sendFailed(req, err)
			return
		}
		d.sendReply(req, parser.ReplyMessageId, finishWriter(rw))
	})
}

func (d *Dispatcher) sendReply(req Request, replyMessageId int32, body []byte) {
	msg := &wire.Message{
		ServiceId:    req.ServiceId,
		MessageId:    replyMessageId,
		RequestId:    req.RequestId,
		HasRequestId: req.HasRequestId,
		Body:         body,
	}
	if err := req.Conn.Enqueue(msg, false); err != nil {
		log.Debugf("apidispatcher: dropping reply to %s: %s", req.Conn.Addr(), err)
	}
}

func (d *Dispatcher) replyVersion(c *netcore.Connection, msg *wire.Message) {
	rw := wire.NewRecordWriter()
	rw.String(TagVersionString, VersionString)
	reply := &wire.Message{
		ServiceId:    apiServiceId,
		MessageId:    versionMessageId,
		RequestId:    msg.RequestId,
		HasRequestId: msg.HasRequestId,
		Body:         rw.End(),
	}
	if err := c.Enqueue(reply, false); err != nil {
		log.Debugf("apidispatcher: dropping version reply to %s: %s", c.Addr(), err)
	}
}

// sendFailed replies CommandFailed{reason, original_service_id,
// original_message_id}, echoing the original RequestId header.
func (d *Dispatcher) sendFailed(req Request, cause error) {
	rw := wire.NewRecordWriter()
	rw.String(TagFailReason, cause.Error())
	rw.Int(TagOriginalServiceId, int64(req.ServiceId))
	rw.Int(TagOriginalMessageId, int64(req.MessageId))
	msg := &wire.Message{
		ServiceId:    req.ServiceId,
		MessageId:    CommandFailedMessageId,
		RequestId:    req.RequestId,
		HasRequestId: req.HasRequestId,
		Body:         rw.End(),
	}
	if req.Conn == nil {
		return
	}
	if err := req.Conn.Enqueue(msg, true); err != nil {
		log.Debugf("apidispatcher: dropping CommandFailed to %s: %s", req.Conn.Addr(), err)
	}
}
