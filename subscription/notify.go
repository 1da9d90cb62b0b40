package subscription

import (
	"github.com/bchhub/hub/logger"
	"github.com/bchhub/hub/netcore"
	"github.com/bchhub/hub/wire"
)

var log, _ = logger.Get(logger.SubsystemTags.SUBS)

// notify builds one message body into a buffer drawn from pool and enqueues
// it on c. The pool buffer is only a capacity hint during building: once
// build returns, the written bytes are copied into an independently owned
// slice before the scratch buffer goes back to the pool. Skipping the copy
// would be unsafe, since a connection's send loop serializes queued
// messages asynchronously, well after notify returns.
func notify(pool *wire.BufferPool, c *netcore.Connection, serviceId, messageId int32, build func(rw *wire.RecordWriter)) {
	scratch := pool.Get()
	rw := wire.NewRecordWriterFrom(scratch)
	build(rw)
	built := rw.End()

	body := make([]byte, len(built))
	copy(body, built)
	pool.Put(scratch)

	msg := &wire.Message{ServiceId: serviceId, MessageId: messageId, Body: body}
	if err := c.Enqueue(msg, false); err != nil {
		log.Debugf("subscription: dropping notification to %s: %s", c.Addr(), err)
	}
}
