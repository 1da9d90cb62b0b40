package apidispatcher

import (
	"sync"

	"github.com/bchhub/hub/wire"
)

// writerPool amortizes RecordWriter allocation across Direct, RpcBridge,
// and Async dispatches, the thread-local buffer pool spec §5 describes.
var writerPool = sync.Pool{
	New: func() interface{} { return wire.NewRecordWriter() },
}

func acquireWriter(sizeHint int) *wire.RecordWriter {
	rw := writerPool.Get().(*wire.RecordWriter)
	rw.Reset()
	rw.Grow(sizeHint)
	return rw
}

// finishWriter ends rw, copies its built bytes into an independently owned
// slice, and returns rw to the pool. The copy matters: rw.End() aliases
// the pooled writer's internal buffer, and the built message may still be
// sitting in a connection's send queue, unserialized, by the time another
// dispatch reuses this writer.
func finishWriter(rw *wire.RecordWriter) []byte {
	built := rw.End()
	body := make([]byte, len(built))
	copy(body, built)
	writerPool.Put(rw)
	return body
}
