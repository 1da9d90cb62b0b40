package apidispatcher

import (
	"github.com/bchhub/hub/netcore"
	"github.com/bchhub/hub/wire"
)

// Kind is a Parser's dispatch strategy, grounded on the Hub's
// Parser::ParserType (WrapsRPCCall / IncludesHandler / ASyncParser).
type Kind int

const (
	// Direct parsers run entirely on the network thread: size the reply,
	// build it, send it.
	Direct Kind = iota
	// RpcBridge parsers hand off to the external legacy RPC table and
	// serialize its result into the tagged wire format.
	RpcBridge
	// Async parsers do blocking work (validation, disk) on a worker slot
	// taken from the connection's fixed pool.
	Async
)

// Request is one fully decoded, dispatch-ready inbound message.
type Request struct {
	Conn         *netcore.Connection
	ServiceId    int32
	MessageId    int32
	RequestId    int64
	HasRequestId bool
	Body         []byte

	// Session is the slot this (connection, service, message) triple owns
	// across requests, keyed by (service_id<<16)|message_id.
	Session *Session
}

// Parser is the per-command handler a Registry entry wraps. Only the
// field(s) matching its Kind are ever called.
type Parser struct {
	Kind           Kind
	ReplyMessageId int32

	// CalculateSize returns an upper bound on the reply body, used to
	// pre-size a Direct parser's reply buffer. If nil, defaultReplyBudget
	// is used instead.
	CalculateSize func(req Request) int
	// BuildReply builds a Direct parser's reply.
	BuildReply func(req Request, rw *wire.RecordWriter) error

	// Method names the legacy RPC call an RpcBridge parser invokes.
	Method string
	// BuildRPCParams builds the named-parameter structure passed to the
	// RPC bridge.
	BuildRPCParams func(req Request) (interface{}, error)
	// BuildReplyFromRPC serializes the RPC bridge's result into the
	// tagged wire format.
	BuildReplyFromRPC func(req Request, result interface{}, rw *wire.RecordWriter) error

	// Run executes an Async parser's blocking work and builds its reply.
	Run func(req Request, rw *wire.RecordWriter) error
}

// Session is the per-connection, per-command state slot a Parser may stash
// state in across requests from the same peer (e.g. a remembered
// script-hash filter set), grounded on the Hub's Server::Connection
// m_properties map.
type Session struct {
	// Value holds whatever a Parser implementation chooses to persist;
	// callers type-assert it back to their own concrete type.
	Value interface{}
}

// defaultReplyBudget is the fallback reply-size reservation for a parser
// that supplies no CalculateSize.
const defaultReplyBudget = 256
