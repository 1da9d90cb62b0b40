package apidispatcher

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bchhub/hub/netcore"
	"github.com/bchhub/hub/wire"
)

func pipeConnection(t *testing.T) (*netcore.Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c := netcore.NewConnection(1, server, false, "")
	c.Start(func(f func()) { go f() })
	t.Cleanup(c.Close)
	return c, client
}

// readMessage reads one fully reassembled message off client, the peer side
// of a pipeConnection's socket, mirroring netcore's own frame/reassembly
// loop closely enough for test purposes.
func readMessage(t *testing.T, client net.Conn) *wire.Message {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reassembler := wire.NewReassembler()
	for {
		var prefix [2]byte
		if _, err := io.ReadFull(client, prefix[:]); err != nil {
			t.Fatalf("reading frame prefix: %s", err)
		}
		total := wire.FrameLength(prefix)
		buf := make([]byte, total)
		copy(buf, prefix[:])
		if _, err := io.ReadFull(client, buf[2:]); err != nil {
			t.Fatalf("reading frame body: %s", err)
		}
		msg, complete, err := reassembler.Feed(buf)
		if err != nil {
			t.Fatalf("reassembling frame: %s", err)
		}
		if complete {
			return msg
		}
	}
}

func readFields(t *testing.T, body []byte) map[wire.Tag]wire.Field {
	t.Helper()
	fields, err := wire.NewRecordReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		t.Fatalf("decoding reply fields: %s", err)
	}
	out := make(map[wire.Tag]wire.Field, len(fields))
	for _, f := range fields {
		out[f.Tag] = f
	}
	return out
}

func TestHandleMessageVersionReply(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	d := NewDispatcher(NewRegistry(), nil)
	VersionString = "1.2.3"

	d.HandleMessage(c, &wire.Message{ServiceId: apiServiceId, MessageId: versionMessageId, RequestId: 7, HasRequestId: true})

	reply := readMessage(t, client)
	if reply.ServiceId != apiServiceId || reply.MessageId != versionMessageId {
		t.Fatalf("unexpected reply envelope: %+v", reply)
	}
	if !reply.HasRequestId || reply.RequestId != 7 {
		t.Fatalf("expected request id 7 to be echoed, got %+v", reply)
	}
	fields := readFields(t, reply.Body)
	if string(fields[TagVersionString].Bytes) != "1.2.3" {
		t.Fatalf("unexpected version string field: %+v", fields[TagVersionString])
	}
}

func TestHandleMessageIgnoresPingAndOutOfRangeServices(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	d := NewDispatcher(NewRegistry(), nil)
	d.HandleMessage(c, &wire.Message{ServiceId: pingServiceId, MessageId: 0})
	d.HandleMessage(c, &wire.Message{ServiceId: maxCoreServiceId, MessageId: 0})

	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var b [1]byte
	if _, err := client.Read(b[:]); err == nil {
		t.Fatal("expected no reply for ping/out-of-range service ids")
	}
}

func TestHandleMessageUnregisteredSendsCommandFailed(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	d := NewDispatcher(NewRegistry(), nil)
	d.HandleMessage(c, &wire.Message{ServiceId: 5, MessageId: 9, RequestId: 42, HasRequestId: true})

	reply := readMessage(t, client)
	if reply.MessageId != CommandFailedMessageId {
		t.Fatalf("expected CommandFailed reply, got message id %d", reply.MessageId)
	}
	fields := readFields(t, reply.Body)
	if fields[TagOriginalServiceId].Int != 5 || fields[TagOriginalMessageId].Int != 9 {
		t.Fatalf("unexpected original service/message fields: %+v", fields)
	}
}

func TestDispatchDirectBuildsAndSendsReply(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	registry := NewRegistry()
	registry.Register(2, 1, &Parser{
		Kind:           Direct,
		ReplyMessageId: 100,
		CalculateSize:  func(Request) int { return 16 },
		BuildReply: func(req Request, rw *wire.RecordWriter) error {
			rw.String(TagFailReason, "ok")
			return nil
		},
	})
	d := NewDispatcher(registry, nil)
	d.HandleMessage(c, &wire.Message{ServiceId: 2, MessageId: 1})

	reply := readMessage(t, client)
	if reply.MessageId != 100 {
		t.Fatalf("expected reply message id 100, got %d", reply.MessageId)
	}
	fields := readFields(t, reply.Body)
	if string(fields[TagFailReason].Bytes) != "ok" {
		t.Fatalf("unexpected reply body: %+v", fields)
	}
}

func TestDispatchDirectBuildReplyErrorSendsCommandFailed(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	registry := NewRegistry()
	registry.Register(2, 1, &Parser{
		Kind: Direct,
		BuildReply: func(req Request, rw *wire.RecordWriter) error {
			return errors.New("boom")
		},
	})
	d := NewDispatcher(registry, nil)
	d.HandleMessage(c, &wire.Message{ServiceId: 2, MessageId: 1})

	reply := readMessage(t, client)
	if reply.MessageId != CommandFailedMessageId {
		t.Fatalf("expected CommandFailed, got %d", reply.MessageId)
	}
	fields := readFields(t, reply.Body)
	if string(fields[TagFailReason].Bytes) != "boom" {
		t.Fatalf("expected failure reason 'boom', got %+v", fields[TagFailReason])
	}
}

type stubRPC struct {
	method string
	result interface{}
	err    error
}

func (s *stubRPC) Call(method string, params interface{}) (interface{}, error) {
	s.method = method
	return s.result, s.err
}

func TestDispatchRPCBridgesToLegacyCall(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	rpc := &stubRPC{result: "legacy-result"}
	registry := NewRegistry()
	registry.Register(3, 1, &Parser{
		Kind:           RpcBridge,
		ReplyMessageId: 200,
		Method:         "getSomething",
		BuildRPCParams: func(Request) (interface{}, error) { return nil, nil },
		BuildReplyFromRPC: func(req Request, result interface{}, rw *wire.RecordWriter) error {
			rw.String(TagFailReason, result.(string))
			return nil
		},
	})
	d := NewDispatcher(registry, rpc)
	d.HandleMessage(c, &wire.Message{ServiceId: 3, MessageId: 1})

	reply := readMessage(t, client)
	if reply.MessageId != 200 {
		t.Fatalf("expected reply message id 200, got %d", reply.MessageId)
	}
	if rpc.method != "getSomething" {
		t.Fatalf("expected bridge to call getSomething, got %q", rpc.method)
	}
	fields := readFields(t, reply.Body)
	if string(fields[TagFailReason].Bytes) != "legacy-result" {
		t.Fatalf("unexpected RPC reply body: %+v", fields)
	}
}

func TestDispatchRPCMissingBridgeFails(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	registry := NewRegistry()
	registry.Register(3, 1, &Parser{Kind: RpcBridge, Method: "x"})
	d := NewDispatcher(registry, nil)
	d.HandleMessage(c, &wire.Message{ServiceId: 3, MessageId: 1})

	reply := readMessage(t, client)
	if reply.MessageId != CommandFailedMessageId {
		t.Fatalf("expected CommandFailed without an RPC bridge configured, got %d", reply.MessageId)
	}
}

func TestDispatchAsyncRunsOnWorkerSlot(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	registry := NewRegistry()
	registry.Register(4, 1, &Parser{
		Kind:           Async,
		ReplyMessageId: 300,
		Run: func(req Request, rw *wire.RecordWriter) error {
			rw.Bool(TagFailReason, true)
			return nil
		},
	})
	d := NewDispatcher(registry, nil)
	d.HandleMessage(c, &wire.Message{ServiceId: 4, MessageId: 1})

	reply := readMessage(t, client)
	if reply.MessageId != 300 {
		t.Fatalf("expected reply message id 300, got %d", reply.MessageId)
	}
}

func TestSessionPersistsAcrossRequestsFromSameConnection(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	var seen []interface{}
	registry := NewRegistry()
	registry.Register(6, 1, &Parser{
		Kind: Direct,
		BuildReply: func(req Request, rw *wire.RecordWriter) error {
			seen = append(seen, req.Session.Value)
			req.Session.Value = "visited"
			rw.Bool(TagFailReason, true)
			return nil
		},
	})
	d := NewDispatcher(registry, nil)
	d.HandleMessage(c, &wire.Message{ServiceId: 6, MessageId: 1})
	readMessage(t, client)
	d.HandleMessage(c, &wire.Message{ServiceId: 6, MessageId: 1})
	readMessage(t, client)

	if len(seen) != 2 || seen[0] != nil || seen[1] != "visited" {
		t.Fatalf("expected session state to carry across requests, got %+v", seen)
	}
}

func TestSlotKeyPacksServiceAndMessage(t *testing.T) {
	k := slotKey(2, 5)
	if k != (uint32(2)<<16)|5 {
		t.Fatalf("unexpected slotKey: %d", k)
	}
}
