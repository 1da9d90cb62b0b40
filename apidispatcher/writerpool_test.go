package apidispatcher

import (
	"bytes"
	"testing"

	"github.com/bchhub/hub/wire"
)

func TestFinishWriterReturnsOwnedCopyNotAliasingPool(t *testing.T) {
	rw := acquireWriter(8)
	rw.String(TagFailReason, "first")
	first := finishWriter(rw)

	rw2 := acquireWriter(8)
	rw2.String(TagFailReason, "second")
	second := finishWriter(rw2)

	firstFields, err := wire.NewRecordReader(bytes.NewReader(first)).ReadAll()
	if err != nil {
		t.Fatalf("decoding first reply: %s", err)
	}
	if string(firstFields[0].Bytes) != "first" {
		t.Fatalf("expected first reply body to remain %q after a later dispatch reused the pool, got %q",
			"first", firstFields[0].Bytes)
	}

	secondFields, err := wire.NewRecordReader(bytes.NewReader(second)).ReadAll()
	if err != nil {
		t.Fatalf("decoding second reply: %s", err)
	}
	if string(secondFields[0].Bytes) != "second" {
		t.Fatalf("unexpected second reply body: %q", secondFields[0].Bytes)
	}
}
