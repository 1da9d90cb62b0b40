package utxo

import "testing"

func TestRmHintPackUnpack(t *testing.T) {
	h := NewRmHint(3, MemBit|42)
	if h.DBIndex() != 3 {
		t.Fatalf("DBIndex: got %d, want 3", h.DBIndex())
	}
	if h.LeafLocation() != MemBit|42 {
		t.Fatalf("LeafLocation: got %d, want %d", h.LeafLocation(), MemBit|42)
	}
	if !h.IsKnown() {
		t.Fatal("IsKnown: expected true for a hint with a nonzero DBIndex")
	}
}

func TestRmHintZeroIsUnknown(t *testing.T) {
	var h RmHint
	if h.IsKnown() {
		t.Fatal("IsKnown: expected false for the zero value")
	}
}
