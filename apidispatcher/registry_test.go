package apidispatcher

import "testing"

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.lookup(1, 2); ok {
		t.Fatal("expected empty registry to miss")
	}

	p := &Parser{Kind: Direct}
	r.Register(1, 2, p)
	got, ok := r.lookup(1, 2)
	if !ok || got != p {
		t.Fatalf("expected lookup to return the registered parser, got %+v ok=%v", got, ok)
	}

	if _, ok := r.lookup(1, 3); ok {
		t.Fatal("expected a different message id to miss")
	}

	replacement := &Parser{Kind: Async}
	r.Register(1, 2, replacement)
	got, ok = r.lookup(1, 2)
	if !ok || got != replacement {
		t.Fatal("expected re-registering the same slot to replace the parser")
	}
}
