package streammux

import "testing"

func TestReassemblerInOrder(t *testing.T) {
	r := NewReassembler(1024)
	out, err := r.Push(0, []byte("hello"), false)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if string(out) != "hello" {
		t.Fatalf("got %q, want %q", out, "hello")
	}
}

func TestReassemblerOutOfOrder(t *testing.T) {
	r := NewReassembler(1024)

	out, err := r.Push(5, []byte("world"), false)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected nothing released yet, got %q", out)
	}

	out, err = r.Push(0, []byte("hello"), false)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if string(out) != "helloworld" {
		t.Fatalf("got %q, want %q", out, "helloworld")
	}
}

func TestReassemblerDuplicateIsDropped(t *testing.T) {
	r := NewReassembler(1024)
	if _, err := r.Push(0, []byte("hello"), false); err != nil {
		t.Fatalf("Push: %v", err)
	}
	out, err := r.Push(0, []byte("hello"), false)
	if err != nil {
		t.Fatalf("Push duplicate: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no re-release of duplicate, got %q", out)
	}
}

func TestReassemblerFlowWindowExceeded(t *testing.T) {
	r := NewReassembler(4)
	if _, err := r.Push(100, []byte("abcde"), false); err == nil {
		t.Fatal("expected flow window error")
	}
}

func TestReassemblerFullyDelivered(t *testing.T) {
	r := NewReassembler(1024)
	if r.FullyDelivered() {
		t.Fatal("should not be fully delivered before any data")
	}
	if _, err := r.Push(0, []byte("abc"), true); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !r.FullyDelivered() {
		t.Fatal("expected fully delivered after contiguous data through fin offset")
	}
}

func TestReassemblerWindowOffsetAdvances(t *testing.T) {
	r := NewReassembler(10)
	before := r.WindowOffset()
	if _, err := r.Push(0, []byte("abcde"), false); err != nil {
		t.Fatalf("Push: %v", err)
	}
	after := r.WindowOffset()
	if after <= before {
		t.Fatalf("window offset should advance after delivering contiguous prefix: before=%d after=%d", before, after)
	}
}
