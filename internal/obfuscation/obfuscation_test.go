package obfuscation

import (
	"bytes"
	"testing"
)

func TestPadUnpadRoundTrip(t *testing.T) {
	d := NewDefault()
	payload := []byte("hello wraith")

	padded := d.Pad(payload, 0)
	if len(padded) < len(payload) {
		t.Fatalf("padded shorter than payload")
	}

	got, err := d.Unpad(padded)
	if err != nil {
		t.Fatalf("Unpad: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Unpad = %q, want %q", got, payload)
	}
}

func TestPadGrowsToRequestedClass(t *testing.T) {
	d := NewDefault()
	padded := d.Pad([]byte("x"), 512)
	if len(padded) != 512 {
		t.Errorf("len(padded) = %d, want 512", len(padded))
	}
}

func TestPadPicksSmallestFittingClassWhenRequestTooSmall(t *testing.T) {
	d := NewDefault()
	payload := make([]byte, 300)
	padded := d.Pad(payload, 100)
	if len(padded) != 512 {
		t.Errorf("len(padded) = %d, want 512 (smallest class that fits 300+prefix)", len(padded))
	}
}

func TestUnpadRejectsTruncatedBody(t *testing.T) {
	d := NewDefault()
	_, err := d.Unpad([]byte{0})
	if err == nil {
		t.Fatal("expected error for body shorter than length prefix")
	}
}

func TestUnpadRejectsInconsistentLengthPrefix(t *testing.T) {
	d := NewDefault()
	body := []byte{0xFF, 0xFF, 1, 2, 3}
	_, err := d.Unpad(body)
	if err == nil {
		t.Fatal("expected error for length prefix exceeding body size")
	}
}
