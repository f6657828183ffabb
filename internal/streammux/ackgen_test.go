package streammux

import (
	"testing"
	"time"

	"github.com/shranto27/wraith/internal/wireframe"
)

func TestAckGeneratorImmediateOnOutOfOrder(t *testing.T) {
	flushed := make(chan *wireframe.AckBody, 4)
	g := NewAckGenerator(func(b *wireframe.AckBody) { flushed <- b })

	g.Observe(5) // first observation ever is "out of order" relative to nothing seen

	select {
	case body := <-flushed:
		if body.LargestAcked != 5 {
			t.Fatalf("largest acked = %d, want 5", body.LargestAcked)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected immediate flush for first observation")
	}
}

func TestAckGeneratorDelayedForInOrder(t *testing.T) {
	flushed := make(chan *wireframe.AckBody, 4)
	g := NewAckGenerator(func(b *wireframe.AckBody) { flushed <- b })

	g.Observe(0) // immediate (first-ever)
	<-flushed

	g.Observe(1) // in-order relative to largest=0
	select {
	case <-flushed:
		t.Fatal("expected delayed flush for in-order data, got immediate")
	case <-time.After(5 * time.Millisecond):
	}
	select {
	case body := <-flushed:
		if body.LargestAcked != 1 {
			t.Fatalf("largest acked = %d, want 1", body.LargestAcked)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected delayed flush to fire within ack delay window")
	}
}

func TestAckGeneratorForcesAfterMaxUnacked(t *testing.T) {
	flushed := make(chan *wireframe.AckBody, 4)
	g := NewAckGenerator(func(b *wireframe.AckBody) { flushed <- b })

	g.Observe(0)
	<-flushed // consume the immediate first flush

	g.Observe(1)
	g.Observe(2) // should force a flush at MaxUnackedBeforeForce=2

	select {
	case body := <-flushed:
		if body.LargestAcked != 2 {
			t.Fatalf("largest acked = %d, want 2", body.LargestAcked)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected forced flush after max unacked threshold")
	}
}

func TestAckGeneratorRangeEncoding(t *testing.T) {
	flushed := make(chan *wireframe.AckBody, 8)
	g := NewAckGenerator(func(b *wireframe.AckBody) { flushed <- b })

	g.Observe(0)
	<-flushed
	g.Observe(10) // gap: out of order, immediate flush

	body := <-flushed
	if body.LargestAcked != 10 {
		t.Fatalf("largest acked = %d, want 10", body.LargestAcked)
	}
	if len(body.Ranges) != 2 {
		t.Fatalf("expected 2 ranges (for seq 10 and seq 0), got %d: %+v", len(body.Ranges), body.Ranges)
	}
	if body.Ranges[0].Length != 1 {
		t.Fatalf("first range length = %d, want 1", body.Ranges[0].Length)
	}
}
