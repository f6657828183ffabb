package transfer

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeWriter struct {
	mu     sync.Mutex
	writes map[int][]byte
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{writes: make(map[int][]byte)}
}

func (f *fakeWriter) WriteChunk(chunkIndex int, offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[chunkIndex] = append([]byte(nil), data...)
	return nil
}

func TestSenderSendAndAck(t *testing.T) {
	content := strings.Repeat("x", 10)
	src := strings.NewReader(content)
	w := newFakeWriter()
	s := NewSender(src, int64(len(content)), 4, 3, w)

	for i := 0; i < 3; i++ {
		if err := s.SendChunk(i); err != nil {
			t.Fatalf("SendChunk(%d): %v", i, err)
		}
	}
	if !bytes.Equal(w.writes[0], []byte("xxxx")) {
		t.Fatalf("chunk 0 = %q, want xxxx", w.writes[0])
	}
	if !bytes.Equal(w.writes[2], []byte("xx")) {
		t.Fatalf("final chunk = %q, want xx (short)", w.writes[2])
	}

	if err := s.OnAck(0); err != nil {
		t.Fatalf("OnAck(0): %v", err)
	}
	if err := s.OnAck(1); err != nil {
		t.Fatalf("OnAck(1): %v", err)
	}
	if err := s.OnAck(2); err != ErrTransferComplete {
		t.Fatalf("OnAck(2) = %v, want ErrTransferComplete", err)
	}
	if !s.Complete() {
		t.Fatalf("Complete() = false after all acked")
	}
}

func TestSenderPendingSurfacesUnackedAfterTimeout(t *testing.T) {
	content := "abcd"
	src := strings.NewReader(content)
	w := newFakeWriter()
	s := NewSender(src, int64(len(content)), 4, 1, w)

	if err := s.SendChunk(0); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if pending := s.Pending(time.Hour); len(pending) != 0 {
		t.Fatalf("Pending with long timeout = %v, want empty", pending)
	}
	if pending := s.Pending(0); len(pending) != 1 || pending[0] != 0 {
		t.Fatalf("Pending with zero timeout = %v, want [0]", pending)
	}

	if err := s.OnAck(0); err != ErrTransferComplete {
		t.Fatalf("OnAck: %v", err)
	}
	if pending := s.Pending(0); len(pending) != 0 {
		t.Fatalf("Pending after ack = %v, want empty", pending)
	}
}
