package streammux

import (
	"fmt"
	"sync"
)

// Reassembler tracks out-of-order byte ranges for one stream and
// releases the contiguous prefix as it becomes available. Ranges are
// addressed by the exact offset they were sent at, which is
// sufficient here because WRAITH's transfer engine always resends a
// lost chunk at its original fixed-size offset rather than coalescing
// or splitting ranges on retransmission — a full interval-merge tree
// would buy nothing this protocol's senders can produce.
type Reassembler struct {
	mu         sync.Mutex
	nextOffset uint64
	pending    map[uint64][]byte
	pendingLen uint64
	flowWindow uint64
	sawFin     bool
	finOffset  uint64
}

// NewReassembler creates a Reassembler that buffers at most
// flowWindow bytes of out-of-order data.
func NewReassembler(flowWindow uint64) *Reassembler {
	return &Reassembler{
		pending:    make(map[uint64][]byte),
		flowWindow: flowWindow,
	}
}

// Push inserts a byte range received at offset. It returns the bytes
// now released at the contiguous prefix (possibly spanning multiple
// previously buffered ranges merged by this call), or an error if
// accepting the range would exceed the flow window.
func (r *Reassembler) Push(offset uint64, data []byte, endOfStream bool) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := offset + uint64(len(data))
	if end <= r.nextOffset && len(data) > 0 {
		return nil, nil // pure duplicate/retransmit of already-delivered bytes
	}
	if offset < r.nextOffset {
		data = data[r.nextOffset-offset:]
		offset = r.nextOffset
	}
	if len(data) > 0 {
		if _, exists := r.pending[offset]; !exists {
			if r.pendingLen+uint64(len(data)) > r.flowWindow {
				return nil, fmt.Errorf("flow window exceeded (pending=%d, incoming=%d, window=%d)",
					r.pendingLen, len(data), r.flowWindow)
			}
			stored := append([]byte(nil), data...)
			r.pending[offset] = stored
			r.pendingLen += uint64(len(stored))
		}
	}
	if endOfStream {
		r.sawFin = true
		fin := offset + uint64(len(data))
		if fin > r.finOffset {
			r.finOffset = fin
		}
	}
	return r.drainLocked(), nil
}

func (r *Reassembler) drainLocked() []byte {
	var out []byte
	for {
		chunk, ok := r.pending[r.nextOffset]
		if !ok {
			break
		}
		delete(r.pending, r.nextOffset)
		r.pendingLen -= uint64(len(chunk))
		out = append(out, chunk...)
		r.nextOffset += uint64(len(chunk))
	}
	return out
}

// FullyDelivered reports whether every byte up to the announced
// end-of-stream offset has been released to the application.
func (r *Reassembler) FullyDelivered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sawFin && r.nextOffset >= r.finOffset
}

// DeliveredOffset returns the contiguous prefix length delivered so far.
func (r *Reassembler) DeliveredOffset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextOffset
}

// WindowOffset returns the highest offset the sender may use without
// exceeding the flow window, for advertising in outgoing Acks.
func (r *Reassembler) WindowOffset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextOffset + r.flowWindow - r.pendingLen
}
