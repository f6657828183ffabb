package wireframe

import (
	"encoding/binary"
	"fmt"
)

// AckRange is one (gap, range length) pair in a QUIC-style variable
// length ack range list: gap is the number of unacknowledged sequence
// numbers between this range and the previous one, and length is the
// number of contiguous acknowledged sequence numbers in this range.
type AckRange struct {
	Gap    uint64
	Length uint64
}

// AckBody is the payload of an Ack frame. MaxOffset advertises the
// flow-control window for the stream being acked: the highest byte
// offset the sender may transmit without exceeding the receiver's
// reassembly buffer. It is only meaningful when Ranges pertains to a
// single stream's sequence space used for flow control; sessions
// acking connection-level control frames leave it zero.
type AckBody struct {
	LargestAcked uint64
	AckDelay     uint64 // microseconds
	MaxOffset    uint64
	Ranges       []AckRange
}

// Encode serializes the ack body using unsigned varints.
func (a *AckBody) Encode() []byte {
	buf := make([]byte, 0, 8+8+8+2+len(a.Ranges)*16)
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], a.LargestAcked)
	buf = append(buf, tmp[:n]...)

	n = binary.PutUvarint(tmp[:], a.AckDelay)
	buf = append(buf, tmp[:n]...)

	n = binary.PutUvarint(tmp[:], a.MaxOffset)
	buf = append(buf, tmp[:n]...)

	n = binary.PutUvarint(tmp[:], uint64(len(a.Ranges)))
	buf = append(buf, tmp[:n]...)

	for _, r := range a.Ranges {
		n = binary.PutUvarint(tmp[:], r.Gap)
		buf = append(buf, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], r.Length)
		buf = append(buf, tmp[:n]...)
	}
	return buf
}

// DecodeAckBody parses an ack body.
func DecodeAckBody(buf []byte) (*AckBody, error) {
	a := &AckBody{}

	largest, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("%w: ack largest_acked", ErrInvalidFrame)
	}
	buf = buf[n:]
	a.LargestAcked = largest

	delay, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("%w: ack delay", ErrInvalidFrame)
	}
	buf = buf[n:]
	a.AckDelay = delay

	maxOffset, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("%w: ack max_offset", ErrInvalidFrame)
	}
	buf = buf[n:]
	a.MaxOffset = maxOffset

	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("%w: ack range count", ErrInvalidFrame)
	}
	buf = buf[n:]

	a.Ranges = make([]AckRange, 0, count)
	for i := uint64(0); i < count; i++ {
		gap, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("%w: ack range gap", ErrInvalidFrame)
		}
		buf = buf[n:]

		length, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("%w: ack range length", ErrInvalidFrame)
		}
		buf = buf[n:]

		a.Ranges = append(a.Ranges, AckRange{Gap: gap, Length: length})
	}
	return a, nil
}
