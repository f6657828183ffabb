package wireframe

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestFrameTypeName(t *testing.T) {
	tests := []struct {
		frameType uint8
		want      string
	}{
		{TypeData, "DATA"},
		{TypeAck, "ACK"},
		{TypePing, "PING"},
		{TypePong, "PONG"},
		{TypeStreamOpen, "STREAM_OPEN"},
		{TypeStreamClose, "STREAM_CLOSE"},
		{TypeHandshakePhase1, "HANDSHAKE_PHASE1"},
		{TypeRekey, "REKEY"},
		{TypePathChallenge, "PATH_CHALLENGE"},
		{TypePathResponse, "PATH_RESPONSE"},
		{TypeClose, "CLOSE"},
		{0xFF, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := FrameTypeName(tt.frameType); got != tt.want {
			t.Errorf("FrameTypeName(%#x) = %s, want %s", tt.frameType, got, tt.want)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		h := Header{
			Version:      ProtocolVersion,
			Type:         uint8(r.Intn(256)),
			Flags:        uint8(r.Intn(256)),
			ConnectionID: r.Uint64(),
			Sequence:     r.Uint64(),
			StreamID:     r.Uint32(),
			Offset:       r.Uint32(),
		}
		encoded := EncodeHeader(h)
		if len(encoded) != HeaderSize {
			t.Fatalf("encoded header length = %d, want %d", len(encoded), HeaderSize)
		}
		decoded, err := DecodeHeader(encoded)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		if decoded != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, h)
		}
	}
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte{0xAB}, 64)
	f := &Frame{
		Header: Header{
			Version:      ProtocolVersion,
			Type:         TypeData,
			Flags:        FlagEndOfStream,
			ConnectionID: 0xDEADBEEF,
			Sequence:     42,
			StreamID:     7,
			Offset:       128,
		},
		Body: body,
	}

	encoded := f.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Header != f.Header {
		t.Errorf("header mismatch: got %+v, want %+v", decoded.Header, f.Header)
	}
	if !bytes.Equal(decoded.Body, f.Body) {
		t.Errorf("body mismatch: got %x, want %x", decoded.Body, f.Body)
	}
}

func TestDecodeHeaderTooShort(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Error("expected error decoding truncated header")
	}
}

func TestDecodeHeaderVersionMismatch(t *testing.T) {
	h := Header{Version: ProtocolVersion + 1, Type: TypeData}
	if _, err := DecodeHeader(EncodeHeader(h)); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("got %v, want ErrVersionMismatch", err)
	}
}

func TestAckBodyRoundTrip(t *testing.T) {
	a := &AckBody{
		LargestAcked: 1000,
		AckDelay:     2500,
		Ranges: []AckRange{
			{Gap: 0, Length: 10},
			{Gap: 3, Length: 5},
			{Gap: 100, Length: 1},
		},
	}
	encoded := a.Encode()
	decoded, err := DecodeAckBody(encoded)
	if err != nil {
		t.Fatalf("DecodeAckBody: %v", err)
	}
	if decoded.LargestAcked != a.LargestAcked || decoded.AckDelay != a.AckDelay {
		t.Fatalf("scalar mismatch: got %+v, want %+v", decoded, a)
	}
	if len(decoded.Ranges) != len(a.Ranges) {
		t.Fatalf("range count mismatch: got %d, want %d", len(decoded.Ranges), len(a.Ranges))
	}
	for i := range a.Ranges {
		if decoded.Ranges[i] != a.Ranges[i] {
			t.Errorf("range[%d] mismatch: got %+v, want %+v", i, decoded.Ranges[i], a.Ranges[i])
		}
	}
}

func TestHandshakePayloadRoundTrips(t *testing.T) {
	var eph [32]byte
	copy(eph[:], bytes.Repeat([]byte{0x11}, 32))

	p1 := &Phase1Body{EphemeralPub: eph}
	got1, err := DecodePhase1Body(p1.Encode())
	if err != nil || got1.EphemeralPub != eph {
		t.Fatalf("phase1 round trip failed: %v", err)
	}

	inner := &HandshakeInner{}
	copy(inner.StaticPub[:], bytes.Repeat([]byte{0x22}, 32))
	copy(inner.Commitment[:], bytes.Repeat([]byte{0x33}, 32))
	gotInner, err := DecodeHandshakeInner(inner.Encode())
	if err != nil || *gotInner != *inner {
		t.Fatalf("handshake inner round trip failed: %v", err)
	}

	eb := &EncryptedHandshakeBody{HasEphemeral: true, EphemeralPub: eph, Ciphertext: []byte("ciphertext-and-tag")}
	gotEB, err := DecodeEncryptedHandshakeBody(eb.Encode())
	if err != nil {
		t.Fatalf("encrypted handshake body: %v", err)
	}
	if gotEB.HasEphemeral != eb.HasEphemeral || gotEB.EphemeralPub != eb.EphemeralPub || !bytes.Equal(gotEB.Ciphertext, eb.Ciphertext) {
		t.Fatalf("encrypted handshake body round trip mismatch")
	}

	closeBody := &CloseBody{Reason: CloseNonceExhausted}
	gotClose, err := DecodeCloseBody(closeBody.Encode())
	if err != nil || gotClose.Reason != closeBody.Reason {
		t.Fatalf("close body round trip failed: %v", err)
	}
}
