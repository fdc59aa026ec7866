package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestHandshakeMarshalUnmarshal(t *testing.T) {
	h := NewHandshake(1002)

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != 32 {
		t.Fatalf("len(b) = %d; want 32", len(b))
	}
	if string(b[:18]) != handshakeLiteral {
		t.Fatalf("literal = %q; want %q", b[:18], handshakeLiteral)
	}
	if n := bytes.Count(b[18:28], []byte{0}); n != 10 {
		t.Fatalf("reserved bytes not all zero: %v", b[18:28])
	}

	var got Handshake
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.PeerID != 1002 {
		t.Fatalf("PeerID = %d; want 1002", got.PeerID)
	}
}

func TestHandshakeBadLiteral(t *testing.T) {
	b := make([]byte, handshakeLen)
	copy(b, "NOTTHERIGHTPROTOCOL")
	var h Handshake
	if err := h.UnmarshalBinary(b); !errors.Is(err, ErrBadHandshake) {
		t.Fatalf("want ErrBadHandshake, got %v", err)
	}
}

func TestHandshakeReservedBytesIgnored(t *testing.T) {
	h := NewHandshake(42)
	b, _ := h.MarshalBinary()
	// Corrupt the reserved bytes; decode must still succeed.
	for i := 18; i < 28; i++ {
		b[i] = 0xFF
	}
	var got Handshake
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("reserved bytes must not be validated: %v", err)
	}
	if got.PeerID != 42 {
		t.Fatalf("PeerID = %d; want 42", got.PeerID)
	}
}

func TestHandshakeShort(t *testing.T) {
	var h Handshake
	if err := h.UnmarshalBinary(nil); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("want ErrShortHandshake, got %v", err)
	}
	if err := h.UnmarshalBinary(make([]byte, 10)); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("want ErrShortHandshake for truncated frame, got %v", err)
	}
}

func TestHandshakeReadFromShort(t *testing.T) {
	var h Handshake
	r := bytes.NewReader(make([]byte, 5))
	if _, err := h.ReadFrom(r); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("want ErrShortHandshake, got %v", err)
	}
}

type rwPair struct {
	io.Reader
	io.Writer
}

func TestHandshakeExchange(t *testing.T) {
	local := NewHandshake(1001)
	remote := NewHandshake(1002)
	rb, _ := remote.MarshalBinary()

	var written bytes.Buffer
	rw := &rwPair{Reader: bytes.NewReader(rb), Writer: &written}

	got, err := Exchange(rw, local)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got.PeerID != 1002 {
		t.Fatalf("got.PeerID = %d; want 1002", got.PeerID)
	}

	lb, _ := local.MarshalBinary()
	if !bytes.Equal(written.Bytes(), lb) {
		t.Fatalf("written handshake != local handshake")
	}
}
