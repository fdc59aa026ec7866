package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"io"
)

const (
	handshakeLiteral = "P2PFILESHARINGPROJ"
	reservedN        = 10
	handshakeLen     = len(handshakeLiteral) + reservedN + 4
)

// Handshake is the fixed 32-byte frame exchanged immediately after TCP
// establishment, by both sides, regardless of direction:
//
//	bytes 0..17  ASCII literal "P2PFILESHARINGPROJ"
//	bytes 18..27 ten reserved zero bytes, not validated on decode
//	bytes 28..31 32-bit big-endian peer id
type Handshake struct {
	PeerID uint32
}

var (
	ErrBadHandshake   = errors.New("protocol: bad handshake literal")
	ErrShortHandshake = errors.New("protocol: short handshake")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

func NewHandshake(peerID uint32) Handshake {
	return Handshake{PeerID: peerID}
}

func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, handshakeLen)
	offset := copy(buf, handshakeLiteral)
	offset += reservedN // reserved bytes left zero
	binary.BigEndian.PutUint32(buf[offset:], h.PeerID)
	return buf, nil
}

func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < handshakeLen {
		return ErrShortHandshake
	}
	if string(b[:len(handshakeLiteral)]) != handshakeLiteral {
		return ErrBadHandshake
	}
	h.PeerID = binary.BigEndian.Uint32(b[len(handshakeLiteral)+reservedN:])
	return nil
}

func (h Handshake) WriteTo(w io.Writer) (int64, error) {
	b, _ := h.MarshalBinary()
	n, err := w.Write(b)
	return int64(n), err
}

func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, handshakeLen)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return int64(n), ErrShortHandshake
		}
		return int64(n), err
	}
	return int64(n), h.UnmarshalBinary(buf)
}

// ReadHandshake reads a full handshake frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange sends the local handshake and reads the remote one. Both sides
// send first, unconditionally; there is no responder/initiator asymmetry
// at the protocol level.
func Exchange(rw io.ReadWriter, local Handshake) (remote Handshake, err error) {
	if _, err = local.WriteTo(rw); err != nil {
		return Handshake{}, err
	}
	if _, err = (&remote).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}
	return remote, nil
}
