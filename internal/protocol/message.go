package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageType uint8

const (
	Choke MessageType = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one length-prefixed wire frame:
//
//	<length:4><type:1><payload:length-1>
//
// length is the big-endian byte count of type+payload (i.e. always >= 1).
// There is no keep-alive frame in this protocol.
type Message struct {
	Type    MessageType
	Payload []byte
}

var (
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	ErrOversizeFrame  = errors.New("protocol: oversize frame")
)

func MessageChoke() *Message         { return &Message{Type: Choke} }
func MessageUnchoke() *Message       { return &Message{Type: Unchoke} }
func MessageInterested() *Message    { return &Message{Type: Interested} }
func MessageNotInterested() *Message { return &Message{Type: NotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{Type: Have, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)
	return &Message{Type: Bitfield, Payload: cp}
}

func MessageRequest(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{Type: Request, Payload: payload}
}

func MessagePiece(index uint32, data []byte) *Message {
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(payload[:4], index)
	copy(payload[4:], data)
	return &Message{Type: Piece, Payload: payload}
}

// ParseHave returns the piece index carried by a have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.Type != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest returns the piece index carried by a request message.
func (m *Message) ParseRequest() (index uint32, ok bool) {
	if m == nil || m.Type != Request || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParsePiece splits a piece message's payload into index and raw bytes.
func (m *Message) ParsePiece() (index uint32, data []byte, ok bool) {
	if m == nil || m.Type != Piece || len(m.Payload) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[:4]), m.Payload[4:], true
}

// MarshalBinary encodes m to its wire representation. Total on every value
// MessageType can legally hold.
func (m *Message) MarshalBinary() ([]byte, error) {
	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[:4], uint32(length))
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)
	return buf, nil
}

func (m *Message) WriteTo(w io.Writer) (int64, error) {
	b, _ := m.MarshalBinary()
	n, err := w.Write(b)
	return int64(n), err
}

// ReadMessage decodes one frame from r. maxFrameLen bounds the accepted
// length prefix (typically pieceSize+16); frames exceeding it are rejected
// without attempting to buffer their payload.
func ReadMessage(r io.Reader, maxFrameLen uint32) (*Message, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		return nil, ErrTruncatedFrame
	}
	if length > maxFrameLen {
		return nil, ErrOversizeFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	typ := MessageType(body[0])
	if typ > Piece {
		return nil, ErrUnknownType
	}

	return &Message{Type: typ, Payload: body[1:]}, nil
}

// WriteMessage writes m to w in wire format.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}
