package ubuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the clear header preceding every message.
	HeaderSize = 8
	// ProtocolVersion is the wire format version.
	ProtocolVersion = 1
)

// MessageType identifies a message on the wire.
type MessageType uint8

const (
	MsgNonceRequest MessageType = iota + 1
	MsgNonceReply
	MsgHello
	MsgBlock
	MsgGoodbye
	MsgAcknowledge
)

func (t MessageType) String() string {
	switch t {
	case MsgNonceRequest:
		return "NonceRequest"
	case MsgNonceReply:
		return "NonceReply"
	case MsgHello:
		return "Hello"
	case MsgBlock:
		return "Block"
	case MsgGoodbye:
		return "Goodbye"
	case MsgAcknowledge:
		return "Acknowledge"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Flags of a Block header.
const (
	// FlagSnappy marks a block whose plaintext is snappy-compressed.
	FlagSnappy uint8 = 1 << iota

	knownFlags = FlagSnappy
)

// Header precedes every message.
type Header struct {
	Type   MessageType
	Flags  uint8
	Length uint32
}

func (h Header) String() string {
	return fmt.Sprintf("%s flags=%#x len=%d", h.Type, h.Flags, h.Length)
}

// Marshal encodes the header into its wire form.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	h.put(b)
	return b
}

func (h Header) put(b []byte) {
	b[0] = ProtocolVersion
	b[1] = byte(h.Type)
	b[2] = h.Flags
	b[3] = 0
	binary.BigEndian.PutUint32(b[4:8], h.Length)
}

// UnmarshalHeader decodes and validates a header. maxPayload bounds the
// length of a Block.
func UnmarshalHeader(b []byte, maxPayload int) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes", ErrProtocolViolation, len(b))
	}
	if b[0] != ProtocolVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrProtocolViolation, b[0])
	}
	h := Header{
		Type:   MessageType(b[1]),
		Flags:  b[2],
		Length: binary.BigEndian.Uint32(b[4:8]),
	}
	if err := h.validate(maxPayload); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (h Header) validate(maxPayload int) error {
	if h.Flags != 0 && h.Type != MsgBlock {
		return fmt.Errorf("%w: flags %#x on %s", ErrProtocolViolation, h.Flags, h.Type)
	}
	switch h.Type {
	case MsgNonceRequest, MsgGoodbye, MsgAcknowledge:
		if h.Length != 0 {
			return fmt.Errorf("%w: %s carries %d bytes", ErrProtocolViolation, h.Type, h.Length)
		}
	case MsgNonceReply:
		if h.Length != NonceSize {
			return fmt.Errorf("%w: nonce of %d bytes", ErrProtocolViolation, h.Length)
		}
	case MsgHello:
		if h.Length != uint32(sealedHelloSize) {
			return fmt.Errorf("%w: hello of %d bytes", ErrProtocolViolation, h.Length)
		}
	case MsgBlock:
		if h.Flags&^knownFlags != 0 {
			return fmt.Errorf("%w: unknown block flags %#x", ErrProtocolViolation, h.Flags)
		}
		if h.Length == 0 {
			return fmt.Errorf("%w: empty block", ErrProtocolViolation)
		}
		if uint64(h.Length) > uint64(maxPayload) {
			return fmt.Errorf("%w: block of %d bytes exceeds %d", ErrProtocolViolation, h.Length, maxPayload)
		}
	default:
		return fmt.Errorf("%w: unknown message type %d", ErrProtocolViolation, uint8(h.Type))
	}
	return nil
}

// Framer reads and writes messages on a stream.
type Framer struct {
	rw         io.ReadWriter
	maxPayload int
	hbuf       [HeaderSize]byte
	wbuf       []byte
}

// NewFramer creates a Framer whose Block payloads are bounded by maxPayload.
func NewFramer(rw io.ReadWriter, maxPayload int) *Framer {
	return &Framer{
		rw:         rw,
		maxPayload: maxPayload,
	}
}

// MaxPayload returns the largest Block payload accepted by the framer.
func (f *Framer) MaxPayload() int {
	return f.maxPayload
}

// WriteMessage writes a header and its payload with a single Write.
func (f *Framer) WriteMessage(t MessageType, flags uint8, payload []byte) error {
	h := Header{Type: t, Flags: flags, Length: uint32(len(payload))}
	if err := h.validate(f.maxPayload); err != nil {
		return err
	}
	n := HeaderSize + len(payload)
	if cap(f.wbuf) < n {
		f.wbuf = make([]byte, n)
	}
	b := f.wbuf[:n]
	h.put(b)
	copy(b[HeaderSize:], payload)
	if _, err := f.rw.Write(b); err != nil {
		return transportErr("write "+t.String(), err)
	}
	return nil
}

// ReadHeader blocks until a full header has arrived and validates it.
func (f *Framer) ReadHeader() (Header, error) {
	if _, err := io.ReadFull(f.rw, f.hbuf[:]); err != nil {
		return Header{}, transportErr("read header", err)
	}
	return UnmarshalHeader(f.hbuf[:], f.maxPayload)
}

// ReadPayload reads exactly h.Length bytes into buf, growing it if needed.
func (f *Framer) ReadPayload(h Header, buf []byte) ([]byte, error) {
	n := int(h.Length)
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(f.rw, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, transportErr("read "+h.Type.String(), err)
	}
	return buf, nil
}

// ReadMessage reads the next header and expects it to be of type t.
func (f *Framer) ReadMessage(t MessageType) ([]byte, error) {
	h, err := f.ReadHeader()
	if err != nil {
		return nil, err
	}
	if h.Type != t {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrProtocolViolation, h.Type, t)
	}
	if h.Length == 0 {
		return nil, nil
	}
	return f.ReadPayload(h, nil)
}
