package websocket

import (
	"encoding/binary"
	"errors"
	"strconv"
	"unicode/utf8"
)

// Opcode identifies the frame type per RFC 6455, section 5.2.
type Opcode byte

// Opcodes defined in RFC 6455, section 11.8.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "opcode(" + strconv.Itoa(int(op)) + ")"
	}
}

// IsControl reports whether op is a control opcode (close, ping or pong).
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

func (op Opcode) valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// Frame header constants per RFC 6455, section 5.2.
const (
	maxFrameHeaderSize         = 14  // 2 bytes base + 8 bytes extended length + 4 bytes mask
	maxControlFramePayloadSize = 125 // RFC 6455, section 5.5: control frame payload <= 125 bytes

	// First byte bits (RFC 6455, section 5.2).
	finalBit = 1 << 7 // FIN bit indicates final fragment
	rsv1Bit  = 1 << 6
	rsv2Bit  = 1 << 5
	rsv3Bit  = 1 << 4

	// Second byte bits (RFC 6455, section 5.2).
	maskBit = 1 << 7 // MASK bit indicates payload is masked

	opcodeMask     = 0x0f
	payloadLenMask = 0x7f
	payloadLen16   = 126 // Indicates 16-bit extended payload length follows
	payloadLen64   = 127 // Indicates 64-bit extended payload length follows

	// maxPayloadLength is the largest length representable in the 64-bit
	// extended length field; the most significant bit must be zero.
	maxPayloadLength = 1<<63 - 1
)

// Codec errors.
var (
	// ErrIncomplete is returned by the decoder when the buffer does not yet
	// hold a whole frame. It is not a protocol violation: the caller should
	// append more bytes and decode again.
	ErrIncomplete = errors.New("websocket: incomplete frame")

	ErrReservedBits              = errors.New("websocket: reserved bits set")
	ErrInvalidOpcode             = errors.New("websocket: invalid opcode")
	ErrInvalidLength             = errors.New("websocket: invalid payload length")
	ErrUnmaskedFrame             = errors.New("websocket: client frame is not masked")
	ErrFragmentedControlFrame    = errors.New("websocket: fragmented control frame")
	ErrControlFramePayloadTooBig = errors.New("websocket: control frame payload too big")
	ErrFrameTooLarge             = errors.New("websocket: frame payload exceeds maximum length")
	ErrInvalidUTF8               = errors.New("websocket: invalid UTF-8 in text payload")
)

// Header is a decoded frame header.
type Header struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Length  int64
	MaskKey [4]byte

	// Size is the number of header bytes, including the mask key.
	Size int
}

// Frame is a single WebSocket frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Length  int64
	MaskKey [4]byte
	Payload []byte
}

// ParseHeader decodes the frame header at the start of b. It returns
// ErrIncomplete while b is shorter than the header. When requireMask is set,
// frames without the mask bit are rejected, as a server must do for frames
// sent by a client (RFC 6455, section 5.1).
func ParseHeader(b []byte, requireMask bool) (Header, error) {
	var h Header

	if len(b) < 2 {
		return h, ErrIncomplete
	}

	if b[0]&(rsv1Bit|rsv2Bit|rsv3Bit) != 0 {
		return h, ErrReservedBits
	}

	h.Fin = b[0]&finalBit != 0
	h.Opcode = Opcode(b[0] & opcodeMask)
	h.Masked = b[1]&maskBit != 0

	if !h.Opcode.valid() {
		return h, ErrInvalidOpcode
	}
	if requireMask && !h.Masked {
		return h, ErrUnmaskedFrame
	}

	h.Size = 2
	length := uint64(b[1] & payloadLenMask)

	switch length {
	case payloadLen16:
		if len(b) < 4 {
			return h, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(b[2:4]))
		h.Size = 4
	case payloadLen64:
		if len(b) < 10 {
			return h, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(b[2:10])
		if length > maxPayloadLength {
			return h, ErrInvalidLength
		}
		h.Size = 10
	}
	h.Length = int64(length)

	if h.Opcode.IsControl() {
		if h.Length > maxControlFramePayloadSize {
			return h, ErrControlFramePayloadTooBig
		}
		if !h.Fin {
			return h, ErrFragmentedControlFrame
		}
	}

	if h.Masked {
		if len(b) < h.Size+4 {
			return h, ErrIncomplete
		}
		copy(h.MaskKey[:], b[h.Size:h.Size+4])
		h.Size += 4
	}

	return h, nil
}

// DecodeFrame decodes one frame from the start of b and returns it together
// with the number of bytes consumed. It returns ErrIncomplete until the
// whole frame is present. Masked payloads are unmasked into a new slice; b
// is not modified.
func DecodeFrame(b []byte, requireMask bool) (*Frame, int, error) {
	h, err := ParseHeader(b, requireMask)
	if err != nil {
		return nil, 0, err
	}

	if int64(len(b)-h.Size) < h.Length {
		return nil, 0, ErrIncomplete
	}

	total := h.Size + int(h.Length)
	payload := make([]byte, h.Length)
	copy(payload, b[h.Size:total])

	if h.Masked {
		maskBytes(h.MaskKey[:], 0, payload)
	}

	return &Frame{
		Fin:     h.Fin,
		Opcode:  h.Opcode,
		Masked:  h.Masked,
		Length:  h.Length,
		MaskKey: h.MaskKey,
		Payload: payload,
	}, total, nil
}

// AppendFrame appends the unmasked server-to-client encoding of a frame to
// dst and returns the extended slice.
func AppendFrame(dst []byte, op Opcode, fin bool, payload []byte) ([]byte, error) {
	if !op.valid() {
		return dst, ErrInvalidOpcode
	}
	if uint64(len(payload)) > maxPayloadLength {
		return dst, ErrFrameTooLarge
	}
	if op.IsControl() {
		if len(payload) > maxControlFramePayloadSize {
			return dst, ErrControlFramePayloadTooBig
		}
		if !fin {
			return dst, ErrFragmentedControlFrame
		}
	}

	b0 := byte(op)
	if fin {
		b0 |= finalBit
	}

	payloadLen := len(payload)
	switch {
	case payloadLen <= 125:
		dst = append(dst, b0, byte(payloadLen))
	case payloadLen <= 65535:
		dst = append(dst, b0, payloadLen16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(payloadLen))
	default:
		dst = append(dst, b0, payloadLen64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(payloadLen))
	}

	return append(dst, payload...), nil
}

// EncodeFrame returns the unmasked encoding of a single frame.
func EncodeFrame(op Opcode, fin bool, payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, maxFrameHeaderSize+len(payload)), op, fin, payload)
}

// EncodeText returns a final text frame. Payloads that are not valid UTF-8
// are rejected with ErrInvalidUTF8.
func EncodeText(payload []byte) ([]byte, error) {
	if !utf8.Valid(payload) {
		return nil, ErrInvalidUTF8
	}
	return EncodeFrame(OpText, true, payload)
}

// EncodeClose returns a close frame. A zero status produces an empty body and
// the reason is dropped, since a close body must start with a status code
// (RFC 6455, section 5.5.1).
func EncodeClose(status int, reason []byte) ([]byte, error) {
	if status == 0 {
		return EncodeFrame(OpClose, true, nil)
	}
	if !IsValidCloseCode(status) {
		return nil, ErrInvalidCloseCode
	}
	if !utf8.Valid(reason) {
		return nil, ErrInvalidUTF8
	}

	body := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(body, uint16(status))
	copy(body[2:], reason)

	return EncodeFrame(OpClose, true, body)
}

// maskBytes applies XOR masking to data per RFC 6455, section 5.3.
// The mask is a 4-byte value, applied cyclically to each byte of the payload.
func maskBytes(mask []byte, pos int, data []byte) int {
	for i := range data {
		data[i] ^= mask[(pos+i)%4]
	}
	return (pos + len(data)) % 4
}
