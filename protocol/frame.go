// Package protocol implements the binary framing protocol and the
// ProtocolContext that couples it to the fsm engine: frame encode/decode,
// sequence numbering, handshake/auth/command/error/heartbeat dispatch, and
// request-response correlation with timeouts.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// MsgType identifies a frame's payload kind.
type MsgType uint8

const (
	TypeHandshake MsgType = 0x01
	TypeAuth      MsgType = 0x02
	TypeCommand   MsgType = 0x03
	TypeResponse  MsgType = 0x04
	TypeError     MsgType = 0x05
	TypeHeartbeat MsgType = 0x06
	// TypeConfig carries a runtime renegotiation of max_message_size,
	// supplemented from original_source's POLYCALL_MSG_CONFIG (see
	// SPEC_FULL.md §2).
	TypeConfig MsgType = 0x07
)

func (t MsgType) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeAuth:
		return "AUTH"
	case TypeCommand:
		return "COMMAND"
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeConfig:
		return "CONFIG"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

func validMsgType(t MsgType) bool {
	switch t {
	case TypeHandshake, TypeAuth, TypeCommand, TypeResponse, TypeError, TypeHeartbeat, TypeConfig:
		return true
	default:
		return false
	}
}

// Flags is the header's bitfield. Unknown bits must be preserved and
// ignored by readers, not stripped.
type Flags uint16

const (
	FlagEncrypted Flags = 0x01
	FlagCompressed Flags = 0x02
	FlagUrgent    Flags = 0x04
	FlagReliable  Flags = 0x08
	// FlagReply marks a frame sent in answer to a peer's frame (the AUTH
	// reply and RESPONSE frames); handleAuth uses it to tell an AUTH reply
	// from an initiating AUTH.
	FlagReply Flags = 0x10
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

const (
	headerSize  = 16
	protocolVersion = 1
)

// Header is the fixed 16-byte, little-endian frame header (spec.md §3).
type Header struct {
	Version       uint8
	Type          MsgType
	Flags         Flags
	Sequence      uint32
	PayloadLength uint32
	Checksum      uint32
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Flags))
	binary.LittleEndian.PutUint32(buf[4:8], h.Sequence)
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadLength)
	binary.LittleEndian.PutUint32(buf[12:16], h.Checksum)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		Version:       buf[0],
		Type:          MsgType(buf[1]),
		Flags:         Flags(binary.LittleEndian.Uint16(buf[2:4])),
		Sequence:      binary.LittleEndian.Uint32(buf[4:8]),
		PayloadLength: binary.LittleEndian.Uint32(buf[8:12]),
		Checksum:      binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// Frame is a decoded, validated wire message: header plus payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// checksum computes the spec's non-cryptographic rotate-left-5-add checksum
// over payload bytes only. It detects framing corruption, not tampering.
func checksum(payload []byte) uint32 {
	var c uint32
	for _, b := range payload {
		c = ((c << 5) | (c >> 27)) + uint32(b)
	}
	return c
}

// EncodeFrame builds a wire-ready frame for the given type, flags, sequence,
// and payload. The caller (Context.send) supplies the sequence so
// the context's monotonic counter stays the single source of truth.
func EncodeFrame(typ MsgType, flags Flags, sequence uint32, payload []byte) []byte {
	h := Header{
		Version:       protocolVersion,
		Type:          typ,
		Flags:         flags,
		Sequence:      sequence,
		PayloadLength: uint32(len(payload)),
		Checksum:      checksum(payload),
	}
	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, encodeHeader(h)...)
	out = append(out, payload...)
	return out
}

// DecodeFrame decodes a single frame from the front of buf. It returns the
// frame, the number of bytes consumed, and an error. ErrShortRead means the
// caller should buffer more bytes and retry; it is not a framing defect.
func DecodeFrame(buf []byte, maxMessageSize int) (Frame, int, error) {
	if len(buf) < headerSize {
		return Frame{}, 0, ErrShortRead
	}
	h := decodeHeader(buf[:headerSize])

	if h.Version != protocolVersion {
		return Frame{}, 0, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, protocolVersion)
	}
	if !validMsgType(h.Type) {
		return Frame{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(h.Type))
	}
	if maxMessageSize > 0 && int(h.PayloadLength) > maxMessageSize {
		return Frame{}, 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLength, maxMessageSize)
	}

	total := headerSize + int(h.PayloadLength)
	if len(buf) < total {
		return Frame{}, 0, ErrShortRead
	}

	payload := make([]byte, h.PayloadLength)
	copy(payload, buf[headerSize:total])

	if checksum(payload) != h.Checksum {
		return Frame{}, total, fmt.Errorf("%w: got 0x%08x", ErrChecksumMismatch, h.Checksum)
	}

	return Frame{Header: h, Payload: payload}, total, nil
}
