package protocol

import (
	"encoding/binary"
	"fmt"
)

// HandshakeMagic is the 24-bit "PLC" constant (spec.md §6), carried as a
// little-endian u32.
const HandshakeMagic uint32 = 0x504C43

// HandshakePayload is the 8-byte handshake body: magic followed by a
// reserved u32, both little-endian.
type HandshakePayload struct {
	Magic    uint32
	Reserved uint32
}

// EncodeHandshakePayload serializes the handshake body.
func EncodeHandshakePayload() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], HandshakeMagic)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	return buf
}

// DecodeHandshakePayload parses and validates an inbound handshake payload.
// Version compatibility is checked against the frame header's own version
// byte, already enforced by DecodeFrame; the handshake payload carries only
// the magic and a reserved field.
func DecodeHandshakePayload(payload []byte) (HandshakePayload, error) {
	if len(payload) < 8 {
		return HandshakePayload{}, fmt.Errorf("%w: payload too short (%d bytes)", ErrHandshakeBadMagic, len(payload))
	}
	hp := HandshakePayload{
		Magic:    binary.LittleEndian.Uint32(payload[0:4]),
		Reserved: binary.LittleEndian.Uint32(payload[4:8]),
	}
	if hp.Magic != HandshakeMagic {
		return HandshakePayload{}, fmt.Errorf("%w: got 0x%06x, want 0x%06x", ErrHandshakeBadMagic, hp.Magic, HandshakeMagic)
	}
	return hp, nil
}
