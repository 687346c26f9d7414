package protocol

import "errors"

// Framing, FSM-coupling, and correlation errors. Codec-level errors are
// returned, never panicked, per spec.md §7.
var (
	ErrShortRead          = errors.New("protocol: short read, buffer more bytes")
	ErrVersionMismatch    = errors.New("protocol: unsupported header version")
	ErrUnknownType        = errors.New("protocol: unknown message type")
	ErrChecksumMismatch   = errors.New("protocol: payload checksum mismatch")
	ErrPayloadTooLarge    = errors.New("protocol: payload exceeds max_message_size")
	ErrHandshakeBadMagic  = errors.New("protocol: handshake magic mismatch")

	ErrNotPending     = errors.New("protocol: no pending request for sequence")
	ErrTimeout        = errors.New("protocol: response timeout")
	ErrConnectionClosed = errors.New("protocol: connection closed")

	ErrIllegalForState = errors.New("protocol: message type illegal for current protocol state")
	ErrShortWrite     = errors.New("protocol: short write to transport")
)
