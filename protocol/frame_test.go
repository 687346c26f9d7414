package protocol

import (
	"errors"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     MsgType
		flags   Flags
		seq     uint32
		payload []byte
	}{
		{"empty payload", TypeHeartbeat, 0, 0, nil},
		{"command", TypeCommand, 0, 7, []byte("hello")},
		{"flags preserved", TypeResponse, FlagEncrypted | FlagUrgent, 42, []byte("secret")},
		{"unknown flag bits preserved", TypeAuth, Flags(0x8000), 1, []byte("x")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := EncodeFrame(tc.typ, tc.flags, tc.seq, tc.payload)

			f, consumed, err := DecodeFrame(wire, 0)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if consumed != len(wire) {
				t.Fatalf("consumed = %d, want %d", consumed, len(wire))
			}
			if f.Header.Type != tc.typ {
				t.Errorf("Type = %v, want %v", f.Header.Type, tc.typ)
			}
			if f.Header.Flags != tc.flags {
				t.Errorf("Flags = %v, want %v", f.Header.Flags, tc.flags)
			}
			if f.Header.Sequence != tc.seq {
				t.Errorf("Sequence = %d, want %d", f.Header.Sequence, tc.seq)
			}
			if string(f.Payload) != string(tc.payload) {
				t.Errorf("Payload = %q, want %q", f.Payload, tc.payload)
			}
		})
	}
}

func TestDecodeFrameShortRead(t *testing.T) {
	wire := EncodeFrame(TypeCommand, 0, 1, []byte("hello world"))

	for n := 0; n < len(wire); n++ {
		_, consumed, err := DecodeFrame(wire[:n], 0)
		if !errors.Is(err, ErrShortRead) {
			t.Fatalf("len %d: err = %v, want ErrShortRead", n, err)
		}
		if consumed != 0 {
			t.Fatalf("len %d: consumed = %d, want 0", n, consumed)
		}
	}
}

func TestDecodeFrameChecksumMismatch(t *testing.T) {
	wire := EncodeFrame(TypeCommand, 0, 1, []byte("hello"))
	wire[headerSize] ^= 0xFF // corrupt the first payload byte only

	_, consumed, err := DecodeFrame(wire, 0)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d (frame boundary is known even on checksum failure)", consumed, len(wire))
	}
}

func TestDecodeFrameVersionMismatch(t *testing.T) {
	wire := EncodeFrame(TypeCommand, 0, 1, []byte("hello"))
	wire[0] = protocolVersion + 1

	_, consumed, err := DecodeFrame(wire, 0)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("err = %v, want ErrVersionMismatch", err)
	}
	if consumed != 0 {
		t.Fatalf("consumed = %d, want 0 (frame boundary unknown on a fatal header error)", consumed)
	}
}

func TestDecodeFrameUnknownType(t *testing.T) {
	wire := EncodeFrame(TypeCommand, 0, 1, []byte("hello"))
	wire[1] = 0xEE

	_, consumed, err := DecodeFrame(wire, 0)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
	if consumed != 0 {
		t.Fatalf("consumed = %d, want 0 (frame boundary unknown on a fatal header error)", consumed)
	}
}

func TestDecodeFramePayloadTooLarge(t *testing.T) {
	wire := EncodeFrame(TypeCommand, 0, 1, []byte("hello world"))

	_, consumed, err := DecodeFrame(wire, 4)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if consumed != 0 {
		t.Fatalf("consumed = %d, want 0", consumed)
	}
}

func TestDecodeFrameConsumesOnlyOneFrameFromBufferedStream(t *testing.T) {
	first := EncodeFrame(TypeCommand, 0, 1, []byte("a"))
	second := EncodeFrame(TypeCommand, 0, 2, []byte("bb"))
	buf := append(append([]byte{}, first...), second...)

	f, consumed, err := DecodeFrame(buf, 0)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if consumed != len(first) {
		t.Fatalf("consumed = %d, want %d", consumed, len(first))
	}
	if string(f.Payload) != "a" {
		t.Fatalf("Payload = %q, want %q", f.Payload, "a")
	}

	buf = buf[consumed:]
	f, consumed, err = DecodeFrame(buf, 0)
	if err != nil {
		t.Fatalf("DecodeFrame (second frame): %v", err)
	}
	if consumed != len(second) {
		t.Fatalf("consumed = %d, want %d", consumed, len(second))
	}
	if string(f.Payload) != "bb" {
		t.Fatalf("Payload = %q, want %q", f.Payload, "bb")
	}
}
